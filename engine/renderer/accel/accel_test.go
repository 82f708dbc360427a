package accel

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
	"github.com/spaghettifunk/prism/engine/scene"
)

type fixture struct {
	dev *soft.Device
	ctx *gpu.Context
	q   *gpu.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := soft.New(soft.Options{})
	ctx := gpu.NewContext(dev)
	q, err := gpu.NewQueue(ctx)
	require.NoError(t, err)
	return &fixture{dev: dev, ctx: ctx, q: q}
}

func (f *fixture) close(t *testing.T) {
	t.Helper()
	f.q.Destroy()
	assert.True(t, f.ctx.Release(), "context still referenced")
	assert.Empty(t, f.dev.Ledger().Live(soft.KindAccelerationStructure))
	assert.Empty(t, f.dev.Ledger().Live(soft.KindBuffer))
	assert.Empty(t, f.dev.ValidationErrors())
}

func (f *fixture) mesh(t *testing.T, p scene.Primitive) *MeshBuffers {
	t.Helper()
	m, err := NewMeshBuffers(f.ctx, f.q, "mesh", &p)
	require.NoError(t, err)
	return m
}

func TestBuildSequence(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)
	mesh := f.mesh(t, scene.Cube(scene.PrimitiveKey{}, 0))
	defer mesh.Destroy()

	f.dev.ClearEvents()
	blas, err := NewBLAS(f.ctx, f.q, []TriangleGeometry{mesh.Geometry()}, Options{Name: "cube"})
	require.NoError(t, err)
	defer blas.Destroy()

	assert.Equal(t, StateBuilt, blas.State())
	assert.Equal(t, []uint32{12}, blas.PrimitiveCounts())

	seq := map[string]int{}
	var scratch uint64
	for _, e := range f.dev.Events() {
		key := string(e.Op)
		switch {
		case e.Op == soft.OpCreateBuffer && e.Label == "cube scratch":
			key, scratch = "scratch", e.Handle
		case e.Op == soft.OpCreateBuffer && e.Label == "cube":
			key = "backing"
		case e.Op == soft.OpDestroyBuffer && e.Handle == scratch:
			key = "scratch destroyed"
		}
		if _, seen := seq[key]; !seen {
			seq[key] = e.Seq
		}
	}
	order := []string{
		string(soft.OpBuildSizes),
		"backing",
		string(soft.OpCreateAS),
		"scratch",
		string(soft.OpBuildAS),
		string(soft.OpSubmit),
		string(soft.OpWaitFence),
		"scratch destroyed",
	}
	for i := 1; i < len(order); i++ {
		require.Contains(t, seq, order[i])
		assert.Less(t, seq[order[i-1]], seq[order[i]], "%s before %s", order[i-1], order[i])
	}
	assert.Equal(t, 1, f.dev.Ledger().DestroyCount(scratch))
}

func TestBLASCacheDeduplicatesPrimitives(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)
	s := scene.Demo()

	cache := NewBLASCache(f.ctx, f.q, Options{PreferFastTrace: true})
	defer cache.Destroy()

	entries := map[int]*CacheEntry{}
	for _, inst := range s.Instances() {
		e, err := cache.Get(&s.Primitives[inst.PrimitiveIndex])
		require.NoError(t, err)
		if prev, ok := entries[inst.PrimitiveIndex]; ok {
			assert.Same(t, prev, e)
		}
		entries[inst.PrimitiveIndex] = e
	}
	assert.Equal(t, 2, cache.Len())
	assert.Len(t, f.dev.Ledger().Live(soft.KindAccelerationStructure), 2)

	got := cache.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, s.Primitives[0].Key, got[0].Key)
	assert.Equal(t, driver.IndexTypeUint16, got[1].Mesh.IndexType)
	assert.Equal(t, uint32(36), got[1].Mesh.IndexCount)
}

func TestBLASCacheRejectsConflictingGeometry(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)
	cache := NewBLASCache(f.ctx, f.q, Options{})
	defer cache.Destroy()

	key := scene.PrimitiveKey{VertexAccessor: 0, IndexAccessor: 1}
	quad := scene.Quad(key, 0)
	cube := scene.Cube(key, 0)
	_, err := cache.Get(&quad)
	require.NoError(t, err)
	_, err = cache.Get(&cube)
	assert.Error(t, err)
	assert.Equal(t, 1, cache.Len())
}

func TestBLASCacheSuccessorRebuildsChangedGeometry(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)
	key := scene.PrimitiveKey{VertexAccessor: 0, IndexAccessor: 1}
	other := scene.PrimitiveKey{VertexAccessor: 2, IndexAccessor: 3}

	cache := NewBLASCache(f.ctx, f.q, Options{})
	quad := scene.Quad(key, 0)
	kept := scene.Cube(other, 0)
	old, err := cache.Get(&quad)
	require.NoError(t, err)
	shared, err := cache.Get(&kept)
	require.NoError(t, err)

	next := cache.Successor()
	edited := scene.Cube(key, 0)
	e, err := next.Get(&edited)
	require.NoError(t, err)
	assert.NotSame(t, old, e)
	assert.Equal(t, uint32(len(edited.Vertices)), e.Mesh.VertexCount)

	same := scene.Cube(other, 0)
	adopted, err := next.Get(&same)
	require.NoError(t, err)
	assert.Same(t, shared, adopted)

	oldHandle, sharedHandle := uint64(old.BLAS.Handle()), uint64(shared.BLAS.Handle())
	next.Commit()
	assert.Equal(t, 1, f.dev.Ledger().DestroyCount(oldHandle))
	assert.Equal(t, 0, f.dev.Ledger().DestroyCount(sharedHandle))
	assert.Len(t, f.dev.Ledger().Live(soft.KindAccelerationStructure), 2)
	assert.Equal(t, 0, cache.Len())

	next.Destroy()
}

func TestBLASCacheSuccessorDiscard(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)
	key := scene.PrimitiveKey{VertexAccessor: 0, IndexAccessor: 1}

	cache := NewBLASCache(f.ctx, f.q, Options{})
	defer cache.Destroy()
	quad := scene.Quad(key, 0)
	old, err := cache.Get(&quad)
	require.NoError(t, err)

	next := cache.Successor()
	again := scene.Quad(key, 0)
	adopted, err := next.Get(&again)
	require.NoError(t, err)
	assert.Same(t, old, adopted)
	other := scene.Cube(scene.PrimitiveKey{VertexAccessor: 4, IndexAccessor: 5}, 0)
	built, err := next.Get(&other)
	require.NoError(t, err)

	builtHandle, oldHandle := uint64(built.BLAS.Handle()), uint64(old.BLAS.Handle())
	next.Discard()
	assert.Equal(t, 1, f.dev.Ledger().DestroyCount(builtHandle))
	assert.Equal(t, 0, f.dev.Ledger().DestroyCount(oldHandle))
	assert.Equal(t, 1, cache.Len())
}

func TestUpdatePreconditions(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)
	mesh := f.mesh(t, scene.Quad(scene.PrimitiveKey{}, 0))
	defer mesh.Destroy()

	static, err := NewBLAS(f.ctx, f.q, []TriangleGeometry{mesh.Geometry()}, Options{})
	require.NoError(t, err)
	defer static.Destroy()
	assert.Panics(t, func() { static.Refit() })

	dynamic, err := NewBLAS(f.ctx, f.q, []TriangleGeometry{mesh.Geometry()}, Options{AllowUpdate: true})
	require.NoError(t, err)
	defer dynamic.Destroy()
	require.NoError(t, dynamic.Refit())
	assert.Equal(t, StateUpdated, dynamic.State())
	builds, updates := f.dev.BuildCount(dynamic.Handle())
	assert.Equal(t, 1, builds)
	assert.Equal(t, 1, updates)

	half := mesh.Geometry()
	half.IndexCount = 3
	assert.Panics(t, func() { dynamic.Update(blasInputs([]TriangleGeometry{half})) })
}

func TestTLASLifecycle(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)
	s := scene.Demo()
	cache := NewBLASCache(f.ctx, f.q, Options{})
	defer cache.Destroy()

	var instances []Instance
	for i, inst := range s.Instances() {
		e, err := cache.Get(&s.Primitives[inst.PrimitiveIndex])
		require.NoError(t, err)
		instances = append(instances, Instance{BLAS: e.BLAS, Transform: inst.World, CustomIndex: uint32(i), Mask: 0xFF})
	}

	tlas, err := NewTLAS(f.ctx, f.q, instances, Options{AllowUpdate: true, Name: "scene"})
	require.NoError(t, err)
	defer tlas.Destroy()

	assert.Equal(t, driver.LevelTop, tlas.Level())
	assert.Equal(t, 5, tlas.InstanceCount())
	assert.Equal(t, 5, f.dev.InstanceCount(tlas.Handle()))
	refs := f.dev.InstanceReferences(tlas.Handle())
	for i, inst := range instances {
		assert.Equal(t, inst.BLAS.Address(), refs[i])
	}

	// Moving an instance refits in place.
	instances[1].Transform = mgl32.Translate3D(0, 3, 0)
	require.NoError(t, tlas.Update(instances))
	builds, updates := f.dev.BuildCount(tlas.Handle())
	assert.Equal(t, 1, builds)
	assert.Equal(t, 1, updates)
	assert.Panics(t, func() { tlas.Update(instances[:2]) })

	// Dropping instances needs a rebuild.
	require.NoError(t, tlas.Rebuild(instances[:3]))
	assert.Equal(t, 3, f.dev.InstanceCount(tlas.Handle()))
	assert.Equal(t, StateBuilt, tlas.State())
}

func TestEncodeInstance(t *testing.T) {
	rec := make([]byte, InstanceRecordSize)
	EncodeInstance(rec, Instance{
		Transform:   mgl32.Translate3D(1, 2, 3).Mul4(mgl32.Scale3D(4, 5, 6)),
		CustomIndex: 0x1234567,
		Mask:        0xAB,
		SBTOffset:   2,
		Flags:       InstanceForceOpaque,
	}, 0xDEADBEEF00)

	float := func(i int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(rec[i*4:])) }
	assert.Equal(t, []float32{4, 0, 0, 1}, []float32{float(0), float(1), float(2), float(3)})
	assert.Equal(t, []float32{0, 5, 0, 2}, []float32{float(4), float(5), float(6), float(7)})
	assert.Equal(t, []float32{0, 0, 6, 3}, []float32{float(8), float(9), float(10), float(11)})
	assert.Equal(t, uint32(0xAB234567), binary.LittleEndian.Uint32(rec[48:]))
	assert.Equal(t, uint32(2|uint32(InstanceForceOpaque)<<24), binary.LittleEndian.Uint32(rec[52:]))
	assert.Equal(t, uint64(0xDEADBEEF00), binary.LittleEndian.Uint64(rec[56:]))
}

func TestIndexTypeFor(t *testing.T) {
	assert.Equal(t, driver.IndexTypeUint16, IndexTypeFor(3))
	assert.Equal(t, driver.IndexTypeUint16, IndexTypeFor(math.MaxUint16))
	assert.Equal(t, driver.IndexTypeUint32, IndexTypeFor(math.MaxUint16+1))

	assert.Equal(t, []byte{1, 0, 0, 1}, EncodeIndices([]uint32{1, 256}, driver.IndexTypeUint16))
	assert.Equal(t, []byte{7, 9}, EncodeIndices([]uint32{7, 9}, driver.IndexTypeUint8))
}
