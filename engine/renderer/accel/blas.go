package accel

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/scene"
)

// TriangleGeometry is an indexed triangle list living in GPU buffers.
type TriangleGeometry struct {
	Vertices     *gpu.Buffer
	VertexStride uint64
	VertexCount  uint32
	Indices      *gpu.Buffer
	IndexType    driver.IndexType
	IndexCount   uint32
	// Transform is an optional buffer holding a row major 3x4 matrix.
	Transform *gpu.Buffer
	Opaque    bool
}

func (g TriangleGeometry) primitiveCount() uint32 {
	if g.IndexType == driver.IndexTypeNone {
		return g.VertexCount / 3
	}
	return g.IndexCount / 3
}

func (g TriangleGeometry) geometry() Geometry {
	core.Assert(g.VertexCount > 0, "triangle geometry without vertices")
	tri := driver.Triangles{
		VertexFormat: driver.VertexFormatFloat32x3,
		VertexData:   g.Vertices.DeviceAddress(),
		VertexStride: g.VertexStride,
		MaxVertex:    g.VertexCount,
		IndexType:    g.IndexType,
	}
	if g.IndexType != driver.IndexTypeNone {
		tri.IndexData = g.Indices.DeviceAddress()
	}
	if g.Transform != nil {
		tri.TransformData = g.Transform.DeviceAddress()
	}
	var flags driver.GeometryFlags
	if g.Opaque {
		flags |= driver.GeometryOpaque
	}
	return Geometry{
		Geometry:       driver.Geometry{Type: driver.GeometryTypeTriangles, Flags: flags, Triangles: tri},
		PrimitiveCount: g.primitiveCount(),
	}
}

// BLAS is a bottom level structure over triangle geometries.
type BLAS struct {
	*AccelerationStructure
	geometries []TriangleGeometry
}

func NewBLAS(ctx *gpu.Context, q *gpu.Queue, geometries []TriangleGeometry, opts Options) (*BLAS, error) {
	as, err := New(ctx, q, driver.LevelBottom, blasInputs(geometries), opts)
	if err != nil {
		return nil, err
	}
	return &BLAS{AccelerationStructure: as, geometries: geometries}, nil
}

func blasInputs(geometries []TriangleGeometry) []Geometry {
	inputs := make([]Geometry, len(geometries))
	for i, g := range geometries {
		inputs[i] = g.geometry()
	}
	return inputs
}

// Refit updates the structure after the vertex data of its geometries
// changed in place.
func (b *BLAS) Refit() error {
	return b.Update(blasInputs(b.geometries))
}

func (b *BLAS) Geometries() []TriangleGeometry {
	return b.geometries
}

// MeshBuffers are the vertex and index buffers of one primitive.
type MeshBuffers struct {
	Vertices    *gpu.Buffer
	Indices     *gpu.Buffer
	IndexType   driver.IndexType
	IndexCount  uint32
	VertexCount uint32
}

const meshUsage = driver.BufferUsageShaderDeviceAddress |
	driver.BufferUsageAccelerationStructureBuildInput |
	driver.BufferUsageStorage

// IndexTypeFor returns the narrowest index type able to address maxIndex.
// Builds never use 8-bit indices, which need a device extension for
// acceleration structure input.
func IndexTypeFor(maxIndex uint32) driver.IndexType {
	if maxIndex <= math.MaxUint16 {
		return driver.IndexTypeUint16
	}
	return driver.IndexTypeUint32
}

// EncodeVertices packs vertices with scene.VertexStride bytes each.
func EncodeVertices(vertices []scene.Vertex) []byte {
	out := make([]byte, len(vertices)*scene.VertexStride)
	for i, v := range vertices {
		rec := out[i*scene.VertexStride:]
		for k, f := range v.Position {
			binary.LittleEndian.PutUint32(rec[k*4:], math.Float32bits(f))
		}
		for k, f := range v.TexCoord {
			binary.LittleEndian.PutUint32(rec[12+k*4:], math.Float32bits(f))
		}
	}
	return out
}

// EncodeIndices packs indices with the width of t.
func EncodeIndices(indices []uint32, t driver.IndexType) []byte {
	size := int(t.Size())
	out := make([]byte, len(indices)*size)
	for i, idx := range indices {
		switch t {
		case driver.IndexTypeUint8:
			out[i] = uint8(idx)
		case driver.IndexTypeUint16:
			binary.LittleEndian.PutUint16(out[i*2:], uint16(idx))
		default:
			binary.LittleEndian.PutUint32(out[i*4:], idx)
		}
	}
	return out
}

// NewMeshBuffers uploads the geometry of p into device local buffers.
func NewMeshBuffers(ctx *gpu.Context, q *gpu.Queue, name string, p *scene.Primitive) (*MeshBuffers, error) {
	core.Assert(len(p.Vertices) > 0 && len(p.Indices) > 0, "primitive %s has no geometry", name)

	indexType := IndexTypeFor(p.MaxIndex())
	vertices, err := gpu.NewLabeledBufferFromHostData(ctx, q, name+" vertices", EncodeVertices(p.Vertices), meshUsage|driver.BufferUsageVertex)
	if err != nil {
		return nil, err
	}
	indices, err := gpu.NewLabeledBufferFromHostData(ctx, q, name+" indices", EncodeIndices(p.Indices, indexType), meshUsage|driver.BufferUsageIndex)
	if err != nil {
		vertices.Destroy()
		return nil, err
	}
	return &MeshBuffers{
		Vertices:    vertices,
		Indices:     indices,
		IndexType:   indexType,
		IndexCount:  uint32(len(p.Indices)),
		VertexCount: uint32(len(p.Vertices)),
	}, nil
}

func (m *MeshBuffers) Geometry() TriangleGeometry {
	return TriangleGeometry{
		Vertices:     m.Vertices,
		VertexStride: scene.VertexStride,
		VertexCount:  m.VertexCount,
		Indices:      m.Indices,
		IndexType:    m.IndexType,
		IndexCount:   m.IndexCount,
		Opaque:       true,
	}
}

func (m *MeshBuffers) Destroy() {
	m.Indices.Destroy()
	m.Vertices.Destroy()
}

// CacheEntry is the bottom level structure of one primitive key together
// with the buffers it was built from.
type CacheEntry struct {
	Key  scene.PrimitiveKey
	Mesh *MeshBuffers
	BLAS *BLAS

	// Host copy of the geometry the entry was built from.
	vertices []scene.Vertex
	indices  []uint32
}

// Matches reports whether p carries the geometry the entry was built from.
func (e *CacheEntry) Matches(p *scene.Primitive) bool {
	return p.Key == e.Key &&
		slices.Equal(p.Vertices, e.vertices) &&
		slices.Equal(p.Indices, e.indices)
}

func (e *CacheEntry) destroy() {
	e.BLAS.Destroy()
	e.Mesh.Destroy()
}

// BLASCache builds one bottom level structure per distinct primitive key and
// hands out the same structure for every primitive sharing it.
//
// A cache made with Successor serves one new scene. It adopts the entries of
// its predecessor whose geometry is unchanged and builds the rest. Commit
// destroys what the new scene no longer uses; Discard drops what the
// successor built and leaves the predecessor intact.
type BLASCache struct {
	ctx     *gpu.Context
	q       *gpu.Queue
	opts    Options
	entries map[scene.PrimitiveKey]*CacheEntry
	order   []scene.PrimitiveKey
	prev    *BLASCache
}

func NewBLASCache(ctx *gpu.Context, q *gpu.Queue, opts Options) *BLASCache {
	return &BLASCache{
		ctx:     ctx,
		q:       q,
		opts:    opts,
		entries: make(map[scene.PrimitiveKey]*CacheEntry),
	}
}

// Successor returns an empty cache that may adopt the entries of c.
func (c *BLASCache) Successor() *BLASCache {
	next := NewBLASCache(c.ctx, c.q, c.opts)
	next.prev = c
	return next
}

// Get returns the cached structure for p's key, building it on first use.
// Two primitives with the same key and different geometry are an error.
func (c *BLASCache) Get(p *scene.Primitive) (*CacheEntry, error) {
	if e, ok := c.entries[p.Key]; ok {
		if !e.Matches(p) {
			return nil, errors.Wrapf(core.ErrInvariant, "primitive %d/%d/%d reused with different geometry",
				p.Key.VertexAccessor, p.Key.IndexAccessor, p.Key.Mode)
		}
		return e, nil
	}
	if c.prev != nil {
		if e, ok := c.prev.entries[p.Key]; ok && e.Matches(p) {
			c.add(e)
			return e, nil
		}
	}

	name := fmt.Sprintf("primitive %d/%d/%d", p.Key.VertexAccessor, p.Key.IndexAccessor, p.Key.Mode)
	mesh, err := NewMeshBuffers(c.ctx, c.q, name, p)
	if err != nil {
		return nil, err
	}
	opts := c.opts
	opts.Name = name + " blas"
	blas, err := NewBLAS(c.ctx, c.q, []TriangleGeometry{mesh.Geometry()}, opts)
	if err != nil {
		mesh.Destroy()
		return nil, err
	}
	e := &CacheEntry{
		Key:      p.Key,
		Mesh:     mesh,
		BLAS:     blas,
		vertices: slices.Clone(p.Vertices),
		indices:  slices.Clone(p.Indices),
	}
	c.add(e)
	core.LogDebug("cached %s: %d triangles", opts.Name, p.TriangleCount())
	return e, nil
}

func (c *BLASCache) add(e *CacheEntry) {
	c.entries[e.Key] = e
	c.order = append(c.order, e.Key)
}

// adopted reports whether e is shared with the predecessor.
func (c *BLASCache) adopted(e *CacheEntry) bool {
	if c.prev == nil {
		return false
	}
	return c.prev.entries[e.Key] == e
}

// Commit destroys the predecessor entries c did not adopt. The caller must
// make sure no pending work references them.
func (c *BLASCache) Commit() {
	if c.prev == nil {
		return
	}
	dropped := 0
	for _, e := range c.prev.Entries() {
		if c.entries[e.Key] != e {
			e.destroy()
			dropped++
		}
	}
	if dropped > 0 {
		core.LogDebug("released %d unused bottom level structures", dropped)
	}
	c.prev.reset()
	c.prev = nil
}

// Discard destroys the entries c built itself. Adopted entries stay with the
// predecessor.
func (c *BLASCache) Discard() {
	for _, e := range c.Entries() {
		if !c.adopted(e) {
			e.destroy()
		}
	}
	c.reset()
	c.prev = nil
}

func (c *BLASCache) Len() int {
	return len(c.entries)
}

// Entries returns the cached structures in build order.
func (c *BLASCache) Entries() []*CacheEntry {
	out := make([]*CacheEntry, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.entries[k])
	}
	return out
}

// Destroy destroys every structure before the buffers it was built from.
func (c *BLASCache) Destroy() {
	for _, e := range c.Entries() {
		e.destroy()
	}
	c.reset()
}

func (c *BLASCache) reset() {
	c.entries = make(map[scene.PrimitiveKey]*CacheEntry)
	c.order = nil
}
