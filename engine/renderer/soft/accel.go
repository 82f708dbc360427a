package soft

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

const (
	// InstanceRecordSize is the size of one top level instance record.
	InstanceRecordSize = 64

	bottomNodeBytes    = 64
	topInstanceBytes   = 128
	structureOverhead  = 256
	scratchBase        = 128
	buildScratchFactor = 32
	updateScratchDiv   = 2
)

type triangle struct {
	v0, v1, v2 mgl32.Vec3
}

func (t triangle) bounds() aabb {
	return emptyAABB().growPoint(t.v0).growPoint(t.v1).growPoint(t.v2)
}

// intersect is Möller-Trumbore. It returns the hit distance and barycentrics.
func (t triangle) intersect(origin, dir mgl32.Vec3, tMax float32) (float32, float32, float32, bool) {
	const eps = 1e-7
	e1 := t.v1.Sub(t.v0)
	e2 := t.v2.Sub(t.v0)
	p := dir.Cross(e2)
	det := e1.Dot(p)
	if det > -eps && det < eps {
		return 0, 0, 0, false
	}
	inv := 1 / det
	s := origin.Sub(t.v0)
	u := s.Dot(p) * inv
	if u < 0 || u > 1 {
		return 0, 0, 0, false
	}
	q := s.Cross(e1)
	v := dir.Dot(q) * inv
	if v < 0 || u+v > 1 {
		return 0, 0, 0, false
	}
	dist := e2.Dot(q) * inv
	if dist <= eps || dist >= tMax {
		return 0, 0, 0, false
	}
	return dist, u, v, true
}

func (t triangle) normal() mgl32.Vec3 {
	n := t.v1.Sub(t.v0).Cross(t.v2.Sub(t.v0))
	if n.Len() == 0 {
		return mgl32.Vec3{0, 1, 0}
	}
	return n.Normalize()
}

type instance struct {
	world       mgl32.Mat4
	inverse     mgl32.Mat4
	customIndex uint32
	mask        uint8
	sbtOffset   uint32
	flags       uint8
	blas        driver.DeviceAddress
}

type accelStructure struct {
	handle  driver.AccelerationStructure
	level   driver.AccelerationStructureLevel
	buffer  driver.Buffer
	offset  uint64
	size    uint64
	address driver.DeviceAddress

	built  bool
	flags  driver.BuildFlags
	counts []uint32
	builds int
	update int

	triangles []triangle
	instances []instance
	tree      *bvh
}

// buildSizes is the size model of the device. Sizes grow linearly with the
// primitive count so tests can reason about them.
func buildSizes(level driver.AccelerationStructureLevel, counts []uint32) driver.BuildSizes {
	var prims uint64
	for _, c := range counts {
		prims += uint64(c)
	}
	per := uint64(bottomNodeBytes)
	if level == driver.LevelTop {
		per = topInstanceBytes
	}
	build := scratchBase + prims*buildScratchFactor
	return driver.BuildSizes{
		AccelerationStructureSize: alignUp(structureOverhead+prims*per, addressAlignment),
		BuildScratchSize:          build,
		UpdateScratchSize:         scratchBase + prims*buildScratchFactor/updateScratchDiv,
	}
}

func (d *Device) AccelerationStructureBuildSizes(geometry driver.BuildGeometryInfo, counts []uint32) (driver.BuildSizes, error) {
	d.events.add(Event{Op: OpBuildSizes})
	if err := d.checkGeometry("build sizes", geometry, counts); err != nil {
		return driver.BuildSizes{}, err
	}
	return buildSizes(geometry.Level, counts), nil
}

func (d *Device) checkGeometry(op string, geometry driver.BuildGeometryInfo, counts []uint32) error {
	if len(geometry.Geometries) != len(counts) {
		return d.invalid(op, "%d geometries with %d primitive counts", len(geometry.Geometries), len(counts))
	}
	for _, g := range geometry.Geometries {
		want := driver.GeometryTypeTriangles
		if geometry.Level == driver.LevelTop {
			want = driver.GeometryTypeInstances
		}
		if g.Type != want {
			return d.invalid(op, "%s level structure with geometry type %d", geometry.Level, g.Type)
		}
	}
	if geometry.Level == driver.LevelTop && len(counts) != 1 {
		return d.invalid(op, "top level structures take exactly one instance geometry")
	}
	return nil
}

func (d *Device) CreateAccelerationStructure(desc driver.AccelerationStructureDesc) (driver.AccelerationStructure, error) {
	if r, ok := d.failCreate[desc.Level]; ok {
		delete(d.failCreate, desc.Level)
		d.events.add(Event{Op: OpCreateAS, Label: desc.Level.String(), Result: r.String()})
		return 0, driver.NewError("create acceleration structure", r)
	}
	b, ok := d.buffers[desc.Buffer]
	if !ok {
		return 0, d.invalid("create acceleration structure", "unknown backing buffer %d", desc.Buffer)
	}
	if b.desc.Usage&driver.BufferUsageAccelerationStructureStorage == 0 {
		return 0, d.invalid("create acceleration structure", "buffer %s lacks acceleration structure storage usage", b.desc.Label)
	}
	if desc.Offset%addressAlignment != 0 || desc.Offset+desc.Size > b.desc.Size {
		return 0, d.invalid("create acceleration structure", "range %d+%d does not fit buffer %s of %d bytes", desc.Offset, desc.Size, b.desc.Label, b.desc.Size)
	}
	h := driver.AccelerationStructure(d.handle(KindAccelerationStructure))
	as := &accelStructure{
		handle:  h,
		level:   desc.Level,
		buffer:  desc.Buffer,
		offset:  desc.Offset,
		size:    desc.Size,
		address: driver.DeviceAddress(alignUp(d.nextAddress, addressAlignment)),
	}
	d.nextAddress = uint64(as.address) + desc.Size
	d.accels[h] = as
	d.events.add(Event{Op: OpCreateAS, Handle: uint64(h), Label: desc.Level.String()})
	return h, nil
}

func (d *Device) DestroyAccelerationStructure(h driver.AccelerationStructure) {
	if !d.release(uint64(h), KindAccelerationStructure) {
		return
	}
	as, ok := d.accels[h]
	if !ok {
		return
	}
	if _, alive := d.buffers[as.buffer]; !alive {
		d.invalid("destroy acceleration structure", "backing buffer of structure %d destroyed first", h)
	}
	delete(d.accels, h)
}

func (d *Device) AccelerationStructureDeviceAddress(h driver.AccelerationStructure) driver.DeviceAddress {
	as, ok := d.accels[h]
	if !ok {
		d.invalid("acceleration structure address", "unknown structure %d", h)
		return 0
	}
	return as.address
}

func (d *Device) accelByAddress(addr driver.DeviceAddress) (*accelStructure, bool) {
	for _, as := range d.accels {
		if as.address == addr {
			return as, true
		}
	}
	return nil, false
}

// BuildCount returns how often the structure was built and updated.
func (d *Device) BuildCount(h driver.AccelerationStructure) (builds, updates int) {
	if as, ok := d.accels[h]; ok {
		return as.builds, as.update
	}
	return 0, 0
}

// InstanceCount returns the number of instances of a built top level
// structure.
func (d *Device) InstanceCount(h driver.AccelerationStructure) int {
	if as, ok := d.accels[h]; ok {
		return len(as.instances)
	}
	return 0
}

// InstanceReferences returns the bottom level address referenced by each
// instance of a top level structure.
func (d *Device) InstanceReferences(h driver.AccelerationStructure) []driver.DeviceAddress {
	as, ok := d.accels[h]
	if !ok {
		return nil
	}
	out := make([]driver.DeviceAddress, len(as.instances))
	for i, inst := range as.instances {
		out[i] = inst.blas
	}
	return out
}

func (d *Device) CmdBuildAccelerationStructure(h driver.CommandBuffer, build driver.BuildInfo) {
	refs := []uint64{uint64(build.Dst), uint64(build.Src)}
	for _, g := range build.Geometry.Geometries {
		for _, addr := range []driver.DeviceAddress{g.Triangles.VertexData, g.Triangles.IndexData, g.Triangles.TransformData, g.Instances.Data} {
			if _, b, ok := d.resolve(addr); ok {
				refs = append(refs, uint64(b.handle))
			}
		}
	}
	if _, b, ok := d.resolve(build.ScratchData); ok {
		refs = append(refs, uint64(b.handle))
	}
	counts := append([]uint32(nil), build.PrimitiveCounts...)
	d.record(h, command{
		name: "build acceleration structure",
		refs: refs,
		exec: func(d *Device) error {
			build.PrimitiveCounts = counts
			return d.executeBuild(build)
		},
	})
	d.events.add(Event{Op: OpBuildAS, Handle: uint64(build.Dst)})
}

func (d *Device) executeBuild(build driver.BuildInfo) error {
	const op = "build acceleration structure"
	geo := build.Geometry
	dst, ok := d.accels[build.Dst]
	if !ok {
		return d.invalid(op, "unknown destination structure %d", build.Dst)
	}
	if dst.level != geo.Level {
		return d.invalid(op, "building %s level geometry into a %s level structure", geo.Level, dst.level)
	}
	if err := d.checkGeometry(op, geo, build.PrimitiveCounts); err != nil {
		return err
	}
	sizes := buildSizes(geo.Level, build.PrimitiveCounts)
	if dst.size < sizes.AccelerationStructureSize {
		return d.invalid(op, "structure %d backing range of %d bytes is smaller than the required %d", dst.handle, dst.size, sizes.AccelerationStructureSize)
	}

	scratchNeeded := sizes.BuildScratchSize
	if geo.Mode == driver.BuildModeUpdate {
		scratchNeeded = sizes.UpdateScratchSize
		src, ok := d.accels[build.Src]
		if !ok || !src.built {
			return d.invalid(op, "update source %d is not built", build.Src)
		}
		if src.flags&driver.BuildAllowUpdate == 0 {
			return d.invalid(op, "update of structure %d built without allow update", build.Src)
		}
		if !equalCounts(src.counts, build.PrimitiveCounts) {
			return d.invalid(op, "update changes primitive counts from %v to %v", src.counts, build.PrimitiveCounts)
		}
	}
	scratch, _, ok := d.resolve(build.ScratchData)
	if !ok {
		return d.invalid(op, "scratch address %#x does not resolve to a buffer", build.ScratchData)
	}
	if align := uint64(d.info.RayTracing.MinScratchAlignment); align != 0 && uint64(build.ScratchData)%align != 0 {
		return d.invalid(op, "scratch address %#x is not aligned to %d", build.ScratchData, align)
	}
	if uint64(len(scratch)) < scratchNeeded {
		return d.invalid(op, "scratch of %d bytes is smaller than the required %d", len(scratch), scratchNeeded)
	}

	var bounds []aabb
	switch geo.Level {
	case driver.LevelBottom:
		tris, err := d.readTriangles(geo.Geometries, build.PrimitiveCounts)
		if err != nil {
			return err
		}
		dst.triangles = tris
		dst.instances = nil
		bounds = make([]aabb, len(tris))
		for i, t := range tris {
			bounds[i] = t.bounds()
		}
	case driver.LevelTop:
		insts, err := d.readInstances(geo.Geometries[0].Instances.Data, build.PrimitiveCounts[0])
		if err != nil {
			return err
		}
		dst.instances = insts
		dst.triangles = nil
		bounds = make([]aabb, len(insts))
		for i, inst := range insts {
			blas, ok := d.accelByAddress(inst.blas)
			if !ok || !blas.built || blas.level != driver.LevelBottom {
				return d.invalid(op, "instance %d references %#x which is not a built bottom level structure", i, inst.blas)
			}
			bounds[i] = blas.tree.bounds().transform(inst.world)
		}
	}
	dst.tree = buildBVH(bounds)
	dst.built = true
	dst.counts = append([]uint32(nil), build.PrimitiveCounts...)
	if geo.Mode == driver.BuildModeUpdate {
		dst.update++
	} else {
		dst.flags = geo.Flags
		dst.builds++
	}
	return nil
}

func equalCounts(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (d *Device) readTriangles(geometries []driver.Geometry, counts []uint32) ([]triangle, error) {
	const op = "build acceleration structure"
	var out []triangle
	for gi, g := range geometries {
		tri := g.Triangles
		if tri.VertexFormat != driver.VertexFormatFloat32x3 {
			return nil, d.invalid(op, "geometry %d has unsupported vertex format %d", gi, tri.VertexFormat)
		}
		vertices, _, ok := d.resolve(tri.VertexData)
		if !ok {
			return nil, d.invalid(op, "geometry %d vertex address %#x does not resolve", gi, tri.VertexData)
		}
		if uint64(len(vertices)) < uint64(tri.MaxVertex)*tri.VertexStride {
			return nil, d.invalid(op, "geometry %d has %d vertex bytes for %d vertices", gi, len(vertices), tri.MaxVertex)
		}
		var indices []byte
		if tri.IndexType != driver.IndexTypeNone {
			if indices, _, ok = d.resolve(tri.IndexData); !ok {
				return nil, d.invalid(op, "geometry %d index address %#x does not resolve", gi, tri.IndexData)
			}
			if uint64(len(indices)) < uint64(counts[gi])*3*uint64(tri.IndexType.Size()) {
				return nil, d.invalid(op, "geometry %d index buffer too small for %d triangles", gi, counts[gi])
			}
		}
		transform := mgl32.Ident4()
		if tri.TransformData != 0 {
			data, _, ok := d.resolve(tri.TransformData)
			if !ok || len(data) < 48 {
				return nil, d.invalid(op, "geometry %d transform address %#x does not resolve", gi, tri.TransformData)
			}
			transform = readRowMajor3x4(data)
		}

		vertex := func(i uint32) (mgl32.Vec3, error) {
			if i >= tri.MaxVertex {
				return mgl32.Vec3{}, d.invalid(op, "geometry %d index %d exceeds max vertex %d", gi, i, tri.MaxVertex)
			}
			off := uint64(i) * tri.VertexStride
			p := mgl32.Vec3{readFloat(vertices[off:]), readFloat(vertices[off+4:]), readFloat(vertices[off+8:])}
			return mgl32.TransformCoordinate(p, transform), nil
		}
		for p := uint32(0); p < counts[gi]; p++ {
			var t triangle
			corners := [3]*mgl32.Vec3{&t.v0, &t.v1, &t.v2}
			for k := uint32(0); k < 3; k++ {
				idx := p*3 + k
				if tri.IndexType != driver.IndexTypeNone {
					idx = readIndex(indices, tri.IndexType, p*3+k)
				}
				v, err := vertex(idx)
				if err != nil {
					return nil, err
				}
				*corners[k] = v
			}
			out = append(out, t)
		}
	}
	return out, nil
}

func (d *Device) readInstances(addr driver.DeviceAddress, count uint32) ([]instance, error) {
	data, _, ok := d.resolve(addr)
	if !ok && count > 0 {
		return nil, d.invalid("build acceleration structure", "instance address %#x does not resolve", addr)
	}
	if uint64(len(data)) < uint64(count)*InstanceRecordSize {
		return nil, d.invalid("build acceleration structure", "instance buffer too small for %d instances", count)
	}
	out := make([]instance, count)
	for i := range out {
		rec := data[i*InstanceRecordSize : (i+1)*InstanceRecordSize]
		world := readRowMajor3x4(rec)
		packed0 := binary.LittleEndian.Uint32(rec[48:])
		packed1 := binary.LittleEndian.Uint32(rec[52:])
		out[i] = instance{
			world:       world,
			inverse:     world.Inv(),
			customIndex: packed0 & 0xFFFFFF,
			mask:        uint8(packed0 >> 24),
			sbtOffset:   packed1 & 0xFFFFFF,
			flags:       uint8(packed1 >> 24),
			blas:        driver.DeviceAddress(binary.LittleEndian.Uint64(rec[56:])),
		}
	}
	return out, nil
}

func readFloat(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// readRowMajor3x4 reads a 3x4 row major affine matrix.
func readRowMajor3x4(b []byte) mgl32.Mat4 {
	m := mgl32.Ident4()
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			m.Set(r, c, readFloat(b[(r*4+c)*4:]))
		}
	}
	return m
}

func readIndex(b []byte, t driver.IndexType, i uint32) uint32 {
	switch t {
	case driver.IndexTypeUint8:
		return uint32(b[i])
	case driver.IndexTypeUint16:
		return uint32(binary.LittleEndian.Uint16(b[i*2:]))
	default:
		return binary.LittleEndian.Uint32(b[i*4:])
	}
}
