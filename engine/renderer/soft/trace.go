package soft

import (
	"encoding/binary"
	"runtime"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/sync/errgroup"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// The software shaders follow the renderer binding layout.
const (
	slotTLAS      = 0
	slotOutput    = 1
	slotCamera    = 2
	slotInstances = 3
	slotMaterials = 4

	// Two mat4 (inverse view, inverse projection).
	cameraBytes         = 128
	instanceMetaBytes   = 32
	materialRecordBytes = 32

	handleMagic = 0x4d535250
	spirvMagic  = 0x07230203
)

type pipeline struct {
	handle   driver.Pipeline
	stages   []driver.ShaderStage
	bindings []driver.BindingType
}

type bindingSet struct {
	handle   driver.Bindings
	pipeline driver.Pipeline
	slots    map[uint32]driver.BindingWrite
}

func (d *Device) CreateTracePipeline(desc driver.TracePipelineDesc) (driver.Pipeline, error) {
	const op = "create trace pipeline"
	if len(desc.Modules) == 0 || desc.Modules[0].Stage != driver.ShaderStageRaygen {
		return 0, d.invalid(op, "the first shader group must be a raygen shader")
	}
	if desc.MaxRecursionDepth > d.info.RayTracing.MaxRecursionDepth {
		return 0, d.invalid(op, "recursion depth %d exceeds the device limit %d", desc.MaxRecursionDepth, d.info.RayTracing.MaxRecursionDepth)
	}
	p := &pipeline{bindings: append([]driver.BindingType(nil), desc.Bindings...)}
	for i, m := range desc.Modules {
		if len(m.Code) < 4 || len(m.Code)%4 != 0 {
			return 0, d.invalid(op, "shader module %d is not a SPIR-V word stream", i)
		}
		p.stages = append(p.stages, m.Stage)
	}
	p.handle = driver.Pipeline(d.handle(KindPipeline))
	d.pipelines[p.handle] = p
	return p.handle, nil
}

func (d *Device) DestroyPipeline(h driver.Pipeline) {
	if !d.release(uint64(h), KindPipeline) {
		return
	}
	delete(d.pipelines, h)
}

// ShaderGroupHandles returns opaque handles that identify the pipeline and
// the group index.
func (d *Device) ShaderGroupHandles(h driver.Pipeline, first, count uint32) ([]byte, error) {
	p, ok := d.pipelines[h]
	if !ok {
		return nil, d.invalid("shader group handles", "unknown pipeline %d", h)
	}
	if int(first+count) > len(p.stages) {
		return nil, d.invalid("shader group handles", "groups %d..%d out of range for %d groups", first, first+count, len(p.stages))
	}
	size := d.info.RayTracing.ShaderGroupHandleSize
	out := make([]byte, count*size)
	for i := uint32(0); i < count; i++ {
		rec := out[i*size:]
		binary.LittleEndian.PutUint32(rec[0:], handleMagic)
		binary.LittleEndian.PutUint32(rec[4:], first+i)
		binary.LittleEndian.PutUint64(rec[8:], uint64(h))
	}
	return out, nil
}

func (d *Device) CreateBindings(h driver.Pipeline) (driver.Bindings, error) {
	if _, ok := d.pipelines[h]; !ok {
		return 0, d.invalid("create bindings", "unknown pipeline %d", h)
	}
	b := &bindingSet{pipeline: h, slots: make(map[uint32]driver.BindingWrite)}
	b.handle = driver.Bindings(d.handle(KindBindings))
	d.bindings[b.handle] = b
	return b.handle, nil
}

func (d *Device) DestroyBindings(h driver.Bindings) {
	if !d.release(uint64(h), KindBindings) {
		return
	}
	delete(d.bindings, h)
}

func (d *Device) UpdateBindings(h driver.Bindings, writes []driver.BindingWrite) error {
	const op = "update bindings"
	set, ok := d.bindings[h]
	if !ok {
		return d.invalid(op, "unknown binding set %d", h)
	}
	p, ok := d.pipelines[set.pipeline]
	if !ok {
		return d.invalid(op, "pipeline of binding set %d was destroyed", h)
	}
	for _, w := range writes {
		if int(w.Binding) >= len(p.bindings) {
			return d.invalid(op, "binding %d is not part of the pipeline layout", w.Binding)
		}
		if p.bindings[w.Binding] != w.Type {
			return d.invalid(op, "binding %d has type %d, written as %d", w.Binding, p.bindings[w.Binding], w.Type)
		}
		switch w.Type {
		case driver.BindingAccelerationStructure:
			if _, ok := d.accels[w.AccelerationStructure]; !ok {
				return d.invalid(op, "binding %d: unknown acceleration structure %d", w.Binding, w.AccelerationStructure)
			}
		case driver.BindingStorageImage:
			img, ok := d.images[w.Image]
			if !ok || img.desc.Usage&driver.ImageUsageStorage == 0 {
				return d.invalid(op, "binding %d: image %d is not a storage image", w.Binding, w.Image)
			}
		case driver.BindingUniformBuffer, driver.BindingStorageBuffer:
			b, ok := d.buffers[w.Buffer]
			if !ok {
				return d.invalid(op, "binding %d: unknown buffer %d", w.Binding, w.Buffer)
			}
			want := driver.BufferUsageStorage
			if w.Type == driver.BindingUniformBuffer {
				want = driver.BufferUsageUniform
			}
			if b.desc.Usage&want == 0 {
				return d.invalid(op, "binding %d: buffer %s lacks the usage for its binding type", w.Binding, b.desc.Label)
			}
		}
		set.slots[w.Binding] = w
	}
	return nil
}

func (d *Device) CmdTraceRays(h driver.CommandBuffer, trace driver.TraceRaysInfo) {
	refs := []uint64{uint64(trace.Pipeline), uint64(trace.Bindings)}
	if set, ok := d.bindings[trace.Bindings]; ok {
		for _, w := range set.slots {
			refs = append(refs, uint64(w.AccelerationStructure), uint64(w.Image), uint64(w.Buffer))
		}
	}
	for _, r := range []driver.StridedRegion{trace.Raygen, trace.Miss, trace.Hit} {
		if _, b, ok := d.resolve(r.Address); ok {
			refs = append(refs, uint64(b.handle))
		}
	}
	d.record(h, command{
		name: "trace rays",
		refs: refs,
		exec: func(d *Device) error {
			return d.executeTrace(trace)
		},
	})
	d.events.add(Event{Op: OpTraceRays, Handle: uint64(h)})
}

// traceState is the read-only view of device memory used by one dispatch.
type traceState struct {
	tlas      *accelStructure
	blas      map[driver.DeviceAddress]*accelStructure
	invView   mgl32.Mat4
	invProj   mgl32.Mat4
	instances []byte
	materials []byte
	out       *image
}

func (d *Device) executeTrace(trace driver.TraceRaysInfo) error {
	const op = "trace rays"
	p, ok := d.pipelines[trace.Pipeline]
	if !ok {
		return d.invalid(op, "unknown pipeline %d", trace.Pipeline)
	}
	set, ok := d.bindings[trace.Bindings]
	if !ok || set.pipeline != trace.Pipeline {
		return d.invalid(op, "binding set %d does not belong to pipeline %d", trace.Bindings, trace.Pipeline)
	}
	if err := d.checkShaderBindingTable(p, trace); err != nil {
		return err
	}

	st := &traceState{blas: make(map[driver.DeviceAddress]*accelStructure)}
	w, ok := set.slots[slotTLAS]
	if st.tlas = d.accels[w.AccelerationStructure]; !ok || st.tlas == nil || !st.tlas.built {
		return d.invalid(op, "no built top level structure bound")
	}
	for i, inst := range st.tlas.instances {
		blas, ok := d.accelByAddress(inst.blas)
		if !ok || !blas.built {
			return d.invalid(op, "instance %d references a destroyed bottom level structure", i)
		}
		st.blas[inst.blas] = blas
	}
	w, ok = set.slots[slotOutput]
	if st.out = d.images[w.Image]; !ok || st.out == nil {
		return d.invalid(op, "no output image bound")
	}
	if st.out.layout != driver.ImageLayoutGeneral {
		return d.invalid(op, "output image %s is in layout %d, not general", st.out.desc.Label, st.out.layout)
	}
	if trace.Width > st.out.desc.Extent.Width || trace.Height > st.out.desc.Extent.Height || trace.Depth != 1 {
		return d.invalid(op, "dispatch %dx%dx%d exceeds output image %v", trace.Width, trace.Height, trace.Depth, st.out.desc.Extent)
	}
	w, ok = set.slots[slotCamera]
	cam, ok2 := d.buffers[w.Buffer]
	if !ok || !ok2 || cam.desc.Size < cameraBytes {
		return d.invalid(op, "no camera uniforms bound")
	}
	st.invView = readMat4(cam.data[0:])
	st.invProj = readMat4(cam.data[64:])
	if w, ok := set.slots[slotInstances]; ok {
		if b, ok := d.buffers[w.Buffer]; ok {
			st.instances = b.data
		}
	}
	if w, ok := set.slots[slotMaterials]; ok {
		if b, ok := d.buffers[w.Buffer]; ok {
			st.materials = b.data
		}
	}

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for y0 := uint32(0); y0 < trace.Height; y0 += uint32(d.tileRows) {
		y1 := min(y0+uint32(d.tileRows), trace.Height)
		g.Go(func() error {
			for y := y0; y < y1; y++ {
				for x := uint32(0); x < trace.Width; x++ {
					st.shade(x, y, trace.Width, trace.Height)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	d.traceCount++
	return nil
}

func (d *Device) checkShaderBindingTable(p *pipeline, trace driver.TraceRaysInfo) error {
	const op = "trace rays"
	limits := d.info.RayTracing
	regions := []struct {
		name   string
		region driver.StridedRegion
		stage  driver.ShaderStage
	}{
		{"raygen", trace.Raygen, driver.ShaderStageRaygen},
		{"miss", trace.Miss, driver.ShaderStageMiss},
		{"hit", trace.Hit, driver.ShaderStageClosestHit},
	}
	for _, r := range regions {
		if r.region.Size == 0 {
			if r.stage == driver.ShaderStageRaygen {
				return d.invalid(op, "empty raygen region")
			}
			continue
		}
		if uint64(r.region.Address)%uint64(limits.ShaderGroupBaseAlignment) != 0 {
			return d.invalid(op, "%s region address %#x is not aligned to %d", r.name, r.region.Address, limits.ShaderGroupBaseAlignment)
		}
		if r.region.Stride%uint64(limits.ShaderGroupHandleAlignment) != 0 || r.region.Stride < uint64(limits.ShaderGroupHandleSize) {
			return d.invalid(op, "%s region stride %d is not a valid handle stride", r.name, r.region.Stride)
		}
		if r.stage == driver.ShaderStageRaygen && r.region.Size != r.region.Stride {
			return d.invalid(op, "raygen region size %d must equal its stride %d", r.region.Size, r.region.Stride)
		}
		data, _, ok := d.resolve(r.region.Address)
		if !ok || uint64(len(data)) < r.region.Size {
			return d.invalid(op, "%s region does not fit in a buffer", r.name)
		}
		if binary.LittleEndian.Uint32(data[0:]) != handleMagic || driver.Pipeline(binary.LittleEndian.Uint64(data[8:])) != p.handle {
			return d.invalid(op, "%s region does not hold a handle of pipeline %d", r.name, p.handle)
		}
		group := binary.LittleEndian.Uint32(data[4:])
		if int(group) >= len(p.stages) || p.stages[group] != r.stage {
			return d.invalid(op, "%s region references group %d of the wrong stage", r.name, group)
		}
	}
	return nil
}

func (st *traceState) shade(x, y, width, height uint32) {
	uv := mgl32.Vec2{
		(float32(x)+0.5)/float32(width)*2 - 1,
		(float32(y)+0.5)/float32(height)*2 - 1,
	}
	origin := st.invView.Mul4x1(mgl32.Vec4{0, 0, 0, 1}).Vec3()
	target := st.invProj.Mul4x1(mgl32.Vec4{uv[0], uv[1], 1, 1})
	dir := st.invView.Mul4x1(target.Vec3().Normalize().Vec4(0)).Vec3().Normalize()

	color := st.miss(dir)
	if hit, ok := st.closestHit(origin, dir); ok {
		color = st.hitColor(hit, dir)
	}
	px := st.out.pixel(x, y)
	rgba := [4]byte{toByte(color[0]), toByte(color[1]), toByte(color[2]), 255}
	switch st.out.desc.Format {
	case driver.FormatB8G8R8A8Unorm, driver.FormatB8G8R8A8Srgb:
		rgba[0], rgba[2] = rgba[2], rgba[0]
	}
	copy(px, rgba[:])
}

type hitRecord struct {
	t        float32
	instance int32
	normal   mgl32.Vec3
}

func (st *traceState) closestHit(origin, dir mgl32.Vec3) (hitRecord, bool) {
	best := hitRecord{t: 1e30, instance: -1}
	st.tlas.tree.traverse(origin, dir, best.t, func(item int32, tMax float32) float32 {
		inst := &st.tlas.instances[item]
		if inst.mask == 0 {
			return tMax
		}
		blas := st.blas[inst.blas]
		o := mgl32.TransformCoordinate(origin, inst.inverse)
		dd := mgl32.TransformNormal(dir, inst.inverse)
		return blas.tree.traverse(o, dd, tMax, func(tri int32, tMax float32) float32 {
			t, _, _, ok := blas.triangles[tri].intersect(o, dd, tMax)
			if !ok {
				return tMax
			}
			n := blas.triangles[tri].normal()
			best = hitRecord{
				t:        t,
				instance: item,
				normal:   mgl32.TransformNormal(n, inst.world).Normalize(),
			}
			return t
		})
	})
	return best, best.instance >= 0
}

func (st *traceState) miss(dir mgl32.Vec3) mgl32.Vec3 {
	t := 0.5 * (dir[1] + 1)
	return mgl32.Vec3{1, 1, 1}.Mul(1 - t).Add(mgl32.Vec3{0.5, 0.7, 1.0}.Mul(t))
}

func (st *traceState) hitColor(hit hitRecord, dir mgl32.Vec3) mgl32.Vec3 {
	inst := st.tlas.instances[hit.instance]
	base := mgl32.Vec3{0.8, 0.8, 0.8}
	emissive := mgl32.Vec3{}

	meta := int(inst.customIndex) * instanceMetaBytes
	if meta+4 <= len(st.instances) {
		material := int(binary.LittleEndian.Uint32(st.instances[meta:])) * materialRecordBytes
		if material+materialRecordBytes <= len(st.materials) {
			rec := st.materials[material:]
			base = mgl32.Vec3{readFloat(rec[0:]), readFloat(rec[4:]), readFloat(rec[8:])}
			emissive = mgl32.Vec3{readFloat(rec[16:]), readFloat(rec[20:]), readFloat(rec[24:])}
		}
	}
	facing := hit.normal.Dot(dir)
	if facing < 0 {
		facing = -facing
	}
	return base.Mul(0.2 + 0.8*facing).Add(emissive)
}

func toByte(v float32) byte {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return byte(v*255 + 0.5)
}

func readMat4(b []byte) mgl32.Mat4 {
	var m mgl32.Mat4
	for i := range m {
		m[i] = readFloat(b[i*4:])
	}
	return m
}

// ShaderModule returns a SPIR-V module header with no instructions. The
// software device shades on the CPU and only checks that shader code is a
// word stream, so this stands in for compiled shaders.
func ShaderModule() []byte {
	words := []uint32{spirvMagic, 0x00010500, 0, 1, 0}
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}
