package soft

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

const addressable = driver.BufferUsageShaderDeviceAddress

func putFloats(b []byte, fs ...float32) {
	for i, f := range fs {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
}

func writeBuffer(t *testing.T, d *Device, h driver.Buffer, fill func([]byte)) {
	t.Helper()
	data, err := d.MapBuffer(h)
	require.NoError(t, err)
	fill(data)
	d.UnmapBuffer(h)
}

func submitAndWait(t *testing.T, d *Device, record func(cb driver.CommandBuffer)) {
	t.Helper()
	_, cb := recordOnce(t, d, record)
	f, err := d.CreateFence(false)
	require.NoError(t, err)
	require.NoError(t, d.QueueSubmit(driver.SubmitInfo{CommandBuffers: []driver.CommandBuffer{cb}}, f))
	require.Equal(t, driver.Success, d.WaitFence(f, driver.TimeoutInfinite))
}

type structure struct {
	handle driver.AccelerationStructure
	build  driver.BuildInfo
}

func newStructure(t *testing.T, d *Device, geo driver.BuildGeometryInfo, counts []uint32) structure {
	t.Helper()
	sizes, err := d.AccelerationStructureBuildSizes(geo, counts)
	require.NoError(t, err)
	backing := hostBuffer(t, d, sizes.AccelerationStructureSize, driver.BufferUsageAccelerationStructureStorage)
	h, err := d.CreateAccelerationStructure(driver.AccelerationStructureDesc{
		Level: geo.Level, Buffer: backing, Size: sizes.AccelerationStructureSize,
	})
	require.NoError(t, err)
	scratch := hostBuffer(t, d, sizes.BuildScratchSize, driver.BufferUsageStorage|addressable)
	return structure{handle: h, build: driver.BuildInfo{
		Geometry:        geo,
		Dst:             h,
		ScratchData:     d.BufferDeviceAddress(scratch),
		PrimitiveCounts: counts,
	}}
}

// triangleScene builds one triangle around the origin in the z = 0 plane and
// a top level structure holding one instance of it, translated by offset.
func triangleScene(t *testing.T, d *Device, offset mgl32.Vec3) (blas, tlas structure) {
	vertices := hostBuffer(t, d, 36, driver.BufferUsageAccelerationStructureBuildInput|addressable)
	writeBuffer(t, d, vertices, func(b []byte) {
		putFloats(b, -2, -2, 0, 2, -2, 0, 0, 2, 0)
	})
	blas = newStructure(t, d, driver.BuildGeometryInfo{
		Level: driver.LevelBottom,
		Flags: driver.BuildAllowUpdate,
		Geometries: []driver.Geometry{{
			Type:  driver.GeometryTypeTriangles,
			Flags: driver.GeometryOpaque,
			Triangles: driver.Triangles{
				VertexData:   d.BufferDeviceAddress(vertices),
				VertexStride: 12,
				MaxVertex:    3,
				IndexType:    driver.IndexTypeNone,
			},
		}},
	}, []uint32{1})

	instances := hostBuffer(t, d, InstanceRecordSize, driver.BufferUsageAccelerationStructureBuildInput|addressable)
	writeBuffer(t, d, instances, func(b []byte) {
		putFloats(b, 1, 0, 0, offset[0], 0, 1, 0, offset[1], 0, 0, 1, offset[2])
		binary.LittleEndian.PutUint32(b[48:], 0xFF<<24)
		binary.LittleEndian.PutUint64(b[56:], uint64(d.AccelerationStructureDeviceAddress(blas.handle)))
	})
	tlas = newStructure(t, d, driver.BuildGeometryInfo{
		Level: driver.LevelTop,
		Geometries: []driver.Geometry{{
			Type:      driver.GeometryTypeInstances,
			Instances: driver.Instances{Data: d.BufferDeviceAddress(instances)},
		}},
	}, []uint32{1})

	submitAndWait(t, d, func(cb driver.CommandBuffer) {
		d.CmdBuildAccelerationStructure(cb, blas.build)
		d.CmdBuildAccelerationStructure(cb, tlas.build)
	})
	return blas, tlas
}

func TestBuildStructures(t *testing.T) {
	d := New(Options{})
	blas, tlas := triangleScene(t, d, mgl32.Vec3{})

	require.Empty(t, d.ValidationErrors())
	builds, updates := d.BuildCount(blas.handle)
	assert.Equal(t, 1, builds)
	assert.Zero(t, updates)
	assert.Equal(t, 1, d.InstanceCount(tlas.handle))
	assert.Equal(t, []driver.DeviceAddress{d.AccelerationStructureDeviceAddress(blas.handle)}, d.InstanceReferences(tlas.handle))

	update := blas.build
	update.Geometry.Mode = driver.BuildModeUpdate
	update.Src = blas.handle
	submitAndWait(t, d, func(cb driver.CommandBuffer) {
		d.CmdBuildAccelerationStructure(cb, update)
	})
	require.Empty(t, d.ValidationErrors())
	_, updates = d.BuildCount(blas.handle)
	assert.Equal(t, 1, updates)
}

func TestUpdateRequiresAllowUpdate(t *testing.T) {
	d := New(Options{})
	_, tlas := triangleScene(t, d, mgl32.Vec3{})

	update := tlas.build
	update.Geometry.Mode = driver.BuildModeUpdate
	update.Src = tlas.handle
	submitAndWait(t, d, func(cb driver.CommandBuffer) {
		d.CmdBuildAccelerationStructure(cb, update)
	})
	require.Len(t, d.ValidationErrors(), 1)
	assert.Contains(t, d.ValidationErrors()[0].Error(), "allow update")
}

func TestUndersizedBacking(t *testing.T) {
	d := New(Options{})
	vertices := hostBuffer(t, d, 36, addressable)
	geo := driver.BuildGeometryInfo{
		Level: driver.LevelBottom,
		Geometries: []driver.Geometry{{
			Type:      driver.GeometryTypeTriangles,
			Triangles: driver.Triangles{VertexData: d.BufferDeviceAddress(vertices), VertexStride: 12, MaxVertex: 3, IndexType: driver.IndexTypeNone},
		}},
	}
	s := newStructure(t, d, geo, []uint32{1})
	// Same structure, more primitives than it was sized for.
	s.build.PrimitiveCounts = []uint32{40}
	submitAndWait(t, d, func(cb driver.CommandBuffer) {
		d.CmdBuildAccelerationStructure(cb, s.build)
	})
	require.NotEmpty(t, d.ValidationErrors())
	assert.Contains(t, d.ValidationErrors()[0].Error(), "smaller than the required")
}

type traceSetup struct {
	pipeline driver.Pipeline
	bindings driver.Bindings
	info     driver.TraceRaysInfo
	output   driver.Image
}

func newTraceSetup(t *testing.T, d *Device, tlas driver.AccelerationStructure, extent driver.Extent2D) traceSetup {
	spirv := []byte{0x03, 0x02, 0x23, 0x07}
	p, err := d.CreateTracePipeline(driver.TracePipelineDesc{
		Modules: []driver.ShaderModule{
			{Stage: driver.ShaderStageRaygen, Code: spirv, Entry: "main"},
			{Stage: driver.ShaderStageMiss, Code: spirv, Entry: "main"},
			{Stage: driver.ShaderStageClosestHit, Code: spirv, Entry: "main"},
		},
		Bindings: []driver.BindingType{
			driver.BindingAccelerationStructure,
			driver.BindingStorageImage,
			driver.BindingUniformBuffer,
			driver.BindingStorageBuffer,
			driver.BindingStorageBuffer,
		},
		MaxRecursionDepth: 1,
	})
	require.NoError(t, err)

	handles, err := d.ShaderGroupHandles(p, 0, 3)
	require.NoError(t, err)
	sbt := hostBuffer(t, d, 192, driver.BufferUsageShaderBindingTable|addressable)
	writeBuffer(t, d, sbt, func(b []byte) {
		for i := 0; i < 3; i++ {
			copy(b[i*64:], handles[i*32:(i+1)*32])
		}
	})
	base := d.BufferDeviceAddress(sbt)

	output, err := d.CreateImage(driver.ImageDesc{
		Extent: extent, Format: driver.FormatR8G8B8A8Unorm, Tiling: driver.ImageTilingLinear,
		Usage: driver.ImageUsageStorage, MemoryTypeIndex: hostCoherent,
	})
	require.NoError(t, err)

	view := mgl32.LookAtV(mgl32.Vec3{0, 0, 5}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0})
	proj := mgl32.Perspective(mgl32.DegToRad(60), 1, 0.1, 100)
	proj[5] *= -1
	camera := hostBuffer(t, d, 144, driver.BufferUsageUniform)
	writeBuffer(t, d, camera, func(b []byte) {
		inv, invP := view.Inv(), proj.Inv()
		putFloats(b, inv[:]...)
		putFloats(b[64:], invP[:]...)
	})
	meta := hostBuffer(t, d, 32, driver.BufferUsageStorage)
	materials := hostBuffer(t, d, 32, driver.BufferUsageStorage)
	writeBuffer(t, d, materials, func(b []byte) {
		putFloats(b, 1, 0, 0, 1, 0, 0, 0, 0)
	})

	set, err := d.CreateBindings(p)
	require.NoError(t, err)
	require.NoError(t, d.UpdateBindings(set, []driver.BindingWrite{
		{Binding: 0, Type: driver.BindingAccelerationStructure, AccelerationStructure: tlas},
		{Binding: 1, Type: driver.BindingStorageImage, Image: output},
		{Binding: 2, Type: driver.BindingUniformBuffer, Buffer: camera, Range: 144},
		{Binding: 3, Type: driver.BindingStorageBuffer, Buffer: meta, Range: 32},
		{Binding: 4, Type: driver.BindingStorageBuffer, Buffer: materials, Range: 32},
	}))

	return traceSetup{
		pipeline: p,
		bindings: set,
		output:   output,
		info: driver.TraceRaysInfo{
			Pipeline: p,
			Bindings: set,
			Raygen:   driver.StridedRegion{Address: base, Stride: 32, Size: 32},
			Miss:     driver.StridedRegion{Address: base + 64, Stride: 32, Size: 32},
			Hit:      driver.StridedRegion{Address: base + 128, Stride: 32, Size: 32},
			Width:    extent.Width,
			Height:   extent.Height,
			Depth:    1,
		},
	}
}

func (s traceSetup) record(d *Device, cb driver.CommandBuffer) {
	d.CmdImageBarrier(cb, driver.ImageBarrier{
		Image:     s.output,
		OldLayout: driver.ImageLayoutUndefined,
		NewLayout: driver.ImageLayoutGeneral,
		SrcStage:  driver.PipelineStageTopOfPipe,
		DstStage:  driver.PipelineStageRayTracingShader,
		DstAccess: driver.AccessShaderWrite,
	})
	d.CmdTraceRays(cb, s.info)
}

func TestTraceShadesHitsAndMisses(t *testing.T) {
	d := New(Options{TileRows: 3})
	_, tlas := triangleScene(t, d, mgl32.Vec3{})
	extent := driver.Extent2D{Width: 8, Height: 8}
	setup := newTraceSetup(t, d, tlas.handle, extent)

	submitAndWait(t, d, func(cb driver.CommandBuffer) { setup.record(d, cb) })
	require.Empty(t, d.ValidationErrors())
	assert.Equal(t, 1, d.TraceCount())

	pixels, err := d.MapImage(setup.output)
	require.NoError(t, err)
	defer d.UnmapImage(setup.output)

	center := pixels[(4*8+4)*4:]
	assert.Greater(t, center[0], byte(200), "lit red material")
	assert.Zero(t, center[1])
	assert.Zero(t, center[2])
	assert.Equal(t, byte(255), center[3])

	corner := pixels[0:4]
	assert.Equal(t, byte(255), corner[2], "sky")
	assert.Less(t, corner[0], corner[2])
}

func TestTraceMissesMovedInstance(t *testing.T) {
	d := New(Options{})
	_, tlas := triangleScene(t, d, mgl32.Vec3{100, 0, 0})
	setup := newTraceSetup(t, d, tlas.handle, driver.Extent2D{Width: 4, Height: 4})

	submitAndWait(t, d, func(cb driver.CommandBuffer) { setup.record(d, cb) })
	require.Empty(t, d.ValidationErrors())
	pixels, err := d.MapImage(setup.output)
	require.NoError(t, err)
	for i := 0; i < len(pixels); i += 4 {
		assert.Equal(t, byte(255), pixels[i+2])
	}
	d.UnmapImage(setup.output)
}

func TestTraceRejectsMisalignedTable(t *testing.T) {
	d := New(Options{})
	_, tlas := triangleScene(t, d, mgl32.Vec3{})
	setup := newTraceSetup(t, d, tlas.handle, driver.Extent2D{Width: 2, Height: 2})
	setup.info.Miss.Address += 32

	submitAndWait(t, d, func(cb driver.CommandBuffer) { setup.record(d, cb) })
	require.Len(t, d.ValidationErrors(), 1)
	assert.Contains(t, d.ValidationErrors()[0].Error(), "not aligned")
	assert.Zero(t, d.TraceCount())
}

func TestTraceRequiresGeneralLayout(t *testing.T) {
	d := New(Options{})
	_, tlas := triangleScene(t, d, mgl32.Vec3{})
	setup := newTraceSetup(t, d, tlas.handle, driver.Extent2D{Width: 2, Height: 2})

	submitAndWait(t, d, func(cb driver.CommandBuffer) { d.CmdTraceRays(cb, setup.info) })
	require.Len(t, d.ValidationErrors(), 1)
	assert.Contains(t, d.ValidationErrors()[0].Error(), "not general")
}

func TestUpdateBindingsChecksLayout(t *testing.T) {
	d := New(Options{})
	_, tlas := triangleScene(t, d, mgl32.Vec3{})
	setup := newTraceSetup(t, d, tlas.handle, driver.Extent2D{Width: 2, Height: 2})

	err := d.UpdateBindings(setup.bindings, []driver.BindingWrite{
		{Binding: 0, Type: driver.BindingStorageImage, Image: setup.output},
	})
	assert.True(t, isValidation(err))
	err = d.UpdateBindings(setup.bindings, []driver.BindingWrite{
		{Binding: 7, Type: driver.BindingStorageBuffer},
	})
	assert.True(t, isValidation(err))
}

func TestSwapchainAcquirePresent(t *testing.T) {
	d := New(Options{Surface: driver.Extent2D{Width: 4, Height: 4}, SwapchainImages: 2})
	info, err := d.CreateSwapchain(driver.SwapchainDesc{})
	require.NoError(t, err)
	require.Len(t, info.Images, 2)
	assert.Equal(t, driver.FormatB8G8R8A8Unorm, info.Format)

	acquired, _ := d.CreateSemaphore()
	rendered, _ := d.CreateSemaphore()
	idx, r := d.AcquireNextImage(info.Handle, driver.TimeoutInfinite, acquired)
	require.Equal(t, driver.Success, r)
	assert.Equal(t, uint32(0), idx)

	_, cb := recordOnce(t, d, func(driver.CommandBuffer) {})
	require.NoError(t, d.QueueSubmit(driver.SubmitInfo{
		CommandBuffers:   []driver.CommandBuffer{cb},
		WaitSemaphores:   []driver.Semaphore{acquired},
		WaitStages:       []driver.PipelineStage{driver.PipelineStageRayTracingShader},
		SignalSemaphores: []driver.Semaphore{rendered},
	}, 0))
	assert.Equal(t, driver.Success, d.QueuePresent(info.Handle, idx, rendered))
	assert.Equal(t, 1, d.PresentCount())

	// The image was already handed back.
	assert.Equal(t, driver.ErrorValidationFailed, d.QueuePresent(info.Handle, idx, rendered))

	d.SetSurfaceExtent(driver.Extent2D{Width: 8, Height: 8})
	_, r = d.AcquireNextImage(info.Handle, driver.TimeoutInfinite, acquired)
	assert.Equal(t, driver.ErrorOutOfDate, r)

	next, err := d.CreateSwapchain(driver.SwapchainDesc{Old: info.Handle})
	require.NoError(t, err)
	assert.Equal(t, driver.Extent2D{Width: 8, Height: 8}, next.Extent)
	_, r = d.AcquireNextImage(info.Handle, driver.TimeoutInfinite, acquired)
	assert.Equal(t, driver.ErrorOutOfDate, r, "retired swapchain")

	d.DestroySwapchain(info.Handle)
	for _, img := range info.Images {
		assert.Equal(t, 1, d.Ledger().DestroyCount(uint64(img)))
	}
}

func TestInjectedAcquireResult(t *testing.T) {
	d := New(Options{Surface: driver.Extent2D{Width: 4, Height: 4}})
	info, err := d.CreateSwapchain(driver.SwapchainDesc{})
	require.NoError(t, err)
	s, _ := d.CreateSemaphore()

	d.InjectAcquireResult(driver.ErrorOutOfDate)
	_, r := d.AcquireNextImage(info.Handle, 0, s)
	assert.Equal(t, driver.ErrorOutOfDate, r)

	// Out of date does not signal, so the next acquire may signal s.
	_, r = d.AcquireNextImage(info.Handle, 0, s)
	assert.Equal(t, driver.Success, r)
	assert.Empty(t, d.ValidationErrors())
}

func TestHeadlessDeviceCannotPresent(t *testing.T) {
	d := New(Options{})
	_, err := d.CreateSwapchain(driver.SwapchainDesc{})
	assert.Error(t, err)
}
