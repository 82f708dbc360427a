package vulkan

/*
#cgo linux LDFLAGS: -ldl
#include "khr.h"
*/
import "C"

import (
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// Ray tracing enums the bindings do not carry.
const (
	descriptorTypeAccelerationStructure = vk.DescriptorType(1000150000)
	pipelineBindPointRayTracing         = vk.PipelineBindPoint(1000165000)

	stageRayTracingShader       = 0x00200000
	stageAccelerationStructure  = 0x02000000
	accessAccelerationRead      = 0x00200000
	accessAccelerationWrite     = 0x00400000
	usageShaderDeviceAddress    = 0x00020000
	usageAccelerationBuildInput = 0x00080000
	usageAccelerationStorage    = 0x00100000
	usageShaderBindingTable     = 0x00000400

	shaderStageRaygen     = 0x00000100
	shaderStageAnyHit     = 0x00000200
	shaderStageClosestHit = 0x00000400
	shaderStageMiss       = 0x00000800
	shaderStageAllTracing = shaderStageRaygen | shaderStageAnyHit | shaderStageClosestHit | shaderStageMiss

	indexTypeUint16 = 0
	indexTypeUint32 = 1
	indexTypeNone   = 1000165000
	indexTypeUint8  = 1000265000

	buildFlagAllowUpdate     = 0x1
	buildFlagPreferFastTrace = 0x4
	buildFlagPreferFastBuild = 0x8
)

var deviceExtensions = []string{
	"VK_KHR_acceleration_structure",
	"VK_KHR_ray_tracing_pipeline",
	"VK_KHR_deferred_host_operations",
	"VK_KHR_buffer_device_address",
	"VK_KHR_spirv_1_4",
	"VK_KHR_shader_float_controls",
}

var deviceEntryPoints = []string{
	"vkGetBufferDeviceAddress",
	"vkGetAccelerationStructureBuildSizesKHR",
	"vkCreateAccelerationStructureKHR",
	"vkDestroyAccelerationStructureKHR",
	"vkGetAccelerationStructureDeviceAddressKHR",
	"vkCmdBuildAccelerationStructuresKHR",
	"vkCreateRayTracingPipelinesKHR",
	"vkGetRayTracingShaderGroupHandlesKHR",
	"vkCmdTraceRaysKHR",
}

// khr calls the ray tracing entry points through pointers loaded from the
// device. The table lives in C memory.
type khr struct {
	table *C.prismKHR
}

func openLoader() unsafe.Pointer {
	return C.prismOpenLoader()
}

func newKHR(getInstanceProcAddr unsafe.Pointer, instance vk.Instance) (*khr, bool) {
	table := (*C.prismKHR)(C.calloc(1, C.size_t(unsafe.Sizeof(C.prismKHR{}))))
	k := &khr{table: table}
	if C.prismLoadInstance(table, getInstanceProcAddr, cInstance(instance)) == 0 {
		k.free()
		return nil, false
	}
	return k, true
}

// loadDevice returns the name of the first missing entry point, if any.
func (k *khr) loadDevice(device vk.Device) string {
	if i := int(C.prismLoadDevice(k.table, cDevice(device))); i > 0 {
		return deviceEntryPoints[i-1]
	}
	return ""
}

func (k *khr) free() {
	if k.table != nil {
		C.free(unsafe.Pointer(k.table))
		k.table = nil
	}
}

func (k *khr) supported(physical vk.PhysicalDevice) bool {
	return C.prismRayTracingSupported(k.table, cPhysical(physical)) != 0
}

func (k *khr) limits(physical vk.PhysicalDevice) driver.RayTracingLimits {
	var l C.prismLimits
	C.prismRayTracingLimits(k.table, cPhysical(physical), &l)
	return driver.RayTracingLimits{
		ShaderGroupHandleSize:      uint32(l.handleSize),
		ShaderGroupHandleAlignment: uint32(l.handleAlignment),
		ShaderGroupBaseAlignment:   uint32(l.baseAlignment),
		MinScratchAlignment:        uint32(l.minScratchAlignment),
		MaxRecursionDepth:          uint32(l.maxRecursionDepth),
	}
}

// cChain is a pNext chain allocated in C memory.
type cChain struct {
	ptr unsafe.Pointer
}

func newFeatureChain() cChain {
	return cChain{ptr: C.prismNewFeatureChain()}
}

func newDeviceAddressAllocation() cChain {
	return cChain{ptr: C.prismNewDeviceAddressAllocation()}
}

func newAccelerationStructureWrite(as C.VkAccelerationStructureKHR) cChain {
	return cChain{ptr: C.prismNewAccelerationStructureWrite(as)}
}

func (c cChain) free() {
	C.free(c.ptr)
}

func (k *khr) bufferAddress(device vk.Device, buffer vk.Buffer) driver.DeviceAddress {
	return driver.DeviceAddress(C.prismBufferAddress(k.table, cDevice(device), C.VkBuffer(unsafe.Pointer(buffer))))
}

func (k *khr) buildSizes(device vk.Device, info driver.BuildGeometryInfo, counts []uint32) driver.BuildSizes {
	geometries := flattenGeometries(info.Geometries, counts)
	var out [3]C.uint64_t
	C.prismBuildSizes(k.table, cDevice(device), levelFlag(info.Level), C.uint32_t(buildFlags(info.Flags)),
		geometryPointer(geometries), C.uint32_t(len(geometries)), &out[0])
	return driver.BuildSizes{
		AccelerationStructureSize: uint64(out[0]),
		UpdateScratchSize:         uint64(out[1]),
		BuildScratchSize:          uint64(out[2]),
	}
}

func (k *khr) createAccelerationStructure(device vk.Device, level driver.AccelerationStructureLevel, buffer vk.Buffer, offset, size uint64) (C.VkAccelerationStructureKHR, vk.Result) {
	var as C.VkAccelerationStructureKHR
	res := C.prismCreateAccelerationStructure(k.table, cDevice(device), levelFlag(level),
		C.VkBuffer(unsafe.Pointer(buffer)), C.uint64_t(offset), C.uint64_t(size), &as)
	return as, vk.Result(res)
}

func (k *khr) destroyAccelerationStructure(device vk.Device, as C.VkAccelerationStructureKHR) {
	C.prismDestroyAccelerationStructure(k.table, cDevice(device), as)
}

func (k *khr) accelerationStructureAddress(device vk.Device, as C.VkAccelerationStructureKHR) driver.DeviceAddress {
	return driver.DeviceAddress(C.prismAccelerationStructureAddress(k.table, cDevice(device), as))
}

func (k *khr) cmdBuild(cb vk.CommandBuffer, build driver.BuildInfo, src, dst C.VkAccelerationStructureKHR) {
	geometries := flattenGeometries(build.Geometry.Geometries, build.PrimitiveCounts)
	var update C.uint32_t
	if build.Geometry.Mode == driver.BuildModeUpdate {
		update = 1
	}
	C.prismCmdBuildAccelerationStructure(k.table, C.VkCommandBuffer(unsafe.Pointer(cb)),
		levelFlag(build.Geometry.Level), C.uint32_t(buildFlags(build.Geometry.Flags)), update, src, dst,
		C.uint64_t(build.ScratchData), geometryPointer(geometries), C.uint32_t(len(geometries)))
}

func (k *khr) createPipeline(device vk.Device, layout vk.PipelineLayout, modules []vk.ShaderModule, desc driver.TracePipelineDesc) (vk.Pipeline, vk.Result) {
	n := len(modules)
	if n == 0 {
		return vk.NullPipeline, vk.ErrorInitializationFailed
	}
	cModules := make([]C.VkShaderModule, n)
	stages := make([]C.uint32_t, n)
	entries := (*[1 << 16]*C.char)(C.calloc(C.size_t(n), C.size_t(unsafe.Sizeof((*C.char)(nil)))))[:n:n]
	defer func() {
		for _, e := range entries {
			C.free(unsafe.Pointer(e))
		}
		C.free(unsafe.Pointer(&entries[0]))
	}()
	for i, m := range modules {
		cModules[i] = C.VkShaderModule(unsafe.Pointer(m))
		stages[i] = C.uint32_t(desc.Modules[i].Stage)
		entry := desc.Modules[i].Entry
		if entry == "" {
			entry = "main"
		}
		entries[i] = C.CString(entry)
	}

	var pipeline C.VkPipeline
	res := C.prismCreateRayTracingPipeline(k.table, cDevice(device), C.VkPipelineLayout(unsafe.Pointer(layout)),
		&cModules[0], &stages[0], &entries[0], C.uint32_t(n), C.uint32_t(desc.MaxRecursionDepth), &pipeline)
	return vk.Pipeline(unsafe.Pointer(pipeline)), vk.Result(res)
}

func (k *khr) shaderGroupHandles(device vk.Device, pipeline vk.Pipeline, first, count uint32, data []byte) vk.Result {
	if len(data) == 0 {
		return vk.Success
	}
	return vk.Result(C.prismShaderGroupHandles(k.table, cDevice(device), C.VkPipeline(unsafe.Pointer(pipeline)),
		C.uint32_t(first), C.uint32_t(count), C.size_t(len(data)), unsafe.Pointer(&data[0])))
}

func (k *khr) cmdTraceRays(cb vk.CommandBuffer, trace driver.TraceRaysInfo) {
	var regions [12]C.uint64_t
	for i, r := range []driver.StridedRegion{trace.Raygen, trace.Miss, trace.Hit, trace.Callable} {
		regions[i*3] = C.uint64_t(r.Address)
		regions[i*3+1] = C.uint64_t(r.Stride)
		regions[i*3+2] = C.uint64_t(r.Size)
	}
	C.prismCmdTraceRays(k.table, C.VkCommandBuffer(unsafe.Pointer(cb)), &regions[0],
		C.uint32_t(trace.Width), C.uint32_t(trace.Height), C.uint32_t(trace.Depth))
}

func flattenGeometries(in []driver.Geometry, counts []uint32) []C.prismGeometry {
	out := make([]C.prismGeometry, len(in))
	for i, g := range in {
		out[i].flags = C.uint32_t(geometryFlags(g.Flags))
		if i < len(counts) {
			out[i].primitiveCount = C.uint32_t(counts[i])
		}
		if g.Type == driver.GeometryTypeInstances {
			out[i]._type = 1
			out[i].instanceData = C.uint64_t(g.Instances.Data)
			continue
		}
		t := g.Triangles
		out[i].vertexData = C.uint64_t(t.VertexData)
		out[i].vertexStride = C.uint64_t(t.VertexStride)
		// The driver counts vertices, Vulkan wants the highest index.
		if t.MaxVertex > 0 {
			out[i].maxVertex = C.uint32_t(t.MaxVertex - 1)
		}
		out[i].indexType = C.uint32_t(indexType(t.IndexType))
		out[i].indexData = C.uint64_t(t.IndexData)
		out[i].transformData = C.uint64_t(t.TransformData)
	}
	return out
}

func geometryPointer(g []C.prismGeometry) *C.prismGeometry {
	if len(g) == 0 {
		return nil
	}
	return &g[0]
}

func levelFlag(level driver.AccelerationStructureLevel) C.uint32_t {
	if level == driver.LevelTop {
		return 1
	}
	return 0
}

func buildFlags(f driver.BuildFlags) uint32 {
	var out uint32
	if f&driver.BuildAllowUpdate != 0 {
		out |= buildFlagAllowUpdate
	}
	if f&driver.BuildPreferFastTrace != 0 {
		out |= buildFlagPreferFastTrace
	}
	if f&driver.BuildPreferFastBuild != 0 {
		out |= buildFlagPreferFastBuild
	}
	return out
}

func geometryFlags(f driver.GeometryFlags) uint32 {
	var out uint32
	if f&driver.GeometryOpaque != 0 {
		out |= 0x1
	}
	if f&driver.GeometryNoDuplicateAnyHit != 0 {
		out |= 0x2
	}
	return out
}

func indexType(t driver.IndexType) uint32 {
	switch t {
	case driver.IndexTypeUint16:
		return indexTypeUint16
	case driver.IndexTypeUint32:
		return indexTypeUint32
	case driver.IndexTypeUint8:
		return indexTypeUint8
	default:
		return indexTypeNone
	}
}

func cInstance(i vk.Instance) C.VkInstance {
	return C.VkInstance(unsafe.Pointer(i))
}

func cDevice(d vk.Device) C.VkDevice {
	return C.VkDevice(unsafe.Pointer(d))
}

func cPhysical(p vk.PhysicalDevice) C.VkPhysicalDevice {
	return C.VkPhysicalDevice(unsafe.Pointer(p))
}
