package vulkan

import (
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// toResult maps a Vulkan result onto the driver codes. Codes the driver does
// not name become ErrorUnknown.
func toResult(result vk.Result) driver.Result {
	switch result {
	case vk.Success:
		return driver.Success
	case vk.NotReady:
		return driver.NotReady
	case vk.Timeout:
		return driver.Timeout
	case vk.Suboptimal:
		return driver.Suboptimal
	case vk.ErrorOutOfDate:
		return driver.ErrorOutOfDate
	case vk.ErrorOutOfHostMemory:
		return driver.ErrorOutOfHostMemory
	case vk.ErrorOutOfDeviceMemory:
		return driver.ErrorOutOfDeviceMemory
	case vk.ErrorInitializationFailed:
		return driver.ErrorInitializationFailed
	case vk.ErrorDeviceLost:
		return driver.ErrorDeviceLost
	case vk.ErrorMemoryMapFailed:
		return driver.ErrorMemoryMapFailed
	case vk.ErrorExtensionNotPresent, vk.ErrorLayerNotPresent:
		return driver.ErrorExtensionNotPresent
	case vk.ErrorFeatureNotPresent, vk.ErrorIncompatibleDriver:
		return driver.ErrorFeatureNotPresent
	case vk.ErrorFormatNotSupported:
		return driver.ErrorFormatNotSupported
	case vk.ErrorSurfaceLost, vk.ErrorNativeWindowInUse:
		return driver.ErrorSurfaceLost
	default:
		return driver.ErrorUnknown
	}
}

// check turns a non success result into a *driver.ResultError.
func check(op string, result vk.Result) error {
	return driver.NewError(op, toResult(result))
}

var end = "\x00"
var endChar byte = '\x00'

func VulkanSafeString(s string) string {
	if len(s) == 0 {
		return end
	}
	if s[len(s)-1] != endChar {
		return s + end
	}
	return s
}

func VulkanSafeStrings(list []string) []string {
	out := make([]string, len(list))
	for i := range list {
		out[i] = VulkanSafeString(list[i])
	}
	return out
}

// cString trims a fixed size, zero terminated name array.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func toFormat(f driver.Format) vk.Format {
	switch f {
	case driver.FormatR8G8B8A8Unorm:
		return vk.FormatR8g8b8a8Unorm
	case driver.FormatB8G8R8A8Unorm:
		return vk.FormatB8g8r8a8Unorm
	case driver.FormatR8G8B8A8Srgb:
		return vk.FormatR8g8b8a8Srgb
	case driver.FormatB8G8R8A8Srgb:
		return vk.FormatB8g8r8a8Srgb
	case driver.FormatR32G32B32A32Sfloat:
		return vk.FormatR32g32b32a32Sfloat
	case driver.FormatR32G32B32Sfloat:
		return vk.FormatR32g32b32Sfloat
	default:
		return vk.FormatUndefined
	}
}

func fromFormat(f vk.Format) driver.Format {
	switch f {
	case vk.FormatR8g8b8a8Unorm:
		return driver.FormatR8G8B8A8Unorm
	case vk.FormatB8g8r8a8Unorm:
		return driver.FormatB8G8R8A8Unorm
	case vk.FormatR8g8b8a8Srgb:
		return driver.FormatR8G8B8A8Srgb
	case vk.FormatB8g8r8a8Srgb:
		return driver.FormatB8G8R8A8Srgb
	default:
		return driver.FormatUndefined
	}
}

func toLayout(l driver.ImageLayout) vk.ImageLayout {
	switch l {
	case driver.ImageLayoutGeneral:
		return vk.ImageLayoutGeneral
	case driver.ImageLayoutTransferSrc:
		return vk.ImageLayoutTransferSrcOptimal
	case driver.ImageLayoutTransferDst:
		return vk.ImageLayoutTransferDstOptimal
	case driver.ImageLayoutShaderReadOnly:
		return vk.ImageLayoutShaderReadOnlyOptimal
	case driver.ImageLayoutPresentSrc:
		return vk.ImageLayoutPresentSrc
	default:
		return vk.ImageLayoutUndefined
	}
}

func toStages(s driver.PipelineStage) vk.PipelineStageFlags {
	var out uint32
	bits := []struct {
		from driver.PipelineStage
		to   uint32
	}{
		{driver.PipelineStageTopOfPipe, uint32(vk.PipelineStageTopOfPipeBit)},
		{driver.PipelineStageTransfer, uint32(vk.PipelineStageTransferBit)},
		{driver.PipelineStageRayTracingShader, stageRayTracingShader},
		{driver.PipelineStageAccelerationStructureBuild, stageAccelerationStructure},
		{driver.PipelineStageColorAttachmentOutput, uint32(vk.PipelineStageColorAttachmentOutputBit)},
		{driver.PipelineStageAllGraphics, uint32(vk.PipelineStageAllGraphicsBit)},
		{driver.PipelineStageAllCommands, uint32(vk.PipelineStageAllCommandsBit)},
		{driver.PipelineStageBottomOfPipe, uint32(vk.PipelineStageBottomOfPipeBit)},
	}
	for _, b := range bits {
		if s&b.from != 0 {
			out |= b.to
		}
	}
	if out == 0 {
		out = uint32(vk.PipelineStageTopOfPipeBit)
	}
	return vk.PipelineStageFlags(out)
}

func toAccess(a driver.Access) vk.AccessFlags {
	var out uint32
	bits := []struct {
		from driver.Access
		to   uint32
	}{
		{driver.AccessShaderRead, uint32(vk.AccessShaderReadBit)},
		{driver.AccessShaderWrite, uint32(vk.AccessShaderWriteBit)},
		{driver.AccessTransferRead, uint32(vk.AccessTransferReadBit)},
		{driver.AccessTransferWrite, uint32(vk.AccessTransferWriteBit)},
		{driver.AccessMemoryRead, uint32(vk.AccessMemoryReadBit)},
		{driver.AccessMemoryWrite, uint32(vk.AccessMemoryWriteBit)},
		{driver.AccessAccelerationStructureRead, accessAccelerationRead},
		{driver.AccessAccelerationStructureWrite, accessAccelerationWrite},
	}
	for _, b := range bits {
		if a&b.from != 0 {
			out |= b.to
		}
	}
	return vk.AccessFlags(out)
}

func toBufferUsage(u driver.BufferUsage) vk.BufferUsageFlags {
	var out uint32
	bits := []struct {
		from driver.BufferUsage
		to   uint32
	}{
		{driver.BufferUsageTransferSrc, uint32(vk.BufferUsageTransferSrcBit)},
		{driver.BufferUsageTransferDst, uint32(vk.BufferUsageTransferDstBit)},
		{driver.BufferUsageUniform, uint32(vk.BufferUsageUniformBufferBit)},
		{driver.BufferUsageStorage, uint32(vk.BufferUsageStorageBufferBit)},
		{driver.BufferUsageIndex, uint32(vk.BufferUsageIndexBufferBit)},
		{driver.BufferUsageVertex, uint32(vk.BufferUsageVertexBufferBit)},
		{driver.BufferUsageShaderDeviceAddress, usageShaderDeviceAddress},
		{driver.BufferUsageAccelerationStructureBuildInput, usageAccelerationBuildInput},
		{driver.BufferUsageAccelerationStructureStorage, usageAccelerationStorage},
		{driver.BufferUsageShaderBindingTable, usageShaderBindingTable},
	}
	for _, b := range bits {
		if u&b.from != 0 {
			out |= b.to
		}
	}
	return vk.BufferUsageFlags(out)
}

func toImageUsage(u driver.ImageUsage) vk.ImageUsageFlags {
	var out uint32
	bits := []struct {
		from driver.ImageUsage
		to   uint32
	}{
		{driver.ImageUsageTransferSrc, uint32(vk.ImageUsageTransferSrcBit)},
		{driver.ImageUsageTransferDst, uint32(vk.ImageUsageTransferDstBit)},
		{driver.ImageUsageSampled, uint32(vk.ImageUsageSampledBit)},
		{driver.ImageUsageStorage, uint32(vk.ImageUsageStorageBit)},
		{driver.ImageUsageColorAttachment, uint32(vk.ImageUsageColorAttachmentBit)},
	}
	for _, b := range bits {
		if u&b.from != 0 {
			out |= b.to
		}
	}
	return vk.ImageUsageFlags(out)
}

func fromMemoryFlags(f vk.MemoryPropertyFlags) driver.MemoryPropertyFlags {
	var out driver.MemoryPropertyFlags
	if f&vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit) != 0 {
		out |= driver.MemoryPropertyDeviceLocal
	}
	if f&vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit) != 0 {
		out |= driver.MemoryPropertyHostVisible
	}
	if f&vk.MemoryPropertyFlags(vk.MemoryPropertyHostCoherentBit) != 0 {
		out |= driver.MemoryPropertyHostCoherent
	}
	if f&vk.MemoryPropertyFlags(vk.MemoryPropertyHostCachedBit) != 0 {
		out |= driver.MemoryPropertyHostCached
	}
	return out
}

func toPresentMode(m driver.PresentMode) vk.PresentMode {
	switch m {
	case driver.PresentModeMailbox:
		return vk.PresentModeMailbox
	case driver.PresentModeImmediate:
		return vk.PresentModeImmediate
	default:
		return vk.PresentModeFifo
	}
}

func clamp(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
