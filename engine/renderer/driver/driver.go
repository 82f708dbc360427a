// Package driver defines the contract between the renderer core and a
// graphics backend. Handles are opaque 64-bit values; the zero value of every
// handle type is the null handle.
package driver

type (
	Buffer                uint64
	Image                 uint64
	CommandPool           uint64
	CommandBuffer         uint64
	Fence                 uint64
	Semaphore             uint64
	AccelerationStructure uint64
	Pipeline              uint64
	Bindings              uint64
	Swapchain             uint64
)

// DeviceAddress is a GPU-visible pointer into buffer memory.
type DeviceAddress uint64

type MemoryPropertyFlags uint32

const (
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	MemoryPropertyHostVisible
	MemoryPropertyHostCoherent
	MemoryPropertyHostCached
)

type MemoryType struct {
	PropertyFlags MemoryPropertyFlags
	HeapIndex     uint32
}

// RayTracingLimits are the device limits the shader binding table and the
// acceleration structure builds depend on.
type RayTracingLimits struct {
	ShaderGroupHandleSize      uint32
	ShaderGroupHandleAlignment uint32
	ShaderGroupBaseAlignment   uint32
	MinScratchAlignment        uint32
	MaxRecursionDepth          uint32
}

// DeviceInfo is immutable for the lifetime of a device.
type DeviceInfo struct {
	Name             string
	MemoryTypes      []MemoryType
	QueueFamilyIndex uint32
	RayTracing       RayTracingLimits
	// True when the device was created with a presentation surface.
	CanPresent bool
}

type BufferUsage uint32

const (
	BufferUsageTransferSrc BufferUsage = 1 << iota
	BufferUsageTransferDst
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageIndex
	BufferUsageVertex
	BufferUsageShaderDeviceAddress
	BufferUsageAccelerationStructureBuildInput
	BufferUsageAccelerationStructureStorage
	BufferUsageShaderBindingTable
)

type BufferDesc struct {
	Size            uint64
	Usage           BufferUsage
	MemoryTypeIndex uint32
	// Label is used in logs and validation messages only.
	Label string
}

type Format uint32

const (
	FormatUndefined Format = iota
	FormatR8G8B8A8Unorm
	FormatB8G8R8A8Unorm
	FormatR8G8B8A8Srgb
	FormatB8G8R8A8Srgb
	FormatR32G32B32A32Sfloat
	FormatR32G32B32Sfloat
)

// BytesPerPixel returns the texel size of f, or 0 for formats that are not
// image formats.
func (f Format) BytesPerPixel() uint32 {
	switch f {
	case FormatR8G8B8A8Unorm, FormatB8G8R8A8Unorm, FormatR8G8B8A8Srgb, FormatB8G8R8A8Srgb:
		return 4
	case FormatR32G32B32A32Sfloat:
		return 16
	default:
		return 0
	}
}

type ImageTiling uint8

const (
	ImageTilingOptimal ImageTiling = iota
	ImageTilingLinear
)

type ImageUsage uint32

const (
	ImageUsageTransferSrc ImageUsage = 1 << iota
	ImageUsageTransferDst
	ImageUsageSampled
	ImageUsageStorage
	ImageUsageColorAttachment
)

type ImageLayout uint8

const (
	ImageLayoutUndefined ImageLayout = iota
	ImageLayoutGeneral
	ImageLayoutTransferSrc
	ImageLayoutTransferDst
	ImageLayoutShaderReadOnly
	ImageLayoutPresentSrc
)

type Extent2D struct {
	Width  uint32
	Height uint32
}

func (e Extent2D) IsZero() bool {
	return e.Width == 0 || e.Height == 0
}

// ImageDesc describes a single-mip, single-layer 2D color image.
type ImageDesc struct {
	Extent          Extent2D
	Format          Format
	Tiling          ImageTiling
	Usage           ImageUsage
	MemoryTypeIndex uint32
	Label           string
}

type PipelineStage uint32

const (
	PipelineStageTopOfPipe PipelineStage = 1 << iota
	PipelineStageTransfer
	PipelineStageRayTracingShader
	PipelineStageAccelerationStructureBuild
	PipelineStageColorAttachmentOutput
	PipelineStageAllGraphics
	PipelineStageAllCommands
	PipelineStageBottomOfPipe
)

type Access uint32

const (
	AccessNone       Access = 0
	AccessShaderRead Access = 1 << iota
	AccessShaderWrite
	AccessTransferRead
	AccessTransferWrite
	AccessMemoryRead
	AccessMemoryWrite
	AccessAccelerationStructureRead
	AccessAccelerationStructureWrite
)

type ImageBarrier struct {
	Image     Image
	OldLayout ImageLayout
	NewLayout ImageLayout
	SrcStage  PipelineStage
	DstStage  PipelineStage
	SrcAccess Access
	DstAccess Access
}

type BufferCopy struct {
	Src       Buffer
	Dst       Buffer
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

type BufferImageCopy struct {
	Buffer       Buffer
	BufferOffset uint64
	Image        Image
	// Layout of Image at the time the copy executes.
	Layout ImageLayout
	Extent Extent2D
}

type SubmitInfo struct {
	CommandBuffers   []CommandBuffer
	WaitSemaphores   []Semaphore
	WaitStages       []PipelineStage
	SignalSemaphores []Semaphore
}

// Timeout values are in nanoseconds.
const TimeoutInfinite = ^uint64(0)

// Device is a graphics device with one graphics queue. All methods are called
// from a single goroutine; the core serializes queue access.
type Device interface {
	Info() DeviceInfo

	CreateBuffer(desc BufferDesc) (Buffer, error)
	DestroyBuffer(buffer Buffer)
	MapBuffer(buffer Buffer) ([]byte, error)
	UnmapBuffer(buffer Buffer)
	BufferDeviceAddress(buffer Buffer) DeviceAddress

	CreateImage(desc ImageDesc) (Image, error)
	DestroyImage(image Image)
	MapImage(image Image) ([]byte, error)
	UnmapImage(image Image)

	CreateCommandPool(transient bool) (CommandPool, error)
	DestroyCommandPool(pool CommandPool)
	AllocateCommandBuffer(pool CommandPool) (CommandBuffer, error)
	FreeCommandBuffer(pool CommandPool, cb CommandBuffer)
	BeginCommandBuffer(cb CommandBuffer, oneTimeSubmit bool) error
	EndCommandBuffer(cb CommandBuffer) error
	ResetCommandBuffer(cb CommandBuffer) error

	CmdCopyBuffer(cb CommandBuffer, region BufferCopy)
	CmdCopyBufferToImage(cb CommandBuffer, region BufferImageCopy)
	CmdCopyImageToBuffer(cb CommandBuffer, region BufferImageCopy)
	CmdImageBarrier(cb CommandBuffer, barrier ImageBarrier)
	CmdBuildAccelerationStructure(cb CommandBuffer, build BuildInfo)
	CmdTraceRays(cb CommandBuffer, trace TraceRaysInfo)

	CreateFence(signaled bool) (Fence, error)
	DestroyFence(fence Fence)
	WaitFence(fence Fence, timeout uint64) Result
	ResetFence(fence Fence) error
	CreateSemaphore() (Semaphore, error)
	DestroySemaphore(semaphore Semaphore)

	QueueSubmit(submit SubmitInfo, fence Fence) error
	QueueWaitIdle() error
	DeviceWaitIdle() error

	AccelerationStructureBuildSizes(geometry BuildGeometryInfo, primitiveCounts []uint32) (BuildSizes, error)
	CreateAccelerationStructure(desc AccelerationStructureDesc) (AccelerationStructure, error)
	DestroyAccelerationStructure(as AccelerationStructure)
	AccelerationStructureDeviceAddress(as AccelerationStructure) DeviceAddress

	CreateTracePipeline(desc TracePipelineDesc) (Pipeline, error)
	DestroyPipeline(pipeline Pipeline)
	ShaderGroupHandles(pipeline Pipeline, firstGroup, groupCount uint32) ([]byte, error)

	CreateBindings(pipeline Pipeline) (Bindings, error)
	DestroyBindings(bindings Bindings)
	UpdateBindings(bindings Bindings, writes []BindingWrite) error

	CreateSwapchain(desc SwapchainDesc) (SwapchainInfo, error)
	DestroySwapchain(swapchain Swapchain)
	AcquireNextImage(swapchain Swapchain, timeout uint64, signal Semaphore) (uint32, Result)
	QueuePresent(swapchain Swapchain, imageIndex uint32, wait Semaphore) Result

	Destroy()
}
