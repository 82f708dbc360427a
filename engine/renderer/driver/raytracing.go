package driver

type AccelerationStructureLevel uint8

const (
	LevelBottom AccelerationStructureLevel = iota
	LevelTop
)

func (l AccelerationStructureLevel) String() string {
	if l == LevelTop {
		return "top"
	}
	return "bottom"
}

type BuildFlags uint32

const (
	BuildAllowUpdate BuildFlags = 1 << iota
	BuildPreferFastTrace
	BuildPreferFastBuild
)

type BuildMode uint8

const (
	BuildModeBuild BuildMode = iota
	BuildModeUpdate
)

type VertexFormat uint8

const (
	VertexFormatFloat32x3 VertexFormat = iota
)

type IndexType uint8

const (
	IndexTypeUint32 IndexType = iota
	IndexTypeUint16
	IndexTypeUint8
	IndexTypeNone
)

// Size returns the byte width of one index.
func (t IndexType) Size() uint32 {
	switch t {
	case IndexTypeUint8:
		return 1
	case IndexTypeUint16:
		return 2
	case IndexTypeUint32:
		return 4
	default:
		return 0
	}
}

type GeometryType uint8

const (
	GeometryTypeTriangles GeometryType = iota
	GeometryTypeInstances
)

type GeometryFlags uint32

const (
	GeometryOpaque GeometryFlags = 1 << iota
	GeometryNoDuplicateAnyHit
)

// Triangles describes a triangle list by device address. A zero TransformData
// means identity.
type Triangles struct {
	VertexFormat  VertexFormat
	VertexData    DeviceAddress
	VertexStride  uint64
	MaxVertex     uint32 // number of vertices addressable by the indices
	IndexType     IndexType
	IndexData     DeviceAddress
	TransformData DeviceAddress
}

// Instances points at an array of 64-byte instance records.
type Instances struct {
	Data DeviceAddress
}

type Geometry struct {
	Type      GeometryType
	Flags     GeometryFlags
	Triangles Triangles
	Instances Instances
}

// BuildGeometryInfo is the part of a build shared by the size query and the
// build command.
type BuildGeometryInfo struct {
	Level      AccelerationStructureLevel
	Flags      BuildFlags
	Mode       BuildMode
	Geometries []Geometry
}

type BuildSizes struct {
	AccelerationStructureSize uint64
	UpdateScratchSize         uint64
	BuildScratchSize          uint64
}

type AccelerationStructureDesc struct {
	Level  AccelerationStructureLevel
	Buffer Buffer
	Offset uint64
	Size   uint64
}

type BuildInfo struct {
	Geometry        BuildGeometryInfo
	Src             AccelerationStructure
	Dst             AccelerationStructure
	ScratchData     DeviceAddress
	PrimitiveCounts []uint32
}

type ShaderStage uint8

const (
	ShaderStageRaygen ShaderStage = iota
	ShaderStageMiss
	ShaderStageClosestHit
	ShaderStageAnyHit
)

type ShaderModule struct {
	Stage ShaderStage
	Code  []byte
	Entry string
}

// TracePipelineDesc creates a pipeline with one group per module, in order.
// Groups are laid out raygen first, then miss, then hit groups.
type TracePipelineDesc struct {
	Modules []ShaderModule
	// Bindings lists the type of each binding slot, in slot order.
	Bindings          []BindingType
	MaxRecursionDepth uint32
}

type StridedRegion struct {
	Address DeviceAddress
	Stride  uint64
	Size    uint64
}

type TraceRaysInfo struct {
	Pipeline Pipeline
	Bindings Bindings
	Raygen   StridedRegion
	Miss     StridedRegion
	Hit      StridedRegion
	Callable StridedRegion
	Width    uint32
	Height   uint32
	Depth    uint32
}

type BindingType uint8

const (
	BindingAccelerationStructure BindingType = iota
	BindingStorageImage
	BindingUniformBuffer
	BindingStorageBuffer
)

// BindingWrite updates one slot of a binding set. Only the field matching Type
// is read.
type BindingWrite struct {
	Binding               uint32
	Type                  BindingType
	AccelerationStructure AccelerationStructure
	Image                 Image
	Buffer                Buffer
	Offset                uint64
	Range                 uint64
}

type PresentMode uint8

const (
	PresentModeFifo PresentMode = iota
	PresentModeMailbox
	PresentModeImmediate
)

// ParsePresentMode maps the configuration names fifo, mailbox and immediate.
func ParsePresentMode(name string) (PresentMode, bool) {
	switch name {
	case "fifo":
		return PresentModeFifo, true
	case "mailbox":
		return PresentModeMailbox, true
	case "immediate":
		return PresentModeImmediate, true
	default:
		return PresentModeFifo, false
	}
}

type SwapchainDesc struct {
	Extent      Extent2D
	PresentMode PresentMode
	// Old is retired by the new swapchain but still has to be destroyed.
	Old Swapchain
}

type SwapchainInfo struct {
	Handle Swapchain
	Format Format
	Extent Extent2D
	Images []Image
}
