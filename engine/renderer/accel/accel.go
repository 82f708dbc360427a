// Package accel builds and maintains ray tracing acceleration structures:
// bottom level structures over triangle geometry and top level structures
// over instances of them.
package accel

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

type State int

const (
	StateUnbuilt State = iota
	StateBuilt
	StateUpdated
)

func (s State) String() string {
	switch s {
	case StateBuilt:
		return "built"
	case StateUpdated:
		return "updated"
	default:
		return "unbuilt"
	}
}

// Options control how a structure is built.
type Options struct {
	// AllowUpdate permits in-place refits with Update.
	AllowUpdate     bool
	PreferFastTrace bool
	Name            string
}

func (o Options) flags() driver.BuildFlags {
	var f driver.BuildFlags
	if o.AllowUpdate {
		f |= driver.BuildAllowUpdate
	}
	if o.PreferFastTrace {
		f |= driver.BuildPreferFastTrace
	} else {
		f |= driver.BuildPreferFastBuild
	}
	return f
}

// Geometry is one build input with its primitive count.
type Geometry struct {
	driver.Geometry
	PrimitiveCount uint32
}

// AccelerationStructure owns a structure handle and the buffer backing it.
type AccelerationStructure struct {
	ctx    *gpu.Context
	q      *gpu.Queue
	handle driver.AccelerationStructure
	buffer *gpu.Buffer
	level  driver.AccelerationStructureLevel
	opts   Options

	counts []uint32
	state  State
}

// New creates a structure for geometries and builds it. The call blocks until
// the build has completed on the GPU.
func New(ctx *gpu.Context, q *gpu.Queue, level driver.AccelerationStructureLevel, geometries []Geometry, opts Options) (*AccelerationStructure, error) {
	if opts.Name == "" {
		opts.Name = level.String() + " level structure"
	}
	dev := ctx.Device()
	info, counts := describe(level, geometries, opts, driver.BuildModeBuild)

	sizes, err := dev.AccelerationStructureBuildSizes(info, counts)
	if err != nil {
		core.LogError("failed to query build sizes of %s: %s", opts.Name, err)
		return nil, core.NewRenderError(core.KindAllocation, "build sizes "+opts.Name, resultCodeOf(err), err)
	}

	buffer, err := gpu.NewLabeledBuffer(ctx, opts.Name,
		sizes.AccelerationStructureSize,
		driver.BufferUsageAccelerationStructureStorage|driver.BufferUsageShaderDeviceAddress,
		gpu.GpuOnly)
	if err != nil {
		return nil, err
	}
	handle, err := dev.CreateAccelerationStructure(driver.AccelerationStructureDesc{
		Level:  level,
		Buffer: buffer.Handle(),
		Size:   sizes.AccelerationStructureSize,
	})
	if err != nil {
		buffer.Destroy()
		core.LogError("failed to create %s: %s", opts.Name, err)
		return nil, core.NewRenderError(core.KindAllocation, "create "+opts.Name, resultCodeOf(err), err)
	}

	as := &AccelerationStructure{
		ctx:    ctx.Retain(),
		q:      q,
		handle: handle,
		buffer: buffer,
		level:  level,
		opts:   opts,
		counts: counts,
	}
	if err := as.build(info, counts, sizes.BuildScratchSize, 0); err != nil {
		as.Destroy()
		return nil, err
	}
	as.state = StateBuilt
	core.LogDebug("%s built: %d bytes, %d geometries", opts.Name, sizes.AccelerationStructureSize, len(geometries))
	return as, nil
}

func describe(level driver.AccelerationStructureLevel, geometries []Geometry, opts Options, mode driver.BuildMode) (driver.BuildGeometryInfo, []uint32) {
	info := driver.BuildGeometryInfo{
		Level: level,
		Flags: opts.flags(),
		Mode:  mode,
	}
	counts := make([]uint32, len(geometries))
	for i, g := range geometries {
		info.Geometries = append(info.Geometries, g.Geometry)
		counts[i] = g.PrimitiveCount
	}
	return info, counts
}

// build records the build into a one-shot command buffer with a fresh scratch
// buffer, waits for it and drops the scratch buffer.
func (as *AccelerationStructure) build(info driver.BuildGeometryInfo, counts []uint32, scratchSize uint64, src driver.AccelerationStructure) error {
	scratch, address, err := newScratch(as.ctx, as.opts.Name, scratchSize)
	if err != nil {
		return err
	}
	defer scratch.Destroy()

	return as.q.SubmitSync(func(cb *gpu.CommandBuffer) error {
		cb.BuildAccelerationStructure(driver.BuildInfo{
			Geometry:        info,
			Src:             src,
			Dst:             as.handle,
			ScratchData:     address,
			PrimitiveCounts: counts,
		})
		return nil
	})
}

// newScratch allocates a scratch buffer and returns its address aligned to the
// device's minimum scratch alignment.
func newScratch(ctx *gpu.Context, name string, size uint64) (*gpu.Buffer, driver.DeviceAddress, error) {
	align := uint64(ctx.Limits().MinScratchAlignment)
	if align == 0 {
		align = 1
	}
	scratch, err := gpu.NewLabeledBuffer(ctx, name+" scratch", size+align-1,
		driver.BufferUsageStorage|driver.BufferUsageShaderDeviceAddress, gpu.GpuOnly)
	if err != nil {
		return nil, 0, err
	}
	address := gpu.AlignUp(uint64(scratch.DeviceAddress()), align)
	return scratch, driver.DeviceAddress(address), nil
}

// Update refits the structure in place for geometries. The structure must
// have been built with AllowUpdate and the geometry and primitive counts must
// not change.
func (as *AccelerationStructure) Update(geometries []Geometry) error {
	core.Assert(as.state != StateUnbuilt, "updating %s that is not built", as.opts.Name)
	core.Assert(as.opts.AllowUpdate, "updating %s that was built without AllowUpdate", as.opts.Name)
	core.Assert(len(geometries) == len(as.counts), "updating %s with %d geometries, built with %d", as.opts.Name, len(geometries), len(as.counts))
	for i, g := range geometries {
		core.Assert(g.PrimitiveCount == as.counts[i], "updating %s geometry %d with %d primitives, built with %d",
			as.opts.Name, i, g.PrimitiveCount, as.counts[i])
	}

	info, counts := describe(as.level, geometries, as.opts, driver.BuildModeUpdate)
	sizes, err := as.ctx.Device().AccelerationStructureBuildSizes(info, counts)
	if err != nil {
		return core.NewRenderError(core.KindAllocation, "build sizes "+as.opts.Name, resultCodeOf(err), err)
	}
	if err := as.build(info, counts, sizes.UpdateScratchSize, as.handle); err != nil {
		return err
	}
	as.state = StateUpdated
	return nil
}

// Rebuild replaces the structure with a new one built from geometries. On
// failure the structure is left destroyed.
func (as *AccelerationStructure) Rebuild(geometries []Geometry, opts Options) error {
	ctx, q := as.ctx.Retain(), as.q
	defer ctx.Release()
	as.Destroy()

	fresh, err := New(ctx, q, as.level, geometries, opts)
	if err != nil {
		return err
	}
	*as = *fresh
	return nil
}

func (as *AccelerationStructure) Handle() driver.AccelerationStructure {
	return as.handle
}

// Address is the device address used to reference the structure from
// instances and shaders.
func (as *AccelerationStructure) Address() driver.DeviceAddress {
	core.Assert(as.handle != 0, "address of destroyed %s", as.opts.Name)
	return as.ctx.Device().AccelerationStructureDeviceAddress(as.handle)
}

func (as *AccelerationStructure) Level() driver.AccelerationStructureLevel {
	return as.level
}

func (as *AccelerationStructure) State() State {
	return as.state
}

func (as *AccelerationStructure) Name() string {
	return as.opts.Name
}

// PrimitiveCounts returns the per geometry primitive counts of the last build.
func (as *AccelerationStructure) PrimitiveCounts() []uint32 {
	return append([]uint32(nil), as.counts...)
}

// Size is the size of the backing buffer.
func (as *AccelerationStructure) Size() uint64 {
	return as.buffer.Size()
}

// Destroy destroys the structure before its backing buffer. Calling it again
// is a no-op.
func (as *AccelerationStructure) Destroy() {
	if as.handle == 0 {
		return
	}
	as.ctx.Device().DestroyAccelerationStructure(as.handle)
	as.handle = 0
	as.buffer.Destroy()
	as.state = StateUnbuilt
	as.ctx.Release()
}

func (as *AccelerationStructure) String() string {
	return fmt.Sprintf("%s (%s, %s)", as.opts.Name, as.level, as.state)
}

func resultCodeOf(err error) string {
	var re *driver.ResultError
	if errors.As(err, &re) {
		return re.Result.String()
	}
	return ""
}
