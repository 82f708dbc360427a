package gpu

import (
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

type CommandBufferState int

const (
	COMMAND_BUFFER_STATE_NOT_ALLOCATED CommandBufferState = iota
	COMMAND_BUFFER_STATE_READY
	COMMAND_BUFFER_STATE_RECORDING
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_SUBMITTED
)

func (s CommandBufferState) String() string {
	switch s {
	case COMMAND_BUFFER_STATE_READY:
		return "ready"
	case COMMAND_BUFFER_STATE_RECORDING:
		return "recording"
	case COMMAND_BUFFER_STATE_RECORDING_ENDED:
		return "recording-ended"
	case COMMAND_BUFFER_STATE_SUBMITTED:
		return "submitted"
	default:
		return "not-allocated"
	}
}

// CommandPool allocates command buffers for the graphics queue family.
type CommandPool struct {
	ctx       *Context
	handle    driver.CommandPool
	transient bool
}

// NewCommandPool creates a pool. Transient pools hand out buffers that are
// recorded once and freed.
func NewCommandPool(ctx *Context, transient bool) (*CommandPool, error) {
	handle, err := ctx.device.CreateCommandPool(transient)
	if err != nil {
		core.LogError("failed to create command pool")
		return nil, allocationError("create command pool", err)
	}
	return &CommandPool{
		ctx:       ctx.Retain(),
		handle:    handle,
		transient: transient,
	}, nil
}

func (p *CommandPool) Handle() driver.CommandPool {
	return p.handle
}

func (p *CommandPool) Allocate() (*CommandBuffer, error) {
	core.Assert(p.handle != 0, "allocating from a destroyed command pool")
	handle, err := p.ctx.device.AllocateCommandBuffer(p.handle)
	if err != nil {
		core.LogError("failed to allocate command buffer")
		return nil, allocationError("allocate command buffer", err)
	}
	return &CommandBuffer{
		pool:   p,
		handle: handle,
		state:  COMMAND_BUFFER_STATE_READY,
	}, nil
}

// Destroy frees every buffer allocated from the pool.
func (p *CommandPool) Destroy() {
	if p.handle == 0 {
		return
	}
	p.ctx.device.DestroyCommandPool(p.handle)
	p.handle = 0
	p.ctx.Release()
}

// CommandBuffer records work for the graphics queue.
type CommandBuffer struct {
	pool   *CommandPool
	handle driver.CommandBuffer
	state  CommandBufferState

	// Fence and ticket of the last submission, if it was fenced.
	fence  *Fence
	ticket uint64
	// Set when the queue drained after the last submission.
	drained bool
}

func (cb *CommandBuffer) Handle() driver.CommandBuffer {
	return cb.handle
}

func (cb *CommandBuffer) State() CommandBufferState {
	return cb.state
}

func (cb *CommandBuffer) device() driver.Device {
	return cb.pool.ctx.device
}

// InFlight reports whether the last submission of cb may still be executing.
func (cb *CommandBuffer) InFlight() bool {
	if cb.state != COMMAND_BUFFER_STATE_SUBMITTED || cb.drained {
		return false
	}
	return cb.fence == nil || !cb.fence.completedTicket(cb.ticket)
}

// Begin starts recording. A buffer that was submitted before is reset first;
// it must not be in flight.
func (cb *CommandBuffer) Begin(singleUse bool) error {
	core.Assert(cb.state != COMMAND_BUFFER_STATE_NOT_ALLOCATED, "begin on a freed command buffer")
	core.Assert(cb.state != COMMAND_BUFFER_STATE_RECORDING, "begin on a command buffer that is recording")
	core.Assert(!cb.InFlight(), "re-recording a command buffer before its fence was observed")

	if cb.state != COMMAND_BUFFER_STATE_READY {
		if err := cb.Reset(); err != nil {
			return err
		}
	}
	if err := cb.device().BeginCommandBuffer(cb.handle, singleUse); err != nil {
		core.LogError("failed to begin command buffer")
		return core.NewRenderError(core.KindUnknown, "begin command buffer", resultCode(err), err)
	}
	cb.state = COMMAND_BUFFER_STATE_RECORDING
	return nil
}

func (cb *CommandBuffer) End() error {
	core.Assert(cb.state == COMMAND_BUFFER_STATE_RECORDING, "end on a command buffer in state %s", cb.state)
	if err := cb.device().EndCommandBuffer(cb.handle); err != nil {
		core.LogError("failed to end command buffer")
		return core.NewRenderError(core.KindUnknown, "end command buffer", resultCode(err), err)
	}
	cb.state = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return nil
}

// Reset returns the buffer to the ready state.
func (cb *CommandBuffer) Reset() error {
	core.Assert(!cb.InFlight(), "resetting a command buffer that is in flight")
	if err := cb.device().ResetCommandBuffer(cb.handle); err != nil {
		return core.NewRenderError(core.KindUnknown, "reset command buffer", resultCode(err), err)
	}
	cb.state = COMMAND_BUFFER_STATE_READY
	cb.fence = nil
	cb.ticket = 0
	return nil
}

func (cb *CommandBuffer) updateSubmitted(fence *Fence, ticket uint64) {
	cb.state = COMMAND_BUFFER_STATE_SUBMITTED
	cb.fence = fence
	cb.ticket = ticket
	cb.drained = false
}

// Free returns the buffer to its pool.
func (cb *CommandBuffer) Free() {
	if cb.state == COMMAND_BUFFER_STATE_NOT_ALLOCATED {
		return
	}
	core.Assert(!cb.InFlight(), "freeing a command buffer that is in flight")
	if cb.pool.handle != 0 {
		cb.device().FreeCommandBuffer(cb.pool.handle, cb.handle)
	}
	cb.handle = 0
	cb.state = COMMAND_BUFFER_STATE_NOT_ALLOCATED
	cb.fence = nil
}

func (cb *CommandBuffer) recording() {
	core.Assert(cb.state == COMMAND_BUFFER_STATE_RECORDING, "recording into a command buffer in state %s", cb.state)
}

// CopyBuffer records a copy of size bytes from the start of src to the start
// of dst.
func (cb *CommandBuffer) CopyBuffer(src, dst *Buffer, size uint64) {
	cb.recording()
	if src.IsNull() || dst.IsNull() || size == 0 {
		return
	}
	cb.device().CmdCopyBuffer(cb.handle, driver.BufferCopy{
		Src:  src.handle,
		Dst:  dst.handle,
		Size: size,
	})
}

// CopyBufferToImage copies tightly packed texels from src into img, which
// must be in the transfer destination layout.
func (cb *CommandBuffer) CopyBufferToImage(src *Buffer, img *Image) {
	cb.recording()
	if src.IsNull() || img.IsNull() {
		return
	}
	cb.device().CmdCopyBufferToImage(cb.handle, driver.BufferImageCopy{
		Buffer: src.handle,
		Image:  img.handle,
		Layout: img.layout,
		Extent: img.desc.Extent,
	})
}

// CopyImageToBuffer copies img, which must be in the transfer source layout,
// into dst as tightly packed texels.
func (cb *CommandBuffer) CopyImageToBuffer(img *Image, dst *Buffer) {
	cb.recording()
	if dst.IsNull() || img.IsNull() {
		return
	}
	cb.device().CmdCopyImageToBuffer(cb.handle, driver.BufferImageCopy{
		Buffer: dst.handle,
		Image:  img.handle,
		Layout: img.layout,
		Extent: img.desc.Extent,
	})
}

func (cb *CommandBuffer) ImageBarrier(barrier driver.ImageBarrier) {
	cb.recording()
	if barrier.Image == 0 {
		return
	}
	cb.device().CmdImageBarrier(cb.handle, barrier)
}

func (cb *CommandBuffer) BuildAccelerationStructure(build driver.BuildInfo) {
	cb.recording()
	cb.device().CmdBuildAccelerationStructure(cb.handle, build)
}

func (cb *CommandBuffer) TraceRays(trace driver.TraceRaysInfo) {
	cb.recording()
	cb.device().CmdTraceRays(cb.handle, trace)
}
