package gpu

import (
	"sync"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// Submission is an asynchronous submission. The caller does not block; Fence
// (optional) signals when the GPU is done with CommandBuffer.
type Submission struct {
	CommandBuffer *CommandBuffer
	Wait          []*Semaphore
	WaitStages    []driver.PipelineStage
	Signal        []*Semaphore
	Fence         *Fence
}

// Queue is the only path to the graphics queue. Calls are serialized.
type Queue struct {
	mu   sync.Mutex
	ctx  *Context
	pool *CommandPool

	// Command buffers submitted since the last time the queue drained.
	inflight []*CommandBuffer
}

// NewQueue wraps the device graphics queue. It owns a transient command pool
// for one-shot submissions.
func NewQueue(ctx *Context) (*Queue, error) {
	pool, err := NewCommandPool(ctx, true)
	if err != nil {
		return nil, err
	}
	return &Queue{
		ctx:  ctx.Retain(),
		pool: pool,
	}, nil
}

// SubmitSync records a one-shot command buffer with record, submits it and
// waits for it to complete. record must not submit to q.
func (q *Queue) SubmitSync(record func(cb *CommandBuffer) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cb, err := q.pool.Allocate()
	if err != nil {
		return err
	}
	defer cb.Free()

	if err := cb.Begin(true); err != nil {
		return err
	}
	if err := record(cb); err != nil {
		return err
	}
	if err := cb.End(); err != nil {
		return err
	}

	fence, err := NewFence(q.ctx, "one-shot", false)
	if err != nil {
		return err
	}
	defer fence.Destroy()

	if err := q.submit(Submission{CommandBuffer: cb, Fence: fence}); err != nil {
		return err
	}
	return fence.Wait(Infinite)
}

// SubmitAsync submits s without waiting for it.
func (q *Queue) SubmitAsync(s Submission) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.submit(s)
}

func (q *Queue) submit(s Submission) error {
	cb := s.CommandBuffer
	core.Assert(cb.state == COMMAND_BUFFER_STATE_RECORDING_ENDED, "submitting a command buffer in state %s", cb.state)
	core.Assert(len(s.Wait) == len(s.WaitStages), "%d wait semaphores with %d wait stages", len(s.Wait), len(s.WaitStages))
	for _, sem := range s.Wait {
		core.Assert(sem.pendingSignal, "submission waits on semaphore %s with no pending signal", sem.name)
	}
	for _, sem := range s.Signal {
		core.Assert(!sem.pendingSignal, "submission signals semaphore %s that is already signaled", sem.name)
	}

	info := driver.SubmitInfo{
		CommandBuffers: []driver.CommandBuffer{cb.handle},
		WaitStages:     s.WaitStages,
	}
	for _, sem := range s.Wait {
		info.WaitSemaphores = append(info.WaitSemaphores, sem.handle)
	}
	for _, sem := range s.Signal {
		info.SignalSemaphores = append(info.SignalSemaphores, sem.handle)
	}
	var fence driver.Fence
	var ticket uint64
	if s.Fence != nil {
		ticket = s.Fence.markSubmitted()
		fence = s.Fence.handle
	}

	if err := q.ctx.device.QueueSubmit(info, fence); err != nil {
		core.LogError("queue submit failed: %s", err)
		if s.Fence != nil {
			s.Fence.submits--
		}
		return syncError("queue submit", err)
	}

	for _, sem := range s.Wait {
		sem.markWait()
	}
	for _, sem := range s.Signal {
		sem.markSignal()
	}
	cb.updateSubmitted(s.Fence, ticket)
	q.track(cb)
	return nil
}

func (q *Queue) track(cb *CommandBuffer) {
	live := q.inflight[:0]
	for _, c := range q.inflight {
		if c != cb && c.InFlight() {
			live = append(live, c)
		}
	}
	q.inflight = append(live, cb)
}

// AcquireNextImage acquires a presentable image, signaling signal once it is
// ready. OutOfDate is returned as a result, not an error.
func (q *Queue) AcquireNextImage(sc *Swapchain, signal *Semaphore) (uint32, driver.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	index, r := q.ctx.device.AcquireNextImage(sc.handle, Infinite, signal.handle)
	switch r {
	case driver.Success, driver.Suboptimal:
		signal.markSignal()
		return index, r, nil
	case driver.ErrorOutOfDate:
		return 0, r, nil
	case driver.Timeout, driver.NotReady:
		return 0, r, syncResultError("acquire next image", r)
	}
	core.LogError("failed to acquire swapchain image: %s", r)
	return 0, r, core.NewRenderError(core.KindSwapchain, "acquire next image", r.String(), &driver.ResultError{Op: "acquire next image", Result: r})
}

// Present queues imageIndex for presentation once wait is signaled.
// OutOfDate and Suboptimal are returned as results, not errors.
func (q *Queue) Present(sc *Swapchain, imageIndex uint32, wait *Semaphore) (driver.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	wait.markWait()
	r := q.ctx.device.QueuePresent(sc.handle, imageIndex, wait.handle)
	switch r {
	case driver.Success, driver.Suboptimal, driver.ErrorOutOfDate:
		return r, nil
	case driver.ErrorDeviceLost:
		return r, syncResultError("present", r)
	}
	core.LogError("failed to present swapchain image: %s", r)
	return r, core.NewRenderError(core.KindSwapchain, "present", r.String(), &driver.ResultError{Op: "present", Result: r})
}

// WaitIdle blocks until the queue has drained. Every fence guarding work on
// the queue is observed signaled afterwards.
func (q *Queue) WaitIdle() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ctx.device.QueueWaitIdle(); err != nil {
		core.LogError("queue wait idle failed: %s", err)
		return syncError("queue wait idle", err)
	}
	for _, cb := range q.inflight {
		if cb.fence != nil && cb.fence.Pending() {
			cb.fence.observe()
		}
		cb.drained = true
	}
	q.inflight = q.inflight[:0]
	return nil
}

// Destroy waits for the queue and releases the one-shot pool.
func (q *Queue) Destroy() {
	if q.pool == nil {
		return
	}
	if err := q.WaitIdle(); err != nil {
		core.LogWarn("destroying queue: %s", err)
	}
	q.pool.Destroy()
	q.pool = nil
	q.ctx.Release()
}
