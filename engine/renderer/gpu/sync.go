package gpu

import (
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// Fence synchronizes the CPU with a queue submission. The wrapper tracks the
// last observed state so a fence is only waited on when it might still be
// pending and only reset once it has been observed signaled.
type Fence struct {
	ctx    *Context
	handle driver.Fence
	name   string

	signaled bool
	// submits counts submissions, completed the last submission observed
	// finished. A submission with ticket t is complete when completed >= t.
	submits   uint64
	completed uint64
}

func NewFence(ctx *Context, name string, createSignaled bool) (*Fence, error) {
	handle, err := ctx.device.CreateFence(createSignaled)
	if err != nil {
		core.LogError("failed to create fence %s", name)
		return nil, allocationError("create fence "+name, err)
	}
	return &Fence{
		ctx:      ctx.Retain(),
		handle:   handle,
		name:     name,
		signaled: createSignaled,
	}, nil
}

func (f *Fence) Handle() driver.Fence {
	return f.handle
}

func (f *Fence) Name() string {
	return f.name
}

// IsSignaled reports the last observed state.
func (f *Fence) IsSignaled() bool {
	return f.signaled
}

// Pending reports whether a submission guarded by f has not been observed
// complete.
func (f *Fence) Pending() bool {
	return f.submits > f.completed
}

// Wait blocks until the fence signals or timeout nanoseconds pass. An already
// signaled fence returns immediately. Any failure is a sync error and the
// renderer treats it as device loss.
func (f *Fence) Wait(timeout uint64) error {
	if f.signaled {
		return nil
	}
	core.Assert(f.Pending(), "waiting on fence %s that was never submitted", f.name)

	r := f.ctx.device.WaitFence(f.handle, timeout)
	switch r {
	case driver.Success:
		f.observe()
		return nil
	case driver.Timeout:
		core.LogWarn("fence %s wait timed out", f.name)
	default:
		core.LogError("fence %s wait failed: %s", f.name, r)
	}
	return syncResultError("wait fence "+f.name, r)
}

func (f *Fence) observe() {
	f.signaled = true
	f.completed = f.submits
}

// Reset returns a signaled fence to the unsignaled state. Resetting a fence
// whose submission has not been observed complete panics.
func (f *Fence) Reset() error {
	core.Assert(!f.Pending(), "resetting fence %s while its submission is pending", f.name)
	if !f.signaled {
		return nil
	}
	if err := f.ctx.device.ResetFence(f.handle); err != nil {
		core.LogError("failed to reset fence %s", f.name)
		return syncError("reset fence "+f.name, err)
	}
	f.signaled = false
	return nil
}

// markSubmitted is called by the queue when f guards a submission and returns
// the ticket of that submission.
func (f *Fence) markSubmitted() uint64 {
	core.Assert(!f.signaled && !f.Pending(), "submitting with fence %s that was not reset", f.name)
	f.submits++
	return f.submits
}

// completedTicket reports whether the submission with the given ticket has been
// observed finished.
func (f *Fence) completedTicket(ticket uint64) bool {
	return f.completed >= ticket
}

func (f *Fence) Destroy() {
	if f.handle == 0 {
		return
	}
	f.ctx.device.DestroyFence(f.handle)
	f.handle = 0
	f.signaled = false
	f.ctx.Release()
}

// Semaphore orders work between queue operations. The wrapper tracks whether
// a signal is pending so that a semaphore is never signaled twice without a
// wait in between, and never waited on without a signal.
type Semaphore struct {
	ctx    *Context
	handle driver.Semaphore
	name   string

	pendingSignal bool
}

func NewSemaphore(ctx *Context, name string) (*Semaphore, error) {
	handle, err := ctx.device.CreateSemaphore()
	if err != nil {
		core.LogError("failed to create semaphore %s", name)
		return nil, allocationError("create semaphore "+name, err)
	}
	return &Semaphore{
		ctx:    ctx.Retain(),
		handle: handle,
		name:   name,
	}, nil
}

func (s *Semaphore) Handle() driver.Semaphore {
	return s.handle
}

func (s *Semaphore) Name() string {
	return s.name
}

func (s *Semaphore) PendingSignal() bool {
	return s.pendingSignal
}

func (s *Semaphore) markSignal() {
	core.Assert(!s.pendingSignal, "semaphore %s signaled twice without a wait", s.name)
	s.pendingSignal = true
}

func (s *Semaphore) markWait() {
	core.Assert(s.pendingSignal, "waiting on semaphore %s with no pending signal", s.name)
	s.pendingSignal = false
}

func (s *Semaphore) Destroy() {
	if s.handle == 0 {
		return
	}
	s.ctx.device.DestroySemaphore(s.handle)
	s.handle = 0
	s.pendingSignal = false
	s.ctx.Release()
}
