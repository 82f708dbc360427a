package soft

import (
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

type fence struct {
	handle   driver.Fence
	signaled bool
	pending  *submission
}

type semaphore struct {
	handle   driver.Semaphore
	signaled bool
}

// submission is queued work that has not executed yet. It runs, in queue
// order, when the host waits for it.
type submission struct {
	buffers []driver.CommandBuffer
	fence   driver.Fence
	refs    map[uint64]struct{}
}

func (s *submission) references(h driver.Buffer) bool {
	_, ok := s.refs[uint64(h)]
	return ok
}

func (d *Device) CreateFence(signaled bool) (driver.Fence, error) {
	h := driver.Fence(d.handle(KindFence))
	d.fences[h] = &fence{handle: h, signaled: signaled}
	return h, nil
}

func (d *Device) DestroyFence(h driver.Fence) {
	if !d.release(uint64(h), KindFence) {
		return
	}
	if f := d.fences[h]; f != nil && f.pending != nil {
		d.invalid("destroy fence", "fence %d destroyed while its submission is pending", h)
	}
	delete(d.fences, h)
}

func (d *Device) WaitFence(h driver.Fence, timeout uint64) driver.Result {
	f, ok := d.fences[h]
	if !ok {
		d.invalid("wait fence", "unknown fence %d", h)
		return driver.ErrorUnknown
	}
	if len(d.failWait) > 0 {
		r := d.failWait[0]
		d.failWait = d.failWait[1:]
		d.events.add(Event{Op: OpWaitFence, Handle: uint64(h), Result: r.String()})
		return r
	}
	if f.pending != nil {
		d.flush(f.pending)
	}
	if !f.signaled {
		if timeout == driver.TimeoutInfinite {
			d.invalid("wait fence", "infinite wait on fence %d that was never submitted", h)
		}
		d.events.add(Event{Op: OpWaitFence, Handle: uint64(h), Result: driver.Timeout.String()})
		return driver.Timeout
	}
	d.events.add(Event{Op: OpWaitFence, Handle: uint64(h), Result: driver.Success.String()})
	return driver.Success
}

func (d *Device) ResetFence(h driver.Fence) error {
	f, ok := d.fences[h]
	if !ok {
		return d.invalid("reset fence", "unknown fence %d", h)
	}
	d.events.add(Event{Op: OpResetFence, Handle: uint64(h)})
	if f.pending != nil {
		return d.invalid("reset fence", "fence %d reset while its submission is pending", h)
	}
	f.signaled = false
	return nil
}

func (d *Device) CreateSemaphore() (driver.Semaphore, error) {
	h := driver.Semaphore(d.handle(KindSemaphore))
	d.semaphores[h] = &semaphore{handle: h}
	return h, nil
}

func (d *Device) DestroySemaphore(h driver.Semaphore) {
	if !d.release(uint64(h), KindSemaphore) {
		return
	}
	delete(d.semaphores, h)
}

// signal and wait track semaphore state in queue order. The queue executes in
// submission order, so checking at submit time is equivalent to checking at
// execution time.
func (d *Device) signal(op string, h driver.Semaphore) error {
	s, ok := d.semaphores[h]
	if !ok {
		return d.invalid(op, "unknown semaphore %d", h)
	}
	if s.signaled {
		return d.invalid(op, "semaphore %d signaled twice without a wait", h)
	}
	s.signaled = true
	return nil
}

func (d *Device) wait(op string, h driver.Semaphore) error {
	s, ok := d.semaphores[h]
	if !ok {
		return d.invalid(op, "unknown semaphore %d", h)
	}
	if !s.signaled {
		return d.invalid(op, "wait on semaphore %d that has no pending signal", h)
	}
	s.signaled = false
	return nil
}

func (d *Device) QueueSubmit(info driver.SubmitInfo, fh driver.Fence) error {
	if len(info.WaitSemaphores) != len(info.WaitStages) {
		return d.invalid("queue submit", "%d wait semaphores with %d stages", len(info.WaitSemaphores), len(info.WaitStages))
	}
	var f *fence
	if fh != 0 {
		var ok bool
		if f, ok = d.fences[fh]; !ok {
			return d.invalid("queue submit", "unknown fence %d", fh)
		}
		if f.signaled || f.pending != nil {
			return d.invalid("queue submit", "fence %d submitted without being reset", fh)
		}
	}
	s := &submission{fence: fh, refs: make(map[uint64]struct{})}
	for _, h := range info.CommandBuffers {
		cb, ok := d.commands[h]
		if !ok {
			return d.invalid("queue submit", "unknown command buffer %d", h)
		}
		if cb.state != cbExecutable {
			return d.invalid("queue submit", "command buffer %d submitted in state %d", h, cb.state)
		}
		for _, c := range cb.commands {
			for _, r := range c.refs {
				s.refs[r] = struct{}{}
			}
		}
	}
	for _, h := range info.WaitSemaphores {
		if err := d.wait("queue submit", h); err != nil {
			return err
		}
	}
	for _, h := range info.SignalSemaphores {
		if err := d.signal("queue submit", h); err != nil {
			return err
		}
	}
	for _, h := range info.CommandBuffers {
		d.commands[h].state = cbPending
		s.buffers = append(s.buffers, h)
		d.events.add(Event{Op: OpSubmit, Handle: uint64(h), Fence: uint64(fh)})
	}
	if f != nil {
		f.pending = s
	}
	d.queue = append(d.queue, s)
	return nil
}

// flush executes queued submissions in order up to and including upTo, or the
// whole queue when upTo is nil.
func (d *Device) flush(upTo *submission) {
	for len(d.queue) > 0 {
		s := d.queue[0]
		d.queue = d.queue[1:]
		d.execute(s)
		if s == upTo {
			return
		}
	}
}

func (d *Device) execute(s *submission) {
	for _, h := range s.buffers {
		cb, ok := d.commands[h]
		if !ok {
			d.invalid("execute", "command buffer %d freed before execution", h)
			continue
		}
		for _, c := range cb.commands {
			// Failures are recorded as validation errors.
			_ = c.exec(d)
		}
		if cb.oneTime {
			cb.state = cbInitial
			cb.commands = nil
		} else {
			cb.state = cbExecutable
		}
	}
	if f, ok := d.fences[s.fence]; ok {
		f.signaled = true
		f.pending = nil
	}
}

func (d *Device) QueueWaitIdle() error {
	d.events.add(Event{Op: OpQueueWaitIdle})
	d.flush(nil)
	return nil
}

func (d *Device) DeviceWaitIdle() error {
	d.flush(nil)
	return nil
}
