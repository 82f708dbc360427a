package gpu

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
)

func recorded(t *testing.T, pool *CommandPool) *CommandBuffer {
	t.Helper()
	cb, err := pool.Allocate()
	require.NoError(t, err)
	require.NoError(t, cb.Begin(false))
	require.NoError(t, cb.End())
	return cb
}

func TestFenceLifecycle(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)
	pool, err := NewCommandPool(f.ctx, false)
	require.NoError(t, err)
	defer pool.Destroy()

	fence, err := NewFence(f.ctx, "frame", true)
	require.NoError(t, err)
	defer fence.Destroy()

	// Signaled fences return without touching the device.
	require.NoError(t, fence.Wait(Infinite))
	for _, e := range f.dev.Events() {
		assert.NotEqual(t, soft.OpWaitFence, e.Op)
	}

	require.NoError(t, fence.Reset())
	assert.False(t, fence.IsSignaled())
	assert.Panics(t, func() { _ = fence.Wait(Infinite) }, "never submitted")

	cb := recorded(t, pool)
	require.NoError(t, f.q.SubmitAsync(Submission{CommandBuffer: cb, Fence: fence}))
	assert.True(t, fence.Pending())
	assert.Panics(t, func() { _ = fence.Reset() })
	assert.Panics(t, func() { _ = f.q.SubmitAsync(Submission{CommandBuffer: cb, Fence: fence}) })

	require.NoError(t, fence.Wait(Infinite))
	assert.True(t, fence.IsSignaled())
	assert.False(t, fence.Pending())
	require.NoError(t, fence.Reset())
	cb.Free()
}

func TestFenceWaitFailures(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)
	pool, err := NewCommandPool(f.ctx, false)
	require.NoError(t, err)
	defer pool.Destroy()

	fence, err := NewFence(f.ctx, "frame", false)
	require.NoError(t, err)
	defer fence.Destroy()
	cb := recorded(t, pool)
	require.NoError(t, f.q.SubmitAsync(Submission{CommandBuffer: cb, Fence: fence}))

	f.dev.FailNextWait(driver.Timeout)
	err = fence.Wait(0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTimeout))
	assert.Equal(t, core.KindSync, core.KindOf(err))
	assert.True(t, fence.Pending())

	f.dev.FailNextWait(driver.ErrorDeviceLost)
	err = fence.Wait(Infinite)
	assert.True(t, errors.Is(err, core.ErrDeviceLost))
	assert.Contains(t, err.Error(), "VK_ERROR_DEVICE_LOST")

	require.NoError(t, fence.Wait(Infinite))
	cb.Free()
}

func TestSemaphorePairing(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)
	pool, err := NewCommandPool(f.ctx, false)
	require.NoError(t, err)
	defer pool.Destroy()

	sem, err := NewSemaphore(f.ctx, "render-complete")
	require.NoError(t, err)
	defer sem.Destroy()

	cb := recorded(t, pool)
	assert.Panics(t, func() {
		_ = f.q.SubmitAsync(Submission{
			CommandBuffer: cb,
			Wait:          []*Semaphore{sem},
			WaitStages:    []driver.PipelineStage{driver.PipelineStageAllCommands},
		})
	}, "wait without a signal")

	require.NoError(t, f.q.SubmitAsync(Submission{CommandBuffer: cb, Signal: []*Semaphore{sem}}))
	assert.True(t, sem.PendingSignal())
	require.NoError(t, f.q.WaitIdle())

	require.NoError(t, cb.Begin(false))
	require.NoError(t, cb.End())
	assert.Panics(t, func() {
		_ = f.q.SubmitAsync(Submission{CommandBuffer: cb, Signal: []*Semaphore{sem}})
	}, "second signal before a wait")

	require.NoError(t, f.q.SubmitAsync(Submission{
		CommandBuffer: cb,
		Wait:          []*Semaphore{sem},
		WaitStages:    []driver.PipelineStage{driver.PipelineStageAllCommands},
	}))
	assert.False(t, sem.PendingSignal())
	require.NoError(t, f.q.WaitIdle())
	cb.Free()
}

func TestCommandBufferStateMachine(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)
	pool, err := NewCommandPool(f.ctx, false)
	require.NoError(t, err)
	defer pool.Destroy()

	cb, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, COMMAND_BUFFER_STATE_READY, cb.State())
	assert.Panics(t, func() { cb.ImageBarrier(driver.ImageBarrier{Image: 1}) }, "not recording")
	assert.Panics(t, func() { _ = cb.End() })

	require.NoError(t, cb.Begin(false))
	assert.Equal(t, COMMAND_BUFFER_STATE_RECORDING, cb.State())
	assert.Panics(t, func() { _ = cb.Begin(false) })
	require.NoError(t, cb.End())
	assert.Equal(t, COMMAND_BUFFER_STATE_RECORDING_ENDED, cb.State())

	fence, err := NewFence(f.ctx, "cb", false)
	require.NoError(t, err)
	defer fence.Destroy()
	require.NoError(t, f.q.SubmitAsync(Submission{CommandBuffer: cb, Fence: fence}))
	assert.Equal(t, COMMAND_BUFFER_STATE_SUBMITTED, cb.State())
	assert.True(t, cb.InFlight())
	assert.Panics(t, func() { _ = cb.Begin(false) }, "re-record before the fence is observed")
	assert.Panics(t, func() { cb.Free() })

	require.NoError(t, fence.Wait(Infinite))
	assert.False(t, cb.InFlight())
	require.NoError(t, cb.Begin(false))
	require.NoError(t, cb.End())

	// Without a fence, only draining the queue ends the flight.
	require.NoError(t, f.q.SubmitAsync(Submission{CommandBuffer: cb}))
	assert.True(t, cb.InFlight())
	require.NoError(t, f.q.WaitIdle())
	assert.False(t, cb.InFlight())

	cb.Free()
	assert.Equal(t, COMMAND_BUFFER_STATE_NOT_ALLOCATED, cb.State())
	cb.Free()
}

func TestSubmitSyncPropagatesRecordError(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)

	boom := errors.New("record failed")
	err := f.q.SubmitSync(func(cb *CommandBuffer) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.dev.Ledger().Live(soft.KindCommandBuffer))
}
