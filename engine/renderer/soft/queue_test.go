package soft

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

const hostCoherent = 1

func hostBuffer(t *testing.T, d *Device, size uint64, usage driver.BufferUsage) driver.Buffer {
	t.Helper()
	h, err := d.CreateBuffer(driver.BufferDesc{Size: size, Usage: usage, MemoryTypeIndex: hostCoherent, Label: t.Name()})
	require.NoError(t, err)
	return h
}

func recordOnce(t *testing.T, d *Device, record func(cb driver.CommandBuffer)) (driver.CommandPool, driver.CommandBuffer) {
	t.Helper()
	pool, err := d.CreateCommandPool(true)
	require.NoError(t, err)
	cb, err := d.AllocateCommandBuffer(pool)
	require.NoError(t, err)
	require.NoError(t, d.BeginCommandBuffer(cb, true))
	record(cb)
	require.NoError(t, d.EndCommandBuffer(cb))
	return pool, cb
}

func isValidation(err error) bool {
	var re *driver.ResultError
	return errors.As(err, &re) && re.Result == driver.ErrorValidationFailed
}

func TestCopyRunsWhenTheFenceIsWaited(t *testing.T) {
	d := New(Options{})
	src := hostBuffer(t, d, 16, driver.BufferUsageTransferSrc)
	dst := hostBuffer(t, d, 16, driver.BufferUsageTransferDst)

	data, err := d.MapBuffer(src)
	require.NoError(t, err)
	copy(data, []byte("0123456789abcdef"))
	d.UnmapBuffer(src)

	_, cb := recordOnce(t, d, func(cb driver.CommandBuffer) {
		d.CmdCopyBuffer(cb, driver.BufferCopy{Src: src, Dst: dst, Size: 16})
	})
	f, err := d.CreateFence(false)
	require.NoError(t, err)
	require.NoError(t, d.QueueSubmit(driver.SubmitInfo{CommandBuffers: []driver.CommandBuffer{cb}}, f))

	// Host access to memory used by pending work is a hazard.
	_, err = d.MapBuffer(dst)
	assert.True(t, isValidation(err))

	assert.Equal(t, driver.Success, d.WaitFence(f, driver.TimeoutInfinite))
	out, err := d.MapBuffer(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcdef"), out)
	d.UnmapBuffer(dst)
}

func TestFenceResetWhilePending(t *testing.T) {
	d := New(Options{})
	_, cb := recordOnce(t, d, func(driver.CommandBuffer) {})
	f, _ := d.CreateFence(false)
	require.NoError(t, d.QueueSubmit(driver.SubmitInfo{CommandBuffers: []driver.CommandBuffer{cb}}, f))

	assert.True(t, isValidation(d.ResetFence(f)))
	assert.Equal(t, driver.Success, d.WaitFence(f, 0))
	assert.NoError(t, d.ResetFence(f))
}

func TestSubmitWithSignaledFence(t *testing.T) {
	d := New(Options{})
	_, cb := recordOnce(t, d, func(driver.CommandBuffer) {})
	f, _ := d.CreateFence(true)

	err := d.QueueSubmit(driver.SubmitInfo{CommandBuffers: []driver.CommandBuffer{cb}}, f)
	assert.True(t, isValidation(err))
}

func TestInfiniteWaitOnIdleFence(t *testing.T) {
	d := New(Options{})
	f, _ := d.CreateFence(false)

	assert.Equal(t, driver.Timeout, d.WaitFence(f, driver.TimeoutInfinite))
	assert.Len(t, d.ValidationErrors(), 1)
}

func TestFailNextWait(t *testing.T) {
	d := New(Options{})
	f, _ := d.CreateFence(true)
	d.FailNextWait(driver.ErrorDeviceLost)

	assert.Equal(t, driver.ErrorDeviceLost, d.WaitFence(f, 0))
	assert.Equal(t, driver.Success, d.WaitFence(f, 0))
}

func TestSemaphoreOrdering(t *testing.T) {
	d := New(Options{})
	s, _ := d.CreateSemaphore()
	_, cb := recordOnce(t, d, func(driver.CommandBuffer) {})

	err := d.QueueSubmit(driver.SubmitInfo{
		CommandBuffers: []driver.CommandBuffer{cb},
		WaitSemaphores: []driver.Semaphore{s},
		WaitStages:     []driver.PipelineStage{driver.PipelineStageAllCommands},
	}, 0)
	assert.True(t, isValidation(err), "waiting on an unsignaled semaphore")

	require.NoError(t, d.QueueSubmit(driver.SubmitInfo{
		CommandBuffers:   []driver.CommandBuffer{cb},
		SignalSemaphores: []driver.Semaphore{s},
	}, 0))
	require.NoError(t, d.QueueWaitIdle())
	require.NoError(t, d.BeginCommandBuffer(cb, true))
	require.NoError(t, d.EndCommandBuffer(cb))
	err = d.QueueSubmit(driver.SubmitInfo{
		CommandBuffers:   []driver.CommandBuffer{cb},
		SignalSemaphores: []driver.Semaphore{s},
	}, 0)
	assert.True(t, isValidation(err), "double signal")
}

func TestCommandBufferStates(t *testing.T) {
	d := New(Options{})
	pool, cb := recordOnce(t, d, func(driver.CommandBuffer) {})
	require.NoError(t, d.QueueSubmit(driver.SubmitInfo{CommandBuffers: []driver.CommandBuffer{cb}}, 0))

	assert.True(t, isValidation(d.BeginCommandBuffer(cb, true)))
	assert.True(t, isValidation(d.ResetCommandBuffer(cb)))

	require.NoError(t, d.QueueWaitIdle())
	assert.NoError(t, d.ResetCommandBuffer(cb))
	d.FreeCommandBuffer(pool, cb)
	d.DestroyCommandPool(pool)
	assert.Empty(t, d.ValidationErrors()[2:])
}

func TestLedgerCountsDestruction(t *testing.T) {
	d := New(Options{})
	b := hostBuffer(t, d, 64, driver.BufferUsageStorage)
	leaked := hostBuffer(t, d, 64, driver.BufferUsageStorage)

	d.DestroyBuffer(b)
	d.DestroyBuffer(b)
	assert.Equal(t, 2, d.Ledger().DestroyCount(uint64(b)))
	assert.NotEmpty(t, d.Ledger().Overdestroyed())

	d.Destroy()
	assert.True(t, d.Destroyed())
	assert.Equal(t, []uint64{uint64(leaked)}, d.Ledger().Live(KindBuffer))
	assert.Len(t, d.ValidationErrors(), 2)
}

func TestDestroyBufferInUse(t *testing.T) {
	d := New(Options{})
	src := hostBuffer(t, d, 8, driver.BufferUsageTransferSrc)
	dst := hostBuffer(t, d, 8, driver.BufferUsageTransferDst)
	_, cb := recordOnce(t, d, func(cb driver.CommandBuffer) {
		d.CmdCopyBuffer(cb, driver.BufferCopy{Src: src, Dst: dst, Size: 8})
	})
	require.NoError(t, d.QueueSubmit(driver.SubmitInfo{CommandBuffers: []driver.CommandBuffer{cb}}, 0))

	d.DestroyBuffer(src)
	require.Len(t, d.ValidationErrors(), 1)
	assert.Contains(t, d.ValidationErrors()[0].Error(), "pending submission")
}

func TestBufferAddressesAreAligned(t *testing.T) {
	d := New(Options{})
	a := hostBuffer(t, d, 10, driver.BufferUsageShaderDeviceAddress)
	b := hostBuffer(t, d, 10, driver.BufferUsageShaderDeviceAddress)

	aa, ba := d.BufferDeviceAddress(a), d.BufferDeviceAddress(b)
	assert.NotZero(t, aa)
	assert.Zero(t, uint64(aa)%addressAlignment)
	assert.Zero(t, uint64(ba)%addressAlignment)
	assert.Greater(t, ba, aa)

	data, buf, ok := d.resolve(ba + 4)
	require.True(t, ok)
	assert.Equal(t, b, buf.handle)
	assert.Len(t, data, 6)
}
