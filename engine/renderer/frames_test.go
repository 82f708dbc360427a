package renderer

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
	"github.com/spaghettifunk/prism/engine/scene"
)

var surface = driver.Extent2D{Width: 32, Height: 24}

func frameEvents(dev *soft.Device) []soft.Event {
	var out []soft.Event
	for _, e := range dev.Events() {
		switch e.Op {
		case soft.OpAcquire, soft.OpSubmit, soft.OpPresent, soft.OpWaitFence, soft.OpResetFence:
			out = append(out, e)
		}
	}
	return out
}

// frame is the index of each interesting call of one RenderToSurface in the
// filtered event log.
type frame struct {
	wait, acquire, reset, submit, present int
	fence                                 uint64
}

func splitFrames(t *testing.T, events []soft.Event) []frame {
	t.Helper()
	var frames []frame
	cur := frame{wait: -1, reset: -1}
	for i, e := range events {
		switch e.Op {
		case soft.OpWaitFence:
			cur.wait = i
		case soft.OpAcquire:
			cur.acquire = i
		case soft.OpResetFence:
			cur.reset = i
		case soft.OpSubmit:
			cur.submit = i
			cur.fence = e.Fence
		case soft.OpPresent:
			cur.present = i
			frames = append(frames, cur)
			cur = frame{wait: -1, reset: -1}
		}
	}
	return frames
}

func TestFramePacing(t *testing.T) {
	dev, r := newTestRenderer(t, surface, true, scene.Demo())
	defer assertClean(t, dev, r)
	dev.ClearEvents()

	const n = 6
	for i := 0; i < n; i++ {
		require.NoError(t, r.RenderToSurface())
	}
	assert.Equal(t, n, dev.PresentCount())
	assert.Equal(t, uint64(n), r.Stats().Frames)

	events := frameEvents(dev)
	frames := splitFrames(t, events)
	require.Len(t, frames, n)
	for i, f := range frames {
		assert.Less(t, f.acquire, f.reset, "frame %d resets its fence after acquiring", i)
		assert.Less(t, f.reset, f.submit, "frame %d", i)
		assert.Less(t, f.submit, f.present, "frame %d", i)
		if i < core.MaxFramesInFlight {
			// Slot fences start signaled.
			assert.Equal(t, -1, f.wait, "frame %d waits on a fresh slot", i)
			continue
		}
		prev := frames[i-core.MaxFramesInFlight]
		assert.Equal(t, prev.fence, f.fence, "frame %d reuses the fence of frame %d", i, i-core.MaxFramesInFlight)
		assert.NotEqual(t, frames[i-1].fence, f.fence)
		require.GreaterOrEqual(t, f.wait, 0, "frame %d waits for its slot", i)
		assert.Less(t, f.wait, f.acquire)
		assert.Equal(t, prev.fence, events[f.wait].Handle, "frame %d waits on its own slot fence", i)
	}
}

func TestAcquireOutOfDateRecovers(t *testing.T) {
	dev, r := newTestRenderer(t, surface, true, scene.Demo())
	defer assertClean(t, dev, r)
	require.NoError(t, r.RenderToSurface())
	semaphores := len(dev.Ledger().Live(soft.KindSemaphore))

	dev.ClearEvents()
	dev.InjectAcquireResult(driver.ErrorOutOfDate)
	require.NoError(t, r.RenderToSurface())

	var acquires, created, destroyed int
	for _, e := range dev.Events() {
		switch e.Op {
		case soft.OpAcquire:
			acquires++
		case soft.OpCreateSwap:
			created++
		case soft.OpDestroySwap:
			destroyed++
		}
	}
	assert.Equal(t, 2, acquires, "the failed acquire is retried once")
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, destroyed)
	assert.Equal(t, 2, dev.PresentCount())
	assert.Len(t, dev.Ledger().Live(soft.KindSwapchain), 1)
	assert.Len(t, dev.Ledger().Live(soft.KindSemaphore), semaphores)
	assert.Empty(t, dev.ValidationErrors())
}

func TestAcquireOutOfDateTwiceFails(t *testing.T) {
	dev, r := newTestRenderer(t, surface, true, scene.Demo())
	defer assertClean(t, dev, r)

	dev.InjectAcquireResult(driver.ErrorOutOfDate)
	dev.InjectAcquireResult(driver.ErrorOutOfDate)
	err := r.RenderToSurface()
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrOutOfDate))
	assert.Equal(t, core.KindSwapchain, core.KindOf(err))

	// The slot fence was left signaled, so the next frame proceeds.
	require.NoError(t, r.RenderToSurface())
	assert.Equal(t, 1, dev.PresentCount())
}

func TestPresentOutOfDateRecovers(t *testing.T) {
	dev, r := newTestRenderer(t, surface, true, scene.Demo())
	defer assertClean(t, dev, r)

	dev.InjectPresentResult(driver.ErrorOutOfDate)
	require.NoError(t, r.RenderToSurface())
	assert.Equal(t, 0, dev.PresentCount())
	assert.Equal(t, uint64(1), r.frames.FrameCount())

	for i := 0; i < 3; i++ {
		require.NoError(t, r.RenderToSurface())
	}
	assert.Equal(t, 3, dev.PresentCount())
	assert.Len(t, dev.Ledger().Live(soft.KindSwapchain), 1)
}

func TestSuboptimalOnlyWarns(t *testing.T) {
	dev, r := newTestRenderer(t, surface, true, scene.Demo())
	defer assertClean(t, dev, r)
	dev.ClearEvents()

	dev.InjectAcquireResult(driver.Suboptimal)
	dev.InjectPresentResult(driver.Suboptimal)
	require.NoError(t, r.RenderToSurface())
	require.NoError(t, r.RenderToSurface())

	for _, e := range dev.Events() {
		assert.NotEqual(t, soft.OpCreateSwap, e.Op, "suboptimal must not rebuild the swapchain")
	}
	assert.Equal(t, 2, dev.PresentCount())
}

func TestResizeRebuildsOnNextFrame(t *testing.T) {
	dev, r := newTestRenderer(t, surface, true, scene.Demo())
	defer assertClean(t, dev, r)
	require.NoError(t, r.RenderToSurface())

	// A burst of resizes rebuilds once.
	dev.ClearEvents()
	for _, w := range []uint32{40, 44, 48} {
		dev.SetSurfaceExtent(driver.Extent2D{Width: w, Height: 20})
		r.Resized(w, 20)
	}
	require.NoError(t, r.RenderToSurface())
	created := 0
	for _, e := range dev.Events() {
		if e.Op == soft.OpCreateSwap {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, driver.Extent2D{Width: 48, Height: 20}, r.frames.Extent())

	// Minimized.
	dev.SetSurfaceExtent(driver.Extent2D{})
	r.Resized(0, 0)
	err := r.RenderToSurface()
	assert.True(t, errors.Is(err, core.ErrSwapchainBooting))

	dev.SetSurfaceExtent(surface)
	r.Resized(surface.Width, surface.Height)
	require.NoError(t, r.RenderToSurface())
	assert.Equal(t, surface, r.frames.Extent())
	assert.Equal(t, 3, dev.PresentCount())
	assert.Len(t, dev.Ledger().Live(soft.KindSwapchain), 1)
}

func TestFramesHeadlessDevice(t *testing.T) {
	dev := soft.New(soft.Options{})
	_, err := New(dev, scene.Demo(), Options{
		Extent:  surface,
		Present: true,
		Shaders: softShaders(),
	})
	require.Error(t, err)
	assert.True(t, dev.Destroyed())
	assert.Empty(t, dev.Ledger().Live(""))
}
