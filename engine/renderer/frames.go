package renderer

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/prism/engine/containers"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/scene"
)

// frameSlot is the synchronization state of one frame in flight.
type frameSlot struct {
	imageAcquired  *gpu.Semaphore
	renderComplete *gpu.Fence
}

// swapImage holds what is needed to render into one swapchain image.
type swapImage struct {
	image          *gpu.Image
	readyToPresent *gpu.Semaphore
	commands       *gpu.CommandBuffer
	bindings       *Bindings
	uniforms       *gpu.Buffer
	// Fence of the frame that last rendered into the image. Not owned.
	inFlight *gpu.Fence
}

// Frames drives the acquire, record, submit and present loop against a
// swapchain with core.MaxFramesInFlight frames in flight.
type Frames struct {
	ctx    *gpu.Context
	q      *gpu.Queue
	pool   *gpu.CommandPool
	tracer *tracer
	mode   driver.PresentMode

	slots     *containers.Ring[*frameSlot]
	swapchain *gpu.Swapchain
	images    []*swapImage

	// Framebuffer size generation: bumped on every resize, the swapchain is
	// rebuilt when the last generation lags behind.
	extent             driver.Extent2D
	sizeGeneration     uint64
	sizeLastGeneration uint64
	stale              bool

	frameCount uint64
	clock      *core.Clock
	metrics    *core.Metrics
}

func newFrames(ctx *gpu.Context, q *gpu.Queue, pool *gpu.CommandPool, t *tracer, extent driver.Extent2D, mode driver.PresentMode) (*Frames, error) {
	f := &Frames{
		ctx:     ctx.Retain(),
		q:       q,
		pool:    pool,
		tracer:  t,
		mode:    mode,
		extent:  extent,
		stale:   true,
		clock:   core.NewClock(),
		metrics: core.NewMetrics(),
	}
	slots := make([]*frameSlot, core.MaxFramesInFlight)
	for i := range slots {
		acquired, err := gpu.NewSemaphore(ctx, fmt.Sprintf("image acquired %d", i))
		if err != nil {
			f.destroySlots(slots)
			f.ctx.Release()
			return nil, err
		}
		// Created signaled so the first wait on each slot returns at once.
		fence, err := gpu.NewFence(ctx, fmt.Sprintf("render complete %d", i), true)
		if err != nil {
			acquired.Destroy()
			f.destroySlots(slots)
			f.ctx.Release()
			return nil, err
		}
		slots[i] = &frameSlot{imageAcquired: acquired, renderComplete: fence}
	}
	f.slots = containers.NewRing(slots...)

	if !extent.IsZero() {
		if err := f.recreate(); err != nil {
			f.Destroy()
			return nil, err
		}
	}
	return f, nil
}

func (f *Frames) destroySlots(slots []*frameSlot) {
	for _, s := range slots {
		if s == nil {
			continue
		}
		s.imageAcquired.Destroy()
		s.renderComplete.Destroy()
	}
}

// Resized records a new surface extent. The swapchain is rebuilt on the next
// render call, so a burst of resizes rebuilds once.
func (f *Frames) Resized(width, height uint32) {
	f.extent = driver.Extent2D{Width: width, Height: height}
	f.sizeGeneration++
	core.LogInfo("frames resized: w/h/gen: %d/%d/%d", width, height, f.sizeGeneration)
}

// RenderToSurface renders and presents one frame seen through cam.
func (f *Frames) RenderToSurface(cam *scene.Camera) error {
	if f.extent.IsZero() {
		return errors.Wrap(core.ErrSwapchainBooting, "surface has a zero extent")
	}
	if f.stale || f.sizeGeneration != f.sizeLastGeneration {
		if err := f.recreate(); err != nil {
			return err
		}
	}
	f.clock.Start()
	slot := f.slots.Current()

	// Wait for the frame that last used this slot. Images it rendered into
	// are free from then on.
	if slot.renderComplete.Pending() {
		if err := slot.renderComplete.Wait(gpu.Infinite); err != nil {
			return err
		}
	}
	for _, img := range f.images {
		if img.inFlight == slot.renderComplete {
			img.inFlight = nil
		}
	}

	index, err := f.acquire(slot)
	if err != nil {
		return err
	}
	// Reset only once an image is ours, an early return keeps the fence
	// signaled for the next attempt.
	if err := slot.renderComplete.Reset(); err != nil {
		return err
	}

	img := f.images[index]
	if prev := img.inFlight; prev != nil && prev.Pending() {
		if err := prev.Wait(gpu.Infinite); err != nil {
			return err
		}
	}
	img.inFlight = slot.renderComplete

	if err := NewCameraUniforms(cam, f.swapchain.Extent(), f.frameCount).Write(img.uniforms); err != nil {
		return err
	}
	if err := f.record(img); err != nil {
		return err
	}

	err = f.q.SubmitAsync(gpu.Submission{
		CommandBuffer: img.commands,
		Wait:          []*gpu.Semaphore{slot.imageAcquired},
		WaitStages:    []driver.PipelineStage{driver.PipelineStageRayTracingShader},
		Signal:        []*gpu.Semaphore{img.readyToPresent},
		Fence:         slot.renderComplete,
	})
	if err != nil {
		return err
	}

	r, err := f.q.Present(f.swapchain, index, img.readyToPresent)
	if err != nil {
		return err
	}

	f.frameCount++
	f.slots.Advance()
	f.clock.Update()
	f.metrics.Update(f.clock.Elapsed())

	switch r {
	case driver.Suboptimal:
		core.LogWarn("swapchain suboptimal on present")
	case driver.ErrorOutOfDate:
		core.LogInfo("swapchain out of date on present, recreating")
		return f.recreate()
	}
	return nil
}

// acquire gets the next image. An out of date swapchain is rebuilt and the
// acquisition retried once.
func (f *Frames) acquire(slot *frameSlot) (uint32, error) {
	for attempt := 0; ; attempt++ {
		index, r, err := f.q.AcquireNextImage(f.swapchain, slot.imageAcquired)
		if err != nil {
			return 0, err
		}
		switch r {
		case driver.Success:
			return index, nil
		case driver.Suboptimal:
			core.LogWarn("swapchain suboptimal on acquire")
			return index, nil
		}
		if attempt > 0 {
			return 0, core.NewRenderError(core.KindSwapchain, "acquire next image", r.String(),
				errors.Wrap(core.ErrOutOfDate, "still out of date after recreating the swapchain"))
		}
		core.LogInfo("swapchain out of date on acquire, recreating")
		if err := f.recreate(); err != nil {
			return 0, err
		}
	}
}

func (f *Frames) record(img *swapImage) error {
	cb := img.commands
	if err := cb.Begin(false); err != nil {
		return err
	}
	// The previous contents are not needed.
	img.image.Barrier(cb, driver.ImageLayoutUndefined, driver.ImageLayoutGeneral)
	f.tracer.record(cb, img.bindings, f.swapchain.Extent())
	img.image.SetLayout(cb, driver.ImageBarrier{
		OldLayout: driver.ImageLayoutGeneral,
		NewLayout: driver.ImageLayoutPresentSrc,
		SrcStage:  driver.PipelineStageAllCommands,
		DstStage:  driver.PipelineStageBottomOfPipe,
		SrcAccess: driver.AccessShaderWrite,
		DstAccess: driver.AccessNone,
	})
	return cb.End()
}

// recreate waits for the queue, destroys everything that depends on the
// swapchain and builds it again for the current extent.
func (f *Frames) recreate() error {
	if f.extent.IsZero() {
		return errors.Wrap(core.ErrSwapchainBooting, "surface has a zero extent")
	}
	if err := f.q.WaitIdle(); err != nil {
		return err
	}
	f.stale = true
	f.destroyImages()

	sc, err := gpu.NewSwapchain(f.ctx, f.extent, f.mode, f.swapchain)
	if err != nil {
		if resultCode(err) == driver.ErrorOutOfDate.String() {
			// Minimized while recreating.
			return errors.Wrap(core.ErrSwapchainBooting, err.Error())
		}
		return err
	}
	f.swapchain = sc

	for i := 0; i < sc.ImageCount(); i++ {
		img, err := f.newSwapImage(i)
		if err != nil {
			return err
		}
		f.images = append(f.images, img)
	}
	f.sizeLastGeneration = f.sizeGeneration
	f.stale = false
	core.LogInfo("swapchain recreated: %dx%d, %d images", sc.Extent().Width, sc.Extent().Height, sc.ImageCount())
	return nil
}

func (f *Frames) newSwapImage(i int) (*swapImage, error) {
	img := &swapImage{image: f.swapchain.Image(uint32(i))}
	var err error
	if img.readyToPresent, err = gpu.NewSemaphore(f.ctx, fmt.Sprintf("ready to present %d", i)); err != nil {
		return nil, err
	}
	if img.commands, err = f.pool.Allocate(); err != nil {
		img.destroy()
		return nil, err
	}
	if img.uniforms, err = newUniformBuffer(f.ctx, fmt.Sprintf("camera %d", i)); err != nil {
		img.destroy()
		return nil, err
	}
	if img.bindings, err = f.tracer.bind(f.ctx, fmt.Sprintf("swapchain image %d", i), img.image, img.uniforms); err != nil {
		img.destroy()
		return nil, err
	}
	return img, nil
}

func (img *swapImage) destroy() {
	if img.bindings != nil {
		img.bindings.Destroy()
	}
	if img.uniforms != nil {
		img.uniforms.Destroy()
	}
	if img.commands != nil {
		img.commands.Free()
	}
	if img.readyToPresent != nil {
		img.readyToPresent.Destroy()
	}
	img.inFlight = nil
}

func (f *Frames) destroyImages() {
	for _, img := range f.images {
		img.destroy()
	}
	f.images = nil
}

// rebind writes the current scene resources into every image's bindings.
func (f *Frames) rebind() error {
	for _, img := range f.images {
		if err := f.tracer.rebind(img.bindings); err != nil {
			return err
		}
	}
	return nil
}

func (f *Frames) FrameCount() uint64 {
	return f.frameCount
}

func (f *Frames) Metrics() *core.Metrics {
	return f.metrics
}

func (f *Frames) Extent() driver.Extent2D {
	if f.swapchain == nil {
		return driver.Extent2D{}
	}
	return f.swapchain.Extent()
}

// Destroy waits for the queue and destroys every frame resource once.
func (f *Frames) Destroy() {
	if f.slots == nil {
		return
	}
	if err := f.q.WaitIdle(); err != nil {
		core.LogWarn("destroying frames: %s", err)
	}
	f.destroyImages()
	if f.swapchain != nil {
		f.swapchain.Destroy()
		f.swapchain = nil
	}
	f.slots.Each(func(_ int, s *frameSlot) {
		s.imageAcquired.Destroy()
		s.renderComplete.Destroy()
	})
	f.slots = nil
	f.ctx.Release()
}
