package soft

import (
	"fmt"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// surface is the virtual window the device presents to.
type surface struct {
	extent     driver.Extent2D
	imageCount int

	acquireResults []driver.Result
	presentResults []driver.Result
	presented      int
}

type swapchain struct {
	handle   driver.Swapchain
	extent   driver.Extent2D
	images   []driver.Image
	acquired []bool
	next     uint32
	retired  bool
}

// SetSurfaceExtent resizes the virtual surface. Swapchains created for the
// previous extent report out of date on their next acquire.
func (d *Device) SetSurfaceExtent(extent driver.Extent2D) {
	d.surface.extent = extent
}

// InjectAcquireResult makes the next acquire return r. Out of date and timeout
// results do not signal the semaphore.
func (d *Device) InjectAcquireResult(r driver.Result) {
	d.surface.acquireResults = append(d.surface.acquireResults, r)
}

// InjectPresentResult makes the next present return r.
func (d *Device) InjectPresentResult(r driver.Result) {
	d.surface.presentResults = append(d.surface.presentResults, r)
}

// PresentCount is the number of images presented successfully.
func (d *Device) PresentCount() int {
	return d.surface.presented
}

func (d *Device) CreateSwapchain(desc driver.SwapchainDesc) (driver.SwapchainInfo, error) {
	const op = "create swapchain"
	if !d.info.CanPresent {
		return driver.SwapchainInfo{}, &driver.ResultError{Op: op, Result: driver.ErrorExtensionNotPresent}
	}
	if d.surface.extent.IsZero() {
		// Minimized window.
		return driver.SwapchainInfo{}, &driver.ResultError{Op: op, Result: driver.ErrorOutOfDate}
	}
	if desc.Old != 0 {
		old, ok := d.swapchains[desc.Old]
		if !ok {
			return driver.SwapchainInfo{}, d.invalid(op, "unknown old swapchain %d", desc.Old)
		}
		if old.retired {
			return driver.SwapchainInfo{}, d.invalid(op, "swapchain %d was already retired", desc.Old)
		}
		old.retired = true
	}

	sc := &swapchain{
		handle:   driver.Swapchain(d.handle(KindSwapchain)),
		extent:   d.surface.extent,
		acquired: make([]bool, d.surface.imageCount),
	}
	for i := 0; i < d.surface.imageCount; i++ {
		h := driver.Image(d.handle(KindImage))
		d.images[h] = &image{
			handle: h,
			desc: driver.ImageDesc{
				Extent: sc.extent,
				Format: driver.FormatB8G8R8A8Unorm,
				Tiling: driver.ImageTilingOptimal,
				Usage:  driver.ImageUsageStorage | driver.ImageUsageTransferDst | driver.ImageUsageColorAttachment,
				Label:  fmt.Sprintf("swapchain %d image %d", sc.handle, i),
			},
			data:      make([]byte, uint64(sc.extent.Width)*uint64(sc.extent.Height)*4),
			layout:    driver.ImageLayoutUndefined,
			swapchain: sc.handle,
		}
		sc.images = append(sc.images, h)
	}
	d.swapchains[sc.handle] = sc
	d.events.add(Event{Op: OpCreateSwap, Handle: uint64(sc.handle)})
	return driver.SwapchainInfo{
		Handle: sc.handle,
		Format: driver.FormatB8G8R8A8Unorm,
		Extent: sc.extent,
		Images: append([]driver.Image(nil), sc.images...),
	}, nil
}

func (d *Device) DestroySwapchain(h driver.Swapchain) {
	if !d.release(uint64(h), KindSwapchain) {
		return
	}
	sc, ok := d.swapchains[h]
	if !ok {
		return
	}
	for _, img := range sc.images {
		for _, s := range d.queue {
			if _, ok := s.refs[uint64(img)]; ok {
				d.invalid("destroy swapchain", "swapchain %d destroyed while image %d is in use by a pending submission", h, img)
				break
			}
		}
		d.ledger.destroy(uint64(img))
		delete(d.images, img)
	}
	delete(d.swapchains, h)
	d.events.add(Event{Op: OpDestroySwap, Handle: uint64(h)})
}

func (d *Device) AcquireNextImage(h driver.Swapchain, timeout uint64, signal driver.Semaphore) (uint32, driver.Result) {
	sc, ok := d.swapchains[h]
	if !ok {
		d.invalid("acquire next image", "unknown swapchain %d", h)
		return 0, driver.ErrorUnknown
	}
	r := driver.Success
	if len(d.surface.acquireResults) > 0 {
		r = d.surface.acquireResults[0]
		d.surface.acquireResults = d.surface.acquireResults[1:]
	}
	if sc.retired || sc.extent != d.surface.extent {
		r = driver.ErrorOutOfDate
	}
	if r != driver.Success && r != driver.Suboptimal {
		d.events.add(Event{Op: OpAcquire, Handle: uint64(h), Result: r.String()})
		return 0, r
	}

	idx := sc.next
	if sc.acquired[idx] {
		d.invalid("acquire next image", "image %d of swapchain %d acquired again before being presented", idx, h)
	}
	if err := d.signal("acquire next image", signal); err != nil {
		d.events.add(Event{Op: OpAcquire, Handle: uint64(h), Result: driver.ErrorValidationFailed.String()})
		return 0, driver.ErrorValidationFailed
	}
	sc.acquired[idx] = true
	sc.next = (sc.next + 1) % uint32(len(sc.images))
	d.events.add(Event{Op: OpAcquire, Handle: uint64(h), Result: r.String(), Label: fmt.Sprintf("image %d", idx)})
	return idx, r
}

func (d *Device) QueuePresent(h driver.Swapchain, imageIndex uint32, wait driver.Semaphore) driver.Result {
	const op = "queue present"
	sc, ok := d.swapchains[h]
	if !ok {
		d.invalid(op, "unknown swapchain %d", h)
		return driver.ErrorUnknown
	}
	if int(imageIndex) >= len(sc.images) || !sc.acquired[imageIndex] {
		d.invalid(op, "image %d of swapchain %d presented without being acquired", imageIndex, h)
		return driver.ErrorValidationFailed
	}
	if err := d.wait(op, wait); err != nil {
		return driver.ErrorValidationFailed
	}
	sc.acquired[imageIndex] = false

	r := driver.Success
	if len(d.surface.presentResults) > 0 {
		r = d.surface.presentResults[0]
		d.surface.presentResults = d.surface.presentResults[1:]
	}
	if r == driver.Success && sc.extent != d.surface.extent {
		r = driver.Suboptimal
	}
	if r == driver.Success || r == driver.Suboptimal {
		d.surface.presented++
	}
	d.events.add(Event{Op: OpPresent, Handle: uint64(h), Result: r.String(), Label: fmt.Sprintf("image %d", imageIndex)})
	return r
}
