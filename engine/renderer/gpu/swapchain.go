package gpu

import (
	"fmt"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// Swapchain is the set of presentable images of the surface.
type Swapchain struct {
	ctx    *Context
	handle driver.Swapchain
	format driver.Format
	extent driver.Extent2D
	images []*Image
}

// NewSwapchain creates a swapchain for extent. When old is given it is retired
// and destroyed once the new one exists.
func NewSwapchain(ctx *Context, extent driver.Extent2D, mode driver.PresentMode, old *Swapchain) (*Swapchain, error) {
	desc := driver.SwapchainDesc{
		Extent:      extent,
		PresentMode: mode,
	}
	if old != nil {
		desc.Old = old.handle
	}
	info, err := ctx.device.CreateSwapchain(desc)
	if err != nil {
		core.LogError("failed to create swapchain %dx%d: %s", extent.Width, extent.Height, err)
		return nil, core.NewRenderError(core.KindSwapchain, "create swapchain", resultCode(err), err)
	}
	if old != nil {
		old.Destroy()
	}

	sc := &Swapchain{
		ctx:    ctx.Retain(),
		handle: info.Handle,
		format: info.Format,
		extent: info.Extent,
		images: make([]*Image, len(info.Images)),
	}
	for i, handle := range info.Images {
		sc.images[i] = wrapImage(ctx, handle, ImageDesc{
			Extent: info.Extent,
			Format: info.Format,
			Usage:  driver.ImageUsageStorage | driver.ImageUsageTransferDst | driver.ImageUsageColorAttachment,
			Name:   fmt.Sprintf("swapchain image %d", i),
		})
	}
	core.LogDebug("swapchain created: %dx%d, %d images", info.Extent.Width, info.Extent.Height, len(info.Images))
	return sc, nil
}

func (sc *Swapchain) Handle() driver.Swapchain {
	return sc.handle
}

func (sc *Swapchain) Extent() driver.Extent2D {
	return sc.extent
}

func (sc *Swapchain) Format() driver.Format {
	return sc.format
}

func (sc *Swapchain) ImageCount() int {
	return len(sc.images)
}

func (sc *Swapchain) Image(index uint32) *Image {
	return sc.images[index]
}

func (sc *Swapchain) Destroy() {
	if sc.handle == 0 {
		return
	}
	for _, img := range sc.images {
		img.Destroy()
	}
	sc.images = nil
	sc.ctx.device.DestroySwapchain(sc.handle)
	sc.handle = 0
	sc.ctx.Release()
}
