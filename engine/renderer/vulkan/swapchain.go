package vulkan

import (
	"math"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

type swapchain struct {
	handle vk.Swapchain
	format vk.SurfaceFormat
	extent vk.Extent2D
	images []driver.Image
}

type swapchainSupport struct {
	capabilities vk.SurfaceCapabilities
	formats      []vk.SurfaceFormat
	presentModes []vk.PresentMode
}

func (d *Device) querySwapchainSupport() (*swapchainSupport, error) {
	support := &swapchainSupport{}
	if res := vk.GetPhysicalDeviceSurfaceCapabilities(d.physical, d.surface, &support.capabilities); res != vk.Success {
		return nil, check("query surface capabilities", res)
	}
	support.capabilities.Deref()
	support.capabilities.CurrentExtent.Deref()
	support.capabilities.MinImageExtent.Deref()
	support.capabilities.MaxImageExtent.Deref()

	var formatCount uint32
	if res := vk.GetPhysicalDeviceSurfaceFormats(d.physical, d.surface, &formatCount, nil); res != vk.Success {
		return nil, check("query surface formats", res)
	}
	if formatCount > 0 {
		support.formats = make([]vk.SurfaceFormat, formatCount)
		if res := vk.GetPhysicalDeviceSurfaceFormats(d.physical, d.surface, &formatCount, support.formats); res != vk.Success {
			return nil, check("query surface formats", res)
		}
		for i := range support.formats {
			support.formats[i].Deref()
		}
	}

	var modeCount uint32
	if res := vk.GetPhysicalDeviceSurfacePresentModes(d.physical, d.surface, &modeCount, nil); res != vk.Success {
		return nil, check("query present modes", res)
	}
	if modeCount > 0 {
		support.presentModes = make([]vk.PresentMode, modeCount)
		if res := vk.GetPhysicalDeviceSurfacePresentModes(d.physical, d.surface, &modeCount, support.presentModes); res != vk.Success {
			return nil, check("query present modes", res)
		}
	}
	return support, nil
}

func (d *Device) supportsStorage(format vk.Format) bool {
	var properties vk.FormatProperties
	vk.GetPhysicalDeviceFormatProperties(d.physical, format, &properties)
	properties.Deref()
	return properties.OptimalTilingFeatures&vk.FormatFeatureFlags(vk.FormatFeatureStorageImageBit) != 0
}

// chooseFormat prefers B8G8R8A8 unorm. The ray generation shader writes the
// swapchain image directly, so only storage capable formats qualify.
func (d *Device) chooseFormat(formats []vk.SurfaceFormat) (vk.SurfaceFormat, bool) {
	for _, f := range formats {
		if f.Format == vk.FormatB8g8r8a8Unorm && f.ColorSpace == vk.ColorSpaceSrgbNonlinear && d.supportsStorage(f.Format) {
			return f, true
		}
	}
	for _, f := range formats {
		if fromFormat(f.Format) != driver.FormatUndefined && d.supportsStorage(f.Format) {
			return f, true
		}
	}
	return vk.SurfaceFormat{}, false
}

func choosePresentMode(requested driver.PresentMode, available []vk.PresentMode) vk.PresentMode {
	want := toPresentMode(requested)
	for _, mode := range available {
		if mode == want {
			return want
		}
	}
	if want != vk.PresentModeFifo {
		core.LogWarn("present mode %d is not supported, falling back to FIFO", requested)
	}
	return vk.PresentModeFifo
}

func (d *Device) CreateSwapchain(desc driver.SwapchainDesc) (driver.SwapchainInfo, error) {
	if d.surface == vk.NullSurface {
		return driver.SwapchainInfo{}, &driver.ResultError{Op: "create swapchain", Result: driver.ErrorExtensionNotPresent}
	}
	support, err := d.querySwapchainSupport()
	if err != nil {
		return driver.SwapchainInfo{}, err
	}
	capabilities := support.capabilities

	extent := vk.Extent2D{Width: desc.Extent.Width, Height: desc.Extent.Height}
	if capabilities.CurrentExtent.Width != math.MaxUint32 {
		extent = capabilities.CurrentExtent
	}
	extent.Width = clamp(extent.Width, capabilities.MinImageExtent.Width, capabilities.MaxImageExtent.Width)
	extent.Height = clamp(extent.Height, capabilities.MinImageExtent.Height, capabilities.MaxImageExtent.Height)
	if extent.Width == 0 || extent.Height == 0 {
		// Minimized window.
		return driver.SwapchainInfo{}, &driver.ResultError{Op: "create swapchain", Result: driver.ErrorOutOfDate}
	}

	format, ok := d.chooseFormat(support.formats)
	if !ok {
		return driver.SwapchainInfo{}, &driver.ResultError{Op: "create swapchain", Result: driver.ErrorFormatNotSupported}
	}
	presentMode := choosePresentMode(desc.PresentMode, support.presentModes)

	imageCount := capabilities.MinImageCount + 1
	if capabilities.MaxImageCount > 0 && imageCount > capabilities.MaxImageCount {
		imageCount = capabilities.MaxImageCount
	}

	old := vk.NullSwapchain
	if prev, ok := d.swapchains[desc.Old]; ok {
		old = prev.handle
	}

	createInfo := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          d.surface,
		MinImageCount:    imageCount,
		ImageFormat:      format.Format,
		ImageColorSpace:  format.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage: vk.ImageUsageFlags(vk.ImageUsageStorageBit |
			vk.ImageUsageTransferSrcBit |
			vk.ImageUsageColorAttachmentBit),
		ImageSharingMode: vk.SharingModeExclusive,
		PreTransform:     capabilities.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      presentMode,
		Clipped:          vk.True,
		OldSwapchain:     old,
	}

	var handle vk.Swapchain
	if res := vk.CreateSwapchain(d.device, &createInfo, nil, &handle); res != vk.Success {
		return driver.SwapchainInfo{}, check("create swapchain", res)
	}
	sc := &swapchain{handle: handle, format: format, extent: extent}

	var count uint32
	if res := vk.GetSwapchainImages(d.device, handle, &count, nil); res != vk.Success {
		vk.DestroySwapchain(d.device, handle, nil)
		return driver.SwapchainInfo{}, check("get swapchain images", res)
	}
	vkImages := make([]vk.Image, count)
	if res := vk.GetSwapchainImages(d.device, handle, &count, vkImages); res != vk.Success {
		vk.DestroySwapchain(d.device, handle, nil)
		return driver.SwapchainInfo{}, check("get swapchain images", res)
	}

	imageDesc := driver.ImageDesc{
		Extent: driver.Extent2D{Width: extent.Width, Height: extent.Height},
		Format: fromFormat(format.Format),
		Tiling: driver.ImageTilingOptimal,
		Usage:  driver.ImageUsageStorage | driver.ImageUsageTransferSrc | driver.ImageUsageColorAttachment,
		Label:  "swapchain",
	}
	for _, vkImage := range vkImages {
		view, err := d.createView(vkImage, format.Format)
		if err != nil {
			d.releaseSwapchain(sc)
			return driver.SwapchainInfo{}, errors.Wrap(err, "swapchain image view")
		}
		h := driver.Image(d.handle())
		d.images[h] = &image{handle: vkImage, view: view, desc: imageDesc, owned: false}
		sc.images = append(sc.images, h)
	}

	h := driver.Swapchain(d.handle())
	d.swapchains[h] = sc
	core.LogInfo("Swapchain created: %dx%d, %d images.", extent.Width, extent.Height, len(sc.images))

	return driver.SwapchainInfo{
		Handle: h,
		Format: imageDesc.Format,
		Extent: imageDesc.Extent,
		Images: append([]driver.Image(nil), sc.images...),
	}, nil
}

func (d *Device) releaseSwapchain(sc *swapchain) {
	// The images belong to the swapchain, only the views are destroyed here.
	for _, h := range sc.images {
		if img, ok := d.images[h]; ok {
			d.releaseImage(img)
			delete(d.images, h)
		}
	}
	vk.DestroySwapchain(d.device, sc.handle, nil)
}

func (d *Device) DestroySwapchain(h driver.Swapchain) {
	sc, ok := d.swapchains[h]
	if !ok {
		return
	}
	d.releaseSwapchain(sc)
	delete(d.swapchains, h)
}

func (d *Device) AcquireNextImage(h driver.Swapchain, timeout uint64, signal driver.Semaphore) (uint32, driver.Result) {
	sc, ok := d.swapchains[h]
	if !ok {
		return 0, driver.ErrorOutOfDate
	}
	var index uint32
	res := vk.AcquireNextImage(d.device, sc.handle, timeout, d.semaphores[signal], vk.NullFence, &index)
	return index, toResult(res)
}

func (d *Device) QueuePresent(h driver.Swapchain, imageIndex uint32, wait driver.Semaphore) driver.Result {
	sc, ok := d.swapchains[h]
	if !ok {
		return driver.ErrorOutOfDate
	}
	presentInfo := vk.PresentInfo{
		SType:          vk.StructureTypePresentInfo,
		SwapchainCount: 1,
		PSwapchains:    []vk.Swapchain{sc.handle},
		PImageIndices:  []uint32{imageIndex},
	}
	if wait != 0 {
		presentInfo.WaitSemaphoreCount = 1
		presentInfo.PWaitSemaphores = []vk.Semaphore{d.semaphores[wait]}
	}
	var res vk.Result
	d.locks.safeCall(queueManagement, func() error {
		res = vk.QueuePresent(d.queue, &presentInfo)
		return nil
	})
	return toResult(res)
}
