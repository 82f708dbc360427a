package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

type buffer struct {
	handle vk.Buffer
	memory vk.DeviceMemory
	size   uint64
	label  string
	mapped []byte
}

type image struct {
	handle vk.Image
	view   vk.ImageView
	memory vk.DeviceMemory
	desc   driver.ImageDesc
	// Swapchain images are owned by the swapchain, only the view is ours.
	owned  bool
	mapped []byte
}

func (d *Device) allocate(requirements vk.MemoryRequirements, memoryTypeIndex uint32, deviceAddress bool) (vk.DeviceMemory, error) {
	requirements.Deref()
	if memoryTypeIndex >= uint32(len(d.info.MemoryTypes)) {
		return vk.NullDeviceMemory, errors.Newf("memory type index %d out of range", memoryTypeIndex)
	}
	if requirements.MemoryTypeBits&(1<<memoryTypeIndex) == 0 {
		return vk.NullDeviceMemory, &driver.ResultError{Op: "allocate memory", Result: driver.ErrorFeatureNotPresent}
	}
	info := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: memoryTypeIndex,
	}
	if deviceAddress {
		flags := newDeviceAddressAllocation()
		defer flags.free()
		info.PNext = flags.ptr
	}
	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(d.device, &info, nil, &memory); res != vk.Success {
		return vk.NullDeviceMemory, check("allocate memory", res)
	}
	return memory, nil
}

func (d *Device) CreateBuffer(desc driver.BufferDesc) (driver.Buffer, error) {
	if desc.Size == 0 {
		return 0, errors.Newf("create buffer %q: size is zero", desc.Label)
	}
	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       toBufferUsage(desc.Usage),
		SharingMode: vk.SharingModeExclusive,
	}
	var handle vk.Buffer
	if res := vk.CreateBuffer(d.device, &info, nil, &handle); res != vk.Success {
		return 0, check("create buffer", res)
	}

	var requirements vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.device, handle, &requirements)
	memory, err := d.allocate(requirements, desc.MemoryTypeIndex, desc.Usage&driver.BufferUsageShaderDeviceAddress != 0)
	if err != nil {
		vk.DestroyBuffer(d.device, handle, nil)
		return 0, errors.Wrapf(err, "buffer %q", desc.Label)
	}
	if res := vk.BindBufferMemory(d.device, handle, memory, 0); res != vk.Success {
		vk.FreeMemory(d.device, memory, nil)
		vk.DestroyBuffer(d.device, handle, nil)
		return 0, check("bind buffer memory", res)
	}

	h := driver.Buffer(d.handle())
	d.buffers[h] = &buffer{handle: handle, memory: memory, size: desc.Size, label: desc.Label}
	return h, nil
}

func (d *Device) DestroyBuffer(h driver.Buffer) {
	b, ok := d.buffers[h]
	if !ok {
		return
	}
	if b.mapped != nil {
		vk.UnmapMemory(d.device, b.memory)
	}
	vk.DestroyBuffer(d.device, b.handle, nil)
	vk.FreeMemory(d.device, b.memory, nil)
	delete(d.buffers, h)
}

func (d *Device) MapBuffer(h driver.Buffer) ([]byte, error) {
	b, ok := d.buffers[h]
	if !ok {
		return nil, errors.Newf("map buffer: unknown buffer %d", h)
	}
	if b.mapped != nil {
		return b.mapped, nil
	}
	var data unsafe.Pointer
	if res := vk.MapMemory(d.device, b.memory, 0, vk.DeviceSize(b.size), 0, &data); res != vk.Success {
		return nil, check("map buffer", res)
	}
	b.mapped = unsafe.Slice((*byte)(data), b.size)
	return b.mapped, nil
}

func (d *Device) UnmapBuffer(h driver.Buffer) {
	b, ok := d.buffers[h]
	if !ok || b.mapped == nil {
		return
	}
	vk.UnmapMemory(d.device, b.memory)
	b.mapped = nil
}

func (d *Device) BufferDeviceAddress(h driver.Buffer) driver.DeviceAddress {
	b, ok := d.buffers[h]
	if !ok {
		return 0
	}
	return d.khr.bufferAddress(d.device, b.handle)
}

func (d *Device) CreateImage(desc driver.ImageDesc) (driver.Image, error) {
	if desc.Extent.IsZero() {
		return 0, errors.Newf("create image %q: zero extent", desc.Label)
	}
	format := toFormat(desc.Format)
	if format == vk.FormatUndefined {
		return 0, &driver.ResultError{Op: "create image", Result: driver.ErrorFormatNotSupported}
	}
	tiling := vk.ImageTilingOptimal
	if desc.Tiling == driver.ImageTilingLinear {
		tiling = vk.ImageTilingLinear
	}
	info := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    format,
		Extent: vk.Extent3D{
			Width:  desc.Extent.Width,
			Height: desc.Extent.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        tiling,
		Usage:         toImageUsage(desc.Usage),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	var handle vk.Image
	if res := vk.CreateImage(d.device, &info, nil, &handle); res != vk.Success {
		return 0, check("create image", res)
	}

	var requirements vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.device, handle, &requirements)
	memory, err := d.allocate(requirements, desc.MemoryTypeIndex, false)
	if err != nil {
		vk.DestroyImage(d.device, handle, nil)
		return 0, errors.Wrapf(err, "image %q", desc.Label)
	}
	if res := vk.BindImageMemory(d.device, handle, memory, 0); res != vk.Success {
		vk.FreeMemory(d.device, memory, nil)
		vk.DestroyImage(d.device, handle, nil)
		return 0, check("bind image memory", res)
	}

	img := &image{handle: handle, memory: memory, desc: desc, owned: true}
	if desc.Usage&driver.ImageUsageStorage != 0 {
		view, err := d.createView(handle, format)
		if err != nil {
			vk.FreeMemory(d.device, memory, nil)
			vk.DestroyImage(d.device, handle, nil)
			return 0, err
		}
		img.view = view
	}

	h := driver.Image(d.handle())
	d.images[h] = img
	return h, nil
}

func (d *Device) createView(handle vk.Image, format vk.Format) (vk.ImageView, error) {
	info := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    handle,
		ViewType: vk.ImageViewType2d,
		Format:   format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}
	var view vk.ImageView
	if res := vk.CreateImageView(d.device, &info, nil, &view); res != vk.Success {
		return vk.NullImageView, check("create image view", res)
	}
	return view, nil
}

func (d *Device) DestroyImage(h driver.Image) {
	img, ok := d.images[h]
	if !ok {
		return
	}
	if !img.owned {
		core.LogWarn("DestroyImage called on swapchain image %d, ignoring", h)
		return
	}
	d.releaseImage(img)
	delete(d.images, h)
}

func (d *Device) releaseImage(img *image) {
	if img.view != vk.NullImageView {
		vk.DestroyImageView(d.device, img.view, nil)
	}
	if !img.owned {
		return
	}
	if img.mapped != nil {
		vk.UnmapMemory(d.device, img.memory)
	}
	vk.DestroyImage(d.device, img.handle, nil)
	vk.FreeMemory(d.device, img.memory, nil)
}

// MapImage maps a linear image whose rows are tightly packed.
func (d *Device) MapImage(h driver.Image) ([]byte, error) {
	img, ok := d.images[h]
	if !ok || !img.owned {
		return nil, errors.Newf("map image: unknown image %d", h)
	}
	if img.desc.Tiling != driver.ImageTilingLinear {
		return nil, &driver.ResultError{Op: "map image", Result: driver.ErrorMemoryMapFailed}
	}
	if img.mapped != nil {
		return img.mapped, nil
	}

	subresource := vk.ImageSubresource{AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit)}
	var layout vk.SubresourceLayout
	vk.GetImageSubresourceLayout(d.device, img.handle, &subresource, &layout)
	layout.Deref()
	rowBytes := uint64(img.desc.Extent.Width) * uint64(img.desc.Format.BytesPerPixel())
	if uint64(layout.RowPitch) != rowBytes {
		return nil, errors.Newf("map image: row pitch %d is not tightly packed (%d)", layout.RowPitch, rowBytes)
	}

	size := rowBytes * uint64(img.desc.Extent.Height)
	var data unsafe.Pointer
	if res := vk.MapMemory(d.device, img.memory, layout.Offset, vk.DeviceSize(size), 0, &data); res != vk.Success {
		return nil, check("map image", res)
	}
	img.mapped = unsafe.Slice((*byte)(data), size)
	return img.mapped, nil
}

func (d *Device) UnmapImage(h driver.Image) {
	img, ok := d.images[h]
	if !ok || img.mapped == nil {
		return
	}
	vk.UnmapMemory(d.device, img.memory)
	img.mapped = nil
}
