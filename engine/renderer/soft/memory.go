package soft

import (
	"sort"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

type buffer struct {
	handle  driver.Buffer
	desc    driver.BufferDesc
	data    []byte
	address driver.DeviceAddress
	mapped  bool
}

type image struct {
	handle driver.Image
	desc   driver.ImageDesc
	data   []byte
	layout driver.ImageLayout
	mapped bool
	// Set for images owned by a swapchain.
	swapchain driver.Swapchain
}

func (img *image) pixel(x, y uint32) []byte {
	bpp := img.desc.Format.BytesPerPixel()
	off := (y*img.desc.Extent.Width + x) * bpp
	return img.data[off : off+bpp]
}

func (d *Device) memoryType(index uint32) (driver.MemoryType, bool) {
	if int(index) >= len(d.info.MemoryTypes) {
		return driver.MemoryType{}, false
	}
	return d.info.MemoryTypes[index], true
}

func (d *Device) CreateBuffer(desc driver.BufferDesc) (driver.Buffer, error) {
	if desc.Size == 0 {
		return 0, d.invalid("create buffer", "buffer %s has zero size", desc.Label)
	}
	if _, ok := d.memoryType(desc.MemoryTypeIndex); !ok {
		return 0, d.invalid("create buffer", "buffer %s uses unknown memory type %d", desc.Label, desc.MemoryTypeIndex)
	}
	h := driver.Buffer(d.handle(KindBuffer))
	b := &buffer{
		handle: h,
		desc:   desc,
		data:   make([]byte, desc.Size),
	}
	if desc.Usage&driver.BufferUsageShaderDeviceAddress != 0 {
		b.address = driver.DeviceAddress(alignUp(d.nextAddress, addressAlignment))
		d.nextAddress = uint64(b.address) + desc.Size
	}
	d.buffers[h] = b
	d.events.add(Event{Op: OpCreateBuffer, Handle: uint64(h), Label: desc.Label})
	return h, nil
}

func (d *Device) DestroyBuffer(h driver.Buffer) {
	if !d.release(uint64(h), KindBuffer) {
		return
	}
	b, ok := d.buffers[h]
	if !ok {
		d.invalid("destroy buffer", "unknown buffer %d", h)
		return
	}
	if b.mapped {
		d.invalid("destroy buffer", "buffer %s destroyed while mapped", b.desc.Label)
	}
	for _, s := range d.queue {
		if s.references(h) {
			d.invalid("destroy buffer", "buffer %s destroyed while in use by a pending submission", b.desc.Label)
			break
		}
	}
	delete(d.buffers, h)
	d.events.add(Event{Op: OpDestroyBuffer, Handle: uint64(h)})
}

func (d *Device) MapBuffer(h driver.Buffer) ([]byte, error) {
	b, ok := d.buffers[h]
	if !ok {
		return nil, d.invalid("map buffer", "unknown buffer %d", h)
	}
	mt, _ := d.memoryType(b.desc.MemoryTypeIndex)
	if mt.PropertyFlags&driver.MemoryPropertyHostVisible == 0 {
		return nil, &driver.ResultError{Op: "map buffer", Result: driver.ErrorMemoryMapFailed}
	}
	if b.mapped {
		return nil, d.invalid("map buffer", "buffer %s mapped twice", b.desc.Label)
	}
	for _, s := range d.queue {
		if s.references(h) {
			return nil, d.invalid("map buffer", "buffer %s mapped while in use by a pending submission", b.desc.Label)
		}
	}
	b.mapped = true
	return b.data, nil
}

func (d *Device) UnmapBuffer(h driver.Buffer) {
	b, ok := d.buffers[h]
	if !ok {
		d.invalid("unmap buffer", "unknown buffer %d", h)
		return
	}
	if !b.mapped {
		d.invalid("unmap buffer", "buffer %s is not mapped", b.desc.Label)
	}
	b.mapped = false
}

func (d *Device) BufferDeviceAddress(h driver.Buffer) driver.DeviceAddress {
	b, ok := d.buffers[h]
	if !ok {
		d.invalid("buffer device address", "unknown buffer %d", h)
		return 0
	}
	if b.address == 0 {
		d.invalid("buffer device address", "buffer %s lacks device address usage", b.desc.Label)
	}
	return b.address
}

// resolve returns the bytes at addr, up to the end of the buffer holding it.
func (d *Device) resolve(addr driver.DeviceAddress) ([]byte, *buffer, bool) {
	if addr == 0 {
		return nil, nil, false
	}
	for _, b := range d.sortedBuffers() {
		if b.address == 0 {
			continue
		}
		if addr >= b.address && uint64(addr) < uint64(b.address)+b.desc.Size {
			return b.data[addr-b.address:], b, true
		}
	}
	return nil, nil, false
}

func (d *Device) sortedBuffers() []*buffer {
	out := make([]*buffer, 0, len(d.buffers))
	for _, b := range d.buffers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].address < out[j].address })
	return out
}

func (d *Device) CreateImage(desc driver.ImageDesc) (driver.Image, error) {
	if desc.Extent.IsZero() {
		return 0, d.invalid("create image", "image %s has zero extent", desc.Label)
	}
	bpp := desc.Format.BytesPerPixel()
	if bpp == 0 {
		return 0, &driver.ResultError{Op: "create image", Result: driver.ErrorFormatNotSupported}
	}
	if _, ok := d.memoryType(desc.MemoryTypeIndex); !ok {
		return 0, d.invalid("create image", "image %s uses unknown memory type %d", desc.Label, desc.MemoryTypeIndex)
	}
	h := driver.Image(d.handle(KindImage))
	d.images[h] = &image{
		handle: h,
		desc:   desc,
		data:   make([]byte, uint64(desc.Extent.Width)*uint64(desc.Extent.Height)*uint64(bpp)),
		layout: driver.ImageLayoutUndefined,
	}
	return h, nil
}

func (d *Device) DestroyImage(h driver.Image) {
	img := d.images[h]
	if img != nil && img.swapchain != 0 {
		d.invalid("destroy image", "image %d is owned by swapchain %d", h, img.swapchain)
		return
	}
	if !d.release(uint64(h), KindImage) {
		return
	}
	if img != nil && img.mapped {
		d.invalid("destroy image", "image %s destroyed while mapped", img.desc.Label)
	}
	delete(d.images, h)
}

func (d *Device) MapImage(h driver.Image) ([]byte, error) {
	img, ok := d.images[h]
	if !ok {
		return nil, d.invalid("map image", "unknown image %d", h)
	}
	mt, _ := d.memoryType(img.desc.MemoryTypeIndex)
	if img.desc.Tiling != driver.ImageTilingLinear || mt.PropertyFlags&driver.MemoryPropertyHostVisible == 0 {
		return nil, &driver.ResultError{Op: "map image", Result: driver.ErrorMemoryMapFailed}
	}
	if img.mapped {
		return nil, d.invalid("map image", "image %s mapped twice", img.desc.Label)
	}
	img.mapped = true
	return img.data, nil
}

func (d *Device) UnmapImage(h driver.Image) {
	img, ok := d.images[h]
	if !ok {
		d.invalid("unmap image", "unknown image %d", h)
		return
	}
	if !img.mapped {
		d.invalid("unmap image", "image %s is not mapped", img.desc.Label)
	}
	img.mapped = false
}

func alignUp(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}
