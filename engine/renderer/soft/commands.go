package soft

import (
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

type commandPool struct {
	handle    driver.CommandPool
	transient bool
	buffers   map[driver.CommandBuffer]struct{}
}

type cbState uint8

const (
	cbInitial cbState = iota
	cbRecording
	cbExecutable
	cbPending
)

// command is a recorded operation. refs lists the handles it touches so that
// host access and destruction can be checked against pending work.
type command struct {
	name string
	refs []uint64
	exec func(d *Device) error
}

type commandBuffer struct {
	handle   driver.CommandBuffer
	pool     driver.CommandPool
	state    cbState
	oneTime  bool
	commands []command
}

func (d *Device) CreateCommandPool(transient bool) (driver.CommandPool, error) {
	h := driver.CommandPool(d.handle(KindCommandPool))
	d.pools[h] = &commandPool{
		handle:    h,
		transient: transient,
		buffers:   make(map[driver.CommandBuffer]struct{}),
	}
	return h, nil
}

func (d *Device) DestroyCommandPool(h driver.CommandPool) {
	if !d.release(uint64(h), KindCommandPool) {
		return
	}
	p, ok := d.pools[h]
	if !ok {
		return
	}
	for cb := range p.buffers {
		if c := d.commands[cb]; c != nil && c.state == cbPending {
			d.invalid("destroy command pool", "command buffer %d is pending while its pool is destroyed", cb)
		}
		d.ledger.destroy(uint64(cb))
		delete(d.commands, cb)
	}
	delete(d.pools, h)
}

func (d *Device) AllocateCommandBuffer(pool driver.CommandPool) (driver.CommandBuffer, error) {
	p, ok := d.pools[pool]
	if !ok {
		return 0, d.invalid("allocate command buffer", "unknown command pool %d", pool)
	}
	h := driver.CommandBuffer(d.handle(KindCommandBuffer))
	d.commands[h] = &commandBuffer{handle: h, pool: pool}
	p.buffers[h] = struct{}{}
	return h, nil
}

func (d *Device) FreeCommandBuffer(pool driver.CommandPool, h driver.CommandBuffer) {
	cb, ok := d.commands[h]
	if !ok {
		d.invalid("free command buffer", "unknown command buffer %d", h)
		return
	}
	if cb.pool != pool {
		d.invalid("free command buffer", "command buffer %d freed to pool %d, allocated from %d", h, pool, cb.pool)
	}
	if cb.state == cbPending {
		d.invalid("free command buffer", "command buffer %d freed while pending", h)
	}
	d.release(uint64(h), KindCommandBuffer)
	delete(d.pools[cb.pool].buffers, h)
	delete(d.commands, h)
	d.events.add(Event{Op: OpFreeCommands, Handle: uint64(h)})
}

func (d *Device) BeginCommandBuffer(h driver.CommandBuffer, oneTimeSubmit bool) error {
	cb, ok := d.commands[h]
	if !ok {
		return d.invalid("begin command buffer", "unknown command buffer %d", h)
	}
	d.events.add(Event{Op: OpBegin, Handle: uint64(h)})
	switch cb.state {
	case cbPending:
		return d.invalid("begin command buffer", "command buffer %d begun while pending", h)
	case cbRecording:
		return d.invalid("begin command buffer", "command buffer %d begun while recording", h)
	case cbExecutable:
		// Implicit reset.
	}
	cb.state = cbRecording
	cb.oneTime = oneTimeSubmit
	cb.commands = nil
	return nil
}

func (d *Device) EndCommandBuffer(h driver.CommandBuffer) error {
	cb, ok := d.commands[h]
	if !ok {
		return d.invalid("end command buffer", "unknown command buffer %d", h)
	}
	if cb.state != cbRecording {
		return d.invalid("end command buffer", "command buffer %d ended while not recording", h)
	}
	cb.state = cbExecutable
	return nil
}

func (d *Device) ResetCommandBuffer(h driver.CommandBuffer) error {
	cb, ok := d.commands[h]
	if !ok {
		return d.invalid("reset command buffer", "unknown command buffer %d", h)
	}
	d.events.add(Event{Op: OpReset, Handle: uint64(h)})
	if cb.state == cbPending {
		return d.invalid("reset command buffer", "command buffer %d reset while pending", h)
	}
	cb.state = cbInitial
	cb.commands = nil
	return nil
}

func (d *Device) record(h driver.CommandBuffer, c command) {
	cb, ok := d.commands[h]
	if !ok {
		d.invalid(c.name, "unknown command buffer %d", h)
		return
	}
	if cb.state != cbRecording {
		d.invalid(c.name, "command buffer %d is not recording", h)
		return
	}
	cb.commands = append(cb.commands, c)
}

func (d *Device) CmdCopyBuffer(h driver.CommandBuffer, region driver.BufferCopy) {
	d.record(h, command{
		name: "copy buffer",
		refs: []uint64{uint64(region.Src), uint64(region.Dst)},
		exec: func(d *Device) error {
			src, ok1 := d.buffers[region.Src]
			dst, ok2 := d.buffers[region.Dst]
			if !ok1 || !ok2 {
				return d.invalid("copy buffer", "copy between unknown buffers %d and %d", region.Src, region.Dst)
			}
			if region.SrcOffset+region.Size > src.desc.Size || region.DstOffset+region.Size > dst.desc.Size {
				return d.invalid("copy buffer", "copy of %d bytes out of bounds (%s -> %s)", region.Size, src.desc.Label, dst.desc.Label)
			}
			if src.desc.Usage&driver.BufferUsageTransferSrc == 0 || dst.desc.Usage&driver.BufferUsageTransferDst == 0 {
				return d.invalid("copy buffer", "copy %s -> %s without transfer usage", src.desc.Label, dst.desc.Label)
			}
			copy(dst.data[region.DstOffset:region.DstOffset+region.Size], src.data[region.SrcOffset:region.SrcOffset+region.Size])
			return nil
		},
	})
}

func (d *Device) CmdCopyBufferToImage(h driver.CommandBuffer, region driver.BufferImageCopy) {
	d.record(h, command{
		name: "copy buffer to image",
		refs: []uint64{uint64(region.Buffer), uint64(region.Image)},
		exec: func(d *Device) error {
			b, img, err := d.imageCopyOperands("copy buffer to image", region)
			if err != nil {
				return err
			}
			if img.layout != driver.ImageLayoutTransferDst {
				return d.invalid("copy buffer to image", "image %s is in layout %d, not transfer destination", img.desc.Label, img.layout)
			}
			copy(img.data, b.data[region.BufferOffset:])
			return nil
		},
	})
}

func (d *Device) CmdCopyImageToBuffer(h driver.CommandBuffer, region driver.BufferImageCopy) {
	d.record(h, command{
		name: "copy image to buffer",
		refs: []uint64{uint64(region.Buffer), uint64(region.Image)},
		exec: func(d *Device) error {
			b, img, err := d.imageCopyOperands("copy image to buffer", region)
			if err != nil {
				return err
			}
			if img.layout != driver.ImageLayoutTransferSrc {
				return d.invalid("copy image to buffer", "image %s is in layout %d, not transfer source", img.desc.Label, img.layout)
			}
			copy(b.data[region.BufferOffset:], img.data)
			return nil
		},
	})
}

func (d *Device) imageCopyOperands(op string, region driver.BufferImageCopy) (*buffer, *image, error) {
	b, ok1 := d.buffers[region.Buffer]
	img, ok2 := d.images[region.Image]
	if !ok1 || !ok2 {
		return nil, nil, d.invalid(op, "unknown buffer %d or image %d", region.Buffer, region.Image)
	}
	if region.Extent != img.desc.Extent {
		return nil, nil, d.invalid(op, "copy extent %v does not match image %s extent %v", region.Extent, img.desc.Label, img.desc.Extent)
	}
	if uint64(len(img.data)) > b.desc.Size-region.BufferOffset {
		return nil, nil, d.invalid(op, "buffer %s too small for image %s", b.desc.Label, img.desc.Label)
	}
	return b, img, nil
}

func (d *Device) CmdImageBarrier(h driver.CommandBuffer, barrier driver.ImageBarrier) {
	d.record(h, command{
		name: "image barrier",
		refs: []uint64{uint64(barrier.Image)},
		exec: func(d *Device) error {
			img, ok := d.images[barrier.Image]
			if !ok {
				return d.invalid("image barrier", "unknown image %d", barrier.Image)
			}
			if barrier.OldLayout != driver.ImageLayoutUndefined && barrier.OldLayout != img.layout {
				return d.invalid("image barrier", "image %s barrier from layout %d but image is in %d", img.desc.Label, barrier.OldLayout, img.layout)
			}
			img.layout = barrier.NewLayout
			return nil
		},
	})
}
