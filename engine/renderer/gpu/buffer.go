package gpu

import (
	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// Buffer is a GPU buffer with its backing memory. A Buffer with a null handle
// and zero size stands for "no data": every operation on it is a no-op.
type Buffer struct {
	ctx      *Context
	handle   driver.Buffer
	location MemoryLocation
	usage    driver.BufferUsage
	size     uint64
	name     string

	mapping   *Mapping
	destroyed bool
}

// NullBuffer returns the sentinel empty buffer.
func NullBuffer() *Buffer {
	return &Buffer{name: "null"}
}

// NewBuffer allocates size bytes in loc. A zero size yields the null buffer.
func NewBuffer(ctx *Context, size uint64, usage driver.BufferUsage, loc MemoryLocation) (*Buffer, error) {
	return newBuffer(ctx, size, usage, loc, "buffer")
}

// NewLabeledBuffer is NewBuffer with a name used in logs and validation.
func NewLabeledBuffer(ctx *Context, name string, size uint64, usage driver.BufferUsage, loc MemoryLocation) (*Buffer, error) {
	return newBuffer(ctx, size, usage, loc, name)
}

func newBuffer(ctx *Context, size uint64, usage driver.BufferUsage, loc MemoryLocation, name string) (*Buffer, error) {
	if size == 0 {
		return NullBuffer(), nil
	}
	memoryType, err := ctx.MemoryTypeIndex(loc)
	if err != nil {
		return nil, core.NewRenderError(core.KindAllocation, "create buffer "+name, "", err)
	}
	handle, err := ctx.device.CreateBuffer(driver.BufferDesc{
		Size:            size,
		Usage:           usage,
		MemoryTypeIndex: memoryType,
		Label:           name,
	})
	if err != nil {
		core.LogError("failed to create buffer %s of %d bytes: %s", name, size, err)
		return nil, allocationError("create buffer "+name, err)
	}
	return &Buffer{
		ctx:      ctx.Retain(),
		handle:   handle,
		location: loc,
		usage:    usage,
		size:     size,
		name:     name,
	}, nil
}

// NewStagingBuffer creates a host visible transfer source holding data.
func NewStagingBuffer(ctx *Context, data []byte) (*Buffer, error) {
	b, err := newBuffer(ctx, uint64(len(data)), driver.BufferUsageTransferSrc, CpuToGpu, "staging")
	if err != nil {
		return nil, err
	}
	if err := b.Write(data); err != nil {
		b.Destroy()
		return nil, err
	}
	return b, nil
}

// NewBufferFromHostData uploads data into a new device local buffer through a
// staging buffer. The call blocks until the copy has completed on the GPU.
func NewBufferFromHostData(ctx *Context, q *Queue, data []byte, usage driver.BufferUsage) (*Buffer, error) {
	return newBufferFromHostData(ctx, q, data, usage, GpuOnly, "buffer")
}

// NewLabeledBufferFromHostData is NewBufferFromHostData with a name.
func NewLabeledBufferFromHostData(ctx *Context, q *Queue, name string, data []byte, usage driver.BufferUsage) (*Buffer, error) {
	return newBufferFromHostData(ctx, q, data, usage, GpuOnly, name)
}

// NewHostVisibleBufferFromData is NewBufferFromHostData with a destination
// that can be mapped and read back.
func NewHostVisibleBufferFromData(ctx *Context, q *Queue, data []byte, usage driver.BufferUsage) (*Buffer, error) {
	return newBufferFromHostData(ctx, q, data, usage, GpuToCpu, "readback")
}

func newBufferFromHostData(ctx *Context, q *Queue, data []byte, usage driver.BufferUsage, loc MemoryLocation, name string) (*Buffer, error) {
	if len(data) == 0 {
		return NullBuffer(), nil
	}
	dst, err := newBuffer(ctx, uint64(len(data)), usage|driver.BufferUsageTransferDst, loc, name)
	if err != nil {
		return nil, err
	}
	staging, err := NewStagingBuffer(ctx, data)
	if err != nil {
		dst.Destroy()
		return nil, err
	}
	defer staging.Destroy()

	if err := dst.CopyFrom(q, staging); err != nil {
		dst.Destroy()
		return nil, err
	}
	return dst, nil
}

func (b *Buffer) Handle() driver.Buffer {
	return b.handle
}

func (b *Buffer) Size() uint64 {
	return b.size
}

func (b *Buffer) Usage() driver.BufferUsage {
	return b.usage
}

func (b *Buffer) Location() MemoryLocation {
	return b.location
}

func (b *Buffer) IsNull() bool {
	return b == nil || b.handle == 0
}

func (b *Buffer) Mapped() bool {
	return b.mapping != nil
}

func (b *Buffer) label() string {
	return b.name
}

// DeviceAddress returns the GPU address of the buffer, or 0 for the null
// buffer.
func (b *Buffer) DeviceAddress() driver.DeviceAddress {
	if b.IsNull() {
		return 0
	}
	core.Assert(!b.destroyed, "device address of destroyed buffer %s", b.name)
	core.Assert(b.usage&driver.BufferUsageShaderDeviceAddress != 0,
		"buffer %s was not created with device address usage", b.name)
	return b.ctx.device.BufferDeviceAddress(b.handle)
}

// Map returns the single outstanding host view of the buffer. The null buffer
// maps to an empty view.
func (b *Buffer) Map() (*Mapping, error) {
	if b.IsNull() {
		return &Mapping{owner: b}, nil
	}
	core.Assert(!b.destroyed, "mapping destroyed buffer %s", b.name)
	core.Assert(b.mapping == nil, "buffer %s is already mapped", b.name)
	core.Assert(b.location.HostVisible(), "buffer %s in %s memory cannot be mapped", b.name, b.location)

	data, err := b.ctx.device.MapBuffer(b.handle)
	if err != nil {
		return nil, core.NewRenderError(core.KindAllocation, "map buffer "+b.name, resultCode(err), err)
	}
	b.mapping = &Mapping{owner: b, data: data[:b.size]}
	return b.mapping, nil
}

func (b *Buffer) unmap() {
	if b.IsNull() {
		return
	}
	b.ctx.device.UnmapBuffer(b.handle)
	b.mapping = nil
}

// WithMapped maps the buffer for the duration of fn.
func (b *Buffer) WithMapped(fn func(data []byte) error) error {
	m, err := b.Map()
	if err != nil {
		return err
	}
	defer m.Release()
	return fn(m.Bytes())
}

// Write copies data to the start of a host visible buffer.
func (b *Buffer) Write(data []byte) error {
	if b.IsNull() {
		return nil
	}
	if uint64(len(data)) > b.size {
		return errors.Newf("writing %d bytes into buffer %s of %d bytes", len(data), b.name, b.size)
	}
	return b.WithMapped(func(dst []byte) error {
		copy(dst, data)
		return nil
	})
}

// Read returns a copy of the contents of a host visible buffer.
func (b *Buffer) Read() ([]byte, error) {
	out := make([]byte, b.Size())
	if b.IsNull() {
		return out, nil
	}
	err := b.WithMapped(func(src []byte) error {
		copy(out, src)
		return nil
	})
	return out, err
}

// CopyFrom copies min(src, dst) bytes from src with a one-shot submission and
// waits for it. Copying from or to the null buffer does nothing.
func (b *Buffer) CopyFrom(q *Queue, src *Buffer) error {
	if b.IsNull() || src.IsNull() {
		return nil
	}
	size := min(b.size, src.size)
	return q.SubmitSync(func(cb *CommandBuffer) error {
		cb.CopyBuffer(src, b, size)
		return nil
	})
}

// Destroy releases the buffer and its memory. Destroying a mapped buffer
// panics. Calling Destroy again is a no-op.
func (b *Buffer) Destroy() {
	if b.IsNull() || b.destroyed {
		return
	}
	core.Assert(b.mapping == nil, "destroying buffer %s while it is mapped", b.name)
	b.ctx.device.DestroyBuffer(b.handle)
	b.destroyed = true
	b.ctx.Release()
}
