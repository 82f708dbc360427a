package gpu

import (
	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// ImageDesc describes a 2D image with one mip level and one layer.
type ImageDesc struct {
	Extent   driver.Extent2D
	Format   driver.Format
	Tiling   driver.ImageTiling
	Usage    driver.ImageUsage
	Location MemoryLocation
	Name     string
}

// Image is a GPU image together with its view and memory. A zero extent
// image is the null image; operations on it are no-ops.
type Image struct {
	ctx    *Context
	handle driver.Image
	desc   ImageDesc
	layout driver.ImageLayout
	// Swapchain images are owned by the swapchain.
	borrowed bool

	mapping   *Mapping
	destroyed bool
}

func NewImage(ctx *Context, desc ImageDesc) (*Image, error) {
	if desc.Extent.IsZero() {
		return &Image{desc: desc}, nil
	}
	if desc.Format.BytesPerPixel() == 0 {
		return nil, core.NewRenderError(core.KindAllocation, "create image "+desc.Name, "",
			errors.Wrapf(core.ErrUnsupported, "image format %d", desc.Format))
	}
	memoryType, err := ctx.MemoryTypeIndex(desc.Location)
	if err != nil {
		return nil, core.NewRenderError(core.KindAllocation, "create image "+desc.Name, "", err)
	}
	handle, err := ctx.device.CreateImage(driver.ImageDesc{
		Extent:          desc.Extent,
		Format:          desc.Format,
		Tiling:          desc.Tiling,
		Usage:           desc.Usage,
		MemoryTypeIndex: memoryType,
		Label:           desc.Name,
	})
	if err != nil {
		core.LogError("failed to create image %s (%dx%d): %s", desc.Name, desc.Extent.Width, desc.Extent.Height, err)
		return nil, allocationError("create image "+desc.Name, err)
	}
	return &Image{
		ctx:    ctx.Retain(),
		handle: handle,
		desc:   desc,
		layout: driver.ImageLayoutUndefined,
	}, nil
}

// NewImageFromHostData creates an image and uploads tightly packed texels into
// it. The image is left in the transfer destination layout.
func NewImageFromHostData(ctx *Context, q *Queue, desc ImageDesc, data []byte) (*Image, error) {
	desc.Usage |= driver.ImageUsageTransferDst
	img, err := NewImage(ctx, desc)
	if err != nil {
		return nil, err
	}
	if img.IsNull() {
		return img, nil
	}
	if want := img.ByteSize(); uint64(len(data)) != want {
		img.Destroy()
		return nil, errors.Newf("image %s expects %d bytes of texel data, got %d", desc.Name, want, len(data))
	}

	staging, err := NewStagingBuffer(ctx, data)
	if err != nil {
		img.Destroy()
		return nil, err
	}
	defer staging.Destroy()

	err = q.SubmitSync(func(cb *CommandBuffer) error {
		img.TransitionLayout(cb, driver.ImageLayoutTransferDst)
		cb.CopyBufferToImage(staging, img)
		return nil
	})
	if err != nil {
		img.Destroy()
		return nil, err
	}
	return img, nil
}

// wrapImage adopts an image owned by someone else, such as a swapchain.
func wrapImage(ctx *Context, handle driver.Image, desc ImageDesc) *Image {
	return &Image{
		ctx:      ctx,
		handle:   handle,
		desc:     desc,
		layout:   driver.ImageLayoutUndefined,
		borrowed: true,
	}
}

func (img *Image) Handle() driver.Image {
	return img.handle
}

func (img *Image) Desc() ImageDesc {
	return img.desc
}

func (img *Image) Extent() driver.Extent2D {
	return img.desc.Extent
}

func (img *Image) Format() driver.Format {
	return img.desc.Format
}

func (img *Image) Layout() driver.ImageLayout {
	return img.layout
}

func (img *Image) IsNull() bool {
	return img == nil || img.handle == 0
}

// ByteSize is the size of the image as tightly packed texels.
func (img *Image) ByteSize() uint64 {
	e := img.desc.Extent
	return uint64(e.Width) * uint64(e.Height) * uint64(img.desc.Format.BytesPerPixel())
}

func (img *Image) label() string {
	return img.desc.Name
}

// TransitionLayout records a barrier from the tracked layout to newLayout.
func (img *Image) TransitionLayout(cb *CommandBuffer, newLayout driver.ImageLayout) {
	if img.IsNull() {
		return
	}
	img.Barrier(cb, img.layout, newLayout)
}

// Barrier records a barrier with an explicit old layout. Passing Undefined
// discards the previous contents.
func (img *Image) Barrier(cb *CommandBuffer, oldLayout, newLayout driver.ImageLayout) {
	if img.IsNull() {
		return
	}
	srcStage, srcAccess := layoutSource(oldLayout)
	dstStage, dstAccess := layoutDestination(newLayout)
	cb.ImageBarrier(driver.ImageBarrier{
		Image:     img.handle,
		OldLayout: oldLayout,
		NewLayout: newLayout,
		SrcStage:  srcStage,
		DstStage:  dstStage,
		SrcAccess: srcAccess,
		DstAccess: dstAccess,
	})
	img.layout = newLayout
}

// SetLayout records a barrier with explicit stages and tracks the result.
func (img *Image) SetLayout(cb *CommandBuffer, barrier driver.ImageBarrier) {
	if img.IsNull() {
		return
	}
	barrier.Image = img.handle
	cb.ImageBarrier(barrier)
	img.layout = barrier.NewLayout
}

func layoutSource(layout driver.ImageLayout) (driver.PipelineStage, driver.Access) {
	switch layout {
	case driver.ImageLayoutTransferDst:
		return driver.PipelineStageTransfer, driver.AccessTransferWrite
	case driver.ImageLayoutTransferSrc:
		return driver.PipelineStageTransfer, driver.AccessTransferRead
	case driver.ImageLayoutGeneral:
		return driver.PipelineStageRayTracingShader, driver.AccessShaderWrite
	case driver.ImageLayoutShaderReadOnly:
		return driver.PipelineStageRayTracingShader, driver.AccessShaderRead
	default:
		return driver.PipelineStageTopOfPipe, driver.AccessNone
	}
}

func layoutDestination(layout driver.ImageLayout) (driver.PipelineStage, driver.Access) {
	switch layout {
	case driver.ImageLayoutTransferDst:
		return driver.PipelineStageTransfer, driver.AccessTransferWrite
	case driver.ImageLayoutTransferSrc:
		return driver.PipelineStageTransfer, driver.AccessTransferRead
	case driver.ImageLayoutGeneral:
		return driver.PipelineStageRayTracingShader, driver.AccessShaderWrite | driver.AccessShaderRead
	case driver.ImageLayoutShaderReadOnly:
		return driver.PipelineStageRayTracingShader, driver.AccessShaderRead
	case driver.ImageLayoutPresentSrc:
		return driver.PipelineStageBottomOfPipe, driver.AccessNone
	default:
		return driver.PipelineStageBottomOfPipe, driver.AccessNone
	}
}

// Map maps a linear, host visible image. The null image maps to an empty view.
func (img *Image) Map() (*Mapping, error) {
	if img.IsNull() {
		return &Mapping{owner: img}, nil
	}
	core.Assert(!img.destroyed, "mapping destroyed image %s", img.desc.Name)
	core.Assert(img.mapping == nil, "image %s is already mapped", img.desc.Name)
	core.Assert(img.desc.Tiling == driver.ImageTilingLinear && img.desc.Location.HostVisible(),
		"image %s is not linear and host visible", img.desc.Name)

	data, err := img.ctx.device.MapImage(img.handle)
	if err != nil {
		return nil, core.NewRenderError(core.KindAllocation, "map image "+img.desc.Name, resultCode(err), err)
	}
	img.mapping = &Mapping{owner: img, data: data}
	return img.mapping, nil
}

func (img *Image) unmap() {
	if img.IsNull() {
		return
	}
	img.ctx.device.UnmapImage(img.handle)
	img.mapping = nil
}

// ReadPixels copies the image into host memory and returns tightly packed
// RGBA8 rows. BGRA images are swizzled. The image returns to its previous
// layout afterwards.
func (img *Image) ReadPixels(q *Queue) ([]byte, error) {
	if img.IsNull() {
		return []byte{}, nil
	}
	core.Assert(img.desc.Usage&driver.ImageUsageTransferSrc != 0, "image %s cannot be read back", img.desc.Name)
	if img.desc.Format.BytesPerPixel() != 4 {
		return nil, errors.Wrapf(core.ErrUnsupported, "reading back image %s in format %d", img.desc.Name, img.desc.Format)
	}

	readback, err := NewLabeledBuffer(img.ctx, img.desc.Name+" readback", img.ByteSize(), driver.BufferUsageTransferDst, GpuToCpu)
	if err != nil {
		return nil, err
	}
	defer readback.Destroy()

	restore := img.layout
	err = q.SubmitSync(func(cb *CommandBuffer) error {
		img.TransitionLayout(cb, driver.ImageLayoutTransferSrc)
		cb.CopyImageToBuffer(img, readback)
		if restore != driver.ImageLayoutUndefined {
			img.TransitionLayout(cb, restore)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	pixels, err := readback.Read()
	if err != nil {
		return nil, err
	}
	switch img.desc.Format {
	case driver.FormatB8G8R8A8Unorm, driver.FormatB8G8R8A8Srgb:
		for i := 0; i+3 < len(pixels); i += 4 {
			pixels[i], pixels[i+2] = pixels[i+2], pixels[i]
		}
	}
	return pixels, nil
}

// Destroy releases the image, its view and its memory. Destroying a mapped
// image panics. Borrowed images are left to their owner.
func (img *Image) Destroy() {
	if img.IsNull() || img.destroyed {
		return
	}
	core.Assert(img.mapping == nil, "destroying image %s while it is mapped", img.desc.Name)
	img.destroyed = true
	if img.borrowed {
		return
	}
	img.ctx.device.DestroyImage(img.handle)
	img.ctx.Release()
}
