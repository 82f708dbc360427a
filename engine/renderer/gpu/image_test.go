package gpu

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
)

func TestImageUploadAndReadback(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)

	texels := []byte{
		255, 0, 0, 255, 0, 255, 0, 255,
		0, 0, 255, 255, 10, 20, 30, 40,
	}
	img, err := NewImageFromHostData(f.ctx, f.q, ImageDesc{
		Extent: driver.Extent2D{Width: 2, Height: 2},
		Format: driver.FormatR8G8B8A8Unorm,
		Usage:  driver.ImageUsageSampled | driver.ImageUsageTransferSrc,
		Name:   "checker",
	}, texels)
	require.NoError(t, err)
	defer img.Destroy()
	assert.Equal(t, driver.ImageLayoutTransferDst, img.Layout())
	assert.Equal(t, uint64(16), img.ByteSize())

	got, err := img.ReadPixels(f.q)
	require.NoError(t, err)
	assert.Equal(t, texels, got)
	assert.Equal(t, driver.ImageLayoutTransferDst, img.Layout(), "layout restored")
}

func TestReadPixelsSwizzlesBGRA(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)

	img, err := NewImageFromHostData(f.ctx, f.q, ImageDesc{
		Extent: driver.Extent2D{Width: 1, Height: 1},
		Format: driver.FormatB8G8R8A8Unorm,
		Usage:  driver.ImageUsageTransferSrc,
		Name:   "bgra",
	}, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	defer img.Destroy()

	got, err := img.ReadPixels(f.q)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 2, 1, 4}, got)
}

func TestImageDataSizeMismatch(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)

	_, err := NewImageFromHostData(f.ctx, f.q, ImageDesc{
		Extent: driver.Extent2D{Width: 4, Height: 4},
		Format: driver.FormatR8G8B8A8Unorm,
		Name:   "short",
	}, make([]byte, 10))
	assert.Error(t, err)
}

func TestNullImage(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)

	img, err := NewImage(f.ctx, ImageDesc{Format: driver.FormatR8G8B8A8Unorm})
	require.NoError(t, err)
	assert.True(t, img.IsNull())

	pixels, err := img.ReadPixels(f.q)
	require.NoError(t, err)
	assert.Empty(t, pixels)
	m, err := img.Map()
	require.NoError(t, err)
	m.Release()
	img.Destroy()
	img.Destroy()
}

func TestUnsupportedImageFormat(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)

	_, err := NewImage(f.ctx, ImageDesc{
		Extent: driver.Extent2D{Width: 4, Height: 4},
		Format: driver.FormatR32G32B32Sfloat,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrUnsupported))
	assert.Equal(t, core.KindAllocation, core.KindOf(err))
}

func TestLinearImageMapping(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)

	img, err := NewImage(f.ctx, ImageDesc{
		Extent:   driver.Extent2D{Width: 2, Height: 1},
		Format:   driver.FormatR8G8B8A8Unorm,
		Tiling:   driver.ImageTilingLinear,
		Usage:    driver.ImageUsageStorage,
		Location: GpuToCpu,
		Name:     "linear",
	})
	require.NoError(t, err)

	m, err := img.Map()
	require.NoError(t, err)
	assert.Equal(t, 8, m.Len())
	assert.Panics(t, func() { img.Destroy() })
	m.Release()
	img.Destroy()

	optimal, err := NewImage(f.ctx, ImageDesc{
		Extent: driver.Extent2D{Width: 2, Height: 1},
		Format: driver.FormatR8G8B8A8Unorm,
		Name:   "optimal",
	})
	require.NoError(t, err)
	assert.Panics(t, func() { _, _ = optimal.Map() })
	optimal.Destroy()
}

func TestSwapchainOnHeadlessDevice(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)

	sc, err := NewSwapchain(f.ctx, driver.Extent2D{Width: 4, Height: 4}, driver.PresentModeFifo, nil)
	require.Error(t, err)
	assert.Nil(t, sc)
	assert.Equal(t, core.KindSwapchain, core.KindOf(err))
}

func TestSwapchainImagesAreBorrowed(t *testing.T) {
	dev := soft.New(soft.Options{Surface: driver.Extent2D{Width: 4, Height: 4}})
	ctx := NewContext(dev)

	sc, err := NewSwapchain(ctx, driver.Extent2D{Width: 4, Height: 4}, driver.PresentModeFifo, nil)
	require.NoError(t, err)
	require.Equal(t, 3, sc.ImageCount())
	assert.Equal(t, driver.FormatB8G8R8A8Unorm, sc.Format())

	img := sc.Image(0)
	img.Destroy()
	assert.Empty(t, dev.ValidationErrors(), "swapchain images are not destroyed by their users")

	dev.SetSurfaceExtent(driver.Extent2D{Width: 8, Height: 8})
	next, err := NewSwapchain(ctx, driver.Extent2D{Width: 8, Height: 8}, driver.PresentModeFifo, sc)
	require.NoError(t, err)
	assert.Equal(t, driver.Extent2D{Width: 8, Height: 8}, next.Extent())
	assert.Len(t, dev.Ledger().Live(soft.KindSwapchain), 1)

	next.Destroy()
	assert.True(t, ctx.Release())
	assert.Empty(t, dev.ValidationErrors())
}
