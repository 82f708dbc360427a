package cmd

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// saveFrame writes tightly packed RGBA8 rows to path. The encoder follows the
// extension: .png, .bmp, .tif or .tiff.
func saveFrame(path string, pixels []byte, extent driver.Extent2D) (err error) {
	w, h := int(extent.Width), int(extent.Height)
	if len(pixels) != w*h*4 {
		return errors.Newf("frame has %d bytes, expected %dx%dx4", len(pixels), w, h)
	}
	img := &image.RGBA{Pix: pixels, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}

	var encode func(f *os.File) error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		encode = func(f *os.File) error { return png.Encode(f, img) }
	case ".bmp":
		encode = func(f *os.File) error { return bmp.Encode(f, img) }
	case ".tif", ".tiff":
		encode = func(f *os.File) error { return tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate}) }
	default:
		return errors.Newf("unsupported image format %q", filepath.Ext(path))
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return errors.Wrapf(encode(f), "encoding %s", path)
}
