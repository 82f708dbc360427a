package cmd

import (
	"bytes"
	"image"
	_ "image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/spaghettifunk/prism/engine/renderer"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/scene"
)

func decode(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, _, err := image.Decode(f)
	require.NoError(t, err)
	return img
}

func TestSaveFrameFormats(t *testing.T) {
	extent := driver.Extent2D{Width: 3, Height: 2}
	pixels := make([]byte, 3*2*4)
	for i := range pixels {
		pixels[i] = byte(i * 9)
	}
	pixels[3] = 255

	dir := t.TempDir()
	for _, name := range []string{"f.png", "f.bmp", "f.tiff"} {
		path := filepath.Join(dir, name)
		require.NoError(t, saveFrame(path, pixels, extent), name)
		img := decode(t, path)
		assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds(), name)
	}

	assert.Error(t, saveFrame(filepath.Join(dir, "f.jpg"), pixels, extent))
	assert.Error(t, saveFrame(filepath.Join(dir, "f.png"), pixels[:4], extent))
}

func TestRenderFrameSoftBackend(t *testing.T) {
	out := filepath.Join(t.TempDir(), "frame.png")
	app := NewApp()
	err := app.Run([]string{"prism", "--config", "", "render", "frame",
		"--backend", "soft", "--width", "32", "--height", "24", "--out", out})
	require.NoError(t, err)

	img := decode(t, out)
	assert.Equal(t, image.Rect(0, 0, 32, 24), img.Bounds())
}

func TestRenderFrameRejectsUnknownBackend(t *testing.T) {
	app := NewApp()
	err := app.Run([]string{"prism", "--config", "", "render", "frame", "--backend", "opengl"})
	assert.Error(t, err)
}

func TestInspectDemoScene(t *testing.T) {
	app := NewApp()
	require.NoError(t, app.Run([]string{"prism", "--config", "", "inspect"}))
}

func TestWriteSceneStats(t *testing.T) {
	sc := scene.Demo()
	var buf bytes.Buffer
	writeSceneStats(&buf, sc)
	assert.Contains(t, buf.String(), "Triangles")
	assert.Contains(t, buf.String(), "unique")
}

func TestWriteFrameStats(t *testing.T) {
	var buf bytes.Buffer
	writeFrameStats(&buf, renderer.Stats{
		BLASCount: 2,
		Instances: 5,
		Frames:    1,
		Extent:    driver.Extent2D{Width: 64, Height: 48},
	}, "soft", 3*time.Millisecond)
	assert.Contains(t, buf.String(), "64x48")
	assert.Contains(t, buf.String(), "soft")
}

func TestParsePresentMode(t *testing.T) {
	m, ok := driver.ParsePresentMode("mailbox")
	assert.True(t, ok)
	assert.Equal(t, driver.PresentModeMailbox, m)
	m, ok = driver.ParsePresentMode("vsync")
	assert.False(t, ok)
	assert.Equal(t, driver.PresentModeFifo, m)
}
