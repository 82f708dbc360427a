package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestParseConfigOverridesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	err := ParseConfig([]byte(`
[window]
width = 640
height = 480

[render]
backend = "soft"

[scene]
path = "assets/scenes/box.gltf"
watch = true
`), cfg)
	require.NoError(t, err)

	assert.Equal(t, uint32(640), cfg.Window.Width)
	assert.Equal(t, uint32(480), cfg.Window.Height)
	assert.Equal(t, BackendSoftware, cfg.Render.Backend)
	assert.Equal(t, MaxFramesInFlight, cfg.Render.FramesInFlight)
	assert.Equal(t, "assets/scenes/box.gltf", cfg.Scene.Path)
	assert.True(t, cfg.Scene.Watch)
	assert.Equal(t, "prism", cfg.Window.Title)
}

func TestParseConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"backend":   "[render]\nbackend = \"metal\"",
		"frames":    "[render]\nframes_in_flight = 3",
		"present":   "[render]\npresent_mode = \"vsync\"",
		"zeroWidth": "[window]\nwidth = 0",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, ParseConfig([]byte(data), DefaultConfig()))
		})
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfigEncodeRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Render.Backend = BackendSoftware
	data, err := cfg.Encode()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "prism.toml")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
