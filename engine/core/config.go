package core

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
)

const (
	BackendVulkan   = "vulkan"
	BackendSoftware = "soft"

	// MaxFramesInFlight bounds how many frames the CPU may record ahead of
	// the GPU.
	MaxFramesInFlight = 2
)

type WindowConfig struct {
	Title  string `toml:"title"`
	Width  uint32 `toml:"width"`
	Height uint32 `toml:"height"`
}

type RenderConfig struct {
	Backend        string `toml:"backend"`
	FramesInFlight int    `toml:"frames_in_flight"`
	Output         string `toml:"output"`
	PresentMode    string `toml:"present_mode"`
	AllowUpdate    bool   `toml:"allow_update"`
	Validation     bool   `toml:"validation"`
}

type SceneConfig struct {
	Path  string `toml:"path"`
	Watch bool   `toml:"watch"`
}

type ShaderConfig struct {
	RayGen     string `toml:"raygen"`
	Miss       string `toml:"miss"`
	ClosestHit string `toml:"closest_hit"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type Config struct {
	Window  WindowConfig `toml:"window"`
	Render  RenderConfig `toml:"render"`
	Scene   SceneConfig  `toml:"scene"`
	Shaders ShaderConfig `toml:"shaders"`
	Log     LogConfig    `toml:"log"`
}

func DefaultConfig() *Config {
	return &Config{
		Window: WindowConfig{
			Title:  "prism",
			Width:  1280,
			Height: 720,
		},
		Render: RenderConfig{
			Backend:        BackendVulkan,
			FramesInFlight: MaxFramesInFlight,
			Output:         "frame.png",
			PresentMode:    "fifo",
			AllowUpdate:    true,
		},
		Shaders: ShaderConfig{
			RayGen:     "assets/shaders/raygen.rgen.spv",
			Miss:       "assets/shaders/miss.rmiss.spv",
			ClosestHit: "assets/shaders/closesthit.rchit.spv",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads a TOML file on top of the defaults. A missing file is not
// an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		LogDebug("config file %s not found, using defaults", path)
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	if err := ParseConfig(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, nil
}

// ParseConfig decodes data into cfg and validates the result.
func ParseConfig(data []byte, cfg *Config) error {
	if err := toml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.Render.Backend {
	case BackendVulkan, BackendSoftware:
	default:
		return errors.Newf("unknown backend %q", c.Render.Backend)
	}
	if c.Render.FramesInFlight != MaxFramesInFlight {
		return errors.Newf("frames_in_flight must be %d, got %d", MaxFramesInFlight, c.Render.FramesInFlight)
	}
	switch c.Render.PresentMode {
	case "fifo", "mailbox", "immediate":
	default:
		return errors.Newf("unknown present mode %q", c.Render.PresentMode)
	}
	if c.Window.Width == 0 || c.Window.Height == 0 {
		return errors.Newf("window extent must be non zero, got %dx%d", c.Window.Width, c.Window.Height)
	}
	return nil
}

func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}
