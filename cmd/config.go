package cmd

import (
	"github.com/urfave/cli"

	"github.com/spaghettifunk/prism/engine/core"
)

// loadConfig reads the global --config file and applies the command flags on
// top of it.
func loadConfig(ctx *cli.Context) (*core.Config, error) {
	cfg, err := core.LoadConfig(ctx.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	applyFlags(ctx, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(ctx *cli.Context, cfg *core.Config) {
	if ctx.IsSet("backend") {
		cfg.Render.Backend = ctx.String("backend")
	}
	if ctx.IsSet("out") {
		cfg.Render.Output = ctx.String("out")
	}
	if ctx.IsSet("scene") {
		cfg.Scene.Path = ctx.String("scene")
	}
	if ctx.IsSet("width") {
		cfg.Window.Width = uint32(ctx.Int("width"))
	}
	if ctx.IsSet("height") {
		cfg.Window.Height = uint32(ctx.Int("height"))
	}
	if ctx.IsSet("present-mode") {
		cfg.Render.PresentMode = ctx.String("present-mode")
	}
	if ctx.IsSet("watch") {
		cfg.Scene.Watch = ctx.Bool("watch")
	}
	if ctx.IsSet("validation") {
		cfg.Render.Validation = ctx.Bool("validation")
	}
	if ctx.NArg() > 0 {
		cfg.Scene.Path = ctx.Args().First()
	}
}
