package cmd

import (
	"github.com/urfave/cli"

	"github.com/spaghettifunk/prism/engine/core"
)

// setupLogging applies the configured level, raised by the global -v and -vv
// flags.
func setupLogging(ctx *cli.Context, cfg *core.Config) {
	core.SetLogLevel(cfg.Log.Level)
	if ctx.GlobalBool("v") {
		core.SetLogLevel("info")
	}
	if ctx.GlobalBool("vv") {
		core.SetLogLevel("debug")
	}
}
