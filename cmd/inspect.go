package cmd

import (
	"bytes"

	"github.com/urfave/cli"

	"github.com/spaghettifunk/prism/engine/core"
)

// InspectScene loads a scene and prints what the renderer would build for it.
func InspectScene(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	setupLogging(ctx, cfg)

	sc, err := loadScene(cfg)
	if err != nil {
		return err
	}
	if err := sc.Validate(); err != nil {
		return err
	}

	var buf bytes.Buffer
	writeSceneStats(&buf, sc)
	core.LogInfo("scene information:\n%s", buf.String())
	return nil
}
