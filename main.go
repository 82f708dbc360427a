package main

import (
	"os"

	"github.com/spaghettifunk/prism/cmd"
	"github.com/spaghettifunk/prism/engine/core"
)

func main() {
	if err := cmd.NewApp().Run(os.Args); err != nil {
		core.LogError("%+v", err)
		os.Exit(1)
	}
}
