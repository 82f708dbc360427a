package cmd

import (
	"github.com/urfave/cli"

	"github.com/spaghettifunk/prism/engine/core"
)

// NewApp assembles the command line interface.
func NewApp() *cli.App {
	// -v is the verbosity flag.
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version",
		Usage: "print only the version",
	}

	app := cli.NewApp()
	app.Name = "prism"
	app.Usage = "render glTF scenes with hardware ray tracing"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: "prism.toml",
			Usage: "TOML configuration file, optional",
		},
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
	}

	sceneFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "scene, s",
			Usage: "glTF scene to render, the demo scene when empty",
		},
		cli.IntFlag{
			Name:  "width",
			Value: 1280,
			Usage: "frame width",
		},
		cli.IntFlag{
			Name:  "height",
			Value: 720,
			Usage: "frame height",
		},
		cli.BoolFlag{
			Name:  "validation",
			Usage: "enable the Vulkan validation layer when installed",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:   "render",
			Usage:  "render scene",
			Action: nil,
			Subcommands: []cli.Command{
				{
					Name:        "frame",
					Usage:       "render single frame",
					Description: `Trace a single frame into host memory and write it as a png, bmp or tiff image.`,
					ArgsUsage:   "[scene.gltf]",
					Flags: append([]cli.Flag{
						cli.StringFlag{
							Name:  "backend, b",
							Value: core.BackendVulkan,
							Usage: "device backend, vulkan or soft",
						},
						cli.StringFlag{
							Name:  "out, o",
							Value: "frame.png",
							Usage: "image filename for the rendered frame",
						},
					}, sceneFlags...),
					Action: RenderFrame,
				},
				{
					Name:        "interactive",
					Usage:       "render interactive view of the scene",
					Description: `Open a window and present ray traced frames. WASD/QE move the camera, the arrow keys turn it.`,
					ArgsUsage:   "[scene.gltf]",
					Flags: append([]cli.Flag{
						cli.StringFlag{
							Name:  "present-mode",
							Value: "fifo",
							Usage: "fifo, mailbox or immediate",
						},
						cli.BoolFlag{
							Name:  "watch, w",
							Usage: "reload the scene when its files change",
						},
					}, sceneFlags...),
					Action: RenderInteractive,
				},
			},
		},
		{
			Name:      "inspect",
			Usage:     "print the primitives, instances and materials of a scene",
			ArgsUsage: "[scene.gltf]",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "scene, s",
					Usage: "glTF scene to inspect, the demo scene when empty",
				},
			},
			Action: InspectScene,
		},
	}
	return app
}
