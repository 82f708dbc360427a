package engine

import (
	"github.com/spaghettifunk/prism/engine/core"
)

type ApplicationConfig struct {
	// Window starting position x axis, if applicable.
	StartPosX uint32
	// Window starting position y axis, if applicable.
	StartPosY uint32
	// Session identifier attached to every log line of the run.
	Session string
	Config  *core.Config
}

// Name is the window title and the Vulkan application name.
func (c *ApplicationConfig) Name() string {
	return c.Config.Window.Title
}
