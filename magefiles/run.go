//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

type Run mg.Namespace

// Compiles the shaders and opens the interactive window on the demo scene.
func (Run) Interactive() error {
	mg.Deps(Build.Shaders)
	fmt.Println("Run interactive renderer...")
	return sh.RunV(mg.GoCmd(), "run", ".", "render", "interactive")
}

// Renders one frame of the demo scene with the software backend.
func (Run) Frame() error {
	return sh.RunV(mg.GoCmd(), "run", ".", "render", "frame", "--backend", "soft", "--out", "frame.png")
}

// Runs the unit tests. They only need the software backend.
func Test() error {
	return sh.RunV(mg.GoCmd(), "test", "./...")
}
