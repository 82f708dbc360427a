//go:build mage

package main

import (
	"fmt"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
	"github.com/magefile/mage/target"
)

type Build mg.Namespace

const shaderDir = "assets/shaders"

var shaderSources = []string{
	"raygen.rgen",
	"miss.rmiss",
	"closesthit.rchit",
}

// Compiles the ray tracing shaders to SPIR-V next to their sources.
func (Build) Shaders() error {
	return buildShaders()
}

// Builds the prism binary. The Vulkan backend needs the Vulkan headers for cgo.
func (Build) Binary() error {
	return sh.RunV(mg.GoCmd(), "build", "-o", "bin/prism", ".")
}

// buildShaders recompiles the sources whose .spv is missing or older. Every
// stage includes common.glsl.
func buildShaders() error {
	common := filepath.Join(shaderDir, "common.glsl")
	for _, src := range shaderSources {
		in := filepath.Join(shaderDir, src)
		out := in + ".spv"
		stale, err := target.Path(out, in, common)
		if err != nil {
			return err
		}
		if !stale {
			if mg.Verbose() {
				fmt.Println("up to date:", out)
			}
			continue
		}
		if err := sh.RunV("glslc", "--target-env=vulkan1.2", "-O", in, "-o", out); err != nil {
			return err
		}
	}
	return nil
}
