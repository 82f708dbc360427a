// Package loaders reads scene and shader files from disk.
package loaders

import (
	"path/filepath"
	"strings"
)

// Resource is a loaded asset. Data holds a *scene.Scene for scenes and the
// SPIR-V bytes for shaders.
type Resource struct {
	Name     string
	FullPath string
	DataSize uint64
	Data     interface{}
}

func nameOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
