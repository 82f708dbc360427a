package cmd

import (
	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/prism/engine/assets/loaders"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
	"github.com/spaghettifunk/prism/engine/renderer/vulkan"
	"github.com/spaghettifunk/prism/engine/scene"
)

// openHeadless creates a device without a presentation surface and the
// shaders to run on it. The software device shades on the CPU and takes
// placeholder modules.
func openHeadless(cfg *core.Config) (driver.Device, renderer.ShaderSet, error) {
	switch cfg.Render.Backend {
	case core.BackendSoftware:
		code := soft.ShaderModule()
		return soft.New(soft.Options{Name: "prism soft"}), renderer.ShaderSet{RayGen: code, Miss: code, ClosestHit: code}, nil
	case core.BackendVulkan:
		shaders, err := loadShaders(cfg.Shaders)
		if err != nil {
			return nil, shaders, err
		}
		dev, err := vulkan.New(vulkan.Options{AppName: cfg.Window.Title, Validation: cfg.Render.Validation})
		if err != nil {
			return nil, shaders, err
		}
		return dev, shaders, nil
	default:
		return nil, renderer.ShaderSet{}, errors.Newf("unknown backend %q", cfg.Render.Backend)
	}
}

func loadShaders(paths core.ShaderConfig) (renderer.ShaderSet, error) {
	var set renderer.ShaderSet
	var err error
	if set.RayGen, err = loaders.LoadShader(paths.RayGen); err != nil {
		return set, err
	}
	if set.Miss, err = loaders.LoadShader(paths.Miss); err != nil {
		return set, err
	}
	if set.ClosestHit, err = loaders.LoadShader(paths.ClosestHit); err != nil {
		return set, err
	}
	return set, nil
}

func loadScene(cfg *core.Config) (*scene.Scene, error) {
	if cfg.Scene.Path == "" {
		core.LogInfo("no scene given, using the demo scene")
		return scene.Demo(), nil
	}
	return loaders.LoadGLTF(cfg.Scene.Path)
}
