package engine

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
	"github.com/spaghettifunk/prism/engine/scene"
)

func softEngine(t *testing.T) (*soft.Device, *Engine) {
	t.Helper()
	dev := soft.New(soft.Options{})
	r, err := renderer.New(dev, scene.Demo(), renderer.Options{
		Extent:      driver.Extent2D{Width: 8, Height: 8},
		AllowUpdate: true,
		Shaders: renderer.ShaderSet{
			RayGen:     soft.ShaderModule(),
			Miss:       soft.ShaderModule(),
			ClosestHit: soft.ShaderModule(),
		},
	})
	require.NoError(t, err)
	t.Cleanup(r.Teardown)
	return dev, &Engine{renderer: r, logger: core.Logger("session", "test")}
}

func grownDemo() *scene.Scene {
	sc := scene.Demo()
	cube := 1
	sc.Nodes = append(sc.Nodes, scene.Node{Name: "extra", Local: mgl32.Translate3D(0, 2, 0), Mesh: &cube})
	sc.Nodes[0].Children = append(sc.Nodes[0].Children, len(sc.Nodes)-1)
	return sc
}

func TestApplySceneUpdatesRenderer(t *testing.T) {
	_, e := softEngine(t)
	e.applyScene(grownDemo())
	assert.NoError(t, e.failure)
	assert.Equal(t, 6, e.renderer.Stats().Instances)
}

func TestApplySceneKeepsPreviousOnInvalidScene(t *testing.T) {
	_, e := softEngine(t)
	broken := scene.Demo()
	broken.Primitives[1].Indices = nil
	e.applyScene(broken)
	assert.NoError(t, e.failure)
	assert.Equal(t, 5, e.renderer.Stats().Instances)
}

func TestApplySceneDeviceFailureStopsLoop(t *testing.T) {
	dev, e := softEngine(t)
	dev.FailNextCreate(driver.LevelTop, driver.ErrorOutOfDeviceMemory)
	e.applyScene(grownDemo())
	require.Error(t, e.failure)
	assert.Equal(t, core.KindAllocation, core.KindOf(e.failure))
}
