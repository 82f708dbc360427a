// Package engine runs the interactive renderer: it owns the window, the
// Vulkan device, the asset watcher and the render loop.
package engine

import (
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/spaghettifunk/prism/engine/assets"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/platform"
	"github.com/spaghettifunk/prism/engine/renderer"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/vulkan"
	"github.com/spaghettifunk/prism/engine/scene"
	"github.com/spaghettifunk/prism/engine/systems"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

const (
	cameraMoveSpeed   float32 = 2.5
	cameraTurnSpeed   float32 = 1.2
	statsLogInterval          = 5 * time.Second
	suspendedInterval         = 50 * time.Millisecond
)

type Engine struct {
	currentStage Stage
	config       *ApplicationConfig
	isRunning    atomic.Bool
	isSuspended  bool
	platform     *platform.Platform
	assetManager *assets.AssetManager
	jobs         *systems.JobSystem
	events       *core.EventBus
	renderer     *renderer.Renderer
	width        uint32
	height       uint32
	clock        *core.Clock
	lastTime     float64
	lastStats    time.Time
	logger       *log.Logger

	// A scene load is running on the job system, another change arrived
	// meanwhile.
	reloading     bool
	reloadPending bool
	// Device failure from a scene update, returned by Run.
	failure error
}

func New(cfg *ApplicationConfig) (*Engine, error) {
	events := core.NewEventBus()
	am, err := assets.NewAssetManager(events, assets.DefaultDebounce)
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	jobs, err := systems.NewJobSystem(1, 1)
	if err != nil {
		am.Close()
		return nil, err
	}
	return &Engine{
		currentStage: EngineStageUninitialized,
		config:       cfg,
		platform:     platform.New(events),
		assetManager: am,
		jobs:         jobs,
		events:       events,
		width:        cfg.Config.Window.Width,
		height:       cfg.Config.Window.Height,
		clock:        core.NewClock(),
		logger:       core.Logger("session", cfg.Session),
	}, nil
}

func (e *Engine) Initialize() error {
	e.currentStage = EngineStageInitializing
	cfg := e.config.Config

	e.events.Register(core.EventCodeApplicationQuit, e, e.onEvent)
	e.events.Register(core.EventCodeShaderChanged, e, e.onEvent)

	if err := e.platform.Startup(e.config.Name(), e.config.StartPosX, e.config.StartPosY, e.width, e.height); err != nil {
		return err
	}

	dev, err := vulkan.New(vulkan.Options{
		AppName:    e.config.Name(),
		Validation: cfg.Render.Validation,
		Window:     e.platform,
	})
	if err != nil {
		return err
	}

	shaders, err := e.loadShaders()
	if err != nil {
		dev.Destroy()
		return err
	}
	sc, err := e.loadScene()
	if err != nil {
		dev.Destroy()
		return err
	}

	presentMode, ok := driver.ParsePresentMode(cfg.Render.PresentMode)
	if !ok {
		e.logger.Warn("unknown present mode, using fifo", "mode", cfg.Render.PresentMode)
	}
	extent := e.platform.FramebufferSize()
	e.width, e.height = extent.Width, extent.Height

	// The renderer owns dev from here on.
	e.renderer, err = renderer.New(dev, sc, renderer.Options{
		Extent:      extent,
		Present:     true,
		PresentMode: presentMode,
		AllowUpdate: cfg.Render.AllowUpdate,
		Shaders:     shaders,
	})
	if err != nil {
		return err
	}

	if cfg.Scene.Watch {
		if err := e.watch(); err != nil {
			return err
		}
	}

	e.currentStage = EngineStageInitialized
	return nil
}

func (e *Engine) loadShaders() (renderer.ShaderSet, error) {
	paths := e.config.Config.Shaders
	var set renderer.ShaderSet
	var err error
	if set.RayGen, err = e.assetManager.LoadShader(paths.RayGen); err != nil {
		return set, err
	}
	if set.Miss, err = e.assetManager.LoadShader(paths.Miss); err != nil {
		return set, err
	}
	if set.ClosestHit, err = e.assetManager.LoadShader(paths.ClosestHit); err != nil {
		return set, err
	}
	return set, nil
}

func (e *Engine) loadScene() (*scene.Scene, error) {
	path := e.config.Config.Scene.Path
	if path == "" {
		e.logger.Info("no scene configured, rendering the demo scene")
		return scene.Demo(), nil
	}
	return e.assetManager.LoadScene(path)
}

// watch follows the scene file directory and the shader directory.
func (e *Engine) watch() error {
	cfg := e.config.Config
	dirs := []string{filepath.Dir(cfg.Shaders.RayGen)}
	if cfg.Scene.Path != "" {
		dirs = append(dirs, filepath.Dir(cfg.Scene.Path))
	}
	for _, dir := range dirs {
		if err := e.assetManager.Watch(dir); err != nil {
			return errors.Wrapf(err, "watching %s", dir)
		}
	}
	return nil
}

// Run drives the render loop on the calling goroutine, which must be the main
// OS thread, until the window closes or Stop is called.
func (e *Engine) Run() error {
	if e.currentStage != EngineStageInitialized {
		return errors.New("engine is not initialized")
	}
	e.currentStage = EngineStageRunning
	e.isRunning.Store(true)

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()
	e.lastStats = time.Now()

	for e.isRunning.Load() {
		e.platform.PumpMessages()
		if e.platform.ShouldClose() {
			break
		}

		e.drainResizes()
		e.drainChanges()
		e.jobs.Update()
		if e.failure != nil {
			return e.failure
		}

		if e.isSuspended {
			time.Sleep(suspendedInterval)
			continue
		}

		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := float32(currentTime - e.lastTime)
		e.lastTime = currentTime

		e.moveCamera(delta)

		err := e.renderer.RenderToSurface()
		switch {
		case err == nil:
		case errors.Is(err, core.ErrSwapchainBooting):
			// The swapchain is being rebuilt, the next frame renders.
		default:
			return err
		}

		if time.Since(e.lastStats) >= statsLogInterval {
			s := e.renderer.Stats()
			e.logger.Info("frame stats", "fps", s.FPS, "frame_ms", s.FrameTime, "frames", s.Frames)
			e.lastStats = time.Now()
		}
	}
	return nil
}

// Stop asks the render loop to exit. It is safe to call from any goroutine.
func (e *Engine) Stop() {
	e.isRunning.Store(false)
}

// Shutdown releases everything Initialize created. Call it from the goroutine
// that ran the loop.
func (e *Engine) Shutdown() error {
	e.currentStage = EngineStageShuttingDown
	e.isRunning.Store(false)
	if e.renderer != nil {
		e.renderer.Teardown()
		e.renderer = nil
	}
	err := e.assetManager.Close()
	if jerr := e.jobs.Shutdown(); err == nil {
		err = jerr
	}
	e.platform.Shutdown()
	e.currentStage = EngineStageUninitialized
	return err
}

func (e *Engine) Renderer() *renderer.Renderer {
	return e.renderer
}

func (e *Engine) drainResizes() {
	for {
		select {
		case extent := <-e.platform.Resized():
			e.onResized(extent.Width, extent.Height)
		default:
			return
		}
	}
}

func (e *Engine) drainChanges() {
	path := e.config.Config.Scene.Path
drain:
	for {
		select {
		case c, ok := <-e.assetManager.Changes():
			if !ok {
				break drain
			}
			if path != "" && (c.Type == assets.AssetTypeScene || c.Type == assets.AssetTypeSceneData) {
				e.reloadPending = true
			}
		default:
			break drain
		}
	}
	if e.reloadPending && !e.reloading {
		e.reloadScene(path)
	}
}

// reloadScene parses the scene on the job system. The renderer is only
// touched from the loop when the job completes.
func (e *Engine) reloadScene(path string) {
	e.reloadPending = false
	e.reloading = true
	err := e.jobs.Submit(systems.JobTask{
		Name: "load " + path,
		Run: func() (interface{}, error) {
			return e.assetManager.LoadScene(path)
		},
		OnComplete: func(result interface{}) {
			e.reloading = false
			e.logger.Info("scene changed on disk, updating", "path", path)
			if err := e.renderer.UpdateScene(result.(*scene.Scene)); err != nil {
				e.logger.Error("scene update failed", "err", err)
			}
		},
		OnFailure: func(err error) {
			e.reloading = false
			e.logger.Error("scene reload failed", "path", path, "err", err)
		},
	})
	if err != nil {
		e.reloading = false
		e.logger.Error("cannot schedule scene reload", "err", err)
	}
}

// applyScene hands a reloaded scene to the renderer. A scene the renderer
// rejects keeps the previous one on screen; device errors stop the loop.
func (e *Engine) applyScene(sc *scene.Scene) {
	err := e.renderer.UpdateScene(sc)
	switch {
	case err == nil:
	case errors.Is(err, renderer.ErrInvalidScene):
		e.logger.Warn("reloaded scene rejected, keeping the previous one", "err", err)
	default:
		e.logger.Error("scene update failed", "err", err)
		e.failure = errors.Wrap(err, "updating scene")
	}
}

func (e *Engine) moveCamera(delta float32) {
	cam := e.renderer.Camera()
	step := cameraMoveSpeed * delta
	turn := cameraTurnSpeed * delta
	keys := []struct {
		key  glfw.Key
		move func()
	}{
		{glfw.KeyW, func() { cam.MoveForward(step) }},
		{glfw.KeyS, func() { cam.MoveBackward(step) }},
		{glfw.KeyA, func() { cam.MoveLeft(step) }},
		{glfw.KeyD, func() { cam.MoveRight(step) }},
		{glfw.KeyE, func() { cam.MoveUp(step) }},
		{glfw.KeyQ, func() { cam.MoveDown(step) }},
		{glfw.KeyLeft, func() { cam.Yaw(turn) }},
		{glfw.KeyRight, func() { cam.Yaw(-turn) }},
		{glfw.KeyUp, func() { cam.Pitch(turn) }},
		{glfw.KeyDown, func() { cam.Pitch(-turn) }},
	}
	for _, k := range keys {
		if e.platform.KeyDown(k.key) {
			k.move()
		}
	}
}

func (e *Engine) onEvent(code core.SystemEventCode, sender interface{}, data core.EventContext) bool {
	switch code {
	case core.EventCodeApplicationQuit:
		e.logger.Info("quit requested, shutting down")
		e.Stop()
		return true
	case core.EventCodeShaderChanged:
		e.logger.Warn("shader binary changed, restart to use it", "path", data.Path)
		return true
	}
	return false
}

func (e *Engine) onResized(width, height uint32) {
	if width == e.width && height == e.height {
		return
	}
	e.width, e.height = width, height
	e.logger.Debug("window resize", "width", width, "height", height)

	if width == 0 || height == 0 {
		e.logger.Info("window minimized, suspending rendering")
		e.isSuspended = true
		return
	}
	if e.isSuspended {
		e.logger.Info("window restored, resuming rendering")
		e.isSuspended = false
	}
	e.renderer.Resized(width, height)
}
