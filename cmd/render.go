package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/urfave/cli"

	"github.com/spaghettifunk/prism/engine"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// RenderFrame traces a single frame into host memory and writes it as an
// image.
func RenderFrame(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	setupLogging(ctx, cfg)

	session := uuid.New().String()
	logger := core.Logger("session", session)

	sc, err := loadScene(cfg)
	if err != nil {
		return err
	}
	dev, shaders, err := openHeadless(cfg)
	if err != nil {
		return err
	}

	extent := driver.Extent2D{Width: cfg.Window.Width, Height: cfg.Window.Height}
	r, err := renderer.New(dev, sc, renderer.Options{
		Extent:      extent,
		AllowUpdate: cfg.Render.AllowUpdate,
		Shaders:     shaders,
	})
	if err != nil {
		return err
	}
	defer r.Teardown()

	logger.Info("rendering frame", "backend", cfg.Render.Backend, "width", extent.Width, "height", extent.Height)
	start := time.Now()
	pixels, err := r.RenderToHostBuffer()
	if err != nil {
		return err
	}
	renderTime := time.Since(start)

	out := cfg.Render.Output
	if out == "" {
		out = fmt.Sprintf("frame-%s.png", session)
	}
	if err := saveFrame(out, pixels, extent); err != nil {
		return err
	}
	logger.Info("frame written", "path", out)

	displayFrameStats(r.Stats(), cfg.Render.Backend, renderTime)
	return nil
}

// RenderInteractive opens a window and renders the scene with Vulkan until the
// window is closed.
func RenderInteractive(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	setupLogging(ctx, cfg)
	if cfg.Render.Backend != core.BackendVulkan {
		return errors.Newf("interactive rendering needs the %s backend, got %s", core.BackendVulkan, cfg.Render.Backend)
	}

	e, err := engine.New(&engine.ApplicationConfig{
		StartPosX: 100,
		StartPosY: 100,
		Session:   uuid.New().String(),
		Config:    cfg,
	})
	if err != nil {
		return err
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			e.Stop()
		}
	}()

	if err := e.Initialize(); err != nil {
		_ = e.Shutdown()
		return err
	}
	runErr := e.Run()
	if err := e.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
