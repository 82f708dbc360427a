// Package platform owns the glfw window the interactive renderer presents to.
package platform

import (
	"runtime"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

func init() {
	// GLFW event handling must run on the main OS thread
	runtime.LockOSThread()
}

type Platform struct {
	Window *glfw.Window

	events  *core.EventBus
	resized chan driver.Extent2D
}

// New creates a platform. Events, if non nil, receives resize and quit
// notifications in addition to the Resized channel.
func New(events *core.EventBus) *Platform {
	return &Platform{
		events:  events,
		resized: make(chan driver.Extent2D, 1),
	}
}

func (p *Platform) Startup(applicationName string, x, y, width, height uint32) error {
	if err := glfw.Init(); err != nil {
		return errors.Wrap(err, "failed to initialize glfw")
	}
	if !glfw.VulkanSupported() {
		glfw.Terminate()
		return errors.New("glfw reports no Vulkan loader")
	}

	glfw.WindowHint(glfw.Visible, glfw.False)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI) // Required for Vulkan.

	window, err := glfw.CreateWindow(int(width), int(height), applicationName, nil, nil)
	if err != nil {
		glfw.Terminate()
		return errors.Wrap(err, "failed to create window")
	}
	p.Window = window

	p.Window.SetKeyCallback(p.keyCallback)
	p.Window.SetFramebufferSizeCallback(p.framebufferSizeCallback)
	p.Window.SetPos(int(x), int(y))
	p.Window.Show()
	core.LogInfo("window '%s' created: %dx%d", applicationName, width, height)
	return nil
}

func (p *Platform) Shutdown() {
	if p.Window != nil {
		p.Window.Destroy()
		p.Window = nil
	}
	glfw.Terminate()
}

func (p *Platform) PumpMessages() {
	glfw.PollEvents()
}

func (p *Platform) ShouldClose() bool {
	return p.Window == nil || p.Window.ShouldClose()
}

// Resized delivers the latest framebuffer size. Only the newest size is
// kept when the loop falls behind.
func (p *Platform) Resized() <-chan driver.Extent2D {
	return p.resized
}

func (p *Platform) FramebufferSize() driver.Extent2D {
	w, h := p.Window.GetFramebufferSize()
	return driver.Extent2D{Width: uint32(w), Height: uint32(h)}
}

func (p *Platform) KeyDown(key glfw.Key) bool {
	return p.Window != nil && p.Window.GetKey(key) == glfw.Press
}

func (p *Platform) RequiredInstanceExtensions() []string {
	return p.Window.GetRequiredInstanceExtensions()
}

func (p *Platform) CreateSurface(instance vk.Instance) (vk.Surface, error) {
	surface, err := p.Window.CreateWindowSurface(instance, nil)
	if err != nil {
		return vk.NullSurface, errors.Wrap(err, "Vulkan surface creation failed")
	}
	return vk.SurfaceFromPointer(surface), nil
}

func (p *Platform) GetInstanceProcAddress() unsafe.Pointer {
	return glfw.GetVulkanGetInstanceProcAddress()
}

func (p *Platform) keyCallback(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
	if key == glfw.KeyEscape && action == glfw.Press {
		w.SetShouldClose(true)
		if p.events != nil {
			p.events.Fire(core.EventCodeApplicationQuit, p, core.EventContext{})
		}
	}
}

func (p *Platform) framebufferSizeCallback(w *glfw.Window, width, height int) {
	extent := driver.Extent2D{Width: uint32(width), Height: uint32(height)}
	select {
	case <-p.resized:
	default:
	}
	p.resized <- extent
	if p.events != nil {
		p.events.Fire(core.EventCodeResized, p, core.EventContext{U32: [4]uint32{extent.Width, extent.Height}})
	}
}
