// Package gpu holds the backend independent resource layer: buffers, images,
// command buffers, the queue submitter and synchronization primitives.
package gpu

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// MemoryLocation selects the kind of memory a resource lives in.
type MemoryLocation uint8

const (
	// Device local, not mappable.
	GpuOnly MemoryLocation = iota
	// Host visible and coherent, written by the CPU and read by the GPU.
	CpuToGpu
	// Host visible, preferably cached, written by the GPU and read back.
	GpuToCpu
	// Host visible and coherent, no preference on locality.
	HostCoherent
)

func (l MemoryLocation) String() string {
	switch l {
	case GpuOnly:
		return "gpu-only"
	case CpuToGpu:
		return "cpu-to-gpu"
	case GpuToCpu:
		return "gpu-to-cpu"
	case HostCoherent:
		return "host-coherent"
	default:
		return fmt.Sprintf("location(%d)", uint8(l))
	}
}

// HostVisible reports whether resources in l can be mapped.
func (l MemoryLocation) HostVisible() bool {
	return l != GpuOnly
}

func (l MemoryLocation) flags() (required, preferred driver.MemoryPropertyFlags) {
	switch l {
	case GpuOnly:
		return driver.MemoryPropertyDeviceLocal, 0
	case CpuToGpu:
		return driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent, driver.MemoryPropertyDeviceLocal
	case GpuToCpu:
		return driver.MemoryPropertyHostVisible, driver.MemoryPropertyHostCached
	case HostCoherent:
		return driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent, 0
	}
	return 0, 0
}

// Context is the shared handle to a device. It is reference counted: every
// component that keeps a Context calls Retain and releases it when done. The
// device is destroyed when the last reference goes away.
type Context struct {
	device driver.Device
	info   driver.DeviceInfo
	refs   atomic.Int32
}

// NewContext takes ownership of dev. The returned Context holds one reference.
func NewContext(dev driver.Device) *Context {
	ctx := &Context{
		device: dev,
		info:   dev.Info(),
	}
	ctx.refs.Store(1)
	core.LogDebug("gpu context created for %s (%d memory types, queue family %d)",
		ctx.info.Name, len(ctx.info.MemoryTypes), ctx.info.QueueFamilyIndex)
	return ctx
}

func (c *Context) Device() driver.Device {
	return c.device
}

func (c *Context) Info() driver.DeviceInfo {
	return c.info
}

func (c *Context) Limits() driver.RayTracingLimits {
	return c.info.RayTracing
}

// Retain adds a reference and returns c for chaining.
func (c *Context) Retain() *Context {
	n := c.refs.Add(1)
	core.Assert(n > 1, "retaining a released gpu context")
	return c
}

// Release drops a reference. The device is destroyed when the count reaches
// zero. It reports whether this call destroyed the device.
func (c *Context) Release() bool {
	n := c.refs.Add(-1)
	core.Assert(n >= 0, "gpu context released too many times")
	if n == 0 {
		core.LogDebug("destroying device %s", c.info.Name)
		c.device.Destroy()
		return true
	}
	return false
}

// References returns the current reference count.
func (c *Context) References() int {
	return int(c.refs.Load())
}

// MemoryTypeIndex resolves loc against the device memory types. A location
// the device cannot satisfy is an error, there is no fallback.
func (c *Context) MemoryTypeIndex(loc MemoryLocation) (uint32, error) {
	required, preferred := loc.flags()
	if required == 0 {
		return 0, errors.Wrapf(core.ErrUnsupported, "unknown memory location %d", loc)
	}
	found := -1
	for i, mt := range c.info.MemoryTypes {
		if mt.PropertyFlags&required != required {
			continue
		}
		if found < 0 {
			found = i
		}
		if preferred != 0 && mt.PropertyFlags&preferred == preferred {
			return uint32(i), nil
		}
	}
	if found < 0 {
		return 0, errors.Wrapf(core.ErrUnsupported, "no memory type for %s", loc)
	}
	return uint32(found), nil
}
