// Package soft is a host memory implementation of driver.Device. Work is
// recorded like on a GPU and executed when the CPU waits for it, so fence and
// semaphore misuse shows up as validation errors. Acceleration structures are
// built as CPU BVHs and trace calls are ray cast on the CPU.
package soft

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

const (
	addressBase      = 0x1_0000
	addressAlignment = 256
)

// Options configure a software device. Zero values select defaults.
type Options struct {
	Name string
	// Surface is the initial extent of the virtual presentation surface. A
	// zero extent creates a headless device.
	Surface         driver.Extent2D
	SwapchainImages int
	MemoryTypes     []driver.MemoryType
	Limits          driver.RayTracingLimits
	// Rows traced per worker.
	TileRows int
}

// DefaultMemoryTypes mirrors a discrete GPU: device local, two host visible
// types and a small device local, host visible window.
func DefaultMemoryTypes() []driver.MemoryType {
	return []driver.MemoryType{
		{PropertyFlags: driver.MemoryPropertyDeviceLocal, HeapIndex: 0},
		{PropertyFlags: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent, HeapIndex: 1},
		{PropertyFlags: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent | driver.MemoryPropertyHostCached, HeapIndex: 1},
		{PropertyFlags: driver.MemoryPropertyDeviceLocal | driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent, HeapIndex: 2},
	}
}

func DefaultLimits() driver.RayTracingLimits {
	return driver.RayTracingLimits{
		ShaderGroupHandleSize:      32,
		ShaderGroupHandleAlignment: 32,
		ShaderGroupBaseAlignment:   64,
		MinScratchAlignment:        128,
		MaxRecursionDepth:          1,
	}
}

// Device implements driver.Device in host memory.
type Device struct {
	info     driver.DeviceInfo
	tileRows int

	next        uint64
	nextAddress uint64

	buffers    map[driver.Buffer]*buffer
	images     map[driver.Image]*image
	pools      map[driver.CommandPool]*commandPool
	commands   map[driver.CommandBuffer]*commandBuffer
	fences     map[driver.Fence]*fence
	semaphores map[driver.Semaphore]*semaphore
	accels     map[driver.AccelerationStructure]*accelStructure
	pipelines  map[driver.Pipeline]*pipeline
	bindings   map[driver.Bindings]*bindingSet
	swapchains map[driver.Swapchain]*swapchain

	queue   []*submission
	surface surface

	ledger *Ledger
	events eventLog

	vmu        sync.Mutex
	validation []error

	failWait   []driver.Result
	failCreate map[driver.AccelerationStructureLevel]driver.Result
	destroyed  bool
	traceCount int
}

var _ driver.Device = (*Device)(nil)

func New(opts Options) *Device {
	if opts.Name == "" {
		opts.Name = "prism software device"
	}
	if opts.SwapchainImages == 0 {
		opts.SwapchainImages = 3
	}
	if opts.MemoryTypes == nil {
		opts.MemoryTypes = DefaultMemoryTypes()
	}
	if opts.Limits == (driver.RayTracingLimits{}) {
		opts.Limits = DefaultLimits()
	}
	if opts.TileRows == 0 {
		opts.TileRows = 16
	}
	d := &Device{
		info: driver.DeviceInfo{
			Name:             opts.Name,
			MemoryTypes:      opts.MemoryTypes,
			QueueFamilyIndex: 0,
			RayTracing:       opts.Limits,
			CanPresent:       !opts.Surface.IsZero(),
		},
		tileRows:    opts.TileRows,
		nextAddress: addressBase,
		buffers:     make(map[driver.Buffer]*buffer),
		images:      make(map[driver.Image]*image),
		pools:       make(map[driver.CommandPool]*commandPool),
		commands:    make(map[driver.CommandBuffer]*commandBuffer),
		fences:      make(map[driver.Fence]*fence),
		semaphores:  make(map[driver.Semaphore]*semaphore),
		accels:      make(map[driver.AccelerationStructure]*accelStructure),
		pipelines:   make(map[driver.Pipeline]*pipeline),
		bindings:    make(map[driver.Bindings]*bindingSet),
		swapchains:  make(map[driver.Swapchain]*swapchain),
		surface: surface{
			extent:     opts.Surface,
			imageCount: opts.SwapchainImages,
		},
		ledger: newLedger(),
	}
	core.LogDebug("software device %q created", opts.Name)
	return d
}

func (d *Device) Info() driver.DeviceInfo {
	return d.info
}

// Ledger exposes handle bookkeeping.
func (d *Device) Ledger() *Ledger {
	return d.ledger
}

// Events returns a copy of the instrumented call log.
func (d *Device) Events() []Event {
	return d.events.snapshot()
}

func (d *Device) ClearEvents() {
	d.events.clear()
}

// ValidationErrors returns every misuse detected so far.
func (d *Device) ValidationErrors() []error {
	d.vmu.Lock()
	defer d.vmu.Unlock()
	out := make([]error, len(d.validation))
	copy(out, d.validation)
	return out
}

// TraceCount is the number of trace dispatches executed.
func (d *Device) TraceCount() int {
	return d.traceCount
}

// Destroyed reports whether Destroy was called.
func (d *Device) Destroyed() bool {
	return d.destroyed
}

// FailNextWait makes the next fence wait report r instead of executing.
func (d *Device) FailNextWait(r driver.Result) {
	d.failWait = append(d.failWait, r)
}

// FailNextCreate makes the next creation of an acceleration structure of level
// report r.
func (d *Device) FailNextCreate(level driver.AccelerationStructureLevel, r driver.Result) {
	if d.failCreate == nil {
		d.failCreate = make(map[driver.AccelerationStructureLevel]driver.Result)
	}
	d.failCreate[level] = r
}

func (d *Device) handle(k Kind) uint64 {
	d.next++
	d.ledger.created(d.next, k)
	return d.next
}

// release records a destruction. A second destruction is a validation error.
func (d *Device) release(h uint64, k Kind) bool {
	if h == 0 {
		return false
	}
	if !d.ledger.destroy(h) {
		d.invalid("destroy "+string(k), "%s %d destroyed more than once", k, h)
		return false
	}
	return true
}

// invalid records a validation error and returns it as a driver error.
func (d *Device) invalid(op, format string, args ...interface{}) error {
	err := errors.Wrapf(&driver.ResultError{Op: op, Result: driver.ErrorValidationFailed}, format, args...)
	d.vmu.Lock()
	d.validation = append(d.validation, err)
	d.vmu.Unlock()
	core.LogWarn("soft validation: %s", fmt.Sprintf(format, args...))
	return err
}

func (d *Device) Destroy() {
	if d.destroyed {
		return
	}
	d.flush(nil)
	d.destroyed = true
	if live := d.ledger.Live(""); len(live) > 0 {
		for _, h := range live {
			d.invalid("destroy device", "%s %d still alive when the device was destroyed", d.ledger.Kind(h), h)
		}
	}
	core.LogDebug("software device %q destroyed", d.info.Name)
}
