// Package vulkan implements driver.Device on top of Vulkan 1.2 with the KHR
// acceleration structure and ray tracing pipeline extensions.
package vulkan

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// Window is a window system surface the device can present to.
type Window interface {
	RequiredInstanceExtensions() []string
	CreateSurface(instance vk.Instance) (vk.Surface, error)
	// GetInstanceProcAddress returns the vkGetInstanceProcAddr the window
	// system was built against.
	GetInstanceProcAddress() unsafe.Pointer
}

type Options struct {
	AppName string
	// Validation enables the Khronos validation layer and the debug report
	// callback when they are installed.
	Validation bool
	// Window is nil for a headless device.
	Window Window
}

// Device is a driver.Device backed by a Vulkan logical device with a single
// graphics queue.
type Device struct {
	opts  Options
	khr   *khr
	locks *lockPool

	instance       vk.Instance
	debugCallback  vk.DebugReportCallback
	surface        vk.Surface
	physical       vk.PhysicalDevice
	device         vk.Device
	queue          vk.Queue
	memory         vk.PhysicalDeviceMemoryProperties
	info           driver.DeviceInfo
	hasDebugReport bool
	portability    bool

	next     uint64
	buffers  map[driver.Buffer]*buffer
	images   map[driver.Image]*image
	pools    map[driver.CommandPool]vk.CommandPool
	commands map[driver.CommandBuffer]vk.CommandBuffer
	// commandPools records the pool each command buffer came from.
	commandPools map[driver.CommandBuffer]driver.CommandPool
	fences       map[driver.Fence]vk.Fence
	semaphores   map[driver.Semaphore]vk.Semaphore
	accels       map[driver.AccelerationStructure]*accelStructure
	pipelines    map[driver.Pipeline]*pipeline
	bindings     map[driver.Bindings]*bindingSet
	swapchains   map[driver.Swapchain]*swapchain

	destroyed bool
}

var _ driver.Device = (*Device)(nil)

// New creates the instance, picks a physical device that supports ray
// tracing and creates the logical device. Any failure releases what was
// created so far.
func New(opts Options) (*Device, error) {
	if opts.AppName == "" {
		opts.AppName = "prism"
	}
	d := &Device{
		opts:         opts,
		locks:        newLockPool(),
		buffers:      make(map[driver.Buffer]*buffer),
		images:       make(map[driver.Image]*image),
		pools:        make(map[driver.CommandPool]vk.CommandPool),
		commands:     make(map[driver.CommandBuffer]vk.CommandBuffer),
		commandPools: make(map[driver.CommandBuffer]driver.CommandPool),
		fences:       make(map[driver.Fence]vk.Fence),
		semaphores:   make(map[driver.Semaphore]vk.Semaphore),
		accels:       make(map[driver.AccelerationStructure]*accelStructure),
		pipelines:    make(map[driver.Pipeline]*pipeline),
		bindings:     make(map[driver.Bindings]*bindingSet),
		swapchains:   make(map[driver.Swapchain]*swapchain),
	}
	if err := d.init(); err != nil {
		d.Destroy()
		return nil, err
	}
	return d, nil
}

func (d *Device) init() error {
	var procAddr unsafe.Pointer
	if d.opts.Window != nil {
		procAddr = d.opts.Window.GetInstanceProcAddress()
	} else {
		procAddr = openLoader()
	}
	if procAddr == nil {
		return &driver.ResultError{Op: "load vulkan", Result: driver.ErrorInitializationFailed}
	}
	vk.SetGetInstanceProcAddr(procAddr)
	if err := vk.Init(); err != nil {
		return errors.Wrap(err, "initializing vulkan")
	}

	if err := d.createInstance(); err != nil {
		return err
	}
	k, ok := newKHR(procAddr, d.instance)
	if !ok {
		return &driver.ResultError{Op: "load instance entry points", Result: driver.ErrorInitializationFailed}
	}
	d.khr = k

	if d.opts.Window != nil {
		core.LogDebug("Creating Vulkan surface...")
		surface, err := d.opts.Window.CreateSurface(d.instance)
		if err != nil {
			return errors.Wrap(err, "creating window surface")
		}
		d.surface = surface
		core.LogDebug("Vulkan surface created.")
	}

	if err := d.selectPhysicalDevice(); err != nil {
		return err
	}
	return d.createLogicalDevice()
}

func (d *Device) createInstance() error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 2, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(d.opts.AppName),
		PEngineName:        VulkanSafeString("prism"),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	var extensions []string
	if d.opts.Window != nil {
		extensions = append(extensions, "VK_KHR_surface")
		extensions = append(extensions, d.opts.Window.RequiredInstanceExtensions()...)
	}
	if runtime.GOOS == "darwin" {
		extensions = append(extensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		createInfo.Flags |= 1
	}

	var layers []string
	if d.opts.Validation {
		if hasLayer("VK_LAYER_KHRONOS_validation") {
			layers = append(layers, "VK_LAYER_KHRONOS_validation")
			extensions = append(extensions, vk.ExtDebugReportExtensionName)
			d.hasDebugReport = true
		} else {
			core.LogWarn("validation requested but VK_LAYER_KHRONOS_validation is not installed")
		}
	}
	extensions = dedupe(extensions)
	core.LogDebug("instance extensions: %v", extensions)

	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(extensions)
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(layers)

	var instance vk.Instance
	if res := vk.CreateInstance(&createInfo, nil, &instance); res != vk.Success {
		return check("create instance", res)
	}
	d.instance = instance
	if err := vk.InitInstance(d.instance); err != nil {
		return errors.Wrap(err, "loading instance functions")
	}
	core.LogInfo("Vulkan Instance created.")

	if d.hasDebugReport {
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		var dbg vk.DebugReportCallback
		if res := vk.CreateDebugReportCallback(d.instance, &debugCreateInfo, nil, &dbg); res != vk.Success {
			core.LogWarn("vk.CreateDebugReportCallback failed with %s", toResult(res))
			d.hasDebugReport = false
		} else {
			d.debugCallback = dbg
			core.LogDebug("Vulkan debugger created.")
		}
	}
	return nil
}

func hasLayer(name string) bool {
	var count uint32
	if res := vk.EnumerateInstanceLayerProperties(&count, nil); res != vk.Success {
		return false
	}
	layers := make([]vk.LayerProperties, count)
	if res := vk.EnumerateInstanceLayerProperties(&count, layers); res != vk.Success {
		return false
	}
	for i := range layers {
		layers[i].Deref()
		if cString(layers[i].LayerName[:]) == name {
			return true
		}
	}
	return false
}

func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := list[:0]
	for _, s := range list {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (d *Device) Info() driver.DeviceInfo {
	return d.info
}

func (d *Device) handle() uint64 {
	d.next++
	return d.next
}

// Destroy releases the device, the surface and the instance. Objects still
// registered are destroyed first and logged as leaks.
func (d *Device) Destroy() {
	if d.destroyed {
		return
	}
	d.destroyed = true

	if d.device != nil {
		vk.DeviceWaitIdle(d.device)
		d.destroyLeaked()
		core.LogDebug("Destroying logical device...")
		vk.DestroyDevice(d.device, nil)
		d.device = nil
	}
	if d.surface != vk.NullSurface {
		core.LogDebug("Destroying Vulkan surface...")
		vk.DestroySurface(d.instance, d.surface, nil)
		d.surface = vk.NullSurface
	}
	if d.debugCallback != vk.NullDebugReportCallback {
		core.LogDebug("Destroying Vulkan debugger...")
		vk.DestroyDebugReportCallback(d.instance, d.debugCallback, nil)
		d.debugCallback = vk.NullDebugReportCallback
	}
	if d.instance != nil {
		core.LogDebug("Destroying Vulkan instance...")
		vk.DestroyInstance(d.instance, nil)
		d.instance = nil
	}
	if d.khr != nil {
		d.khr.free()
		d.khr = nil
	}
}

func (d *Device) destroyLeaked() {
	leaked := 0
	for h := range d.bindings {
		d.DestroyBindings(h)
		leaked++
	}
	for h := range d.pipelines {
		d.DestroyPipeline(h)
		leaked++
	}
	for h := range d.accels {
		d.DestroyAccelerationStructure(h)
		leaked++
	}
	for h := range d.swapchains {
		d.DestroySwapchain(h)
		leaked++
	}
	for h := range d.images {
		d.DestroyImage(h)
		leaked++
	}
	for h := range d.buffers {
		d.DestroyBuffer(h)
		leaked++
	}
	for h := range d.pools {
		d.DestroyCommandPool(h)
		leaked++
	}
	for h := range d.fences {
		d.DestroyFence(h)
		leaked++
	}
	for h := range d.semaphores {
		d.DestroySemaphore(h)
		leaked++
	}
	if leaked > 0 {
		core.LogWarn("destroyed %d leaked vulkan objects", leaked)
	}
}

var (
	validationMu       sync.Mutex
	validationMessages []string
)

// ValidationErrors returns the error messages reported by the validation
// layer so far.
func (d *Device) ValidationErrors() []string {
	validationMu.Lock()
	defer validationMu.Unlock()
	return append([]string(nil), validationMessages...)
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("ERROR: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
		validationMu.Lock()
		validationMessages = append(validationMessages, pMessage)
		validationMu.Unlock()
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("PERFORMANCE WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogDebug("INFORMATION: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
