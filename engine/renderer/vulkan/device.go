package vulkan

import (
	"runtime"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

type physicalDeviceRequirements struct {
	Present              bool
	DiscreteGPU          bool
	DeviceExtensionNames []string
}

type physicalDeviceCandidate struct {
	device      vk.PhysicalDevice
	properties  vk.PhysicalDeviceProperties
	queueFamily uint32
	portability bool
}

func (d *Device) selectPhysicalDevice() error {
	var physicalDeviceCount uint32
	if res := vk.EnumeratePhysicalDevices(d.instance, &physicalDeviceCount, nil); res != vk.Success {
		return check("enumerate physical devices", res)
	}
	if physicalDeviceCount == 0 {
		return &driver.ResultError{Op: "select physical device", Result: driver.ErrorInitializationFailed}
	}
	physicalDevices := make([]vk.PhysicalDevice, physicalDeviceCount)
	if res := vk.EnumeratePhysicalDevices(d.instance, &physicalDeviceCount, physicalDevices); res != vk.Success {
		return check("enumerate physical devices", res)
	}

	requirements := physicalDeviceRequirements{
		Present:              d.surface != vk.NullSurface,
		DiscreteGPU:          runtime.GOOS != "darwin",
		DeviceExtensionNames: append([]string(nil), deviceExtensions...),
	}
	if requirements.Present {
		requirements.DeviceExtensionNames = append(requirements.DeviceExtensionNames, vk.KhrSwapchainExtensionName)
	}

	// Discrete GPUs win, anything else that meets the requirements is the
	// fallback.
	var fallback *physicalDeviceCandidate
	for i := range physicalDevices {
		candidate, ok := d.meetsRequirements(physicalDevices[i], &requirements)
		if !ok {
			continue
		}
		if candidate.properties.DeviceType == vk.PhysicalDeviceTypeDiscreteGpu || !requirements.DiscreteGPU {
			return d.adopt(candidate)
		}
		if fallback == nil {
			fallback = candidate
		}
	}
	if fallback != nil {
		core.LogWarn("no discrete GPU supports ray tracing, falling back to '%s'", cString(fallback.properties.DeviceName[:]))
		return d.adopt(fallback)
	}
	core.LogError("No physical devices were found which meet the requirements.")
	return &driver.ResultError{Op: "select physical device", Result: driver.ErrorFeatureNotPresent}
}

func (d *Device) meetsRequirements(device vk.PhysicalDevice, requirements *physicalDeviceRequirements) (*physicalDeviceCandidate, bool) {
	var properties vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(device, &properties)
	properties.Deref()
	name := cString(properties.DeviceName[:])

	if vk.Version(properties.ApiVersion).Minor() < 2 && vk.Version(properties.ApiVersion).Major() == 1 {
		core.LogInfo("Device '%s' does not support Vulkan 1.2, skipping.", name)
		return nil, false
	}

	var queueFamilyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, nil)
	queueFamilies := make([]vk.QueueFamilyProperties, queueFamilyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, queueFamilies)

	// A single family has to do graphics, compute and present.
	family := -1
	for i := range queueFamilies {
		queueFamilies[i].Deref()
		flags := queueFamilies[i].QueueFlags
		if flags&vk.QueueFlags(vk.QueueGraphicsBit) == 0 || flags&vk.QueueFlags(vk.QueueComputeBit) == 0 {
			continue
		}
		if requirements.Present {
			var supportsPresent vk.Bool32 = vk.False
			if res := vk.GetPhysicalDeviceSurfaceSupport(device, uint32(i), d.surface, &supportsPresent); res != vk.Success || supportsPresent != vk.True {
				continue
			}
		}
		family = i
		break
	}
	if family < 0 {
		core.LogInfo("Device '%s' has no queue family for graphics and present, skipping.", name)
		return nil, false
	}

	available, err := deviceExtensionNames(device)
	if err != nil {
		core.LogWarn("Device '%s': %v", name, err)
		return nil, false
	}
	for _, required := range requirements.DeviceExtensionNames {
		if !available[required] {
			core.LogInfo("Required extension not found: '%s', skipping device '%s'.", required, name)
			return nil, false
		}
	}
	if !d.khr.supported(device) {
		core.LogInfo("Device '%s' does not expose the ray tracing features, skipping.", name)
		return nil, false
	}

	core.LogDebug("Device '%s' meets the requirements, queue family %d.", name, family)
	return &physicalDeviceCandidate{
		device:      device,
		properties:  properties,
		queueFamily: uint32(family),
		portability: available["VK_KHR_portability_subset"],
	}, true
}

func deviceExtensionNames(device vk.PhysicalDevice) (map[string]bool, error) {
	var count uint32
	if res := vk.EnumerateDeviceExtensionProperties(device, "", &count, nil); res != vk.Success {
		return nil, check("enumerate device extensions", res)
	}
	extensions := make([]vk.ExtensionProperties, count)
	if count > 0 {
		if res := vk.EnumerateDeviceExtensionProperties(device, "", &count, extensions); res != vk.Success {
			return nil, check("enumerate device extensions", res)
		}
	}
	names := make(map[string]bool, count)
	for i := range extensions {
		extensions[i].Deref()
		names[cString(extensions[i].ExtensionName[:])] = true
	}
	return names, nil
}

func (d *Device) adopt(c *physicalDeviceCandidate) error {
	d.physical = c.device

	var memory vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(c.device, &memory)
	memory.Deref()
	d.memory = memory

	properties := c.properties
	name := cString(properties.DeviceName[:])
	core.LogInfo("Selected device: '%s'.", name)
	switch properties.DeviceType {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		core.LogInfo("GPU type is Integrated.")
	case vk.PhysicalDeviceTypeDiscreteGpu:
		core.LogInfo("GPU type is Discrete.")
	case vk.PhysicalDeviceTypeVirtualGpu:
		core.LogInfo("GPU type is Virtual.")
	case vk.PhysicalDeviceTypeCpu:
		core.LogInfo("GPU type is CPU.")
	default:
		core.LogInfo("GPU type is Unknown.")
	}
	core.LogInfo("GPU Driver version: %d.%d.%d",
		vk.Version(properties.DriverVersion).Major(),
		vk.Version(properties.DriverVersion).Minor(),
		vk.Version(properties.DriverVersion).Patch())
	core.LogInfo("Vulkan API version: %d.%d.%d",
		vk.Version(properties.ApiVersion).Major(),
		vk.Version(properties.ApiVersion).Minor(),
		vk.Version(properties.ApiVersion).Patch())

	types := make([]driver.MemoryType, memory.MemoryTypeCount)
	for i := range types {
		memory.MemoryTypes[i].Deref()
		types[i] = driver.MemoryType{
			PropertyFlags: fromMemoryFlags(memory.MemoryTypes[i].PropertyFlags),
			HeapIndex:     memory.MemoryTypes[i].HeapIndex,
		}
	}
	for j := 0; j < int(memory.MemoryHeapCount); j++ {
		memory.MemoryHeaps[j].Deref()
		sizeGib := memory.MemoryHeaps[j].Size / 1024 / 1024 / 1024
		if memory.MemoryHeaps[j].Flags&vk.MemoryHeapFlags(vk.MemoryHeapDeviceLocalBit) != 0 {
			core.LogInfo("Local GPU memory: %d GiB", sizeGib)
		} else {
			core.LogInfo("Shared System memory: %d GiB", sizeGib)
		}
	}

	d.info = driver.DeviceInfo{
		Name:             name,
		MemoryTypes:      types,
		QueueFamilyIndex: c.queueFamily,
		RayTracing:       d.khr.limits(c.device),
		CanPresent:       d.surface != vk.NullSurface,
	}
	d.portability = c.portability
	core.LogInfo("Physical device selected.")
	return nil
}

func (d *Device) createLogicalDevice() error {
	core.LogInfo("Creating logical device...")

	queueCreateInfos := []vk.DeviceQueueCreateInfo{{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: d.info.QueueFamilyIndex,
		QueueCount:       1,
		PQueuePriorities: []float32{1.0},
	}}

	extensionNames := append([]string(nil), deviceExtensions...)
	if d.info.CanPresent {
		extensionNames = append(extensionNames, vk.KhrSwapchainExtensionName)
	}
	if d.portability {
		core.LogInfo("Adding required extension 'VK_KHR_portability_subset'.")
		extensionNames = append(extensionNames, "VK_KHR_portability_subset")
	}

	// Features go through the pNext chain, PEnabledFeatures stays nil.
	features := newFeatureChain()
	defer features.free()

	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		PNext:                   features.ptr,
		QueueCreateInfoCount:    uint32(len(queueCreateInfos)),
		PQueueCreateInfos:       queueCreateInfos,
		EnabledExtensionCount:   uint32(len(extensionNames)),
		PpEnabledExtensionNames: VulkanSafeStrings(extensionNames),
	}

	var device vk.Device
	if res := vk.CreateDevice(d.physical, &deviceCreateInfo, nil, &device); res != vk.Success {
		return check("create device", res)
	}
	d.device = device
	core.LogInfo("Logical device created.")

	if missing := d.khr.loadDevice(d.device); missing != "" {
		return errors.Newf("device entry point %s is not available", missing)
	}

	var queue vk.Queue
	vk.GetDeviceQueue(d.device, d.info.QueueFamilyIndex, 0, &queue)
	d.queue = queue
	core.LogInfo("Queue obtained.")
	return nil
}

func (d *Device) QueueSubmit(submit driver.SubmitInfo, fence driver.Fence) error {
	commandBuffers := make([]vk.CommandBuffer, 0, len(submit.CommandBuffers))
	for _, h := range submit.CommandBuffers {
		cb, ok := d.commands[h]
		if !ok {
			return errors.Newf("queue submit: unknown command buffer %d", h)
		}
		commandBuffers = append(commandBuffers, cb)
	}
	waits := make([]vk.Semaphore, len(submit.WaitSemaphores))
	stages := make([]vk.PipelineStageFlags, len(submit.WaitSemaphores))
	for i, h := range submit.WaitSemaphores {
		waits[i] = d.semaphores[h]
		stage := driver.PipelineStageAllCommands
		if i < len(submit.WaitStages) {
			stage = submit.WaitStages[i]
		}
		stages[i] = toStages(stage)
	}
	signals := make([]vk.Semaphore, len(submit.SignalSemaphores))
	for i, h := range submit.SignalSemaphores {
		signals[i] = d.semaphores[h]
	}

	info := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		CommandBufferCount:   uint32(len(commandBuffers)),
		PCommandBuffers:      commandBuffers,
		WaitSemaphoreCount:   uint32(len(waits)),
		PWaitSemaphores:      waits,
		PWaitDstStageMask:    stages,
		SignalSemaphoreCount: uint32(len(signals)),
		PSignalSemaphores:    signals,
	}
	vkFence := vk.NullFence
	if fence != 0 {
		vkFence = d.fences[fence]
	}
	return d.locks.safeCall(queueManagement, func() error {
		return check("queue submit", vk.QueueSubmit(d.queue, 1, []vk.SubmitInfo{info}, vkFence))
	})
}

func (d *Device) QueueWaitIdle() error {
	return d.locks.safeCall(queueManagement, func() error {
		return check("queue wait idle", vk.QueueWaitIdle(d.queue))
	})
}

func (d *Device) DeviceWaitIdle() error {
	return d.locks.safeCall(queueManagement, func() error {
		return check("device wait idle", vk.DeviceWaitIdle(d.device))
	})
}
