package vulkan

import (
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

func (d *Device) CreateFence(signaled bool) (driver.Fence, error) {
	fenceCreateInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	if signaled {
		fenceCreateInfo.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var fence vk.Fence
	if res := vk.CreateFence(d.device, &fenceCreateInfo, nil, &fence); res != vk.Success {
		return 0, check("create fence", res)
	}
	h := driver.Fence(d.handle())
	d.fences[h] = fence
	return h, nil
}

func (d *Device) DestroyFence(h driver.Fence) {
	if fence, ok := d.fences[h]; ok {
		vk.DestroyFence(d.device, fence, nil)
		delete(d.fences, h)
	}
}

func (d *Device) WaitFence(h driver.Fence, timeout uint64) driver.Result {
	fence, ok := d.fences[h]
	if !ok {
		return driver.ErrorUnknown
	}
	result := toResult(vk.WaitForFences(d.device, 1, []vk.Fence{fence}, vk.True, timeout))
	switch result {
	case driver.Success:
	case driver.Timeout:
		core.LogWarn("vk_fence_wait - Timed out")
	default:
		core.LogError("vk_fence_wait - %s", result)
	}
	return result
}

func (d *Device) ResetFence(h driver.Fence) error {
	fence, ok := d.fences[h]
	if !ok {
		return &driver.ResultError{Op: "reset fence", Result: driver.ErrorUnknown}
	}
	return check("reset fence", vk.ResetFences(d.device, 1, []vk.Fence{fence}))
}

func (d *Device) CreateSemaphore() (driver.Semaphore, error) {
	info := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	var semaphore vk.Semaphore
	if res := vk.CreateSemaphore(d.device, &info, nil, &semaphore); res != vk.Success {
		return 0, check("create semaphore", res)
	}
	h := driver.Semaphore(d.handle())
	d.semaphores[h] = semaphore
	return h, nil
}

func (d *Device) DestroySemaphore(h driver.Semaphore) {
	if semaphore, ok := d.semaphores[h]; ok {
		vk.DestroySemaphore(d.device, semaphore, nil)
		delete(d.semaphores, h)
	}
}
