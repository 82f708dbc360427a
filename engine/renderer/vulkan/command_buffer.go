package vulkan

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// CreateCommandPool creates a pool on the graphics family. Buffers can always
// be reset individually; transient marks them as short lived.
func (d *Device) CreateCommandPool(transient bool) (driver.CommandPool, error) {
	flags := vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit)
	if transient {
		flags |= vk.CommandPoolCreateFlags(vk.CommandPoolCreateTransientBit)
	}
	info := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: d.info.QueueFamilyIndex,
		Flags:            flags,
	}
	var pool vk.CommandPool
	if res := vk.CreateCommandPool(d.device, &info, nil, &pool); res != vk.Success {
		return 0, check("create command pool", res)
	}
	h := driver.CommandPool(d.handle())
	d.pools[h] = pool
	return h, nil
}

// DestroyCommandPool frees every buffer allocated from the pool.
func (d *Device) DestroyCommandPool(h driver.CommandPool) {
	pool, ok := d.pools[h]
	if !ok {
		return
	}
	for cb, owner := range d.commandPools {
		if owner == h {
			delete(d.commands, cb)
			delete(d.commandPools, cb)
		}
	}
	vk.DestroyCommandPool(d.device, pool, nil)
	delete(d.pools, h)
}

func (d *Device) AllocateCommandBuffer(h driver.CommandPool) (driver.CommandBuffer, error) {
	pool, ok := d.pools[h]
	if !ok {
		return 0, errors.Newf("allocate command buffer: unknown pool %d", h)
	}
	info := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		CommandBufferCount: 1,
		Level:              vk.CommandBufferLevelPrimary,
	}
	buffers := make([]vk.CommandBuffer, 1)
	if res := vk.AllocateCommandBuffers(d.device, &info, buffers); res != vk.Success {
		return 0, check("allocate command buffer", res)
	}
	cb := driver.CommandBuffer(d.handle())
	d.commands[cb] = buffers[0]
	d.commandPools[cb] = h
	return cb, nil
}

func (d *Device) FreeCommandBuffer(h driver.CommandPool, cb driver.CommandBuffer) {
	pool, ok := d.pools[h]
	handle, found := d.commands[cb]
	if !ok || !found {
		return
	}
	vk.FreeCommandBuffers(d.device, pool, 1, []vk.CommandBuffer{handle})
	delete(d.commands, cb)
	delete(d.commandPools, cb)
}

func (d *Device) BeginCommandBuffer(cb driver.CommandBuffer, oneTimeSubmit bool) error {
	handle, ok := d.commands[cb]
	if !ok {
		return errors.Newf("begin command buffer: unknown command buffer %d", cb)
	}
	beginInfo := &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
	}
	if oneTimeSubmit {
		beginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)
	}
	return check("begin command buffer", vk.BeginCommandBuffer(handle, beginInfo))
}

func (d *Device) EndCommandBuffer(cb driver.CommandBuffer) error {
	handle, ok := d.commands[cb]
	if !ok {
		return errors.Newf("end command buffer: unknown command buffer %d", cb)
	}
	return check("end command buffer", vk.EndCommandBuffer(handle))
}

func (d *Device) ResetCommandBuffer(cb driver.CommandBuffer) error {
	handle, ok := d.commands[cb]
	if !ok {
		return errors.Newf("reset command buffer: unknown command buffer %d", cb)
	}
	return check("reset command buffer", vk.ResetCommandBuffer(handle, 0))
}

// recording looks up a command buffer for a Cmd* call. Unknown handles are
// logged and the command is dropped.
func (d *Device) recording(cb driver.CommandBuffer, op string) (vk.CommandBuffer, bool) {
	handle, ok := d.commands[cb]
	if !ok {
		core.LogError("%s: unknown command buffer %d", op, cb)
	}
	return handle, ok
}

func (d *Device) CmdCopyBuffer(cb driver.CommandBuffer, region driver.BufferCopy) {
	handle, ok := d.recording(cb, "CmdCopyBuffer")
	if !ok {
		return
	}
	src, dst := d.buffers[region.Src], d.buffers[region.Dst]
	if src == nil || dst == nil {
		core.LogError("CmdCopyBuffer: unknown buffer %d -> %d", region.Src, region.Dst)
		return
	}
	vk.CmdCopyBuffer(handle, src.handle, dst.handle, 1, []vk.BufferCopy{{
		SrcOffset: vk.DeviceSize(region.SrcOffset),
		DstOffset: vk.DeviceSize(region.DstOffset),
		Size:      vk.DeviceSize(region.Size),
	}})
}

func bufferImageCopy(region driver.BufferImageCopy) []vk.BufferImageCopy {
	return []vk.BufferImageCopy{{
		BufferOffset: vk.DeviceSize(region.BufferOffset),
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
			MipLevel:       0,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
		ImageExtent: vk.Extent3D{
			Width:  region.Extent.Width,
			Height: region.Extent.Height,
			Depth:  1,
		},
	}}
}

func (d *Device) CmdCopyBufferToImage(cb driver.CommandBuffer, region driver.BufferImageCopy) {
	handle, ok := d.recording(cb, "CmdCopyBufferToImage")
	if !ok {
		return
	}
	b, img := d.buffers[region.Buffer], d.images[region.Image]
	if b == nil || img == nil {
		core.LogError("CmdCopyBufferToImage: unknown buffer %d or image %d", region.Buffer, region.Image)
		return
	}
	vk.CmdCopyBufferToImage(handle, b.handle, img.handle, toLayout(region.Layout), 1, bufferImageCopy(region))
}

func (d *Device) CmdCopyImageToBuffer(cb driver.CommandBuffer, region driver.BufferImageCopy) {
	handle, ok := d.recording(cb, "CmdCopyImageToBuffer")
	if !ok {
		return
	}
	b, img := d.buffers[region.Buffer], d.images[region.Image]
	if b == nil || img == nil {
		core.LogError("CmdCopyImageToBuffer: unknown buffer %d or image %d", region.Buffer, region.Image)
		return
	}
	vk.CmdCopyImageToBuffer(handle, img.handle, toLayout(region.Layout), b.handle, 1, bufferImageCopy(region))
}

func (d *Device) CmdImageBarrier(cb driver.CommandBuffer, barrier driver.ImageBarrier) {
	handle, ok := d.recording(cb, "CmdImageBarrier")
	if !ok {
		return
	}
	img := d.images[barrier.Image]
	if img == nil {
		core.LogError("CmdImageBarrier: unknown image %d", barrier.Image)
		return
	}
	vkBarrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		OldLayout:           toLayout(barrier.OldLayout),
		NewLayout:           toLayout(barrier.NewLayout),
		SrcAccessMask:       toAccess(barrier.SrcAccess),
		DstAccessMask:       toAccess(barrier.DstAccess),
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               img.handle,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}
	vk.CmdPipelineBarrier(handle, toStages(barrier.SrcStage), toStages(barrier.DstStage),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{vkBarrier})
}

func (d *Device) CmdTraceRays(cb driver.CommandBuffer, trace driver.TraceRaysInfo) {
	handle, ok := d.recording(cb, "CmdTraceRays")
	if !ok {
		return
	}
	p := d.pipelines[trace.Pipeline]
	set := d.bindings[trace.Bindings]
	if p == nil || set == nil {
		core.LogError("CmdTraceRays: unknown pipeline %d or bindings %d", trace.Pipeline, trace.Bindings)
		return
	}
	vk.CmdBindPipeline(handle, pipelineBindPointRayTracing, p.handle)
	vk.CmdBindDescriptorSets(handle, pipelineBindPointRayTracing, p.layout, 0, 1, []vk.DescriptorSet{set.set}, 0, nil)
	d.khr.cmdTraceRays(handle, trace)
}
