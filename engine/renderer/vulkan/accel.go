package vulkan

/*
#include "khr.h"
*/
import "C"

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

type accelStructure struct {
	handle C.VkAccelerationStructureKHR
	level  driver.AccelerationStructureLevel
	// Backing storage is owned by the caller.
	buffer driver.Buffer
}

func (d *Device) AccelerationStructureBuildSizes(geometry driver.BuildGeometryInfo, primitiveCounts []uint32) (driver.BuildSizes, error) {
	if len(primitiveCounts) != len(geometry.Geometries) {
		return driver.BuildSizes{}, errors.Newf("build sizes: %d primitive counts for %d geometries", len(primitiveCounts), len(geometry.Geometries))
	}
	return d.khr.buildSizes(d.device, geometry, primitiveCounts), nil
}

func (d *Device) CreateAccelerationStructure(desc driver.AccelerationStructureDesc) (driver.AccelerationStructure, error) {
	b, ok := d.buffers[desc.Buffer]
	if !ok {
		return 0, errors.Newf("create %s acceleration structure: unknown buffer %d", desc.Level, desc.Buffer)
	}
	if desc.Offset+desc.Size > b.size {
		return 0, errors.Newf("create %s acceleration structure: range %d+%d exceeds buffer %q (%d bytes)",
			desc.Level, desc.Offset, desc.Size, b.label, b.size)
	}
	handle, res := d.khr.createAccelerationStructure(d.device, desc.Level, b.handle, desc.Offset, desc.Size)
	if err := check("create acceleration structure", res); err != nil {
		return 0, err
	}
	h := driver.AccelerationStructure(d.handle())
	d.accels[h] = &accelStructure{handle: handle, level: desc.Level, buffer: desc.Buffer}
	return h, nil
}

func (d *Device) DestroyAccelerationStructure(h driver.AccelerationStructure) {
	as, ok := d.accels[h]
	if !ok {
		return
	}
	d.khr.destroyAccelerationStructure(d.device, as.handle)
	delete(d.accels, h)
}

func (d *Device) AccelerationStructureDeviceAddress(h driver.AccelerationStructure) driver.DeviceAddress {
	as, ok := d.accels[h]
	if !ok {
		return 0
	}
	return d.khr.accelerationStructureAddress(d.device, as.handle)
}

func (d *Device) accelHandle(h driver.AccelerationStructure) C.VkAccelerationStructureKHR {
	if as, ok := d.accels[h]; ok {
		return as.handle
	}
	return nil
}

func (d *Device) CmdBuildAccelerationStructure(cb driver.CommandBuffer, build driver.BuildInfo) {
	handle, ok := d.recording(cb, "CmdBuildAccelerationStructure")
	if !ok {
		return
	}
	dst := d.accelHandle(build.Dst)
	if dst == nil {
		core.LogError("CmdBuildAccelerationStructure: unknown destination %d", build.Dst)
		return
	}
	var src C.VkAccelerationStructureKHR
	if build.Geometry.Mode == driver.BuildModeUpdate {
		if src = d.accelHandle(build.Src); src == nil {
			core.LogError("CmdBuildAccelerationStructure: update without a source structure")
			return
		}
	}
	d.khr.cmdBuild(handle, build, src, dst)

	// Later builds and traces in the same command buffer read the result.
	barrier := vk.MemoryBarrier{
		SType:         vk.StructureTypeMemoryBarrier,
		SrcAccessMask: vk.AccessFlags(accessAccelerationWrite),
		DstAccessMask: vk.AccessFlags(accessAccelerationRead),
	}
	vk.CmdPipelineBarrier(handle,
		vk.PipelineStageFlags(stageAccelerationStructure),
		vk.PipelineStageFlags(stageAccelerationStructure|stageRayTracingShader),
		0, 1, []vk.MemoryBarrier{barrier}, 0, nil, 0, nil)
}
