package renderer

import (
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

// ShaderBindingTable holds the shader group handles of a pipeline in a GPU
// buffer, split into raygen, miss and hit regions.
type ShaderBindingTable struct {
	buffer *gpu.Buffer

	Raygen   driver.StridedRegion
	Miss     driver.StridedRegion
	Hit      driver.StridedRegion
	Callable driver.StridedRegion
}

// sbtLayout computes region offsets relative to the table start. Each handle
// takes handleStride bytes; every region starts on a base alignment boundary.
type sbtLayout struct {
	handleSize   uint64
	handleStride uint64
	raygen       [2]uint64 // offset, size
	miss         [2]uint64
	hit          [2]uint64
	size         uint64
}

func layoutTable(limits driver.RayTracingLimits, missCount, hitCount int) sbtLayout {
	base := uint64(limits.ShaderGroupBaseAlignment)
	l := sbtLayout{handleSize: uint64(limits.ShaderGroupHandleSize)}
	l.handleStride = gpu.AlignUp(l.handleSize, uint64(limits.ShaderGroupHandleAlignment))

	// The raygen region holds exactly one record whose size equals its stride.
	l.raygen = [2]uint64{0, gpu.AlignUp(l.handleStride, base)}
	l.miss = [2]uint64{l.raygen[1], gpu.AlignUp(uint64(missCount)*l.handleStride, base)}
	l.hit = [2]uint64{l.miss[0] + l.miss[1], gpu.AlignUp(uint64(hitCount)*l.handleStride, base)}
	l.size = l.hit[0] + l.hit[1]
	return l
}

// NewShaderBindingTable fetches the group handles of p and uploads them.
func NewShaderBindingTable(ctx *gpu.Context, q *gpu.Queue, p *Pipeline) (*ShaderBindingTable, error) {
	limits := ctx.Limits()
	missCount := p.GroupCount(driver.ShaderStageMiss)
	hitCount := p.GroupCount(driver.ShaderStageClosestHit)
	core.Assert(p.GroupCount(driver.ShaderStageRaygen) == 1, "shader binding table needs exactly one raygen group")

	groups := uint32(len(p.groups))
	handles, err := ctx.Device().ShaderGroupHandles(p.Handle(), 0, groups)
	if err != nil {
		core.LogError("failed to get shader group handles: %s", err)
		return nil, core.NewRenderError(core.KindUnknown, "shader group handles", resultCode(err), err)
	}
	l := layoutTable(limits, missCount, hitCount)

	// The buffer address is only known once it exists, the slack lets the
	// table start on a base alignment boundary.
	base := uint64(limits.ShaderGroupBaseAlignment)
	buffer, err := gpu.NewLabeledBuffer(ctx, "shader binding table", l.size+base,
		driver.BufferUsageShaderBindingTable|driver.BufferUsageShaderDeviceAddress|driver.BufferUsageTransferDst,
		gpu.GpuOnly)
	if err != nil {
		return nil, err
	}
	start := buffer.DeviceAddress()
	offset := gpu.AlignUp(uint64(start), base) - uint64(start)

	data := make([]byte, buffer.Size())
	next := map[driver.ShaderStage]uint64{
		driver.ShaderStageRaygen:     offset + l.raygen[0],
		driver.ShaderStageMiss:       offset + l.miss[0],
		driver.ShaderStageClosestHit: offset + l.hit[0],
	}
	for i, stage := range p.groups {
		dst := next[stage]
		copy(data[dst:dst+l.handleSize], handles[uint64(i)*l.handleSize:])
		next[stage] = dst + l.handleStride
	}

	staging, err := gpu.NewStagingBuffer(ctx, data)
	if err != nil {
		buffer.Destroy()
		return nil, err
	}
	defer staging.Destroy()
	if err := buffer.CopyFrom(q, staging); err != nil {
		buffer.Destroy()
		return nil, err
	}

	region := func(r [2]uint64, stride uint64) driver.StridedRegion {
		if r[1] == 0 {
			return driver.StridedRegion{}
		}
		return driver.StridedRegion{
			Address: start + driver.DeviceAddress(offset+r[0]),
			Stride:  stride,
			Size:    r[1],
		}
	}
	return &ShaderBindingTable{
		buffer: buffer,
		Raygen: region(l.raygen, l.raygen[1]),
		Miss:   region(l.miss, l.handleStride),
		Hit:    region(l.hit, l.handleStride),
	}, nil
}

func (t *ShaderBindingTable) Destroy() {
	t.buffer.Destroy()
}
