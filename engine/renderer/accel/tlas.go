package accel

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

// InstanceRecordSize is the size of one encoded instance.
const InstanceRecordSize = 64

type InstanceFlags uint8

const (
	InstanceTriangleCullDisable InstanceFlags = 1 << iota
	InstanceTriangleFlipFacing
	InstanceForceOpaque
	InstanceForceNoOpaque
)

// Instance places a bottom level structure in the world.
type Instance struct {
	BLAS      *BLAS
	Transform mgl32.Mat4
	// CustomIndex is visible to hit shaders. Only the low 24 bits are kept.
	CustomIndex uint32
	Mask        uint8
	SBTOffset   uint32
	Flags       InstanceFlags
}

// EncodeInstance writes the 64-byte record of inst into dst: a row major 3x4
// transform, the custom index with the mask in the top byte, the hit group
// offset with the flags in the top byte and the bottom level address.
func EncodeInstance(dst []byte, inst Instance, blasAddress driver.DeviceAddress) {
	core.Assert(len(dst) >= InstanceRecordSize, "instance record needs %d bytes, got %d", InstanceRecordSize, len(dst))
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			binary.LittleEndian.PutUint32(dst[(r*4+c)*4:], math.Float32bits(inst.Transform.At(r, c)))
		}
	}
	binary.LittleEndian.PutUint32(dst[48:], inst.CustomIndex&0xFFFFFF|uint32(inst.Mask)<<24)
	binary.LittleEndian.PutUint32(dst[52:], inst.SBTOffset&0xFFFFFF|uint32(inst.Flags)<<24)
	binary.LittleEndian.PutUint64(dst[56:], uint64(blasAddress))
}

func encodeInstances(instances []Instance) []byte {
	out := make([]byte, len(instances)*InstanceRecordSize)
	for i, inst := range instances {
		core.Assert(inst.BLAS != nil, "instance %d has no bottom level structure", i)
		EncodeInstance(out[i*InstanceRecordSize:], inst, inst.BLAS.Address())
	}
	return out
}

// TLAS is a top level structure. It owns the buffer holding its instance
// records.
type TLAS struct {
	*AccelerationStructure
	instances *gpu.Buffer
	count     int
}

func NewTLAS(ctx *gpu.Context, q *gpu.Queue, instances []Instance, opts Options) (*TLAS, error) {
	if opts.Name == "" {
		opts.Name = "tlas"
	}
	buf, err := uploadInstances(ctx, q, opts.Name, instances)
	if err != nil {
		return nil, err
	}
	as, err := New(ctx, q, driver.LevelTop, tlasInputs(buf, len(instances)), opts)
	if err != nil {
		buf.Destroy()
		return nil, err
	}
	return &TLAS{AccelerationStructure: as, instances: buf, count: len(instances)}, nil
}

func uploadInstances(ctx *gpu.Context, q *gpu.Queue, name string, instances []Instance) (*gpu.Buffer, error) {
	return gpu.NewLabeledBufferFromHostData(ctx, q, name+" instances", encodeInstances(instances),
		driver.BufferUsageShaderDeviceAddress|driver.BufferUsageAccelerationStructureBuildInput)
}

func tlasInputs(buf *gpu.Buffer, count int) []Geometry {
	return []Geometry{{
		Geometry: driver.Geometry{
			Type:      driver.GeometryTypeInstances,
			Instances: driver.Instances{Data: buf.DeviceAddress()},
		},
		PrimitiveCount: uint32(count),
	}}
}

// Update re-uploads the instance records and refits the structure. The
// instance count must not change.
func (t *TLAS) Update(instances []Instance) error {
	core.Assert(len(instances) == t.count, "updating %s with %d instances, built with %d", t.Name(), len(instances), t.count)
	buf, err := uploadInstances(t.ctx, t.q, t.Name(), instances)
	if err != nil {
		return err
	}
	if err := t.AccelerationStructure.Update(tlasInputs(buf, len(instances))); err != nil {
		buf.Destroy()
		return err
	}
	t.instances.Destroy()
	t.instances = buf
	return nil
}

// Rebuild builds the structure again for a new set of instances.
func (t *TLAS) Rebuild(instances []Instance) error {
	buf, err := uploadInstances(t.ctx, t.q, t.Name(), instances)
	if err != nil {
		return err
	}
	t.instances.Destroy()
	t.instances = buf
	t.count = len(instances)
	return t.AccelerationStructure.Rebuild(tlasInputs(buf, len(instances)), t.opts)
}

func (t *TLAS) InstanceCount() int {
	return t.count
}

// Destroy destroys the structure, then the instance records.
func (t *TLAS) Destroy() {
	t.AccelerationStructure.Destroy()
	if t.instances != nil {
		t.instances.Destroy()
		t.instances = nil
	}
}
