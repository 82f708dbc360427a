package renderer

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/accel"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/scene"
)

const (
	// CameraUniformsSize is two mat4 and the frame index, padded to 16 bytes.
	CameraUniformsSize = 144
	InstanceMetaSize   = 32
	MaterialRecordSize = 32
)

// CameraUniforms is what the raygen shader needs to build primary rays.
type CameraUniforms struct {
	InvView mgl32.Mat4
	InvProj mgl32.Mat4
	Frame   uint32
}

func NewCameraUniforms(cam *scene.Camera, extent driver.Extent2D, frame uint64) CameraUniforms {
	aspect := float32(1)
	if !extent.IsZero() {
		aspect = float32(extent.Width) / float32(extent.Height)
	}
	invView, invProj := cam.Inverse(aspect)
	return CameraUniforms{InvView: invView, InvProj: invProj, Frame: uint32(frame)}
}

func (u CameraUniforms) Encode(dst []byte) {
	core.Assert(len(dst) >= CameraUniformsSize, "camera uniforms need %d bytes, got %d", CameraUniformsSize, len(dst))
	putFloats(dst[0:], u.InvView[:]...)
	putFloats(dst[64:], u.InvProj[:]...)
	binary.LittleEndian.PutUint32(dst[128:], u.Frame)
}

// Write maps buf and encodes the uniforms into it.
func (u CameraUniforms) Write(buf *gpu.Buffer) error {
	m, err := buf.Map()
	if err != nil {
		return err
	}
	defer m.Release()
	u.Encode(m.Bytes())
	return nil
}

func newUniformBuffer(ctx *gpu.Context, name string) (*gpu.Buffer, error) {
	return gpu.NewLabeledBuffer(ctx, name, CameraUniformsSize, driver.BufferUsageUniform, gpu.CpuToGpu)
}

// InstanceMeta is the per instance record hit shaders use to find the
// material and geometry of what they hit.
type InstanceMeta struct {
	Material      uint32
	IndexType     driver.IndexType
	VertexAddress driver.DeviceAddress
	IndexAddress  driver.DeviceAddress
}

// EncodeInstanceMeta packs records of InstanceMetaSize bytes. An empty list
// still yields one zeroed record so the buffer can be bound.
func EncodeInstanceMeta(metas []InstanceMeta) []byte {
	out := make([]byte, max(len(metas), 1)*InstanceMetaSize)
	for i, m := range metas {
		rec := out[i*InstanceMetaSize:]
		binary.LittleEndian.PutUint32(rec[0:], m.Material)
		binary.LittleEndian.PutUint32(rec[4:], uint32(m.IndexType))
		binary.LittleEndian.PutUint64(rec[8:], uint64(m.VertexAddress))
		binary.LittleEndian.PutUint64(rec[16:], uint64(m.IndexAddress))
	}
	return out
}

func metaFor(s *scene.Scene, inst scene.Instance, e *accel.CacheEntry) InstanceMeta {
	material := uint32(len(s.Materials))
	if m := s.Primitives[inst.PrimitiveIndex].Material; m >= 0 && m < len(s.Materials) {
		material = uint32(m)
	}
	return InstanceMeta{
		Material:      material,
		IndexType:     e.Mesh.IndexType,
		VertexAddress: e.Mesh.Vertices.DeviceAddress(),
		IndexAddress:  e.Mesh.Indices.DeviceAddress(),
	}
}

// EncodeMaterials packs the scene materials followed by the default material,
// which primitives without a material index into.
func EncodeMaterials(materials []scene.Material) []byte {
	all := append(append([]scene.Material(nil), materials...), scene.DefaultMaterial)
	out := make([]byte, len(all)*MaterialRecordSize)
	for i, m := range all {
		rec := out[i*MaterialRecordSize:]
		putFloats(rec[0:], m.BaseColor[:]...)
		putFloats(rec[16:], m.Emissive[0], m.Emissive[1], m.Emissive[2], 0)
	}
	return out
}

func putFloats(dst []byte, fs ...float32) {
	for i, f := range fs {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(f))
	}
}
