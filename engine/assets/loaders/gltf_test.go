package loaders

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/qmuntal/gltf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const triangleDocument = `{
  "asset": {"version": "2.0"},
  "scene": 0,
  "scenes": [{"nodes": [0, 2]}],
  "nodes": [
    {"name": "left", "mesh": 0, "translation": [-2, 0, 0], "children": [1]},
    {"name": "child", "mesh": 0, "translation": [0, 3, 0]},
    {"name": "eye", "camera": 0, "translation": [0, 0, 5]}
  ],
  "cameras": [{"type": "perspective", "perspective": {"yfov": 0.8, "znear": 0.1, "zfar": 50}}],
  "meshes": [{"name": "tri", "primitives": [{"attributes": {"POSITION": 0}, "indices": 1, "material": 0}]}],
  "materials": [{"name": "red", "pbrMetallicRoughness": {"baseColorFactor": [1, 0, 0, 1]}, "emissiveFactor": [0, 0.5, 0]}],
  "accessors": [
    {"bufferView": 0, "componentType": 5126, "count": 3, "type": "VEC3", "min": [0, 0, 0], "max": [1, 1, 0]},
    {"bufferView": 1, "componentType": 5123, "count": 3, "type": "SCALAR"}
  ],
  "bufferViews": [
    {"buffer": 0, "byteOffset": 0, "byteLength": 36},
    {"buffer": 0, "byteOffset": 36, "byteLength": 6}
  ],
  "buffers": [{"byteLength": 44, "uri": "data:application/octet-stream;base64,%s"}]
}`

// Two non-indexed primitives over the same positions, one list and one fan.
const sharedPositionsDocument = `{
  "asset": {"version": "2.0"},
  "scene": 0,
  "scenes": [{"nodes": [0]}],
  "nodes": [{"name": "both", "mesh": 0}],
  "meshes": [{"name": "shared", "primitives": [
    {"attributes": {"POSITION": 0}, "mode": 4},
    {"attributes": {"POSITION": 0}, "mode": 6}
  ]}],
  "accessors": [
    {"bufferView": 0, "componentType": 5126, "count": 3, "type": "VEC3", "min": [0, 0, 0], "max": [1, 1, 0]}
  ],
  "bufferViews": [{"buffer": 0, "byteOffset": 0, "byteLength": 36}],
  "buffers": [{"byteLength": 44, "uri": "data:application/octet-stream;base64,%s"}]
}`

func writeTriangleDocument(t *testing.T) string {
	t.Helper()
	return writeDocument(t, triangleDocument)
}

func writeDocument(t *testing.T, document string) string {
	t.Helper()
	var buf bytes.Buffer
	positions := [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, positions))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, []uint16{0, 1, 2, 0}))
	require.Equal(t, 44, buf.Len())

	path := filepath.Join(t.TempDir(), "triangle.gltf")
	doc := fmt.Sprintf(document, base64.StdEncoding.EncodeToString(buf.Bytes()))
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestLoadGLTF(t *testing.T) {
	s, err := LoadGLTF(writeTriangleDocument(t))
	require.NoError(t, err)

	require.Len(t, s.Primitives, 1)
	p := s.Primitives[0]
	assert.Equal(t, []uint32{0, 1, 2}, p.Indices)
	assert.Equal(t, [3]float32{1, 0, 0}, p.Vertices[1].Position)
	assert.Equal(t, 0, p.Key.VertexAccessor)
	assert.Equal(t, 1, p.Key.IndexAccessor)
	assert.Equal(t, 0, p.Material)

	require.Len(t, s.Materials, 1)
	assert.Equal(t, [4]float32{1, 0, 0, 1}, s.Materials[0].BaseColor)
	assert.Equal(t, [3]float32{0, 0.5, 0}, s.Materials[0].Emissive)

	assert.Equal(t, []int{0, 2}, s.Roots)
	instances := s.Instances()
	require.Len(t, instances, 2)
	assert.Equal(t, mgl32.Vec3{-2, 0, 0}, instances[0].World.Col(3).Vec3())
	assert.Equal(t, mgl32.Vec3{-2, 3, 0}, instances[1].World.Col(3).Vec3())

	require.NotNil(t, s.Camera)
	assert.InDelta(t, 0.8, s.Camera.FovY, 1e-6)
	assert.InDelta(t, 50, s.Camera.Far, 1e-6)
	assert.True(t, s.Camera.Position.ApproxEqual(mgl32.Vec3{0, 0, 5}))
}

func TestLoadGLTFKeysPrimitivesByMode(t *testing.T) {
	s, err := LoadGLTF(writeDocument(t, sharedPositionsDocument))
	require.NoError(t, err)

	require.Len(t, s.Primitives, 2)
	list, fan := s.Primitives[0], s.Primitives[1]
	assert.Equal(t, list.Key.VertexAccessor, fan.Key.VertexAccessor)
	assert.Equal(t, -1, list.Key.IndexAccessor)
	assert.Equal(t, int(gltf.PrimitiveTriangles), list.Key.Mode)
	assert.Equal(t, int(gltf.PrimitiveTriangleFan), fan.Key.Mode)
	assert.NotEqual(t, list.Key, fan.Key)
	assert.Len(t, s.Keys(), 2)
}

func TestGLTFLoaderResource(t *testing.T) {
	path := writeTriangleDocument(t)
	res, err := (&GLTFLoader{}).Load(path)
	require.NoError(t, err)
	assert.Equal(t, "triangle", res.Name)
	assert.Equal(t, uint64(3*20+3*4), res.DataSize)
}

func TestLoadGLTFMissingFile(t *testing.T) {
	_, err := LoadGLTF(filepath.Join(t.TempDir(), "nope.glb"))
	assert.Error(t, err)
}

func TestTriangulate(t *testing.T) {
	out, err := triangulate(gltf.PrimitiveTriangleStrip, []uint32{0, 1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2, 2, 1, 3}, out)

	out, err = triangulate(gltf.PrimitiveTriangleFan, []uint32{0, 1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2, 0, 2, 3}, out)

	out, err = triangulate(gltf.PrimitiveTriangles, []uint32{4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, []uint32{4, 5, 6}, out)

	_, err = triangulate(gltf.PrimitiveLines, []uint32{0, 1})
	assert.Error(t, err)
	_, err = triangulate(gltf.PrimitiveTriangleStrip, []uint32{0, 1})
	assert.Error(t, err)
}

func TestLoadShader(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "ok.spv")
	words := []uint32{SpirvMagic, 0x00010500, 0, 8, 0}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, words))
	require.NoError(t, os.WriteFile(good, buf.Bytes(), 0o644))

	code, err := LoadShader(good)
	require.NoError(t, err)
	assert.Len(t, code, 20)

	res, err := (&ShaderLoader{}).Load(good)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Name)
	assert.Equal(t, uint64(20), res.DataSize)

	bad := filepath.Join(dir, "bad.spv")
	require.NoError(t, os.WriteFile(bad, make([]byte, 20), 0o644))
	_, err = LoadShader(bad)
	assert.Error(t, err)

	assert.Error(t, ValidateSpirv([]byte{0x03, 0x02, 0x23}))
}
