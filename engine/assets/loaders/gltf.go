package loaders

import (
	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/scene"
)

type GLTFLoader struct{}

func (gl *GLTFLoader) Load(path string) (*Resource, error) {
	s, err := LoadGLTF(path)
	if err != nil {
		return nil, err
	}
	var size uint64
	for _, p := range s.Primitives {
		size += uint64(len(p.Vertices))*scene.VertexStride + uint64(len(p.Indices))*4
	}
	return &Resource{
		Name:     nameOf(path),
		FullPath: path,
		DataSize: size,
		Data:     s,
	}, nil
}

// LoadGLTF reads a .gltf or .glb file into a scene. Only the default scene
// (or the first one) is instanced. Non triangle primitives are rejected and
// strips and fans are expanded into lists.
func LoadGLTF(path string) (*scene.Scene, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	s, err := convertDocument(doc)
	if err != nil {
		return nil, errors.Wrapf(err, "converting %s", path)
	}
	if err := s.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid scene %s", path)
	}
	core.LogDebug("loaded %s: %d primitives, %d nodes, %d materials", path, len(s.Primitives), len(s.Nodes), len(s.Materials))
	return s, nil
}

func convertDocument(doc *gltf.Document) (*scene.Scene, error) {
	s := &scene.Scene{}

	for _, m := range doc.Materials {
		s.Materials = append(s.Materials, convertMaterial(m))
	}

	for mi, m := range doc.Meshes {
		mesh := scene.Mesh{Name: m.Name}
		for pi, p := range m.Primitives {
			prim, err := convertPrimitive(doc, p)
			if err != nil {
				return nil, errors.Wrapf(err, "mesh %d (%s) primitive %d", mi, m.Name, pi)
			}
			mesh.Primitives = append(mesh.Primitives, len(s.Primitives))
			s.Primitives = append(s.Primitives, prim)
		}
		s.Meshes = append(s.Meshes, mesh)
	}

	for _, n := range doc.Nodes {
		node := scene.Node{Name: n.Name, Local: nodeTransform(n)}
		if n.Mesh != nil {
			mesh := int(*n.Mesh)
			node.Mesh = &mesh
		}
		for _, c := range n.Children {
			node.Children = append(node.Children, int(c))
		}
		s.Nodes = append(s.Nodes, node)
	}

	if len(doc.Scenes) > 0 {
		root := 0
		if doc.Scene != nil {
			root = int(*doc.Scene)
		}
		if root < 0 || root >= len(doc.Scenes) {
			return nil, errors.Newf("default scene %d of %d", root, len(doc.Scenes))
		}
		for _, n := range doc.Scenes[root].Nodes {
			s.Roots = append(s.Roots, int(n))
		}
	}

	s.Camera = findCamera(doc, s)
	return s, nil
}

func convertMaterial(m *gltf.Material) scene.Material {
	out := scene.DefaultMaterial
	out.Name = m.Name
	if pbr := m.PBRMetallicRoughness; pbr != nil && pbr.BaseColorFactor != nil {
		for i, v := range *pbr.BaseColorFactor {
			out.BaseColor[i] = float32(v)
		}
	}
	for i, v := range m.EmissiveFactor {
		out.Emissive[i] = float32(v)
	}
	return out
}

func accessor(doc *gltf.Document, index int) (*gltf.Accessor, error) {
	if index < 0 || index >= len(doc.Accessors) {
		return nil, errors.Newf("accessor %d of %d", index, len(doc.Accessors))
	}
	return doc.Accessors[index], nil
}

func convertPrimitive(doc *gltf.Document, p *gltf.Primitive) (scene.Primitive, error) {
	prim := scene.Primitive{Material: -1, Key: scene.PrimitiveKey{IndexAccessor: -1, Mode: int(p.Mode)}}
	if p.Material != nil {
		prim.Material = int(*p.Material)
	}

	posIndex, ok := p.Attributes[gltf.POSITION]
	if !ok {
		return prim, errors.New("primitive has no POSITION attribute")
	}
	prim.Key.VertexAccessor = int(posIndex)
	posAcc, err := accessor(doc, int(posIndex))
	if err != nil {
		return prim, err
	}
	positions, err := modeler.ReadPosition(doc, posAcc, nil)
	if err != nil {
		return prim, errors.Wrap(err, "reading positions")
	}

	var uvs [][2]float32
	if uvIndex, ok := p.Attributes[gltf.TEXCOORD_0]; ok {
		uvAcc, err := accessor(doc, int(uvIndex))
		if err != nil {
			return prim, err
		}
		if uvs, err = modeler.ReadTextureCoord(doc, uvAcc, nil); err != nil {
			return prim, errors.Wrap(err, "reading texture coordinates")
		}
	}

	prim.Vertices = make([]scene.Vertex, len(positions))
	for i, pos := range positions {
		prim.Vertices[i].Position = pos
		if i < len(uvs) {
			prim.Vertices[i].TexCoord = uvs[i]
		}
	}

	var indices []uint32
	if p.Indices != nil {
		prim.Key.IndexAccessor = int(*p.Indices)
		idxAcc, err := accessor(doc, int(*p.Indices))
		if err != nil {
			return prim, err
		}
		if indices, err = modeler.ReadIndices(doc, idxAcc, nil); err != nil {
			return prim, errors.Wrap(err, "reading indices")
		}
	} else {
		indices = make([]uint32, len(positions))
		for i := range indices {
			indices[i] = uint32(i)
		}
	}

	prim.Indices, err = triangulate(p.Mode, indices)
	return prim, err
}

// triangulate turns the index stream of a triangle primitive into a list.
func triangulate(mode gltf.PrimitiveMode, indices []uint32) ([]uint32, error) {
	switch mode {
	case gltf.PrimitiveTriangles:
		return indices, nil
	case gltf.PrimitiveTriangleStrip:
		if len(indices) < 3 {
			return nil, errors.Newf("triangle strip with %d indices", len(indices))
		}
		out := make([]uint32, 0, (len(indices)-2)*3)
		for i := 0; i+2 < len(indices); i++ {
			if i%2 == 0 {
				out = append(out, indices[i], indices[i+1], indices[i+2])
			} else {
				out = append(out, indices[i+1], indices[i], indices[i+2])
			}
		}
		return out, nil
	case gltf.PrimitiveTriangleFan:
		if len(indices) < 3 {
			return nil, errors.Newf("triangle fan with %d indices", len(indices))
		}
		out := make([]uint32, 0, (len(indices)-2)*3)
		for i := 1; i+1 < len(indices); i++ {
			out = append(out, indices[0], indices[i], indices[i+1])
		}
		return out, nil
	case gltf.PrimitivePoints, gltf.PrimitiveLines, gltf.PrimitiveLineLoop, gltf.PrimitiveLineStrip:
		return nil, errors.Newf("primitive mode %d cannot be ray traced", mode)
	default:
		return nil, errors.Newf("unknown primitive mode %d", mode)
	}
}

// nodeTransform returns the local matrix of a node, either its matrix or the
// composition T * R * S.
func nodeTransform(n *gltf.Node) mgl32.Mat4 {
	var m mgl32.Mat4
	var zero [16]float32
	identity := true
	for i, v := range n.Matrix {
		m[i] = float32(v)
		if (i%5 == 0 && v != 1) || (i%5 != 0 && v != 0) {
			identity = false
		}
	}
	if n.Matrix != zero && !identity {
		return m
	}

	t := mgl32.Translate3D(float32(n.Translation[0]), float32(n.Translation[1]), float32(n.Translation[2]))
	r := mgl32.Ident4()
	if n.Rotation != [4]float32{} {
		q := mgl32.Quat{
			W: float32(n.Rotation[3]),
			V: mgl32.Vec3{float32(n.Rotation[0]), float32(n.Rotation[1]), float32(n.Rotation[2])},
		}
		r = q.Normalize().Mat4()
	}
	s := mgl32.Ident4()
	if n.Scale != [3]float32{} {
		s = mgl32.Scale3D(float32(n.Scale[0]), float32(n.Scale[1]), float32(n.Scale[2]))
	}
	return t.Mul4(r).Mul4(s)
}

// findCamera builds a camera from the first node, in traversal order, that
// carries a perspective camera. It returns nil when there is none.
func findCamera(doc *gltf.Document, s *scene.Scene) *scene.Camera {
	var found *scene.Camera
	visited := make([]bool, len(s.Nodes))
	var walk func(node int, parent mgl32.Mat4)
	walk = func(node int, parent mgl32.Mat4) {
		if found != nil || node < 0 || node >= len(s.Nodes) || visited[node] {
			return
		}
		visited[node] = true
		world := parent.Mul4(s.Nodes[node].Local)
		if c := doc.Nodes[node].Camera; c != nil && int(*c) < len(doc.Cameras) {
			if p := doc.Cameras[int(*c)].Perspective; p != nil {
				eye := world.Col(3).Vec3()
				forward := world.Mul4x1(mgl32.Vec4{0, 0, -1, 0}).Vec3()
				found = scene.NewLookAtCamera(eye, eye.Add(forward))
				found.FovY = float32(p.Yfov)
				found.Near = float32(p.Znear)
				if p.Zfar != nil {
					found.Far = float32(*p.Zfar)
				}
				return
			}
		}
		for _, c := range s.Nodes[node].Children {
			walk(c, world)
		}
	}
	for _, r := range s.Roots {
		walk(r, mgl32.Ident4())
	}
	return found
}
