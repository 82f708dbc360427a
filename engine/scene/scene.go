// Package scene is the in-memory scene the renderer consumes: primitives with
// their vertex and index data, a node tree placing meshes in the world,
// materials and a camera.
package scene

import (
	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
)

// Vertex is the layout of the vertex buffers built from a scene.
type Vertex struct {
	Position [3]float32
	TexCoord [2]float32
}

// VertexStride is the size in bytes of one Vertex.
const VertexStride = 20

// PrimitiveKey identifies the source data of a primitive within one scene.
// Primitives sharing a key share their geometry and therefore their bottom
// level structure.
type PrimitiveKey struct {
	VertexAccessor int
	IndexAccessor  int
	// Draw mode of the source primitive before triangulation. Zero for
	// geometry built in code.
	Mode int
}

// Primitive is a triangle list. Indices are always present; loaders generate
// them for non-indexed geometry.
type Primitive struct {
	Key      PrimitiveKey
	Vertices []Vertex
	Indices  []uint32
	Material int
}

// MaxIndex returns the largest index of the primitive.
func (p *Primitive) MaxIndex() uint32 {
	var m uint32
	for _, i := range p.Indices {
		m = max(m, i)
	}
	return m
}

// TriangleCount returns the number of triangles of the list.
func (p *Primitive) TriangleCount() int {
	return len(p.Indices) / 3
}

type Mesh struct {
	Name       string
	Primitives []int
}

type Node struct {
	Name     string
	Local    mgl32.Mat4
	Mesh     *int
	Children []int
}

type Material struct {
	Name      string
	BaseColor [4]float32
	Emissive  [3]float32
}

// DefaultMaterial is used by primitives without a material.
var DefaultMaterial = Material{Name: "default", BaseColor: [4]float32{0.8, 0.8, 0.8, 1}}

type Scene struct {
	Primitives []Primitive
	Meshes     []Mesh
	Nodes      []Node
	Roots      []int
	Materials  []Material
	Camera     *Camera
}

// Instance is one placement of a primitive in the world.
type Instance struct {
	PrimitiveIndex int
	World          mgl32.Mat4
	Node           int
}

// Instances walks the node tree depth first from each root and returns one
// instance per primitive of every mesh node, with accumulated transforms.
func (s *Scene) Instances() []Instance {
	var out []Instance
	var walk func(node int, parent mgl32.Mat4)
	walk = func(node int, parent mgl32.Mat4) {
		n := &s.Nodes[node]
		world := parent.Mul4(n.Local)
		if n.Mesh != nil {
			for _, p := range s.Meshes[*n.Mesh].Primitives {
				out = append(out, Instance{PrimitiveIndex: p, World: world, Node: node})
			}
		}
		for _, c := range n.Children {
			walk(c, world)
		}
	}
	for _, r := range s.Roots {
		walk(r, mgl32.Ident4())
	}
	return out
}

// MaterialOf returns the material of primitive p, or DefaultMaterial.
func (s *Scene) MaterialOf(p int) Material {
	m := s.Primitives[p].Material
	if m < 0 || m >= len(s.Materials) {
		return DefaultMaterial
	}
	return s.Materials[m]
}

// Validate checks that every reference in the scene resolves, that every
// primitive is a non-empty triangle list with in-range indices and that the
// node graph is a forest.
func (s *Scene) Validate() error {
	for i := range s.Primitives {
		p := &s.Primitives[i]
		if len(p.Indices) == 0 || len(p.Indices)%3 != 0 {
			return errors.Newf("primitive %d has %d indices, not a triangle list", i, len(p.Indices))
		}
		if int(p.MaxIndex()) >= len(p.Vertices) {
			return errors.Newf("primitive %d index %d out of range for %d vertices", i, p.MaxIndex(), len(p.Vertices))
		}
		if p.Material >= len(s.Materials) {
			return errors.Newf("primitive %d references material %d of %d", i, p.Material, len(s.Materials))
		}
	}
	for i, m := range s.Meshes {
		for _, p := range m.Primitives {
			if p < 0 || p >= len(s.Primitives) {
				return errors.Newf("mesh %d (%s) references primitive %d of %d", i, m.Name, p, len(s.Primitives))
			}
		}
	}

	// Every node may be reached once from the roots.
	visited := make([]bool, len(s.Nodes))
	var visit func(n int) error
	visit = func(n int) error {
		if n < 0 || n >= len(s.Nodes) {
			return errors.Newf("node reference %d out of range for %d nodes", n, len(s.Nodes))
		}
		if visited[n] {
			return errors.Newf("node %d (%s) is reachable twice, the node graph has a cycle or shared child", n, s.Nodes[n].Name)
		}
		visited[n] = true
		node := &s.Nodes[n]
		if node.Mesh != nil && (*node.Mesh < 0 || *node.Mesh >= len(s.Meshes)) {
			return errors.Newf("node %d (%s) references mesh %d of %d", n, node.Name, *node.Mesh, len(s.Meshes))
		}
		for _, c := range node.Children {
			if err := visit(c); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range s.Roots {
		if err := visit(r); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the distinct primitive keys in first-use order.
func (s *Scene) Keys() []PrimitiveKey {
	seen := make(map[PrimitiveKey]bool)
	var out []PrimitiveKey
	for _, p := range s.Primitives {
		if !seen[p.Key] {
			seen[p.Key] = true
			out = append(out, p.Key)
		}
	}
	return out
}

// Bounds returns the world space bounding box of all instances.
func (s *Scene) Bounds() (lo, hi mgl32.Vec3) {
	first := true
	for _, inst := range s.Instances() {
		for _, v := range s.Primitives[inst.PrimitiveIndex].Vertices {
			p := mgl32.TransformCoordinate(mgl32.Vec3(v.Position), inst.World)
			if first {
				lo, hi = p, p
				first = false
				continue
			}
			for a := 0; a < 3; a++ {
				lo[a] = min(lo[a], p[a])
				hi[a] = max(hi[a], p[a])
			}
		}
	}
	return lo, hi
}
