package scene

import "github.com/go-gl/mathgl/mgl32"

// Quad returns a unit square in the XZ plane facing +Y.
func Quad(key PrimitiveKey, material int) Primitive {
	return Primitive{
		Key: key,
		Vertices: []Vertex{
			{Position: [3]float32{-0.5, 0, -0.5}, TexCoord: [2]float32{0, 0}},
			{Position: [3]float32{0.5, 0, -0.5}, TexCoord: [2]float32{1, 0}},
			{Position: [3]float32{0.5, 0, 0.5}, TexCoord: [2]float32{1, 1}},
			{Position: [3]float32{-0.5, 0, 0.5}, TexCoord: [2]float32{0, 1}},
		},
		Indices:  []uint32{0, 2, 1, 0, 3, 2},
		Material: material,
	}
}

// Cube returns a unit cube centered on the origin with 24 vertices.
func Cube(key PrimitiveKey, material int) Primitive {
	faces := [6][4][3]float32{
		{{-1, -1, 1}, {1, -1, 1}, {1, 1, 1}, {-1, 1, 1}},
		{{1, -1, -1}, {-1, -1, -1}, {-1, 1, -1}, {1, 1, -1}},
		{{1, -1, 1}, {1, -1, -1}, {1, 1, -1}, {1, 1, 1}},
		{{-1, -1, -1}, {-1, -1, 1}, {-1, 1, 1}, {-1, 1, -1}},
		{{-1, 1, 1}, {1, 1, 1}, {1, 1, -1}, {-1, 1, -1}},
		{{-1, -1, -1}, {1, -1, -1}, {1, -1, 1}, {-1, -1, 1}},
	}
	uvs := [4][2]float32{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	p := Primitive{Key: key, Material: material}
	for f, face := range faces {
		base := uint32(f * 4)
		for i, c := range face {
			p.Vertices = append(p.Vertices, Vertex{
				Position: [3]float32{c[0] * 0.5, c[1] * 0.5, c[2] * 0.5},
				TexCoord: uvs[i],
			})
		}
		p.Indices = append(p.Indices, base, base+1, base+2, base, base+2, base+3)
	}
	return p
}

// Demo is a ground plane with four cubes on it: two primitives, five
// instances.
func Demo() *Scene {
	ground, cube := 0, 1
	s := &Scene{
		Primitives: []Primitive{
			Quad(PrimitiveKey{VertexAccessor: 0, IndexAccessor: 1}, 0),
			Cube(PrimitiveKey{VertexAccessor: 2, IndexAccessor: 3}, 1),
		},
		Meshes: []Mesh{
			{Name: "ground", Primitives: []int{0}},
			{Name: "cube", Primitives: []int{1}},
		},
		Materials: []Material{
			{Name: "floor", BaseColor: [4]float32{0.6, 0.6, 0.6, 1}},
			{Name: "clay", BaseColor: [4]float32{0.8, 0.3, 0.2, 1}, Emissive: [3]float32{0.05, 0.02, 0}},
		},
	}
	s.Nodes = append(s.Nodes, Node{Name: "world", Local: mgl32.Ident4()})
	s.Nodes = append(s.Nodes, Node{Name: "ground", Local: mgl32.Scale3D(10, 1, 10), Mesh: &ground})
	s.Nodes[0].Children = append(s.Nodes[0].Children, 1)
	for i, pos := range []mgl32.Vec3{{-1.5, 0.5, -1.5}, {1.5, 0.5, -1.5}, {-1.5, 0.5, 1.5}, {1.5, 0.5, 1.5}} {
		s.Nodes = append(s.Nodes, Node{
			Name:  "cube",
			Local: mgl32.Translate3D(pos[0], pos[1], pos[2]).Mul4(mgl32.HomogRotate3DY(float32(i) * 0.4)),
			Mesh:  &cube,
		})
		s.Nodes[0].Children = append(s.Nodes[0].Children, len(s.Nodes)-1)
	}
	s.Roots = []int{0}
	s.Camera = NewLookAtCamera(mgl32.Vec3{0, 4, 8}, mgl32.Vec3{0, 0.5, 0})
	return s
}
