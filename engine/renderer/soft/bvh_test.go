package soft

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowOfBoxes(n int) []aabb {
	out := make([]aabb, n)
	for i := range out {
		x := float32(i)
		out[i] = aabb{Min: mgl32.Vec3{x, 0, 0}, Max: mgl32.Vec3{x + 0.5, 1, 1}}
	}
	return out
}

func TestBuildBVHKeepsEveryItem(t *testing.T) {
	tree := buildBVH(rowOfBoxes(100))

	require.NotEmpty(t, tree.nodes)
	assert.Len(t, tree.items, 100)
	seen := map[int32]bool{}
	for _, it := range tree.items {
		seen[it] = true
	}
	assert.Len(t, seen, 100)
	assert.Equal(t, mgl32.Vec3{0, 0, 0}, tree.bounds().Min)
	assert.Equal(t, mgl32.Vec3{99.5, 1, 1}, tree.bounds().Max)
	assert.False(t, tree.nodes[tree.root()].leaf())
}

func TestTraverseVisitsOnlyCrossedBoxes(t *testing.T) {
	tree := buildBVH(rowOfBoxes(100))

	visited := map[int32]int{}
	tree.traverse(mgl32.Vec3{-1, 0.5, 0.5}, mgl32.Vec3{1, 0, 0}, 1e30, func(item int32, tMax float32) float32 {
		visited[item]++
		return tMax
	})
	assert.Len(t, visited, 100)
	for _, n := range visited {
		assert.Equal(t, 1, n)
	}

	missed := 0
	tree.traverse(mgl32.Vec3{-1, 5, 0.5}, mgl32.Vec3{1, 0, 0}, 1e30, func(item int32, tMax float32) float32 {
		missed++
		return tMax
	})
	assert.Zero(t, missed)
}

func TestTraverseShrinksTMax(t *testing.T) {
	tree := buildBVH(rowOfBoxes(64))

	// Reporting a hit at the first box prunes every box behind it.
	visited := 0
	tree.traverse(mgl32.Vec3{-1, 0.5, 0.5}, mgl32.Vec3{1, 0, 0}, 1e30, func(item int32, tMax float32) float32 {
		visited++
		return 1.2
	})
	assert.Less(t, visited, 64)
}

func TestEmptyBVH(t *testing.T) {
	tree := buildBVH(nil)
	assert.Empty(t, tree.nodes)
	got := tree.traverse(mgl32.Vec3{}, mgl32.Vec3{0, 0, -1}, 7, func(int32, float32) float32 { return 0 })
	assert.Equal(t, float32(7), got)

	empty := emptyAABB()
	assert.Equal(t, empty, empty.transform(mgl32.Translate3D(1, 2, 3)))
}

func TestAABBTransform(t *testing.T) {
	box := aabb{Min: mgl32.Vec3{-1, -1, -1}, Max: mgl32.Vec3{1, 1, 1}}
	moved := box.transform(mgl32.Translate3D(10, 0, 0).Mul4(mgl32.Scale3D(2, 1, 1)))

	assert.InDelta(t, 8, moved.Min[0], 1e-5)
	assert.InDelta(t, 12, moved.Max[0], 1e-5)
	assert.InDelta(t, -1, moved.Min[1], 1e-5)
}
