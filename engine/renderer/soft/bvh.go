package soft

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/sync/errgroup"
)

const (
	// Axes whose bbox side is shorter than this are not split.
	minSideLength float32 = 1e-4

	// Number of split planes evaluated per axis.
	splitCandidates = 32

	// Work lists at or below this size become leaves.
	minLeafItems = 2
)

type aabb struct {
	Min mgl32.Vec3
	Max mgl32.Vec3
}

func emptyAABB() aabb {
	return aabb{
		Min: mgl32.Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32},
		Max: mgl32.Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32},
	}
}

func (b aabb) grow(o aabb) aabb {
	return aabb{Min: minVec3(b.Min, o.Min), Max: maxVec3(b.Max, o.Max)}
}

func (b aabb) growPoint(p mgl32.Vec3) aabb {
	return aabb{Min: minVec3(b.Min, p), Max: maxVec3(b.Max, p)}
}

func (b aabb) center() mgl32.Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

// halfArea is half the surface area, enough for comparing SAH scores.
func (b aabb) halfArea() float32 {
	s := b.Max.Sub(b.Min)
	if s[0] < 0 {
		return 0
	}
	return s[0]*s[1] + s[1]*s[2] + s[0]*s[2]
}

// transform returns the box enclosing b after applying m.
func (b aabb) transform(m mgl32.Mat4) aabb {
	if b.Min[0] > b.Max[0] {
		return b
	}
	out := emptyAABB()
	for i := 0; i < 8; i++ {
		p := mgl32.Vec3{b.Min[0], b.Min[1], b.Min[2]}
		if i&1 != 0 {
			p[0] = b.Max[0]
		}
		if i&2 != 0 {
			p[1] = b.Max[1]
		}
		if i&4 != 0 {
			p[2] = b.Max[2]
		}
		out = out.growPoint(mgl32.TransformCoordinate(p, m))
	}
	return out
}

// intersect is the slab test; it returns the entry distance when the ray hits
// the box closer than tMax.
func (b aabb) intersect(origin, invDir mgl32.Vec3, tMax float32) (float32, bool) {
	tmin, tmax := float32(0), tMax
	for a := 0; a < 3; a++ {
		t0 := (b.Min[a] - origin[a]) * invDir[a]
		t1 := (b.Max[a] - origin[a]) * invDir[a]
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		if t0 > tmin {
			tmin = t0
		}
		if t1 < tmax {
			tmax = t1
		}
		if tmin > tmax {
			return 0, false
		}
	}
	return tmin, true
}

func minVec3(a, b mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{min(a[0], b[0]), min(a[1], b[1]), min(a[2], b[2])}
}

func maxVec3(a, b mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{max(a[0], b[0]), max(a[1], b[1]), max(a[2], b[2])}
}

// bvhNode is a node of a flattened tree. Leaves have count > 0 and reference
// items[first:first+count]; inner nodes reference their children.
type bvhNode struct {
	bounds      aabb
	left, right int32
	first       int32
	count       int32
}

func (n *bvhNode) leaf() bool {
	return n.count > 0
}

type bvh struct {
	nodes []bvhNode
	// Item indices in leaf order.
	items []int32
}

type splitCandidate struct {
	axis       int
	splitPoint float32
	leftCount  int
	rightCount int
	score      float32
}

type bvhBuilder struct {
	bounds  []aabb
	centers []mgl32.Vec3
	nodes   []bvhNode
	items   []int32
}

// buildBVH partitions the given item bounds with a SAH scored binned split,
// scoring the three axes concurrently.
func buildBVH(bounds []aabb) *bvh {
	b := &bvhBuilder{
		bounds:  bounds,
		centers: make([]mgl32.Vec3, len(bounds)),
	}
	work := make([]int32, len(bounds))
	for i, bb := range bounds {
		b.centers[i] = bb.center()
		work[i] = int32(i)
	}
	if len(work) == 0 {
		return &bvh{}
	}
	b.partition(work, 0)
	return &bvh{nodes: b.nodes, items: b.items}
}

func (b *bvhBuilder) partition(work []int32, depth int) int32 {
	node := bvhNode{bounds: emptyAABB()}
	for _, item := range work {
		node.bounds = node.bounds.grow(b.bounds[item])
	}
	if len(work) <= minLeafItems {
		return b.leaf(node, work)
	}

	best := b.bestSplit(work, node.bounds)
	if best == nil {
		return b.leaf(node, work)
	}

	left := make([]int32, 0, best.leftCount)
	right := make([]int32, 0, best.rightCount)
	for _, item := range work {
		if b.centers[item][best.axis] < best.splitPoint {
			left = append(left, item)
		} else {
			right = append(right, item)
		}
	}

	index := int32(len(b.nodes))
	b.nodes = append(b.nodes, node)
	l := b.partition(left, depth+1)
	r := b.partition(right, depth+1)
	b.nodes[index].left = l
	b.nodes[index].right = r
	return index
}

// bestSplit returns the split improving most on the unsplit score, or nil.
func (b *bvhBuilder) bestSplit(work []int32, bounds aabb) *splitCandidate {
	side := bounds.Max.Sub(bounds.Min)
	perAxis := [3]*splitCandidate{}

	var g errgroup.Group
	for axis := 0; axis < 3; axis++ {
		if side[axis] < minSideLength {
			continue
		}
		g.Go(func() error {
			step := side[axis] / splitCandidates
			for i := 1; i < splitCandidates; i++ {
				c := splitCandidate{axis: axis, splitPoint: bounds.Min[axis] + step*float32(i)}
				b.score(&c, work)
				if perAxis[axis] == nil || c.score < perAxis[axis].score {
					perAxis[axis] = &c
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	bestScore := float32(len(work)) * bounds.halfArea()
	var best *splitCandidate
	for _, c := range perAxis {
		if c != nil && c.score < bestScore {
			bestScore = c.score
			best = c
		}
	}
	return best
}

func (b *bvhBuilder) score(c *splitCandidate, work []int32) {
	lb, rb := emptyAABB(), emptyAABB()
	for _, item := range work {
		if b.centers[item][c.axis] < c.splitPoint {
			c.leftCount++
			lb = lb.grow(b.bounds[item])
		} else {
			c.rightCount++
			rb = rb.grow(b.bounds[item])
		}
	}
	if c.leftCount == 0 || c.rightCount == 0 {
		c.score = math.MaxFloat32
		return
	}
	c.score = float32(c.leftCount)*lb.halfArea() + float32(c.rightCount)*rb.halfArea()
}

func (b *bvhBuilder) leaf(node bvhNode, work []int32) int32 {
	node.first = int32(len(b.items))
	node.count = int32(len(work))
	b.items = append(b.items, work...)
	index := int32(len(b.nodes))
	b.nodes = append(b.nodes, node)
	return index
}

// traverse visits every leaf item whose node the ray enters before tMax.
// visit returns the new tMax.
func (t *bvh) traverse(origin, dir mgl32.Vec3, tMax float32, visit func(item int32, tMax float32) float32) float32 {
	if len(t.nodes) == 0 {
		return tMax
	}
	invDir := mgl32.Vec3{1 / dir[0], 1 / dir[1], 1 / dir[2]}
	// The root is the first node appended by partition, or the only leaf.
	root := t.root()
	stack := []int32{root}
	for len(stack) > 0 {
		n := &t.nodes[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		if _, ok := n.bounds.intersect(origin, invDir, tMax); !ok {
			continue
		}
		if n.leaf() {
			for _, item := range t.items[n.first : n.first+n.count] {
				tMax = visit(item, tMax)
			}
			continue
		}
		stack = append(stack, n.left, n.right)
	}
	return tMax
}

func (t *bvh) root() int32 {
	return 0
}

func (t *bvh) bounds() aabb {
	if len(t.nodes) == 0 {
		return emptyAABB()
	}
	return t.nodes[t.root()].bounds
}
