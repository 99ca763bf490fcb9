package spatial

import (
	"math"
	"sort"
)

// DefaultLeafSize is the largest range a KD-tree node keeps without splitting.
const DefaultLeafSize = 10

// NoChild marks a missing child index.
const NoChild = -1

// Positioned is anything with a 2D world position.
type Positioned interface {
	Position() (x, y float64)
}

// KDNode is one node of the flat KD-tree array. It covers the half-open
// range [Begin, End) of the (permuted) item slice.
type KDNode struct {
	Begin, End  int
	Left, Right int // child node indices, or NoChild
	MinX, MaxX  float64
	MinY, MaxY  float64
}

// IsLeaf reports whether the node has no children.
func (n KDNode) IsLeaf() bool {
	return n.Left == NoChild
}

// Size returns the number of items in the node's range.
func (n KDNode) Size() int {
	return n.End - n.Begin
}

// Contains reports whether (x, y) lies within the node's bounding box.
func (n KDNode) Contains(x, y float64) bool {
	return x >= n.MinX && x <= n.MaxX && y >= n.MinY && y <= n.MaxY
}

// distSq returns the squared distance from (x, y) to the bounding box.
func (n KDNode) distSq(x, y float64) float64 {
	dx := math.Max(0, math.Max(n.MinX-x, x-n.MaxX))
	dy := math.Max(0, math.Max(n.MinY-y, y-n.MaxY))
	return dx*dx + dy*dy
}

// KDTree is a bounding-box KD-tree rebuilt from scratch every cycle over a
// slice of positioned items.
//
// Build permutes the item slice in place: indices returned by queries refer
// to positions in the permuted slice, valid until the next Build. Callers
// needing stable identity should store it on the item itself.
//
// Splits use the spatial median of the wider axis, not a statistical median,
// so degenerate distributions can produce unbalanced trees.
type KDTree[T Positioned] struct {
	items    []T
	nodes    []KDNode
	leafSize int
	scratch  []neighbor
}

type neighbor struct {
	idx    int
	distSq float64
}

// NewKDTree creates an empty tree. leafSize < 1 falls back to DefaultLeafSize.
func NewKDTree[T Positioned](leafSize int) *KDTree[T] {
	if leafSize < 1 {
		leafSize = DefaultLeafSize
	}
	return &KDTree[T]{leafSize: leafSize}
}

// LeafSize returns the configured leaf threshold.
func (t *KDTree[T]) LeafSize() int { return t.leafSize }

// Items returns the permuted item slice the tree indexes.
func (t *KDTree[T]) Items() []T { return t.items }

// Nodes returns the flat node array. Node 0 is the root.
func (t *KDTree[T]) Nodes() []KDNode { return t.nodes }

// Build reorders items in place and rebuilds the node array.
func (t *KDTree[T]) Build(items []T) {
	t.items = items
	t.nodes = t.nodes[:0]
	if len(items) == 0 {
		return
	}
	if cap(t.nodes) < 2*len(items) {
		t.nodes = make([]KDNode, 0, 2*len(items))
	}
	t.build(0, len(items))
}

func (t *KDTree[T]) build(begin, end int) int {
	nodeIdx := len(t.nodes)
	node := KDNode{Begin: begin, End: end, Left: NoChild, Right: NoChild}

	x, y := t.items[begin].Position()
	node.MinX, node.MaxX = x, x
	node.MinY, node.MaxY = y, y
	for i := begin + 1; i < end; i++ {
		x, y = t.items[i].Position()
		node.MinX = math.Min(node.MinX, x)
		node.MaxX = math.Max(node.MaxX, x)
		node.MinY = math.Min(node.MinY, y)
		node.MaxY = math.Max(node.MaxY, y)
	}
	t.nodes = append(t.nodes, node)

	if end-begin <= t.leafSize {
		return nodeIdx
	}

	vertical := node.MaxX-node.MinX > node.MaxY-node.MinY
	var split float64
	if vertical {
		split = (node.MinX + node.MaxX) * 0.5
	} else {
		split = (node.MinY + node.MaxY) * 0.5
	}

	mid := t.partition(begin, end, vertical, split)
	if mid == begin || mid == end {
		// Nothing separated: keep as an oversized leaf.
		return nodeIdx
	}

	left := t.build(begin, mid)
	right := t.build(mid, end)
	t.nodes[nodeIdx].Left = left
	t.nodes[nodeIdx].Right = right
	return nodeIdx
}

// partition moves every item whose axis coordinate is < split in front of
// the rest (Hoare scheme) and returns the boundary.
func (t *KDTree[T]) partition(begin, end int, vertical bool, split float64) int {
	axis := func(i int) float64 {
		x, y := t.items[i].Position()
		if vertical {
			return x
		}
		return y
	}

	left, right := begin, end
	for left < right {
		for left < right && axis(left) < split {
			left++
		}
		for left < right && axis(right-1) >= split {
			right--
		}
		if left < right {
			t.items[left], t.items[right-1] = t.items[right-1], t.items[left]
			left++
			right--
		}
	}
	return left
}

// QueryRadius appends to out the indices of all items within radius of
// (x, y) and returns the extended slice. Subtrees whose bounding box lies
// farther than radius are pruned.
func (t *KDTree[T]) QueryRadius(x, y, radius float64, out []int) []int {
	if len(t.nodes) == 0 {
		return out
	}
	rSq := radius * radius
	return t.queryRadius(0, x, y, rSq, out)
}

func (t *KDTree[T]) queryRadius(nodeIdx int, x, y, rSq float64, out []int) []int {
	node := t.nodes[nodeIdx]
	if node.distSq(x, y) > rSq {
		return out
	}
	if node.IsLeaf() {
		for i := node.Begin; i < node.End; i++ {
			px, py := t.items[i].Position()
			dx, dy := px-x, py-y
			if dx*dx+dy*dy <= rSq {
				out = append(out, i)
			}
		}
		return out
	}
	out = t.queryRadius(node.Left, x, y, rSq, out)
	return t.queryRadius(node.Right, x, y, rSq, out)
}

// Nearest appends to out up to k indices of items within radius of (x, y),
// closest first. skip is excluded (pass -1 to keep everything).
//
// IMPORTANT: uses an internal scratch buffer; not safe for concurrent use.
func (t *KDTree[T]) Nearest(x, y, radius float64, k, skip int, out []int) []int {
	if len(t.nodes) == 0 || k <= 0 {
		return out
	}
	t.scratch = t.scratch[:0]
	t.nearest(0, x, y, radius*radius, k, skip)
	for _, n := range t.scratch {
		out = append(out, n.idx)
	}
	return out
}

// nearest keeps scratch sorted by distance and at most k long, shrinking the
// search radius to the current k-th distance once scratch is full.
func (t *KDTree[T]) nearest(nodeIdx int, x, y, rSq float64, k, skip int) {
	node := t.nodes[nodeIdx]
	if node.distSq(x, y) > t.bound(rSq, k) {
		return
	}
	if node.IsLeaf() {
		for i := node.Begin; i < node.End; i++ {
			if i == skip {
				continue
			}
			px, py := t.items[i].Position()
			dx, dy := px-x, py-y
			d := dx*dx + dy*dy
			if d > t.bound(rSq, k) {
				continue
			}
			t.insertNeighbor(neighbor{idx: i, distSq: d}, k)
		}
		return
	}

	// Visit the closer child first for tighter pruning.
	first, second := node.Left, node.Right
	if t.nodes[second].distSq(x, y) < t.nodes[first].distSq(x, y) {
		first, second = second, first
	}
	t.nearest(first, x, y, rSq, k, skip)
	t.nearest(second, x, y, rSq, k, skip)
}

func (t *KDTree[T]) bound(rSq float64, k int) float64 {
	if len(t.scratch) == k {
		return t.scratch[k-1].distSq
	}
	return rSq
}

func (t *KDTree[T]) insertNeighbor(n neighbor, k int) {
	pos := sort.Search(len(t.scratch), func(i int) bool {
		return t.scratch[i].distSq > n.distSq
	})
	if len(t.scratch) < k {
		t.scratch = append(t.scratch, neighbor{})
	} else if pos >= k {
		return
	}
	copy(t.scratch[pos+1:], t.scratch[pos:len(t.scratch)-1])
	t.scratch[pos] = n
}
