// Package mvp implements an in-memory vantage-point tree over fixed-width
// fingerprints under the Hamming metric.
//
// Points live in leaf buckets. A bucket that grows past the leaf capacity is
// split around a vantage fingerprint and the median distance to it. Radius
// queries prune subtrees with the triangle inequality and then verify every
// surviving point exactly.
//
// Tree is not safe for concurrent use; callers serialize access.
package mvp

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hupe1980/cyclops/fingerprint"
	"github.com/hupe1980/cyclops/internal/queue"
)

// DefaultLeafCapacity is the bucket size used when none is configured.
const DefaultLeafCapacity = 4096

// ErrWidth is returned when a point or query does not match the tree width.
var ErrWidth = errors.New("mvp: fingerprint width does not match tree")

// ErrIDTooLong is returned for a point whose ID exceeds MaxIDLen.
var ErrIDTooLong = errors.New("mvp: point id too long")

// Point is the unit stored in the tree.
type Point struct {
	ID          string
	Fingerprint fingerprint.Fingerprint
}

type node struct {
	points []Point

	vantage fingerprint.Fingerprint
	mu      int
	inner   *node
	outer   *node
}

func (n *node) leaf() bool { return n.inner == nil }

// Tree is a bucketed vantage-point tree.
type Tree struct {
	root    *node
	leafCap int
	width   int
	size    int
}

// New creates an empty tree. leafCap <= 0 selects DefaultLeafCapacity.
func New(leafCap, width int) (*Tree, error) {
	if leafCap <= 0 {
		leafCap = DefaultLeafCapacity
	}
	if width <= 0 {
		return nil, fmt.Errorf("mvp: invalid width %d", width)
	}
	return &Tree{root: &node{}, leafCap: leafCap, width: width}, nil
}

// Len returns the number of points.
func (t *Tree) Len() int { return t.size }

// Width returns the fingerprint width in bytes.
func (t *Tree) Width() int { return t.width }

// LeafCapacity returns the configured bucket size.
func (t *Tree) LeafCapacity() int { return t.leafCap }

// Insert adds p. The fingerprint is copied.
func (t *Tree) Insert(p Point) error {
	if len(p.Fingerprint) != t.width {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrWidth, len(p.Fingerprint), t.width)
	}
	if len(p.ID) > MaxIDLen {
		return fmt.Errorf("%w: %d bytes", ErrIDTooLong, len(p.ID))
	}
	p.Fingerprint = p.Fingerprint.Clone()

	n := t.root
	for !n.leaf() {
		if fingerprint.MustDistance(n.vantage, p.Fingerprint) <= n.mu {
			n = n.inner
		} else {
			n = n.outer
		}
	}
	n.points = append(n.points, p)
	t.size++

	if len(n.points) > t.leafCap {
		split(n)
	}
	return nil
}

// split turns an overflowing leaf into an inner node. A bucket whose points
// are all equidistant from every candidate vantage stays a leaf.
func split(n *node) {
	candidates := []int{0, len(n.points) / 2, len(n.points) - 1}
	dists := make([]int, len(n.points))
	sorted := make([]int, len(n.points))

	for _, c := range candidates {
		vantage := n.points[c].Fingerprint
		for i := range n.points {
			dists[i] = fingerprint.MustDistance(vantage, n.points[i].Fingerprint)
		}
		copy(sorted, dists)
		sort.Ints(sorted)

		mu, ok := median(sorted)
		if !ok {
			continue
		}

		inner := &node{}
		outer := &node{}
		for i, p := range n.points {
			if dists[i] <= mu {
				inner.points = append(inner.points, p)
			} else {
				outer.points = append(outer.points, p)
			}
		}

		n.vantage = vantage.Clone()
		n.mu = mu
		n.inner = inner
		n.outer = outer
		n.points = nil
		return
	}
}

// median picks a threshold that leaves at least one distance on each side.
func median(sorted []int) (int, bool) {
	n := len(sorted)
	mu := sorted[(n-1)/2]
	if sorted[n-1] > mu {
		return mu, true
	}
	for i := n - 1; i >= 0; i-- {
		if sorted[i] < mu {
			return sorted[i], true
		}
	}
	return 0, false
}

// Filter returns every point within radius of q, stopping after limit results.
// limit <= 0 means unbounded.
func (t *Tree) Filter(q fingerprint.Fingerprint, radius, limit int) ([]Point, error) {
	if len(q) != t.width {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrWidth, len(q), t.width)
	}
	if radius < 0 {
		return nil, nil
	}

	var out []Point
	stack := []*node{t.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if n.leaf() {
			for _, p := range n.points {
				if fingerprint.MustDistance(q, p.Fingerprint) <= radius {
					out = append(out, p)
					if limit > 0 && len(out) >= limit {
						return out, nil
					}
				}
			}
			continue
		}

		d := fingerprint.MustDistance(q, n.vantage)
		if d+radius > n.mu {
			stack = append(stack, n.outer)
		}
		if d-radius <= n.mu {
			stack = append(stack, n.inner)
		}
	}
	return out, nil
}

// Nearest returns the k points closest to q within radius, ordered by
// distance and then by ID. k <= 0 returns no points.
func (t *Tree) Nearest(q fingerprint.Fingerprint, radius, k int) ([]Point, error) {
	if len(q) != t.width {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrWidth, len(q), t.width)
	}
	if radius < 0 || k <= 0 {
		return nil, nil
	}

	best := queue.NewMax(min(k, t.size), func(a, b Point) bool { return a.ID < b.ID })
	t.nearest(t.root, q, radius, k, best)

	items := best.Sorted()
	out := make([]Point, len(items))
	for i, it := range items {
		out[i] = it.Value
	}
	return out, nil
}

// nearest is a depth-first search that visits the side of the vantage point
// holding q first. The search radius shrinks to the k-th best distance once k
// points were found.
func (t *Tree) nearest(n *node, q fingerprint.Fingerprint, radius, k int, best *queue.PriorityQueue[Point]) {
	bound := func() int {
		if best.Len() < k {
			return radius
		}
		top, _ := best.TopItem()
		return min(radius, top.Distance)
	}

	if n.leaf() {
		for _, p := range n.points {
			if d := fingerprint.MustDistance(q, p.Fingerprint); d <= bound() {
				best.Offer(queue.Item[Point]{Value: p, Distance: d}, k)
			}
		}
		return
	}

	d := fingerprint.MustDistance(q, n.vantage)
	if d <= n.mu {
		if d-bound() <= n.mu {
			t.nearest(n.inner, q, radius, k, best)
		}
		if d+bound() > n.mu {
			t.nearest(n.outer, q, radius, k, best)
		}
		return
	}

	if d+bound() > n.mu {
		t.nearest(n.outer, q, radius, k, best)
	}
	if d-bound() <= n.mu {
		t.nearest(n.inner, q, radius, k, best)
	}
}

// Walk calls fn for every point until fn returns false.
func (t *Tree) Walk(fn func(Point) bool) {
	stack := []*node{t.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.leaf() {
			for _, p := range n.points {
				if !fn(p) {
					return
				}
			}
			continue
		}
		stack = append(stack, n.outer, n.inner)
	}
}

// Depth returns the height of the tree; a single leaf has depth 1.
func (t *Tree) Depth() int {
	var depth func(n *node) int
	depth = func(n *node) int {
		if n.leaf() {
			return 1
		}
		return 1 + max(depth(n.inner), depth(n.outer))
	}
	return depth(t.root)
}
