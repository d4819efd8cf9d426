// Package queue provides binary heaps of values ordered by integer distance.
package queue

import "container/heap"

// Compile time check to ensure PriorityQueue satisfies the heap interface.
var _ heap.Interface = (*PriorityQueue[struct{}])(nil)

// Item is a value with its distance to a query.
type Item[T any] struct {
	Value    T
	Distance int
}

// PriorityQueue is a min- or max-heap of Items. Items of equal distance are
// ordered by the tie function, if any.
type PriorityQueue[T any] struct {
	isMaxHeap bool
	tie       func(a, b T) bool
	items     []Item[T]
}

// NewMin creates a min-heap. tie reports whether a sorts before b among items
// of equal distance and may be nil.
func NewMin[T any](capacity int, tie func(a, b T) bool) *PriorityQueue[T] {
	return &PriorityQueue[T]{
		tie:   tie,
		items: make([]Item[T], 0, capacity),
	}
}

// NewMax creates a max-heap: the top item is the farthest, and among equally
// far items the one sorting last under tie.
func NewMax[T any](capacity int, tie func(a, b T) bool) *PriorityQueue[T] {
	return &PriorityQueue[T]{
		isMaxHeap: true,
		tie:       tie,
		items:     make([]Item[T], 0, capacity),
	}
}

// before reports whether a sorts before b in ascending (distance, tie) order.
func (pq *PriorityQueue[T]) before(a, b Item[T]) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return pq.tie != nil && pq.tie(a.Value, b.Value)
}

// TopItem returns the top element of the heap.
func (pq *PriorityQueue[T]) TopItem() (Item[T], bool) {
	if len(pq.items) == 0 {
		return Item[T]{}, false
	}
	return pq.items[0], true
}

// PushItem inserts an item while maintaining the heap invariant.
func (pq *PriorityQueue[T]) PushItem(item Item[T]) {
	pq.items = append(pq.items, item)
	pq.siftUp(len(pq.items) - 1)
}

// PopItem removes and returns the top element while maintaining the heap invariant.
func (pq *PriorityQueue[T]) PopItem() (Item[T], bool) {
	n := len(pq.items)
	if n == 0 {
		return Item[T]{}, false
	}
	root := pq.items[0]
	last := pq.items[n-1]
	pq.items[n-1] = Item[T]{}
	pq.items = pq.items[:n-1]
	if n-1 > 0 {
		pq.items[0] = last
		pq.siftDown(0)
	}
	return root, true
}

// Offer keeps the k nearest items seen so far in a max-heap. It pushes item
// while the heap holds fewer than k items, otherwise replaces the top when item
// sorts before it. It reports whether item was kept.
func (pq *PriorityQueue[T]) Offer(item Item[T], k int) bool {
	if len(pq.items) < k {
		pq.PushItem(item)
		return true
	}
	if len(pq.items) == 0 || !pq.before(item, pq.items[0]) {
		return false
	}
	pq.items[0] = item
	pq.siftDown(0)
	return true
}

// Sorted drains the heap and returns its items in ascending (distance, tie)
// order.
func (pq *PriorityQueue[T]) Sorted() []Item[T] {
	out := make([]Item[T], len(pq.items))
	if pq.isMaxHeap {
		for i := len(out) - 1; i >= 0; i-- {
			out[i], _ = pq.PopItem()
		}
	} else {
		for i := range out {
			out[i], _ = pq.PopItem()
		}
	}
	return out
}

func (pq *PriorityQueue[T]) Less(i, j int) bool {
	if pq.isMaxHeap {
		return pq.before(pq.items[j], pq.items[i])
	}
	return pq.before(pq.items[i], pq.items[j])
}

func (pq *PriorityQueue[T]) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !pq.Less(i, p) {
			return
		}
		pq.items[i], pq.items[p] = pq.items[p], pq.items[i]
		i = p
	}
}

func (pq *PriorityQueue[T]) siftDown(i int) {
	n := len(pq.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		r := l + 1
		if r < n && pq.Less(r, l) {
			best = r
		}
		if !pq.Less(best, i) {
			return
		}
		pq.items[i], pq.items[best] = pq.items[best], pq.items[i]
		i = best
	}
}

// Len returns the number of elements in the priority queue.
func (pq *PriorityQueue[T]) Len() int { return len(pq.items) }

// Swap swaps the elements with indexes i and j.
func (pq *PriorityQueue[T]) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
}

// Push adds x, an Item[T], for container/heap.
func (pq *PriorityQueue[T]) Push(x any) {
	pq.items = append(pq.items, x.(Item[T]))
}

// Pop removes the last element for container/heap.
func (pq *PriorityQueue[T]) Pop() any {
	n := len(pq.items)
	if n == 0 {
		return Item[T]{}
	}

	item := pq.items[n-1]
	pq.items[n-1] = Item[T]{}
	pq.items = pq.items[:n-1]

	return item
}

// Reset clears the priority queue for reuse.
func (pq *PriorityQueue[T]) Reset() {
	clear(pq.items)
	pq.items = pq.items[:0]
}
