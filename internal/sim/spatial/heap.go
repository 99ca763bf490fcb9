package spatial

import (
	"errors"
	"fmt"
)

// Heap precondition violations. These indicate programming errors in the
// caller and are never recovered silently.
var (
	ErrDuplicateKey    = errors.New("heap: item with equal key already present")
	ErrHeapEmpty       = errors.New("heap: empty")
	ErrIndexOutOfRange = errors.New("heap: index out of range")
	ErrHeapFull        = errors.New("heap: capacity reached")
)

// HeapType selects the ordering of an IndexableHeap.
type HeapType uint8

const (
	Minimum HeapType = iota
	Maximum
)

func (t HeapType) String() string {
	if t == Maximum {
		return "max"
	}
	return "min"
}

// HeapItem is an element of an IndexableHeap. Key identifies the item for
// O(1) lookup; Compare defines the total order (negative when the receiver
// sorts before other).
type HeapItem[K comparable, T any] interface {
	Key() K
	Compare(other T) int
}

// IndexableHeap is a binary heap with a side index from item key to array
// position, giving O(1) membership and position lookup alongside the usual
// O(log n) insert and removal.
//
// The items slice and the index map are two containers kept in lock-step:
// every structural mutation goes through place, which updates both.
type IndexableHeap[K comparable, T HeapItem[K, T]] struct {
	kind    HeapType
	items   []T
	index   map[K]int
	maxSize int // 0 = unbounded
}

// NewHeap creates an unbounded heap with the given initial capacity.
func NewHeap[K comparable, T HeapItem[K, T]](kind HeapType, initialCapacity int) *IndexableHeap[K, T] {
	if initialCapacity < 0 {
		initialCapacity = 0
	}
	return &IndexableHeap[K, T]{
		kind:  kind,
		items: make([]T, 0, initialCapacity),
		index: make(map[K]int, initialCapacity),
	}
}

// NewBoundedHeap creates a heap that refuses to grow beyond maxSize items.
func NewBoundedHeap[K comparable, T HeapItem[K, T]](kind HeapType, maxSize int) *IndexableHeap[K, T] {
	h := NewHeap[K, T](kind, maxSize)
	h.maxSize = maxSize
	return h
}

// Type returns the heap ordering.
func (h *IndexableHeap[K, T]) Type() HeapType { return h.kind }

// Len returns the number of items.
func (h *IndexableHeap[K, T]) Len() int { return len(h.items) }

// At returns the item at array position i. i must be in range.
func (h *IndexableHeap[K, T]) At(i int) T { return h.items[i] }

// IndexOf returns the array position of the item with key, or -1.
func (h *IndexableHeap[K, T]) IndexOf(key K) int {
	if i, ok := h.index[key]; ok {
		return i
	}
	return -1
}

// Contains reports whether an item with key is present.
func (h *IndexableHeap[K, T]) Contains(key K) bool {
	_, ok := h.index[key]
	return ok
}

// Peek returns the root without removing it.
func (h *IndexableHeap[K, T]) Peek() (T, error) {
	if len(h.items) == 0 {
		var zero T
		return zero, ErrHeapEmpty
	}
	return h.items[0], nil
}

// Clear removes all items, keeping allocated capacity.
func (h *IndexableHeap[K, T]) Clear() {
	var zero T
	for i := range h.items {
		h.items[i] = zero
	}
	h.items = h.items[:0]
	clear(h.index)
}

// Add inserts item and sifts it up.
func (h *IndexableHeap[K, T]) Add(item T) error {
	key := item.Key()
	if _, ok := h.index[key]; ok {
		return fmt.Errorf("add %v: %w", key, ErrDuplicateKey)
	}
	if h.maxSize > 0 && len(h.items) >= h.maxSize {
		return fmt.Errorf("add %v: %w (%d)", key, ErrHeapFull, h.maxSize)
	}
	var zero T
	h.items = append(h.items, zero)
	h.place(item, len(h.items)-1)
	h.siftUp(len(h.items) - 1)
	return nil
}

// RemoveFirst removes and returns the root.
func (h *IndexableHeap[K, T]) RemoveFirst() (T, error) {
	if len(h.items) == 0 {
		var zero T
		return zero, ErrHeapEmpty
	}
	return h.removeAt(0), nil
}

// RemoveAt removes the item at array position i. The tail item moved into
// the hole is sifted both up and down, so this handles increase- and
// decrease-key alike.
func (h *IndexableHeap[K, T]) RemoveAt(i int) (T, error) {
	if i < 0 || i >= len(h.items) {
		var zero T
		return zero, fmt.Errorf("remove at %d (len %d): %w", i, len(h.items), ErrIndexOutOfRange)
	}
	return h.removeAt(i), nil
}

func (h *IndexableHeap[K, T]) removeAt(i int) T {
	removed := h.items[i]
	delete(h.index, removed.Key())

	last := len(h.items) - 1
	tail := h.items[last]
	var zero T
	h.items[last] = zero
	h.items = h.items[:last]

	if i == last {
		return removed
	}
	h.place(tail, i)
	i = h.siftUp(i)
	h.siftDown(i)
	return removed
}

// before reports whether a belongs above b for this heap type.
func (h *IndexableHeap[K, T]) before(a, b T) bool {
	if h.kind == Maximum {
		return a.Compare(b) > 0
	}
	return a.Compare(b) < 0
}

func (h *IndexableHeap[K, T]) siftUp(i int) int {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.before(h.items[i], h.items[parent]) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
	return i
}

func (h *IndexableHeap[K, T]) siftDown(i int) {
	n := len(h.items)
	for {
		left := 2*i + 1
		if left >= n {
			return
		}
		best := left
		if right := left + 1; right < n && h.before(h.items[right], h.items[left]) {
			best = right
		}
		if !h.before(h.items[best], h.items[i]) {
			return
		}
		h.swap(i, best)
		i = best
	}
}

func (h *IndexableHeap[K, T]) swap(i, j int) {
	a, b := h.items[i], h.items[j]
	h.place(b, i)
	h.place(a, j)
}

// place is the only writer of items[i] and index.
func (h *IndexableHeap[K, T]) place(item T, i int) {
	h.items[i] = item
	h.index[item.Key()] = i
}

// Validate checks the heap order and that the index map matches the array
// exactly. It returns the first violation found.
func (h *IndexableHeap[K, T]) Validate() error {
	if len(h.index) != len(h.items) {
		return fmt.Errorf("heap: index has %d entries for %d items", len(h.index), len(h.items))
	}
	for i, item := range h.items {
		if got, ok := h.index[item.Key()]; !ok || got != i {
			return fmt.Errorf("heap: key %v at %d indexed as %d (present=%v)", item.Key(), i, got, ok)
		}
		if i > 0 {
			parent := (i - 1) / 2
			if h.before(item, h.items[parent]) {
				return fmt.Errorf("heap: %s order violated between %d and parent %d", h.kind, i, parent)
			}
		}
	}
	return nil
}
