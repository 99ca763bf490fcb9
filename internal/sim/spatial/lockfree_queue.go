// This file implements a bounded lock-free MPSC ring buffer used to hand
// requests from many producer goroutines to the single simulation owner.
//
// Origin: Vyukov bounded MPMC queue, specialised to a single consumer.
package spatial

import (
	"runtime"
	"sync/atomic"
)

// CacheLineSize is the typical CPU cache line size (64 bytes on x86-64)
const CacheLineSize = 64

// Padding keeps producer and consumer cursors on separate cache lines.
type Padding [CacheLineSize]byte

type queueSlot[T any] struct {
	seq  atomic.Uint64
	item T
}

// LockFreeQueue is a bounded multi-producer single-consumer queue.
//
// Each slot carries a sequence number so the consumer never observes a slot
// that a producer has claimed but not finished writing.
type LockFreeQueue[T any] struct {
	_pad0 Padding
	head  atomic.Uint64 // next slot producers claim
	_pad1 Padding
	tail  atomic.Uint64 // next slot the consumer reads
	_pad2 Padding
	mask  uint64
	slots []queueSlot[T]
}

// NewLockFreeQueue creates a queue. capacity is rounded up to a power of 2.
func NewLockFreeQueue[T any](capacity int) *LockFreeQueue[T] {
	size := 1
	for size < capacity {
		size <<= 1
	}
	q := &LockFreeQueue[T]{
		mask:  uint64(size - 1),
		slots: make([]queueSlot[T], size),
	}
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	return q
}

// TryPush adds item, returning false if the queue is full.
// Safe for concurrent producers.
func (q *LockFreeQueue[T]) TryPush(item T) bool {
	for {
		pos := q.head.Load()
		slot := &q.slots[pos&q.mask]
		seq := slot.seq.Load()
		switch {
		case seq == pos:
			if q.head.CompareAndSwap(pos, pos+1) {
				slot.item = item
				slot.seq.Store(pos + 1)
				return true
			}
		case seq < pos:
			return false // full: consumer has not freed this slot yet
		}
		runtime.Gosched()
	}
}

// TryPop removes the oldest item. Single consumer only.
func (q *LockFreeQueue[T]) TryPop() (T, bool) {
	var zero T
	pos := q.tail.Load()
	slot := &q.slots[pos&q.mask]
	if slot.seq.Load() != pos+1 {
		return zero, false
	}
	item := slot.item
	slot.item = zero
	slot.seq.Store(pos + q.mask + 1)
	q.tail.Store(pos + 1)
	return item, true
}

// DrainTo appends every currently available item to buf and returns it.
// Single consumer only.
func (q *LockFreeQueue[T]) DrainTo(buf []T) []T {
	for {
		item, ok := q.TryPop()
		if !ok {
			return buf
		}
		buf = append(buf, item)
	}
}

// Len returns the approximate number of queued items.
func (q *LockFreeQueue[T]) Len() int {
	head := q.head.Load()
	tail := q.tail.Load()
	if head < tail {
		return 0
	}
	return int(head - tail)
}

// Cap returns the queue capacity.
func (q *LockFreeQueue[T]) Cap() int {
	return int(q.mask + 1)
}
