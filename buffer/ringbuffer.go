// Package buffer provides a lock-free ring buffer used to keep the most recent
// accepted samples per gear for plot queries. Each slot stores an atomic
// pointer so readers either see a complete entry or the previous one, never a
// partially written value.
package buffer

import (
	"sync/atomic"
)

type entry[T any] struct {
	id    uint64
	value T
}

// Ring is a bounded circular buffer. Writers atomically publish completed
// entries, and readers walk backwards from the newest index to gather a
// snapshot.
type Ring[T any] struct {
	slots    []atomic.Pointer[entry[T]]
	capacity int
	total    atomic.Uint64 // total entries added (may exceed capacity)
}

// NewRing allocates a ring with the specified capacity (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		slots:    make([]atomic.Pointer[entry[T]], capacity),
		capacity: capacity,
	}
}

// Add appends v, overwriting the oldest entry once full.
func (rb *Ring[T]) Add(v T) {
	newID := rb.total.Add(1)
	idx := (newID - 1) % uint64(rb.capacity)
	rb.slots[idx].Store(&entry[T]{id: newID, value: v})
}

// Recent returns up to n entries, newest first.
func (rb *Ring[T]) Recent(n int) []T {
	if n <= 0 {
		return []T{}
	}
	total := rb.total.Load()
	available := int(total)
	if available > rb.capacity {
		available = rb.capacity
	}
	if n > available {
		n = available
	}
	result := make([]T, 0, n)
	if total == 0 {
		return result
	}
	minIndex := total - uint64(available)
	for idx := total; idx > minIndex && len(result) < n; {
		idx--
		slot := idx % uint64(rb.capacity)
		// ID check skips over slots that have been overwritten after wraparound
		if e := rb.slots[slot].Load(); e != nil && e.id == idx+1 {
			result = append(result, e.value)
		}
	}
	return result
}

// Len returns the number of retained entries.
func (rb *Ring[T]) Len() int {
	total := int(rb.total.Load())
	if total > rb.capacity {
		return rb.capacity
	}
	return total
}

// Count returns the total number of entries ever added.
func (rb *Ring[T]) Count() int {
	return int(rb.total.Load())
}

// Capacity returns the configured capacity.
func (rb *Ring[T]) Capacity() int {
	return rb.capacity
}
