// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ringbuffer provides a bounded, lossy FIFO used wherever a producer
// must never block on a slow consumer.
package ringbuffer

import (
	"sync"
	"sync/atomic"
)

// =============================================================================
// Ring Buffer
// =============================================================================

// RingBuffer is a thread-safe, fixed-capacity circular buffer.
//
// # Description
//
// When full, Push overwrites the oldest unconsumed entry and increments the
// dropped counter. The producer never blocks; recency wins over
// completeness.
//
// # Invariants
//
//   - 0 <= Len() <= Cap()
//   - Drain and Snapshot return items oldest first, in arrival order
//
// # Thread Safety
//
// All methods are safe for concurrent use. Each buffer has its own mutex.
//
// # Example
//
//	buf := ringbuffer.New[Sample](1000)
//	if buf.Push(s) {
//	    // the oldest sample was overwritten
//	}
//	batch := buf.Drain()
type RingBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int
	count    int
	capacity int
	dropped  atomic.Int64
}

// New creates an empty ring buffer.
//
// # Inputs
//
//   - capacity: Maximum number of items held (must be > 0).
//
// # Panics
//
// Panics if capacity <= 0.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("ringbuffer: capacity must be positive")
	}
	return &RingBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends item, overwriting the oldest entry when full.
//
// # Outputs
//
//   - bool: true if an older item was overwritten.
func (r *RingBuffer[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.count) % r.capacity
	r.items[tail] = item

	if r.count == r.capacity {
		r.head = (r.head + 1) % r.capacity
		r.dropped.Add(1)
		return true
	}
	r.count++
	return false
}

// Pop removes and returns the oldest item.
func (r *RingBuffer[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.count == 0 {
		return zero, false
	}
	item := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % r.capacity
	r.count--
	return item, true
}

// Drain removes and returns all items, oldest first. Returns nil when empty.
func (r *RingBuffer[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}
	out := r.copyLocked(r.count)

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.count = 0
	return out
}

// Snapshot returns a copy of all items without removing them.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return nil
	}
	return r.copyLocked(r.count)
}

// Last returns up to n of the newest items, oldest first, without removing
// them. Returns nil when n <= 0 or the buffer is empty.
func (r *RingBuffer[T]) Last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}
	out := make([]T, n)
	start := r.head + r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.items[(start+i)%r.capacity]
	}
	return out
}

// copyLocked copies the first n items from head. Caller holds r.mu.
func (r *RingBuffer[T]) copyLocked(n int) []T {
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = r.items[(r.head+i)%r.capacity]
	}
	return out
}

// Len returns the current number of items.
func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the fixed capacity.
func (r *RingBuffer[T]) Cap() int {
	return r.capacity
}

// Dropped returns how many items have been overwritten since creation or
// the last Clear.
func (r *RingBuffer[T]) Dropped() int64 {
	return r.dropped.Load()
}

// Clear removes all items and resets the dropped counter.
func (r *RingBuffer[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.count = 0
	r.dropped.Store(0)
}
