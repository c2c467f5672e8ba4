// Package queue provides the bounded FIFO used for webhook deliveries and
// outbound frames buffered across reconnects.
package queue

import (
	"sync"

	"github.com/agentmesh/mesh-go/pkg/mesherr"
)

// Policy decides what a full queue does with a new item.
type Policy int

const (
	// DropOldest evicts the head to make room.
	DropOldest Policy = iota
	// DropNewest refuses the incoming item without touching the queue.
	DropNewest
	// Reject refuses the push with an overflow error.
	Reject
)

// Queue is a mutex-guarded ring buffer with fixed capacity.
type Queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int
	size     int
	capacity int
	policy   Policy
	dropped  uint64
}

// New creates a queue of the given capacity. A non-positive capacity falls
// back to 1.
func New[T any](capacity int, policy Policy) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
		policy:   policy,
	}
}

// Push appends an item. When the queue is full, DropOldest evicts the head
// and returns it with evicted=true; DropNewest returns the incoming item as
// the victim without mutating the queue; Reject leaves the queue untouched
// and returns an overflow error.
func (q *Queue[T]) Push(item T) (old T, evicted bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == q.capacity {
		switch q.policy {
		case DropOldest:
			old = q.buf[q.head]
			var zero T
			q.buf[q.head] = zero
			q.head = (q.head + 1) % q.capacity
			q.size--
			q.dropped++
			evicted = true
		case DropNewest:
			q.dropped++
			return item, true, nil
		case Reject:
			q.dropped++
			return old, false, mesherr.Newf(mesherr.CodeQueueOverflow, "queue full at %d items", q.capacity)
		}
	}

	q.buf[(q.head+q.size)%q.capacity] = item
	q.size++
	return old, evicted, nil
}

// Pop removes and returns the head.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.size == 0 {
		return zero, false
	}
	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % q.capacity
	q.size--
	return item, true
}

// Peek returns the head without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.size == 0 {
		return zero, false
	}
	return q.buf[q.head], true
}

// RotateToTail moves the head to the back, preserving the order of
// everything behind it. Reports whether a rotation happened.
func (q *Queue[T]) RotateToTail() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size < 2 {
		return q.size == 1
	}
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero
	q.head = (q.head + 1) % q.capacity
	q.buf[(q.head+q.size-1)%q.capacity] = item
	return true
}

// Drain removes and returns every queued item in order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, q.size)
	var zero T
	for q.size > 0 {
		out = append(out, q.buf[q.head])
		q.buf[q.head] = zero
		q.head = (q.head + 1) % q.capacity
		q.size--
	}
	q.head = 0
	return out
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int { return q.capacity }

// Dropped counts items lost to eviction or rejected pushes.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
