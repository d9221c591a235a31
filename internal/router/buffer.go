package router

import (
	"sync"
)

// GrowableBuffer is an unbounded FIFO queue backed by a ring that doubles
// when full. Push never blocks; Pop blocks until an item arrives or the
// buffer is closed and drained.
type GrowableBuffer[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []T
	head   int // next item to pop
	size   int
	closed bool

	// Stats
	pushed    int64
	popped    int64
	highWater int
	grows     int
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Len       int
	Capacity  int
	Pushed    int64
	Popped    int64
	HighWater int // Largest Len observed
	Grows     int
}

// NewGrowableBuffer creates a buffer with the given initial capacity.
func NewGrowableBuffer[T any](initialCapacity int) *GrowableBuffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	b := &GrowableBuffer[T]{
		ring: make([]T, initialCapacity),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push appends item. Returns false if the buffer is closed.
func (b *GrowableBuffer[T]) Push(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	if b.size == len(b.ring) {
		b.grow()
	}

	b.ring[(b.head+b.size)%len(b.ring)] = item
	b.size++
	b.pushed++
	if b.size > b.highWater {
		b.highWater = b.size
	}

	b.cond.Signal()
	return true
}

// Pop removes the oldest item, blocking while the buffer is empty and open.
// Returns false once the buffer is closed and empty.
func (b *GrowableBuffer[T]) Pop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.size == 0 && !b.closed {
		b.cond.Wait()
	}
	return b.take()
}

// Close stops accepting items and wakes blocked Pop calls. Items already
// queued can still be popped.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Len returns the number of queued items.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Stats returns buffer statistics.
func (b *GrowableBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Len:       b.size,
		Capacity:  len(b.ring),
		Pushed:    b.pushed,
		Popped:    b.popped,
		HighWater: b.highWater,
		Grows:     b.grows,
	}
}

// take pops the head item. Must be called with lock held.
func (b *GrowableBuffer[T]) take() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}

	item := b.ring[b.head]
	b.ring[b.head] = zero // release reference
	b.head = (b.head + 1) % len(b.ring)
	b.size--
	b.popped++
	return item, true
}

// grow doubles the ring, unwrapping items to start at index 0.
// Must be called with lock held.
func (b *GrowableBuffer[T]) grow() {
	next := make([]T, len(b.ring)*2)
	n := copy(next, b.ring[b.head:])
	copy(next[n:], b.ring[:b.head])

	b.ring = next
	b.head = 0
	b.grows++
}
