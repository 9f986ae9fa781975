package queue

import "sync"

// Buffer is an unbounded FIFO ring that doubles its backing array once it
// is 70% full. Producers never block; consumers may block in Pop.
type Buffer[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	ring  []T
	head  int
	tail  int
	size  int
	shut  bool
	stats Stats
}

// Stats describes buffer throughput.
type Stats struct {
	Len      int
	Cap      int
	Pushed   int64
	Popped   int64
	Resizes  int
	MaxDepth int
}

// NewBuffer creates a buffer with the given initial capacity.
func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity < 2 {
		capacity = 2
	}
	b := &Buffer[T]{ring: make([]T, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push appends v. It returns false once the buffer is closed.
func (b *Buffer[T]) Push(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shut {
		return false
	}
	if (b.size+1)*10 >= len(b.ring)*7 {
		b.resize(len(b.ring) * 2)
	}

	b.ring[b.tail] = v
	b.tail = (b.tail + 1) % len(b.ring)
	b.size++
	b.stats.Pushed++
	if b.size > b.stats.MaxDepth {
		b.stats.MaxDepth = b.size
	}
	b.cond.Signal()
	return true
}

// Pop blocks until an item is available. It returns false when the buffer
// is closed and drained.
func (b *Buffer[T]) Pop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.size == 0 && !b.shut {
		b.cond.Wait()
	}
	if b.size == 0 {
		var zero T
		return zero, false
	}
	return b.take(), true
}

// TryPop returns the oldest item without blocking.
func (b *Buffer[T]) TryPop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		var zero T
		return zero, false
	}
	return b.take(), true
}

// Drain removes up to max items (all when max <= 0) in FIFO order.
func (b *Buffer[T]) Drain(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.size
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]T, 0, n)
	for range n {
		out = append(out, b.take())
	}
	return out
}

// Close stops accepting items and wakes blocked consumers. Items already
// queued can still be popped.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.shut = true
	b.cond.Broadcast()
}

// Len returns the number of queued items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.Len = b.size
	s.Cap = len(b.ring)
	return s
}

// take must be called with mu held and size > 0.
func (b *Buffer[T]) take() T {
	v := b.ring[b.head]
	var zero T
	b.ring[b.head] = zero
	b.head = (b.head + 1) % len(b.ring)
	b.size--
	b.stats.Popped++
	return v
}

// resize must be called with mu held.
func (b *Buffer[T]) resize(n int) {
	next := make([]T, n)
	if b.size > 0 {
		if b.head < b.tail {
			copy(next, b.ring[b.head:b.tail])
		} else {
			k := copy(next, b.ring[b.head:])
			copy(next[k:], b.ring[:b.tail])
		}
	}
	b.ring = next
	b.head = 0
	b.tail = b.size
	b.stats.Resizes++
}
