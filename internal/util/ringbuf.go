package util

// RingBuffer is a fixed-capacity circular buffer. When full, Push overwrites
// the oldest element. It is not safe for concurrent use; callers that share
// a buffer across goroutines must synchronize around it.
type RingBuffer[T any] struct {
	buf   []T
	head  int
	count int
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends an item, overwriting the oldest if full.
func (r *RingBuffer[T]) Push(item T) {
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = item
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
}

// Values returns a copy of all elements in order (oldest first).
func (r *RingBuffer[T]) Values() []T {
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of elements stored.
func (r *RingBuffer[T]) Len() int {
	return r.count
}

// Reset discards all stored elements.
func (r *RingBuffer[T]) Reset() {
	r.head = 0
	r.count = 0
}
