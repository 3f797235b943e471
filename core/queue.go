package core

// Queue is a FIFO container, optionally bound to an address (a mailbox or
// an outbox). It is not safe for concurrent use; queues belong to the
// scheduling goroutine.
type Queue[T any] struct {
	address Address
	items   []T
	head    int
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

// NewAddressedQueue creates an empty queue bound to addr.
func NewAddressedQueue[T any](addr Address) *Queue[T] {
	return &Queue[T]{address: addr}
}

// Address returns the address the queue is bound to, if any.
func (q *Queue[T]) Address() Address {
	return q.address
}

// Push appends to the back.
func (q *Queue[T]) Push(item T) {
	q.items = append(q.items, item)
}

// PushAll appends items to the back, preserving their order.
func (q *Queue[T]) PushAll(items ...T) {
	q.items = append(q.items, items...)
}

// Pop removes and returns the front element.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q.head >= len(q.items) {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return item, true
}

// Peek returns the front element without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	if q.head >= len(q.items) {
		var zero T
		return zero, false
	}
	return q.items[q.head], true
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	return len(q.items) - q.head
}

// Empty reports whether the queue holds nothing.
func (q *Queue[T]) Empty() bool {
	return q.Len() == 0
}

// Drain removes every element, calling f on each in order. Elements pushed by
// f are drained as well.
func (q *Queue[T]) Drain(f func(T)) {
	for {
		item, ok := q.Pop()
		if !ok {
			return
		}
		f(item)
	}
}

// Take removes and returns all queued elements.
func (q *Queue[T]) Take() []T {
	if q.Len() == 0 {
		return nil
	}
	out := make([]T, q.Len())
	copy(out, q.items[q.head:])
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.items = q.items[:0]
	q.head = 0
	return out
}

// Items returns a copy of the queued elements without removing them.
func (q *Queue[T]) Items() []T {
	out := make([]T, q.Len())
	copy(out, q.items[q.head:])
	return out
}
