package pipeline

// BufferedQueue is a bounded queue with a staging buffer. During Tick the
// owner adds elements with Buffer; they stay invisible to consumers until
// Flush publishes them in Tock. Size 0 or below means unbounded.
type BufferedQueue[T any] struct {
	size  int
	items []T
	buff  []T
}

// NewBufferedQueue returns a queue holding at most size visible and
// buffered elements together.
func NewBufferedQueue[T any](size int) *BufferedQueue[T] {
	return &BufferedQueue[T]{size: size}
}

// Size returns the configured capacity, 0 for unbounded.
func (q *BufferedQueue[T]) Size() int {
	if q.size <= 0 {
		return 0
	}
	return q.size
}

// Len returns the number of visible elements.
func (q *BufferedQueue[T]) Len() int { return len(q.items) }

// At returns the i-th visible element.
func (q *BufferedQueue[T]) At(i int) T { return q.items[i] }

// IsBufferFull reports whether another Buffer call would exceed capacity.
func (q *BufferedQueue[T]) IsBufferFull() bool {
	return q.size > 0 && len(q.items)+len(q.buff) >= q.size
}

// Full reports whether the visible part is at capacity.
func (q *BufferedQueue[T]) Full() bool {
	return q.size > 0 && len(q.items) >= q.size
}

// Buffer stages an element for the next Flush.
func (q *BufferedQueue[T]) Buffer(item T) {
	q.buff = append(q.buff, item)
}

// Flush publishes buffered elements, up to capacity. Elements that do not
// fit remain staged for the next Flush.
func (q *BufferedQueue[T]) Flush() {
	if q.size <= 0 || len(q.items)+len(q.buff) <= q.size {
		q.items = append(q.items, q.buff...)
		q.buff = q.buff[:0]
		return
	}
	n := q.size - len(q.items)
	q.items = append(q.items, q.buff[:n]...)
	q.buff = append(q.buff[:0], q.buff[n:]...)
}

// Peek returns the front visible element without removing it.
func (q *BufferedQueue[T]) Peek() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Dequeue removes and returns the front visible element.
func (q *BufferedQueue[T]) Dequeue() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Append puts an element at the back of the visible part, bypassing the
// buffer. Used to rotate elements that could not be consumed.
func (q *BufferedQueue[T]) Append(item T) {
	q.items = append(q.items, item)
}

// DropFrontWhile removes elements matching drop from the front of both the
// visible part and the staging buffer.
func (q *BufferedQueue[T]) DropFrontWhile(drop func(T) bool) {
	for len(q.buff) > 0 && drop(q.buff[0]) {
		q.buff = q.buff[1:]
	}
	for len(q.items) > 0 && drop(q.items[0]) {
		q.items = q.items[1:]
	}
}

// Chain returns the visible elements followed by the buffered ones.
func (q *BufferedQueue[T]) Chain() []T {
	out := make([]T, 0, len(q.items)+len(q.buff))
	out = append(out, q.items...)
	return append(out, q.buff...)
}

// ThreeValued renders the queue as one of vals: empty, partial, or full.
func (q *BufferedQueue[T]) ThreeValued(occupied func(T) bool, vals [3]string) string {
	if q.IsBufferFull() {
		return vals[2]
	}
	for _, item := range q.Chain() {
		if occupied(item) {
			return vals[1]
		}
	}
	return vals[0]
}
