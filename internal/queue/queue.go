// Package queue provides a closable, comparator-ordered blocking queue.
//
// The queue is the shared primitive behind the server's work pipeline:
// the task queue, the accepted-connection queue and every per-client
// mailbox are instances of it. It is a binary max-heap ordered by the
// injected comparator, with strict FIFO ordering among items the
// comparator considers equal.
package queue

import "sync"

// Queue is a thread-safe priority queue of T.
//
// Ordering is determined by the comparator passed to New: an item a is
// popped before b when less(b, a) holds. Items the comparator cannot
// distinguish pop in push order. Close turns the queue into
// drain-then-stop mode: pending items remain poppable, blocked Pop
// calls wake, and further pushes fail.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []entry[T]
	less   func(a, b T) bool
	seq    uint64
	closed bool
}

type entry[T any] struct {
	value T
	seq   uint64
}

// New creates an empty queue ordered by less.
//
// less reports whether a has strictly lower priority than b. A nil
// comparator yields a plain FIFO queue.
func New[T any](less func(a, b T) bool) *Queue[T] {
	q := &Queue[T]{less: less}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push inserts an item and wakes one blocked Pop.
//
// Returns false without inserting when the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, entry[T]{value: item, seq: q.seq})
	q.seq++
	q.siftUp(len(q.items) - 1)

	q.cond.Signal()
	return true
}

// Pop removes and returns the highest-priority item, blocking while the
// queue is empty and open.
//
// The second return value is false only when the queue is closed and
// fully drained; every subsequent call returns the same result
// immediately.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Re-check after every wake: Close broadcasts, and the runtime
	// permits spurious wakeups.
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}

	return q.removeRoot(), true
}

// TryPop removes and returns the highest-priority item without
// blocking. Returns false when the queue is currently empty.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}

	return q.removeRoot(), true
}

// Peek returns the highest-priority item without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0].value, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and wakes all blocked Pop calls.
//
// Pending items stay poppable until drained; Close never discards
// work. Closing an already-closed queue is a no-op.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// before reports whether items[i] must pop before items[j]:
// comparator order first, then push order among equals.
func (q *Queue[T]) before(i, j int) bool {
	if q.less != nil {
		if q.less(q.items[j].value, q.items[i].value) {
			return true
		}
		if q.less(q.items[i].value, q.items[j].value) {
			return false
		}
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *Queue[T]) removeRoot() T {
	root := q.items[0].value

	last := len(q.items) - 1
	q.items[0] = q.items[last]
	q.items[last] = entry[T]{} // release reference
	q.items = q.items[:last]
	if len(q.items) > 0 {
		q.siftDown(0)
	}

	return root
}

func (q *Queue[T]) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !q.before(i, parent) {
			return
		}
		q.items[i], q.items[parent] = q.items[parent], q.items[i]
		i = parent
	}
}

func (q *Queue[T]) siftDown(i int) {
	n := len(q.items)
	for {
		left := 2*i + 1
		right := 2*i + 2
		first := i

		if left < n && q.before(left, first) {
			first = left
		}
		if right < n && q.before(right, first) {
			first = right
		}
		if first == i {
			return
		}

		q.items[i], q.items[first] = q.items[first], q.items[i]
		i = first
	}
}
