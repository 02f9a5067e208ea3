// Package queue implements a generic, thread-safe, bounded blocking
// queue with both blocking and non-blocking enqueue/dequeue, and a
// one-way latch to unblock every waiter permanently at shutdown.
package queue

import "sync"

// Queue is a fixed-capacity ring buffer of T guarded by a mutex and two
// condition variables, one per side of fullness. It is the generic
// translation of a pthread-mutex-and-cond-var bounded queue: Enqueue
// blocks while full, Dequeue blocks while empty, and either direction
// can be latched into permanent non-blocking mode to let in-flight
// workers drain during shutdown without risking a stuck Wait.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	data []T
	in   int
	out  int
	n    int

	blockEnqueue bool
	blockDequeue bool
}

// New creates a Queue with the given capacity. Capacity must be positive.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	q := &Queue[T]{
		data:         make([]T, capacity),
		blockEnqueue: true,
		blockDequeue: true,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds item to the queue, blocking while the queue is full.
// Returns false if blocking enqueue has been disabled by
// UnblockEnqueue and the queue is currently full.
func (q *Queue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.n == len(q.data) {
		if !q.blockEnqueue {
			return false
		}
		q.notFull.Wait()
	}
	q.data[q.in] = item
	q.in = (q.in + 1) % len(q.data)
	q.n++
	q.notEmpty.Signal()
	return true
}

// EnqueueNB is the non-blocking form of Enqueue: it never waits and
// returns false immediately if the queue is full.
func (q *Queue[T]) EnqueueNB(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == len(q.data) {
		return false
	}
	q.data[q.in] = item
	q.in = (q.in + 1) % len(q.data)
	q.n++
	q.notEmpty.Signal()
	return true
}

// Dequeue removes and returns the oldest item, blocking while the
// queue is empty. Returns the zero value and false if blocking
// dequeue has been disabled by UnblockDequeue and the queue is
// currently empty.
func (q *Queue[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.n == 0 {
		if !q.blockDequeue {
			var zero T
			return zero, false
		}
		q.notEmpty.Wait()
	}
	item := q.data[q.out]
	var zero T
	q.data[q.out] = zero
	q.out = (q.out + 1) % len(q.data)
	q.n--
	q.notFull.Signal()
	return item, true
}

// DequeueNB is the non-blocking form of Dequeue: it never waits and
// returns false immediately if the queue is empty.
func (q *Queue[T]) DequeueNB() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		var zero T
		return zero, false
	}
	item := q.data[q.out]
	var zero T
	q.data[q.out] = zero
	q.out = (q.out + 1) % len(q.data)
	q.n--
	q.notFull.Signal()
	return item, true
}

// UnblockEnqueue permanently switches Enqueue to non-blocking and
// wakes every goroutine currently waiting in it, so in-flight
// producers can finish without being blocked forever during shutdown.
func (q *Queue[T]) UnblockEnqueue() {
	q.mu.Lock()
	q.blockEnqueue = false
	q.mu.Unlock()
	q.notFull.Broadcast()
}

// UnblockDequeue permanently switches Dequeue to non-blocking and
// wakes every goroutine currently waiting in it.
func (q *Queue[T]) UnblockDequeue() {
	q.mu.Lock()
	q.blockDequeue = false
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// Len returns the current number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap returns the queue's fixed capacity.
func (q *Queue[T]) Cap() int {
	return len(q.data)
}
