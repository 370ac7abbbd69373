// Package queue provides the single-consumer FIFO queue that connects the
// stages of a chat session.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrInterrupted is returned by Dequeue when the queue was woken by Shutdown
// while it held no data. It is never returned for a successfully dequeued item.
var ErrInterrupted = errors.New("queue: dequeue interrupted")

// AsyncQueue is an unbounded FIFO with exactly one consumer.
//
// Enqueue never blocks. Dequeue suspends the consumer until the wake
// condition is raised, either by an Enqueue that makes the queue non-empty
// or by Shutdown. Any number of producers may call Enqueue concurrently.
type AsyncQueue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int

	// wake holds at most one token. A token present means the wake condition
	// is set; receiving it clears the condition.
	wake chan struct{}
}

// New creates an empty queue.
func New[T any]() *AsyncQueue[T] {
	return &AsyncQueue[T]{
		items: make([]T, 0, 16),
		wake:  make(chan struct{}, 1),
	}
}

// Enqueue appends item. When the append takes the queue from empty to one
// element the wake condition is raised.
func (q *AsyncQueue[T]) Enqueue(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	if q.lenLocked() == 1 {
		q.signal()
	}
	q.mu.Unlock()
}

// Dequeue blocks until the wake condition is raised and returns the head of
// the queue. If the wake came from Shutdown and the queue is still empty it
// returns ErrInterrupted. A cancelled ctx returns ctx.Err().
func (q *AsyncQueue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T

	select {
	case <-q.wake:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lenLocked() == 0 {
		return zero, ErrInterrupted
	}

	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	if q.lenLocked() == 0 {
		q.items = q.items[:0]
		q.head = 0
	} else {
		if q.head >= 64 && q.head*2 >= len(q.items) {
			n := copy(q.items, q.items[q.head:])
			clear(q.items[n:])
			q.items = q.items[:n]
			q.head = 0
		}
		// more data remains, keep the condition raised for the next call
		q.signal()
	}

	return item, nil
}

// Size is an advisory snapshot of the number of queued items.
func (q *AsyncQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Shutdown raises the wake condition without adding data, releasing one
// pending or future Dequeue. It must only be called on a queue owned by the
// session being torn down.
func (q *AsyncQueue[T]) Shutdown() {
	q.signal()
}

func (q *AsyncQueue[T]) lenLocked() int {
	return len(q.items) - q.head
}

func (q *AsyncQueue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
