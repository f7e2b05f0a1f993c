// Package queue buffers plan-creation and admin directives between the HTTP
// front-end and the services that act on them. Queues are in-memory and
// unbounded: both flows move at human pace, so depth stays near zero in
// practice and is exported as a gauge instead of being capped.
package queue

import (
	"sync"

	"github.com/parleyhq/steward/pkg/metrics"
)

// Queue is a named in-memory FIFO of pending requests.
type Queue[T any] struct {
	name    string
	metrics *metrics.Metrics

	mu    sync.Mutex
	items []T
}

// NewQueue creates a queue. The name labels the depth gauge.
func NewQueue[T any](name string, m *metrics.Metrics) *Queue[T] {
	if name == "" {
		panic("queue.NewQueue: name must not be empty")
	}
	if m == nil {
		panic("queue.NewQueue: metrics must not be nil")
	}
	return &Queue[T]{name: name, metrics: m}
}

// Name returns the queue's gauge label.
func (q *Queue[T]) Name() string { return q.name }

// Push appends one request to the tail.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(q.name, depth)
}

// Pop removes and returns the head request, reporting false when the queue
// is empty.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		var zero T
		return zero, false
	}
	item := q.items[0]
	var zero T
	q.items[0] = zero // release the head slot
	q.items = q.items[1:]
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(q.name, depth)
	return item, true
}

// Len reports the current depth.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
