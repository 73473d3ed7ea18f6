package taskqueue

import (
	"context"
	"maps"

	"github.com/petrijr/tokenflow/pkg/api"
)

// InMemoryQueue is a Queue backed by a buffered channel. It is FIFO and safe
// for concurrent use.
type InMemoryQueue struct {
	ch chan api.DispatchedTask
}

// NewInMemoryQueue creates a new queue with the given capacity.
// A non-positive capacity means 1024.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		ch: make(chan api.DispatchedTask, capacity),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t api.DispatchedTask) error {
	// The payload map must not be shared with the submitter.
	t.Payload = maps.Clone(t.Payload)
	t.Status = api.TaskQueued

	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*api.DispatchedTask, error) {
	select {
	case t := <-q.ch:
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) Len() int {
	return len(q.ch)
}

// Cap returns the capacity of the queue.
func (q *InMemoryQueue) Cap() int {
	return cap(q.ch)
}
