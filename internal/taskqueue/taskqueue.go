package taskqueue

import (
	"context"

	"github.com/petrijr/tokenflow/pkg/api"
)

// Queue is the work queue between the engine and the worker pool.
//
// Queues are bounded: Enqueue blocks while the queue holds its capacity and
// returns early only when ctx is done. Dequeue blocks until a task is
// available or ctx is done. Tasks with a higher Priority are dequeued first
// where the implementation can order them.
type Queue interface {
	Enqueue(ctx context.Context, t api.DispatchedTask) error
	Dequeue(ctx context.Context) (*api.DispatchedTask, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
