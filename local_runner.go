package tokenflow

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/tokenflow/internal/persistence"
	"github.com/petrijr/tokenflow/internal/taskqueue"
)

// LocalRunner bundles an in-memory Runtime with a background loop for
// development, tests and simple single-process deployments. Nothing
// survives a restart.
//
// Typical usage:
//
//	runner, _ := tokenflow.NewLocalRunner(tokenflow.Options{})
//	runner.RegisterExecutor("greet", greet)
//	_ = runner.Register(def)
//	_ = runner.StartBackground(ctx)
//	defer runner.Stop()
//	id, err := runner.Start(ctx, def.ID, vars, "")
type LocalRunner struct {
	*Runtime

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	err     error
}

// NewLocalRunner constructs a LocalRunner over in-memory stores and an
// in-memory task queue.
func NewLocalRunner(opts Options) (*LocalRunner, error) {
	store := persistence.NewInMemoryStore()
	p := &persistence.Persistence{
		Instances: store,
		Timers:    store,
		Events:    persistence.NewInMemoryEventStore(),
	}
	rt, err := newRuntime(p, taskqueue.NewInMemoryQueue(opts.QueueCapacity), opts)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{Runtime: rt}, nil
}

// StartBackground runs the runtime in a goroutine until Stop is called or
// ctx is done.
//
// If StartBackground is called more than once without Stop, it returns an
// error.
func (r *LocalRunner) StartBackground(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("tokenflow: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	r.err = nil

	go func(done chan struct{}) {
		defer close(done)
		err := r.Runtime.Run(ctx)
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
	}(r.done)
	return nil
}

// Stop cancels the background loop started by StartBackground, waits for it
// to exit and returns its error.
func (r *LocalRunner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
