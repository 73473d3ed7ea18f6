package persistence

import (
	"io"

	"go.uber.org/multierr"
)

// Persistence bundles the store interfaces so the engine and the temporal
// queue can depend on a single abstraction.
type Persistence struct {
	Instances InstanceStore
	Timers    TimerStore
	Locks     LockProvider
	Events    EventStore

	// Closers are closed in order by Close.
	Closers []io.Closer
}

// Close closes every registered closer and returns the combined error.
func (p *Persistence) Close() error {
	var err error
	for _, c := range p.Closers {
		err = multierr.Append(err, c.Close())
	}
	p.Closers = nil
	return err
}
