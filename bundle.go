package tokenflow

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/tokenflow/internal/persistence"
	"github.com/petrijr/tokenflow/internal/taskqueue"
)

// Backend bundles. Each constructor builds the stores of one backend and
// wires a Runtime over them. Definitions and executors are registered on
// the returned Runtime; Recover and Run start it.

// NewSQLiteRuntime constructs a Runtime that keeps instances, timers, shard
// leases and history in a SQLite database.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:tokenflow.db?_pragma=journal_mode(WAL)")
//	rt, err := tokenflow.NewSQLiteRuntime(db, tokenflow.Options{DurableQueue: true})
func NewSQLiteRuntime(db *sql.DB, opts Options) (*Runtime, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	if opts.Clock != nil {
		store.WithClock(opts.Clock)
	}

	var queue taskqueue.Queue
	if opts.DurableQueue {
		queue, err = taskqueue.NewSQLiteQueue(db, taskqueue.SQLQueueOptions{
			Capacity: opts.QueueCapacity,
			Clock:    opts.Clock,
		})
		if err != nil {
			return nil, err
		}
	}
	return newRuntime(sqlPersistence(store), queue, opts)
}

// NewPostgresRuntime is NewSQLiteRuntime for PostgreSQL. db must be opened
// with the pgx stdlib driver.
func NewPostgresRuntime(db *sql.DB, opts Options) (*Runtime, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	if opts.Clock != nil {
		store.WithClock(opts.Clock)
	}

	var queue taskqueue.Queue
	if opts.DurableQueue {
		queue, err = taskqueue.NewPostgresQueue(db, taskqueue.SQLQueueOptions{
			Capacity: opts.QueueCapacity,
			Clock:    opts.Clock,
		})
		if err != nil {
			return nil, err
		}
	}
	return newRuntime(sqlPersistence(store), queue, opts)
}

func sqlPersistence(store *persistence.SQLStore) *persistence.Persistence {
	return &persistence.Persistence{
		Instances: store,
		Timers:    store,
		Locks:     store,
		Events:    store,
	}
}

// NewRedisRuntime constructs a Runtime that keeps instances, timers and
// shard leases in Redis under prefix. With DurableQueue tasks are queued in
// Redis too. History is not recorded.
func NewRedisRuntime(client redis.UniversalClient, prefix string, opts Options) (*Runtime, error) {
	store := persistence.NewRedisStore(client, prefix)
	p := &persistence.Persistence{
		Instances: store,
		Timers:    store,
		Locks:     store,
	}

	var queue taskqueue.Queue
	if opts.DurableQueue {
		queue = taskqueue.NewRedisQueue(client, prefix, opts.QueueCapacity)
	}
	return newRuntime(p, queue, opts)
}

// NewMongoRuntime constructs a Runtime that keeps instances and timers in
// the MongoDB database dbName. Mongo has no lease provider, so every
// runtime sharing the database scans all timer shards; a fire is still
// delivered once because it is claimed by deleting its document.
func NewMongoRuntime(ctx context.Context, client *mongo.Client, dbName string, opts Options) (*Runtime, error) {
	store, err := persistence.NewMongoStore(ctx, client, dbName)
	if err != nil {
		return nil, err
	}

	var queue taskqueue.Queue
	if opts.DurableQueue {
		queue = taskqueue.NewMongoQueue(client, dbName, "", opts.QueueCapacity)
	}
	p := &persistence.Persistence{
		Instances: store,
		Timers:    store,
	}
	return newRuntime(p, queue, opts)
}
