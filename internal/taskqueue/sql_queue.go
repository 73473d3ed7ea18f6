package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"github.com/petrijr/tokenflow/internal/persistence"
	"github.com/petrijr/tokenflow/pkg/api"
)

// SQLQueue is a persistent Queue on SQLite or PostgreSQL. Tasks are stored
// gob-encoded and dequeued by priority, then in insertion order. A task is
// claimed by deleting its row, so concurrent consumers never receive the
// same task.
type SQLQueue struct {
	db           *sqlx.DB
	clock        clockwork.Clock
	capacity     int
	pollInterval time.Duration
}

var _ Queue = (*SQLQueue)(nil)

// SQLQueueOptions configure a SQLQueue.
type SQLQueueOptions struct {
	// Capacity bounds the number of queued tasks. Defaults to 1024.
	Capacity int

	// PollInterval is the wait between polls of an empty or full queue.
	// Defaults to 20ms.
	PollInterval time.Duration

	Clock clockwork.Clock
}

// NewSQLiteQueue creates the queue table in a SQLite database.
func NewSQLiteQueue(db *sql.DB, opts SQLQueueOptions) (*SQLQueue, error) {
	return newSQLQueue(sqlx.NewDb(db, "sqlite3"), opts, `
		CREATE TABLE IF NOT EXISTS queue_tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			enqueued_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		)`)
}

// NewPostgresQueue creates the queue table in a PostgreSQL database opened
// with the pgx stdlib driver.
func NewPostgresQueue(db *sql.DB, opts SQLQueueOptions) (*SQLQueue, error) {
	return newSQLQueue(sqlx.NewDb(db, "pgx"), opts, `
		CREATE TABLE IF NOT EXISTS queue_tasks (
			seq BIGSERIAL PRIMARY KEY,
			task_id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			enqueued_at BIGINT NOT NULL,
			payload BYTEA NOT NULL
		)`)
}

func newSQLQueue(db *sqlx.DB, opts SQLQueueOptions, schema string) (*SQLQueue, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_queue_tasks_order ON queue_tasks(priority DESC, seq)`); err != nil {
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	return &SQLQueue{
		db:           db,
		clock:        opts.Clock,
		capacity:     opts.Capacity,
		pollInterval: opts.PollInterval,
	}, nil
}

func (q *SQLQueue) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.clock.After(q.pollInterval):
		return nil
	}
}

func (q *SQLQueue) Enqueue(ctx context.Context, t api.DispatchedTask) error {
	t.Status = api.TaskQueued
	payload, err := persistence.EncodeTask(t)
	if err != nil {
		return err
	}

	for {
		n, err := q.count(ctx)
		if err != nil {
			return err
		}
		if n < q.capacity {
			break
		}
		if err := q.wait(ctx); err != nil {
			return err
		}
	}

	_, err = q.db.ExecContext(ctx, q.db.Rebind(`
		INSERT INTO queue_tasks (task_id, instance_id, priority, enqueued_at, payload)
		VALUES (?, ?, ?, ?, ?)`),
		t.ID, t.InstanceID, t.Priority, q.clock.Now().UnixNano(), payload,
	)
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	return nil
}

type queueRow struct {
	Seq     int64  `db:"seq"`
	Payload []byte `db:"payload"`
}

func (q *SQLQueue) Dequeue(ctx context.Context) (*api.DispatchedTask, error) {
	for {
		t, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		if err := q.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// claim deletes the head of the queue and returns it, or nil when the queue
// is empty or another consumer won the row.
func (q *SQLQueue) claim(ctx context.Context) (*api.DispatchedTask, error) {
	var row queueRow
	err := q.db.GetContext(ctx, &row, `
		SELECT seq, payload FROM queue_tasks
		ORDER BY priority DESC, seq
		LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	res, err := q.db.ExecContext(ctx, q.db.Rebind(`DELETE FROM queue_tasks WHERE seq = ?`), row.Seq)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, err
	}

	t, err := persistence.DecodeTask(row.Payload)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (q *SQLQueue) count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM queue_tasks`); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

func (q *SQLQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.count(ctx)
	if err != nil {
		return 0
	}
	return n
}
