package taskqueue

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	_ "modernc.org/sqlite"

	"github.com/petrijr/tokenflow/internal/testutil"
	"github.com/petrijr/tokenflow/pkg/api"
)

func newTestSQLiteQueue(t *testing.T, capacity int) *SQLQueue {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	q, err := NewSQLiteQueue(db, SQLQueueOptions{Capacity: capacity, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	return q
}

// runQueueContract checks the behaviour every durable queue shares.
func runQueueContract(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("priority then fifo", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		low1, low2, high := task("low-1"), task("low-2"), task("high")
		high.Priority = 10
		for _, tk := range []api.DispatchedTask{low1, low2, high} {
			require.NoError(t, q.Enqueue(ctx, tk))
		}
		require.Equal(t, 3, q.Len())

		for _, want := range []string{"high", "low-1", "low-2"} {
			got, err := q.Dequeue(ctx)
			require.NoError(t, err)
			require.Equal(t, want, got.ID)
		}
		require.Zero(t, q.Len())
	})

	t.Run("round trips the task", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		in := task("rt")
		in.Attempt = 2
		in.Timeout = time.Second
		in.Retry = api.RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond}
		in.Payload = map[string]any{"amount": 250, "tags": []string{"a"}}
		require.NoError(t, q.Enqueue(ctx, in))

		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		in.Status = api.TaskQueued
		require.Equal(t, in, *got)
	})

	t.Run("dequeue waits for enqueue", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		got := make(chan *api.DispatchedTask, 1)
		go func() {
			tk, err := q.Dequeue(ctx)
			if err == nil {
				got <- tk
			}
			close(got)
		}()

		time.Sleep(30 * time.Millisecond)
		require.NoError(t, q.Enqueue(ctx, task("late")))

		tk, ok := <-got
		require.True(t, ok)
		require.Equal(t, "late", tk.ID)
	})

	t.Run("concurrent consumers each claim once", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		const n = 20
		for i := range n {
			require.NoError(t, q.Enqueue(ctx, task(string(rune('a'+i)))))
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					mu.Lock()
					total := 0
					for _, c := range seen {
						total += c
					}
					mu.Unlock()
					if total >= n {
						return
					}

					short, stop := context.WithTimeout(ctx, 200*time.Millisecond)
					tk, err := q.Dequeue(short)
					stop()
					if err != nil {
						continue
					}
					mu.Lock()
					seen[tk.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Len(t, seen, n)
		for id, c := range seen {
			require.Equal(t, 1, c, "task %s", id)
		}
	})

	t.Run("dequeue honors cancellation", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err := q.Dequeue(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestSQLiteQueue(t *testing.T) {
	runQueueContract(t, func(t *testing.T) Queue { return newTestSQLiteQueue(t, 0) })
}

func TestSQLiteQueue_EnqueueBlocksWhenFull(t *testing.T) {
	q := newTestSQLiteQueue(t, 1)
	require.NoError(t, q.Enqueue(context.Background(), task("1")))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Enqueue(ctx, task("2")), context.DeadlineExceeded)
	require.Equal(t, 1, q.Len())
}

type PostgresQueueTestSuite struct {
	suite.Suite
	db *sql.DB
}

func TestPostgresQueueSuite(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	suite.Run(t, &PostgresQueueTestSuite{db: db})
}

func (p *PostgresQueueTestSuite) newQueue(t *testing.T) Queue {
	q, err := NewPostgresQueue(p.db, SQLQueueOptions{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	_, err = p.db.Exec("TRUNCATE TABLE queue_tasks")
	require.NoError(t, err)
	return q
}

func (p *PostgresQueueTestSuite) TestContract() {
	runQueueContract(p.T(), p.newQueue)
}
