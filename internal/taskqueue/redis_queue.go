package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/tokenflow/internal/persistence"
	"github.com/petrijr/tokenflow/pkg/api"
)

// RedisQueue implements Queue using Redis.
//
// Keys:
//
//	<prefix>queue        sorted set, score -priority, member zero-padded sequence
//	<prefix>queue:data   hash of member -> gob-encoded api.DispatchedTask
//	<prefix>queue:seq    insertion counter
//
// Members with equal scores sort lexicographically, so the padded sequence
// keeps insertion order within a priority. BZPOPMIN claims a member
// atomically.
type RedisQueue struct {
	client   redis.UniversalClient
	key      string
	dataKey  string
	seqKey   string
	capacity int
}

// NewRedisQueue constructs a Redis-backed Queue. prefix defaults to
// "tokenflow:" and a non-positive capacity to 1024.
func NewRedisQueue(client redis.UniversalClient, prefix string, capacity int) *RedisQueue {
	if prefix == "" {
		prefix = "tokenflow:"
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &RedisQueue{
		client:   client,
		key:      prefix + "queue",
		dataKey:  prefix + "queue:data",
		seqKey:   prefix + "queue:seq",
		capacity: capacity,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

const redisPollTimeout = 200 * time.Millisecond

func (q *RedisQueue) Enqueue(ctx context.Context, t api.DispatchedTask) error {
	t.Status = api.TaskQueued
	data, err := persistence.EncodeTask(t)
	if err != nil {
		return err
	}

	tmr := stoppedTimer()
	defer tmr.Stop()
	for {
		n, err := q.client.ZCard(ctx, q.key).Result()
		if err != nil {
			return fmt.Errorf("redis zcard: %w", err)
		}
		if int(n) < q.capacity {
			break
		}
		if err := pause(ctx, tmr, 20*time.Millisecond); err != nil {
			return err
		}
	}

	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return fmt.Errorf("redis incr: %w", err)
	}
	member := fmt.Sprintf("%020d", seq)

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.dataKey, member, data)
		p.ZAdd(ctx, q.key, redis.Z{Score: float64(-t.Priority), Member: member})
		return nil
	})
	return err
}

// Dequeue blocks on BZPOPMIN in short rounds until a task is available or
// ctx is done.
func (q *RedisQueue) Dequeue(ctx context.Context) (*api.DispatchedTask, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := q.client.BZPopMin(ctx, redisPollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis bzpopmin: %w", err)
		}

		member, _ := res.Member.(string)
		data, err := q.client.HGet(ctx, q.dataKey, member).Bytes()
		if err != nil {
			return nil, fmt.Errorf("redis hget %s: %w", member, err)
		}
		if err := q.client.HDel(ctx, q.dataKey, member).Err(); err != nil {
			slog.Warn("redis_queue_cleanup_failed", "member", member, "error", err)
		}

		t, err := persistence.DecodeTask(data)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
}

// Len returns the approximate number of tasks queued (ZCARD).
func (q *RedisQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		slog.Warn("redis_queue_len_failed", "error", err)
		return 0
	}
	return int(n)
}
