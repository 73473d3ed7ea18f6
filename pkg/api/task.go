package api

import (
	"math"
	"time"
)

// RetryPolicy controls how a failed or timed out task attempt is retried.
// MaxRetries does not include the first attempt:
//
//	MaxRetries = 0 => a single attempt
//	MaxRetries = 2 => initial attempt + up to 2 retries
//
// The delay before retry n (n = 1 for the first retry) is
// Backoff * Multiplier^(n-1), scaled by up to Jitter and capped at MaxBackoff.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration

	// Multiplier defaults to 2.0 when zero or negative.
	Multiplier float64
	MaxBackoff time.Duration

	// Jitter in [0, 1] adds up to Jitter*delay of random extra delay.
	Jitter float64
}

// Delay returns the delay after the given failed attempt (1-based). rnd is a
// random value in [0, 1).
func (p RetryPolicy) Delay(attempt int, rnd float64) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(p.Backoff) * math.Pow(multiplier, float64(attempt-1))
	if p.Jitter > 0 {
		delay *= 1 + p.Jitter*rnd
	}
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// TaskStatus is the lifecycle status of a dispatched task attempt.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
)

// DispatchedTask is one unit of work handed to the dispatch layer.
type DispatchedTask struct {
	ID             string
	InstanceID     string
	NodeID         string
	TokenID        string
	Implementation string
	Payload        map[string]any

	// Attempt is 1-based.
	Attempt  int
	Timeout  time.Duration
	Deadline time.Time
	Priority int
	Retry    RetryPolicy
	Status   TaskStatus
}

// Ref returns the reference used to report the task outcome to the engine.
func (t DispatchedTask) Ref() TaskRef {
	return TaskRef{InstanceID: t.InstanceID, TaskID: t.ID, NodeID: t.NodeID}
}

// TaskRef identifies the task a token is waiting for. The engine matches
// completions by TaskID, so a stale or repeated report finds no token.
type TaskRef struct {
	InstanceID string
	TaskID     string
	NodeID     string
}

// TaskResult is the final outcome of a dispatched task after retries.
type TaskResult struct {
	Task   DispatchedTask
	Output map[string]any
	Err    error
}
