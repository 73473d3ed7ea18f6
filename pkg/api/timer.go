package api

import "time"

// TimerKind tells what a timer entry resumes when it fires.
type TimerKind string

const (
	// TimerWait resumes a token parked at a timer catch event.
	TimerWait TimerKind = "wait"
	// TimerSLA spawns an escalation token for a task that ran too long.
	TimerSLA TimerKind = "sla"
	// TimerRetry re-submits a failed task attempt.
	TimerRetry TimerKind = "retry"
)

// TimerEntry is a durable scheduled fire.
type TimerEntry struct {
	ID         string
	InstanceID string
	NodeID     string
	TokenID    string
	Kind       TimerKind
	FireAt     time.Time
	Priority   int

	// Retries counts redeliveries after handler errors.
	Retries int

	Calendar         string
	OverrideBlackout bool

	// Shard is derived from InstanceID when the entry is scheduled.
	Shard int

	// Payload carries kind specific data; for retry timers it is the
	// encoded DispatchedTask.
	Payload []byte
}

// TimerLess orders entries by fire time, then higher priority first, then id.
func TimerLess(a, b TimerEntry) bool {
	if !a.FireAt.Equal(b.FireAt) {
		return a.FireAt.Before(b.FireAt)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}
