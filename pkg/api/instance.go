package api

import (
	"encoding/gob"
	"time"
)

// State is the lifecycle state of a process instance.
type State string

const (
	StateCreated    State = "created"
	StateActive     State = "active"
	StateWaiting    State = "waiting"
	StateSuspended  State = "suspended"
	StateCompleted  State = "completed"
	StateTerminated State = "terminated"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTerminated
}

// TokenStatus tells what a token is doing at its node.
type TokenStatus string

const (
	// TokenReady tokens are consumed by the next traversal step.
	TokenReady TokenStatus = "ready"
	// TokenTask tokens wait for a dispatched task; WaitRef is the task id.
	TokenTask TokenStatus = "task"
	// TokenTimer tokens wait for a timer; WaitRef is the timer entry id.
	TokenTimer TokenStatus = "timer"
	// TokenMessage tokens wait for a correlated message; WaitRef is the
	// message name.
	TokenMessage TokenStatus = "message"
	// TokenJoined tokens are parked at a parallel join.
	TokenJoined TokenStatus = "joined"
)

// Token marks a point of execution within an instance.
type Token struct {
	ID        string
	NodeID    string
	ArrivedAt time.Time

	// Via is the id of the sequence flow the token arrived by.
	Via string

	// JoinGroup is the id of the join gateway the token is parked at.
	JoinGroup string

	Status  TokenStatus
	WaitRef string

	// SLARef is the id of the SLA timer armed while the token waits at a task.
	SLARef string
}

// ProcessInstance is one execution of a ProcessDefinition.
type ProcessInstance struct {
	ID                string
	DefinitionID      string
	DefinitionVersion int
	Variables         map[string]any
	Tokens            []Token
	State             State
	CreatedAt         time.Time
	UpdatedAt         time.Time

	CorrelationKey string

	// ExclusiveKey is set when the instance holds the uniqueness claim on its
	// correlation key. It is released when the instance becomes terminal.
	ExclusiveKey string

	// Error is set when the instance terminated because of an error.
	Error *ErrorInfo

	// PendingError holds an error routed through an error flow. It becomes
	// Error if the instance then reaches an error end event, and is dropped
	// on a normal completion.
	PendingError *ErrorInfo

	// Revision is the optimistic concurrency version, bumped on every commit.
	Revision int64
}

// Terminal reports whether the instance reached a terminal state.
func (p *ProcessInstance) Terminal() bool { return p.State.Terminal() }

// Clone returns a deep copy of the instance. Nested maps and slices in the
// variables are copied as well.
func (p *ProcessInstance) Clone() *ProcessInstance {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Variables = CloneVariables(p.Variables)
	if p.Tokens != nil {
		cp.Tokens = make([]Token, len(p.Tokens))
		copy(cp.Tokens, p.Tokens)
	}
	if p.Error != nil {
		e := *p.Error
		cp.Error = &e
	}
	if p.PendingError != nil {
		e := *p.PendingError
		cp.PendingError = &e
	}
	return &cp
}

// Token returns the token with the given id.
func (p *ProcessInstance) Token(id string) (Token, bool) {
	for _, t := range p.Tokens {
		if t.ID == id {
			return t, true
		}
	}
	return Token{}, false
}

// CloneVariables deep-copies a variable map.
func CloneVariables(vars map[string]any) map[string]any {
	if vars == nil {
		return nil
	}
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return CloneVariables(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func init() {
	// Variables travel through gob as interface values.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]string{})
	gob.Register([]int{})
	gob.Register(map[string]string{})
	gob.Register(time.Time{})
}
