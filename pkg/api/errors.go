package api

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies engine errors.
type ErrorKind string

const (
	KindConfiguration       ErrorKind = "configuration"
	KindConflict            ErrorKind = "conflict"
	KindTaskFailure         ErrorKind = "task_failure"
	KindCorrelationConflict ErrorKind = "correlation_conflict"
	KindNoMatchingInstance  ErrorKind = "no_matching_instance"
	KindStructural          ErrorKind = "structural"
	KindUnavailable         ErrorKind = "unavailable"
	KindErrorEvent          ErrorKind = "error_event"
	KindNotFound            ErrorKind = "not_found"
)

var (
	ErrNoEnabledFlow         = errors.New("no enabled outgoing flow")
	ErrConflict              = errors.New("concurrent modification")
	ErrCorrelationConflict   = errors.New("correlation key already in use")
	ErrNoMatchingInstance    = errors.New("no matching instance")
	ErrAmbiguousCorrelation  = errors.New("correlation key matches more than one instance")
	ErrStructural            = errors.New("structural error")
	ErrTaskFailure           = errors.New("task failed")
	ErrUnavailable           = errors.New("store unavailable")
	ErrInstanceNotFound      = errors.New("instance not found")
	ErrDefinitionNotFound    = errors.New("definition not found")
	ErrDefinitionExists      = errors.New("definition already registered")
	ErrUnknownImplementation = errors.New("no executor registered for implementation")
	ErrTaskTimeout           = errors.New("task timed out")
	ErrTimerNotFound         = errors.New("timer not found")
	ErrLockHeld              = errors.New("lock held by another owner")
	ErrStepLimitExceeded     = errors.New("step limit exceeded")
)

var kindSentinels = map[ErrorKind]error{
	KindConflict:            ErrConflict,
	KindTaskFailure:         ErrTaskFailure,
	KindCorrelationConflict: ErrCorrelationConflict,
	KindNoMatchingInstance:  ErrNoMatchingInstance,
	KindStructural:          ErrStructural,
	KindUnavailable:         ErrUnavailable,
}

// Error is the error type returned by engine operations.
type Error struct {
	Kind       ErrorKind
	Op         string
	InstanceID string
	NodeID     string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.InstanceID != "" {
		fmt.Fprintf(&b, " (instance %s", e.InstanceID)
		if e.NodeID != "" {
			fmt.Fprintf(&b, ", node %s", e.NodeID)
		}
		b.WriteByte(')')
	} else if e.NodeID != "" {
		fmt.Fprintf(&b, " (node %s)", e.NodeID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel that corresponds to the error kind, so that
// errors.Is(err, ErrConflict) holds for every conflict error regardless of
// the wrapped cause.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// NewError builds an *Error.
func NewError(kind ErrorKind, op, instanceID, nodeID string, err error) *Error {
	return &Error{Kind: kind, Op: op, InstanceID: instanceID, NodeID: nodeID, Err: err}
}

func configError(op, subject string, err error) error {
	if subject != "" {
		err = fmt.Errorf("%s: %w", subject, err)
	}
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

// ErrorInfo is the persisted description of the error that terminated an
// instance, or of a pending error routed through an error flow.
type ErrorInfo struct {
	Kind    ErrorKind
	Message string
	NodeID  string
}

// ErrorInfoFrom converts err into an ErrorInfo. Errors without a kind are
// recorded as fallback.
func ErrorInfoFrom(err error, nodeID string, fallback ErrorKind) *ErrorInfo {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	if kind == "" {
		kind = fallback
	}
	return &ErrorInfo{Kind: kind, Message: err.Error(), NodeID: nodeID}
}
