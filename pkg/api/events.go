package api

import (
	"context"
	"log/slog"
	"time"
)

// EventType identifies an instance history event.
type EventType string

const (
	HistoryInstanceStarted    EventType = "instance.started"
	HistoryInstanceCompleted  EventType = "instance.completed"
	HistoryInstanceTerminated EventType = "instance.terminated"

	HistoryNodeEntered EventType = "node.entered"
	HistoryTimerFired  EventType = "timer.fired"

	HistoryTaskCompleted EventType = "task.completed"
	HistoryTaskFailed    EventType = "task.failed"
)

// HistoryEvent is a small append-only audit record.
type HistoryEvent struct {
	InstanceID string
	At         time.Time
	Type       EventType

	DefinitionID      string
	DefinitionVersion int
	NodeID            string

	// Short, human oriented detail such as an error message or a timer kind.
	// Never a payload.
	Detail string
}

// HistoryAppender persists history events.
type HistoryAppender interface {
	AppendEvent(ctx context.Context, ev HistoryEvent) error
}

// HistoryObserver records the instance lifecycle into a HistoryAppender.
// Append failures are logged and otherwise ignored.
type HistoryObserver struct {
	Store  HistoryAppender
	Logger *slog.Logger
	Now    func() time.Time
}

// NewHistoryObserver creates a HistoryObserver writing to store.
func NewHistoryObserver(store HistoryAppender, logger *slog.Logger) *HistoryObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryObserver{Store: store, Logger: logger, Now: time.Now}
}

func (h *HistoryObserver) append(ctx context.Context, ev HistoryEvent) {
	if ev.At.IsZero() {
		ev.At = h.Now().UTC()
	}
	if err := h.Store.AppendEvent(ctx, ev); err != nil {
		h.Logger.WarnContext(ctx, "history_append_failed",
			slog.String("instance_id", ev.InstanceID),
			slog.String("type", string(ev.Type)),
			slog.Any("error", err),
		)
	}
}

func instanceEvent(inst *ProcessInstance, typ EventType) HistoryEvent {
	return HistoryEvent{
		InstanceID:        inst.ID,
		Type:              typ,
		DefinitionID:      inst.DefinitionID,
		DefinitionVersion: inst.DefinitionVersion,
	}
}

func (h *HistoryObserver) OnInstanceStarted(ctx context.Context, inst *ProcessInstance) {
	h.append(ctx, instanceEvent(inst, HistoryInstanceStarted))
}

func (h *HistoryObserver) OnNodeEntered(ctx context.Context, inst *ProcessInstance, tok Token) {
	ev := instanceEvent(inst, HistoryNodeEntered)
	ev.NodeID = tok.NodeID
	ev.Detail = tok.Via
	h.append(ctx, ev)
}

func (h *HistoryObserver) OnInstanceCompleted(ctx context.Context, inst *ProcessInstance) {
	h.append(ctx, instanceEvent(inst, HistoryInstanceCompleted))
}

func (h *HistoryObserver) OnInstanceTerminated(ctx context.Context, inst *ProcessInstance, reason error) {
	ev := instanceEvent(inst, HistoryInstanceTerminated)
	if reason != nil {
		ev.Detail = reason.Error()
	}
	if inst.Error != nil {
		ev.NodeID = inst.Error.NodeID
	}
	h.append(ctx, ev)
}

func (h *HistoryObserver) OnTimerFired(ctx context.Context, entry TimerEntry) {
	h.append(ctx, HistoryEvent{
		InstanceID: entry.InstanceID,
		Type:       HistoryTimerFired,
		NodeID:     entry.NodeID,
		Detail:     string(entry.Kind),
	})
}

func (h *HistoryObserver) OnTaskAttempt(ctx context.Context, task DispatchedTask, err error, d time.Duration) {
	ev := HistoryEvent{
		InstanceID: task.InstanceID,
		Type:       HistoryTaskCompleted,
		NodeID:     task.NodeID,
	}
	if err != nil {
		ev.Type = HistoryTaskFailed
		ev.Detail = err.Error()
	}
	h.append(ctx, ev)
}
