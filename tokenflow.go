package tokenflow

import (
	"github.com/petrijr/tokenflow/internal/temporal"
	"github.com/petrijr/tokenflow/pkg/api"
	"github.com/petrijr/tokenflow/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine              = api.Engine
	ProcessDefinition   = api.ProcessDefinition
	Node                = api.Node
	Task                = api.Task
	Gateway             = api.Gateway
	Event               = api.Event
	SequenceFlow        = api.SequenceFlow
	TimerSpec           = api.TimerSpec
	SLA                 = api.SLA
	Condition           = api.Condition
	ConditionFunc       = api.ConditionFunc
	RetryPolicy         = api.RetryPolicy
	ProcessInstance     = api.ProcessInstance
	Token               = api.Token
	State               = api.State
	InstanceListOptions = api.InstanceListOptions
	TimerEntry          = api.TimerEntry
	DispatchedTask      = api.DispatchedTask
	Error               = api.Error
	ErrorKind           = api.ErrorKind
	HistoryEvent        = api.HistoryEvent

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	Executor     = worker.Executor
	ExecutorFunc = worker.ExecutorFunc

	Calendar       = temporal.Calendar
	Window         = temporal.Window
	WindowCalendar = temporal.WindowCalendar
	DailyWindow    = temporal.DailyWindow
	DailyCalendar  = temporal.DailyCalendar
)

// Re-export common helpers.

var (
	Expr                 = api.Expr
	KindOf               = api.KindOf
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewWindowCalendar    = temporal.NewWindowCalendar
)

// Re-export state values and gateway and event kinds for convenience.

const (
	StateCreated    = api.StateCreated
	StateActive     = api.StateActive
	StateWaiting    = api.StateWaiting
	StateSuspended  = api.StateSuspended
	StateCompleted  = api.StateCompleted
	StateTerminated = api.StateTerminated

	GatewayExclusive = api.GatewayExclusive
	GatewayParallel  = api.GatewayParallel

	EventStart        = api.EventStart
	EventEnd          = api.EventEnd
	EventErrorEnd     = api.EventErrorEnd
	EventTerminateEnd = api.EventTerminateEnd
	EventTimer        = api.EventTimer
	EventMessage      = api.EventMessage
)

// Re-export the error kinds.

const (
	KindConfiguration       = api.KindConfiguration
	KindConflict            = api.KindConflict
	KindTaskFailure         = api.KindTaskFailure
	KindCorrelationConflict = api.KindCorrelationConflict
	KindNoMatchingInstance  = api.KindNoMatchingInstance
	KindStructural          = api.KindStructural
	KindUnavailable         = api.KindUnavailable
	KindErrorEvent          = api.KindErrorEvent
	KindNotFound            = api.KindNotFound
)
