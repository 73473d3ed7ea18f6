// Package api contains the core building blocks used by the tokenflow
// engine: the process model, the runtime instance model, the error taxonomy
// and the observer hooks.
//
// Most users interact with the higher-level tokenflow package, which
// re-exports selected types and helpers from this package. The api package
// is intended for custom integrations and for contributors extending the
// engine itself.
//
// # Process Definitions
//
// A ProcessDefinition is a directed graph of nodes connected by sequence
// flows. Nodes form a closed set:
//
//   - *Task: work executed by the dispatch layer, with optional retry policy,
//     timeout and SLA escalation.
//   - *Gateway: exclusive (first true condition, else default) or parallel
//     (fork one token per outgoing flow, join when every incoming flow has an
//     arrival).
//   - *Event: start, end, error end, terminate end, and the intermediate
//     timer and message catch events.
//
// Definitions are immutable once validated and are identified by id and
// version. Validate checks the structural invariants (reachability, flow
// references, gateway fan-out) and computes a content hash.
//
// # Conditions
//
// Flow conditions are either Go predicates (ConditionFunc) or expressions
// (Expr) evaluated against the instance variables, for example:
//
//	api.Expr("amount > 100")
//	api.Expr("variables.region == 'eu'")
//
// # Instances and Tokens
//
// A ProcessInstance holds the variables and the tokens of one execution. A
// token is ready, waiting for a task, a timer or a message, or parked at a
// join. An instance has no tokens exactly when it is completed or
// terminated.
//
// # Errors
//
// Engine operations return *Error values carrying an ErrorKind. The kinds
// map to sentinels (ErrConflict, ErrNoMatchingInstance, ...) so callers can
// use errors.Is, or KindOf for a switch.
//
// # Observability
//
// The Observer interface is used by the engine, the temporal queue and the
// dispatcher to report lifecycle events. LoggingObserver, BasicMetrics and
// HistoryObserver are ready-made implementations that can be combined with
// NewCompositeObserver.
package api
