package api

import "context"

// Engine is the control surface of the token engine.
type Engine interface {
	// Register validates and stores a definition. Registering the same id and
	// version twice fails with a configuration error.
	Register(def *ProcessDefinition) error

	// Start creates an instance of the latest registered version of a
	// definition and runs it until every token is waiting or consumed.
	Start(ctx context.Context, definitionID string, vars map[string]any, correlationKey string) (string, error)

	// StartVersion is Start for an explicit definition version.
	StartVersion(ctx context.Context, definitionID string, version int, vars map[string]any, correlationKey string) (string, error)

	// Cancel terminates an instance. Cancelling a terminal instance is a no-op.
	Cancel(ctx context.Context, instanceID string, reason string) error

	// Correlate delivers a message to the single waiting instance with the
	// given correlation key and returns its id.
	Correlate(ctx context.Context, key string, payload map[string]any) (string, error)

	// Status returns the last committed snapshot of an instance.
	Status(ctx context.Context, instanceID string) (*ProcessInstance, error)

	// List returns instances matching the given options.
	// If options are zero-valued, all instances are returned.
	List(ctx context.Context, opts InstanceListOptions) ([]*ProcessInstance, error)
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	// DefinitionID, if non-empty, limits results to instances of the given definition.
	DefinitionID string

	// State, if non-empty, limits results to instances in the given state.
	State State

	// CorrelationKey, if non-empty, limits results to instances with that key.
	CorrelationKey string
}
