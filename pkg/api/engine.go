package api

import "context"

// Engine is the client-facing API of the orchestration engine.
type Engine interface {
	// RegisterOrchestration registers a definition by name.
	RegisterOrchestration(def OrchestrationDefinition) error

	// RegisterActivity registers an activity by name.
	RegisterActivity(def ActivityDefinition) error

	// Start creates an instance and schedules its first replay pass.
	// It never waits for the instance to progress.
	Start(ctx context.Context, name string, input any, opts ...StartOption) (string, error)

	// QueryStatus returns the most recent durable status of an instance,
	// or ErrUnknownInstance.
	QueryStatus(ctx context.Context, id string) (InstanceStatus, error)

	// History returns the ordered event log of an instance.
	History(ctx context.Context, id string) ([]HistoryEvent, error)

	// ListInstances returns instances matching the given options.
	// If options are zero-valued, all instances are returned.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]InstanceStatus, error)

	// Cancel appends a terminal canceled event. Canceling a terminal
	// instance returns ErrInstanceTerminal.
	Cancel(ctx context.Context, id string, reason string) error
}

// Executor is implemented by engines that can be driven by workers.
type Executor interface {
	// RunOrchestration performs one replay pass of an instance.
	RunOrchestration(ctx context.Context, instanceID string) error

	// InvokeActivity runs one attempt of the registered activity info.Name.
	InvokeActivity(ctx context.Context, info ActivityInfo, input []byte) (any, error)

	// CompleteActivity records a terminal activity outcome and schedules
	// the next replay pass.
	CompleteActivity(ctx context.Context, res ActivityResult) error
}
