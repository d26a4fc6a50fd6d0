// Package api contains the core building blocks shared by the engine, the
// workers and user code: definitions, the orchestration context, history
// events, retry policies, errors and observers.
//
// Most users interact with the top-level durable package, which re-exports
// the commonly used types. The api package is intended for custom
// integrations and for code that implements an Engine or Executor.
//
// # Orchestrations and activities
//
// An Orchestration is a deterministic function of its recorded history. It
// reaches the outside world only through activity calls made on its
// OrchestrationContext. An ActivityFunc does the actual work and may be
// retried according to its RetryPolicy.
//
// # History
//
// Every instance has an append-only log of HistoryEvent values. The engine
// derives InstanceStatus from that log and re-runs the orchestration
// against it to decide what happens next; the result of that pass is a
// Decision.
//
// # Errors
//
// Engine errors carry a stable code, available through ErrorCode. A failed
// activity call surfaces at its call site as *ActivityError.
//
// # Observability
//
// Observer receives lifecycle callbacks from engines and workers.
// LoggingObserver and BasicMetrics are ready-made implementations, and
// NewCompositeObserver fans events out to several of them.
package api
