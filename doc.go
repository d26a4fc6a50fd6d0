// Package durable provides an embeddable durable orchestration engine for Go.
//
// Orchestrations are ordinary Go functions that call activities. Every call
// and every result is appended to a per-instance history log, and the
// function is re-run from the start against that log whenever something new
// happens. Calls whose results are already recorded return immediately, so
// an orchestration survives process restarts without checkpointing its own
// state.
//
// # Core Concepts
//
//  1. Engine
//  2. Orchestrations
//  3. Activities
//  4. Worker
//  5. LocalRunner
//
// # Engine
//
// The Engine owns the definition registries, the history log, the instance
// index and the task queue. It provides APIs to:
//   - start instances, optionally deduplicated by an idempotency key
//   - query status and history
//   - list and cancel instances
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// # Orchestrations
//
// An orchestration receives an OrchestrationContext:
//
//	func ProcessOrder(ctx durable.OrchestrationContext) (any, error) {
//	    var order Order
//	    if err := ctx.GetInput(&order); err != nil {
//	        return nil, err
//	    }
//	    var res Receipt
//	    if err := ctx.CallActivity("Charge", order, &res); err != nil {
//	        return nil, err
//	    }
//	    return res, nil
//	}
//
// Orchestrations must be deterministic: the same history must lead to the
// same sequence of calls. Clocks, randomness and I/O belong in activities.
//
// # Activities
//
// An activity is the unit of side-effecting work. Activities may run more
// than once, so they should be idempotent. Retry policies and timeouts are
// attached per definition or per call; errors wrapped with NonRetryable
// fail the call immediately.
//
// # Worker
//
// A Worker pulls tasks from the engine's queue. Orchestration tasks run one
// replay pass; activity tasks run one attempt of a call. Run several workers
// with worker.Pool to scale within a process, or start more processes on a
// shared backend.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine and a worker pool for development
// and tests, and WaitForCompletion blocks until an instance is terminal.
// It is not crash-durable; use NewSQLiteBundle or one of the networked
// backends for that.
package durable
