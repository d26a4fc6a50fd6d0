// Package worker provides the background workers that drive orchestration
// instances forward.
//
// Workers consume tasks from a task queue and hand them to an engine
// implementing api.Executor. There are two kinds of task:
//
//   - orchestration tasks run one replay pass of an instance
//   - activity tasks run one attempt of a scheduled activity call
//
// # Retries and timeouts
//
// An activity attempt that fails with an ordinary error is retried by
// re-enqueueing the task with the next attempt number and a NotBefore time
// taken from the call's api.RetryPolicy. Errors wrapped with
// api.NonRetryable, and the last allowed attempt, are terminal: the worker
// reports them through Executor.CompleteActivity and the orchestration sees
// an *api.ActivityError at the call site.
//
// A call's timeout becomes a deadline on the task. Attempts run under a
// context bounded by that deadline, and once it passes the worker records a
// timeout failure instead of trying again.
//
// # Scaling
//
// Multiple workers can safely operate on the same queue. Pool runs one
// Worker on N goroutines; replay passes for a single instance are
// serialized by the engine.
package worker
