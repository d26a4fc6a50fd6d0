package durable

import (
	"time"

	"github.com/petrijr/durable/pkg/api"
)

// RetryBuilder provides a fluent way to construct RetryPolicy values for
// activity definitions and WithRetry.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{
		policy: RetryPolicy{
			MaxAttempts: maxAttempts,
			Backoff:     BackoffStrategy{Kind: api.BackoffNone},
		},
	}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2.0
	}
	if max < 0 {
		max = 0
	}
	p := r.policy
	p.Backoff = BackoffStrategy{
		Kind:       api.BackoffExponential,
		Initial:    initial,
		Max:        max,
		Multiplier: multiplier,
	}
	return RetryBuilder{policy: p}
}

// WithConstantBackoff waits the same delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.Backoff = BackoffStrategy{Kind: api.BackoffConstant, Initial: delay}
	return RetryBuilder{policy: p}
}

// Immediate disables any sleep between retries.
// Retries will still respect MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.Backoff = BackoffStrategy{Kind: api.BackoffNone}
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
