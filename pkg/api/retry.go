package api

import (
	"fmt"
	"time"
)

// BackoffKind enumerates the supported delay strategies between retries.
type BackoffKind string

const (
	BackoffNone        BackoffKind = "none"
	BackoffConstant    BackoffKind = "constant"
	BackoffExponential BackoffKind = "exponential"
)

// BackoffStrategy describes the delay between failed attempts.
type BackoffStrategy struct {
	Kind BackoffKind `json:"kind" yaml:"kind"`

	// Initial is the delay before the first retry.
	Initial time.Duration `json:"initial,omitempty" yaml:"initial"`

	// Max caps the delay. Zero means no cap.
	Max time.Duration `json:"max,omitempty" yaml:"max"`

	// Multiplier grows the delay per attempt for exponential backoff.
	// Values <= 0 default to 2.0.
	Multiplier float64 `json:"multiplier,omitempty" yaml:"multiplier"`
}

// RetryPolicy controls how the activity substrate retries transient
// failures before surfacing a terminal result. MaxAttempts includes the
// first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
type RetryPolicy struct {
	MaxAttempts int             `json:"maxAttempts" yaml:"max_attempts"`
	Backoff     BackoffStrategy `json:"backoff" yaml:"backoff"`
}

// Validate checks that the policy is usable.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("retry policy: max attempts must not be negative, got %d", p.MaxAttempts)
	}
	switch p.Backoff.Kind {
	case "", BackoffNone, BackoffConstant, BackoffExponential:
	default:
		return fmt.Errorf("retry policy: unknown backoff kind %q", p.Backoff.Kind)
	}
	if p.Backoff.Initial < 0 || p.Backoff.Max < 0 {
		return fmt.Errorf("retry policy: backoff durations must not be negative")
	}
	return nil
}

// Attempts returns the effective number of attempts (at least 1).
func (p *RetryPolicy) Attempts() int {
	if p == nil || p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait before the given retry. attempt is the number of
// the attempt that just failed, starting at 1.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if p == nil || attempt < 1 {
		return 0
	}
	b := p.Backoff
	var d time.Duration
	switch b.Kind {
	case BackoffConstant:
		d = b.Initial
	case BackoffExponential:
		mult := b.Multiplier
		if mult <= 0 {
			mult = 2.0
		}
		f := float64(b.Initial)
		for i := 1; i < attempt; i++ {
			f *= mult
			if b.Max > 0 && f >= float64(b.Max) {
				return b.Max
			}
		}
		d = time.Duration(f)
	default:
		return 0
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// ActivityOptions travel with every scheduled activity call.
type ActivityOptions struct {
	// Timeout bounds the whole activity, across all attempts, measured
	// from the moment it is scheduled. Zero means no timeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	Retry *RetryPolicy `json:"retry,omitempty"`
}

// ActivityOption configures a single activity call.
type ActivityOption func(*ActivityOptions)

// WithTimeout sets the activity timeout.
func WithTimeout(d time.Duration) ActivityOption {
	return func(o *ActivityOptions) {
		o.Timeout = d
	}
}

// WithRetry sets the retry policy for the call.
func WithRetry(p RetryPolicy) ActivityOption {
	return func(o *ActivityOptions) {
		o.Retry = &p
	}
}

// Merge fills unset fields of o from defaults.
func (o ActivityOptions) Merge(defaults ActivityOptions) ActivityOptions {
	if o.Timeout == 0 {
		o.Timeout = defaults.Timeout
	}
	if o.Retry == nil && defaults.Retry != nil {
		r := *defaults.Retry
		o.Retry = &r
	}
	return o
}
