package durable

import (
	"testing"
	"time"

	"github.com/petrijr/durable/pkg/api"
)

// Ensure non-positive maxAttempts is normalized to 1.
func TestRetry_NonPositiveMaxAttemptsDefaultsToOne(t *testing.T) {
	p := Retry(0).Policy()
	if p.MaxAttempts != 1 {
		t.Fatalf("expected MaxAttempts=1 for Retry(0), got %d", p.MaxAttempts)
	}

	p = Retry(-5).Policy()
	if p.MaxAttempts != 1 {
		t.Fatalf("expected MaxAttempts=1 for Retry(-5), got %d", p.MaxAttempts)
	}
}

// Ensure WithExponentialBackoff wires fields correctly and default multiplier is applied.
func TestRetry_WithExponentialBackoff_UsesDefaults(t *testing.T) {
	initial := 100 * time.Millisecond
	max := 2 * time.Second

	p := Retry(3).
		WithExponentialBackoff(initial, 0, max).
		Policy()

	if p.MaxAttempts != 3 {
		t.Fatalf("expected MaxAttempts=3, got %d", p.MaxAttempts)
	}
	if p.Backoff.Kind != api.BackoffExponential {
		t.Fatalf("expected exponential backoff, got %q", p.Backoff.Kind)
	}
	if p.Backoff.Initial != initial {
		t.Fatalf("expected Initial=%v, got %v", initial, p.Backoff.Initial)
	}
	if p.Backoff.Max != max {
		t.Fatalf("expected Max=%v, got %v", max, p.Backoff.Max)
	}
	if p.Backoff.Multiplier != 2.0 {
		t.Fatalf("expected Multiplier=2.0 (default), got %v", p.Backoff.Multiplier)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("expected valid policy, got %v", err)
	}
}

// Ensure the exponential delays grow and respect the cap.
func TestRetry_WithExponentialBackoff_Delays(t *testing.T) {
	p := Retry(5).
		WithExponentialBackoff(50*time.Millisecond, 3.0, 500*time.Millisecond).
		Policy()

	want := []time.Duration{50 * time.Millisecond, 150 * time.Millisecond, 450 * time.Millisecond, 500 * time.Millisecond}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: expected delay %v, got %v", i+1, w, got)
		}
	}
}

// Ensure WithConstantBackoff sets a fixed delay.
func TestRetry_WithConstantBackoff(t *testing.T) {
	delay := 250 * time.Millisecond

	p := Retry(5).
		WithConstantBackoff(delay).
		Policy()

	if p.MaxAttempts != 5 {
		t.Fatalf("expected MaxAttempts=5, got %d", p.MaxAttempts)
	}
	if p.Backoff.Kind != api.BackoffConstant {
		t.Fatalf("expected constant backoff, got %q", p.Backoff.Kind)
	}
	for attempt := 1; attempt <= 4; attempt++ {
		if got := p.Delay(attempt); got != delay {
			t.Fatalf("attempt %d: expected delay %v, got %v", attempt, delay, got)
		}
	}
}

// Ensure Immediate clears all backoff-related timing without changing MaxAttempts.
func TestRetry_ImmediateClearsBackoff(t *testing.T) {
	p := Retry(7).
		WithExponentialBackoff(100*time.Millisecond, 2.0, 5*time.Second).
		Immediate().
		Policy()

	if p.MaxAttempts != 7 {
		t.Fatalf("expected MaxAttempts=7, got %d", p.MaxAttempts)
	}
	if p.Backoff.Kind != api.BackoffNone {
		t.Fatalf("expected no backoff after Immediate, got %q", p.Backoff.Kind)
	}
	if got := p.Delay(3); got != 0 {
		t.Fatalf("expected zero delay after Immediate, got %v", got)
	}
}
