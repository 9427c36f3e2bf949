package chronicle

import (
	"testing"
	"time"
)

// Ensure negative maxAttempts is normalized to unbounded.
func TestRetry_NegativeMaxAttemptsIsUnbounded(t *testing.T) {
	p := Retry(-5).Policy()
	if p.MaxAttempts != 0 {
		t.Fatalf("expected MaxAttempts=0 for Retry(-5), got %d", p.MaxAttempts)
	}
	if p.InitialInterval != time.Second || p.MaxInterval != 100*time.Second {
		t.Fatalf("expected default backoff 1s..100s, got %v..%v", p.InitialInterval, p.MaxInterval)
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
	if p.InitialInterval != initial {
		t.Fatalf("expected InitialInterval=%v, got %v", initial, p.InitialInterval)
	}
	if p.MaxInterval != max {
		t.Fatalf("expected MaxInterval=%v, got %v", max, p.MaxInterval)
	}
	if p.BackoffMultiplier != 2.0 {
		t.Fatalf("expected BackoffMultiplier=2.0 (default), got %v", p.BackoffMultiplier)
	}
	if got := p.Backoff(3); got != 400*time.Millisecond {
		t.Fatalf("expected third retry after 400ms, got %v", got)
	}
}

// Ensure WithConstantBackoff sets a fixed delay and uses multiplier 1.0.
func TestRetry_WithConstantBackoff(t *testing.T) {
	delay := 250 * time.Millisecond

	p := Retry(5).
		WithConstantBackoff(delay).
		Policy()

	if p.MaxAttempts != 5 {
		t.Fatalf("expected MaxAttempts=5, got %d", p.MaxAttempts)
	}
	for attempt := 1; attempt <= 4; attempt++ {
		if got := p.Backoff(attempt); got != delay {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, delay, got)
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
	if p.InitialInterval != 0 || p.MaxInterval != 0 || p.BackoffMultiplier != 0 {
		t.Fatalf("expected zero backoff after Immediate, got %+v", p)
	}
	if got := p.Backoff(3); got != 0 {
		t.Fatalf("expected no delay, got %v", got)
	}
}

func TestRetry_NonRetryableDoesNotAlias(t *testing.T) {
	base := Retry(3).NonRetryable("A")
	one := base.NonRetryable("B").Policy()
	two := base.NonRetryable("C").Policy()

	if len(one.NonRetryableErrorTypes) != 2 || one.NonRetryableErrorTypes[1] != "B" {
		t.Fatalf("unexpected types %v", one.NonRetryableErrorTypes)
	}
	if two.NonRetryableErrorTypes[1] != "C" {
		t.Fatalf("builders share a backing array: %v", two.NonRetryableErrorTypes)
	}
}

func TestRetry_Options(t *testing.T) {
	opts := Retry(2).Options(time.Minute)
	if opts.Timeout() != time.Minute {
		t.Fatalf("expected 1m timeout, got %v", opts.Timeout())
	}
	if opts.Policy().MaxAttempts != 2 {
		t.Fatalf("expected policy to be carried, got %+v", opts.Policy())
	}
}
