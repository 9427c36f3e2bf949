package api

import (
	"math"
	"slices"
	"time"
)

// RetryPolicy controls how an activity is re-attempted after a failure.
//
// MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//	MaxAttempts = 0 => unbounded
//
// The delay before retry n (n >= 1) is
// InitialInterval * BackoffMultiplier^(n-1), capped at MaxInterval when it is
// positive. A zero InitialInterval retries immediately.
type RetryPolicy struct {
	InitialInterval   time.Duration
	BackoffMultiplier float64
	MaxInterval       time.Duration
	MaxAttempts       int

	// NonRetryableErrorTypes lists Failure.Type values that must not be
	// retried, e.g. the Type of an ApplicationError.
	NonRetryableErrorTypes []string
}

// DefaultRetryPolicy is applied to activities scheduled without a policy:
// 1s initial interval doubling up to 100s, retried until it succeeds or the
// execution closes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:   time.Second,
		BackoffMultiplier: 2.0,
		MaxInterval:       100 * time.Second,
	}
}

// RetryDecision is the outcome of NextAttempt.
type RetryDecision struct {
	// Retry is true when another attempt should be made after After.
	Retry bool
	After time.Duration

	// Reason explains a give-up decision.
	Reason string
}

// Backoff returns the delay to wait after the given failed attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.InitialInterval <= 0 {
		return 0
	}
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	d := float64(p.InitialInterval) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// NextAttempt decides whether a failed attempt should be retried.
//
// It gives up when the failure is non-retryable or cancelled, when its type
// is listed in NonRetryableErrorTypes, or when attempt has reached
// MaxAttempts. Timeouts and transient errors are retried otherwise.
//
// NextAttempt has no side effects.
func NextAttempt(p RetryPolicy, attempt int, failure *Failure) RetryDecision {
	if failure != nil {
		switch failure.Kind {
		case FailureNonRetryable:
			return RetryDecision{Reason: "failure is non-retryable"}
		case FailureCancelled:
			return RetryDecision{Reason: "execution cancelled"}
		case FailureWorkflowCode:
			return RetryDecision{Reason: "workflow code error"}
		}
		if failure.Type != "" && slices.Contains(p.NonRetryableErrorTypes, failure.Type) {
			return RetryDecision{Reason: "error type " + failure.Type + " is non-retryable"}
		}
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return RetryDecision{Reason: "maximum attempts reached"}
	}
	return RetryDecision{Retry: true, After: p.Backoff(attempt)}
}
