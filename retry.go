package chronicle

import "time"

// RetryBuilder provides a fluent way to construct RetryPolicy values for
// ActivityOptions.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts, counting the first
// attempt. maxAttempts <= 0 means retry until the activity succeeds or the
// execution closes.
//
// The default backoff is 1s doubling up to 100s.
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return RetryBuilder{
		policy: RetryPolicy{
			InitialInterval:   time.Second,
			BackoffMultiplier: 2.0,
			MaxInterval:       100 * time.Second,
			MaxAttempts:       maxAttempts,
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
	p := r.policy
	p.InitialInterval = initial
	p.MaxInterval = max
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.BackoffMultiplier = multiplier
	return RetryBuilder{policy: p}
}

// WithConstantBackoff waits delay between every attempt.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.InitialInterval = delay
	p.MaxInterval = 0
	p.BackoffMultiplier = 1.0
	return RetryBuilder{policy: p}
}

// Immediate disables any wait between retries.
// Retries still respect MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.InitialInterval = 0
	p.MaxInterval = 0
	p.BackoffMultiplier = 0
	return RetryBuilder{policy: p}
}

// NonRetryable stops retrying when the failure type matches one of types,
// e.g. the type given to NewApplicationError.
func (r RetryBuilder) NonRetryable(types ...string) RetryBuilder {
	p := r.policy
	p.NonRetryableErrorTypes = append(append([]string(nil), p.NonRetryableErrorTypes...), types...)
	return RetryBuilder{policy: p}
}

// Policy returns the built RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}

// Options returns ActivityOptions using the built policy and the given
// start-to-close timeout (zero selects the default).
func (r RetryBuilder) Options(timeout time.Duration) ActivityOptions {
	p := r.policy
	return ActivityOptions{StartToCloseTimeout: timeout, RetryPolicy: &p}
}
