package tokenflow

import "time"

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use with WithRetry.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder allowing maxRetries retries after the first
// attempt.
//
// maxRetries < 0 is treated as 0 (a single attempt).
func Retry(maxRetries int) RetryBuilder {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return RetryBuilder{
		policy: RetryPolicy{
			MaxRetries: maxRetries,
		},
	}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - multiplier > 1 grows the delay each retry (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.Backoff = initial
	p.MaxBackoff = max
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.Multiplier = multiplier
	return RetryBuilder{policy: p}
}

// WithConstantBackoff configures a constant delay between retries.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.Backoff = delay
	p.MaxBackoff = 0
	p.Multiplier = 1.0
	return RetryBuilder{policy: p}
}

// WithJitter adds up to fraction*delay of random extra delay. fraction is
// clamped to [0, 1].
func (r RetryBuilder) WithJitter(fraction float64) RetryBuilder {
	p := r.policy
	p.Jitter = min(max(fraction, 0), 1)
	return RetryBuilder{policy: p}
}

// Immediate retries on the next tick of the temporal queue.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.Backoff = 0
	p.MaxBackoff = 0
	p.Multiplier = 0
	p.Jitter = 0
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy to be passed to WithRetry.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
