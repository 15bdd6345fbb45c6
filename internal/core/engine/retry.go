package engine

import (
	"context"
	"fmt"
	"time"
)

// UnboundedAttemptCap bounds the "retry forever" policy so a misbehaving
// upstream cannot spin a request literally forever.
const UnboundedAttemptCap = 1_000_000

// RetryPolicy decides how many times a 503 from the upstream is retried.
type RetryPolicy struct {
	unbounded  bool
	maxRetries int
}

// BoundedRetries allows n retries after the first attempt. Negative n is
// treated as zero.
func BoundedRetries(n int) RetryPolicy {
	if n < 0 {
		n = 0
	}
	return RetryPolicy{maxRetries: n}
}

// UnboundedRetries keeps retrying until UnboundedAttemptCap attempts.
func UnboundedRetries() RetryPolicy {
	return RetryPolicy{unbounded: true}
}

// RetryPolicyFromMax maps the max_retries setting: a positive value is a
// bound, zero or negative means unbounded.
func RetryPolicyFromMax(maxRetries int) RetryPolicy {
	if maxRetries <= 0 {
		return UnboundedRetries()
	}
	return BoundedRetries(maxRetries)
}

// Unbounded reports whether the policy retries without a configured bound.
func (p RetryPolicy) Unbounded() bool {
	return p.unbounded
}

// Attempts returns the total number of upstream calls allowed, first attempt
// included.
func (p RetryPolicy) Attempts() int {
	if p.unbounded {
		return UnboundedAttemptCap
	}
	return p.maxRetries + 1
}

// String renders the policy for logs.
func (p RetryPolicy) String() string {
	if p.unbounded {
		return "unbounded"
	}
	return fmt.Sprintf("bounded(%d)", p.maxRetries)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
