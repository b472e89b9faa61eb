package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/bindrun/bindrun/pkg/schema"
)

// DefaultRetryPolicy applies to steps that declare no retry block: two
// retries with exponential backoff. A spec opts a step out by declaring
// {"max": 0}.
var DefaultRetryPolicy = &schema.RetryPolicy{
	Max:      2,
	Backoff:  "exponential",
	Delay:    "250ms",
	MaxDelay: "5s",
}

// IsTransient classifies whether a step failure is worth retrying.
// Transient: adapter errors marked ADAPTER_TRANSIENT, network errors, and
// step-level deadline expiry. Everything else (permanent adapter rejections,
// transform failures, run cancellation) is final on the first occurrence.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Run cancellation means the whole execution is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// A step deadline is retryable; the run deadline cancels instead.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var berr *schema.Error
	if errors.As(err, &berr) {
		return berr.IsTransient()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

// ComputeBackoff calculates the delay before retry attempt n (0-based).
// Supports none, constant, linear, and exponential backoff with an optional
// max_delay cap. An unset strategy backs off exponentially.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "none":
		return 0
	case "constant":
		delay = base
	case "linear":
		delay = base * time.Duration(attempt+1)
	default:
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for the computed delay or returns early if the
// context is cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
