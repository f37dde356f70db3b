package reliability

import (
	"context"
	"errors"
	"time"
)

// IsRetryableCallError reports whether a failed provider call may be retried
// against another backend. Cancellation is never retryable: it means the
// caller gave up on the turn, not that the backend misbehaved.
func IsRetryableCallError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// IsTimeout reports whether the error is a deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes from
// HTTP-backed providers.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
