package provider

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

const (
	// DefaultMaxAttempts is the number of tries before Retry gives up.
	DefaultMaxAttempts = 3

	// baseDelay is the starting backoff interval (before jitter).
	baseDelay = 500 * time.Millisecond

	// maxDelay caps the backoff interval.
	maxDelay = 30 * time.Second
)

// Retry executes fn up to maxAttempts times with exponential backoff and
// jitter. When fn fails with a [RateLimitError] carrying a provider-supplied
// Retry-After, that delay is honoured instead of the computed backoff.
// Auth and validation errors are not retried — they cannot succeed on a
// second attempt.
func Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	var lastErr error
	for attempt := range maxAttempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if IsAuth(lastErr) || IsValidation(lastErr) {
			return lastErr
		}

		if attempt < maxAttempts-1 {
			delay := BackoffDelay(attempt)
			if ra, ok := IsRateLimit(lastErr); ok && ra > 0 {
				delay = ra
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
}

// BackoffDelay computes the delay for a given attempt index, applying
// exponential growth with 50–100 % jitter.
func BackoffDelay(attempt int) time.Duration {
	delay := baseDelay * (1 << attempt)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	// Jitter: uniform in [delay/2, delay).
	jitter := time.Duration(rand.Int63n(int64(delay) / 2)) //nolint:gosec // jitter does not need crypto/rand
	return delay/2 + jitter
}

// FailureBackoff returns the delay before the next scheduled cycle after
// consecutive failures of that count: exponential from one minute, capped at
// one hour, monotonically non-decreasing.
func FailureBackoff(consecutiveFailures int) time.Duration {
	const (
		base = time.Minute
		max  = time.Hour
	)
	if consecutiveFailures <= 0 {
		return 0
	}
	if consecutiveFailures > 10 {
		return max
	}
	d := base * (1 << (consecutiveFailures - 1))
	if d > max {
		return max
	}
	return d
}
