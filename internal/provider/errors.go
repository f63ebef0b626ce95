package provider

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chairbook/calsync/internal/model"
)

// AuthError means the provider rejected the credentials. The owning
// configuration is marked degraded and its sync paused until re-auth.
type AuthError struct {
	Provider model.Provider
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s auth failed: %s", e.Provider, e.Reason)
}

// RateLimitError means the provider returned 429. RetryAfter carries the
// provider-supplied delay when present, zero otherwise.
type RateLimitError struct {
	Provider   model.Provider
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited", e.Provider)
}

// NetworkError wraps a transient transport failure. Retried up to a bounded
// count, then surfaced as a warning while the cycle continues.
type NetworkError struct {
	Provider model.Provider
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s network error: %v", e.Provider, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError means one event's data is malformed. The item is skipped
// and logged; never fatal to the cycle.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event data: %s %s", e.Field, e.Reason)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError, returning
// the provider-supplied retry-after when present.
func IsRateLimit(err error) (time.Duration, bool) {
	var re *RateLimitError
	if errors.As(err, &re) {
		return re.RetryAfter, true
	}
	return 0, false
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ClassifyHTTP maps an HTTP status from a provider API to the shared error
// taxonomy. retryAfter is the parsed Retry-After header value, zero when
// absent. Returns nil for 2xx.
func ClassifyHTTP(p model.Provider, status int, retryAfter time.Duration) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Provider: p, Reason: fmt.Sprintf("HTTP %d", status)}
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Provider: p, RetryAfter: retryAfter}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &ValidationError{Field: "payload", Reason: fmt.Sprintf("rejected with HTTP %d", status)}
	default:
		return &NetworkError{Provider: p, Err: fmt.Errorf("unexpected HTTP %d", status)}
	}
}
