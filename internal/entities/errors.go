// Package entities holds types shared across the sync engine's components,
// most importantly the outbound-call error taxonomy. Every client maps raw
// HTTP failures into one of these shapes so that callers can decide between
// the rate-limit penalty path, the transient retry path, and the
// refresh-or-relogin path without inspecting status codes themselves.
package entities

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthExpired indicates the access token was rejected and the session
	// needs a refresh or a full re-login. Handled inside the session manager,
	// never surfaced to component callers.
	ErrAuthExpired = errors.New("authentication token expired")

	// ErrNotFound maps HTTP 404. The aggregation API uses it to signal the
	// end of a paginated list.
	ErrNotFound = errors.New("resource not found")
)

// RateLimitedError maps HTTP 429. RetryAfter is zero when the upstream did
// not provide a Retry-After header.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// TransientError maps network failures and 5xx responses that are expected to
// succeed on retry.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient upstream error: %v", e.Err)
	}
	return fmt.Sprintf("transient upstream error: status %d", e.StatusCode)
}

func (e *TransientError) Unwrap() error { return e.Err }

// APIError is any other non-2xx response, carrying the upstream error code
// and message when the body could be decoded.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsRateLimited reports whether err is a 429, and if so how long the upstream
// asked us to back off.
func IsRateLimited(err error) (time.Duration, bool) {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsConflict reports whether err is the upstream's duplicate-record signal.
// Creating a record that already exists is not a failure for idempotent
// writers like the list projector.
func IsConflict(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode == 409 || ae.Code == "RecordAlreadyExists" || ae.Code == "Conflict"
	}
	return false
}
