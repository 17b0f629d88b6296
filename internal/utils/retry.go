// Package utils provides shared helpers: the outbound retry policy, database
// error classification, and the injectable HTTP client used in tests.
package utils

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"

	"github.com/symmbot/blocksync/internal/entities"
)

// RetryPolicy is the single retry configuration injected into every component
// that makes outbound calls. Transient failures are retried with exponential
// backoff plus jitter; rate-limit and auth errors are not retried here because
// they have dedicated handling paths (the rate limiter's penalty path and the
// session manager's refresh path respectively).
type RetryPolicy struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used wherever a component does not override it.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
}

// IsRetryable reports whether an error belongs to the retryable taxonomy
// class. Rate-limited, auth-expired, not-found and plain API errors are
// terminal for the retry loop.
func IsRetryable(err error) bool {
	if _, rateLimited := entities.IsRateLimited(err); rateLimited {
		return false
	}
	if errors.Is(err, entities.ErrAuthExpired) || errors.Is(err, entities.ErrNotFound) {
		return false
	}
	var apiErr *entities.APIError
	if errors.As(err, &apiErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Do runs fn under the policy, logging each retry with the operation name.
func (p RetryPolicy) Do(ctx context.Context, operation string, fn func() error) error {
	//nolint:wrapcheck // the caller wraps with the operation context
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(p.MaxAttempts),
		retry.Delay(p.BaseDelay),
		retry.MaxDelay(p.MaxDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxJitter(p.BaseDelay),
		retry.RetryIf(IsRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			logrus.WithFields(logrus.Fields{
				"operation": operation,
				"attempt":   attempt + 1,
				"max":       p.MaxAttempts,
			}).Warnf("retrying after error: %v", err)
		}),
	)
}
