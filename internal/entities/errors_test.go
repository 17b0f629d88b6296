package entities

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRateLimited(t *testing.T) {
	retryAfter, ok := IsRateLimited(&RateLimitedError{RetryAfter: 30 * time.Second})
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, retryAfter)

	retryAfter, ok = IsRateLimited(fmt.Errorf("fetching page: %w", &RateLimitedError{RetryAfter: time.Minute}))
	assert.True(t, ok)
	assert.Equal(t, time.Minute, retryAfter)

	_, ok = IsRateLimited(&TransientError{StatusCode: 502})
	assert.False(t, ok)
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(&APIError{StatusCode: 409}))
	assert.True(t, IsConflict(&APIError{StatusCode: 400, Code: "RecordAlreadyExists"}))
	assert.False(t, IsConflict(&APIError{StatusCode: 400, Code: "InvalidRequest"}))
	assert.False(t, IsConflict(ErrNotFound))
}

func TestIsTransientUnwraps(t *testing.T) {
	wrapped := fmt.Errorf("listing blocks: %w", &TransientError{Err: fmt.Errorf("connection reset")})
	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsTransient(ErrAuthExpired))
}
