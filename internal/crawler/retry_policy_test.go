package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	policy := NewExponentialRetryPolicy(RetryConfig{MaxAttempts: 3})

	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"nil error", nil, 1, false},
		{"generic network error", errors.New("connection reset"), 1, true},
		{"attempts exhausted", errors.New("connection reset"), 3, false},
		{"canceled", context.Canceled, 1, false},
		{"deadline wrapped", fmt.Errorf("fetch: %w", context.DeadlineExceeded), 1, false},
		{"extraction", fmt.Errorf("thread: %w", ErrExtraction), 1, false},
		{"too many requests", &StatusError{URL: "https://x", Code: 429}, 1, true},
		{"server error", &StatusError{URL: "https://x", Code: 503}, 2, true},
		{"not found", &StatusError{URL: "https://x", Code: 404}, 1, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, policy.ShouldRetry(tc.err, tc.attempt))
		})
	}
}

func TestExponentialRetryPolicyBackoffIsCapped(t *testing.T) {
	policy := NewExponentialRetryPolicy(RetryConfig{
		MaxAttempts: 10,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
	})

	first := policy.Backoff(1)
	assert.GreaterOrEqual(t, first, 50*time.Millisecond)
	assert.LessOrEqual(t, first, 100*time.Millisecond)

	late := policy.Backoff(9)
	assert.GreaterOrEqual(t, late, 500*time.Millisecond)
	assert.LessOrEqual(t, late, time.Second)
}

func TestNewExponentialRetryPolicyDefaults(t *testing.T) {
	policy := NewExponentialRetryPolicy(RetryConfig{})
	assert.Equal(t, 3, policy.maxAttempts)
	assert.Equal(t, 500*time.Millisecond, policy.baseDelay)
	assert.Equal(t, 10*time.Second, policy.maxDelay)
}
