package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryWithBackoff_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), fastRetryPolicy(), func() error {
		calls++
		return nil
	}, IsTransientError)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_RetriesTransient(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), fastRetryPolicy(), func() error {
		calls++
		if calls < 3 {
			return errors.New("ThrottlingException: rate exceeded")
		}
		return nil
	}, IsTransientError)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_GivesUpOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("InvalidParameterValue: bad cidr")
	err := RetryWithBackoff(context.Background(), fastRetryPolicy(), func() error {
		calls++
		return permanent
	}, IsTransientError)
	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent errors are not retried")
	assert.ErrorIs(t, err, permanent)
}

func TestRetryWithBackoff_ExhaustsRetries(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), fastRetryPolicy(), func() error {
		calls++
		return errors.New("service unavailable")
	}, IsTransientError)
	require.Error(t, err)
	assert.Equal(t, DefaultRetryMax+1, calls)
	assert.ErrorContains(t, err, "max retries")
}

func TestRetryWithBackoff_CancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryWithBackoff(ctx, &RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, func() error {
		calls++
		cancel()
		return errors.New("connection reset by peer")
	}, IsTransientError)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoff_BoundedByMax(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := calculateBackoff(attempt, time.Second, 5*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second, fmt.Sprintf("attempt %d", attempt))
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("ThrottlingException: Rate exceeded"), true},
		{errors.New("dial tcp: i/o timeout"), true},
		{errors.New("connection refused"), true},
		{errors.New("503 Service Unavailable"), true},
		{errors.New("InvalidParameterValue: malformed cidr"), false},
		{errors.New("AccessDenied: not authorized"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransientError(tt.err), "%v", tt.err)
	}
}

func fastRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: DefaultRetryMax,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
}
