package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), DefaultOptions(), func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	retries := 0
	opts := Options{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		OnRetry:      func(attempt int, err error) { retries++ },
	}
	result, err := Do(context.Background(), opts, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset by peer")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("duplicate key value violates unique constraint")
	opts := Options{MaxRetries: 5, InitialDelay: time.Millisecond}
	_, err := Do(context.Background(), opts, func(ctx context.Context) (int, error) {
		calls++
		return 0, permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	opts := Options{MaxRetries: 2, InitialDelay: time.Millisecond}
	_, err := Do(context.Background(), opts, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("network unreachable")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestDoHonorsCancellationDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := Options{MaxRetries: 5, InitialDelay: time.Hour}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := Do(ctx, opts, func(ctx context.Context) (int, error) {
		return 0, errors.New("connection refused")
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "cancelled")
	assert.Less(t, time.Since(start), time.Second)
}

func TestTransientClassification(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"Nil", nil, false},
		{"Connection refused", errors.New("dial tcp: connection refused"), true},
		{"Timeout", errors.New("context deadline exceeded: timeout"), true},
		{"Network", fmt.Errorf("wrapped: %w", errors.New("network is down")), true},
		{"Constraint violation", errors.New("null value in column violates not-null constraint"), false},
		{"Syntax error", errors.New(`syntax error at or near "FROM"`), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.transient, Transient(tc.err))
		})
	}
}

func TestWithTimeoutReturnsLabeledError(t *testing.T) {
	_, err := WithTimeout(context.Background(), 10*time.Millisecond, "batch fetch", func(ctx context.Context) (int, error) {
		select {
		case <-time.After(time.Minute):
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
	require.Error(t, err)
	var toErr *TimeoutError
	require.ErrorAs(t, err, &toErr)
	assert.Equal(t, "batch fetch", toErr.Label)
	assert.Contains(t, err.Error(), "batch fetch timed out")
}

func TestWithTimeoutPassesThroughResult(t *testing.T) {
	result, err := WithTimeout(context.Background(), time.Second, "quick op", func(ctx context.Context) (string, error) {
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", result)
}
