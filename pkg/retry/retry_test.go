package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTestError    = errors.New("test error")
	errNonRetryable = errors.New("non-retryable error")
)

func fastConfig(retries int) Config {
	return Config{
		MaxRetries: retries,
		Backoff:    Linear(time.Millisecond),
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(3), func(context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(3), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTestError
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_Exhausted(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(3), func(context.Context) error {
		attempts++
		return errTestError
	})

	require.Error(t, err)
	assert.Equal(t, 4, attempts, "one attempt plus three retries")

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 4, exhausted.Attempts)
	assert.ErrorIs(t, err, errTestError)
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	cfg := fastConfig(5)
	cfg.NonRetryableErrors = []error{errNonRetryable}

	attempts := 0
	err := Retry(context.Background(), cfg, func(context.Context) error {
		attempts++
		return errNonRetryable
	})

	assert.ErrorIs(t, err, errNonRetryable)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ContextCancelledDuringWait(t *testing.T) {
	cfg := Config{MaxRetries: 3, Backoff: Linear(time.Hour)}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Retry(ctx, cfg, func(context.Context) error { return errTestError })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryWithResult_ReportsRetries(t *testing.T) {
	var delays []time.Duration
	cfg := fastConfig(2)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	attempts := 0
	got, err := RetryWithResult(context.Background(), cfg, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errTestError
		}
		return "caps", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "caps", got)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestLinear(t *testing.T) {
	b := Linear(time.Second)
	assert.Equal(t, time.Second, b(1))
	assert.Equal(t, 2*time.Second, b(2))
	assert.Equal(t, 3*time.Second, b(3))
}

func TestExponential(t *testing.T) {
	b := Exponential(time.Second, 5*time.Second)
	assert.Equal(t, time.Second, b(1))
	assert.Equal(t, 2*time.Second, b(2))
	assert.Equal(t, 4*time.Second, b(3))
	assert.Equal(t, 5*time.Second, b(4))
	assert.Equal(t, 5*time.Second, b(10))
}
