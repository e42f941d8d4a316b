package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastStrategy(maxRetries int) RetryStrategy {
	return RetryStrategy{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
		Factor:     2.0,
		Jitter:     0,
	}
}

func TestRetry_SucceedsAfterTransientError(t *testing.T) {
	// Given: a function that fails twice then succeeds
	attempts := 0
	fn := func() error {
		attempts++
		if attempts < 3 {
			return New(ErrCodeNetworkTimeout, "transient", nil)
		}
		return nil
	}

	err := Retry(context.Background(), fastStrategy(3), fn)

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_FailsAfterMaxRetries(t *testing.T) {
	attempts := 0
	fn := func() error {
		attempts++
		return errors.New("persistent error")
	}

	err := Retry(context.Background(), fastStrategy(2), fn)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, 3, attempts) // initial + 2 retries
}

func TestRetry_PermanentErrorStopsImmediately(t *testing.T) {
	attempts := 0
	fn := func() error {
		attempts++
		return New(ErrCodeInvalidInput, "bad request", nil)
	}

	err := Retry(context.Background(), fastStrategy(5), fn)

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, ErrCodeInvalidInput, GetCode(err))
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, fastStrategy(3), func() error {
		return errors.New("never retried")
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	attempts := 0
	result, err := RetryWithResult(context.Background(), fastStrategy(3), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", New(ErrCodeDependencyServer, "503", nil)
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, attempts)
}
