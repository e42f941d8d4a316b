package errors

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Retry executes a function with exponential backoff retry logic driven
// by a RetryStrategy. It stops early when the returned error classifies
// as permanent. If the context is cancelled, it returns the context
// error immediately.
func Retry(ctx context.Context, s RetryStrategy, fn func() error) error {
	_, err := RetryWithResult(ctx, s, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes a function that returns a value with retry logic.
func RetryWithResult[T any](ctx context.Context, s RetryStrategy, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Structured permanent errors never benefit from another attempt.
		// Plain errors are retried; the classifier cannot rule them out.
		var de *Error
		if As(err, &de) && !IsTemporary(de.Category) {
			return zero, err
		}
		if attempt >= s.MaxRetries {
			break
		}

		wait := s.Delay(attempt+1, rand.Float64())
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
	}

	return zero, fmt.Errorf("failed after %d retries: %w", s.MaxRetries, lastErr)
}
