package errors

import (
	"context"
	"errors"
	"net"
	"time"
)

// RetryStrategy describes how a failed operation should be retried.
type RetryStrategy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Factor     float64
	// Jitter in [0,1]: delay is multiplied by (1 ± rand*Jitter).
	Jitter float64
}

// temporaryCategories are the categories whose retry may succeed without
// operator intervention. All others are permanent.
var temporaryCategories = map[Category]struct{}{
	CategoryNetwork:               {},
	CategoryTimeout:               {},
	CategoryRateLimit:             {},
	CategoryServer5xx:             {},
	CategoryDBBusy:                {},
	CategoryDependencyUnavailable: {},
}

// IsTemporary reports whether a category is worth retrying.
func IsTemporary(cat Category) bool {
	_, ok := temporaryCategories[cat]
	return ok
}

// Classify maps an arbitrary error to a retry category.
//
// Structured errors carry their category; for plain errors only the
// stdlib sentinels are inspected. Anything unrecognized is UNKNOWN,
// which is treated as permanent.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var de *Error
	if errors.As(err, &de) {
		return de.Category
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}

	return CategoryUnknown
}

// Strategy returns the retry strategy for an error's category.
// Permanent categories get MaxRetries=0.
func Strategy(err error) RetryStrategy {
	return StrategyFor(Classify(err))
}

// StrategyFor returns the default retry strategy for a category.
func StrategyFor(cat Category) RetryStrategy {
	switch cat {
	case CategoryNetwork, CategoryTimeout:
		return RetryStrategy{MaxRetries: 5, BaseDelay: 1 * time.Second, MaxDelay: 60 * time.Second, Factor: 2.0, Jitter: 0.2}
	case CategoryRateLimit:
		return RetryStrategy{MaxRetries: 8, BaseDelay: 2 * time.Second, MaxDelay: 120 * time.Second, Factor: 2.0, Jitter: 0.3}
	case CategoryServer5xx:
		return RetryStrategy{MaxRetries: 4, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Factor: 2.0, Jitter: 0.2}
	case CategoryDBBusy:
		return RetryStrategy{MaxRetries: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second, Factor: 2.0, Jitter: 0.1}
	case CategoryDependencyUnavailable:
		return RetryStrategy{MaxRetries: 5, BaseDelay: 1 * time.Second, MaxDelay: 60 * time.Second, Factor: 2.0, Jitter: 0.2}
	default:
		return RetryStrategy{MaxRetries: 0}
	}
}

// Delay computes the backoff delay for a 1-indexed attempt:
// min(maxDelay, base*factor^(attempt-1)) scaled by (1 ± rand*jitter).
// randUnit must be in [0,1); pass a fixed value for deterministic tests.
func (s RetryStrategy) Delay(attempt int, randUnit float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(s.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= s.Factor
		if time.Duration(d) >= s.MaxDelay {
			break
		}
	}
	if max := float64(s.MaxDelay); s.MaxDelay > 0 && d > max {
		d = max
	}
	// Map randUnit in [0,1) to a factor in [1-jitter, 1+jitter).
	d *= 1 + (randUnit*2-1)*s.Jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
