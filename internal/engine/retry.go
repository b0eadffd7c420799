package engine

import "time"

// Policy controls the retry loop around a single credential rotation.
type Policy struct {
	// MaxAttempts is the total number of tries, first attempt
	// included.
	MaxAttempts int

	// Backoff returns the wait after a failed attempt (1-based).
	Backoff func(attempt int) time.Duration

	// AttemptTimeout bounds each backend call.
	AttemptTimeout time.Duration
}

// DefaultPolicy is three attempts with exponential backoff: 2s after
// the first failure, 4s after the second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		Backoff:        ExponentialBackoff(time.Second),
		AttemptTimeout: 30 * time.Second,
	}
}

// ExponentialBackoff returns base * 2^attempt.
func ExponentialBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base * time.Duration(1<<attempt)
	}
}
