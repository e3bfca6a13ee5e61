package llm

import (
	"context"
	"time"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Backoff returns the delay after a failed attempt (0-based) with error err.
type Backoff func(attempt int, err error) time.Duration

// DefaultBackoff waits 2^attempt seconds after a rate limit and one second
// after any other transient failure.
func DefaultBackoff(attempt int, err error) time.Duration {
	if IsRateLimited(err) {
		return time.Duration(1<<attempt) * time.Second
	}
	return time.Second
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
