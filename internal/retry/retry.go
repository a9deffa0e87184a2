// Package retry runs an operation a bounded number of times with backoff
// between attempts.
package retry

import (
	"context"
	"time"
)

// Func is an operation that can be retried.
type Func func(ctx context.Context) error

// Backoff returns the delay to wait before the given attempt (1-based).
type Backoff func(attempt int) time.Duration

type config struct {
	maxAttempts int
	backoff     Backoff
}

// Option configures the retrier.
type Option func(*config)

// WithMaxAttempts sets the maximum number of attempts. The default is 3.
func WithMaxAttempts(n int) Option {
	return func(c *config) {
		c.maxAttempts = n
	}
}

// WithBackoff sets the delay schedule between attempts. The default doubles
// a 150ms base delay after every attempt.
func WithBackoff(b Backoff) Option {
	return func(c *config) {
		c.backoff = b
	}
}

// Exponential returns a Backoff that doubles base after every attempt.
func Exponential(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return base << (attempt - 1)
	}
}

// Do runs fn until it succeeds, all attempts are used up, or ctx is done.
// The last error from fn is returned on exhaustion.
func Do(ctx context.Context, fn Func, opts ...Option) error {
	cfg := &config{
		maxAttempts: 3,
		backoff:     Exponential(150 * time.Millisecond),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.maxAttempts {
			break
		}

		timer := time.NewTimer(cfg.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
