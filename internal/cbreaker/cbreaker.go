// Package cbreaker implements a minimal circuit breaker used to stop
// hammering unreachable peers with RPCs.
package cbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrOpen = errors.New("circuit breaker is open")

type state int

const (
	closed state = iota
	open
	halfOpen
)

func (s state) String() string {
	switch s {
	case closed:
		return "closed"
	case open:
		return "open"
	case halfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips open after a run of consecutive failures and lets a
// probe through once the reset timeout has elapsed. A run of consecutive
// probe successes closes it again.
type CircuitBreaker struct {
	mu sync.Mutex
	st state

	failures  int
	successes int

	failureThreshold int
	successThreshold int

	resetTimeout time.Duration
	nextProbeAt  time.Time
}

func New(failureThreshold, successThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		st:               closed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		resetTimeout:     resetTimeout,
	}
}

// Do runs fn guarded by the breaker. While the breaker is open and the probe
// deadline has not passed, fn is not invoked and ErrOpen is returned.
func Do[R any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (R, error)) (resp R, err error) {
	cb.mu.Lock()
	if cb.st == open {
		if time.Now().Before(cb.nextProbeAt) {
			cb.mu.Unlock()
			return resp, ErrOpen
		}
		cb.st = halfOpen
		cb.successes = 0
	}
	cb.mu.Unlock()

	resp, err = fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.successes = 0
		if cb.st == halfOpen {
			cb.trip()
			return
		}
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.trip()
		}
		return
	}

	if cb.st == halfOpen {
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.reset()
		}
		return
	}
	cb.failures = 0
	return
}

// State reports the current state as a string, for logs and status pages.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.st.String()
}

func (cb *CircuitBreaker) trip() {
	cb.st = open
	cb.nextProbeAt = time.Now().Add(cb.resetTimeout)
	cb.failures = 0
	cb.successes = 0
}

func (cb *CircuitBreaker) reset() {
	cb.st = closed
	cb.failures = 0
	cb.successes = 0
}
