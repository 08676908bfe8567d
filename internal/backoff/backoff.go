// Package backoff computes retry delays for the publisher and the execution engine.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Exponential doubles the delay each attempt, capped at Max, and spreads
// the result over [d/2, d) so that competing processes do not retry in lockstep.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before retry attempt n (1-indexed).
func (e Exponential) Delay(attempt int) time.Duration {
	return WithJitter(e.Initial, e.Max, attempt)
}

// WithJitter is the full-jitter-on-half exponential used across the repo.
func WithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if exp > float64(max) || wait <= 0 {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
