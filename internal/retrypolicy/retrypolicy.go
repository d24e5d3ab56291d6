// Package retrypolicy implements the retry/backoff math named in spec
// §4.5: delay(attempt) = delay_seconds * (2^(attempt-1) if exponential
// else 1) * (1 + U(-jitter, +jitter)), clamped to >= 0. Grounded on
// dag_engine.go's RetryPolicy/executeTask backoff loop, but that teacher
// code applies full jitter (U(0,1) multiplier); this applies the spec's
// bounded symmetric jitter fraction instead.
package retrypolicy

import (
	"math"
	"math/rand"
	"time"

	"github.com/swarmguard/swarmlite/internal/workflow"
)

// Delay computes the backoff duration before attempt number `attempt`
// (1-indexed: attempt 1 is the first retry after the initial failure).
func Delay(p workflow.RetryPolicy, attempt int, rng *rand.Rand) time.Duration {
	base := p.DelaySeconds
	if p.ExponentialBackoff {
		base *= math.Pow(2, float64(attempt-1))
	}

	jitter := 0.0
	if p.JitterFraction > 0 {
		jitter = (rng.Float64()*2 - 1) * p.JitterFraction
	}
	seconds := base * (1 + jitter)
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// ShouldRetry reports whether another attempt is permitted given the
// policy's max_attempts ceiling (spec invariant 4: a task transitions to
// FAILED only after attempts >= max_attempts).
func ShouldRetry(p workflow.RetryPolicy, attemptsMade int) bool {
	return attemptsMade < p.MaxAttempts
}
