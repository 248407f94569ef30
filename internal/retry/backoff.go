// Package retry computes jittered re-enqueue delays for failed steps
// (§4.5). The SQL-resident next_retry_at stays deterministic so repeated
// readiness computation over unchanged state is idempotent (§8); this
// package is the one place jitter is introduced, at the point a concrete
// delay is actually published onto the queue.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// MaxBackoffSeconds caps the exponential backoff base, matching the SQL
// next_retry_at/retry_eligible LEAST(POWER(2, attempts), 30) ceiling.
const MaxBackoffSeconds = 30

// NextAttemptDelay returns the full-jitter delay to wait before the next
// attempt, given the step's attempt count and an optional explicit
// backoff hint (§4.5 "an explicit server-provided backoff_request_seconds
// hint takes precedence over the computed exponential series"). attempts
// is the step's attempts count *before* the upcoming attempt.
func NextAttemptDelay(attempts int, backoffRequestSeconds *int) time.Duration {
	if backoffRequestSeconds != nil {
		return time.Duration(*backoffRequestSeconds) * time.Second
	}
	base := math.Min(math.Pow(2, float64(attempts)), MaxBackoffSeconds)
	jittered := rand.Float64() * base
	return time.Duration(jittered * float64(time.Second))
}

// NextAttemptAt returns the absolute time a step becomes eligible again,
// anchored at lastFailureAt (§4.2's "critical gotcha": this must be the
// most recent to_state='error' transition regardless of most_recent).
func NextAttemptAt(lastFailureAt time.Time, attempts int, backoffRequestSeconds *int) time.Time {
	return lastFailureAt.Add(NextAttemptDelay(attempts, backoffRequestSeconds))
}
