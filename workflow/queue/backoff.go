// Package queue implements the durable job queue's worker side: claim,
// heartbeat, dispatch, retry. The persistence itself lives in
// workflow/store; this package owns the polling loop, exponential
// backoff, and dispatch-to-handler wiring described in §4.1.
package queue

import (
	"math/rand"
	"time"
)

// DefaultBaseDelay, DefaultMaxDelay and DefaultMaxRetries are §4.1's
// retry parameters: base 100ms, doubling, capped at 5s.
const (
	DefaultBaseDelay  = 100 * time.Millisecond
	DefaultMaxDelay   = 5 * time.Second
	DefaultMaxRetries = 5
)

// computeBackoff mirrors graph/policy.go's computeBackoff: exponential
// growth from base, capped at maxDelay, plus jitter in [0, base) to
// avoid synchronized retries across workers sharing one queue.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	exponential := base * time.Duration(uint64(1)<<uint(attempt))
	if exponential > maxDelay || exponential < 0 {
		exponential = maxDelay
	}
	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base)))
	}
	return exponential + jitter
}

// NextRetryDelay returns the delay before retryCount's next attempt,
// using the package defaults.
func NextRetryDelay(retryCount int) time.Duration {
	return computeBackoff(retryCount, DefaultBaseDelay, DefaultMaxDelay, nil)
}
