// Package retry implements the pure exponential-backoff policy used to
// schedule redelivery of transiently-failed events (spec §4.4).
package retry

import "time"

// Policy holds the tunables for backoff calculation.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// Backoff returns the delay before attempt number attempt (1-indexed) is
// retried: min(InitialDelay * 2^(attempt-1), MaxDelay). Pure function, no
// jitter — spec.md specifies the deterministic formula exactly.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// IsTerminal reports whether attempt has reached or exceeded MaxAttempts,
// meaning the next transient failure must be treated as permanent.
func (p Policy) IsTerminal(attempt int) bool {
	return attempt >= p.MaxAttempts
}
