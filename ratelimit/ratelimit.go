// Package ratelimit implements the optional admission limiter described in
// the supervisor's rate-limiting expansion: a token-bucket check applied to
// Submit before it ever reaches the tracker, so a caller flooding submit
// gets a fast synchronous rejection instead of an unbounded pending queue.
package ratelimit

import (
	"golang.org/x/time/rate"
)

// Limiter wraps golang.org/x/time/rate.Limiter with the one method the
// supervisor needs: a non-blocking admission check.
type Limiter struct {
	rl *rate.Limiter
}

// New returns a Limiter allowing ratePerSecond requests/sec with a burst
// equal to the rate truncated to an integer, and at least 1. ratePerSecond must be
// positive; callers that want no rate limiting simply don't construct one
// (the supervisor treats a nil *Limiter as disabled).
func New(ratePerSecond float64) *Limiter {
	burst := int(ratePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow reports whether one admission token is available right now. It
// never blocks, matching the synchronous-rejection contract of Submit.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.rl.Allow()
}
