package health

import (
	"time"
)

// Outcome is the input to the breaker state machine.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// BreakerState is the explicit availability state of one upstream.
type BreakerState string

const (
	BreakerClosed BreakerState = "closed"
	BreakerOpen   BreakerState = "open"
)

// Breaker is the per-upstream availability gate. It is not self-locking:
// callers hold the owning health record's mutex. When disabled it is
// always closed.
type Breaker struct {
	enabled   bool
	threshold int
	cooldown  time.Duration

	consecutiveFails int
	openUntil        time.Time
}

// NewBreaker creates a breaker. threshold failures open it for cooldown.
func NewBreaker(enabled bool, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		enabled:   enabled,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Observe is the single mutator: it feeds one probe or request outcome
// into the state machine. Returns true when this observation opened the
// breaker.
func (b *Breaker) Observe(outcome Outcome, now time.Time) bool {
	if !b.enabled {
		return false
	}

	if outcome == OutcomeSuccess {
		// A success closes immediately, even mid-cooldown: the next probe
		// is the half-open trial.
		b.consecutiveFails = 0
		b.openUntil = time.Time{}
		return false
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.threshold && !b.open(now) {
		b.openUntil = now.Add(b.cooldown)
		return true
	}
	return false
}

// Allows reports whether the balancer may route to this upstream.
func (b *Breaker) Allows(now time.Time) bool {
	return !b.open(now)
}

// State returns the externally visible state.
func (b *Breaker) State(now time.Time) BreakerState {
	if b.open(now) {
		return BreakerOpen
	}
	return BreakerClosed
}

// ConsecutiveFails returns the current failure streak.
func (b *Breaker) ConsecutiveFails() int {
	return b.consecutiveFails
}

func (b *Breaker) open(now time.Time) bool {
	if b.openUntil.IsZero() {
		return false
	}
	if now.Before(b.openUntil) {
		return true
	}
	// Cooldown elapsed: fall back to closed. The failure streak is kept
	// until a success resets it, so a failing trial re-opens at once.
	return false
}
