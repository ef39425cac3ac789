// Package resilience provides fault-tolerance primitives: a cool-down
// policy for persisted breakers, exponential-backoff retry, and a
// context-based timeout wrapper.
package resilience

import (
	"errors"
	"time"
)

// ErrCircuitOpen is returned when a breaker is still cooling down.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current phase of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CooldownPolicy decides how long a breaker stays open after repeated
// failures. The breaker itself (failure count, open-until) lives with the
// guarded entity, so the policy is stateless and safe to share.
type CooldownPolicy struct {
	Threshold   int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func defaultCooldownPolicy() CooldownPolicy {
	return CooldownPolicy{
		Threshold:   3,
		BaseBackoff: time.Minute,
		MaxBackoff:  30 * time.Minute,
	}
}

// NewCooldownPolicy fills in defaults for zero values.
func NewCooldownPolicy(p CooldownPolicy) CooldownPolicy {
	defaults := defaultCooldownPolicy()
	if p.Threshold <= 0 {
		p.Threshold = defaults.Threshold
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = defaults.BaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaults.MaxBackoff
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = p.BaseBackoff
	}
	return p
}

// Cooldown returns the open duration after the given number of consecutive
// failures, or zero while below the threshold. It doubles per failure past
// the threshold and is capped at MaxBackoff.
func (p CooldownPolicy) Cooldown(consecutiveFailures int) time.Duration {
	if consecutiveFailures < p.Threshold {
		return 0
	}
	d := p.BaseBackoff
	for i := p.Threshold; i < consecutiveFailures; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// OpenUntil returns the time the breaker reopens, and false while the
// failure count has not reached the threshold.
func (p CooldownPolicy) OpenUntil(now time.Time, consecutiveFailures int) (time.Time, bool) {
	d := p.Cooldown(consecutiveFailures)
	if d == 0 {
		return time.Time{}, false
	}
	return now.Add(d), true
}

// StateAt reports the breaker state for a stored open-until time. A past
// open-until with failures still recorded is half-open: the next attempt is
// a probe.
func StateAt(now time.Time, openUntil *time.Time, consecutiveFailures int) State {
	switch {
	case openUntil != nil && now.Before(*openUntil):
		return StateOpen
	case openUntil != nil && consecutiveFailures > 0:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
