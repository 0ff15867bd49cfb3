// Package breaker implements the pool's circuit breaker: a pure decision
// object that gates connection-creation attempts after repeated failures.
// It owns no timers — the pool is responsible for scheduling the wake-up it
// asks for when it opens.
package breaker

import (
	"time"

	"github.com/Rican7/retry/backoff"
)

// State identifies which of the three breaker states is current.
type State int

const (
	// Closed means creations may proceed.
	Closed State = iota
	// Open means creations are denied until the stored deadline passes.
	Open
	// HalfOpen means exactly one probing creation is permitted.
	HalfOpen
)

// String implements the Stringer interface.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the three knobs the spec assigns to the breaker.
type Config struct {
	// ConsecutiveFailureTolerance is the number of consecutive failures, in
	// Closed, that trips the breaker open. Must be >= 1.
	ConsecutiveFailureTolerance int
	// BaseBackoff is the first open period (b in "b, 2b, 4b, ..., cap").
	BaseBackoff time.Duration
	// MaxBackoff caps the open period sequence.
	MaxBackoff time.Duration
	// HalfOpenTimeout is the maximum time to wait for the outcome of a
	// probing creation attempt in HalfOpen.
	HalfOpenTimeout time.Duration
}

// DefaultConfig returns sane defaults: tolerate 3 consecutive failures,
// back off from 100ms doubling up to 30s, and give a half-open probe 5s to
// succeed or fail.
func DefaultConfig() Config {
	return Config{
		ConsecutiveFailureTolerance: 3,
		BaseBackoff:                 100 * time.Millisecond,
		MaxBackoff:                  30 * time.Second,
		HalfOpenTimeout:             5 * time.Second,
	}
}

// Breaker is the circuit breaker described in §4.3. It is not safe for
// concurrent use — the pool, its sole owner, serializes access to it from
// its own single goroutine.
type Breaker struct {
	config Config

	state             State
	consecutiveFails  int
	openUntil         time.Time
	openEpisodes      int // count of prior Open episodes, indexes the backoff sequence
	halfOpenDeadline  time.Time
	halfOpenInFlight  bool

	// period is the pure "doubling from base up to a cap" sequence
	// generator, grounded on the teacher's connector.go makeRetryStrategies,
	// which builds the same shape of sequence from
	// backoff.BinaryExponential(factor) capped at a maximum.
	period func(episode int) time.Duration
}

// New creates a Breaker starting in Closed(0).
func New(config Config) *Breaker {
	if config.ConsecutiveFailureTolerance < 1 {
		config.ConsecutiveFailureTolerance = 1
	}

	b := &Breaker{config: config, state: Closed}
	b.period = makePeriodFunc(config.BaseBackoff, config.MaxBackoff)
	return b
}

// makePeriodFunc returns the openPeriods sequence function: b, 2b, 4b, ...,
// cap, cap, ... It's a pure wrapper around backoff.BinaryExponential, which
// is itself a pure attempt->duration function — exactly the shape the spec
// asks for ("an infinite non-decreasing sequence of durations").
func makePeriodFunc(base, cap time.Duration) func(int) time.Duration {
	exp := backoff.BinaryExponential(base)
	return func(episode int) time.Duration {
		// backoff.BinaryExponential(base)(n) is base * 2^n, so episode 0
		// maps to base itself.
		d := exp(uint(episode))
		if d > cap || d <= 0 {
			d = cap
		}
		return d
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	return b.state
}

// PermitCreation reports whether the pool may attempt to create a new
// connection right now, given the time now. When it returns false and the
// breaker is Open, nextWakeup reports when the pool should try again.
func (b *Breaker) PermitCreation(now time.Time) (permit bool, nextWakeup time.Time) {
	switch b.state {
	case Closed:
		return true, time.Time{}
	case Open:
		if !now.Before(b.openUntil) {
			b.state = HalfOpen
			b.halfOpenInFlight = false
			return b.PermitCreation(now)
		}
		return false, b.openUntil
	case HalfOpen:
		if b.halfOpenInFlight {
			// A probe is already outstanding; if it has overrun its
			// deadline, treat that as its failure outcome.
			if !now.Before(b.halfOpenDeadline) {
				b.RecordFailure(now)
				return false, b.openUntil
			}
			return false, b.halfOpenDeadline
		}
		b.halfOpenInFlight = true
		b.halfOpenDeadline = now.Add(b.config.HalfOpenTimeout)
		return true, time.Time{}
	default:
		return false, time.Time{}
	}
}

// RecordSuccess reports that a permitted creation attempt reached Ready.
// From Closed it resets the failure count; from HalfOpen it closes the
// breaker.
func (b *Breaker) RecordSuccess(now time.Time) {
	switch b.state {
	case Closed:
		b.consecutiveFails = 0
	case HalfOpen:
		b.state = Closed
		b.consecutiveFails = 0
		b.openEpisodes = 0
		b.halfOpenInFlight = false
	case Open:
		// A success can't be attributed while Open since no creation was
		// permitted; ignore.
	}
}

// RecordFailure reports that a permitted creation attempt failed (or, for
// HalfOpen, that its probe deadline elapsed). From Closed it increments the
// failure count and may trip the breaker open; from HalfOpen it reopens with
// the next period in the sequence.
func (b *Breaker) RecordFailure(now time.Time) {
	switch b.state {
	case Closed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.config.ConsecutiveFailureTolerance {
			b.trip(now)
		}
	case HalfOpen:
		b.halfOpenInFlight = false
		b.trip(now)
	case Open:
		// Nothing was permitted; ignore.
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = Open
	b.openUntil = now.Add(b.period(b.openEpisodes))
	b.openEpisodes++
}

// OpenUntil returns the deadline of the current Open episode. It is the zero
// time unless State() == Open.
func (b *Breaker) OpenUntil() time.Time {
	if b.state != Open {
		return time.Time{}
	}
	return b.openUntil
}

// HalfOpenDeadline returns the deadline by which the in-flight probe must
// settle. It is the zero time unless State() == HalfOpen and a probe is
// currently in flight; a caller that owns the clock (the pool) can use this
// to reclaim a probe that never reports back through RecordSuccess or
// RecordFailure.
func (b *Breaker) HalfOpenDeadline() time.Time {
	if b.state != HalfOpen || !b.halfOpenInFlight {
		return time.Time{}
	}
	return b.halfOpenDeadline
}
