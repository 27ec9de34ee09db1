// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package breaker implements a per-target circuit breaker (C3): a health
// gate that suppresses calls to a target after repeated failures, the way
// a kill switch suppresses further work against a branch once it has been
// judged unhealthy: lock, inspect state, transition atomically, emit.
package breaker

import (
	"context"
	"sync"
	"time"

	"swarmcore/internal/clock"
	"swarmcore/internal/coreerrors"
)

// State is one of the three circuit states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config configures a single breaker's thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	HalfOpenLimit    int
}

// Snapshot is a read-only view of a breaker's current state, used by
// Manager.State and tests.
type Snapshot struct {
	State              State
	Failures           int
	Successes          int
	NextAttemptAt       time.Time
	HalfOpenInFlight    int
}

// Breaker is a single named circuit breaker.
type Breaker struct {
	mu     sync.Mutex
	config Config
	clock  clock.Clock

	state            State
	failures         int
	successes        int
	nextAttemptAt    time.Time
	halfOpenInFlight int
}

func newBreaker(config Config, clk clock.Clock) *Breaker {
	return &Breaker{
		config: config,
		clock:  clk,
		state:  StateClosed,
	}
}

// Snapshot returns the breaker's current state for observability.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpenLocked()
	return Snapshot{
		State:            b.state,
		Failures:         b.failures,
		Successes:        b.successes,
		NextAttemptAt:    b.nextAttemptAt,
		HalfOpenInFlight: b.halfOpenInFlight,
	}
}

// maybeTransitionToHalfOpenLocked moves an open breaker to half-open once
// its timeout has elapsed. Must be called with b.mu held.
func (b *Breaker) maybeTransitionToHalfOpenLocked() {
	if b.state == StateOpen && !b.nextAttemptAt.After(b.clock.Now()) {
		b.state = StateHalfOpen
		b.halfOpenInFlight = 0
	}
}

// Admit decides whether a call may proceed right now, and if so whether it
// counts against the half-open in-flight budget. Callers that need to
// drive the admit/run/record sequence across an asynchronous boundary
// (rather than within a single synchronous call, as Manager.Execute does)
// use Admit paired with RecordSuccess/RecordFailure once the deferred
// work concludes.
func (b *Breaker) Admit() (allowed bool, halfOpen bool, err error) {
	return b.admit()
}

// RecordSuccess reports a successful call admitted with the halfOpen flag
// Admit returned.
func (b *Breaker) RecordSuccess(halfOpen bool) { b.recordSuccess(halfOpen) }

// RecordFailure reports a failed call admitted with the halfOpen flag
// Admit returned.
func (b *Breaker) RecordFailure(halfOpen bool) { b.recordFailure(halfOpen) }

// admit decides whether a call may proceed right now, and if so whether it
// counts against the half-open in-flight budget.
func (b *Breaker) admit() (allowed bool, halfOpen bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeTransitionToHalfOpenLocked()

	switch b.state {
	case StateClosed:
		return true, false, nil
	case StateOpen:
		return false, false, coreerrors.ErrCircuitOpen
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenLimit {
			return false, true, coreerrors.ErrCircuitHalfOpenSaturated
		}
		b.halfOpenInFlight++
		return true, true, nil
	default:
		return false, false, coreerrors.ErrCircuitOpen
	}
}

func (b *Breaker) recordSuccess(halfOpen bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if halfOpen {
		b.halfOpenInFlight--
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.resetLocked()
		}
	}
}

func (b *Breaker) recordFailure(halfOpen bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if halfOpen {
		b.halfOpenInFlight--
	}

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.tripLocked()
		}
	case StateHalfOpen:
		b.tripLocked()
	}
}

func (b *Breaker) tripLocked() {
	b.state = StateOpen
	b.nextAttemptAt = b.clock.Now().Add(b.config.Timeout)
	b.failures = 0
	b.successes = 0
	b.halfOpenInFlight = 0
}

func (b *Breaker) resetLocked() {
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.halfOpenInFlight = 0
	b.nextAttemptAt = time.Time{}
}

// forceState administratively sets the breaker's state, used by
// Manager.Force and by tests that need to pin a breaker open.
func (b *Breaker) forceState(state State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch state {
	case StateOpen:
		b.tripLocked()
	default:
		b.resetLocked()
		b.state = state
	}
}

func (b *Breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

// execute is the shared admit/run/record path used by Manager.Execute and
// by direct per-breaker callers in tests.
func execute[T any](b *Breaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	allowed, halfOpen, err := b.admit()
	if !allowed {
		return zero, err
	}

	result, callErr := fn(ctx)
	if callErr != nil {
		b.recordFailure(halfOpen)
		return zero, callErr
	}
	b.recordSuccess(halfOpen)
	return result, nil
}
