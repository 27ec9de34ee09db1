// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package breaker

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"swarmcore/internal/clock"
	"swarmcore/internal/coreerrors"
	"swarmcore/internal/logging"
)

// Manager owns one Breaker per named target (an agent id, a resource
// class, an external call site, whatever the caller chooses to protect)
// and an optional global rate limit shared across all targets, guarding
// against a thundering herd of retries the moment a breaker closes again.
type Manager struct {
	mu       sync.Mutex
	config   Config
	clock    clock.Clock
	logger   logging.Logger
	breakers map[string]*Breaker

	// callRateLimit, if non-zero, caps how many Execute calls per second
	// are admitted across all targets combined regardless of breaker
	// state; a coarse safety valve independent of the per-target state
	// machine above it.
	callRateLimit rate.Limit
	limiter       *rate.Limiter
}

// NewManager creates a breaker manager. callsPerSecond of zero disables the
// global rate limit.
func NewManager(config Config, clk clock.Clock, logger logging.Logger, callsPerSecond float64) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logging.Noop{}
	}

	m := &Manager{
		config:   config,
		clock:    clk,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
	if callsPerSecond > 0 {
		m.callRateLimit = rate.Limit(callsPerSecond)
		m.limiter = rate.NewLimiter(m.callRateLimit, int(callsPerSecond)+1)
	}
	return m
}

func (m *Manager) breakerFor(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[name]
	if !ok {
		b = newBreaker(m.config, m.clock)
		m.breakers[name] = b
	}
	return b
}

// Execute runs fn against the named target's breaker. It returns
// coreerrors.ErrCircuitOpen or coreerrors.ErrCircuitHalfOpenSaturated
// without invoking fn when the breaker refuses admission.
func Execute[T any](m *Manager, ctx context.Context, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if m.limiter != nil && !m.limiter.Allow() {
		return zero, coreerrors.ErrCircuitOpen
	}

	b := m.breakerFor(name)
	result, err := execute(b, ctx, fn)
	if err != nil {
		m.logger.Debug("breaker execute failed", "target", name, "error", err.Error())
	}
	return result, err
}

// State reports the current state of the named target's breaker, creating
// it (closed) on first observation.
func (m *Manager) State(name string) Snapshot {
	return m.breakerFor(name).Snapshot()
}

// BreakerFor exposes the named target's breaker directly, for callers
// that must split the admit/record sequence across an asynchronous
// boundary (the task scheduler dispatching an agent invocation that
// completes on its own goroutine, long after the dispatch call returns).
func (m *Manager) BreakerFor(name string) *Breaker {
	return m.breakerFor(name)
}

// Force administratively pins the named breaker's state, bypassing its
// normal transition rules. Used for operator overrides and tests.
func (m *Manager) Force(name string, state State) {
	m.breakerFor(name).forceState(state)
}

// Reset clears the named breaker back to closed with counters zeroed.
func (m *Manager) Reset(name string) {
	m.breakerFor(name).reset()
}

// Targets lists every target name observed so far, for diagnostics.
func (m *Manager) Targets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	return names
}
