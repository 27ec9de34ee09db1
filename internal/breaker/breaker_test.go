// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmcore/internal/clock"
	"swarmcore/internal/coreerrors"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
		HalfOpenLimit:    1,
	}
}

var errBoom = errors.New("boom")

func failingCall(context.Context) (string, error) { return "", errBoom }
func okCall(context.Context) (string, error)      { return "ok", nil }

func TestBreaker_TripsAfterFailureThreshold(t *testing.T) {
	clk := clock.Fake()
	b := newBreaker(testConfig(), clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := execute(b, ctx, failingCall)
		require.ErrorIs(t, err, errBoom)
	}

	assert.Equal(t, StateOpen, b.Snapshot().State)

	_, err := execute(b, ctx, okCall)
	require.ErrorIs(t, err, coreerrors.ErrCircuitOpen)
}

func TestBreaker_TransitionsToHalfOpenAfterTimeout(t *testing.T) {
	clk := clock.Fake()
	b := newBreaker(testConfig(), clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = execute(b, ctx, failingCall)
	}
	require.Equal(t, StateOpen, b.Snapshot().State)

	clk.Advance(testConfig().Timeout + time.Millisecond)

	assert.Equal(t, StateHalfOpen, b.Snapshot().State)
}

func TestBreaker_HalfOpenAdmitsOnlyLimitConcurrently(t *testing.T) {
	config := testConfig()
	config.HalfOpenLimit = 1
	clk := clock.Fake()
	b := newBreaker(config, clk)
	ctx := context.Background()

	for i := 0; i < config.FailureThreshold; i++ {
		_, _ = execute(b, ctx, failingCall)
	}
	clk.Advance(config.Timeout + time.Millisecond)

	allowed1, halfOpen1, err1 := b.admit()
	require.True(t, allowed1)
	require.True(t, halfOpen1)
	require.NoError(t, err1)

	_, _, err2 := b.admit()
	require.ErrorIs(t, err2, coreerrors.ErrCircuitHalfOpenSaturated)

	b.recordSuccess(halfOpen1)
}

func TestBreaker_SuccessThresholdClosesFromHalfOpen(t *testing.T) {
	config := testConfig()
	config.SuccessThreshold = 2
	config.HalfOpenLimit = 2
	clk := clock.Fake()
	b := newBreaker(config, clk)
	ctx := context.Background()

	for i := 0; i < config.FailureThreshold; i++ {
		_, _ = execute(b, ctx, failingCall)
	}
	clk.Advance(config.Timeout + time.Millisecond)

	_, err := execute(b, ctx, okCall)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.Snapshot().State)

	_, err = execute(b, ctx, okCall)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.Snapshot().State)

	snap := b.Snapshot()
	assert.Equal(t, 0, snap.Failures)
	assert.Equal(t, 0, snap.Successes)
}

func TestBreaker_FailureInHalfOpenReopens(t *testing.T) {
	config := testConfig()
	clk := clock.Fake()
	b := newBreaker(config, clk)
	ctx := context.Background()

	for i := 0; i < config.FailureThreshold; i++ {
		_, _ = execute(b, ctx, failingCall)
	}
	clk.Advance(config.Timeout + time.Millisecond)

	_, err := execute(b, ctx, failingCall)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.Snapshot().State)
}

func TestBreaker_SuccessInClosedResetsFailureCounter(t *testing.T) {
	config := testConfig()
	clk := clock.Fake()
	b := newBreaker(config, clk)
	ctx := context.Background()

	_, _ = execute(b, ctx, failingCall)
	_, _ = execute(b, ctx, failingCall)
	_, err := execute(b, ctx, okCall)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Snapshot().Failures)

	_, _ = execute(b, ctx, failingCall)
	_, _ = execute(b, ctx, failingCall)
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestManager_PerTargetIsolation(t *testing.T) {
	clk := clock.Fake()
	mgr := NewManager(testConfig(), clk, nil, 0)
	ctx := context.Background()

	for i := 0; i < testConfig().FailureThreshold; i++ {
		_, _ = Execute(mgr, ctx, "agent-a", failingCall)
	}
	assert.Equal(t, StateOpen, mgr.State("agent-a").State)
	assert.Equal(t, StateClosed, mgr.State("agent-b").State)

	_, err := Execute(mgr, ctx, "agent-b", okCall)
	require.NoError(t, err)
}

func TestManager_ForceAndReset(t *testing.T) {
	clk := clock.Fake()
	mgr := NewManager(testConfig(), clk, nil, 0)
	ctx := context.Background()

	mgr.Force("agent-a", StateOpen)
	_, err := Execute(mgr, ctx, "agent-a", okCall)
	require.ErrorIs(t, err, coreerrors.ErrCircuitOpen)

	mgr.Reset("agent-a")
	_, err = Execute(mgr, ctx, "agent-a", okCall)
	require.NoError(t, err)
}
