// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package swarmmonitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmcore/internal/clock"
	"swarmcore/internal/eventbus"
)

func testConfig() Config {
	return Config{
		StallTimeout:        time.Minute,
		FailureRateCritical: 0.5,
		FailureRateWarning:  0.7,
		MinSamplesForRate:   3,
	}
}

func TestTaskLifecycle_UpdatesAgentStatusAndDuration(t *testing.T) {
	clk := clock.Fake()
	bus := eventbus.New(clk, nil)
	mon := New(clk, nil, testConfig()).Subscribe(bus)

	bus.Emit(eventbus.Event{Kind: eventbus.KindAgentSpawned, Fields: map[string]any{"agent_id": "A"}})
	bus.Emit(eventbus.Event{Kind: eventbus.KindTaskStarted, Fields: map[string]any{"agent_id": "A", "task_id": "t1"}})

	require.Eventually(t, func() bool {
		h, ok := mon.AgentHealth("A")
		return ok && h.Status == StatusRunning
	}, time.Second, time.Millisecond)

	clk.Advance(2 * time.Second)
	bus.Emit(eventbus.Event{Kind: eventbus.KindTaskCompleted, Fields: map[string]any{"agent_id": "A", "task_id": "t1"}})

	require.Eventually(t, func() bool {
		h, _ := mon.AgentHealth("A")
		return h.Status == StatusCompleted && h.SuccessCount == 1
	}, time.Second, time.Millisecond)

	h, _ := mon.AgentHealth("A")
	assert.InDelta(t, 2.0, h.MeanDurationSec, 0.2)
	assert.Equal(t, 1.0, h.SuccessRate())
}

func TestAgentTerminated_RemovesFromMonitor(t *testing.T) {
	clk := clock.Fake()
	bus := eventbus.New(clk, nil)
	mon := New(clk, nil, testConfig()).Subscribe(bus)

	bus.Emit(eventbus.Event{Kind: eventbus.KindAgentSpawned, Fields: map[string]any{"agent_id": "A"}})
	require.Eventually(t, func() bool { _, ok := mon.AgentHealth("A"); return ok }, time.Second, time.Millisecond)

	bus.Emit(eventbus.Event{Kind: eventbus.KindAgentTerminated, Fields: map[string]any{"agent_id": "A"}})
	require.Eventually(t, func() bool { _, ok := mon.AgentHealth("A"); return !ok }, time.Second, time.Millisecond)
}

func TestSweep_MarksStalledAgentsAndRaisesAlert(t *testing.T) {
	clk := clock.Fake()
	bus := eventbus.New(clk, nil)
	mon := New(clk, nil, testConfig()).Subscribe(bus)

	bus.Emit(eventbus.Event{Kind: eventbus.KindTaskStarted, Fields: map[string]any{"agent_id": "A", "task_id": "t1"}})
	require.Eventually(t, func() bool {
		h, ok := mon.AgentHealth("A")
		return ok && h.Status == StatusRunning
	}, time.Second, time.Millisecond)

	clk.Advance(2 * time.Minute)
	alerts := mon.Sweep()

	require.Len(t, alerts, 1)
	assert.Equal(t, AlertAgentStalled, alerts[0].Kind)
	h, _ := mon.AgentHealth("A")
	assert.Equal(t, StatusStalled, h.Status)
}

func TestRecordOutcome_RaisesCriticalAlertOnLowSuccessRate(t *testing.T) {
	clk := clock.Fake()
	bus := eventbus.New(clk, nil)
	mon := New(clk, nil, testConfig()).Subscribe(bus)

	for i := 0; i < 4; i++ {
		taskID := "t" + string(rune('0'+i))
		bus.Emit(eventbus.Event{Kind: eventbus.KindTaskStarted, Fields: map[string]any{"agent_id": "A", "task_id": taskID}})
		bus.Emit(eventbus.Event{Kind: eventbus.KindTaskFailed, Fields: map[string]any{"agent_id": "A", "task_id": taskID}})
	}

	require.Eventually(t, func() bool {
		for _, a := range mon.Alerts() {
			if a.Kind == AlertHighFailureRate && a.Severity == SeverityCritical {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestSystemHealth_ReportsThroughputFromRecentCompletions(t *testing.T) {
	clk := clock.Fake()
	bus := eventbus.New(clk, nil)
	mon := New(clk, nil, testConfig()).Subscribe(bus)

	bus.Emit(eventbus.Event{Kind: eventbus.KindTaskStarted, Fields: map[string]any{"agent_id": "A", "task_id": "t1"}})
	bus.Emit(eventbus.Event{Kind: eventbus.KindTaskCompleted, Fields: map[string]any{"agent_id": "A", "task_id": "t1"}})

	require.Eventually(t, func() bool {
		return mon.SystemHealth().ThroughputPerMin == 1
	}, time.Second, time.Millisecond)
}
