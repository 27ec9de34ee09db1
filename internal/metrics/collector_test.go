// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmcore/internal/clock"
	"swarmcore/internal/eventbus"
)

func TestOnEvent_IncrementsPerKindCounter(t *testing.T) {
	clk := clock.Fake()
	bus := eventbus.New(clk, nil)
	collector := New(clk, nil, nil).Subscribe(bus)

	bus.Emit(eventbus.Event{Kind: eventbus.KindTaskCreated, Fields: map[string]any{"task_id": "t1"}})
	bus.Emit(eventbus.Event{Kind: eventbus.KindTaskCreated, Fields: map[string]any{"task_id": "t2"}})

	require.Eventually(t, func() bool {
		return collector.Snapshot().Counters["events.task-created"] == 2
	}, time.Second, time.Millisecond)
}

func TestTaskStartedThenCompleted_RecordsDurationHistogram(t *testing.T) {
	clk := clock.Fake()
	bus := eventbus.New(clk, nil)
	collector := New(clk, nil, nil).Subscribe(bus)

	bus.Emit(eventbus.Event{Kind: eventbus.KindTaskStarted, Fields: map[string]any{"task_id": "t1"}})
	require.Eventually(t, func() bool {
		return collector.Snapshot().Counters["events.task-started"] == 1
	}, time.Second, time.Millisecond)

	clk.Advance(3 * time.Second)
	bus.Emit(eventbus.Event{Kind: eventbus.KindTaskCompleted, Fields: map[string]any{"task_id": "t1"}})

	require.Eventually(t, func() bool {
		return len(collector.QueryHistogram(metricTaskDurationSeconds, 0)) == 1
	}, time.Second, time.Millisecond)

	samples := collector.QueryHistogram(metricTaskDurationSeconds, 0)
	assert.InDelta(t, 3.0, samples[0].Value, 0.01)
}

func TestRingBuffer_WrapsAtCapacity(t *testing.T) {
	buf := newRingBuffer(3)
	base := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		buf.add(Sample{Value: float64(i), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	all := buf.all()
	require.Len(t, all, 3)
	assert.Equal(t, []float64{2, 3, 4}, []float64{all[0].Value, all[1].Value, all[2].Value})
}

func TestQueryHistogram_FiltersByWindow(t *testing.T) {
	clk := clock.Fake()
	collector := New(clk, nil, nil)

	collector.RecordHistogram("x", 1)
	clk.Advance(time.Hour)
	collector.RecordHistogram("x", 2)

	recent := collector.QueryHistogram("x", time.Minute)
	require.Len(t, recent, 1)
	assert.Equal(t, 2.0, recent[0].Value)
}

func TestSetGauge_ReflectsInSnapshot(t *testing.T) {
	clk := clock.Fake()
	collector := New(clk, nil, nil)
	collector.SetGauge("queue.depth", 7)
	assert.Equal(t, 7.0, collector.Snapshot().Gauges["queue.depth"])
}
