// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmcore/internal/agentregistry"
	"swarmcore/internal/breaker"
	"swarmcore/internal/clock"
	"swarmcore/internal/depgraph"
	"swarmcore/internal/eventbus"
	"swarmcore/internal/resources"
	"swarmcore/internal/router"
	"swarmcore/internal/scheduler"
)

func newTestComponents(t *testing.T) (Components, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake()
	bus := eventbus.New(clk, nil)
	graph := depgraph.New()
	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: 100, SuccessThreshold: 1, Timeout: time.Second, HalfOpenLimit: 1,
	}, clk, nil, 0)
	resourceManager := resources.New(time.Second, clk, bus, nil)
	msgRouter := router.New(time.Second, clk, bus, nil, nil)
	registry := agentregistry.New(bus, nil)
	sched := scheduler.New(registry, graph, breakers, bus, clk, nil, scheduler.Config{
		MaxRetries: 1, RetryDelay: 10 * time.Millisecond, ExecutionTimeout: time.Second,
		Strategy: scheduler.StrategyCapability,
	})

	return Components{
		Bus: bus, Graph: graph, Breakers: breakers, Resources: resourceManager,
		Router: msgRouter, Registry: registry, Scheduler: sched,
	}, clk
}

func TestBuildWaitForGraph_SkipsSelfWaitOnOwnLock(t *testing.T) {
	edges, _ := buildWaitForGraph(
		map[string]string{"r1": "A"},
		map[string][]string{"A": {"r1"}},
	)
	assert.Empty(t, edges)
}

func TestFindCycle_DetectsTwoAgentCircularWait(t *testing.T) {
	edges, edgeResource := buildWaitForGraph(
		map[string]string{"r1": "A", "r2": "B"},
		map[string][]string{"B": {"r1"}, "A": {"r2"}},
	)
	cycle := findCycle(edges)
	require.NotNil(t, cycle)
	assert.ElementsMatch(t, []string{"A", "B"}, cycle)
	assert.ElementsMatch(t, []string{"r1", "r2"}, cycleResources(cycle, edgeResource))
}

func TestFindCycle_ReturnsNilWhenAcyclic(t *testing.T) {
	edges, _ := buildWaitForGraph(
		map[string]string{"r1": "A"},
		map[string][]string{"B": {"r1"}, "C": {"r1"}},
	)
	assert.Nil(t, findCycle(edges))
}

func TestDetectDeadlock_ResourceManagerCycleIsResolved(t *testing.T) {
	components, clk := newTestComponents(t)
	mgr := New(components, clk, nil, Config{})

	ctx := context.Background()
	require.NoError(t, components.Resources.Acquire(ctx, "r1", "A", 1))
	require.NoError(t, components.Resources.Acquire(ctx, "r2", "B", 1))

	// A waits on r2 (held by B), B waits on r1 (held by A): a cycle.
	go components.Resources.Acquire(ctx, "r2", "A", 1)
	go components.Resources.Acquire(ctx, "r1", "B", 1)

	require.Eventually(t, func() bool {
		waiting := components.Resources.GetWaitingRequests()
		return len(waiting["A"]) > 0 && len(waiting["B"]) > 0
	}, time.Second, time.Millisecond)

	report := mgr.detectDeadlock()
	require.NotNil(t, report)
	assert.ElementsMatch(t, []string{"A", "B"}, report.Cycle)
	assert.ElementsMatch(t, []string{"r1", "r2"}, report.Resources)
	assert.Contains(t, []string{"A", "B"}, report.Victim)
}

func TestHandleAgentTerminated_ReleasesResourcesAndReschedulesTasks(t *testing.T) {
	components, clk := newTestComponents(t)
	mgr := New(components, clk, nil, Config{})

	components.Registry.Register("A", "A", []string{"*"}, 1, 4, clk.Now())
	components.Registry.Register("B", "B", []string{"*"}, 1, 4, clk.Now())

	block := make(chan struct{})
	components.Scheduler.RegisterExecutor("A", func(ctx context.Context, _ scheduler.Task) (any, error) {
		<-block
		return nil, ctx.Err()
	})
	components.Scheduler.RegisterExecutor("B", func(context.Context, scheduler.Task) (any, error) {
		return "done", nil
	})

	require.NoError(t, components.Resources.Acquire(context.Background(), "r1", "A", 1))

	_, err := components.Scheduler.Submit(scheduler.Task{ID: "t1", Type: "x"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, _ := components.Scheduler.GetTask("t1")
		return task.Status == scheduler.StatusRunning
	}, time.Second, time.Millisecond)

	components.Registry.Unregister("A")
	mgr.handleAgentTerminated(eventbus.Event{Fields: map[string]any{"agent_id": "A"}})
	close(block)

	assert.Empty(t, components.Resources.GetAllocations())

	require.Eventually(t, func() bool {
		task, _ := components.Scheduler.GetTask("t1")
		return task.Status == scheduler.StatusCompleted && task.AssignedAgent == "B"
	}, time.Second, time.Millisecond)
}

func TestRunMaintenanceOnce_DoesNotPanicWithNoDeadlock(t *testing.T) {
	components, clk := newTestComponents(t)
	mgr := New(components, clk, nil, Config{StealThreshold: 3, MaxStealBatch: 2})
	assert.NotPanics(t, mgr.RunMaintenanceOnce)
	assert.Nil(t, mgr.LastDeadlock())
}

func TestInitialize_IsIdempotentAndShutdownStopsCleanly(t *testing.T) {
	components, clk := newTestComponents(t)
	mgr := New(components, clk, nil, Config{
		DeadlockScanInterval: time.Hour, ResourceSweepInterval: time.Hour,
		RouterSweepInterval: time.Hour, WorkStealingInterval: time.Hour,
	})

	require.NoError(t, mgr.Initialize())
	require.NoError(t, mgr.Initialize())
	require.NoError(t, mgr.Shutdown())
	require.NoError(t, mgr.Shutdown())
}

func TestInitialize_AgentTerminatedEventTriggersFanOut(t *testing.T) {
	components, clk := newTestComponents(t)
	mgr := New(components, clk, nil, Config{
		DeadlockScanInterval: time.Hour, ResourceSweepInterval: time.Hour,
		RouterSweepInterval: time.Hour, WorkStealingInterval: time.Hour,
	})
	require.NoError(t, mgr.Initialize())
	defer mgr.Shutdown()

	components.Registry.Register("A", "A", []string{"*"}, 1, 4, clk.Now())
	require.NoError(t, components.Resources.Acquire(context.Background(), "r1", "A", 1))

	components.Registry.Unregister("A")

	require.Eventually(t, func() bool {
		_, held := components.Resources.GetAllocations()["r1"]
		return !held
	}, time.Second, time.Millisecond)
}
