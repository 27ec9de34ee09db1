// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmcore/internal/agentregistry"
	"swarmcore/internal/breaker"
	"swarmcore/internal/clock"
	"swarmcore/internal/coreerrors"
	"swarmcore/internal/depgraph"
)

func newTestScheduler(t *testing.T, strategyName StrategyName) (*Scheduler, *agentregistry.Registry, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake()
	registry := agentregistry.New(nil, nil)
	graph := depgraph.New()
	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: 100,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		HalfOpenLimit:    1,
	}, clk, nil, 0)

	sched := New(registry, graph, breakers, nil, clk, nil, Config{
		MaxRetries:       2,
		RetryDelay:       10 * time.Millisecond,
		ExecutionTimeout: time.Second,
		Strategy:         strategyName,
	})
	return sched, registry, clk
}

func succeedingExecutor(output any) Executor {
	return func(context.Context, Task) (any, error) { return output, nil }
}

func TestSubmit_CapabilityPicksMatchingAgent(t *testing.T) {
	sched, registry, clk := newTestScheduler(t, StrategyCapability)
	registry.Register("A", "A", []string{"build"}, 1, 4, clk.Now())
	registry.Register("B", "B", []string{"build", "test"}, 2, 4, clk.Now())
	sched.RegisterExecutor("A", succeedingExecutor("a"))
	sched.RegisterExecutor("B", succeedingExecutor("b"))

	_, err := sched.Submit(Task{ID: "t1", Type: "test"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, _ := sched.GetTask("t1")
		return task.Status == StatusCompleted
	}, time.Second, time.Millisecond)

	task, _ := sched.GetTask("t1")
	assert.Equal(t, "B", task.AssignedAgent)
}

func TestSubmit_LeastLoadedTieBreaksByPriorityViaCapability(t *testing.T) {
	sched, registry, clk := newTestScheduler(t, StrategyCapability)
	registry.Register("A", "A", []string{"*"}, 1, 4, clk.Now())
	registry.Register("B", "B", []string{"*"}, 3, 4, clk.Now())
	sched.RegisterExecutor("A", succeedingExecutor("a"))
	sched.RegisterExecutor("B", succeedingExecutor("b"))

	_, err := sched.Submit(Task{ID: "t1", Type: "anything"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, _ := sched.GetTask("t1")
		return task.Status == StatusCompleted
	}, time.Second, time.Millisecond)

	task, _ := sched.GetTask("t1")
	assert.Equal(t, "B", task.AssignedAgent)
}

func TestSubmit_WaitsForDependency(t *testing.T) {
	sched, registry, clk := newTestScheduler(t, StrategyCapability)
	registry.Register("A", "A", []string{"*"}, 1, 4, clk.Now())
	sched.RegisterExecutor("A", succeedingExecutor("done"))

	_, err := sched.Submit(Task{ID: "dep", Type: "x"})
	require.NoError(t, err)

	_, err = sched.Submit(Task{ID: "t2", Type: "x", Dependencies: []string{"dep"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		dep, _ := sched.GetTask("dep")
		t2, _ := sched.GetTask("t2")
		return dep.Status == StatusCompleted && t2.Status == StatusCompleted
	}, time.Second, time.Millisecond)
}

func TestStartTask_RejectsOutOfOrderStartWithDependencyUnmet(t *testing.T) {
	sched, registry, clk := newTestScheduler(t, StrategyCapability)
	registry.Register("A", "A", []string{"*"}, 1, 4, clk.Now())
	block := make(chan struct{})
	sched.RegisterExecutor("A", func(ctx context.Context, _ Task) (any, error) {
		<-block
		return nil, ctx.Err()
	})

	_, err := sched.Submit(Task{ID: "dep", Type: "x"})
	require.NoError(t, err)
	_, err = sched.Submit(Task{ID: "t2", Type: "x", Dependencies: []string{"dep"}})
	require.NoError(t, err)

	err = sched.StartTask("t2")
	assert.ErrorIs(t, err, coreerrors.ErrDependencyUnmet)

	close(block)
	require.Eventually(t, func() bool {
		dep, _ := sched.GetTask("dep")
		return dep.Status == StatusCompleted
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		t2, _ := sched.GetTask("t2")
		return t2.Status == StatusCompleted
	}, time.Second, time.Millisecond)
}

func TestFail_RetriesThenTerminates(t *testing.T) {
	sched, registry, clk := newTestScheduler(t, StrategyCapability)
	registry.Register("A", "A", []string{"*"}, 1, 4, clk.Now())

	attempts := 0
	sched.RegisterExecutor("A", func(context.Context, Task) (any, error) {
		attempts++
		return nil, errors.New("boom")
	})

	_, err := sched.Submit(Task{ID: "t1", Type: "x"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, _ := sched.GetTask("t1")
		return task.Status == StatusAssigned || task.Status == StatusRunning || task.Status == StatusQueued
	}, time.Second, time.Millisecond)

	// Drive the fake clock forward enough to exhaust the single retry's
	// exponential backoff window.
	for i := 0; i < 6; i++ {
		clk.Advance(50 * time.Millisecond)
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		task, _ := sched.GetTask("t1")
		return task.Status == StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	task, _ := sched.GetTask("t1")
	assert.Equal(t, 2, task.Attempts) // MaxRetries caps total attempts: initial + 1 retry
}

func TestCancel_CascadesToDescendants(t *testing.T) {
	sched, registry, clk := newTestScheduler(t, StrategyCapability)
	registry.Register("A", "A", []string{"*"}, 1, 4, clk.Now())
	blockExec := make(chan struct{})
	sched.RegisterExecutor("A", func(ctx context.Context, _ Task) (any, error) {
		<-blockExec
		return nil, ctx.Err()
	})

	_, err := sched.Submit(Task{ID: "parent", Type: "x"})
	require.NoError(t, err)
	_, err = sched.Submit(Task{ID: "child", Type: "x", Dependencies: []string{"parent"}})
	require.NoError(t, err)

	sched.Cancel("parent")
	close(blockExec)

	require.Eventually(t, func() bool {
		parent, _ := sched.GetTask("parent")
		child, _ := sched.GetTask("child")
		return parent.Status == StatusCancelled && child.Status == StatusCancelled
	}, time.Second, time.Millisecond)
}

func TestRescheduleAgentTasks_RequeuesRunningWork(t *testing.T) {
	sched, registry, clk := newTestScheduler(t, StrategyCapability)
	registry.Register("A", "A", []string{"*"}, 1, 4, clk.Now())
	registry.Register("B", "B", []string{"*"}, 1, 4, clk.Now())

	block := make(chan struct{})
	sched.RegisterExecutor("A", func(ctx context.Context, _ Task) (any, error) {
		<-block
		return nil, ctx.Err()
	})
	sched.RegisterExecutor("B", succeedingExecutor("done"))

	_, err := sched.Submit(Task{ID: "t1", Type: "x"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, _ := sched.GetTask("t1")
		return task.Status == StatusRunning && task.AssignedAgent == "A"
	}, time.Second, time.Millisecond)

	registry.Unregister("A")
	sched.RescheduleAgentTasks("A")
	close(block)

	require.Eventually(t, func() bool {
		task, _ := sched.GetTask("t1")
		return task.Status == StatusCompleted && task.AssignedAgent == "B"
	}, time.Second, time.Millisecond)
}

func TestRoundRobinStrategy_AlternatesAgents(t *testing.T) {
	sched, registry, clk := newTestScheduler(t, StrategyRoundRobin)
	registry.Register("A", "A", []string{"*"}, 1, 4, clk.Now())
	registry.Register("B", "B", []string{"*"}, 1, 4, clk.Now())

	var assigned []string
	sched.RegisterExecutor("A", func(context.Context, Task) (any, error) { return "a", nil })
	sched.RegisterExecutor("B", func(context.Context, Task) (any, error) { return "b", nil })

	for i := 0; i < 2; i++ {
		id := "t" + string(rune('0'+i))
		_, err := sched.Submit(Task{ID: id, Type: "x"})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			task, _ := sched.GetTask(id)
			return task.Status == StatusCompleted
		}, time.Second, time.Millisecond)
		task, _ := sched.GetTask(id)
		assigned = append(assigned, task.AssignedAgent)
	}

	assert.ElementsMatch(t, []string{"A", "B"}, assigned)
}
