// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Command swarmcore-demo wires up a coordination core instance with a
// handful of mock agents and submits a small task graph, to demonstrate
// the nine components running end to end. It is not a CLI front-end for
// the coordination core; there is no wire protocol of its own to expose.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swarmcore/internal/config"
	"swarmcore/internal/scheduler"
	"swarmcore/pkg/swarmcore"
)

func main() {
	agentCount := flag.Int("agents", 4, "Number of mock agents to register")
	taskCount := flag.Int("tasks", 12, "Number of tasks to submit")
	runFor := flag.Duration("duration", 10*time.Second, "How long to let the demo run before shutting down")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *runFor)
	defer cancel()

	cfg := config.Default()
	cfg.Project.Name = "swarmcore-demo"

	core, err := swarmcore.New(cfg, swarmcore.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmcore: failed to build core: %v\n", err)
		os.Exit(1)
	}
	if err := core.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "swarmcore: failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer core.Shutdown()

	registerMockAgents(core, *agentCount)
	submitMockTasks(core, *taskCount)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-sigChan:
		fmt.Println("received shutdown signal")
	}

	printSummary(core, *taskCount)
}

// registerMockAgents registers agentCount agents with capabilities drawn
// from a small rotating set, and a mock executor that sleeps a random
// jittered duration before succeeding (occasionally failing, to exercise
// the scheduler's retry path).
func registerMockAgents(core *swarmcore.Core, agentCount int) {
	capabilitySets := [][]string{
		{"build"}, {"test"}, {"build", "test"}, {"*"},
	}

	for i := 0; i < agentCount; i++ {
		agentID := fmt.Sprintf("agent-%d", i)
		caps := capabilitySets[i%len(capabilitySets)]
		core.RegisterAgent(agentID, agentID, caps, i%3+1, 4)
		core.RegisterExecutor(agentID, mockExecutor(agentID))
	}
}

func mockExecutor(agentID string) scheduler.Executor {
	return func(ctx context.Context, task scheduler.Task) (any, error) {
		select {
		case <-time.After(time.Duration(50+rand.Intn(200)) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if rand.Intn(10) == 0 {
			return nil, fmt.Errorf("agent %s: simulated failure on task %s", agentID, task.ID)
		}
		return fmt.Sprintf("%s completed by %s", task.ID, agentID), nil
	}
}

// submitMockTasks submits a small chain: half the tasks depend on one of
// the earlier "setup" tasks, exercising the dependency graph alongside
// placement.
func submitMockTasks(core *swarmcore.Core, taskCount int) {
	taskTypes := []string{"build", "test", "deploy"}

	for i := 0; i < taskCount; i++ {
		taskID := fmt.Sprintf("task-%d", i)
		task := scheduler.Task{ID: taskID, Type: taskTypes[i%len(taskTypes)]}
		if i >= taskCount/2 {
			task.Dependencies = []string{fmt.Sprintf("task-%d", i-taskCount/2)}
		}
		if _, err := core.SubmitTask(task); err != nil {
			fmt.Fprintf(os.Stderr, "submit %s: %v\n", taskID, err)
		}
	}
}

func printSummary(core *swarmcore.Core, taskCount int) {
	counts := map[scheduler.Status]int{}
	for i := 0; i < taskCount; i++ {
		task, ok := core.GetTask(fmt.Sprintf("task-%d", i))
		if !ok {
			continue
		}
		counts[task.Status]++
	}

	fmt.Println("\n--- task outcomes ---")
	for _, status := range []scheduler.Status{
		scheduler.StatusCompleted, scheduler.StatusFailed, scheduler.StatusCancelled,
		scheduler.StatusRunning, scheduler.StatusAssigned, scheduler.StatusQueued, scheduler.StatusPending,
	} {
		if n := counts[status]; n > 0 {
			fmt.Printf("%-12s %d\n", status, n)
		}
	}

	sys := core.SystemHealth()
	fmt.Printf("\nthroughput: %.1f tasks/min, goroutines: %d\n", sys.ThroughputPerMin, sys.Goroutines)

	snapshot := core.MetricsSnapshot()
	fmt.Printf("events observed: %d kinds\n", len(snapshot.Counters))
}
