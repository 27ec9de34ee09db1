// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package scheduler

import (
	"math"

	"swarmcore/internal/eventbus"
)

// RunWorkStealingPass samples current per-agent load and, when the spread
// between the busiest and idlest agent reaches stealThreshold, reassigns
// a batch of the busiest agent's queued/assigned tasks to the idlest one.
// Invoked periodically by the coordination manager's maintenance loop.
func (s *Scheduler) RunWorkStealingPass(stealThreshold, maxStealBatch int) {
	if stealThreshold <= 0 {
		return
	}

	profiles := s.registry.List()
	if len(profiles) < 2 {
		return
	}

	source, target := profiles[0], profiles[0]
	for _, p := range profiles[1:] {
		if p.Load() > source.Load() {
			source = p
		}
		if p.Load() < target.Load() {
			target = p
		}
	}

	spread := source.Load() - target.Load()
	if spread < stealThreshold || source.AgentID == target.AgentID {
		return
	}

	count := int(math.Floor(float64(spread) / 2))
	if count > maxStealBatch {
		count = maxStealBatch
	}
	if count <= 0 {
		return
	}

	if s.bus != nil {
		s.bus.Emit(eventbus.Event{
			Kind:   eventbus.KindWorkStealingRequest,
			Source: "scheduler",
			Fields: map[string]any{"source": source.AgentID, "target": target.AgentID, "count": count},
		})
	}

	s.stealTasks(source.AgentID, target.AgentID, count)
}

// stealTasks reassigns up to count queued/assigned tasks from source to
// target, bypassing the configured placement strategy since the
// rebalancing decision has already been made.
func (s *Scheduler) stealTasks(source, target string, count int) {
	moved := 0
	for _, taskID := range s.tasksForAgent(source) {
		if moved >= count {
			break
		}

		s.mu.Lock()
		e, ok := s.tasks[taskID]
		if !ok || (e.task.Status != StatusQueued && e.task.Status != StatusAssigned) {
			s.mu.Unlock()
			continue
		}
		e.task.Status = StatusQueued
		e.task.AssignedAgent = ""
		s.untrackByAgent(source, taskID)
		s.mu.Unlock()

		s.registry.DecrementLoad(source)
		s.dispatch(taskID, target)
		moved++
	}
}
