// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package scheduler

import (
	"sort"
	"sync"

	"swarmcore/internal/agentregistry"
)

// StrategyName selects one of the four built-in placement strategies.
type StrategyName string

const (
	StrategyCapability  StrategyName = "capability"
	StrategyRoundRobin  StrategyName = "round-robin"
	StrategyLeastLoaded StrategyName = "least-loaded"
	StrategyAffinity    StrategyName = "affinity"
)

// affinityRecord is the rolling per-task-type history the affinity
// strategy and the work-stealing scorer both draw on.
type affinityRecord struct {
	lastAgent    string
	meanDuration float64 // exponentially-weighted moving average, seconds
	successRate  float64
	samples      int
}

// Strategy picks an agent id for a task from a set of candidates; it
// never mutates registry or task state. Strategies are a capability set,
// not a class hierarchy, represented here as an interface with four
// concrete implementations plus a work-stealing pre-filter applied ahead
// of whichever one is configured.
type Strategy interface {
	SelectAgent(task Task, candidates []agentregistry.Profile, ctx SchedulingContext) (agentID string, ok bool)
}

// SchedulingContext is the ephemeral per-placement snapshot the affinity
// strategy and the work-stealing scorer consult.
type SchedulingContext struct {
	Affinity map[string]affinityRecord // keyed by task type
	Snapshot map[string]WorkloadSnapshot
}

// WorkloadSnapshot is a recorded per-agent workload sample used by the
// work-stealing scorer; absent entries mean the strategy runs unscored.
type WorkloadSnapshot struct {
	Load               int
	CPUPercent         float64
	MemPercent         float64
	PredictedQueuedMs  float64
}

func capabilityCandidates(task Task, candidates []agentregistry.Profile) []agentregistry.Profile {
	out := make([]agentregistry.Profile, 0, len(candidates))
	for _, c := range candidates {
		if c.HasCapability(task.Type) {
			out = append(out, c)
		}
	}
	return out
}

// capabilityStrategy keeps agents whose capability set contains the
// task's type (or wildcard), sorted by load ascending then priority
// descending; the first is picked.
type capabilityStrategy struct{}

func (capabilityStrategy) SelectAgent(task Task, candidates []agentregistry.Profile, _ SchedulingContext) (string, bool) {
	eligible := capabilityCandidates(task, candidates)
	if len(eligible) == 0 {
		return "", false
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Load() != eligible[j].Load() {
			return eligible[i].Load() < eligible[j].Load()
		}
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].AgentID < eligible[j].AgentID
	})
	return eligible[0].AgentID, true
}

// roundRobinStrategy keeps a stateful index modulo candidate count.
// Candidates are sorted by AgentID first so the index is meaningful
// across calls with a varying candidate set.
type roundRobinStrategy struct {
	mu    sync.Mutex
	index int
}

func (s *roundRobinStrategy) SelectAgent(_ Task, candidates []agentregistry.Profile, _ SchedulingContext) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	sorted := append([]agentregistry.Profile(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })

	s.mu.Lock()
	idx := s.index % len(sorted)
	s.index++
	s.mu.Unlock()

	return sorted[idx].AgentID, true
}

// leastLoadedStrategy picks the candidate with the minimum current task
// count; ties are broken deterministically by ascending AgentID.
type leastLoadedStrategy struct{}

func (leastLoadedStrategy) SelectAgent(_ Task, candidates []agentregistry.Profile, _ SchedulingContext) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Load() < best.Load() || (c.Load() == best.Load() && c.AgentID < best.AgentID) {
			best = c
		}
	}
	return best.AgentID, true
}

// affinityStrategy reuses the task type's last-assigned agent while that
// agent is under 80% utilisation, falling back to the capability
// strategy otherwise.
type affinityStrategy struct {
	fallback Strategy
}

func newAffinityStrategy() *affinityStrategy {
	return &affinityStrategy{fallback: capabilityStrategy{}}
}

const affinityUtilisationCeiling = 0.8

func (s *affinityStrategy) SelectAgent(task Task, candidates []agentregistry.Profile, ctx SchedulingContext) (string, bool) {
	record, ok := ctx.Affinity[task.Type]
	if ok && record.lastAgent != "" {
		for _, c := range candidates {
			if c.AgentID == record.lastAgent && c.LoadFraction() < affinityUtilisationCeiling {
				return c.AgentID, true
			}
		}
	}
	return s.fallback.SelectAgent(task, candidates, ctx)
}

// strategyFor resolves a StrategyName to its implementation, constructing
// per-scheduler stateful strategies (round-robin) on demand.
func strategyFor(name StrategyName, roundRobin *roundRobinStrategy, affinity *affinityStrategy) Strategy {
	switch name {
	case StrategyRoundRobin:
		return roundRobin
	case StrategyLeastLoaded:
		return leastLoadedStrategy{}
	case StrategyAffinity:
		return affinity
	default:
		return capabilityStrategy{}
	}
}

// score computes the work-stealing scorer's value for one candidate, per
// the formula: 100 − 10·load − 0.5·cpu − 0.3·mem + 5·priority +
// (+20 if capability matches) − predictedQueuedTime/1000.
func score(task Task, candidate agentregistry.Profile, snap WorkloadSnapshot) float64 {
	v := 100.0
	v -= 10 * float64(snap.Load)
	v -= 0.5 * snap.CPUPercent
	v -= 0.3 * snap.MemPercent
	v += 5 * float64(candidate.Priority)
	if candidate.HasCapability(task.Type) {
		v += 20
	}
	v -= snap.PredictedQueuedMs / 1000
	return v
}

// selectByWorkStealingScore picks the highest-scoring candidate among
// those with a recorded workload snapshot. ok is false when no candidate
// has one, signalling the caller to fall back to the configured strategy.
func selectByWorkStealingScore(task Task, candidates []agentregistry.Profile, ctx SchedulingContext) (agentID string, ok bool) {
	best := -1.0
	found := false
	for _, c := range candidates {
		snap, has := ctx.Snapshot[c.AgentID]
		if !has {
			continue
		}
		s := score(task, c, snap)
		if !found || s > best {
			best = s
			agentID = c.AgentID
			found = true
		}
	}
	return agentID, found
}
