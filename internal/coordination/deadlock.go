// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package coordination

import "sort"

// buildWaitForGraph turns the resource manager's allocation/waiter snapshot
// into a wait-for graph: an edge agentA -> agentB means agentA is blocked
// waiting on a resource agentB currently holds. Self-edges (an agent
// "waiting" on a resource it already holds, which Acquire treats as an
// idempotent no-op rather than a real wait) are skipped. waiting is keyed
// by waiting agent id (see resources.Manager.GetWaitingRequests), so each
// entry is expanded over its own resource list rather than treated as a
// resource-keyed map. The second return value carries, per edge, the
// resourceID that produced it, so callers can report which resources a
// detected cycle involves.
func buildWaitForGraph(allocations map[string]string, waiting map[string][]string) (map[string][]string, map[string]map[string]string) {
	edges := make(map[string][]string)
	edgeResource := make(map[string]map[string]string)
	for waiterAgent, resourceIDs := range waiting {
		for _, resourceID := range resourceIDs {
			holder, locked := allocations[resourceID]
			if !locked || holder == waiterAgent {
				continue
			}
			edges[waiterAgent] = append(edges[waiterAgent], holder)
			if edgeResource[waiterAgent] == nil {
				edgeResource[waiterAgent] = make(map[string]string)
			}
			edgeResource[waiterAgent][holder] = resourceID
		}
	}
	return edges, edgeResource
}

// cycleResources collects the distinct resource ids responsible for each
// edge along cycle, in sorted order.
func cycleResources(cycle []string, edgeResource map[string]map[string]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for i, waiterAgent := range cycle {
		holder := cycle[(i+1)%len(cycle)]
		resourceID, ok := edgeResource[waiterAgent][holder]
		if !ok {
			continue
		}
		if _, dup := seen[resourceID]; dup {
			continue
		}
		seen[resourceID] = struct{}{}
		out = append(out, resourceID)
	}
	sort.Strings(out)
	return out
}

// findCycle runs a depth-first search with an explicit recursion stack over
// the wait-for graph and returns the first cycle it finds, as an ordered
// slice starting at the agent the closing wait points to (the first cycle
// member the search reached). Returns nil if
// the graph is acyclic. Node visit order is sorted for determinism across
// runs with the same graph shape.
func findCycle(edges map[string][]string) []string {
	nodes := make([]string, 0, len(edges))
	for n := range edges {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(nodes))
	stack := make([]string, 0, len(nodes))

	var visit func(node string) []string
	visit = func(node string) []string {
		state[node] = inStack
		stack = append(stack, node)

		neighbors := edges[node]
		sort.Strings(neighbors)
		for _, next := range neighbors {
			switch state[next] {
			case inStack:
				// Closed the loop: extract the cycle starting at next's
				// first occurrence in the current stack.
				for i, n := range stack {
					if n == next {
						cycle := make([]string, len(stack)-i)
						copy(cycle, stack[i:])
						return cycle
					}
				}
			case unvisited:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[node] = done
		return nil
	}

	for _, node := range nodes {
		if state[node] == unvisited {
			if cycle := visit(node); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// detectDeadlock builds the wait-for graph from the current resource
// manager snapshot and reports the first cycle found, if any. The victim
// is the first agent in the cycle, a deterministic, dependency-free tie
// break that matches the scheduler's ascending-AgentID convention closely
// enough without requiring a second lookup into the registry.
func (m *Manager) detectDeadlock() *DeadlockReport {
	allocations := m.resources.GetAllocations()
	waiting := m.resources.GetWaitingRequests()

	edges, edgeResource := buildWaitForGraph(allocations, waiting)
	cycle := findCycle(edges)
	if cycle == nil {
		return nil
	}
	return &DeadlockReport{
		Cycle:     cycle,
		Victim:    cycle[0],
		Resources: cycleResources(cycle, edgeResource),
	}
}
