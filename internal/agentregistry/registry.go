// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package agentregistry tracks live agent profiles: identity, capability
// tags, priority, and concurrency cap. Adapted from the corpus's
// pkg/agent.Manager (sync.RWMutex-guarded name->Agent map) generalized to
// carry scheduling-relevant fields instead of display metadata.
package agentregistry

import (
	"sync"
	"time"

	"swarmcore/internal/coreerrors"
	"swarmcore/internal/eventbus"
	"swarmcore/internal/logging"
)

// CapabilityWildcard matches any task type.
const CapabilityWildcard = "*"

// Profile describes one registered agent. Created at registration,
// mutated only by the registry, destroyed on Unregister.
type Profile struct {
	AgentID            string
	Name               string
	Capabilities       []string
	Priority           int
	MaxConcurrentTasks int
	RegisteredAt       time.Time

	// load is mutated by IncrementLoad/DecrementLoad as the scheduler
	// assigns and completes tasks against this agent.
	load int
}

// HasCapability reports whether the profile can run a task of the given
// type: an exact tag match, or the wildcard capability.
func (p Profile) HasCapability(taskType string) bool {
	for _, c := range p.Capabilities {
		if c == taskType || c == CapabilityWildcard {
			return true
		}
	}
	return false
}

// Load returns the agent's current assigned-task count.
func (p Profile) Load() int { return p.load }

// LoadFraction returns load / maxConcurrentTasks, used by the affinity
// placement strategy's 80%-utilisation check.
func (p Profile) LoadFraction() float64 {
	if p.MaxConcurrentTasks <= 0 {
		return 1
	}
	return float64(p.load) / float64(p.MaxConcurrentTasks)
}

// Registry is the sole owner of agent profiles.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	bus      *eventbus.Bus
	log      logging.Logger
}

// New creates an empty agent registry.
func New(bus *eventbus.Bus, logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Noop{}
	}
	return &Registry{
		profiles: make(map[string]*Profile),
		bus:      bus,
		log:      logger,
	}
}

// Register creates or replaces the profile for agentID.
func (r *Registry) Register(agentID, name string, capabilities []string, priority, maxConcurrentTasks int, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, isUpdate := r.profiles[agentID]
	load := 0
	if isUpdate {
		load = existing.load
		r.log.Info("agent re-registered", "agent_id", agentID, "name", name)
	} else {
		r.log.Info("agent registered", "agent_id", agentID, "name", name)
	}

	r.profiles[agentID] = &Profile{
		AgentID:            agentID,
		Name:               name,
		Capabilities:       capabilities,
		Priority:           priority,
		MaxConcurrentTasks: maxConcurrentTasks,
		RegisteredAt:       now,
		load:               load,
	}

	if r.bus != nil {
		r.bus.Emit(eventbus.Event{
			Kind:   eventbus.KindAgentSpawned,
			Source: "agentregistry",
			Fields: map[string]any{"agent_id": agentID, "name": name},
		})
	}
}

// Unregister removes agentID's profile, emitting agent-terminated.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	_, ok := r.profiles[agentID]
	delete(r.profiles, agentID)
	r.mu.Unlock()

	if !ok {
		return
	}
	if r.bus != nil {
		r.bus.Emit(eventbus.Event{
			Kind:   eventbus.KindAgentTerminated,
			Source: "agentregistry",
			Fields: map[string]any{"agent_id": agentID},
		})
	}
}

// Get returns agentID's profile and whether it exists. The returned value
// is a snapshot copy; mutate load only through IncrementLoad/DecrementLoad.
func (r *Registry) Get(agentID string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[agentID]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// List returns a snapshot of every registered profile.
func (r *Registry) List() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, *p)
	}
	return out
}

// IncrementLoad records one more task assigned to agentID.
func (r *Registry) IncrementLoad(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[agentID]
	if !ok {
		return coreerrors.ErrTaskNotFound
	}
	p.load++
	return nil
}

// DecrementLoad records one fewer task assigned to agentID (floor at 0).
func (r *Registry) DecrementLoad(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[agentID]
	if !ok || p.load == 0 {
		return
	}
	p.load--
}
