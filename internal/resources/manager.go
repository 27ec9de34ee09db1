// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package resources

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"swarmcore/internal/clock"
	"swarmcore/internal/coreerrors"
	"swarmcore/internal/eventbus"
	"swarmcore/internal/logging"
	"swarmcore/internal/telemetry"
)

type resourceState struct {
	id       string
	typ      string
	locked   bool
	lockedBy string
	lockedAt time.Time
	waiters  waitQueue
}

// Manager is the sole arbiter of resource locks in the coordination core;
// task code must never bypass it to self-lock a resource.
type Manager struct {
	mu    sync.Mutex
	res   map[string]*resourceState
	seq   uint64
	clock clock.Clock
	bus   *eventbus.Bus
	log   logging.Logger

	resourceTimeout time.Duration
}

// New creates a resource manager. resourceTimeout bounds both how long an
// Acquire call waits and, doubled, how long a lock may be held before the
// background sweep treats its holder as dead.
func New(resourceTimeout time.Duration, clk clock.Clock, bus *eventbus.Bus, logger logging.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logging.Noop{}
	}
	return &Manager{
		res:             make(map[string]*resourceState),
		clock:           clk,
		bus:             bus,
		log:             logger,
		resourceTimeout: resourceTimeout,
	}
}

func (m *Manager) stateFor(resourceID string) *resourceState {
	r, ok := m.res[resourceID]
	if !ok {
		r = &resourceState{id: resourceID}
		m.res[resourceID] = r
	}
	return r
}

// Acquire blocks until agentID holds resourceID, the wait exceeds
// resourceTimeout (returning coreerrors.ErrLockTimeout), or ctx is
// cancelled. Re-acquisition by the current holder is idempotent and does
// not reset lockedAt.
func (m *Manager) Acquire(ctx context.Context, resourceID, agentID string, priority int) error {
	ctx, span := telemetry.StartSpan(ctx, "swarmcore.resources", "Acquire")
	defer span.End()
	span.SetAttributes(telemetry.ResourceAttrs(resourceID, agentID)...)

	if err := m.acquire(ctx, resourceID, agentID, priority); err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}
	return nil
}

func (m *Manager) acquire(ctx context.Context, resourceID, agentID string, priority int) error {
	m.mu.Lock()
	r := m.stateFor(resourceID)

	if r.locked && r.lockedBy == agentID {
		m.mu.Unlock()
		return nil
	}

	if !r.locked {
		r.locked = true
		r.lockedBy = agentID
		r.lockedAt = m.clock.Now()
		m.mu.Unlock()
		m.emitAcquired(resourceID, agentID)
		return nil
	}

	m.seq++
	w := &waiter{
		agentID:     agentID,
		priority:    priority,
		requestedAt: m.clock.Now(),
		seq:         m.seq,
		grant:       make(chan struct{}),
	}
	heap.Push(&r.waiters, w)
	m.mu.Unlock()

	timer := m.clock.NewTimer(m.resourceTimeout)
	defer timer.Stop()

	select {
	case <-w.grant:
		return nil
	case <-timer.C():
		m.mu.Lock()
		removeWaiter(&r.waiters, w)
		m.mu.Unlock()
		return coreerrors.ErrLockTimeout
	case <-ctx.Done():
		m.mu.Lock()
		removeWaiter(&r.waiters, w)
		m.mu.Unlock()
		return ctx.Err()
	}
}

// Release relinquishes resourceID if held by agentID, handing it to the
// head of the wait queue if one exists. A Release by a non-holder is a
// no-op that logs a warning.
func (m *Manager) Release(resourceID, agentID string) {
	m.mu.Lock()

	r, ok := m.res[resourceID]
	if !ok || !r.locked || r.lockedBy != agentID {
		m.mu.Unlock()
		m.log.Warn("release of resource not held by caller",
			"resource_id", resourceID, "agent_id", agentID)
		return
	}

	r.locked = false
	r.lockedBy = ""
	r.lockedAt = time.Time{}

	var handedTo string
	if r.waiters.Len() > 0 {
		next := heap.Pop(&r.waiters).(*waiter)
		r.locked = true
		r.lockedBy = next.agentID
		r.lockedAt = m.clock.Now()
		handedTo = next.agentID
		close(next.grant)
	}
	m.mu.Unlock()

	m.emitReleased(resourceID, agentID)
	if handedTo != "" {
		m.emitAcquired(resourceID, handedTo)
	}
}

// ReleaseAllForAgent releases every resource currently held by agentID.
// Used on agent termination.
func (m *Manager) ReleaseAllForAgent(agentID string) {
	m.mu.Lock()
	held := make([]string, 0)
	for id, r := range m.res {
		if r.locked && r.lockedBy == agentID {
			held = append(held, id)
		}
	}
	m.mu.Unlock()

	for _, id := range held {
		m.Release(id, agentID)
	}
}

// GetAllocations returns the current resourceId -> agentId lock holdings.
func (m *Manager) GetAllocations() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.res))
	for id, r := range m.res {
		if r.locked {
			out[id] = r.lockedBy
		}
	}
	return out
}

// GetWaitingRequests returns the current agentId -> resourceId[] wait
// relation, feeding the deadlock detector's wait-for graph.
func (m *Manager) GetWaitingRequests() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]string)
	for id, r := range m.res {
		for _, w := range r.waiters {
			out[w.agentID] = append(out[w.agentID], id)
		}
	}
	return out
}

// Sweep drops wait entries older than resourceTimeout and force-releases
// locks held longer than 2x resourceTimeout, treating the holder as dead.
// It is invoked periodically by the coordination manager's maintenance
// loop.
func (m *Manager) Sweep() {
	now := m.clock.Now()
	staleWaitCutoff := now.Add(-m.resourceTimeout)
	staleLockCutoff := now.Add(-2 * m.resourceTimeout)

	m.mu.Lock()
	var toForceRelease []string
	for id, r := range m.res {
		var kept waitQueue
		for _, w := range r.waiters {
			if w.requestedAt.Before(staleWaitCutoff) {
				// Dropped here; the waiter's own Acquire timer (armed for
				// the same resourceTimeout) independently returns
				// ErrLockTimeout to its caller without needing a signal.
				continue
			}
			kept = append(kept, w)
		}
		heap.Init(&kept)
		r.waiters = kept

		if r.locked && r.lockedAt.Before(staleLockCutoff) {
			toForceRelease = append(toForceRelease, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toForceRelease {
		m.mu.Lock()
		r, ok := m.res[id]
		if !ok || !r.locked {
			m.mu.Unlock()
			continue
		}
		holder := r.lockedBy
		m.mu.Unlock()
		m.log.Warn("force-releasing stale resource lock", "resource_id", id, "holder", holder)
		m.Release(id, holder)
	}
}

func (m *Manager) emitAcquired(resourceID, agentID string) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(eventbus.Event{
		Kind:   eventbus.KindResourceAcquired,
		Source: "resources",
		Fields: map[string]any{"resource_id": resourceID, "agent_id": agentID},
	})
}

func (m *Manager) emitReleased(resourceID, agentID string) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(eventbus.Event{
		Kind:   eventbus.KindResourceReleased,
		Source: "resources",
		Fields: map[string]any{"resource_id": resourceID, "agent_id": agentID},
	})
}
