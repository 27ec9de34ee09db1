// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package coordination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"

	"swarmcore/internal/agentregistry"
	"swarmcore/internal/breaker"
	"swarmcore/internal/clock"
	"swarmcore/internal/depgraph"
	"swarmcore/internal/eventbus"
	"swarmcore/internal/logging"
	"swarmcore/internal/resources"
	"swarmcore/internal/router"
	"swarmcore/internal/scheduler"
	"swarmcore/internal/telemetry"
)

// Manager is the coordination core's composition root. It does not
// duplicate any component's state; it holds references to each, wires
// their cross-cutting behavior (agent-termination fan-out, deadlock
// detection and resolution) and drives their periodic maintenance.
type Manager struct {
	mu      sync.Mutex
	started bool

	bus       *eventbus.Bus
	graph     *depgraph.Graph
	breakers  *breaker.Manager
	resources *resources.Manager
	router    *router.Router
	registry  *agentregistry.Registry
	scheduler *scheduler.Scheduler

	clock  clock.Clock
	log    logging.Logger
	config Config

	cron              *cron.Cron
	agentTerminatedSub eventbus.Subscription

	lastDeadlock *DeadlockReport
}

// Components bundles the seven-component wiring the Manager composes. Every
// field is required; New panics on a nil field since a partially-wired
// coordination core cannot safely run maintenance.
type Components struct {
	Bus       *eventbus.Bus
	Graph     *depgraph.Graph
	Breakers  *breaker.Manager
	Resources *resources.Manager
	Router    *router.Router
	Registry  *agentregistry.Registry
	Scheduler *scheduler.Scheduler
}

// New creates a coordination manager over an already-constructed set of
// components. It does not start any background work; call Initialize.
func New(c Components, clk clock.Clock, logger logging.Logger, config Config) *Manager {
	for name, present := range map[string]bool{
		"bus": c.Bus != nil, "graph": c.Graph != nil, "breakers": c.Breakers != nil,
		"resources": c.Resources != nil, "router": c.Router != nil,
		"registry": c.Registry != nil, "scheduler": c.Scheduler != nil,
	} {
		if !present {
			panic(fmt.Sprintf("coordination.New: missing required component %q", name))
		}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logging.Noop{}
	}

	return &Manager{
		bus:       c.Bus,
		graph:     c.Graph,
		breakers:  c.Breakers,
		resources: c.Resources,
		router:    c.Router,
		registry:  c.Registry,
		scheduler: c.Scheduler,
		clock:     clk,
		log:       logger,
		config:    config,
	}
}

// Initialize subscribes to agent-termination events and starts the
// periodic maintenance schedule (deadlock scan, resource and router
// sweeps, work-stealing pass). Calling Initialize twice is a no-op.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	m.agentTerminatedSub = m.bus.Subscribe(eventbus.KindAgentTerminated, m.handleAgentTerminated)

	c := cron.New()
	m.mustSchedule(c, m.config.DeadlockScanInterval, m.runDeadlockScan)
	m.mustSchedule(c, m.config.ResourceSweepInterval, m.resources.Sweep)
	m.mustSchedule(c, m.config.RouterSweepInterval, m.router.Sweep)
	m.mustSchedule(c, m.config.WorkStealingInterval, func() {
		m.scheduler.RunWorkStealingPass(m.config.StealThreshold, m.config.MaxStealBatch)
	})
	c.Start()
	m.cron = c
	m.started = true

	m.log.Info("coordination manager initialized")
	return nil
}

// mustSchedule registers fn to run every interval via cron's "@every"
// syntax. An interval of zero disables that maintenance task entirely
// rather than scheduling it at an invalid cadence.
func (m *Manager) mustSchedule(c *cron.Cron, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	spec := fmt.Sprintf("@every %s", interval)
	if err := c.AddFunc(spec, fn); err != nil {
		m.log.Error("coordination: failed to schedule maintenance task", "spec", spec, "error", err.Error())
	}
}

// Shutdown stops periodic maintenance and unsubscribes from the event bus.
// Safe to call multiple times.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}

	if m.cron != nil {
		m.cron.Stop()
		m.cron = nil
	}
	if m.agentTerminatedSub != nil {
		m.agentTerminatedSub.Cancel()
		m.agentTerminatedSub = nil
	}
	m.started = false

	m.log.Info("coordination manager shut down")
	return nil
}

// handleAgentTerminated implements the resolved agent-termination policy:
// release every resource the agent held, then reschedule (not cancel) its
// in-flight tasks onto other agents. Losing an agent should not strand
// work that a differently-placed agent can still complete.
func (m *Manager) handleAgentTerminated(ev eventbus.Event) {
	agentID, _ := ev.Fields["agent_id"].(string)
	if agentID == "" {
		return
	}

	_, span := telemetry.StartSpan(context.Background(), "swarmcore.coordination", "HandleAgentTerminated")
	defer span.End()
	span.SetAttributes(telemetry.AgentAttrs(agentID)...)

	m.resources.ReleaseAllForAgent(agentID)
	m.scheduler.RescheduleAgentTasks(agentID)
}

// runDeadlockScan is the cron-invoked deadlock maintenance tick: detect,
// emit, resolve.
func (m *Manager) runDeadlockScan() {
	report := m.detectDeadlock()

	m.mu.Lock()
	m.lastDeadlock = report
	m.mu.Unlock()

	if report == nil {
		return
	}

	m.log.Warn("deadlock detected", "cycle", report.Cycle, "resources", report.Resources, "victim", report.Victim)
	if m.bus != nil {
		m.bus.Emit(eventbus.Event{
			Kind:   eventbus.KindDeadlockDetected,
			Source: "coordination",
			Fields: map[string]any{"cycle": report.Cycle, "resources": report.Resources, "victim": report.Victim},
		})
	}

	m.resolveDeadlock(report)
}

// resolveDeadlock breaks the cycle by releasing every resource the victim
// holds, which unblocks whichever agent in the cycle was waiting on it,
// and reschedules the victim's own in-flight work, mirroring the
// agent-termination fan-out even though the victim itself was never
// terminated.
func (m *Manager) resolveDeadlock(report *DeadlockReport) {
	_, span := telemetry.StartSpan(context.Background(), "swarmcore.coordination", "ResolveDeadlock")
	defer span.End()
	span.SetAttributes(telemetry.AgentAttrs(report.Victim)...)
	for _, resourceID := range report.Resources {
		span.SetAttributes(telemetry.ResourceAttrs(resourceID, report.Victim)...)
	}

	m.resources.ReleaseAllForAgent(report.Victim)
	m.scheduler.RescheduleAgentTasks(report.Victim)
}

// LastDeadlock reports the most recent deadlock scan's finding (nil if the
// last scan found no cycle, or no scan has run yet).
func (m *Manager) LastDeadlock() *DeadlockReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDeadlock
}

// RunMaintenanceOnce runs every maintenance task a single time, synchronously,
// independent of the cron schedule. Tests and operators use this to drive
// maintenance deterministically instead of waiting on wall-clock cadence.
func (m *Manager) RunMaintenanceOnce() {
	m.runDeadlockScan()
	m.resources.Sweep()
	m.router.Sweep()
	m.scheduler.RunWorkStealingPass(m.config.StealThreshold, m.config.MaxStealBatch)
}
