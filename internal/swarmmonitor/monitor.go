// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package swarmmonitor

import (
	"runtime"
	"sync"
	"time"

	"swarmcore/internal/clock"
	"swarmcore/internal/eventbus"
	"swarmcore/internal/logging"
)

// Config controls stall detection and alert thresholds.
type Config struct {
	StallTimeout        time.Duration
	FailureRateCritical float64 // success rate below this triggers a critical alert
	FailureRateWarning  float64 // success rate below this (but above critical) triggers a warning
	MinSamplesForRate   int     // don't alert on failure rate until an agent has this many completions
}

// DefaultConfig returns thresholds matching the drift-detection gate's
// 70% alignment cutoff, reused here as a failure-rate cutoff.
func DefaultConfig() Config {
	return Config{
		StallTimeout:        30 * time.Second,
		FailureRateCritical: 0.50,
		FailureRateWarning:  0.70,
		MinSamplesForRate:   5,
	}
}

type agentRecord struct {
	status          Status
	successCount    int
	failureCount    int
	totalDurationMs float64
	lastActivity    time.Time
	runningSince    map[string]time.Time // taskID -> started-at, for duration on completion
}

func newAgentRecord(now time.Time) *agentRecord {
	return &agentRecord{status: StatusIdle, lastActivity: now, runningSince: make(map[string]time.Time)}
}

func (r *agentRecord) meanDurationSec() float64 {
	completed := r.successCount + r.failureCount
	if completed == 0 {
		return 0
	}
	return r.totalDurationMs / float64(completed) / 1000
}

// Monitor tracks per-agent liveness and system-wide health. It subscribes
// to the event bus for lifecycle events and detects stalls only when Sweep
// is called; the coordination manager's maintenance cron does not call
// Sweep, so the owner of the Monitor drives it.
type Monitor struct {
	mu      sync.Mutex
	agents  map[string]*agentRecord
	history []Alert

	completionsThisMinute []time.Time

	clock  clock.Clock
	log    logging.Logger
	config Config

	subs []eventbus.Subscription
}

// New creates a swarm monitor. Call Subscribe to begin consuming lifecycle
// events from bus.
func New(clk clock.Clock, logger logging.Logger, config Config) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logging.Noop{}
	}
	return &Monitor{
		agents: make(map[string]*agentRecord),
		clock:  clk,
		log:    logger,
		config: config,
	}
}

// Subscribe registers the monitor's event handlers against bus. Returns
// the monitor itself for chaining at wiring time.
func (m *Monitor) Subscribe(bus *eventbus.Bus) *Monitor {
	m.subs = append(m.subs,
		bus.Subscribe(eventbus.KindAgentSpawned, m.onAgentSpawned),
		bus.Subscribe(eventbus.KindAgentTerminated, m.onAgentTerminated),
		bus.Subscribe(eventbus.KindTaskStarted, m.onTaskStarted),
		bus.Subscribe(eventbus.KindTaskCompleted, m.onTaskCompleted),
		bus.Subscribe(eventbus.KindTaskFailed, m.onTaskFailed),
	)
	return m
}

// Unsubscribe cancels every subscription registered by Subscribe.
func (m *Monitor) Unsubscribe() {
	for _, sub := range m.subs {
		sub.Cancel()
	}
	m.subs = nil
}

func (m *Monitor) recordFor(agentID string) *agentRecord {
	r, ok := m.agents[agentID]
	if !ok {
		r = newAgentRecord(m.clock.Now())
		m.agents[agentID] = r
	}
	return r
}

func fieldString(ev eventbus.Event, key string) string {
	v, _ := ev.Fields[key].(string)
	return v
}

func (m *Monitor) onAgentSpawned(ev eventbus.Event) {
	agentID := fieldString(ev, "agent_id")
	if agentID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordFor(agentID)
}

func (m *Monitor) onAgentTerminated(ev eventbus.Event) {
	agentID := fieldString(ev, "agent_id")
	if agentID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
}

func (m *Monitor) onTaskStarted(ev eventbus.Event) {
	agentID := fieldString(ev, "agent_id")
	taskID := fieldString(ev, "task_id")
	if agentID == "" || taskID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.recordFor(agentID)
	now := m.clock.Now()
	r.status = StatusRunning
	r.lastActivity = now
	r.runningSince[taskID] = now
}

func (m *Monitor) onTaskCompleted(ev eventbus.Event) {
	m.recordOutcome(fieldString(ev, "agent_id"), fieldString(ev, "task_id"), true)
}

func (m *Monitor) onTaskFailed(ev eventbus.Event) {
	m.recordOutcome(fieldString(ev, "agent_id"), fieldString(ev, "task_id"), false)
}

func (m *Monitor) recordOutcome(agentID, taskID string, success bool) {
	if agentID == "" {
		return
	}
	m.mu.Lock()
	r := m.recordFor(agentID)
	now := m.clock.Now()
	if started, ok := r.runningSince[taskID]; ok {
		r.totalDurationMs += float64(now.Sub(started).Milliseconds())
		delete(r.runningSince, taskID)
	}
	r.lastActivity = now
	if success {
		r.successCount++
		r.status = StatusCompleted
		m.completionsThisMinute = append(m.completionsThisMinute, now)
	} else {
		r.failureCount++
		r.status = StatusFailed
	}
	alerts := m.checkFailureRateLocked(agentID, r)
	m.mu.Unlock()

	for _, a := range alerts {
		m.raise(a)
	}
}

func (m *Monitor) checkFailureRateLocked(agentID string, r *agentRecord) []Alert {
	total := r.successCount + r.failureCount
	if total < m.config.MinSamplesForRate {
		return nil
	}
	rate := float64(r.successCount) / float64(total)
	now := m.clock.Now()
	switch {
	case rate < m.config.FailureRateCritical:
		return []Alert{{Kind: AlertHighFailureRate, Severity: SeverityCritical, AgentID: agentID, Timestamp: now,
			Message: "agent success rate critically low"}}
	case rate < m.config.FailureRateWarning:
		return []Alert{{Kind: AlertHighFailureRate, Severity: SeverityWarning, AgentID: agentID, Timestamp: now,
			Message: "agent success rate below warning threshold"}}
	}
	return nil
}

func (m *Monitor) raise(a Alert) {
	m.mu.Lock()
	m.history = append(m.history, a)
	m.mu.Unlock()

	if a.Severity == SeverityCritical {
		m.log.Error("swarm monitor alert", "kind", string(a.Kind), "agent_id", a.AgentID, "message", a.Message)
	} else {
		m.log.Warn("swarm monitor alert", "kind", string(a.Kind), "agent_id", a.AgentID, "message", a.Message)
	}
}

// Sweep marks any agent whose lastActivity has exceeded StallTimeout as
// stalled and returns every alert raised this sweep. It runs only when
// called; neither the coordination manager nor pkg/swarmcore schedules it.
func (m *Monitor) Sweep() []Alert {
	now := m.clock.Now()

	m.mu.Lock()
	var newlyStalled []Alert
	for agentID, r := range m.agents {
		if r.status == StatusStalled || r.status == StatusIdle {
			continue
		}
		if now.Sub(r.lastActivity) > m.config.StallTimeout {
			r.status = StatusStalled
			newlyStalled = append(newlyStalled, Alert{
				Kind: AlertAgentStalled, Severity: SeverityWarning, AgentID: agentID,
				Message: "agent has not reported activity within the stall timeout", Timestamp: now,
			})
		}
	}

	cutoff := now.Add(-time.Minute)
	kept := m.completionsThisMinute[:0]
	for _, t := range m.completionsThisMinute {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.completionsThisMinute = kept
	m.mu.Unlock()

	for _, a := range newlyStalled {
		m.raise(a)
	}
	return newlyStalled
}

// AgentHealth returns a snapshot of the named agent's health, and whether
// it is known to the monitor.
func (m *Monitor) AgentHealth(agentID string) (AgentHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.agents[agentID]
	if !ok {
		return AgentHealth{}, false
	}
	return AgentHealth{
		AgentID: agentID, Status: r.status, SuccessCount: r.successCount,
		FailureCount: r.failureCount, MeanDurationSec: r.meanDurationSec(), LastActivity: r.lastActivity,
	}, true
}

// AllAgentHealth returns a snapshot for every agent the monitor has
// observed.
func (m *Monitor) AllAgentHealth() []AgentHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AgentHealth, 0, len(m.agents))
	for agentID, r := range m.agents {
		out = append(out, AgentHealth{
			AgentID: agentID, Status: r.status, SuccessCount: r.successCount,
			FailureCount: r.failureCount, MeanDurationSec: r.meanDurationSec(), LastActivity: r.lastActivity,
		})
	}
	return out
}

// SystemHealth samples process-wide CPU/memory via runtime (see DESIGN.md
// for why this stays stdlib) and reports rolling completions-per-minute
// throughput.
func (m *Monitor) SystemHealth() SystemHealth {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	cutoff := m.clock.Now().Add(-time.Minute)
	m.mu.Lock()
	throughput := 0.0
	for _, t := range m.completionsThisMinute {
		if t.After(cutoff) {
			throughput++
		}
	}
	m.mu.Unlock()

	return SystemHealth{
		// GCCPUFraction is the closest stdlib signal to a process CPU
		// percentage without shelling out to /proc or vendoring a sampler;
		// it under-reports total CPU use (GC time only) but tracks load
		// directionally, which is all the stall/throughput alerts need.
		CPUPercent:       stats.GCCPUFraction * 100,
		MemoryBytes:      stats.Alloc,
		Goroutines:       runtime.NumGoroutine(),
		ThroughputPerMin: throughput,
		SampledAt:        m.clock.Now(),
	}
}

// Alerts returns every alert raised so far, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.history))
	copy(out, m.history)
	return out
}
