// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package swarmmonitor tracks per-agent liveness and system-wide health
// for the coordination core (C9). It is a passive observer: it consumes
// lifecycle events from the event bus and periodic sweeps, and never
// mutates scheduler, registry or resource state itself.
package swarmmonitor

import "time"

// Status is an agent's liveness state as observed by the monitor, distinct
// from (but derived from) the scheduler's own per-task status.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStalled   Status = "stalled"
)

// Severity classifies an alert's urgency.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertKind identifies the condition an Alert reports.
type AlertKind string

const (
	AlertAgentStalled    AlertKind = "agent-stalled"
	AlertHighFailureRate AlertKind = "high-failure-rate"
	AlertLowThroughput   AlertKind = "low-throughput"
)

// Alert is a single threshold-breach notification.
type Alert struct {
	Kind      AlertKind
	Severity  Severity
	AgentID   string // empty for system-wide alerts
	Message   string
	Timestamp time.Time
}

// AgentHealth is a point-in-time snapshot of one agent's liveness record.
type AgentHealth struct {
	AgentID         string
	Status          Status
	SuccessCount    int
	FailureCount    int
	MeanDurationSec float64
	LastActivity    time.Time
}

// SuccessRate returns the agent's rolling success fraction, or 1.0 if it
// has never completed or failed a task (an agent with no history is not
// yet known to be unreliable).
func (h AgentHealth) SuccessRate() float64 {
	total := h.SuccessCount + h.FailureCount
	if total == 0 {
		return 1.0
	}
	return float64(h.SuccessCount) / float64(total)
}

// SystemHealth is the swarm-wide snapshot: resource sampling and
// throughput, independent of any single agent.
type SystemHealth struct {
	CPUPercent        float64
	MemoryBytes       uint64
	Goroutines        int
	ThroughputPerMin  float64
	SampledAt         time.Time
}
