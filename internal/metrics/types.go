// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package metrics is the coordination core's passive metrics collector
// (C8). It subscribes to the event bus, never calls back into any other
// component, and exposes counters, gauges and bounded histograms both as
// an in-memory snapshot/query surface and as mirrored OpenTelemetry
// instruments.
package metrics

import "time"

// Sample is one histogram observation.
type Sample struct {
	Value     float64
	Timestamp time.Time
}

// Snapshot is a point-in-time copy of every counter and gauge the
// collector holds, suitable for periodic publication.
type Snapshot struct {
	Counters map[string]int64
	Gauges   map[string]float64
	Taken    time.Time
}

const (
	histogramCapacity = 10000

	metricTaskDurationSeconds = "task.duration.seconds"
	metricResourceWaitSeconds = "resource.wait.seconds"
)
