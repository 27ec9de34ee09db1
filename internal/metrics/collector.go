// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"swarmcore/internal/clock"
	"swarmcore/internal/eventbus"
	"swarmcore/internal/logging"
)

// Collector is the coordination core's passive metrics sink. It never
// calls back into any other component; every number it reports was
// pushed in via an event-bus subscription or RecordXxx call from a
// component that chooses to instrument itself directly.
type Collector struct {
	mu         sync.Mutex
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string]*ringBuffer

	taskStarted     map[string]time.Time
	resourceWaitStart map[string]time.Time

	clock clock.Clock
	log   logging.Logger

	meter          metric.Meter
	otelCounters   map[string]metric.Int64Counter
	otelGauges     map[string]metric.Float64Gauge
	otelHistograms map[string]metric.Float64Histogram

	subs []eventbus.Subscription
}

// New creates a metrics collector. A nil meterProvider falls back to
// OTel's no-op implementation, so the collector works standalone without
// an exporter configured.
func New(clk clock.Clock, logger logging.Logger, meterProvider metric.MeterProvider) *Collector {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logging.Noop{}
	}
	if meterProvider == nil {
		meterProvider = noop.NewMeterProvider()
	}

	return &Collector{
		counters:          make(map[string]int64),
		gauges:            make(map[string]float64),
		histograms:        make(map[string]*ringBuffer),
		taskStarted:       make(map[string]time.Time),
		resourceWaitStart: make(map[string]time.Time),
		clock:             clk,
		log:               logger,
		meter:             meterProvider.Meter("swarmcore.coordination"),
		otelCounters:      make(map[string]metric.Int64Counter),
		otelGauges:        make(map[string]metric.Float64Gauge),
		otelHistograms:    make(map[string]metric.Float64Histogram),
	}
}

// Subscribe registers event handlers that turn lifecycle events into
// counters and, for task completion, a duration histogram sample.
func (c *Collector) Subscribe(bus *eventbus.Bus) *Collector {
	kinds := []eventbus.Kind{
		eventbus.KindTaskCreated, eventbus.KindTaskStarted, eventbus.KindTaskCompleted,
		eventbus.KindTaskFailed, eventbus.KindTaskCancelled,
		eventbus.KindAgentSpawned, eventbus.KindAgentTerminated,
		eventbus.KindResourceAcquired, eventbus.KindResourceReleased,
		eventbus.KindMessageSent, eventbus.KindMessageReceived,
		eventbus.KindConflictRaised, eventbus.KindConflictResolved,
		eventbus.KindCircuitStateChange, eventbus.KindWorkStealingRequest,
		eventbus.KindDeadlockDetected, eventbus.KindSystemError,
	}
	for _, kind := range kinds {
		kind := kind
		c.subs = append(c.subs, bus.Subscribe(kind, func(ev eventbus.Event) { c.onEvent(kind, ev) }))
	}
	return c
}

// Unsubscribe cancels every subscription registered by Subscribe.
func (c *Collector) Unsubscribe() {
	for _, sub := range c.subs {
		sub.Cancel()
	}
	c.subs = nil
}

func (c *Collector) onEvent(kind eventbus.Kind, ev eventbus.Event) {
	c.IncrementCounter("events." + string(kind))

	switch kind {
	case eventbus.KindTaskStarted:
		c.noteTaskStarted(fieldString(ev, "task_id"))
	case eventbus.KindTaskCompleted, eventbus.KindTaskFailed:
		c.noteTaskFinished(fieldString(ev, "task_id"))
	}
}

func fieldString(ev eventbus.Event, key string) string {
	v, _ := ev.Fields[key].(string)
	return v
}

func (c *Collector) noteTaskStarted(taskID string) {
	if taskID == "" {
		return
	}
	c.mu.Lock()
	c.taskStarted[taskID] = c.clock.Now()
	c.mu.Unlock()
}

func (c *Collector) noteTaskFinished(taskID string) {
	if taskID == "" {
		return
	}
	c.mu.Lock()
	started, ok := c.taskStarted[taskID]
	if ok {
		delete(c.taskStarted, taskID)
	}
	c.mu.Unlock()

	if ok {
		c.RecordHistogram(metricTaskDurationSeconds, c.clock.Now().Sub(started).Seconds())
	}
}

// IncrementCounter adds 1 to the named counter, mirrored to an OTel
// Int64Counter.
func (c *Collector) IncrementCounter(name string) {
	c.AddToCounter(name, 1)
}

// AddToCounter adds delta to the named counter.
func (c *Collector) AddToCounter(name string, delta int64) {
	c.mu.Lock()
	c.counters[name] += delta
	counter := c.otelCounterLocked(name)
	c.mu.Unlock()

	counter.Add(context.Background(), delta)
}

func (c *Collector) otelCounterLocked(name string) metric.Int64Counter {
	counter, ok := c.otelCounters[name]
	if !ok {
		var err error
		counter, err = c.meter.Int64Counter(name)
		if err != nil {
			c.log.Warn("metrics: failed to create otel counter", "name", name, "error", err.Error())
			counter = noop.Int64Counter{}
		}
		c.otelCounters[name] = counter
	}
	return counter
}

// SetGauge sets the named gauge to value, mirrored to an OTel Float64Gauge.
func (c *Collector) SetGauge(name string, value float64) {
	c.mu.Lock()
	c.gauges[name] = value
	gauge := c.otelGaugeLocked(name)
	c.mu.Unlock()

	gauge.Record(context.Background(), value)
}

func (c *Collector) otelGaugeLocked(name string) metric.Float64Gauge {
	gauge, ok := c.otelGauges[name]
	if !ok {
		var err error
		gauge, err = c.meter.Float64Gauge(name)
		if err != nil {
			c.log.Warn("metrics: failed to create otel gauge", "name", name, "error", err.Error())
			gauge = noop.Float64Gauge{}
		}
		c.otelGauges[name] = gauge
	}
	return gauge
}

// RecordHistogram appends value to the named histogram's ring buffer and
// mirrors it to an OTel Float64Histogram.
func (c *Collector) RecordHistogram(name string, value float64) {
	now := c.clock.Now()

	c.mu.Lock()
	buf, ok := c.histograms[name]
	if !ok {
		buf = newRingBuffer(histogramCapacity)
		c.histograms[name] = buf
	}
	buf.add(Sample{Value: value, Timestamp: now})
	hist := c.otelHistogramLocked(name)
	c.mu.Unlock()

	hist.Record(context.Background(), value)
}

func (c *Collector) otelHistogramLocked(name string) metric.Float64Histogram {
	hist, ok := c.otelHistograms[name]
	if !ok {
		var err error
		hist, err = c.meter.Float64Histogram(name)
		if err != nil {
			c.log.Warn("metrics: failed to create otel histogram", "name", name, "error", err.Error())
			hist = noop.Float64Histogram{}
		}
		c.otelHistograms[name] = hist
	}
	return hist
}

// Snapshot returns a copy of every counter and gauge, for periodic
// publication.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	counters := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v
	}
	gauges := make(map[string]float64, len(c.gauges))
	for k, v := range c.gauges {
		gauges[k] = v
	}
	return Snapshot{Counters: counters, Gauges: gauges, Taken: c.clock.Now()}
}

// QueryHistogram returns every sample recorded for name within the last
// window (or every retained sample if window is zero).
func (c *Collector) QueryHistogram(name string, window time.Duration) []Sample {
	c.mu.Lock()
	buf, ok := c.histograms[name]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if window <= 0 {
		return buf.all()
	}
	return buf.since(c.clock.Now().Add(-window))
}
