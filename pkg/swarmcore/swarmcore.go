// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package swarmcore is the coordination core's public facade: it wires
// the nine internal components into one running instance and exposes the
// narrow operation surface a caller needs: submit/track tasks, register
// agents and executors, acquire/release resources, send messages, and
// read back health and metrics. There is no wire protocol here; this is
// the single programmatic API described by the coordination core's
// external interfaces.
package swarmcore

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"swarmcore/internal/agentregistry"
	"swarmcore/internal/breaker"
	"swarmcore/internal/clock"
	"swarmcore/internal/config"
	"swarmcore/internal/coordination"
	"swarmcore/internal/depgraph"
	"swarmcore/internal/eventbus"
	"swarmcore/internal/logging"
	"swarmcore/internal/metrics"
	"swarmcore/internal/resources"
	"swarmcore/internal/router"
	"swarmcore/internal/scheduler"
	"swarmcore/internal/swarmmonitor"
	"swarmcore/internal/telemetry"
)

// Core is a fully wired coordination core instance.
type Core struct {
	cfg *config.Config

	Bus       *eventbus.Bus
	Graph     *depgraph.Graph
	Breakers  *breaker.Manager
	Resources *resources.Manager
	Router    *router.Router
	Registry  *agentregistry.Registry
	Scheduler *scheduler.Scheduler
	Monitor   *swarmmonitor.Monitor
	Metrics   *metrics.Collector

	coordination *coordination.Manager
	tracing      *telemetry.TracerProvider

	clock clock.Clock
	log   logging.Logger
}

// Options supplies the collaborators described in the external
// interfaces: logger, clock, an optional OTel meter provider, an optional
// OTel tracing configuration, and an optional agent transport for the
// message router. Every field is optional; sensible defaults (slog, real
// clock, OTel no-op meter and tracer, in-process-only router) apply when
// left zero.
type Options struct {
	Logger        logging.Logger
	Clock         clock.Clock
	MeterProvider metric.MeterProvider
	Tracing       *telemetry.Config
	Transport     router.Transport
}

// New builds and wires a Core from cfg but does not start any background
// work; call Initialize to begin periodic maintenance.
func New(cfg *config.Config, opts Options) (*Core, error) {
	if cfg == nil {
		return nil, fmt.Errorf("swarmcore: configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("swarmcore: invalid configuration: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	var tracing *telemetry.TracerProvider
	if opts.Tracing != nil {
		tp, err := telemetry.NewTracerProvider(context.Background(), opts.Tracing)
		if err != nil {
			return nil, fmt.Errorf("swarmcore: failed to start tracing: %w", err)
		}
		tracing = tp
	}

	co := cfg.Coordination

	bus := eventbus.New(clk, logger)
	graph := depgraph.New()
	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: co.CircuitBreaker.FailureThreshold,
		SuccessThreshold: co.CircuitBreaker.SuccessThreshold,
		Timeout:          co.CircuitBreaker.Timeout,
		HalfOpenLimit:    co.CircuitBreaker.HalfOpenLimit,
	}, clk, logger, 0)
	resourceManager := resources.New(co.ResourceTimeout, clk, bus, logger)
	msgRouter := router.New(co.MessageTimeout, clk, bus, logger, opts.Transport)
	registry := agentregistry.New(bus, logger)
	sched := scheduler.New(registry, graph, breakers, bus, clk, logger, scheduler.Config{
		MaxRetries:            co.MaxRetries,
		RetryDelay:            co.RetryDelay,
		ExecutionTimeout:      co.ResourceTimeout,
		Strategy:              scheduler.StrategyCapability,
		MaxConcurrentDispatch: 8,
		StealThreshold:        co.WorkStealing.StealThreshold,
		MaxStealBatch:         co.WorkStealing.MaxStealBatch,
	})

	monitor := swarmmonitor.New(clk, logger, swarmmonitor.DefaultConfig()).Subscribe(bus)
	collector := metrics.New(clk, logger, opts.MeterProvider).Subscribe(bus)

	coordConfig := coordination.Config{
		ResourceSweepInterval: co.MaintenanceInterval,
		RouterSweepInterval:   co.MaintenanceInterval,
	}
	if co.DeadlockDetection {
		coordConfig.DeadlockScanInterval = co.DeadlockScanInterval
	}
	if co.WorkStealing.Enabled {
		coordConfig.WorkStealingInterval = co.WorkStealing.StealInterval
		coordConfig.StealThreshold = co.WorkStealing.StealThreshold
		coordConfig.MaxStealBatch = co.WorkStealing.MaxStealBatch
	}

	coordMgr := coordination.New(coordination.Components{
		Bus: bus, Graph: graph, Breakers: breakers, Resources: resourceManager,
		Router: msgRouter, Registry: registry, Scheduler: sched,
	}, clk, logger, coordConfig)

	return &Core{
		cfg: cfg, Bus: bus, Graph: graph, Breakers: breakers, Resources: resourceManager,
		Router: msgRouter, Registry: registry, Scheduler: sched, Monitor: monitor,
		Metrics: collector, coordination: coordMgr, tracing: tracing, clock: clk, log: logger,
	}, nil
}

// Initialize starts the coordination manager's periodic maintenance
// (deadlock scanning, resource/router sweeps, work-stealing).
func (c *Core) Initialize() error {
	return c.coordination.Initialize()
}

// Shutdown stops periodic maintenance, the message router, every
// event-bus subscription owned by the core's ambient components, and
// flushes the tracer provider if tracing was configured.
func (c *Core) Shutdown() error {
	if err := c.coordination.Shutdown(); err != nil {
		return err
	}
	c.Router.Shutdown()
	c.Monitor.Unsubscribe()
	c.Metrics.Unsubscribe()
	if c.tracing != nil {
		return c.tracing.Shutdown(context.Background())
	}
	return nil
}

// RegisterAgent registers an agent profile with the registry.
func (c *Core) RegisterAgent(agentID, name string, capabilities []string, priority, maxConcurrentTasks int) {
	c.Registry.Register(agentID, name, capabilities, priority, maxConcurrentTasks, c.clock.Now())
}

// UnregisterAgent removes an agent's profile, which fans out to resource
// release and task rescheduling via the coordination manager's
// agent-terminated subscription.
func (c *Core) UnregisterAgent(agentID string) {
	c.Registry.Unregister(agentID)
}

// RegisterExecutor supplies the per-agent task executor the scheduler
// invokes on dispatch.
func (c *Core) RegisterExecutor(agentID string, exec scheduler.Executor) {
	c.Scheduler.RegisterExecutor(agentID, exec)
}

// SubmitTask submits a task for placement and execution.
func (c *Core) SubmitTask(task scheduler.Task) (scheduler.Task, error) {
	return c.Scheduler.Submit(task)
}

// SubmitTasks submits a batch of tasks concurrently, bounded by the
// scheduler's configured dispatch concurrency.
func (c *Core) SubmitTasks(ctx context.Context, tasks []scheduler.Task) ([]scheduler.Task, error) {
	return c.Scheduler.SubmitBatch(ctx, tasks)
}

// GetTask returns a task's current state.
func (c *Core) GetTask(taskID string) (scheduler.Task, bool) {
	return c.Scheduler.GetTask(taskID)
}

// CancelTask cancels a task and every descendant that depends on it.
func (c *Core) CancelTask(taskID string) {
	c.Scheduler.Cancel(taskID)
}

// StartTask attempts to place taskID right now, returning
// coreerrors.ErrDependencyUnmet if an out-of-order start is attempted
// before every dependency has completed.
func (c *Core) StartTask(taskID string) error {
	return c.Scheduler.StartTask(taskID)
}

// AcquireResource blocks the caller until resourceID is granted to
// agentID, or ctx is cancelled, or the configured resource timeout
// elapses.
func (c *Core) AcquireResource(ctx context.Context, resourceID, agentID string, priority int) error {
	return c.Resources.Acquire(ctx, resourceID, agentID, priority)
}

// ReleaseResource releases resourceID if held by agentID.
func (c *Core) ReleaseResource(resourceID, agentID string) {
	c.Resources.Release(resourceID, agentID)
}

// SendMessage delivers a message from one agent's mailbox to another's.
func (c *Core) SendMessage(from, to, msgType string, payload any) (router.Message, error) {
	return c.Router.Send(from, to, msgType, payload)
}

// SendMessageAndAwaitResponse sends a message and blocks for a correlated
// response, or until timeout/ctx cancellation.
func (c *Core) SendMessageAndAwaitResponse(ctx context.Context, from, to, msgType string, payload any, timeout time.Duration) (any, error) {
	return c.Router.SendWithResponse(ctx, from, to, msgType, payload, timeout)
}

// SubscribeMessages registers handler as agentID's mailbox consumer.
func (c *Core) SubscribeMessages(agentID string, handler router.Handler) string {
	return c.Router.Subscribe(agentID, handler)
}

// AgentHealth returns the swarm monitor's liveness snapshot for agentID.
func (c *Core) AgentHealth(agentID string) (swarmmonitor.AgentHealth, bool) {
	return c.Monitor.AgentHealth(agentID)
}

// SystemHealth returns the swarm monitor's system-wide resource and
// throughput snapshot.
func (c *Core) SystemHealth() swarmmonitor.SystemHealth {
	return c.Monitor.SystemHealth()
}

// MetricsSnapshot returns the metrics collector's current counters and
// gauges.
func (c *Core) MetricsSnapshot() metrics.Snapshot {
	return c.Metrics.Snapshot()
}

// RunMaintenanceOnce drives every periodic maintenance task synchronously,
// independent of the coordination manager's cron schedule. Tests and
// operators use this for deterministic, on-demand maintenance.
func (c *Core) RunMaintenanceOnce() {
	c.coordination.RunMaintenanceOnce()
}
