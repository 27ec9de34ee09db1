// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"swarmcore/internal/agentregistry"
	"swarmcore/internal/breaker"
	"swarmcore/internal/clock"
	"swarmcore/internal/coreerrors"
	"swarmcore/internal/depgraph"
	"swarmcore/internal/eventbus"
	"swarmcore/internal/logging"
	"swarmcore/internal/telemetry"
)

// Config configures the scheduler's retry, timeout and strategy behavior.
type Config struct {
	MaxRetries       int
	RetryDelay       time.Duration
	ExecutionTimeout time.Duration
	Strategy         StrategyName
	MaxConcurrentDispatch int
	StealThreshold   int
	MaxStealBatch    int
}

type taskEntry struct {
	task   Task
	cancel context.CancelFunc // cancels an in-flight Executor invocation

	// breakerHalfOpen records whether this dispatch was admitted while its
	// agent's breaker was in half-open state, so Complete/Fail can report
	// the outcome back against the same admission.
	breakerName     string
	breakerHalfOpen bool
}

// Scheduler owns task state from submission to a terminal status,
// consults the dependency graph for readiness, the agent registry and a
// Strategy for placement, and dispatches through the circuit breaker
// manager so a failing agent doesn't keep absorbing new work.
type Scheduler struct {
	mu      sync.RWMutex
	tasks   map[string]*taskEntry
	byAgent map[string]map[string]struct{} // agentID -> running/assigned task ids

	affinity map[string]affinityRecord

	registry   *agentregistry.Registry
	graph      *depgraph.Graph
	breakers   *breaker.Manager
	bus        *eventbus.Bus
	clock      clock.Clock
	log        logging.Logger
	config     Config
	executors  map[string]Executor
	execMu     sync.RWMutex

	roundRobin *roundRobinStrategy
	affinityStrat *affinityStrategy

	snapshotMu sync.RWMutex
	snapshot   map[string]WorkloadSnapshot
}

// New creates a task scheduler.
func New(registry *agentregistry.Registry, graph *depgraph.Graph, breakers *breaker.Manager, bus *eventbus.Bus, clk clock.Clock, logger logging.Logger, config Config) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logging.Noop{}
	}
	if config.MaxConcurrentDispatch <= 0 {
		config.MaxConcurrentDispatch = 8
	}
	return &Scheduler{
		tasks:         make(map[string]*taskEntry),
		byAgent:       make(map[string]map[string]struct{}),
		affinity:      make(map[string]affinityRecord),
		registry:      registry,
		graph:         graph,
		breakers:      breakers,
		bus:           bus,
		clock:         clk,
		log:           logger,
		config:        config,
		executors:     make(map[string]Executor),
		roundRobin:    &roundRobinStrategy{},
		affinityStrat: newAffinityStrategy(),
		snapshot:      make(map[string]WorkloadSnapshot),
	}
}

// RegisterExecutor installs the function the scheduler calls to run a
// task's payload once it is assigned to agentID.
func (s *Scheduler) RegisterExecutor(agentID string, exec Executor) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	s.executors[agentID] = exec
}

func (s *Scheduler) executorFor(agentID string) (Executor, bool) {
	s.execMu.RLock()
	defer s.execMu.RUnlock()
	e, ok := s.executors[agentID]
	return e, ok
}

// Submit registers a new task. It is added to the dependency graph
// immediately (rejecting cycles); if every dependency is already
// completed the task becomes queued and an assignment attempt fires,
// otherwise it waits as pending until MarkCompleted reports it ready.
func (s *Scheduler) Submit(task Task) (Task, error) {
	if task.ID == "" {
		return Task{}, fmt.Errorf("scheduler: task id is required")
	}

	if err := s.graph.Add(task.ID, task.Dependencies); err != nil {
		return Task{}, err
	}

	task.Status = StatusPending
	task.CreatedAt = s.clock.Now()

	s.mu.Lock()
	s.tasks[task.ID] = &taskEntry{task: task}
	s.mu.Unlock()

	s.emit(eventbus.KindTaskCreated, task.ID, nil)

	if s.graph.UnmetCount(task.ID) == 0 {
		s.enqueue(task.ID)
		s.tryAssign(task.ID)
	}

	return s.mustGet(task.ID), nil
}

// enqueue transitions a task from pending to queued.
func (s *Scheduler) enqueue(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[taskID]
	if !ok || e.task.Status != StatusPending {
		return
	}
	e.task.Status = StatusQueued
}

// GetTask returns a snapshot of taskID's current state.
func (s *Scheduler) GetTask(taskID string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return e.task.snapshot(), true
}

func (s *Scheduler) mustGet(taskID string) Task {
	t, _ := s.GetTask(taskID)
	return t
}

// candidates returns every registered agent profile, unfiltered (used to
// build the placement candidate pool; strategies that match capabilities
// filter it themselves and rank it).
func (s *Scheduler) candidates() []agentregistry.Profile {
	return s.registry.List()
}

// tryAssign attempts to place taskID with an agent and dispatch it. It is
// a no-op if the task is not currently queued or its dependencies are not
// yet all completed.
func (s *Scheduler) tryAssign(taskID string) {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	var task Task
	if ok {
		task = e.task.snapshot()
	}
	s.mu.RUnlock()
	if !ok || task.Status != StatusQueued {
		return
	}

	if s.graph.UnmetCount(taskID) > 0 {
		return
	}

	agentID, ok := s.selectAgent(task)
	if !ok {
		return // no eligible agent right now; stays queued
	}

	s.dispatch(taskID, agentID)
}

// StartTask is an explicit, synchronous placement attempt for taskID: it
// rejects an out-of-order start with ErrDependencyUnmet when any
// dependency has not yet completed, rather than leaving the task to wait
// silently as Submit and MarkCompleted's automatic retries do. Callers
// that want to force a placement attempt right now and observe the
// rejection use this instead of relying on the automatic path.
func (s *Scheduler) StartTask(taskID string) error {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	var task Task
	if ok {
		task = e.task.snapshot()
	}
	s.mu.RUnlock()
	if !ok {
		return coreerrors.ErrTaskNotFound
	}
	if task.Status.terminal() {
		return coreerrors.ErrTaskAlreadyTerminal
	}
	if s.graph.UnmetCount(taskID) > 0 {
		return coreerrors.ErrDependencyUnmet
	}
	if task.Status == StatusPending {
		s.enqueue(taskID)
	}
	s.tryAssign(taskID)
	return nil
}

// selectAgent drops agents whose assignment breaker is open, then runs the
// work-stealing scorer as a pre-filter, falling back to the configured
// strategy when no candidate has a recorded workload snapshot.
func (s *Scheduler) selectAgent(task Task) (string, bool) {
	candidates := s.candidates()
	admissible := make([]agentregistry.Profile, 0, len(candidates))
	for _, c := range candidates {
		if s.breakers.State("assign-"+c.AgentID).State != breaker.StateOpen {
			admissible = append(admissible, c)
		}
	}
	candidates = admissible
	if len(candidates) == 0 {
		return "", false
	}

	s.mu.RLock()
	schedCtx := SchedulingContext{Affinity: copyAffinity(s.affinity)}
	s.mu.RUnlock()

	s.snapshotMu.RLock()
	schedCtx.Snapshot = copySnapshot(s.snapshot)
	s.snapshotMu.RUnlock()

	if agentID, ok := selectByWorkStealingScore(task, candidates, schedCtx); ok {
		return agentID, true
	}

	strategy := strategyFor(s.config.Strategy, s.roundRobin, s.affinityStrat)
	return strategy.SelectAgent(task, candidates, schedCtx)
}

func copyAffinity(in map[string]affinityRecord) map[string]affinityRecord {
	out := make(map[string]affinityRecord, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copySnapshot(in map[string]WorkloadSnapshot) map[string]WorkloadSnapshot {
	out := make(map[string]WorkloadSnapshot, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// dispatch assigns taskID to agentID and starts execution, gated by the
// `assign-<agentID>` circuit breaker so repeated failures against one
// agent steer subsequent placements elsewhere. Because execution
// completes asynchronously on the agent's executor, admission and
// outcome are reported to the breaker as two separate calls
// (Admit now, RecordSuccess/RecordFailure from Complete/Fail) rather than
// through Manager.Execute's single synchronous wrapper.
func (s *Scheduler) dispatch(taskID, agentID string) {
	breakerName := "assign-" + agentID
	b := s.breakers.BreakerFor(breakerName)
	allowed, halfOpen, err := b.Admit()
	if !allowed {
		s.log.Warn("assignment breaker refused dispatch", "agent_id", agentID, "task_id", taskID, "error", err.Error())
		return
	}

	s.mu.Lock()
	e, ok := s.tasks[taskID]
	if !ok || e.task.Status != StatusQueued {
		s.mu.Unlock()
		b.RecordSuccess(halfOpen) // admission never consumed; don't count it as a failure
		return
	}
	e.task.Status = StatusAssigned
	e.task.AssignedAgent = agentID
	e.task.Attempts++
	e.breakerName = breakerName
	e.breakerHalfOpen = halfOpen
	s.trackByAgent(agentID, taskID)
	s.mu.Unlock()

	if err := s.registry.IncrementLoad(agentID); err != nil {
		s.log.Warn("dispatch to unknown agent", "agent_id", agentID, "task_id", taskID)
	}

	s.start(taskID, agentID)
}

func (s *Scheduler) trackByAgent(agentID, taskID string) {
	if s.byAgent[agentID] == nil {
		s.byAgent[agentID] = make(map[string]struct{})
	}
	s.byAgent[agentID][taskID] = struct{}{}
}

func (s *Scheduler) untrackByAgent(agentID, taskID string) {
	if set, ok := s.byAgent[agentID]; ok {
		delete(set, taskID)
	}
}

// start transitions taskID to running and invokes the agent's executor
// under an execution-timeout context, arming task-timeout on expiry.
func (s *Scheduler) start(taskID, agentID string) {
	s.mu.Lock()
	e, ok := s.tasks[taskID]
	if !ok || e.task.Status != StatusAssigned {
		s.mu.Unlock()
		return
	}
	e.task.Status = StatusRunning
	e.task.StartedAt = s.clock.Now()
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ExecutionTimeout)
	e.cancel = cancel
	task := e.task.snapshot()
	s.mu.Unlock()

	s.emit(eventbus.KindTaskStarted, taskID, map[string]any{"agent_id": agentID})

	exec, ok := s.executorFor(agentID)
	if !ok {
		cancel()
		s.Fail(taskID, fmt.Errorf("scheduler: no executor registered for agent %s", agentID))
		return
	}

	go func() {
		defer cancel()
		spanCtx, span := telemetry.StartSpan(ctx, "swarmcore.scheduler", "Execute")
		span.SetAttributes(telemetry.TaskAttrs(task.ID, task.Type)...)
		span.SetAttributes(telemetry.AgentAttrs(agentID)...)

		output, err := exec(spanCtx, task)
		if ctx.Err() != nil && err == nil {
			err = coreerrors.ErrTaskTimeout
		}
		if err != nil {
			telemetry.RecordError(spanCtx, err)
			span.End()
			s.Fail(taskID, err)
			return
		}
		span.End()
		s.Complete(taskID, output)
	}()
}

// Complete marks taskID completed, records affinity statistics, frees the
// agent's load, and readies dependents.
func (s *Scheduler) Complete(taskID string, output any) {
	s.mu.Lock()
	e, ok := s.tasks[taskID]
	if !ok || e.task.Status.terminal() {
		s.mu.Unlock()
		return
	}
	e.task.Status = StatusCompleted
	e.task.CompletedAt = s.clock.Now()
	e.task.Output = output
	agentID := e.task.AssignedAgent
	duration := e.task.CompletedAt.Sub(e.task.StartedAt).Seconds()
	taskType := e.task.Type
	breakerName, breakerHalfOpen := e.breakerName, e.breakerHalfOpen
	s.recordAffinitySuccess(taskType, agentID, duration, true)
	s.untrackByAgent(agentID, taskID)
	s.mu.Unlock()

	if breakerName != "" {
		s.breakers.BreakerFor(breakerName).RecordSuccess(breakerHalfOpen)
	}
	s.registry.DecrementLoad(agentID)
	s.emit(eventbus.KindTaskCompleted, taskID, map[string]any{"agent_id": agentID})

	for _, dependent := range s.graph.MarkCompleted(taskID) {
		s.enqueue(dependent)
		s.tryAssign(dependent)
	}
}

func (s *Scheduler) recordAffinitySuccess(taskType, agentID string, durationSeconds float64, success bool) {
	if taskType == "" {
		return
	}
	rec := s.affinity[taskType]
	rec.lastAgent = agentID
	if rec.samples == 0 {
		rec.meanDuration = durationSeconds
	} else {
		const alpha = 0.3
		rec.meanDuration = alpha*durationSeconds + (1-alpha)*rec.meanDuration
	}
	successes := rec.successRate * float64(rec.samples)
	if success {
		successes++
	}
	rec.samples++
	rec.successRate = successes / float64(rec.samples)
	s.affinity[taskType] = rec
}

// Fail increments the attempt counter and either reschedules taskID after
// an exponential back-off or, once maxRetries is exhausted, marks it
// terminally failed and cancels every descendant.
func (s *Scheduler) Fail(taskID string, cause error) {
	s.mu.Lock()
	e, ok := s.tasks[taskID]
	if !ok || e.task.Status.terminal() {
		s.mu.Unlock()
		return
	}
	agentID := e.task.AssignedAgent
	attempts := e.task.Attempts
	taskType := e.task.Type
	breakerName, breakerHalfOpen := e.breakerName, e.breakerHalfOpen
	s.recordAffinitySuccess(taskType, agentID, 0, false)
	s.untrackByAgent(agentID, taskID)

	retryable := attempts < s.config.MaxRetries
	if retryable {
		e.task.Status = StatusQueued
		e.task.AssignedAgent = ""
	} else {
		e.task.Status = StatusFailed
		e.task.CompletedAt = s.clock.Now()
		e.task.Err = cause
	}
	s.mu.Unlock()

	if breakerName != "" {
		s.breakers.BreakerFor(breakerName).RecordFailure(breakerHalfOpen)
	}
	s.registry.DecrementLoad(agentID)

	if retryable {
		delay := backoff(s.config.RetryDelay, attempts)
		s.log.Warn("task failed, retrying after backoff",
			"task_id", taskID, "attempt", attempts, "delay", delay.String(), "error", cause.Error())
		timer := s.clock.NewTimer(delay)
		go func() {
			<-timer.C()
			s.tryAssign(taskID)
		}()
		return
	}

	s.log.Error("task failed terminally", "task_id", taskID, "attempts", attempts, "error", cause.Error())
	s.emit(eventbus.KindTaskFailed, taskID, map[string]any{"error": cause.Error(), "agent_id": agentID})

	for _, descendant := range s.graph.MarkFailed(taskID) {
		s.cancelInternal(descendant)
	}
}

// backoff computes retryDelay * 2^(attempts-1).
func backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// Cancel transitions taskID and every descendant to cancelled, clearing
// timers and releasing the agent load it held, if any.
func (s *Scheduler) Cancel(taskID string) {
	s.cancelInternal(taskID)
	for _, descendant := range s.graph.MarkFailed(taskID) {
		s.cancelInternal(descendant)
	}
}

func (s *Scheduler) cancelInternal(taskID string) {
	s.mu.Lock()
	e, ok := s.tasks[taskID]
	if !ok || e.task.Status.terminal() {
		s.mu.Unlock()
		return
	}
	agentID := e.task.AssignedAgent
	if e.cancel != nil {
		e.cancel()
	}
	e.task.Status = StatusCancelled
	e.task.CompletedAt = s.clock.Now()
	s.untrackByAgent(agentID, taskID)
	s.mu.Unlock()

	if agentID != "" {
		s.registry.DecrementLoad(agentID)
	}
	s.emit(eventbus.KindTaskCancelled, taskID, nil)
}

// CancelAgentTasks cancels every task currently assigned or running on
// agentID. Used by one reading of the agent-termination contract; see
// RescheduleAgentTasks for the policy this core actually applies (the
// resolved open question in SPEC_FULL.md).
func (s *Scheduler) CancelAgentTasks(agentID string) {
	for _, taskID := range s.tasksForAgent(agentID) {
		s.cancelInternal(taskID)
	}
}

// RescheduleAgentTasks resets every task running or assigned on agentID
// back to queued and re-emits task-created, making each eligible for
// reassignment to a different agent rather than cancelling the work
// outright. This is the policy the coordination manager invokes on
// agent-terminated.
func (s *Scheduler) RescheduleAgentTasks(agentID string) {
	for _, taskID := range s.tasksForAgent(agentID) {
		s.mu.Lock()
		e, ok := s.tasks[taskID]
		if !ok || e.task.Status.terminal() {
			s.mu.Unlock()
			continue
		}
		if e.cancel != nil {
			e.cancel()
		}
		e.task.Status = StatusQueued
		e.task.AssignedAgent = ""
		s.untrackByAgent(agentID, taskID)
		s.mu.Unlock()

		s.registry.DecrementLoad(agentID)
		s.emit(eventbus.KindTaskCreated, taskID, map[string]any{"rescheduled_from": agentID})
		s.tryAssign(taskID)
	}
}

func (s *Scheduler) tasksForAgent(agentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byAgent[agentID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// UpdateWorkloadSnapshot installs the latest per-agent workload sample
// that the work-stealing scorer in selectAgent reads (RunWorkStealingPass
// uses the registry's load counters instead). No component of the core
// calls it; with no snapshot recorded, placement uses the configured
// strategy alone.
func (s *Scheduler) UpdateWorkloadSnapshot(agentID string, snap WorkloadSnapshot) {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()
	s.snapshot[agentID] = snap
}

func (s *Scheduler) emit(kind eventbus.Kind, taskID string, extra map[string]any) {
	if s.bus == nil {
		return
	}
	fields := map[string]any{"task_id": taskID}
	for k, v := range extra {
		fields[k] = v
	}
	s.bus.Emit(eventbus.Event{Kind: kind, Source: "scheduler", Fields: fields})
}
