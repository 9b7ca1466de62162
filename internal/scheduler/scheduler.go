// Package scheduler implements the task queue: creation with dependency
// cycle checks, capability-matched dispatch, ready-batch selection, the
// in-progress timeout sweep, and the task status machine transitions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/clock"
	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/db"
	kerr "github.com/kestrelhq/kestrel/internal/errors"
	"github.com/kestrelhq/kestrel/internal/model"
	"github.com/kestrelhq/kestrel/internal/registry"
	"github.com/kestrelhq/kestrel/internal/store"
)

// BlockedReasonTimeout marks tasks parked by the timeout sweep.
const BlockedReasonTimeout = "timeout"

// Scheduler owns the task queue and dispatch loop.
type Scheduler struct {
	store    store.Backend
	bus      *bus.Bus
	registry *registry.Registry
	clock    clock.Clock
	cfg      *config.Config
	logger   *slog.Logger
}

// New creates a scheduler.
func New(backend store.Backend, b *bus.Bus, reg *registry.Registry, clk clock.Clock, cfg *config.Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    backend,
		bus:      b,
		registry: reg,
		clock:    clk,
		cfg:      cfg,
		logger:   logger,
	}
}

// CreateTask validates and enqueues a task, publishing task.created and,
// when it has no unmet dependencies, task.ready.
func (s *Scheduler) CreateTask(ctx context.Context, t *model.Task) error {
	if t.TicketID == "" {
		return kerr.ErrBadArtifact("task", "missing ticket_id")
	}
	if t.PhaseID == "" {
		return kerr.ErrBadArtifact("task", "missing phase_id")
	}
	if t.Priority == "" {
		t.Priority = model.PriorityMedium
	}
	if !model.IsValidPriority(t.Priority) {
		return kerr.ErrBadArtifact("task", fmt.Sprintf("unknown priority %q", t.Priority))
	}

	now := s.clock.Now()
	if t.ID == "" {
		t.ID = model.NewID()
	}
	t.Status = model.TaskPending
	t.CreatedAt = now
	t.UpdatedAt = now
	if !t.ValidationEnabled {
		t.ValidationEnabled = s.cfg.Validation.EnabledDefault
	}

	if err := s.checkCycle(ctx, t); err != nil {
		return err
	}
	if err := s.store.InsertTask(ctx, t); err != nil {
		return err
	}

	if _, err := bus.Emit(ctx, s.bus, bus.TopicTaskCreated, t.ID, "", t); err != nil {
		s.logger.Error("publish task.created", "task", t.ID, "error", err)
	}

	ready, err := s.dependenciesDone(ctx, t)
	if err != nil {
		return err
	}
	if ready {
		if _, err := bus.Emit(ctx, s.bus, bus.TopicTaskReady, t.ID, "", map[string]string{"task_id": t.ID}); err != nil {
			s.logger.Error("publish task.ready", "task", t.ID, "error", err)
		}
	}
	return nil
}

// checkCycle rejects a task whose dependency edges would close a cycle.
// The walk follows stored dependencies plus the new task's own edges.
func (s *Scheduler) checkCycle(ctx context.Context, t *model.Task) error {
	visited := map[string]bool{}
	var walk func(id string) error
	walk = func(id string) error {
		if id == t.ID {
			return kerr.ErrDependencyCycle(t.ID)
		}
		if visited[id] {
			return nil
		}
		visited[id] = true

		dep, _, err := s.store.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if dep == nil {
			return kerr.ErrNotFound("task", id)
		}
		for _, next := range dep.Dependencies {
			if err := walk(next); err != nil {
				return err
			}
		}
		return nil
	}
	for _, depID := range t.Dependencies {
		if depID == t.ID {
			return kerr.ErrDependencyCycle(t.ID)
		}
		if err := walk(depID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) dependenciesDone(ctx context.Context, t *model.Task) (bool, error) {
	for _, depID := range t.Dependencies {
		dep, _, err := s.store.GetTask(ctx, depID)
		if err != nil {
			return false, err
		}
		if dep == nil || dep.Status != model.TaskDone {
			return false, nil
		}
	}
	return true, nil
}

// ReadyBatch returns up to limit pending tasks that are dispatchable and
// mutually independent (no pairwise dependency edges), in dispatch order.
func (s *Scheduler) ReadyBatch(ctx context.Context, limit int) ([]*model.Task, error) {
	pending, err := s.store.ListPendingTasks(ctx)
	if err != nil {
		return nil, err
	}

	picked := map[string]bool{}
	var batch []*model.Task
	for _, t := range pending {
		if len(batch) >= limit {
			break
		}
		ok, err := s.eligible(ctx, t)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		independent := true
		for _, depID := range t.Dependencies {
			if picked[depID] {
				independent = false
				break
			}
		}
		if !independent {
			continue
		}
		picked[t.ID] = true
		batch = append(batch, t)
	}
	return batch, nil
}

// eligible checks dependency readiness and the parent ticket's approval
// gate. Phase and capability matching happen against a concrete agent.
func (s *Scheduler) eligible(ctx context.Context, t *model.Task) (bool, error) {
	ready, err := s.dependenciesDone(ctx, t)
	if err != nil || !ready {
		return false, err
	}
	ticket, _, err := s.store.GetTicket(ctx, t.TicketID)
	if err != nil {
		return false, err
	}
	if ticket == nil {
		return false, nil
	}
	return ticket.ApprovalStatus.DispatchAllowed(), nil
}

// DispatchOnce runs one dispatch pass: for each eligible pending task in
// priority order, pick an idle agent in the task's phase covering its
// capabilities and atomically assign.
func (s *Scheduler) DispatchOnce(ctx context.Context) {
	pending, err := s.store.ListPendingTasks(ctx)
	if err != nil {
		s.logger.Error("list pending tasks", "error", err)
		return
	}
	pendingDepth.Set(float64(len(pending)))

	for _, t := range pending {
		ok, err := s.eligible(ctx, t)
		if err != nil {
			s.logger.Error("evaluate task", "task", t.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		s.dispatchTask(ctx, t)
	}
}

func (s *Scheduler) dispatchTask(ctx context.Context, t *model.Task) {
	candidates := s.registry.Index().Candidates(t.PhaseID, t.RequiredCapabilities)
	if len(candidates) == 0 {
		mismatchTotal.Inc()
		s.logger.Debug("capability_mismatch",
			"task", t.ID, "phase", t.PhaseID,
			"missing", s.registry.Index().Missing(t.PhaseID, t.RequiredCapabilities))
		return
	}

	for _, agentID := range candidates {
		agent, _, err := s.store.GetAgent(ctx, agentID)
		if err != nil || agent == nil || !agent.Assignable() {
			continue
		}
		if !agent.HasCapabilities(t.RequiredCapabilities) {
			continue
		}
		if err := s.assign(ctx, t, agent); err != nil {
			if kerr.CodeOf(err) == kerr.CodeConflict {
				return // someone else moved the task; next pass re-evaluates
			}
			s.logger.Error("assign task", "task", t.ID, "agent", agentID, "error", err)
			continue
		}
		return
	}
}

// assign transitions pending -> assigned and binds the agent, publishing
// task.assigned on the agent's partition.
func (s *Scheduler) assign(ctx context.Context, t *model.Task, agent *model.Agent) error {
	task, version, err := s.store.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}
	if task == nil || task.Status != model.TaskPending {
		return kerr.ErrConflict("task", t.ID)
	}

	task.Status = model.TaskAssigned
	task.AssignedAgentID = agent.ID
	task.Touch(s.clock.Now())
	if err := s.store.UpdateTask(ctx, task, version); err != nil {
		return err
	}

	if err := s.registry.Assign(ctx, agent.ID, task.ID); err != nil {
		// Roll the task back so another agent can pick it up.
		task.Status = model.TaskPending
		task.AssignedAgentID = ""
		task.Touch(s.clock.Now())
		if rbErr := s.store.UpdateTask(ctx, task, version+1); rbErr != nil {
			s.logger.Error("roll back assignment", "task", task.ID, "error", rbErr)
		}
		return err
	}

	dispatchedTotal.WithLabelValues(task.PhaseID).Inc()
	s.logger.Info("task assigned", "task", task.ID, "agent", agent.ID, "phase", task.PhaseID)
	if _, err := bus.Emit(ctx, s.bus, bus.TopicTaskAssigned, agent.ID, "", task); err != nil {
		s.logger.Error("publish task.assigned", "task", task.ID, "error", err)
	}
	return nil
}

// Start moves an assigned task to in_progress. Called when the bound
// agent acknowledges the assignment.
func (s *Scheduler) Start(ctx context.Context, taskID, agentID string) error {
	return s.transition(ctx, taskID, model.TaskInProgress, func(t *model.Task) error {
		if t.AssignedAgentID != agentID {
			return kerr.ErrNotAuthorized(fmt.Sprintf("task %s is assigned to another agent", taskID))
		}
		now := s.clock.Now()
		t.StartedAt = &now
		return nil
	}, bus.TopicTaskStarted)
}

// SubmitForReview moves an in-progress task to under_review, bumping the
// validation iteration. Tasks without validation go straight to done.
func (s *Scheduler) SubmitForReview(ctx context.Context, taskID, agentID string) error {
	task, _, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return kerr.ErrNotFound("task", taskID)
	}
	if task.AssignedAgentID != agentID {
		return kerr.ErrNotAuthorized(fmt.Sprintf("task %s is assigned to another agent", taskID))
	}

	if !task.ValidationEnabled {
		return s.Complete(ctx, taskID)
	}

	if task.ValidationIteration >= s.cfg.Scheduling.MaxIterations {
		if err := s.Fail(ctx, taskID, "max validation iterations exceeded"); err != nil {
			return err
		}
		return kerr.ErrMaxIterations(taskID, s.cfg.Scheduling.MaxIterations)
	}

	return s.transition(ctx, taskID, model.TaskUnderReview, func(t *model.Task) error {
		t.ValidationIteration++
		return nil
	}, "")
}

// Complete marks a task done and releases its agent.
func (s *Scheduler) Complete(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, model.TaskDone, func(t *model.Task) error {
		now := s.clock.Now()
		t.CompletedAt = &now
		return nil
	}, bus.TopicTaskCompleted)
}

// Fail terminates a task and releases its agent.
func (s *Scheduler) Fail(ctx context.Context, taskID, reason string) error {
	return s.transition(ctx, taskID, model.TaskFailed, func(t *model.Task) error {
		t.BlockedReason = reason
		now := s.clock.Now()
		t.CompletedAt = &now
		return nil
	}, bus.TopicTaskFailed)
}

// Block parks a task, keeping its assignment for later resumption.
func (s *Scheduler) Block(ctx context.Context, taskID, reason string) error {
	return s.transition(ctx, taskID, model.TaskBlocked, func(t *model.Task) error {
		t.BlockedReason = reason
		return nil
	}, bus.TopicTaskBlocked)
}

// NeedsWork bounces a reviewed task back to the queue with feedback.
func (s *Scheduler) NeedsWork(ctx context.Context, taskID, feedback string) error {
	return s.transition(ctx, taskID, model.TaskNeedsWork, func(t *model.Task) error {
		t.LastValidationFeedback = feedback
		return nil
	}, bus.TopicTaskNeedsWork)
}

// Resume moves a needs_work task back to in_progress, preferring the same
// assignee.
func (s *Scheduler) Resume(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, model.TaskInProgress, nil, "")
}

// transition applies a validated status move under optimistic concurrency,
// runs the mutator, and publishes the given topic. Terminal transitions
// and blocked release/preserve the agent binding respectively.
func (s *Scheduler) transition(ctx context.Context, taskID string, to model.TaskStatus, mutate func(*model.Task) error, topic string) error {
	task, version, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return kerr.ErrNotFound("task", taskID)
	}
	if !model.CanTransitionTask(task.Status, to) {
		return kerr.ErrInvalidTransition("task", string(task.Status), string(to))
	}

	agentID := task.AssignedAgentID
	task.Status = to
	if mutate != nil {
		if err := mutate(task); err != nil {
			return err
		}
	}
	if model.IsTerminalTask(to) {
		task.AssignedAgentID = ""
	}
	task.Touch(s.clock.Now())
	if err := s.store.UpdateTask(ctx, task, version); err != nil {
		return err
	}

	if model.IsTerminalTask(to) && agentID != "" {
		if err := s.registry.Release(ctx, agentID); err != nil {
			s.logger.Error("release agent", "agent", agentID, "task", taskID, "error", err)
		}
	}

	if topic != "" {
		partition := task.ID
		if topic == bus.TopicTaskAssigned {
			partition = agentID
		}
		if _, err := bus.Emit(ctx, s.bus, topic, partition, agentID, task); err != nil {
			s.logger.Error("publish task event", "topic", topic, "task", taskID, "error", err)
		}
	}
	return nil
}

// SweepTimeouts blocks in-progress tasks that overran their phase timeout.
// The assignment survives so the agent can resume after recovery.
func (s *Scheduler) SweepTimeouts(ctx context.Context) {
	running, err := s.store.ListTasks(ctx, db.TaskFilter{Statuses: []model.TaskStatus{model.TaskInProgress}})
	if err != nil {
		s.logger.Error("list running tasks", "error", err)
		return
	}

	now := s.clock.Now()
	for _, t := range running {
		if t.StartedAt == nil {
			continue
		}
		if now.Sub(*t.StartedAt) <= s.cfg.TaskTimeout(t.PhaseID) {
			continue
		}
		timeoutsTotal.Inc()
		s.logger.Warn("task timed out", "task", t.ID, "phase", t.PhaseID, "started_at", t.StartedAt)
		if err := s.Block(ctx, t.ID, BlockedReasonTimeout); err != nil {
			s.logger.Error("block timed-out task", "task", t.ID, "error", err)
		}
	}
}

// RunDispatcher runs dispatch passes and the timeout sweep until the
// context is canceled.
func (s *Scheduler) RunDispatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.cfg.Scheduling.DispatchInterval):
			s.DispatchOnce(ctx)
			s.SweepTimeouts(ctx)
		}
	}
}
