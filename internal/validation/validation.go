// Package validation implements the feedback-driven validation loop:
// validator binding for tasks under review, review acceptance, and the
// per-iteration timeout.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/clock"
	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/db"
	"github.com/kestrelhq/kestrel/internal/discovery"
	kerr "github.com/kestrelhq/kestrel/internal/errors"
	"github.com/kestrelhq/kestrel/internal/model"
	"github.com/kestrelhq/kestrel/internal/registry"
	"github.com/kestrelhq/kestrel/internal/scheduler"
	"github.com/kestrelhq/kestrel/internal/store"
)

// FailReasonTimeout terminates tasks whose validation iteration overran.
const FailReasonTimeout = "validation_timeout"

// Engine runs the validation loop.
type Engine struct {
	store     store.Backend
	bus       *bus.Bus
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	discovery *discovery.Service
	clock     clock.Clock
	cfg       *config.Config
	logger    *slog.Logger
	deadlines *clock.DeadlineQueue
}

// New creates a validation engine.
func New(backend store.Backend, b *bus.Bus, reg *registry.Registry, sched *scheduler.Scheduler, disc *discovery.Service, clk clock.Clock, cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     backend,
		bus:       b,
		registry:  reg,
		scheduler: sched,
		discovery: disc,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
		deadlines: clock.NewDeadlineQueue(clk, time.Second),
	}
}

// Deadlines exposes the iteration timeout queue for the runner.
func (e *Engine) Deadlines() *clock.DeadlineQueue {
	return e.deadlines
}

// DispatchOnce binds an idle validator to every task waiting under review.
// Tasks stay under_review until a validator is available.
func (e *Engine) DispatchOnce(ctx context.Context) {
	waiting, err := e.store.ListTasks(ctx, db.TaskFilter{Statuses: []model.TaskStatus{model.TaskUnderReview}})
	if err != nil {
		e.logger.Error("list tasks under review", "error", err)
		return
	}
	for _, t := range waiting {
		if err := e.bindValidator(ctx, t); err != nil {
			e.logger.Debug("validator binding deferred", "task", t.ID, "error", err)
		}
	}
}

func (e *Engine) bindValidator(ctx context.Context, t *model.Task) error {
	validator, err := e.idleValidator(ctx)
	if err != nil {
		return err
	}
	if validator == nil {
		return fmt.Errorf("no idle validator available")
	}

	task, version, err := e.store.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}
	if task == nil || task.Status != model.TaskUnderReview {
		return nil
	}

	task.Status = model.TaskValidationInProgress
	task.Touch(e.clock.Now())
	if err := e.store.UpdateTask(ctx, task, version); err != nil {
		return err
	}
	if err := e.registry.Assign(ctx, validator.ID, task.ID); err != nil {
		// Give the task back to the review queue for the next pass.
		task.Status = model.TaskUnderReview
		task.Touch(e.clock.Now())
		if rbErr := e.store.UpdateTask(ctx, task, version+1); rbErr != nil {
			e.logger.Error("revert validator binding", "task", task.ID, "error", rbErr)
		}
		return err
	}

	e.armTimeout(task.ID, validator.ID, task.ValidationIteration)

	e.logger.Info("validation started",
		"task", task.ID, "validator", validator.ID, "iteration", task.ValidationIteration)
	if _, err := bus.Emit(ctx, e.bus, bus.TopicValidationStarted, task.ID, validator.ID, map[string]any{
		"task_id":      task.ID,
		"validator_id": validator.ID,
		"iteration":    task.ValidationIteration,
	}); err != nil {
		e.logger.Error("publish validation.started", "task", task.ID, "error", err)
	}
	return nil
}

func (e *Engine) idleValidator(ctx context.Context) (*model.Agent, error) {
	agents, err := e.store.ListAgents(ctx, "", model.AgentIdle)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if a.Type == model.AgentValidator {
			return a, nil
		}
	}
	return nil, nil
}

func (e *Engine) armTimeout(taskID, validatorID string, iteration int) {
	e.deadlines.Schedule(e.clock.Now().Add(e.cfg.Validation.ValidatorTimeout), func(time.Time) {
		e.expireIteration(taskID, validatorID, iteration)
	})
}

// expireIteration fails a task whose validation iteration never produced
// a review before the timeout.
func (e *Engine) expireIteration(taskID, validatorID string, iteration int) {
	ctx := context.Background()
	task, _, err := e.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		return
	}
	if task.ValidationIteration != iteration || task.Status != model.TaskValidationInProgress {
		return
	}

	e.logger.Warn("validation iteration timed out", "task", taskID, "iteration", iteration)
	if err := e.registry.Release(ctx, validatorID); err != nil {
		e.logger.Error("release validator", "agent", validatorID, "error", err)
	}
	if err := e.scheduler.Fail(ctx, taskID, FailReasonTimeout); err != nil {
		e.logger.Error("fail timed-out validation", "task", taskID, "error", err)
	}
}

// ReviewRequest is one validator verdict for a task iteration.
type ReviewRequest struct {
	TaskID          string
	ValidatorID     string
	IterationNumber int
	Passed          bool
	Feedback        string
	Evidence        string
	Recommendations string
}

// GiveReview accepts exactly one review per iteration. The caller must be
// a validator agent and quote the task's current iteration.
func (e *Engine) GiveReview(ctx context.Context, req ReviewRequest) error {
	validator, _, err := e.store.GetAgent(ctx, req.ValidatorID)
	if err != nil {
		return err
	}
	if validator == nil {
		return kerr.ErrNotFound("agent", req.ValidatorID)
	}
	if validator.Type != model.AgentValidator {
		return kerr.ErrNotAuthorized(fmt.Sprintf("agent %s is not a validator", req.ValidatorID))
	}

	task, _, err := e.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		return kerr.ErrNotFound("task", req.TaskID)
	}
	if task.Status != model.TaskValidationInProgress {
		return kerr.ErrInvalidTransition("task", string(task.Status), "reviewed")
	}
	if req.IterationNumber != task.ValidationIteration {
		return kerr.ErrConflict("validation_iteration", fmt.Sprintf("%s#%d", req.TaskID, req.IterationNumber))
	}

	now := e.clock.Now()
	review := &model.ValidationReview{
		TaskID:           req.TaskID,
		ValidatorAgentID: req.ValidatorID,
		IterationNumber:  req.IterationNumber,
		Passed:           req.Passed,
		Feedback:         req.Feedback,
		Evidence:         req.Evidence,
		Recommendations:  req.Recommendations,
	}
	review.ID = model.NewID()
	review.CreatedAt = now
	review.UpdatedAt = now
	if err := e.store.InsertReview(ctx, review); err != nil {
		return err
	}

	if err := e.registry.Release(ctx, req.ValidatorID); err != nil {
		e.logger.Error("release validator", "agent", req.ValidatorID, "error", err)
	}

	if _, err := bus.Emit(ctx, e.bus, bus.TopicValidationReview, req.TaskID, req.ValidatorID, review); err != nil {
		e.logger.Error("publish review", "task", req.TaskID, "error", err)
	}

	if req.Passed {
		if err := e.scheduler.Complete(ctx, req.TaskID); err != nil {
			return err
		}
		_, err := bus.Emit(ctx, e.bus, bus.TopicValidationPassed, req.TaskID, req.ValidatorID, map[string]any{
			"task_id":   req.TaskID,
			"iteration": req.IterationNumber,
		})
		if err != nil {
			e.logger.Error("publish validation.passed", "task", req.TaskID, "error", err)
		}
		return nil
	}

	originAgent := task.AssignedAgentID
	if err := e.scheduler.NeedsWork(ctx, req.TaskID, req.Feedback); err != nil {
		return err
	}
	// Feedback rides the originating agent's partition so its mailbox
	// picks it up.
	if _, err := bus.Emit(ctx, e.bus, bus.TopicValidationFailed, originAgent, req.ValidatorID, map[string]any{
		"task_id":   req.TaskID,
		"iteration": req.IterationNumber,
		"feedback":  req.Feedback,
	}); err != nil {
		e.logger.Error("publish validation.failed", "task", req.TaskID, "error", err)
	}

	if err := e.maybeBranchOnFailures(ctx, task, req.Feedback); err != nil {
		e.logger.Error("branch on validation failures", "task", req.TaskID, "error", err)
	}

	// Same-session resumption: a surviving assignee continues directly.
	if originAgent != "" {
		if err := e.scheduler.Resume(ctx, req.TaskID); err != nil {
			e.logger.Debug("resume after needs_work", "task", req.TaskID, "error", err)
		}
	}
	return nil
}

// maybeBranchOnFailures spawns a bug-fix branch once a task accumulates
// enough failed reviews.
func (e *Engine) maybeBranchOnFailures(ctx context.Context, task *model.Task, feedback string) error {
	if !e.cfg.Discovery.DiagOnValidationFailures {
		return nil
	}
	failed, err := e.store.CountFailedReviews(ctx, task.ID)
	if err != nil {
		return err
	}
	if failed < e.cfg.Discovery.ValidationFailuresThreshold {
		return nil
	}

	_, _, err = e.discovery.RecordAndBranch(ctx, discovery.BranchRequest{
		SourceTaskID:     task.ID,
		Type:             model.DiscoveryBug,
		Description:      fmt.Sprintf("repeated validation failures (%d): %s", failed, feedback),
		SpawnPhaseID:     task.PhaseID,
		SpawnDescription: feedback,
		PriorityBoost:    true,
		Actor:            "validation",
	})
	// Idempotency returns the original spawn on repeats; that is fine.
	return err
}

// Run drives validator binding and iteration timeouts until the context
// is canceled.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(e.cfg.Scheduling.DispatchInterval):
			e.DispatchOnce(ctx)
			e.deadlines.Tick()
		}
	}
}
