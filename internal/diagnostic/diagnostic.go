// Package diagnostic implements the stuck-workflow monitor: a periodic
// sweep that detects tickets with no runnable work and no validated
// result, then spawns a recovery task through the discovery service.
package diagnostic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/clock"
	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/db"
	"github.com/kestrelhq/kestrel/internal/discovery"
	"github.com/kestrelhq/kestrel/internal/model"
	"github.com/kestrelhq/kestrel/internal/store"
)

// Monitor runs the diagnostic loop.
type Monitor struct {
	store     store.Backend
	bus       *bus.Bus
	discovery *discovery.Service
	clock     clock.Clock
	cfg       config.DiscoveryConfig
	logger    *slog.Logger
}

// New creates a diagnostic monitor.
func New(backend store.Backend, b *bus.Bus, disc *discovery.Service, clk clock.Clock, cfg config.DiscoveryConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:     backend,
		bus:       b,
		discovery: disc,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
	}
}

// SweepOnce evaluates the stuck predicate for every live ticket.
func (m *Monitor) SweepOnce(ctx context.Context) {
	tickets, err := m.store.ListTickets(ctx, "")
	if err != nil {
		m.logger.Error("list tickets", "error", err)
		return
	}
	for _, t := range tickets {
		stuck, tasks, err := m.stuck(ctx, t)
		if err != nil {
			m.logger.Error("evaluate stuck predicate", "ticket", t.ID, "error", err)
			continue
		}
		if stuck {
			m.trigger(ctx, t, tasks)
		}
	}
}

// stuck is true when ALL hold: the ticket has tasks, none are active, no
// workflow result validated, the cooldown elapsed, and the last task
// activity is older than the stuck threshold.
func (m *Monitor) stuck(ctx context.Context, t *model.Ticket) (bool, []*model.Task, error) {
	tasks, err := m.store.ListTasks(ctx, db.TaskFilter{TicketID: t.ID})
	if err != nil {
		return false, nil, err
	}
	if len(tasks) == 0 {
		return false, nil, nil
	}
	for _, task := range tasks {
		if model.IsActiveTask(task.Status) {
			return false, nil, nil
		}
	}

	result, err := m.store.LatestWorkflowResult(ctx, t.ID)
	if err != nil {
		return false, nil, err
	}
	if result != nil && result.ValidationStatus == "validated" {
		return false, nil, nil
	}

	now := m.clock.Now()
	cooling, err := m.store.WorkflowInCooldown(ctx, t.ID, now)
	if err != nil {
		return false, nil, err
	}
	if cooling {
		return false, nil, nil
	}

	lastActivity, err := m.store.LatestTaskActivity(ctx, t.ID)
	if err != nil {
		return false, nil, err
	}
	if now.Sub(lastActivity) <= m.cfg.StuckThreshold {
		return false, nil, nil
	}
	return true, tasks, nil
}

func (m *Monitor) trigger(ctx context.Context, t *model.Ticket, tasks []*model.Task) {
	now := m.clock.Now()
	snapshot := m.snapshot(t, tasks)

	run := &model.DiagnosticRun{
		WorkflowID:      t.ID,
		TriggerReason:   "no active tasks and no validated result",
		ContextSnapshot: snapshot,
		Status:          "open",
		CooldownUntil:   now.Add(m.cfg.DiagnosticCooldown),
	}
	run.ID = model.NewID()
	run.CreatedAt = now
	run.UpdatedAt = now
	if err := m.store.InsertDiagnosticRun(ctx, run); err != nil {
		m.logger.Error("insert diagnostic run", "ticket", t.ID, "error", err)
		return
	}

	m.logger.Warn("workflow stuck, spawning recovery task", "ticket", t.ID, "run", run.ID)
	if _, err := bus.Emit(ctx, m.bus, bus.TopicDiagnosticStarted, t.ID, "diagnostic", run); err != nil {
		m.logger.Error("publish diagnostic.started", "run", run.ID, "error", err)
	}

	// The most recent task anchors the recovery branch.
	source := tasks[len(tasks)-1]
	for _, task := range tasks {
		if task.UpdatedAt.After(source.UpdatedAt) {
			source = task
		}
	}

	_, spawned, err := m.discovery.RecordAndBranch(ctx, discovery.BranchRequest{
		SourceTaskID: source.ID,
		Type:         model.DiscoveryNoResult,
		Description:  fmt.Sprintf("diagnostic run %s: workflow produced no validated result", run.ID),
		SpawnPhaseID: t.PhaseID,
		SpawnDescription: "Investigate why this workflow stalled, finish the remaining work, " +
			"and submit final result.\n\nContext:\n" + snapshot,
		PriorityBoost: true,
		Actor:         "diagnostic",
	})
	if err != nil {
		m.logger.Error("spawn recovery task", "ticket", t.ID, "error", err)
		return
	}
	if spawned != nil {
		run.SpawnedTaskIDs = []string{spawned.ID}
		run.Touch(m.clock.Now())
		if err := m.store.UpdateDiagnosticRun(ctx, run); err != nil {
			m.logger.Error("update diagnostic run", "run", run.ID, "error", err)
		}
	}
}

// snapshot gathers the workflow goal, recent task summaries, and failure
// signatures for the recovery prompt.
func (m *Monitor) snapshot(t *model.Ticket, tasks []*model.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "goal: %s (phase %s)\n", t.Title, t.PhaseID)
	if t.ContextSummary != "" {
		fmt.Fprintf(&b, "summary: %s\n", t.ContextSummary)
	}
	for _, task := range tasks {
		fmt.Fprintf(&b, "- task %s [%s] %s", task.ID, task.Status, task.Title)
		if task.BlockedReason != "" {
			fmt.Fprintf(&b, " (reason: %s)", task.BlockedReason)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ResolveRun closes open diagnostic runs whose recovery task completed.
// Wired to task.completed on the bus.
func (m *Monitor) ResolveRun(ctx context.Context, completedTaskID string) error {
	runs, err := m.store.ListOpenDiagnosticRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		matched := false
		for _, id := range run.SpawnedTaskIDs {
			if id == completedTaskID {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		run.Status = "resolved"
		run.Touch(m.clock.Now())
		if err := m.store.UpdateDiagnosticRun(ctx, run); err != nil {
			return err
		}
		if _, err := bus.Emit(ctx, m.bus, bus.TopicDiagnosticCompleted, run.WorkflowID, "diagnostic", run); err != nil {
			m.logger.Error("publish diagnostic.completed", "run", run.ID, "error", err)
		}
	}
	return nil
}

// Run sweeps until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.cfg.MonitorInterval):
			m.SweepOnce(ctx)
		}
	}
}
