package scheduler_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/clock"
	"github.com/kestrelhq/kestrel/internal/config"
	kerr "github.com/kestrelhq/kestrel/internal/errors"
	"github.com/kestrelhq/kestrel/internal/model"
	"github.com/kestrelhq/kestrel/internal/registry"
	"github.com/kestrelhq/kestrel/internal/scheduler"
	"github.com/kestrelhq/kestrel/internal/store"
)

type fixture struct {
	backend  *store.DatabaseBackend
	clock    *clock.Fake
	bus      *bus.Bus
	registry *registry.Registry
	sched    *scheduler.Scheduler
	cfg      *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := store.NewTestBackend(t)
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Default()
	cfg.Scheduling.MaxIterations = 2

	b := bus.New(backend, clk, cfg.Bus, nil)
	t.Cleanup(b.Close)
	reg := registry.New(backend, b, clk, cfg.Heartbeat, nil)
	return &fixture{
		backend:  backend,
		clock:    clk,
		bus:      b,
		registry: reg,
		sched:    scheduler.New(backend, b, reg, clk, cfg, nil),
		cfg:      cfg,
	}
}

func (f *fixture) newTicket(t *testing.T, approval model.ApprovalStatus) *model.Ticket {
	t.Helper()
	now := f.clock.Now()
	ticket := &model.Ticket{
		Title:          "demo ticket",
		Status:         "in_development",
		PhaseID:        "implementation",
		Priority:       model.PriorityMedium,
		ApprovalStatus: approval,
	}
	ticket.ID = model.NewID()
	ticket.CreatedAt = now
	ticket.UpdatedAt = now
	require.NoError(t, f.backend.InsertTicket(context.Background(), ticket))
	return ticket
}

func (f *fixture) newTask(t *testing.T, ticketID string, caps, deps []string) *model.Task {
	t.Helper()
	task := &model.Task{
		TicketID:             ticketID,
		PhaseID:              "implementation",
		Title:                "do the work",
		RequiredCapabilities: caps,
		Dependencies:         deps,
	}
	require.NoError(t, f.sched.CreateTask(context.Background(), task))
	return task
}

func (f *fixture) newAgent(t *testing.T, caps ...string) *model.Agent {
	t.Helper()
	resp, err := f.registry.Register(context.Background(), registry.RegisterRequest{
		Type:         model.AgentWorker,
		PhaseID:      "implementation",
		Capabilities: caps,
		Version:      "1.0.0",
	})
	require.NoError(t, err)
	return resp.Agent
}

func (f *fixture) task(t *testing.T, id string) *model.Task {
	t.Helper()
	task, _, err := f.backend.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func TestCreateTaskDefaults(t *testing.T) {
	f := newFixture(t)
	ticket := f.newTicket(t, model.ApprovalNotRequired)

	task := f.newTask(t, ticket.ID, nil, nil)
	assert.Equal(t, model.TaskPending, task.Status)
	assert.Equal(t, model.PriorityMedium, task.Priority)
	assert.NotEmpty(t, task.ID)

	bad := &model.Task{PhaseID: "implementation", Title: "orphan"}
	err := f.sched.CreateTask(context.Background(), bad)
	require.Error(t, err, "ticket binding is mandatory")

	bad = &model.Task{TicketID: ticket.ID, PhaseID: "implementation", Priority: "urgent-ish"}
	err = f.sched.CreateTask(context.Background(), bad)
	require.Error(t, err, "unknown priority rejected")
}

func TestCreateTaskRejectsDependencyCycle(t *testing.T) {
	f := newFixture(t)
	ticket := f.newTicket(t, model.ApprovalNotRequired)
	ctx := context.Background()

	self := &model.Task{TicketID: ticket.ID, PhaseID: "implementation", Title: "self"}
	self.ID = model.NewID()
	self.Dependencies = []string{self.ID}
	err := f.sched.CreateTask(ctx, self)
	require.Error(t, err)
	assert.Equal(t, kerr.CodeDependencyCycle, kerr.CodeOf(err))

	a := f.newTask(t, ticket.ID, nil, nil)

	// Closing a cycle through an existing chain: b depends on a, and a new
	// task with a fixed ID that b transitively reaches.
	c := &model.Task{TicketID: ticket.ID, PhaseID: "implementation", Title: "c"}
	c.ID = model.NewID()
	b := &model.Task{TicketID: ticket.ID, PhaseID: "implementation", Title: "b", Dependencies: []string{a.ID, c.ID}}
	b.ID = model.NewID()

	// b cannot be created first because c does not exist yet.
	err = f.sched.CreateTask(ctx, b)
	require.Error(t, err)
	assert.Equal(t, kerr.CodeNotFound, kerr.CodeOf(err))

	require.NoError(t, f.sched.CreateTask(ctx, c))
	require.NoError(t, f.sched.CreateTask(ctx, b))

	cyclic := &model.Task{TicketID: ticket.ID, PhaseID: "implementation", Title: "cyclic"}
	cyclic.ID = model.NewID()
	// Pre-store a task that depends on cyclic's ID, then close the loop.
	pre := &model.Task{TicketID: ticket.ID, PhaseID: "implementation", Title: "pre", Dependencies: []string{cyclic.ID}}
	pre.ID = model.NewID()
	pre.Status = model.TaskPending
	pre.CreatedAt = f.clock.Now()
	pre.UpdatedAt = f.clock.Now()
	require.NoError(t, f.backend.InsertTask(ctx, pre))

	cyclic.Dependencies = []string{pre.ID}
	err = f.sched.CreateTask(ctx, cyclic)
	require.Error(t, err)
	assert.Equal(t, kerr.CodeDependencyCycle, kerr.CodeOf(err))
}

func TestDispatchMatchesCapabilities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.newTicket(t, model.ApprovalNotRequired)
	agent := f.newAgent(t, "go", "sql")

	matched := f.newTask(t, ticket.ID, []string{"go"}, nil)
	unmatched := f.newTask(t, ticket.ID, []string{"haskell"}, nil)

	f.sched.DispatchOnce(ctx)

	got := f.task(t, matched.ID)
	assert.Equal(t, model.TaskAssigned, got.Status)
	assert.Equal(t, agent.ID, got.AssignedAgentID)

	assert.Equal(t, model.TaskPending, f.task(t, unmatched.ID).Status)

	boundAgent, _, err := f.backend.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentRunning, boundAgent.Status)
	assert.Equal(t, matched.ID, boundAgent.CurrentTaskID)
}

func TestDispatchLogsCapabilityMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sched := scheduler.New(f.backend, f.bus, f.registry, f.clock, f.cfg, logger)

	f.newAgent(t, "go")
	ticket := f.newTicket(t, model.ApprovalNotRequired)
	task := f.newTask(t, ticket.ID, []string{"go", "rust"}, nil)

	sched.DispatchOnce(ctx)

	assert.Equal(t, model.TaskPending, f.task(t, task.ID).Status)
	out := buf.String()
	assert.Contains(t, out, "capability_mismatch")
	assert.Contains(t, out, "missing=[rust]", "only the uncovered capability is reported")
}

func TestDispatchHonorsApprovalGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.newTicket(t, model.ApprovalPendingReview)
	f.newAgent(t, "go")

	task := f.newTask(t, ticket.ID, []string{"go"}, nil)
	f.sched.DispatchOnce(ctx)
	assert.Equal(t, model.TaskPending, f.task(t, task.ID).Status)

	stored, version, err := f.backend.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	stored.ApprovalStatus = model.ApprovalApproved
	require.NoError(t, f.backend.UpdateTicket(ctx, stored, version))

	f.sched.DispatchOnce(ctx)
	assert.Equal(t, model.TaskAssigned, f.task(t, task.ID).Status)
}

func TestDispatchWaitsForDependencies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.newTicket(t, model.ApprovalNotRequired)
	f.newAgent(t, "go")

	dep := f.newTask(t, ticket.ID, []string{"go"}, nil)
	child := f.newTask(t, ticket.ID, []string{"go"}, []string{dep.ID})

	f.sched.DispatchOnce(ctx)
	assert.Equal(t, model.TaskAssigned, f.task(t, dep.ID).Status)
	assert.Equal(t, model.TaskPending, f.task(t, child.ID).Status)

	require.NoError(t, f.sched.Start(ctx, dep.ID, f.task(t, dep.ID).AssignedAgentID))
	require.NoError(t, f.sched.Complete(ctx, dep.ID))

	f.sched.DispatchOnce(ctx)
	assert.Equal(t, model.TaskAssigned, f.task(t, child.ID).Status)
}

func TestStartRequiresBoundAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.newTicket(t, model.ApprovalNotRequired)
	agent := f.newAgent(t, "go")
	task := f.newTask(t, ticket.ID, []string{"go"}, nil)
	f.sched.DispatchOnce(ctx)

	err := f.sched.Start(ctx, task.ID, "somebody-else")
	require.Error(t, err)
	assert.Equal(t, kerr.CodeNotAuthorized, kerr.CodeOf(err))

	require.NoError(t, f.sched.Start(ctx, task.ID, agent.ID))
	got := f.task(t, task.ID)
	assert.Equal(t, model.TaskInProgress, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestSubmitWithoutValidationCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.newTicket(t, model.ApprovalNotRequired)
	agent := f.newAgent(t, "go")
	task := f.newTask(t, ticket.ID, []string{"go"}, nil)
	f.sched.DispatchOnce(ctx)
	require.NoError(t, f.sched.Start(ctx, task.ID, agent.ID))

	require.NoError(t, f.sched.SubmitForReview(ctx, task.ID, agent.ID))

	got := f.task(t, task.ID)
	assert.Equal(t, model.TaskDone, got.Status)
	assert.Empty(t, got.AssignedAgentID, "terminal states clear the binding")
	require.NotNil(t, got.CompletedAt)

	released, _, err := f.backend.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentIdle, released.Status)
}

func TestSubmitForReviewBumpsIteration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.newTicket(t, model.ApprovalNotRequired)
	agent := f.newAgent(t, "go")

	task := &model.Task{
		TicketID:             ticket.ID,
		PhaseID:              "implementation",
		Title:                "validated work",
		RequiredCapabilities: []string{"go"},
		ValidationEnabled:    true,
	}
	require.NoError(t, f.sched.CreateTask(ctx, task))
	f.sched.DispatchOnce(ctx)
	require.NoError(t, f.sched.Start(ctx, task.ID, agent.ID))

	require.NoError(t, f.sched.SubmitForReview(ctx, task.ID, agent.ID))
	got := f.task(t, task.ID)
	assert.Equal(t, model.TaskUnderReview, got.Status)
	assert.Equal(t, 1, got.ValidationIteration)
}

func TestSubmitForReviewExhaustsIterations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.newTicket(t, model.ApprovalNotRequired)
	agent := f.newAgent(t, "go")

	task := &model.Task{
		TicketID:             ticket.ID,
		PhaseID:              "implementation",
		Title:                "never passes",
		RequiredCapabilities: []string{"go"},
		ValidationEnabled:    true,
	}
	require.NoError(t, f.sched.CreateTask(ctx, task))
	f.sched.DispatchOnce(ctx)
	require.NoError(t, f.sched.Start(ctx, task.ID, agent.ID))

	for i := 0; i < f.cfg.Scheduling.MaxIterations; i++ {
		require.NoError(t, f.sched.SubmitForReview(ctx, task.ID, agent.ID))
		require.NoError(t, f.sched.NeedsWork(ctx, task.ID, "not quite"))
		require.NoError(t, f.sched.Resume(ctx, task.ID))
	}

	err := f.sched.SubmitForReview(ctx, task.ID, agent.ID)
	require.Error(t, err)
	assert.Equal(t, kerr.CodeMaxIterations, kerr.CodeOf(err))

	got := f.task(t, task.ID)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, "max validation iterations exceeded", got.BlockedReason)
}

func TestNeedsWorkKeepsFeedback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.newTicket(t, model.ApprovalNotRequired)
	agent := f.newAgent(t, "go")

	task := &model.Task{
		TicketID:             ticket.ID,
		PhaseID:              "implementation",
		Title:                "reviewed",
		RequiredCapabilities: []string{"go"},
		ValidationEnabled:    true,
	}
	require.NoError(t, f.sched.CreateTask(ctx, task))
	f.sched.DispatchOnce(ctx)
	require.NoError(t, f.sched.Start(ctx, task.ID, agent.ID))
	require.NoError(t, f.sched.SubmitForReview(ctx, task.ID, agent.ID))

	require.NoError(t, f.sched.NeedsWork(ctx, task.ID, "missing error handling"))
	got := f.task(t, task.ID)
	assert.Equal(t, model.TaskNeedsWork, got.Status)
	assert.Equal(t, "missing error handling", got.LastValidationFeedback)
	assert.Equal(t, agent.ID, got.AssignedAgentID, "assignment survives needs_work")

	require.NoError(t, f.sched.Resume(ctx, task.ID))
	assert.Equal(t, model.TaskInProgress, f.task(t, task.ID).Status)
}

func TestSweepTimeoutsBlocksOverrunningTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.newTicket(t, model.ApprovalNotRequired)
	agent := f.newAgent(t, "go")
	task := f.newTask(t, ticket.ID, []string{"go"}, nil)
	f.sched.DispatchOnce(ctx)
	require.NoError(t, f.sched.Start(ctx, task.ID, agent.ID))

	f.clock.Advance(f.cfg.TaskTimeout("implementation") / 2)
	f.sched.SweepTimeouts(ctx)
	assert.Equal(t, model.TaskInProgress, f.task(t, task.ID).Status)

	f.clock.Advance(f.cfg.TaskTimeout("implementation"))
	f.sched.SweepTimeouts(ctx)

	got := f.task(t, task.ID)
	assert.Equal(t, model.TaskBlocked, got.Status)
	assert.Equal(t, scheduler.BlockedReasonTimeout, got.BlockedReason)
	assert.Equal(t, agent.ID, got.AssignedAgentID, "assignment survives a timeout block")
}

func TestFailRecordsReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.newTicket(t, model.ApprovalNotRequired)
	agent := f.newAgent(t, "go")
	task := f.newTask(t, ticket.ID, []string{"go"}, nil)
	f.sched.DispatchOnce(ctx)
	require.NoError(t, f.sched.Start(ctx, task.ID, agent.ID))

	require.NoError(t, f.sched.Fail(ctx, task.ID, "environment broken"))
	got := f.task(t, task.ID)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, "environment broken", got.BlockedReason)
	require.NotNil(t, got.CompletedAt)

	released, _, err := f.backend.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentIdle, released.Status)
}

func TestReadyBatchOrderAndLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.newTicket(t, model.ApprovalNotRequired)

	low := &model.Task{TicketID: ticket.ID, PhaseID: "implementation", Title: "low", Priority: model.PriorityLow}
	require.NoError(t, f.sched.CreateTask(ctx, low))
	crit := &model.Task{TicketID: ticket.ID, PhaseID: "implementation", Title: "crit", Priority: model.PriorityCritical}
	require.NoError(t, f.sched.CreateTask(ctx, crit))
	med := f.newTask(t, ticket.ID, nil, nil)
	blocked := f.newTask(t, ticket.ID, nil, []string{med.ID})

	batch, err := f.sched.ReadyBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, crit.ID, batch[0].ID, "critical first")
	assert.Equal(t, med.ID, batch[1].ID, "then the next priority rank")

	all, err := f.sched.ReadyBatch(ctx, 10)
	require.NoError(t, err)
	for _, task := range all {
		assert.NotEqual(t, blocked.ID, task.ID, "tasks with unmet dependencies stay out")
	}
}
