package supervisor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/clock"
	"github.com/kestrelhq/kestrel/internal/config"
	kerr "github.com/kestrelhq/kestrel/internal/errors"
	"github.com/kestrelhq/kestrel/internal/model"
	"github.com/kestrelhq/kestrel/internal/registry"
	"github.com/kestrelhq/kestrel/internal/scheduler"
	"github.com/kestrelhq/kestrel/internal/store"
	"github.com/kestrelhq/kestrel/internal/supervisor"
)

type fixture struct {
	backend  *store.DatabaseBackend
	clock    *clock.Fake
	registry *registry.Registry
	svc      *supervisor.Service
	cfg      *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := store.NewTestBackend(t)
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Default()
	b := bus.New(backend, clk, cfg.Bus, nil)
	t.Cleanup(b.Close)

	reg := registry.New(backend, b, clk, cfg.Heartbeat, nil)
	sched := scheduler.New(backend, b, reg, clk, cfg, nil)
	return &fixture{
		backend:  backend,
		clock:    clk,
		registry: reg,
		svc:      supervisor.New(backend, b, reg, sched, clk, cfg.Supervisor, nil),
		cfg:      cfg,
	}
}

func (f *fixture) registerAgent(t *testing.T, agentType model.AgentType, maxConcurrent int) *model.Agent {
	t.Helper()
	resp, err := f.registry.Register(context.Background(), registry.RegisterRequest{
		Type:          agentType,
		PhaseID:       "implementation",
		Version:       "1.0.0",
		MaxConcurrent: maxConcurrent,
	})
	require.NoError(t, err)
	return resp.Agent
}

func (f *fixture) insertTask(t *testing.T, status model.TaskStatus, priority model.TaskPriority, agentID string) *model.Task {
	t.Helper()
	now := f.clock.Now()
	task := &model.Task{
		TicketID:        "ticket-1",
		PhaseID:         "implementation",
		Title:           "intervention target",
		Priority:        priority,
		Status:          status,
		AssignedAgentID: agentID,
	}
	task.ID = model.NewID()
	task.CreatedAt = now
	task.UpdatedAt = now
	require.NoError(t, f.backend.InsertTask(context.Background(), task))
	return task
}

func (f *fixture) task(t *testing.T, id string) *model.Task {
	t.Helper()
	task, _, err := f.backend.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func (f *fixture) agent(t *testing.T, id string) *model.Agent {
	t.Helper()
	agent, _, err := f.backend.GetAgent(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, agent)
	return agent
}

func TestIssueRejectsInsufficientAuthority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	worker := f.registerAgent(t, model.AgentWorker, 1)
	task := f.insertTask(t, model.TaskInProgress, model.PriorityMedium, "")

	_, err := f.svc.Issue(ctx, supervisor.IssueRequest{
		ActorID:    worker.ID,
		ActionType: model.ActionCancelTask,
		Target:     task.ID,
		Reason:     "workers cannot cancel",
	})
	require.Error(t, err)
	assert.Equal(t, kerr.CodeNotAuthorized, kerr.CodeOf(err))

	watchdog := f.registerAgent(t, model.AgentWatchdog, 1)
	_, err = f.svc.Issue(ctx, supervisor.IssueRequest{
		ActorID:    watchdog.ID,
		ActionType: model.ActionQuarantineAgent,
		Target:     worker.ID,
		Reason:     "watchdogs cannot quarantine",
	})
	require.Error(t, err)
	assert.Equal(t, kerr.CodeNotAuthorized, kerr.CodeOf(err))
}

func TestCancelTaskAndRevert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	watchdog := f.registerAgent(t, model.AgentWatchdog, 1)
	task := f.insertTask(t, model.TaskInProgress, model.PriorityMedium, "")

	action, err := f.svc.Issue(ctx, supervisor.IssueRequest{
		ActorID:    watchdog.ID,
		ActionType: model.ActionCancelTask,
		Target:     task.ID,
		Reason:     "runaway loop",
	})
	require.NoError(t, err)

	cancelled := f.task(t, task.ID)
	assert.Equal(t, model.TaskFailed, cancelled.Status)
	assert.Equal(t, "cancelled: runaway loop", cancelled.BlockedReason)

	require.NoError(t, f.svc.Revert(ctx, action.ID, watchdog.ID))

	restored := f.task(t, task.ID)
	assert.Equal(t, model.TaskInProgress, restored.Status)
	assert.Empty(t, restored.BlockedReason)
	assert.Nil(t, restored.CompletedAt)

	stored, err := f.backend.GetSupervisorAction(ctx, action.ID)
	require.NoError(t, err)
	assert.True(t, stored.Reversed)
}

func TestAuditLogCarriesSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	watchdog := f.registerAgent(t, model.AgentWatchdog, 1)
	task := f.insertTask(t, model.TaskInProgress, model.PriorityLow, "")

	action, err := f.svc.Issue(ctx, supervisor.IssueRequest{
		ActorID:     watchdog.ID,
		ActionType:  model.ActionOverridePriority,
		Target:      task.ID,
		NewPriority: model.PriorityCritical,
		Reason:      "release blocker",
	})
	require.NoError(t, err)

	issued := gjson.Get(action.AuditLog, `#(event=="issued")`)
	require.True(t, issued.Exists())
	assert.Equal(t, watchdog.ID, issued.Get("actor").String())
	assert.Equal(t, "release blocker", issued.Get("note").String())
	assert.Equal(t, "low", issued.Get("pre.priority").String())
	assert.Equal(t, "critical", issued.Get("post.priority").String())
}

func TestRevertRequiresIssuerAuthority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	monitor := f.registerAgent(t, model.AgentMonitor, 1)
	watchdog := f.registerAgent(t, model.AgentWatchdog, 1)
	task := f.insertTask(t, model.TaskInProgress, model.PriorityMedium, "")

	action, err := f.svc.Issue(ctx, supervisor.IssueRequest{
		ActorID:    monitor.ID,
		ActionType: model.ActionCancelTask,
		Target:     task.ID,
		Reason:     "issued at monitor level",
	})
	require.NoError(t, err)

	err = f.svc.Revert(ctx, action.ID, watchdog.ID)
	require.Error(t, err, "a watchdog cannot revert a monitor's action")
	assert.Equal(t, kerr.CodeNotAuthorized, kerr.CodeOf(err))

	require.NoError(t, f.svc.Revert(ctx, action.ID, monitor.ID))
}

func TestRevertWindowIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	watchdog := f.registerAgent(t, model.AgentWatchdog, 1)
	task := f.insertTask(t, model.TaskInProgress, model.PriorityMedium, "")

	action, err := f.svc.Issue(ctx, supervisor.IssueRequest{
		ActorID:    watchdog.ID,
		ActionType: model.ActionCancelTask,
		Target:     task.ID,
		Reason:     "too slow",
	})
	require.NoError(t, err)

	f.clock.Advance(f.cfg.Supervisor.RevertWindow + time.Second)
	err = f.svc.Revert(ctx, action.ID, watchdog.ID)
	require.Error(t, err)
	assert.Equal(t, kerr.CodeNotAuthorized, kerr.CodeOf(err))
	assert.Equal(t, model.TaskFailed, f.task(t, task.ID).Status)
}

func TestRevertTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.insertTask(t, model.TaskInProgress, model.PriorityLow, "")

	action, err := f.svc.Issue(ctx, supervisor.IssueRequest{
		ActorID:     supervisor.SystemActor,
		ActionType:  model.ActionOverridePriority,
		Target:      task.ID,
		NewPriority: model.PriorityHigh,
		Reason:      "bump",
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Revert(ctx, action.ID, supervisor.SystemActor))
	err = f.svc.Revert(ctx, action.ID, supervisor.SystemActor)
	require.Error(t, err)
	assert.Equal(t, kerr.CodeConflict, kerr.CodeOf(err))
}

func TestRevertRejectsCascadedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.insertTask(t, model.TaskPending, model.PriorityLow, "")

	action, err := f.svc.Issue(ctx, supervisor.IssueRequest{
		ActorID:     supervisor.SystemActor,
		ActionType:  model.ActionOverridePriority,
		Target:      task.ID,
		NewPriority: model.PriorityHigh,
		Reason:      "bump",
	})
	require.NoError(t, err)

	// Someone overrides the priority again before the revert lands.
	moved, version, err := f.backend.GetTask(ctx, task.ID)
	require.NoError(t, err)
	moved.Priority = model.PriorityCritical
	require.NoError(t, f.backend.UpdateTask(ctx, moved, version))

	err = f.svc.Revert(ctx, action.ID, supervisor.SystemActor)
	require.Error(t, err)
	assert.Equal(t, kerr.CodeCascadedState, kerr.CodeOf(err))
	assert.Equal(t, model.PriorityCritical, f.task(t, task.ID).Priority, "downstream state survives")
}

func TestReallocateCapacityAndRevert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	monitor := f.registerAgent(t, model.AgentMonitor, 1)
	donor := f.registerAgent(t, model.AgentWorker, 4)
	recipient := f.registerAgent(t, model.AgentWorker, 1)

	action, err := f.svc.Issue(ctx, supervisor.IssueRequest{
		ActorID:     monitor.ID,
		ActionType:  model.ActionReallocateCapacity,
		Target:      donor.ID,
		RecipientID: recipient.ID,
		Amount:      2,
		Reason:      "recipient phase is starved",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, f.agent(t, donor.ID).MaxConcurrent)
	assert.Equal(t, 3, f.agent(t, recipient.ID).MaxConcurrent)

	require.NoError(t, f.svc.Revert(ctx, action.ID, monitor.ID))
	assert.Equal(t, 4, f.agent(t, donor.ID).MaxConcurrent)
	assert.Equal(t, 1, f.agent(t, recipient.ID).MaxConcurrent)
}

func TestReallocateKeepsDonorFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	monitor := f.registerAgent(t, model.AgentMonitor, 1)
	donor := f.registerAgent(t, model.AgentWorker, 2)
	recipient := f.registerAgent(t, model.AgentWorker, 1)

	_, err := f.svc.Issue(ctx, supervisor.IssueRequest{
		ActorID:     monitor.ID,
		ActionType:  model.ActionReallocateCapacity,
		Target:      donor.ID,
		RecipientID: recipient.ID,
		Amount:      2,
		Reason:      "would zero the donor",
	})
	require.Error(t, err)
	assert.Equal(t, 2, f.agent(t, donor.ID).MaxConcurrent, "nothing moved")
	assert.Equal(t, 1, f.agent(t, recipient.ID).MaxConcurrent)
}

func TestReallocateRejectsBusyDonorBelowUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	monitor := f.registerAgent(t, model.AgentMonitor, 1)
	donor := f.registerAgent(t, model.AgentWorker, 4)
	recipient := f.registerAgent(t, model.AgentWorker, 1)

	// Three tasks in flight on the donor; the registry binding marks it busy.
	first := f.insertTask(t, model.TaskInProgress, model.PriorityMedium, donor.ID)
	f.insertTask(t, model.TaskAssigned, model.PriorityMedium, donor.ID)
	f.insertTask(t, model.TaskUnderReview, model.PriorityMedium, donor.ID)
	require.NoError(t, f.registry.Assign(ctx, donor.ID, first.ID))

	_, err := f.svc.Issue(ctx, supervisor.IssueRequest{
		ActorID:     monitor.ID,
		ActionType:  model.ActionReallocateCapacity,
		Target:      donor.ID,
		RecipientID: recipient.ID,
		Amount:      2,
		Reason:      "recipient phase is starved",
	})
	require.Error(t, err, "two remaining slots cannot cover three in-flight tasks")
	assert.Equal(t, kerr.CodeBadArtifact, kerr.CodeOf(err))
	assert.Equal(t, 4, f.agent(t, donor.ID).MaxConcurrent, "nothing moved")

	// One slot can still move; three remain for the in-flight work.
	_, err = f.svc.Issue(ctx, supervisor.IssueRequest{
		ActorID:     monitor.ID,
		ActionType:  model.ActionReallocateCapacity,
		Target:      donor.ID,
		RecipientID: recipient.ID,
		Amount:      1,
		Reason:      "recipient phase is starved",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, f.agent(t, donor.ID).MaxConcurrent)
	assert.Equal(t, 2, f.agent(t, recipient.ID).MaxConcurrent)
}

func TestQuarantineAndRevert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	guardian := f.registerAgent(t, model.AgentGuardian, 1)
	worker := f.registerAgent(t, model.AgentWorker, 1)

	action, err := f.svc.Issue(ctx, supervisor.IssueRequest{
		ActorID:    guardian.ID,
		ActionType: model.ActionQuarantineAgent,
		Target:     worker.ID,
		Reason:     "anomalous output pattern",
	})
	require.NoError(t, err)
	assert.Equal(t, model.AgentQuarantined, f.agent(t, worker.ID).Status)

	require.NoError(t, f.svc.Revert(ctx, action.ID, guardian.ID))
	assert.Equal(t, model.AgentIdle, f.agent(t, worker.ID).Status)
}

func TestSystemActorHoldsTopAuthority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	worker := f.registerAgent(t, model.AgentWorker, 1)

	_, err := f.svc.Issue(ctx, supervisor.IssueRequest{
		ActorID:    supervisor.SystemActor,
		ActionType: model.ActionQuarantineAgent,
		Target:     worker.ID,
		Reason:     "system override",
	})
	require.NoError(t, err)
	assert.Equal(t, model.AgentQuarantined, f.agent(t, worker.ID).Status)
}
