package discovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/internal/board"
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

type fixture struct {
	backend *store.DatabaseBackend
	clock   *clock.Fake
	sched   *scheduler.Scheduler
	svc     *discovery.Service
	cfg     *config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	backend := store.NewTestBackend(t)
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	b := bus.New(backend, clk, cfg.Bus, nil)
	t.Cleanup(b.Close)
	require.NoError(t, board.SeedFromConfig(context.Background(), backend, &cfg.Board))

	reg := registry.New(backend, b, clk, cfg.Heartbeat, nil)
	sched := scheduler.New(backend, b, reg, clk, cfg, nil)
	return &fixture{
		backend: backend,
		clock:   clk,
		sched:   sched,
		svc:     discovery.New(backend, b, sched, clk, cfg.Discovery, nil),
		cfg:     cfg,
	}
}

func (f *fixture) sourceTask(t *testing.T, status model.TaskStatus, agentID string) *model.Task {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()

	ticket := &model.Ticket{
		Title:          "host ticket",
		Status:         "in_progress",
		PhaseID:        "implementation",
		Priority:       model.PriorityMedium,
		ApprovalStatus: model.ApprovalNotRequired,
	}
	ticket.ID = model.NewID()
	ticket.CreatedAt = now
	ticket.UpdatedAt = now
	require.NoError(t, f.backend.InsertTicket(ctx, ticket))

	task := &model.Task{
		TicketID:             ticket.ID,
		PhaseID:              "implementation",
		Title:                "source work",
		Priority:             model.PriorityMedium,
		Status:               status,
		AssignedAgentID:      agentID,
		RequiredCapabilities: []string{"go"},
	}
	task.ID = model.NewID()
	task.CreatedAt = now
	task.UpdatedAt = now
	require.NoError(t, f.backend.InsertTask(ctx, task))
	return task
}

func (f *fixture) task(t *testing.T, id string) *model.Task {
	t.Helper()
	task, _, err := f.backend.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func TestRecordAndBranchSpawnsTask(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	source := f.sourceTask(t, model.TaskInProgress, "agent-1")

	disc, spawned, err := f.svc.RecordAndBranch(ctx, discovery.BranchRequest{
		SourceTaskID:     source.ID,
		Type:             model.DiscoveryOptimization,
		Description:      "refactor the config loader\nwith more detail",
		SpawnDescription: "split the loader into layers",
	})
	require.NoError(t, err)
	require.NotNil(t, disc)
	require.NotNil(t, spawned)

	assert.Equal(t, "open", disc.ResolutionStatus)
	assert.Equal(t, []string{spawned.ID}, disc.SpawnedTaskIDs)
	assert.Equal(t, source.ID, spawned.ParentTaskID)
	assert.Equal(t, source.TicketID, spawned.TicketID)
	assert.Equal(t, "implementation", spawned.PhaseID, "defaults to the source phase")
	assert.Equal(t, source.RequiredCapabilities, spawned.RequiredCapabilities)
	assert.Contains(t, spawned.Title, "refactor the config loader")

	// Non-blocking types leave the source running.
	assert.Equal(t, model.TaskInProgress, f.task(t, source.ID).Status)
}

func TestRecordAndBranchIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	source := f.sourceTask(t, model.TaskInProgress, "agent-1")

	req := discovery.BranchRequest{
		SourceTaskID: source.ID,
		Type:         model.DiscoveryOptimization,
		Description:  "  Tighten   Input Validation ",
	}
	first, spawned, err := f.svc.RecordAndBranch(ctx, req)
	require.NoError(t, err)

	// Same finding modulo whitespace and case resolves to the same record.
	req.Description = "tighten input validation"
	second, spawnedAgain, err := f.svc.RecordAndBranch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, spawned.ID, spawnedAgain.ID)

	tasks, err := f.backend.ListTasks(ctx, db.TaskFilter{TicketID: source.TicketID})
	require.NoError(t, err)
	assert.Len(t, tasks, 2, "source plus a single spawn")
}

func TestBlockingDiscoveryParksSource(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	source := f.sourceTask(t, model.TaskInProgress, "agent-1")

	_, spawned, err := f.svc.RecordAndBranch(ctx, discovery.BranchRequest{
		SourceTaskID: source.ID,
		Type:         model.DiscoveryClarification,
		Description:  "which currency should amounts use?",
	})
	require.NoError(t, err)

	parked := f.task(t, source.ID)
	assert.Equal(t, model.TaskBlocked, parked.Status)
	assert.Equal(t, discovery.BlockedReasonDiscovery, parked.BlockedReason)

	// Completing the spawned task resolves the discovery and resumes the
	// source in place because the assignment survived.
	now := f.clock.Now()
	child, version, err := f.backend.GetTask(ctx, spawned.ID)
	require.NoError(t, err)
	child.Status = model.TaskDone
	child.CompletedAt = &now
	require.NoError(t, f.backend.UpdateTask(ctx, child, version))

	require.NoError(t, f.svc.ResolveSpawned(ctx, spawned.ID))

	resumed := f.task(t, source.ID)
	assert.Equal(t, model.TaskInProgress, resumed.Status)

	discoveries, err := f.backend.ListDiscoveriesForTask(ctx, source.ID)
	require.NoError(t, err)
	require.Len(t, discoveries, 1)
	assert.Equal(t, "resolved", discoveries[0].ResolutionStatus)
}

func TestResolveRequeuesUnassignedSource(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	source := f.sourceTask(t, model.TaskInProgress, "")

	_, spawned, err := f.svc.RecordAndBranch(ctx, discovery.BranchRequest{
		SourceTaskID:  source.ID,
		Type:          model.DiscoverySecurity,
		Description:   "plaintext credentials in the debug log",
		PriorityBoost: true,
	})
	require.NoError(t, err)
	assert.Equal(t, model.PriorityHigh, spawned.Priority, "boosted one rank above the source")
	assert.Equal(t, model.TaskBlocked, f.task(t, source.ID).Status)

	now := f.clock.Now()
	child, version, err := f.backend.GetTask(ctx, spawned.ID)
	require.NoError(t, err)
	child.Status = model.TaskDone
	child.CompletedAt = &now
	require.NoError(t, f.backend.UpdateTask(ctx, child, version))

	require.NoError(t, f.svc.ResolveSpawned(ctx, spawned.ID))
	assert.Equal(t, model.TaskPending, f.task(t, source.ID).Status, "no assignee, so back to the queue")
}

func TestSpawnPhaseBypass(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	source := f.sourceTask(t, model.TaskInProgress, "agent-1")

	// implementation -> completion is not in allowed_transitions, but the
	// default configuration allows discovery bypass.
	_, spawned, err := f.svc.RecordAndBranch(ctx, discovery.BranchRequest{
		SourceTaskID: source.ID,
		Type:         model.DiscoveryOptimization,
		Description:  "summary doc needs a rewrite",
		SpawnPhaseID: "completion",
	})
	require.NoError(t, err)
	assert.Equal(t, "completion", spawned.PhaseID)
}

func TestSpawnPhaseBypassDisabled(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Discovery.AllowPhaseBypass = false
	})
	ctx := context.Background()
	source := f.sourceTask(t, model.TaskInProgress, "agent-1")

	_, _, err := f.svc.RecordAndBranch(ctx, discovery.BranchRequest{
		SourceTaskID: source.ID,
		Type:         model.DiscoveryOptimization,
		Description:  "summary doc needs a rewrite",
		SpawnPhaseID: "completion",
	})
	require.Error(t, err)
	assert.Equal(t, kerr.CodeInvalidTransition, kerr.CodeOf(err))

	// Phases reachable through allowed_transitions still work.
	_, spawned, err := f.svc.RecordAndBranch(ctx, discovery.BranchRequest{
		SourceTaskID: source.ID,
		Type:         model.DiscoveryOptimization,
		Description:  "validation missed a case",
		SpawnPhaseID: "validation",
	})
	require.NoError(t, err)
	assert.Equal(t, "validation", spawned.PhaseID)
}

func TestRecordAndBranchUnknownSource(t *testing.T) {
	f := newFixture(t, nil)

	_, _, err := f.svc.RecordAndBranch(context.Background(), discovery.BranchRequest{
		SourceTaskID: "missing",
		Type:         model.DiscoveryOptimization,
		Description:  "anything",
	})
	require.Error(t, err)
	assert.Equal(t, kerr.CodeNotFound, kerr.CodeOf(err))
}
