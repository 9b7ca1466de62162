package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerr "github.com/kestrelhq/kestrel/internal/errors"
	"github.com/kestrelhq/kestrel/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func testTime() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newAgent(name string) *model.Agent {
	a := &model.Agent{
		Type:            model.AgentWorker,
		Name:            name,
		PhaseID:         "implementation",
		Capabilities:    []string{"go"},
		Status:          model.AgentIdle,
		HealthStatus:    "healthy",
		LastHeartbeatAt: testTime(),
		MaxConcurrent:   1,
	}
	a.ID = model.NewID()
	a.CreatedAt = testTime()
	a.UpdatedAt = testTime()
	return a
}

func TestAgentRoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	a := newAgent("worker-implementation-001")
	require.NoError(t, d.InsertAgent(ctx, a))

	got, version, err := d.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(0), version)
	assert.Equal(t, a.Name, got.Name)
	assert.Equal(t, []string{"go"}, got.Capabilities)
	assert.Equal(t, model.AgentIdle, got.Status)
	assert.Equal(t, testTime(), got.LastHeartbeatAt)

	got.Status = model.AgentRunning
	got.CurrentTaskID = "task-1"
	require.NoError(t, d.UpdateAgent(ctx, got, version))

	_, version2, err := d.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version2)
}

func TestAgentOptimisticConcurrency(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	a := newAgent("worker-implementation-001")
	require.NoError(t, d.InsertAgent(ctx, a))

	// A stale row version loses the write race.
	err := d.UpdateAgent(ctx, a, 99)
	require.Error(t, err)
	assert.Equal(t, kerr.CodeConflict, kerr.CodeOf(err))
}

func TestAgentNameUnique(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.InsertAgent(ctx, newAgent("worker-implementation-001")))
	err := d.InsertAgent(ctx, newAgent("worker-implementation-001"))
	require.Error(t, err)
	assert.Equal(t, kerr.CodeConflict, kerr.CodeOf(err))
}

func TestGetAgentMissing(t *testing.T) {
	d := newTestDB(t)

	got, version, err := d.GetAgent(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, version)
}

func TestListOverdueAgents(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	fresh := newAgent("worker-implementation-001")
	fresh.LastHeartbeatAt = testTime()
	require.NoError(t, d.InsertAgent(ctx, fresh))

	stale := newAgent("worker-implementation-002")
	stale.LastHeartbeatAt = testTime().Add(-5 * time.Minute)
	require.NoError(t, d.InsertAgent(ctx, stale))

	overdue, err := d.ListOverdueAgents(ctx, testTime().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, stale.ID, overdue[0].ID)
}

func TestCountAgentsByTypePrefix(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.InsertAgent(ctx, newAgent("worker-implementation-001")))
	require.NoError(t, d.InsertAgent(ctx, newAgent("worker-implementation-002")))
	other := newAgent("worker-planning-001")
	other.PhaseID = "planning"
	require.NoError(t, d.InsertAgent(ctx, other))

	n, err := d.CountAgentsByTypePrefix(ctx, model.AgentWorker, "worker-implementation-")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func newTicket(title string) *model.Ticket {
	tk := &model.Ticket{
		Title:          title,
		Status:         "backlog",
		PhaseID:        "planning",
		Priority:       model.PriorityMedium,
		ApprovalStatus: model.ApprovalNotRequired,
	}
	tk.ID = model.NewID()
	tk.CreatedAt = testTime()
	tk.UpdatedAt = testTime()
	return tk
}

func newTask(ticketID string) *model.Task {
	task := &model.Task{
		TicketID: ticketID,
		PhaseID:  "implementation",
		Title:    "write the thing",
		Priority: model.PriorityMedium,
		Status:   model.TaskPending,
	}
	task.ID = model.NewID()
	task.CreatedAt = testTime()
	task.UpdatedAt = testTime()
	return task
}

func TestTaskFilterAndOrder(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	tk := newTicket("ship it")
	require.NoError(t, d.InsertTicket(ctx, tk))

	low := newTask(tk.ID)
	low.Priority = model.PriorityLow
	require.NoError(t, d.InsertTask(ctx, low))

	critical := newTask(tk.ID)
	critical.Priority = model.PriorityCritical
	critical.CreatedAt = testTime().Add(time.Minute)
	critical.UpdatedAt = critical.CreatedAt
	require.NoError(t, d.InsertTask(ctx, critical))

	done := newTask(tk.ID)
	done.Status = model.TaskDone
	require.NoError(t, d.InsertTask(ctx, done))

	// Dispatch order puts critical first regardless of creation time.
	pending, err := d.ListPendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, critical.ID, pending[0].ID)
	assert.Equal(t, low.ID, pending[1].ID)

	byStatus, err := d.ListTasks(ctx, TaskFilter{Statuses: []model.TaskStatus{model.TaskDone}})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, done.ID, byStatus[0].ID)

	byTicket, err := d.ListTasks(ctx, TaskFilter{TicketID: tk.ID})
	require.NoError(t, err)
	assert.Len(t, byTicket, 3)
}

func TestLatestTaskActivity(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	tk := newTicket("ship it")
	require.NoError(t, d.InsertTicket(ctx, tk))

	older := newTask(tk.ID)
	require.NoError(t, d.InsertTask(ctx, older))

	newer := newTask(tk.ID)
	newer.UpdatedAt = testTime().Add(10 * time.Minute)
	require.NoError(t, d.InsertTask(ctx, newer))

	latest, err := d.LatestTaskActivity(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, testTime().Add(10*time.Minute), latest)
}

func TestListExpiredApprovals(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	deadline := testTime().Add(-time.Minute)
	expired := newTicket("agent ask")
	expired.ApprovalStatus = model.ApprovalPendingReview
	expired.ApprovalDeadlineAt = &deadline
	require.NoError(t, d.InsertTicket(ctx, expired))

	future := testTime().Add(time.Hour)
	pending := newTicket("still waiting")
	pending.ApprovalStatus = model.ApprovalPendingReview
	pending.ApprovalDeadlineAt = &future
	require.NoError(t, d.InsertTicket(ctx, pending))

	got, err := d.ListExpiredApprovals(ctx, testTime())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, expired.ID, got[0].ID)
}

func TestDiscoveryIdempotencyKey(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	disc := &model.Discovery{
		SourceTaskID:     "task-1",
		Type:             model.DiscoveryBug,
		Description:      "found a bug",
		DescriptionHash:  model.HashDescription("found a bug"),
		ResolutionStatus: "open",
	}
	disc.ID = model.NewID()
	disc.CreatedAt = testTime()
	disc.UpdatedAt = testTime()
	require.NoError(t, d.InsertDiscovery(ctx, disc))

	dup := *disc
	dup.ID = model.NewID()
	err := d.InsertDiscovery(ctx, &dup)
	require.Error(t, err)
	assert.Equal(t, kerr.CodeConflict, kerr.CodeOf(err))

	found, err := d.FindDiscoveryByKey(ctx, "task-1", model.DiscoveryBug, disc.DescriptionHash)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, disc.ID, found.ID)
}

func TestReviewOnePerIteration(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	r := &model.ValidationReview{
		TaskID:           "task-1",
		ValidatorAgentID: "val-1",
		IterationNumber:  1,
		Passed:           false,
		Feedback:         "tests missing",
	}
	r.ID = model.NewID()
	r.CreatedAt = testTime()
	r.UpdatedAt = testTime()
	require.NoError(t, d.InsertReview(ctx, r))

	dup := *r
	dup.ID = model.NewID()
	err := d.InsertReview(ctx, &dup)
	require.Error(t, err)
	assert.Equal(t, kerr.CodeConflict, kerr.CodeOf(err))

	next := *r
	next.ID = model.NewID()
	next.IterationNumber = 2
	next.Passed = true
	require.NoError(t, d.InsertReview(ctx, &next))

	failed, err := d.CountFailedReviews(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	all, err := d.ListReviewsForTask(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].IterationNumber)
	assert.Equal(t, 2, all[1].IterationNumber)
}

func TestJournalAppendAndDedup(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	e := &JournalEntry{
		Topic:         "task.created",
		PartitionKey:  "task-1",
		CorrelationID: "corr-1",
		Payload:       []byte(`{"id":"task-1"}`),
		SchemaVersion: 1,
		OccurredAt:    testTime(),
	}
	seq1, err := d.AppendEvent(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq1)

	// Same (topic, correlation, occurred_at) is the idempotency key.
	seq2, err := d.AppendEvent(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, seq1, seq2)

	other := *e
	other.CorrelationID = "corr-2"
	seq3, err := d.AppendEvent(ctx, &other)
	require.NoError(t, err)
	assert.Greater(t, seq3, seq1)

	entries, err := d.ListEventsAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, seq1, entries[0].Seq)
	assert.Equal(t, seq3, entries[1].Seq)

	byCorr, err := d.ListEventsByCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, byCorr, 1)
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	got, err := d.GetCursor(ctx, "sub-a")
	require.NoError(t, err)
	assert.Zero(t, got)

	require.NoError(t, d.SetCursor(ctx, "sub-a", 5, testTime()))
	require.NoError(t, d.SetCursor(ctx, "sub-a", 3, testTime()))

	got, err = d.GetCursor(ctx, "sub-a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)

	require.NoError(t, d.SetCursor(ctx, "sub-a", 9, testTime()))
	got, err = d.GetCursor(ctx, "sub-a")
	require.NoError(t, err)
	assert.Equal(t, int64(9), got)

	require.NoError(t, d.DeleteCursor(ctx, "sub-a"))
	got, err = d.GetCursor(ctx, "sub-a")
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestSupervisorActionRoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	a := &model.SupervisorAction{
		ActorAgentID:   "guardian-1",
		AuthorityLevel: model.AuthorityGuardian,
		ActionType:     model.ActionCancelTask,
		Target:         "task-1",
		Reason:         "runaway",
		AuditLog:       `[{"event":"issued"}]`,
	}
	a.ID = model.NewID()
	a.CreatedAt = testTime()
	a.UpdatedAt = testTime()
	require.NoError(t, d.InsertSupervisorAction(ctx, a))

	got, err := d.GetSupervisorAction(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Reversed)
	assert.Equal(t, model.AuthorityGuardian, got.AuthorityLevel)

	got.Reversed = true
	require.NoError(t, d.UpdateSupervisorAction(ctx, got))

	list, err := d.ListSupervisorActionsForTarget(ctx, "task-1", testTime().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Reversed)
}

func TestWorkflowCooldown(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	run := &model.DiagnosticRun{
		WorkflowID:    "wf-1",
		TriggerReason: "stuck",
		Status:        "open",
		CooldownUntil: testTime().Add(time.Minute),
	}
	run.ID = model.NewID()
	run.CreatedAt = testTime()
	run.UpdatedAt = testTime()
	require.NoError(t, d.InsertDiagnosticRun(ctx, run))

	cooling, err := d.WorkflowInCooldown(ctx, "wf-1", testTime())
	require.NoError(t, err)
	assert.True(t, cooling)

	cooling, err = d.WorkflowInCooldown(ctx, "wf-1", testTime().Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, cooling)
}

func TestPhaseAndColumnRoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	wip := 3
	p := &model.Phase{
		ID:                 "implementation",
		SequenceOrder:      2,
		AllowedTransitions: []string{"validation"},
		DoneDefinitions:    []string{"code_written"},
		ExpectedOutputs:    []model.Output{{Type: "design", Pattern: "**/*.md", Required: true}},
	}
	require.NoError(t, d.SavePhase(ctx, p))

	c := &model.BoardColumn{
		ID:            "in_progress",
		SequenceOrder: 2,
		PhaseMapping:  []string{"implementation"},
		WIPLimit:      &wip,
	}
	require.NoError(t, d.SaveBoardColumn(ctx, c))

	gotP, err := d.GetPhase(ctx, "implementation")
	require.NoError(t, err)
	require.NotNil(t, gotP)
	require.Len(t, gotP.ExpectedOutputs, 1)
	assert.True(t, gotP.ExpectedOutputs[0].Required)

	gotC, err := d.GetBoardColumn(ctx, "in_progress")
	require.NoError(t, err)
	require.NotNil(t, gotC)
	require.NotNil(t, gotC.WIPLimit)
	assert.Equal(t, 3, *gotC.WIPLimit)

	// Saves are idempotent upserts.
	p.DoneDefinitions = []string{"code_written", "tests_passing"}
	require.NoError(t, d.SavePhase(ctx, p))
	gotP, err = d.GetPhase(ctx, "implementation")
	require.NoError(t, err)
	assert.Len(t, gotP.DoneDefinitions, 2)
}
