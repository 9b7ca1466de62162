package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/internal/approval"
	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/clock"
	"github.com/kestrelhq/kestrel/internal/config"
	kerr "github.com/kestrelhq/kestrel/internal/errors"
	"github.com/kestrelhq/kestrel/internal/model"
	"github.com/kestrelhq/kestrel/internal/store"
)

type fixture struct {
	backend *store.DatabaseBackend
	clock   *clock.Fake
	gate    *approval.Gate
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
	return &fixture{
		backend: backend,
		clock:   clk,
		gate:    approval.New(backend, b, clk, cfg.Approval, nil),
		cfg:     cfg,
	}
}

// pendingTicket inserts a ticket waiting on human review with its
// deadline armed from the configured timeout.
func (f *fixture) pendingTicket(t *testing.T) *model.Ticket {
	t.Helper()
	now := f.clock.Now()
	deadline := now.Add(f.cfg.Approval.Timeout)

	ticket := &model.Ticket{
		Title:              "agent proposal",
		Status:             "backlog",
		PhaseID:            "planning",
		Priority:           model.PriorityMedium,
		ApprovalStatus:     model.ApprovalPendingReview,
		ApprovalDeadlineAt: &deadline,
	}
	ticket.ID = model.NewID()
	ticket.CreatedAt = now
	ticket.UpdatedAt = now
	require.NoError(t, f.backend.InsertTicket(context.Background(), ticket))
	return ticket
}

func (f *fixture) ticket(t *testing.T, id string) *model.Ticket {
	t.Helper()
	ticket, _, err := f.backend.GetTicket(context.Background(), id)
	require.NoError(t, err)
	return ticket
}

func TestApprovePendingTicket(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ticket := f.pendingTicket(t)

	require.NoError(t, f.gate.Approve(ctx, ticket.ID, "operator"))

	approved := f.ticket(t, ticket.ID)
	require.NotNil(t, approved)
	assert.Equal(t, model.ApprovalApproved, approved.ApprovalStatus)
	assert.Nil(t, approved.ApprovalDeadlineAt)

	// Approving again is a no-op.
	require.NoError(t, f.gate.Approve(ctx, ticket.ID, "operator"))
}

func TestApproveRejectsUnreviewedTicket(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := f.clock.Now()

	ticket := &model.Ticket{
		Title:          "human ticket",
		Status:         "backlog",
		PhaseID:        "planning",
		Priority:       model.PriorityMedium,
		ApprovalStatus: model.ApprovalNotRequired,
	}
	ticket.ID = model.NewID()
	ticket.CreatedAt = now
	ticket.UpdatedAt = now
	require.NoError(t, f.backend.InsertTicket(ctx, ticket))

	err := f.gate.Approve(ctx, ticket.ID, "operator")
	require.Error(t, err)
	assert.Equal(t, kerr.CodeInvalidTransition, kerr.CodeOf(err))
}

func TestApproveUnknownTicket(t *testing.T) {
	f := newFixture(t, nil)

	err := f.gate.Approve(context.Background(), "missing", "operator")
	require.Error(t, err)
	assert.Equal(t, kerr.CodeNotFound, kerr.CodeOf(err))
}

func TestRejectDeletesByDefault(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ticket := f.pendingTicket(t)

	require.NoError(t, f.gate.Reject(ctx, ticket.ID, "operator", "out of scope"))
	assert.Nil(t, f.ticket(t, ticket.ID), "delete policy removes the ticket")
}

func TestRejectArchives(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Approval.OnReject = "archive"
	})
	ctx := context.Background()
	ticket := f.pendingTicket(t)

	require.NoError(t, f.gate.Reject(ctx, ticket.ID, "operator", "duplicate"))

	archived := f.ticket(t, ticket.ID)
	require.NotNil(t, archived)
	assert.Equal(t, model.ApprovalRejected, archived.ApprovalStatus)
	assert.True(t, archived.Archived)
	assert.Nil(t, archived.ApprovalDeadlineAt)
}

func TestRejectRequiresPendingReview(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ticket := f.pendingTicket(t)
	require.NoError(t, f.gate.Approve(ctx, ticket.ID, "operator"))

	err := f.gate.Reject(ctx, ticket.ID, "operator", "too late")
	require.Error(t, err)
	assert.Equal(t, kerr.CodeInvalidTransition, kerr.CodeOf(err))
}

func TestSweepTimesOutExpiredApprovals(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Approval.OnReject = "archive"
	})
	ctx := context.Background()
	expired := f.pendingTicket(t)

	// A second ticket armed later stays pending.
	f.clock.Advance(f.cfg.Approval.Timeout / 2)
	fresh := f.pendingTicket(t)

	f.clock.Advance(f.cfg.Approval.Timeout/2 + time.Second)
	f.gate.SweepOnce(ctx)

	timedOut := f.ticket(t, expired.ID)
	require.NotNil(t, timedOut)
	assert.Equal(t, model.ApprovalTimedOut, timedOut.ApprovalStatus)
	assert.True(t, timedOut.Archived)

	still := f.ticket(t, fresh.ID)
	require.NotNil(t, still)
	assert.Equal(t, model.ApprovalPendingReview, still.ApprovalStatus)
}

func TestSweepDeletesWhenConfigured(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ticket := f.pendingTicket(t)

	f.clock.Advance(f.cfg.Approval.Timeout + time.Second)
	f.gate.SweepOnce(ctx)

	assert.Nil(t, f.ticket(t, ticket.ID))
}
