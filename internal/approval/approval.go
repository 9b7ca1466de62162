// Package approval implements the human-approval gate for agent-requested
// tickets: approve, reject, and the timeout sweep.
package approval

import (
	"context"
	"log/slog"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/clock"
	"github.com/kestrelhq/kestrel/internal/config"
	kerr "github.com/kestrelhq/kestrel/internal/errors"
	"github.com/kestrelhq/kestrel/internal/model"
	"github.com/kestrelhq/kestrel/internal/store"
)

// Gate resolves pending ticket approvals.
type Gate struct {
	store  store.Backend
	bus    *bus.Bus
	clock  clock.Clock
	cfg    config.ApprovalConfig
	logger *slog.Logger
}

// New creates an approval gate.
func New(backend store.Backend, b *bus.Bus, clk clock.Clock, cfg config.ApprovalConfig, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:  backend,
		bus:    b,
		clock:  clk,
		cfg:    cfg,
		logger: logger,
	}
}

// Approve resolves a pending ticket so its tasks become dispatchable.
// Approving an already-approved ticket is a no-op.
func (g *Gate) Approve(ctx context.Context, ticketID, actor string) error {
	ticket, version, err := g.store.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket == nil {
		return kerr.ErrNotFound("ticket", ticketID)
	}
	if ticket.ApprovalStatus == model.ApprovalApproved {
		return nil
	}
	if ticket.ApprovalStatus != model.ApprovalPendingReview {
		return kerr.ErrInvalidTransition("ticket_approval", string(ticket.ApprovalStatus), string(model.ApprovalApproved))
	}

	ticket.ApprovalStatus = model.ApprovalApproved
	ticket.ApprovalDeadlineAt = nil
	ticket.Touch(g.clock.Now())
	if err := g.store.UpdateTicket(ctx, ticket, version); err != nil {
		return err
	}

	g.logger.Info("ticket approved", "ticket", ticketID, "actor", actor)
	if _, err := bus.Emit(ctx, g.bus, bus.TopicTicketApproved, ticketID, actor, ticket); err != nil {
		g.logger.Error("publish ticket_approved", "ticket", ticketID, "error", err)
	}
	return nil
}

// Reject resolves a pending ticket negatively. The ticket is then deleted
// or archived per configuration.
func (g *Gate) Reject(ctx context.Context, ticketID, actor, reason string) error {
	ticket, version, err := g.store.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket == nil {
		return kerr.ErrNotFound("ticket", ticketID)
	}
	if ticket.ApprovalStatus != model.ApprovalPendingReview {
		return kerr.ErrInvalidTransition("ticket_approval", string(ticket.ApprovalStatus), string(model.ApprovalRejected))
	}
	return g.resolveNegative(ctx, ticket, version, model.ApprovalRejected, actor, reason)
}

// SweepOnce times out every pending ticket whose deadline passed. Timeout
// resolves like a rejection.
func (g *Gate) SweepOnce(ctx context.Context) {
	expired, err := g.store.ListExpiredApprovals(ctx, g.clock.Now())
	if err != nil {
		g.logger.Error("list expired approvals", "error", err)
		return
	}
	for _, ticket := range expired {
		t, version, err := g.store.GetTicket(ctx, ticket.ID)
		if err != nil || t == nil || t.ApprovalStatus != model.ApprovalPendingReview {
			continue
		}
		if err := g.resolveNegative(ctx, t, version, model.ApprovalTimedOut, "approval", "approval deadline elapsed"); err != nil {
			g.logger.Error("time out approval", "ticket", t.ID, "error", err)
		}
	}
}

func (g *Gate) resolveNegative(ctx context.Context, ticket *model.Ticket, version int64, status model.ApprovalStatus, actor, reason string) error {
	ticket.ApprovalStatus = status
	ticket.ApprovalDeadlineAt = nil
	ticket.Touch(g.clock.Now())
	if g.cfg.OnReject == "archive" {
		ticket.Archived = true
		if err := g.store.UpdateTicket(ctx, ticket, version); err != nil {
			return err
		}
	} else {
		if err := g.store.DeleteTicket(ctx, ticket.ID); err != nil {
			return err
		}
	}

	topic := bus.TopicTicketRejected
	if status == model.ApprovalTimedOut {
		topic = bus.TopicTicketTimedOut
	}
	g.logger.Info("ticket approval resolved",
		"ticket", ticket.ID, "status", status, "actor", actor, "reason", reason, "on_reject", g.cfg.OnReject)
	if _, err := bus.Emit(ctx, g.bus, topic, ticket.ID, actor, map[string]any{
		"ticket_id": ticket.ID,
		"status":    status,
		"reason":    reason,
	}); err != nil {
		g.logger.Error("publish approval resolution", "ticket", ticket.ID, "error", err)
	}
	return nil
}

// Run sweeps deadlines until the context is canceled.
func (g *Gate) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.clock.After(g.cfg.SweepInterval):
			g.SweepOnce(ctx)
		}
	}
}
