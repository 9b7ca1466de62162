// Package board implements the ticket/phase engine: board column moves
// with WIP limits, phase-gate validation, and context passing between
// phases.
package board

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/clock"
	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/db"
	kerr "github.com/kestrelhq/kestrel/internal/errors"
	"github.com/kestrelhq/kestrel/internal/model"
	"github.com/kestrelhq/kestrel/internal/store"
)

// Engine drives tickets across board columns and phases.
type Engine struct {
	store      store.Backend
	bus        *bus.Bus
	clock      clock.Clock
	cfg        *config.Config
	logger     *slog.Logger
	summarizer Summarizer
}

// New creates a board engine. A nil summarizer falls back to plain
// truncation.
func New(backend store.Backend, b *bus.Bus, clk clock.Clock, cfg *config.Config, summarizer Summarizer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if summarizer == nil {
		summarizer = TruncateSummarizer{}
	}
	return &Engine{
		store:      backend,
		bus:        b,
		clock:      clk,
		cfg:        cfg,
		logger:     logger,
		summarizer: summarizer,
	}
}

// CreateTicket creates a ticket in the first board column. Agent-initiated
// tickets under human review enter pending_review with a deadline; they
// must not dispatch tasks until approved.
func (e *Engine) CreateTicket(ctx context.Context, t *model.Ticket) error {
	columns, err := e.store.ListBoardColumns(ctx)
	if err != nil {
		return err
	}
	if len(columns) == 0 {
		return kerr.ErrNotFound("board_column", "any")
	}
	phases, err := e.store.ListPhases(ctx)
	if err != nil {
		return err
	}
	if len(phases) == 0 {
		return kerr.ErrNotFound("phase", "any")
	}

	now := e.clock.Now()
	if t.ID == "" {
		t.ID = model.NewID()
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Status = columns[0].ID
	if t.PhaseID == "" {
		t.PhaseID = phases[0].ID
	}
	if t.Priority == "" {
		t.Priority = model.PriorityMedium
	}

	pending := e.cfg.Approval.TicketHumanReview && t.RequestedByAgentID != ""
	if pending {
		t.ApprovalStatus = model.ApprovalPendingReview
		deadline := now.Add(e.cfg.Approval.Timeout)
		t.ApprovalDeadlineAt = &deadline
	} else if t.ApprovalStatus == "" {
		t.ApprovalStatus = model.ApprovalNotRequired
	}

	if err := e.store.InsertTicket(ctx, t); err != nil {
		return err
	}

	if _, err := bus.Emit(ctx, e.bus, bus.TopicTicketCreated, t.ID, t.RequestedByAgentID, t); err != nil {
		e.logger.Error("publish ticket.created", "ticket", t.ID, "error", err)
	}
	if pending {
		if _, err := bus.Emit(ctx, e.bus, bus.TopicTicketApprovalPending, t.ID, t.RequestedByAgentID, t); err != nil {
			e.logger.Error("publish approval pending", "ticket", t.ID, "error", err)
		}
	}
	return nil
}

// MoveTicket moves a ticket to a board column. force bypasses the phase
// mapping and WIP checks and requires authority of guardian or above.
// Auto-transitions chase until a terminal column, a failed precondition,
// or a cycle.
func (e *Engine) MoveTicket(ctx context.Context, ticketID, toColumn string, force bool, authority model.AuthorityLevel) error {
	if force && authority < model.AuthorityGuardian {
		return kerr.ErrNotAuthorized("force move requires guardian authority")
	}

	visited := map[string]bool{}
	target := toColumn
	for {
		if visited[target] {
			e.logger.Warn("auto-transition cycle detected", "ticket", ticketID, "column", target)
			return nil
		}
		visited[target] = true

		column, err := e.moveOnce(ctx, ticketID, target, force)
		if err != nil {
			return err
		}
		// Only the first hop may be forced; the chase re-checks normally.
		force = false

		if column.IsTerminal || column.AutoTransitionTo == "" {
			return nil
		}
		next, err := e.store.GetBoardColumn(ctx, column.AutoTransitionTo)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		ticket, _, err := e.store.GetTicket(ctx, ticketID)
		if err != nil || ticket == nil {
			return err
		}
		if !e.movePreconditions(ctx, ticket, next) {
			return nil
		}
		target = next.ID
	}
}

func (e *Engine) movePreconditions(ctx context.Context, t *model.Ticket, column *model.BoardColumn) bool {
	if !column.AcceptsPhase(t.PhaseID) {
		return false
	}
	if limit := e.wipLimit(column); limit != nil {
		count, err := e.store.CountTicketsInColumn(ctx, column.ID)
		if err != nil || count >= *limit {
			return false
		}
	}
	return true
}

// wipLimit applies configuration overrides on top of the stored column.
func (e *Engine) wipLimit(column *model.BoardColumn) *int {
	if v, ok := e.cfg.Board.WIPLimits[column.ID]; ok {
		return &v
	}
	return column.WIPLimit
}

func (e *Engine) moveOnce(ctx context.Context, ticketID, toColumn string, force bool) (*model.BoardColumn, error) {
	ticket, version, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket == nil {
		return nil, kerr.ErrNotFound("ticket", ticketID)
	}
	column, err := e.store.GetBoardColumn(ctx, toColumn)
	if err != nil {
		return nil, err
	}
	if column == nil {
		return nil, kerr.ErrNotFound("board_column", toColumn)
	}

	if !force {
		if !column.AcceptsPhase(ticket.PhaseID) {
			return nil, kerr.ErrInvalidTransition("ticket", ticket.Status, toColumn)
		}
		if limit := e.wipLimit(column); limit != nil {
			count, err := e.store.CountTicketsInColumn(ctx, column.ID)
			if err != nil {
				return nil, err
			}
			if count >= *limit {
				return nil, kerr.ErrWIPExceeded(column.ID, *limit)
			}
		}
	}

	from := ticket.Status
	ticket.Status = column.ID
	ticket.Touch(e.clock.Now())
	if err := e.store.UpdateTicket(ctx, ticket, version); err != nil {
		return nil, err
	}

	e.logger.Info("ticket moved", "ticket", ticketID, "from", from, "to", column.ID, "forced", force)
	if _, err := bus.Emit(ctx, e.bus, bus.TopicTicketTransitioned, ticketID, "", map[string]any{
		"ticket_id": ticketID,
		"from":      from,
		"to":        column.ID,
		"forced":    force,
	}); err != nil {
		e.logger.Error("publish ticket.transitioned", "ticket", ticketID, "error", err)
	}
	return column, nil
}

// TransitionPhase advances a ticket's phase through the phase gate.
// viaDiscovery marks transitions issued by a discovery branch, which may
// bypass allowed_transitions.
func (e *Engine) TransitionPhase(ctx context.Context, ticketID, nextPhaseID string, viaDiscovery bool) error {
	ticket, version, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket == nil {
		return kerr.ErrNotFound("ticket", ticketID)
	}
	current, err := e.store.GetPhase(ctx, ticket.PhaseID)
	if err != nil {
		return err
	}
	if current == nil {
		return kerr.ErrNotFound("phase", ticket.PhaseID)
	}
	next, err := e.store.GetPhase(ctx, nextPhaseID)
	if err != nil {
		return err
	}
	if next == nil {
		return kerr.ErrNotFound("phase", nextPhaseID)
	}

	if !current.CanTransitionPhase(nextPhaseID) && !viaDiscovery {
		return kerr.ErrInvalidTransition("phase", current.ID, nextPhaseID)
	}

	missing, missingOutputs, err := e.gate(ctx, ticket, current)
	if err != nil {
		return err
	}
	if len(missing) > 0 || len(missingOutputs) > 0 {
		if _, pubErr := bus.Emit(ctx, e.bus, bus.TopicPhaseGateRejected, ticketID, "", map[string]any{
			"ticket_id":               ticketID,
			"phase_id":                current.ID,
			"missing":                 missing,
			"expected_outputs_missing": missingOutputs,
		}); pubErr != nil {
			e.logger.Error("publish gate rejection", "ticket", ticketID, "error", pubErr)
		}
		return kerr.ErrPhaseGateRejected(current.ID, missing, missingOutputs)
	}

	// Context passing: aggregate what the phase produced, then bound it.
	aggregated, err := e.aggregateContext(ctx, ticket)
	if err != nil {
		return err
	}
	summary, err := e.summarizer.Summarize(ctx, aggregated, e.cfg.Board.SummaryLimit)
	if err != nil {
		e.logger.Warn("summarize phase context", "ticket", ticketID, "error", err)
		summary = truncate(aggregated, e.cfg.Board.SummaryLimit)
	}

	from := ticket.PhaseID
	ticket.PhaseID = nextPhaseID
	ticket.Context = aggregated
	ticket.ContextSummary = summary
	ticket.Touch(e.clock.Now())
	if err := e.store.UpdateTicket(ctx, ticket, version); err != nil {
		return err
	}

	e.logger.Info("ticket phase advanced",
		"ticket", ticketID, "from", from, "to", nextPhaseID, "via_discovery", viaDiscovery)
	if _, err := bus.Emit(ctx, e.bus, bus.TopicTicketTransitioned, ticketID, "", map[string]any{
		"ticket_id":  ticketID,
		"from_phase": from,
		"to_phase":   nextPhaseID,
	}); err != nil {
		e.logger.Error("publish phase transition", "ticket", ticketID, "error", err)
	}
	return nil
}

// gate evaluates the current phase's done definitions and required
// expected outputs. A done definition is satisfied when every task of the
// ticket in the phase is done, or when an artifact was submitted with the
// definition as its type.
func (e *Engine) gate(ctx context.Context, t *model.Ticket, phase *model.Phase) (missing, missingOutputs []string, err error) {
	tasks, err := e.store.ListTasks(ctx, db.TaskFilter{TicketID: t.ID, PhaseID: phase.ID})
	if err != nil {
		return nil, nil, err
	}

	allDone := len(tasks) > 0
	artifactTypes := map[string]bool{}
	var artifactPaths []string
	for _, task := range tasks {
		if task.Status != model.TaskDone {
			allDone = false
		}
		results, err := e.store.ListAgentResultsForTask(ctx, task.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, r := range results {
			artifactTypes[r.Type] = true
			artifactPaths = append(artifactPaths, r.MarkdownPath)
		}
	}

	for _, def := range phase.DoneDefinitions {
		if allDone || artifactTypes[def] {
			continue
		}
		missing = append(missing, def)
	}

	for _, out := range phase.ExpectedOutputs {
		if !out.Required {
			continue
		}
		matched := false
		for _, path := range artifactPaths {
			if ok, err := doublestar.Match(out.Pattern, path); err == nil && ok {
				matched = true
				break
			}
		}
		if !matched {
			missingOutputs = append(missingOutputs, out.Pattern)
		}
	}
	return missing, missingOutputs, nil
}

// aggregateContext concatenates the phase's task results, discoveries, and
// reviews into one document. Pure with respect to the inputs it reads.
func (e *Engine) aggregateContext(ctx context.Context, t *model.Ticket) (string, error) {
	tasks, err := e.store.ListTasks(ctx, db.TaskFilter{TicketID: t.ID, PhaseID: t.PhaseID})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Phase %s of ticket %s\n\n", t.PhaseID, t.Title)
	for _, task := range tasks {
		fmt.Fprintf(&b, "## Task: %s [%s]\n", task.Title, task.Status)
		if task.Description != "" {
			fmt.Fprintf(&b, "%s\n", task.Description)
		}

		results, err := e.store.ListAgentResultsForTask(ctx, task.ID)
		if err != nil {
			return "", err
		}
		for _, r := range results {
			if r.Summary != "" {
				fmt.Fprintf(&b, "- result (%s): %s\n", r.Type, r.Summary)
			} else {
				fmt.Fprintf(&b, "- result (%s): %s\n", r.Type, r.MarkdownPath)
			}
		}

		discoveries, err := e.store.ListDiscoveriesForTask(ctx, task.ID)
		if err != nil {
			return "", err
		}
		for _, d := range discoveries {
			fmt.Fprintf(&b, "- discovery (%s): %s\n", d.Type, d.Description)
		}

		reviews, err := e.store.ListReviewsForTask(ctx, task.ID)
		if err != nil {
			return "", err
		}
		for _, r := range reviews {
			verdict := "fail"
			if r.Passed {
				verdict = "pass"
			}
			fmt.Fprintf(&b, "- review #%d (%s): %s\n", r.IterationNumber, verdict, r.Feedback)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}
