package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelhq/kestrel/internal/db/driver"
	kerr "github.com/kestrelhq/kestrel/internal/errors"
	"github.com/kestrelhq/kestrel/internal/model"
)

const ticketColumns = `id, title, status, phase_id, priority, approval_status,
	approval_deadline_at, requested_by_agent_id, context, context_summary,
	archived, created_at, updated_at`

// InsertTicket persists a new ticket.
func (d *DB) InsertTicket(ctx context.Context, t *model.Ticket) error {
	_, err := d.Exec(ctx, `
		INSERT INTO tickets (id, title, status, phase_id, priority, approval_status,
			approval_deadline_at, requested_by_agent_id, context, context_summary,
			archived, row_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, t.ID, t.Title, t.Status, t.PhaseID, t.Priority, t.ApprovalStatus,
		formatTimePtr(t.ApprovalDeadlineAt), nullable(t.RequestedByAgentID),
		t.Context, t.ContextSummary, t.Archived,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert ticket %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTicket persists ticket changes with optimistic concurrency.
func (d *DB) UpdateTicket(ctx context.Context, t *model.Ticket, rowVersion int64) error {
	result, err := d.Exec(ctx, `
		UPDATE tickets SET title = ?, status = ?, phase_id = ?, priority = ?,
			approval_status = ?, approval_deadline_at = ?, requested_by_agent_id = ?,
			context = ?, context_summary = ?, archived = ?,
			row_version = row_version + 1, updated_at = ?
		WHERE id = ? AND row_version = ?
	`, t.Title, t.Status, t.PhaseID, t.Priority,
		t.ApprovalStatus, formatTimePtr(t.ApprovalDeadlineAt), nullable(t.RequestedByAgentID),
		t.Context, t.ContextSummary, t.Archived, formatTime(t.UpdatedAt),
		t.ID, rowVersion)
	if err != nil {
		return fmt.Errorf("update ticket %s: %w", t.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return kerr.ErrConflict("ticket", t.ID)
	}
	return nil
}

// GetTicket retrieves a ticket by ID along with its row version.
// Returns (nil, 0, nil) when the ticket does not exist.
func (d *DB) GetTicket(ctx context.Context, id string) (*model.Ticket, int64, error) {
	row := d.QueryRow(ctx, `
		SELECT `+ticketColumns+`, row_version FROM tickets WHERE id = ?
	`, id)
	t, v, err := scanTicketFields(row, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	return t, v, nil
}

// DeleteTicket removes a ticket and its tasks.
func (d *DB) DeleteTicket(ctx context.Context, id string) error {
	return d.RunInTx(ctx, func(tx driver.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM tasks WHERE ticket_id = ?", id); err != nil {
			return fmt.Errorf("delete ticket tasks: %w", err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM tickets WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete ticket %s: %w", id, err)
		}
		return nil
	})
}

// ListTickets returns tickets, optionally filtered by board column status.
func (d *DB) ListTickets(ctx context.Context, status string) ([]*model.Ticket, error) {
	query := "SELECT " + ticketColumns + " FROM tickets WHERE archived = 0"
	var args []any
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at ASC"

	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tickets []*model.Ticket
	for rows.Next() {
		t, _, err := scanTicketFields(rows, false)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// CountTicketsInColumn returns the number of unarchived tickets in a column.
func (d *DB) CountTicketsInColumn(ctx context.Context, column string) (int, error) {
	var count int
	err := d.QueryRow(ctx, `
		SELECT COUNT(*) FROM tickets WHERE status = ? AND archived = 0
	`, column).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tickets in %s: %w", column, err)
	}
	return count, nil
}

// ListExpiredApprovals returns pending-review tickets whose approval
// deadline is at or before now.
func (d *DB) ListExpiredApprovals(ctx context.Context, now time.Time) ([]*model.Ticket, error) {
	rows, err := d.Query(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE approval_status = ? AND approval_deadline_at IS NOT NULL AND approval_deadline_at <= ?
	`, model.ApprovalPendingReview, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list expired approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tickets []*model.Ticket
	for rows.Next() {
		t, _, err := scanTicketFields(rows, false)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func scanTicketFields(s agentScanner, withVersion bool) (*model.Ticket, int64, error) {
	var t model.Ticket
	var deadline, requestedBy sql.NullString
	var createdAt, updatedAt string
	var rowVersion int64

	dest := []any{
		&t.ID, &t.Title, &t.Status, &t.PhaseID, &t.Priority, &t.ApprovalStatus,
		&deadline, &requestedBy, &t.Context, &t.ContextSummary,
		&t.Archived, &createdAt, &updatedAt,
	}
	if withVersion {
		dest = append(dest, &rowVersion)
	}

	if err := s.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("scan ticket: %w", err)
	}

	var err error
	if t.ApprovalDeadlineAt, err = parseTimePtr(deadline); err != nil {
		return nil, 0, err
	}
	t.RequestedByAgentID = fromNull(requestedBy)
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, 0, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, 0, err
	}
	return &t, rowVersion, nil
}
