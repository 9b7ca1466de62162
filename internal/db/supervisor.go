package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelhq/kestrel/internal/model"
)

const supervisorColumns = `id, actor_agent_id, authority_level, action_type, target,
	reason, reversed, audit_log, created_at, updated_at`

// InsertSupervisorAction persists an audited emergency intervention.
func (d *DB) InsertSupervisorAction(ctx context.Context, a *model.SupervisorAction) error {
	_, err := d.Exec(ctx, `
		INSERT INTO supervisor_actions (id, actor_agent_id, authority_level, action_type,
			target, reason, reversed, audit_log, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ActorAgentID, a.AuthorityLevel, a.ActionType, a.Target,
		a.Reason, a.Reversed, a.AuditLog, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert supervisor action %s: %w", a.ID, err)
	}
	return nil
}

// UpdateSupervisorAction persists reversal and audit log changes.
func (d *DB) UpdateSupervisorAction(ctx context.Context, a *model.SupervisorAction) error {
	_, err := d.Exec(ctx, `
		UPDATE supervisor_actions SET reversed = ?, audit_log = ?, updated_at = ?
		WHERE id = ?
	`, a.Reversed, a.AuditLog, formatTime(a.UpdatedAt), a.ID)
	if err != nil {
		return fmt.Errorf("update supervisor action %s: %w", a.ID, err)
	}
	return nil
}

// GetSupervisorAction retrieves an action by ID. Returns (nil, nil) when absent.
func (d *DB) GetSupervisorAction(ctx context.Context, id string) (*model.SupervisorAction, error) {
	row := d.QueryRow(ctx, `
		SELECT `+supervisorColumns+` FROM supervisor_actions WHERE id = ?
	`, id)
	a, err := scanSupervisorAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ListSupervisorActionsForTarget returns actions against a target since a
// cutoff, newest first. A zero cutoff returns the full history.
func (d *DB) ListSupervisorActionsForTarget(ctx context.Context, target string, since time.Time) ([]*model.SupervisorAction, error) {
	query := "SELECT " + supervisorColumns + " FROM supervisor_actions WHERE target = ?"
	args := []any{target}
	if !since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, formatTime(since))
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list supervisor actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var actions []*model.SupervisorAction
	for rows.Next() {
		a, err := scanSupervisorAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func scanSupervisorAction(s agentScanner) (*model.SupervisorAction, error) {
	var a model.SupervisorAction
	var createdAt, updatedAt string

	if err := s.Scan(&a.ID, &a.ActorAgentID, &a.AuthorityLevel, &a.ActionType,
		&a.Target, &a.Reason, &a.Reversed, &a.AuditLog, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan supervisor action: %w", err)
	}

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
