package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelhq/kestrel/internal/model"
)

const diagnosticColumns = `id, workflow_id, trigger_reason, context_snapshot,
	spawned_task_ids, status, cooldown_until, created_at, updated_at`

// InsertDiagnosticRun persists a new diagnostic run record.
func (d *DB) InsertDiagnosticRun(ctx context.Context, r *model.DiagnosticRun) error {
	spawned, err := marshalStrings(r.SpawnedTaskIDs)
	if err != nil {
		return err
	}

	_, err = d.Exec(ctx, `
		INSERT INTO diagnostic_runs (id, workflow_id, trigger_reason, context_snapshot,
			spawned_task_ids, status, cooldown_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.WorkflowID, r.TriggerReason, r.ContextSnapshot,
		spawned, r.Status, formatTime(r.CooldownUntil),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert diagnostic run %s: %w", r.ID, err)
	}
	return nil
}

// UpdateDiagnosticRun persists status and spawned task changes.
func (d *DB) UpdateDiagnosticRun(ctx context.Context, r *model.DiagnosticRun) error {
	spawned, err := marshalStrings(r.SpawnedTaskIDs)
	if err != nil {
		return err
	}

	_, err = d.Exec(ctx, `
		UPDATE diagnostic_runs SET spawned_task_ids = ?, status = ?, cooldown_until = ?, updated_at = ?
		WHERE id = ?
	`, spawned, r.Status, formatTime(r.CooldownUntil), formatTime(r.UpdatedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update diagnostic run %s: %w", r.ID, err)
	}
	return nil
}

// LatestDiagnosticRun returns the most recent run for a workflow, or (nil, nil).
func (d *DB) LatestDiagnosticRun(ctx context.Context, workflowID string) (*model.DiagnosticRun, error) {
	row := d.QueryRow(ctx, `
		SELECT `+diagnosticColumns+` FROM diagnostic_runs
		WHERE workflow_id = ? ORDER BY created_at DESC, id DESC LIMIT 1
	`, workflowID)
	r, err := scanDiagnosticRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// ListOpenDiagnosticRuns returns runs that have not yet resolved.
func (d *DB) ListOpenDiagnosticRuns(ctx context.Context) ([]*model.DiagnosticRun, error) {
	rows, err := d.Query(ctx, `
		SELECT `+diagnosticColumns+` FROM diagnostic_runs
		WHERE status = 'open' ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list open diagnostic runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*model.DiagnosticRun
	for rows.Next() {
		r, err := scanDiagnosticRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// WorkflowInCooldown reports whether a workflow has a diagnostic cooldown
// extending past now.
func (d *DB) WorkflowInCooldown(ctx context.Context, workflowID string, now time.Time) (bool, error) {
	var count int
	err := d.QueryRow(ctx, `
		SELECT COUNT(*) FROM diagnostic_runs WHERE workflow_id = ? AND cooldown_until > ?
	`, workflowID, formatTime(now)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check diagnostic cooldown: %w", err)
	}
	return count > 0, nil
}

func scanDiagnosticRun(s agentScanner) (*model.DiagnosticRun, error) {
	var r model.DiagnosticRun
	var spawned, cooldown, createdAt, updatedAt string

	if err := s.Scan(&r.ID, &r.WorkflowID, &r.TriggerReason, &r.ContextSnapshot,
		&spawned, &r.Status, &cooldown, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan diagnostic run: %w", err)
	}

	var err error
	if r.SpawnedTaskIDs, err = unmarshalStrings(spawned); err != nil {
		return nil, err
	}
	if r.CooldownUntil, err = parseTime(cooldown); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
