package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kestrelhq/kestrel/internal/model"
)

const agentResultColumns = `id, task_id, agent_id, markdown_path, type, summary,
	verification_status, created_at`

// InsertAgentResult persists a submitted task artifact record.
func (d *DB) InsertAgentResult(ctx context.Context, r *model.AgentResult) error {
	_, err := d.Exec(ctx, `
		INSERT INTO agent_results (id, task_id, agent_id, markdown_path, type, summary,
			verification_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.TaskID, r.AgentID, r.MarkdownPath, r.Type, r.Summary,
		r.VerificationStatus, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert agent result %s: %w", r.ID, err)
	}
	return nil
}

// ListAgentResultsForTask returns artifacts submitted for a task, newest last.
func (d *DB) ListAgentResultsForTask(ctx context.Context, taskID string) ([]*model.AgentResult, error) {
	rows, err := d.Query(ctx, `
		SELECT `+agentResultColumns+` FROM agent_results
		WHERE task_id = ? ORDER BY created_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list agent results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*model.AgentResult
	for rows.Next() {
		r, err := scanAgentResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// LatestAgentResult returns the most recent artifact for a task, or (nil, nil).
func (d *DB) LatestAgentResult(ctx context.Context, taskID string) (*model.AgentResult, error) {
	row := d.QueryRow(ctx, `
		SELECT `+agentResultColumns+` FROM agent_results
		WHERE task_id = ? ORDER BY created_at DESC, id DESC LIMIT 1
	`, taskID)
	r, err := scanAgentResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func scanAgentResult(s agentScanner) (*model.AgentResult, error) {
	var r model.AgentResult
	var createdAt string

	if err := s.Scan(&r.ID, &r.TaskID, &r.AgentID, &r.MarkdownPath, &r.Type,
		&r.Summary, &r.VerificationStatus, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan agent result: %w", err)
	}

	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	r.UpdatedAt = r.CreatedAt
	return &r, nil
}

// InsertWorkflowResult persists a final workflow artifact record.
func (d *DB) InsertWorkflowResult(ctx context.Context, r *model.WorkflowResult) error {
	_, err := d.Exec(ctx, `
		INSERT INTO workflow_results (id, workflow_id, markdown_path, evidence,
			validation_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.WorkflowID, r.MarkdownPath, r.Evidence, r.ValidationStatus, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert workflow result %s: %w", r.ID, err)
	}
	return nil
}

// LatestWorkflowResult returns the most recent result for a workflow, or (nil, nil).
func (d *DB) LatestWorkflowResult(ctx context.Context, workflowID string) (*model.WorkflowResult, error) {
	row := d.QueryRow(ctx, `
		SELECT id, workflow_id, markdown_path, evidence, validation_status, created_at
		FROM workflow_results
		WHERE workflow_id = ? ORDER BY created_at DESC, id DESC LIMIT 1
	`, workflowID)

	var r model.WorkflowResult
	var createdAt string
	err := row.Scan(&r.ID, &r.WorkflowID, &r.MarkdownPath, &r.Evidence, &r.ValidationStatus, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow result: %w", err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	r.UpdatedAt = r.CreatedAt
	return &r, nil
}
