package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	kerr "github.com/kestrelhq/kestrel/internal/errors"
	"github.com/kestrelhq/kestrel/internal/model"
)

const taskColumns = `id, ticket_id, phase_id, title, description, status, priority,
	required_capabilities, dependencies, parent_task_id, assigned_agent_id,
	validation_enabled, validation_iteration, last_validation_feedback,
	blocked_reason, retry_count, created_at, updated_at, started_at, completed_at`

// InsertTask persists a new task.
func (d *DB) InsertTask(ctx context.Context, t *model.Task) error {
	caps, err := marshalStrings(t.RequiredCapabilities)
	if err != nil {
		return err
	}
	deps, err := marshalStrings(t.Dependencies)
	if err != nil {
		return err
	}

	_, err = d.Exec(ctx, `
		INSERT INTO tasks (id, ticket_id, phase_id, title, description, status, priority,
			required_capabilities, dependencies, parent_task_id, assigned_agent_id,
			validation_enabled, validation_iteration, last_validation_feedback,
			blocked_reason, retry_count, row_version, created_at, updated_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, t.ID, t.TicketID, t.PhaseID, t.Title, t.Description, t.Status, t.Priority,
		caps, deps, nullable(t.ParentTaskID), nullable(t.AssignedAgentID),
		t.ValidationEnabled, t.ValidationIteration, t.LastValidationFeedback,
		t.BlockedReason, t.RetryCount, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTask persists task changes with optimistic concurrency.
func (d *DB) UpdateTask(ctx context.Context, t *model.Task, rowVersion int64) error {
	caps, err := marshalStrings(t.RequiredCapabilities)
	if err != nil {
		return err
	}
	deps, err := marshalStrings(t.Dependencies)
	if err != nil {
		return err
	}

	result, err := d.Exec(ctx, `
		UPDATE tasks SET phase_id = ?, title = ?, description = ?, status = ?, priority = ?,
			required_capabilities = ?, dependencies = ?, parent_task_id = ?, assigned_agent_id = ?,
			validation_enabled = ?, validation_iteration = ?, last_validation_feedback = ?,
			blocked_reason = ?, retry_count = ?, row_version = row_version + 1,
			updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND row_version = ?
	`, t.PhaseID, t.Title, t.Description, t.Status, t.Priority,
		caps, deps, nullable(t.ParentTaskID), nullable(t.AssignedAgentID),
		t.ValidationEnabled, t.ValidationIteration, t.LastValidationFeedback,
		t.BlockedReason, t.RetryCount, formatTime(t.UpdatedAt),
		formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt),
		t.ID, rowVersion)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return kerr.ErrConflict("task", t.ID)
	}
	return nil
}

// GetTask retrieves a task by ID along with its row version.
// Returns (nil, 0, nil) when the task does not exist.
func (d *DB) GetTask(ctx context.Context, id string) (*model.Task, int64, error) {
	row := d.QueryRow(ctx, `
		SELECT `+taskColumns+`, row_version FROM tasks WHERE id = ?
	`, id)
	t, v, err := scanTaskFields(row, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	return t, v, nil
}

// TaskFilter narrows ListTasks results. Zero values mean "any".
type TaskFilter struct {
	TicketID string
	PhaseID  string
	Statuses []model.TaskStatus
	AgentID  string
}

// ListTasks returns tasks matching the filter in dispatch order:
// priority rank, then created_at, then ID.
func (d *DB) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks"
	var conds []string
	var args []any
	if f.TicketID != "" {
		conds = append(conds, "ticket_id = ?")
		args = append(args, f.TicketID)
	}
	if f.PhaseID != "" {
		conds = append(conds, "phase_id = ?")
		args = append(args, f.PhaseID)
	}
	if f.AgentID != "" {
		conds = append(conds, "assigned_agent_id = ?")
		args = append(args, f.AgentID)
	}
	if len(f.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(f.Statuses)), ", ")
		conds = append(conds, "status IN ("+placeholders+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += `
		ORDER BY CASE priority
			WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3
		END, created_at ASC, id ASC`

	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*model.Task
	for rows.Next() {
		t, _, err := scanTaskFields(rows, false)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListPendingTasks returns dispatchable tasks across all phases in
// dispatch order.
func (d *DB) ListPendingTasks(ctx context.Context) ([]*model.Task, error) {
	return d.ListTasks(ctx, TaskFilter{Statuses: []model.TaskStatus{model.TaskPending}})
}

// CountTasksByStatus returns the number of ticket tasks per status.
func (d *DB) CountTasksByStatus(ctx context.Context, ticketID string) (map[model.TaskStatus]int, error) {
	rows, err := d.Query(ctx, `
		SELECT status, COUNT(*) FROM tasks WHERE ticket_id = ? GROUP BY status
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status model.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// LatestTaskActivity returns the most recent updated_at across a ticket's
// tasks, or the zero time when the ticket has none.
func (d *DB) LatestTaskActivity(ctx context.Context, ticketID string) (time.Time, error) {
	var latest sql.NullString
	err := d.QueryRow(ctx, `
		SELECT MAX(updated_at) FROM tasks WHERE ticket_id = ?
	`, ticketID).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest task activity: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return parseTime(latest.String)
}

func scanTaskFields(s agentScanner, withVersion bool) (*model.Task, int64, error) {
	var t model.Task
	var caps, deps string
	var parent, agent, started, completed sql.NullString
	var createdAt, updatedAt string
	var rowVersion int64

	dest := []any{
		&t.ID, &t.TicketID, &t.PhaseID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&caps, &deps, &parent, &agent,
		&t.ValidationEnabled, &t.ValidationIteration, &t.LastValidationFeedback,
		&t.BlockedReason, &t.RetryCount, &createdAt, &updatedAt, &started, &completed,
	}
	if withVersion {
		dest = append(dest, &rowVersion)
	}

	if err := s.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("scan task: %w", err)
	}

	var err error
	if t.RequiredCapabilities, err = unmarshalStrings(caps); err != nil {
		return nil, 0, err
	}
	if t.Dependencies, err = unmarshalStrings(deps); err != nil {
		return nil, 0, err
	}
	t.ParentTaskID = fromNull(parent)
	t.AssignedAgentID = fromNull(agent)
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, 0, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, 0, err
	}
	if t.StartedAt, err = parseTimePtr(started); err != nil {
		return nil, 0, err
	}
	if t.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, 0, err
	}
	return &t, rowVersion, nil
}
