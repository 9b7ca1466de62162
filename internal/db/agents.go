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

const agentColumns = `id, type, name, phase_id, capabilities, status, health_status,
	current_task_id, last_heartbeat_at, restart_count, crypto_public_key,
	max_concurrent, version_tag, created_at, updated_at`

// InsertAgent persists a new agent registry entry.
func (d *DB) InsertAgent(ctx context.Context, a *model.Agent) error {
	caps, err := marshalStrings(a.Capabilities)
	if err != nil {
		return err
	}

	_, err = d.Exec(ctx, `
		INSERT INTO agents (id, type, name, phase_id, capabilities, status, health_status,
			current_task_id, last_heartbeat_at, restart_count, crypto_public_key,
			max_concurrent, version_tag, row_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, a.ID, a.Type, a.Name, a.PhaseID, caps, a.Status, a.HealthStatus,
		nullable(a.CurrentTaskID), formatTime(a.LastHeartbeatAt), a.RestartCount,
		a.PublicKey, a.MaxConcurrent, a.Version, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return kerr.ErrConflict("agent", a.ID).WithCause(err)
		}
		return fmt.Errorf("insert agent %s: %w", a.ID, err)
	}
	return nil
}

// UpdateAgent persists agent changes with optimistic concurrency. The row
// version must match the value read; on mismatch a conflict is returned.
func (d *DB) UpdateAgent(ctx context.Context, a *model.Agent, rowVersion int64) error {
	caps, err := marshalStrings(a.Capabilities)
	if err != nil {
		return err
	}

	result, err := d.Exec(ctx, `
		UPDATE agents SET type = ?, name = ?, phase_id = ?, capabilities = ?, status = ?,
			health_status = ?, current_task_id = ?, last_heartbeat_at = ?, restart_count = ?,
			crypto_public_key = ?, max_concurrent = ?, version_tag = ?,
			row_version = row_version + 1, updated_at = ?
		WHERE id = ? AND row_version = ?
	`, a.Type, a.Name, a.PhaseID, caps, a.Status, a.HealthStatus,
		nullable(a.CurrentTaskID), formatTime(a.LastHeartbeatAt), a.RestartCount,
		a.PublicKey, a.MaxConcurrent, a.Version, formatTime(a.UpdatedAt),
		a.ID, rowVersion)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", a.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return kerr.ErrConflict("agent", a.ID)
	}
	return nil
}

// GetAgent retrieves an agent by ID along with its row version.
func (d *DB) GetAgent(ctx context.Context, id string) (*model.Agent, int64, error) {
	row := d.QueryRow(ctx, `
		SELECT `+agentColumns+`, row_version FROM agents WHERE id = ?
	`, id)
	return scanAgentWithVersion(row)
}

// GetAgentByTypeName retrieves an agent by its unique (type, name) pair.
func (d *DB) GetAgentByTypeName(ctx context.Context, agentType model.AgentType, name string) (*model.Agent, int64, error) {
	row := d.QueryRow(ctx, `
		SELECT `+agentColumns+`, row_version FROM agents WHERE type = ? AND name = ?
	`, agentType, name)
	return scanAgentWithVersion(row)
}

// DeleteAgent removes an agent registry entry.
func (d *DB) DeleteAgent(ctx context.Context, id string) error {
	_, err := d.Exec(ctx, "DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	return nil
}

// ListAgents returns all agents, optionally filtered by phase and status.
func (d *DB) ListAgents(ctx context.Context, phaseID string, status model.AgentStatus) ([]*model.Agent, error) {
	query := "SELECT " + agentColumns + " FROM agents"
	var conds []string
	var args []any
	if phaseID != "" {
		conds = append(conds, "phase_id = ?")
		args = append(args, phaseID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// ListOverdueAgents returns non-quarantined agents whose last heartbeat is
// older than the cutoff.
func (d *DB) ListOverdueAgents(ctx context.Context, cutoff time.Time) ([]*model.Agent, error) {
	rows, err := d.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE last_heartbeat_at < ? AND status NOT IN (?, ?)
		ORDER BY last_heartbeat_at ASC
	`, formatTime(cutoff), model.AgentQuarantined, model.AgentUnresponsive)
	if err != nil {
		return nil, fmt.Errorf("list overdue agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// CountAgentsByTypePrefix returns how many agents share a name prefix.
// Used to derive the next human-readable agent name.
func (d *DB) CountAgentsByTypePrefix(ctx context.Context, agentType model.AgentType, prefix string) (int, error) {
	var count int
	err := d.QueryRow(ctx, `
		SELECT COUNT(*) FROM agents WHERE type = ? AND name LIKE ?
	`, agentType, prefix+"%").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return count, nil
}

type agentScanner interface {
	Scan(dest ...any) error
}

func scanAgent(s agentScanner) (*model.Agent, error) {
	a, _, err := scanAgentFields(s, false)
	return a, err
}

func scanAgentWithVersion(row *sql.Row) (*model.Agent, int64, error) {
	a, v, err := scanAgentFields(row, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	return a, v, nil
}

func scanAgentFields(s agentScanner, withVersion bool) (*model.Agent, int64, error) {
	var a model.Agent
	var caps string
	var currentTask sql.NullString
	var heartbeat, createdAt, updatedAt string
	var rowVersion int64

	dest := []any{
		&a.ID, &a.Type, &a.Name, &a.PhaseID, &caps, &a.Status, &a.HealthStatus,
		&currentTask, &heartbeat, &a.RestartCount, &a.PublicKey,
		&a.MaxConcurrent, &a.Version, &createdAt, &updatedAt,
	}
	if withVersion {
		dest = append(dest, &rowVersion)
	}

	if err := s.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("scan agent: %w", err)
	}

	var err error
	if a.Capabilities, err = unmarshalStrings(caps); err != nil {
		return nil, 0, err
	}
	a.CurrentTaskID = fromNull(currentTask)
	if a.LastHeartbeatAt, err = parseTime(heartbeat); err != nil {
		return nil, 0, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, 0, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, 0, err
	}
	return &a, rowVersion, nil
}

// isUniqueViolation detects unique-index violations across both dialects.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}
