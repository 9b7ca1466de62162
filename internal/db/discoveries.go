package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	kerr "github.com/kestrelhq/kestrel/internal/errors"
	"github.com/kestrelhq/kestrel/internal/model"
)

const discoveryColumns = `id, source_task_id, type, description, description_hash,
	spawned_task_ids, priority_boost, resolution_status, created_at, updated_at`

// InsertDiscovery persists a new discovery. A conflict is returned when the
// (source task, type, description hash) idempotency key already exists.
func (d *DB) InsertDiscovery(ctx context.Context, disc *model.Discovery) error {
	spawned, err := marshalStrings(disc.SpawnedTaskIDs)
	if err != nil {
		return err
	}

	_, err = d.Exec(ctx, `
		INSERT INTO task_discoveries (id, source_task_id, type, description, description_hash,
			spawned_task_ids, priority_boost, resolution_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, disc.ID, disc.SourceTaskID, disc.Type, disc.Description, disc.DescriptionHash,
		spawned, disc.PriorityBoost, disc.ResolutionStatus,
		formatTime(disc.CreatedAt), formatTime(disc.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return kerr.ErrConflict("discovery", disc.ID).WithCause(err)
		}
		return fmt.Errorf("insert discovery %s: %w", disc.ID, err)
	}
	return nil
}

// UpdateDiscovery persists spawned task IDs and resolution changes.
func (d *DB) UpdateDiscovery(ctx context.Context, disc *model.Discovery) error {
	spawned, err := marshalStrings(disc.SpawnedTaskIDs)
	if err != nil {
		return err
	}

	_, err = d.Exec(ctx, `
		UPDATE task_discoveries SET spawned_task_ids = ?, resolution_status = ?, updated_at = ?
		WHERE id = ?
	`, spawned, disc.ResolutionStatus, formatTime(disc.UpdatedAt), disc.ID)
	if err != nil {
		return fmt.Errorf("update discovery %s: %w", disc.ID, err)
	}
	return nil
}

// GetDiscovery retrieves a discovery by ID. Returns (nil, nil) when absent.
func (d *DB) GetDiscovery(ctx context.Context, id string) (*model.Discovery, error) {
	row := d.QueryRow(ctx, `
		SELECT `+discoveryColumns+` FROM task_discoveries WHERE id = ?
	`, id)
	disc, err := scanDiscovery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return disc, err
}

// FindDiscoveryByKey looks up a discovery by its idempotency key.
// Returns (nil, nil) when no matching discovery exists.
func (d *DB) FindDiscoveryByKey(ctx context.Context, sourceTaskID string, dtype model.DiscoveryType, hash string) (*model.Discovery, error) {
	row := d.QueryRow(ctx, `
		SELECT `+discoveryColumns+` FROM task_discoveries
		WHERE source_task_id = ? AND type = ? AND description_hash = ?
	`, sourceTaskID, dtype, hash)
	disc, err := scanDiscovery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return disc, err
}

// ListDiscoveriesForTask returns all discoveries recorded by a task.
func (d *DB) ListDiscoveriesForTask(ctx context.Context, sourceTaskID string) ([]*model.Discovery, error) {
	rows, err := d.Query(ctx, `
		SELECT `+discoveryColumns+` FROM task_discoveries
		WHERE source_task_id = ? ORDER BY created_at ASC
	`, sourceTaskID)
	if err != nil {
		return nil, fmt.Errorf("list discoveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var discoveries []*model.Discovery
	for rows.Next() {
		disc, err := scanDiscovery(rows)
		if err != nil {
			return nil, err
		}
		discoveries = append(discoveries, disc)
	}
	return discoveries, rows.Err()
}

func scanDiscovery(s agentScanner) (*model.Discovery, error) {
	var disc model.Discovery
	var spawned, createdAt, updatedAt string

	if err := s.Scan(&disc.ID, &disc.SourceTaskID, &disc.Type, &disc.Description,
		&disc.DescriptionHash, &spawned, &disc.PriorityBoost, &disc.ResolutionStatus,
		&createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan discovery: %w", err)
	}

	var err error
	if disc.SpawnedTaskIDs, err = unmarshalStrings(spawned); err != nil {
		return nil, err
	}
	if disc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if disc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &disc, nil
}
