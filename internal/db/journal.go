package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// JournalEntry is one durable event row. Seq is assigned by the database
// and establishes the global delivery order.
type JournalEntry struct {
	Seq           int64
	Topic         string
	PartitionKey  string
	CorrelationID string
	Actor         string
	Payload       []byte
	SchemaVersion int
	OccurredAt    time.Time
}

// AppendEvent durably appends an event and returns its assigned sequence.
// Re-appending an event with the same (topic, correlation_id, occurred_at)
// returns the existing sequence instead of a duplicate row.
func (d *DB) AppendEvent(ctx context.Context, e *JournalEntry) (int64, error) {
	result, err := d.Exec(ctx, `
		INSERT INTO event_journal (topic, partition_key, correlation_id, actor,
			payload, schema_version, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Topic, e.PartitionKey, e.CorrelationID, e.Actor,
		string(e.Payload), e.SchemaVersion, formatTime(e.OccurredAt))
	if err != nil {
		if isUniqueViolation(err) {
			return d.eventSeq(ctx, e.Topic, e.CorrelationID, e.OccurredAt)
		}
		return 0, fmt.Errorf("append event %s: %w", e.Topic, err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		// Postgres does not report LastInsertId; fall back to a lookup.
		return d.eventSeq(ctx, e.Topic, e.CorrelationID, e.OccurredAt)
	}
	return seq, nil
}

func (d *DB) eventSeq(ctx context.Context, topic, correlationID string, occurredAt time.Time) (int64, error) {
	var seq int64
	err := d.QueryRow(ctx, `
		SELECT seq FROM event_journal WHERE topic = ? AND correlation_id = ? AND occurred_at = ?
	`, topic, correlationID, formatTime(occurredAt)).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("resolve event seq: %w", err)
	}
	return seq, nil
}

// ListEventsAfter returns up to limit journal entries with seq > after,
// in sequence order.
func (d *DB) ListEventsAfter(ctx context.Context, after int64, limit int) ([]*JournalEntry, error) {
	rows, err := d.Query(ctx, `
		SELECT seq, topic, partition_key, correlation_id, actor, payload, schema_version, occurred_at
		FROM event_journal WHERE seq > ? ORDER BY seq ASC LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*JournalEntry
	for rows.Next() {
		e, err := scanJournalEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListEventsByCorrelation returns the full journal trail for a correlation ID.
func (d *DB) ListEventsByCorrelation(ctx context.Context, correlationID string) ([]*JournalEntry, error) {
	rows, err := d.Query(ctx, `
		SELECT seq, topic, partition_key, correlation_id, actor, payload, schema_version, occurred_at
		FROM event_journal WHERE correlation_id = ? ORDER BY seq ASC
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("list events by correlation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*JournalEntry
	for rows.Next() {
		e, err := scanJournalEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanJournalEntry(s agentScanner) (*JournalEntry, error) {
	var e JournalEntry
	var payload sql.NullString
	var occurredAt string

	if err := s.Scan(&e.Seq, &e.Topic, &e.PartitionKey, &e.CorrelationID,
		&e.Actor, &payload, &e.SchemaVersion, &occurredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan journal entry: %w", err)
	}

	if payload.Valid {
		e.Payload = []byte(payload.String)
	}
	var err error
	if e.OccurredAt, err = parseTime(occurredAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetCursor returns the acknowledged sequence for a subscriber, zero when
// the subscriber has no cursor yet.
func (d *DB) GetCursor(ctx context.Context, subscriber string) (int64, error) {
	var seq int64
	err := d.QueryRow(ctx, `
		SELECT acked_seq FROM bus_cursors WHERE subscriber = ?
	`, subscriber).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor %s: %w", subscriber, err)
	}
	return seq, nil
}

// SetCursor records the acknowledged sequence for a subscriber. Cursors
// never move backwards.
func (d *DB) SetCursor(ctx context.Context, subscriber string, seq int64, now time.Time) error {
	_, err := d.Exec(ctx, `
		INSERT INTO bus_cursors (subscriber, acked_seq, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(subscriber) DO UPDATE SET
			acked_seq = CASE WHEN excluded.acked_seq > bus_cursors.acked_seq
				THEN excluded.acked_seq ELSE bus_cursors.acked_seq END,
			updated_at = excluded.updated_at
	`, subscriber, seq, formatTime(now))
	if err != nil {
		return fmt.Errorf("set cursor %s: %w", subscriber, err)
	}
	return nil
}

// DeleteCursor removes a subscriber's cursor on final disconnect.
func (d *DB) DeleteCursor(ctx context.Context, subscriber string) error {
	_, err := d.Exec(ctx, "DELETE FROM bus_cursors WHERE subscriber = ?", subscriber)
	if err != nil {
		return fmt.Errorf("delete cursor %s: %w", subscriber, err)
	}
	return nil
}
