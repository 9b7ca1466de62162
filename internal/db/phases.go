package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kestrelhq/kestrel/internal/model"
)

// SavePhase inserts or updates a phase definition.
func (d *DB) SavePhase(ctx context.Context, p *model.Phase) error {
	transitions, err := marshalStrings(p.AllowedTransitions)
	if err != nil {
		return err
	}
	defs, err := marshalStrings(p.DoneDefinitions)
	if err != nil {
		return err
	}
	outputs, err := json.Marshal(p.ExpectedOutputs)
	if err != nil {
		return fmt.Errorf("marshal expected outputs: %w", err)
	}

	_, err = d.Exec(ctx, `
		INSERT INTO phases (id, sequence_order, allowed_transitions, done_definitions,
			expected_outputs, phase_prompt, next_steps_guide)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sequence_order = excluded.sequence_order,
			allowed_transitions = excluded.allowed_transitions,
			done_definitions = excluded.done_definitions,
			expected_outputs = excluded.expected_outputs,
			phase_prompt = excluded.phase_prompt,
			next_steps_guide = excluded.next_steps_guide
	`, p.ID, p.SequenceOrder, transitions, defs, string(outputs), p.Prompt, p.NextStepsGuide)
	if err != nil {
		return fmt.Errorf("save phase %s: %w", p.ID, err)
	}
	return nil
}

// GetPhase retrieves a phase by ID. Returns (nil, nil) when absent.
func (d *DB) GetPhase(ctx context.Context, id string) (*model.Phase, error) {
	row := d.QueryRow(ctx, `
		SELECT id, sequence_order, allowed_transitions, done_definitions,
			expected_outputs, phase_prompt, next_steps_guide
		FROM phases WHERE id = ?
	`, id)

	p, err := scanPhase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListPhases returns all phases in sequence order.
func (d *DB) ListPhases(ctx context.Context) ([]*model.Phase, error) {
	rows, err := d.Query(ctx, `
		SELECT id, sequence_order, allowed_transitions, done_definitions,
			expected_outputs, phase_prompt, next_steps_guide
		FROM phases ORDER BY sequence_order ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var phases []*model.Phase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

func scanPhase(s agentScanner) (*model.Phase, error) {
	var p model.Phase
	var transitions, defs, outputs string

	if err := s.Scan(&p.ID, &p.SequenceOrder, &transitions, &defs, &outputs,
		&p.Prompt, &p.NextStepsGuide); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan phase: %w", err)
	}

	var err error
	if p.AllowedTransitions, err = unmarshalStrings(transitions); err != nil {
		return nil, err
	}
	if p.DoneDefinitions, err = unmarshalStrings(defs); err != nil {
		return nil, err
	}
	if outputs != "" {
		if err := json.Unmarshal([]byte(outputs), &p.ExpectedOutputs); err != nil {
			return nil, fmt.Errorf("unmarshal expected outputs: %w", err)
		}
	}
	return &p, nil
}

// SaveBoardColumn inserts or updates a board column.
func (d *DB) SaveBoardColumn(ctx context.Context, c *model.BoardColumn) error {
	mapping, err := marshalStrings(c.PhaseMapping)
	if err != nil {
		return err
	}

	_, err = d.Exec(ctx, `
		INSERT INTO board_columns (id, sequence_order, phase_mapping, wip_limit,
			is_terminal, auto_transition_to)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sequence_order = excluded.sequence_order,
			phase_mapping = excluded.phase_mapping,
			wip_limit = excluded.wip_limit,
			is_terminal = excluded.is_terminal,
			auto_transition_to = excluded.auto_transition_to
	`, c.ID, c.SequenceOrder, mapping, c.WIPLimit, c.IsTerminal, c.AutoTransitionTo)
	if err != nil {
		return fmt.Errorf("save board column %s: %w", c.ID, err)
	}
	return nil
}

// GetBoardColumn retrieves a board column by ID. Returns (nil, nil) when absent.
func (d *DB) GetBoardColumn(ctx context.Context, id string) (*model.BoardColumn, error) {
	row := d.QueryRow(ctx, `
		SELECT id, sequence_order, phase_mapping, wip_limit, is_terminal, auto_transition_to
		FROM board_columns WHERE id = ?
	`, id)

	c, err := scanBoardColumn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// ListBoardColumns returns all board columns in sequence order.
func (d *DB) ListBoardColumns(ctx context.Context) ([]*model.BoardColumn, error) {
	rows, err := d.Query(ctx, `
		SELECT id, sequence_order, phase_mapping, wip_limit, is_terminal, auto_transition_to
		FROM board_columns ORDER BY sequence_order ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list board columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var columns []*model.BoardColumn
	for rows.Next() {
		c, err := scanBoardColumn(rows)
		if err != nil {
			return nil, err
		}
		columns = append(columns, c)
	}
	return columns, rows.Err()
}

func scanBoardColumn(s agentScanner) (*model.BoardColumn, error) {
	var c model.BoardColumn
	var mapping string
	var wip sql.NullInt64

	if err := s.Scan(&c.ID, &c.SequenceOrder, &mapping, &wip, &c.IsTerminal, &c.AutoTransitionTo); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan board column: %w", err)
	}

	var err error
	if c.PhaseMapping, err = unmarshalStrings(mapping); err != nil {
		return nil, err
	}
	if wip.Valid {
		limit := int(wip.Int64)
		c.WIPLimit = &limit
	}
	return &c, nil
}
