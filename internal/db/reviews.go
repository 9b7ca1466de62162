package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	kerr "github.com/kestrelhq/kestrel/internal/errors"
	"github.com/kestrelhq/kestrel/internal/model"
)

const reviewColumns = `id, task_id, validator_agent_id, iteration_number,
	validation_passed, feedback, evidence, recommendations, created_at`

// InsertReview persists a validation review. Reviews are append-only; a
// second review for the same (task, iteration) pair is a conflict.
func (d *DB) InsertReview(ctx context.Context, r *model.ValidationReview) error {
	_, err := d.Exec(ctx, `
		INSERT INTO validation_reviews (id, task_id, validator_agent_id, iteration_number,
			validation_passed, feedback, evidence, recommendations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.TaskID, r.ValidatorAgentID, r.IterationNumber,
		r.Passed, r.Feedback, r.Evidence, r.Recommendations, formatTime(r.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return kerr.ErrConflict("validation_review", r.ID).WithCause(err)
		}
		return fmt.Errorf("insert review %s: %w", r.ID, err)
	}
	return nil
}

// GetReview retrieves the review for one validation iteration of a task.
// Returns (nil, nil) when no review exists.
func (d *DB) GetReview(ctx context.Context, taskID string, iteration int) (*model.ValidationReview, error) {
	row := d.QueryRow(ctx, `
		SELECT `+reviewColumns+` FROM validation_reviews
		WHERE task_id = ? AND iteration_number = ?
	`, taskID, iteration)
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// ListReviewsForTask returns all reviews for a task in iteration order.
func (d *DB) ListReviewsForTask(ctx context.Context, taskID string) ([]*model.ValidationReview, error) {
	rows, err := d.Query(ctx, `
		SELECT `+reviewColumns+` FROM validation_reviews
		WHERE task_id = ? ORDER BY iteration_number ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reviews []*model.ValidationReview
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

// CountFailedReviews returns the number of failed reviews for a task.
func (d *DB) CountFailedReviews(ctx context.Context, taskID string) (int, error) {
	var count int
	err := d.QueryRow(ctx, `
		SELECT COUNT(*) FROM validation_reviews WHERE task_id = ? AND validation_passed = 0
	`, taskID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count failed reviews: %w", err)
	}
	return count, nil
}

func scanReview(s agentScanner) (*model.ValidationReview, error) {
	var r model.ValidationReview
	var createdAt string

	if err := s.Scan(&r.ID, &r.TaskID, &r.ValidatorAgentID, &r.IterationNumber,
		&r.Passed, &r.Feedback, &r.Evidence, &r.Recommendations, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan review: %w", err)
	}

	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	r.UpdatedAt = r.CreatedAt
	return &r, nil
}
