package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rezkam/forgeq/internal/domain"
)

func (s *Store) CreateWaitpoint(ctx context.Context, jobID *int64, timeoutAt *time.Time, tags []string) (*domain.Waitpoint, error) {
	if tags == nil {
		tags = []string{}
	}
	id := "wp_" + uuid.NewString()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO forgeq_waitpoints (id, job_id, timeout_at, tags)
		VALUES ($1, $2, $3, $4)
		RETURNING `+waitpointColumns, id, jobID, timeoutAt, tags)
	wp, err := scanWaitpoint(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create waitpoint: %w", err)
	}
	return wp, nil
}

func (s *Store) CompleteWaitpoint(ctx context.Context, id string, output json.RawMessage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var boundJobID *int64
	err = tx.QueryRow(ctx, `
		UPDATE forgeq_waitpoints SET
			status = 'completed', output = $2, completed_at = now()
		WHERE id = $1 AND status = 'waiting'
		RETURNING job_id`, id, jsonOrNull(output)).Scan(&boundJobID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Row missing entirely, or already completed/timed out.
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM forgeq_waitpoints WHERE id = $1`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrWaitpointNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to get waitpoint %s: %w", id, err)
		}
		return fmt.Errorf("%w: %s is %s", domain.ErrWaitpointNotWaiting, id, status)
	}
	if err != nil {
		return fmt.Errorf("failed to complete waitpoint %s: %w", id, err)
	}

	if err := requeueBoundJob(ctx, tx, boundJobID, id); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit waitpoint completion: %w", err)
	}
	return nil
}

func (s *Store) GetWaitpoint(ctx context.Context, id string) (*domain.Waitpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+waitpointColumns+` FROM forgeq_waitpoints WHERE id = $1`, id)
	wp, err := scanWaitpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrWaitpointNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get waitpoint %s: %w", id, err)
	}
	return wp, nil
}

func (s *Store) ExpireTimedOutWaitpoints(ctx context.Context) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		UPDATE forgeq_waitpoints SET status = 'timed_out'
		WHERE status = 'waiting' AND timeout_at IS NOT NULL AND timeout_at <= now()
		RETURNING id, job_id`)
	if err != nil {
		return 0, fmt.Errorf("failed to expire waitpoints: %w", err)
	}

	type expired struct {
		id    string
		jobID *int64
	}
	var batch []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.jobID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan expired waitpoint: %w", err)
		}
		batch = append(batch, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to expire waitpoints: %w", err)
	}

	for _, e := range batch {
		if err := requeueBoundJob(ctx, tx, e.jobID, e.id); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit waitpoint expiry: %w", err)
	}
	return int64(len(batch)), nil
}

// requeueBoundJob returns a job waiting on the given token to pending with
// runAt=now, preserving attempts via the wait-resume marker.
func requeueBoundJob(ctx context.Context, tx pgx.Tx, jobID *int64, tokenID string) error {
	if jobID == nil {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE forgeq_jobs SET
			status = 'pending', run_at = now(), wait_until = NULL,
			wait_token_id = NULL, wait_resume = true, updated_at = now()
		WHERE id = $1 AND status = 'waiting' AND wait_token_id = $2`,
		*jobID, tokenID)
	if err != nil {
		return fmt.Errorf("failed to requeue job %d bound to waitpoint %s: %w", *jobID, tokenID, err)
	}
	return nil
}
