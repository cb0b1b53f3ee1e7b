// Package postgres implements the durable backend over PostgreSQL. Claims
// use FOR UPDATE SKIP LOCKED so rival workers never block each other or
// observe the same row, and every transition is a single guarded UPDATE.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezkam/forgeq/internal/backend"
	"github.com/rezkam/forgeq/internal/domain"
)

const pgUniqueViolation = "23505"

// Store is a PostgreSQL-backed backend.Backend.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewStore wraps an existing connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, log: slog.Default()}
}

var _ backend.Backend = (*Store)(nil)

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// === Jobs ===

func (s *Store) Enqueue(ctx context.Context, p backend.EnqueueParams) (int64, error) {
	if p.IdempotencyKey != "" {
		if id, ok, err := s.findLiveByKey(ctx, p.IdempotencyKey); err != nil {
			return 0, err
		} else if ok {
			return id, nil
		}
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = backend.DefaultMaxAttempts
	}
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}
	retryBackoff := p.RetryBackoff
	if retryBackoff == "" {
		retryBackoff = domain.BackoffExponential
	}
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO forgeq_jobs (
			job_type, payload, idempotency_key, tags, priority, run_at,
			timeout_ms, force_kill_on_timeout, max_attempts,
			retry_delay_ms, retry_backoff, retry_delay_max_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		p.JobType, jsonOrNull(p.Payload), nullIfEmpty(p.IdempotencyKey), tags,
		p.Priority, runAt, durationMS(p.Timeout), p.ForceKillOnTimeout,
		maxAttempts, durationMS(p.RetryDelay), string(retryBackoff),
		durationMS(p.RetryDelayMax),
	).Scan(&id)
	if err != nil {
		// A rival enqueue with the same key may have won the insert race.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && p.IdempotencyKey != "" {
			if id, ok, err2 := s.findLiveByKey(ctx, p.IdempotencyKey); err2 == nil && ok {
				return id, nil
			}
		}
		return 0, fmt.Errorf("failed to insert job: %w", err)
	}

	s.recordEvent(ctx, id, domain.EventAdded, map[string]any{"jobType": p.JobType})
	return id, nil
}

func (s *Store) findLiveByKey(ctx context.Context, key string) (int64, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM forgeq_jobs
		WHERE idempotency_key = $1 AND status NOT IN ('completed', 'cancelled')`,
		key,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return id, true, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM forgeq_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, f domain.JobFilter, limit, offset int) ([]*domain.Job, error) {
	b := &condBuilder{}
	where := buildJobFilter(f, b)

	query := `SELECT ` + jobColumns + ` FROM forgeq_jobs` + where + ` ORDER BY id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %s", b.bind(limit))
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %s", b.bind(offset))
	}

	rows, err := s.pool.Query(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) ClaimBatch(ctx context.Context, workerID string, batchSize int, jobTypes []string) ([]*domain.Job, error) {
	var typesArg any
	if len(jobTypes) > 0 {
		typesArg = jobTypes
	}

	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT id, status, wait_resume, attempts
			FROM forgeq_jobs
			WHERE (
				(status = 'pending' AND run_at <= now()
					AND (attempts < max_attempts OR wait_resume))
				OR (status = 'failed' AND next_attempt_at IS NOT NULL
					AND next_attempt_at <= now() AND attempts < max_attempts)
				OR (status = 'waiting' AND wait_token_id IS NULL
					AND wait_until IS NOT NULL AND wait_until <= now())
			)
			AND ($3::text[] IS NULL OR job_type = ANY($3))
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE forgeq_jobs j SET
			status = 'processing',
			locked_by = $1,
			locked_at = now(),
			pending_reason = NULL,
			wait_until = NULL,
			next_attempt_at = NULL,
			wait_resume = false,
			attempts = CASE
				WHEN c.status = 'waiting' OR c.wait_resume THEN j.attempts
				ELSE j.attempts + 1
			END,
			last_retried_at = CASE
				WHEN c.status <> 'waiting' AND NOT c.wait_resume AND c.attempts > 0 THEN now()
				ELSE j.last_retried_at
			END,
			started_at = COALESCE(j.started_at, now()),
			updated_at = now()
		FROM candidates c
		WHERE j.id = c.id
		RETURNING `+prefixColumns(jobColumns, "j."),
		workerID, batchSize, typesArg,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}
	defer rows.Close()

	claimed := make([]*domain.Job, 0, batchSize)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed job: %w", err)
		}
		claimed = append(claimed, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}

	// RETURNING does not preserve the CTE's ordering.
	sort.Slice(claimed, func(a, b int) bool {
		if claimed[a].Priority != claimed[b].Priority {
			return claimed[a].Priority > claimed[b].Priority
		}
		if !claimed[a].CreatedAt.Equal(claimed[b].CreatedAt) {
			return claimed[a].CreatedAt.Before(claimed[b].CreatedAt)
		}
		return claimed[a].ID < claimed[b].ID
	})

	for _, j := range claimed {
		s.recordEvent(ctx, j.ID, domain.EventProcessing, map[string]any{
			"workerId": workerID,
			"attempt":  j.Attempts,
		})
	}
	return claimed, nil
}

func (s *Store) Complete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE forgeq_jobs SET
			status = 'completed', completed_at = now(), step_data = NULL,
			wait_until = NULL, wait_token_id = NULL,
			locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, "complete")
	}
	s.recordEvent(ctx, id, domain.EventCompleted, nil)
	return nil
}

func (s *Store) Fail(ctx context.Context, id int64, msg string, reason domain.FailureReason) error {
	entry, err := json.Marshal(domain.ErrorEntry{Message: msg, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal error entry: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		attempts, maxAttempts         int
		retryDelayMS, retryDelayMaxMS int64
		backoff, status               string
	)
	err = tx.QueryRow(ctx, `
		SELECT attempts, max_attempts, retry_delay_ms, retry_backoff,
			retry_delay_max_ms, status
		FROM forgeq_jobs WHERE id = $1 FOR UPDATE`, id,
	).Scan(&attempts, &maxAttempts, &retryDelayMS, &backoff, &retryDelayMaxMS, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %d", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load job %d for fail: %w", id, err)
	}
	if status != string(domain.StatusProcessing) && status != string(domain.StatusPending) {
		return fmt.Errorf("%w: fail from %s", domain.ErrInvalidTransition, status)
	}

	var nextAttemptAt any
	if attempts < maxAttempts {
		j := domain.Job{
			RetryDelay:    time.Duration(retryDelayMS) * time.Millisecond,
			RetryBackoff:  domain.BackoffKind(backoff),
			RetryDelayMax: time.Duration(retryDelayMaxMS) * time.Millisecond,
		}
		nextAttemptAt = time.Now().UTC().Add(j.RetryDelayFor(attempts))
	}

	_, err = tx.Exec(ctx, `
		UPDATE forgeq_jobs SET
			status = 'failed', failure_reason = $2,
			error_history = error_history || $3::jsonb,
			next_attempt_at = $4, last_failed_at = now(),
			locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE id = $1`, id, string(reason), entry, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to fail job %d: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit fail of job %d: %w", id, err)
	}

	s.recordEvent(ctx, id, domain.EventFailed, map[string]any{
		"error":  msg,
		"reason": string(reason),
	})
	return nil
}

func (s *Store) Wait(ctx context.Context, id int64, waitUntil *time.Time, tokenID string, steps domain.StepData) error {
	stepJSON, err := marshalSteps(steps)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE forgeq_jobs SET
			status = 'waiting', wait_until = $2, wait_token_id = $3,
			step_data = $4, locked_by = NULL, locked_at = NULL,
			updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, waitUntil, nullIfEmpty(tokenID), stepJSON)
	if err != nil {
		return fmt.Errorf("failed to suspend job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, "wait")
	}

	if tokenID != "" {
		// Bind the waitpoint so completion or expiry can requeue the job.
		if _, err := s.pool.Exec(ctx, `
			UPDATE forgeq_waitpoints SET job_id = $1
			WHERE id = $2 AND job_id IS NULL`, id, tokenID); err != nil {
			s.log.WarnContext(ctx, "failed to bind waitpoint to job",
				"job_id", id, "token_id", tokenID, "error", err)
		}
	}

	meta := map[string]any{}
	if waitUntil != nil {
		meta["waitUntil"] = waitUntil.Format(time.RFC3339Nano)
	}
	if tokenID != "" {
		meta["tokenId"] = tokenID
	}
	s.recordEvent(ctx, id, domain.EventWaiting, meta)
	return nil
}

func (s *Store) SaveStepData(ctx context.Context, id int64, steps domain.StepData) error {
	stepJSON, err := marshalSteps(steps)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE forgeq_jobs SET step_data = $2, updated_at = now() WHERE id = $1`,
		id, stepJSON)
	if err != nil {
		return fmt.Errorf("failed to save step data for job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", domain.ErrJobNotFound, id)
	}
	return nil
}

func (s *Store) Prolong(ctx context.Context, id int64, workerID string) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE forgeq_jobs SET locked_at = now(), updated_at = now()
		WHERE id = $1 AND locked_by = $2 AND status = 'processing'`,
		id, workerID)
	if err != nil {
		s.log.WarnContext(ctx, "failed to prolong job lease",
			"job_id", id, "worker_id", workerID, "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		s.recordEvent(ctx, id, domain.EventProlonged, map[string]any{"workerId": workerID})
	}
}

func (s *Store) SetProgress(ctx context.Context, id int64, pct int) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidProgress, pct)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE forgeq_jobs SET progress = $2, updated_at = now() WHERE id = $1`,
		id, pct)
	if err != nil {
		return fmt.Errorf("failed to set progress on job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", domain.ErrJobNotFound, id)
	}
	return nil
}

func (s *Store) SetPendingReason(ctx context.Context, jobType, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE forgeq_jobs SET pending_reason = $2, updated_at = now()
		WHERE job_type = $1 AND status = 'pending'`, jobType, reason)
	if err != nil {
		return fmt.Errorf("failed to set pending reason for %q: %w", jobType, err)
	}
	return nil
}

func (s *Store) Retry(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE forgeq_jobs SET
			status = 'pending', locked_by = NULL, locked_at = NULL,
			run_at = now(), next_attempt_at = now(), last_retried_at = now(),
			updated_at = now()
		WHERE id = $1 AND status IN ('failed', 'processing')`, id)
	if err != nil {
		return fmt.Errorf("failed to retry job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.jobStatus(ctx, id); err != nil {
			return err
		}
		return nil // no-op per contract
	}
	s.recordEvent(ctx, id, domain.EventRetried, nil)
	return nil
}

func (s *Store) Cancel(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE forgeq_jobs SET
			status = 'cancelled', wait_until = NULL, wait_token_id = NULL,
			last_cancelled_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'waiting')`, id)
	if err != nil {
		return fmt.Errorf("failed to cancel job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.jobStatus(ctx, id); err != nil {
			return err
		}
		return nil // no-op per contract
	}
	s.recordEvent(ctx, id, domain.EventCancelled, nil)
	return nil
}

func (s *Store) Edit(ctx context.Context, id int64, u domain.JobUpdate) error {
	b := &condBuilder{}
	sets := buildJobUpdate(u, b)
	if len(sets) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE forgeq_jobs SET %s WHERE id = %s AND status = 'pending'`,
		strings.Join(sets, ", "), b.bind(id))

	tag, err := s.pool.Exec(ctx, query, b.args...)
	if err != nil {
		return fmt.Errorf("failed to edit job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, "edit")
	}
	s.recordEvent(ctx, id, domain.EventEdited, nil)
	return nil
}

func (s *Store) CancelWhere(ctx context.Context, f domain.JobFilter) (int64, error) {
	b := &condBuilder{}
	where := buildJobFilter(f, b)
	if where == "" {
		where = " WHERE true"
	}

	rows, err := s.pool.Query(ctx, `
		UPDATE forgeq_jobs SET
			status = 'cancelled', wait_until = NULL, wait_token_id = NULL,
			last_cancelled_at = now(), updated_at = now()`+
		where+` AND status IN ('pending', 'waiting') RETURNING id`, b.args...)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk cancel: %w", err)
	}
	defer rows.Close()

	ids, err := collectIDs(rows)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk cancel: %w", err)
	}
	for _, id := range ids {
		s.recordEvent(ctx, id, domain.EventCancelled, nil)
	}
	return int64(len(ids)), nil
}

func (s *Store) EditWhere(ctx context.Context, f domain.JobFilter, u domain.JobUpdate) (int64, error) {
	b := &condBuilder{}
	sets := buildJobUpdate(u, b)
	if len(sets) == 0 {
		return 0, nil
	}
	where := buildJobFilter(f, b)
	if where == "" {
		where = " WHERE true"
	}

	rows, err := s.pool.Query(ctx,
		`UPDATE forgeq_jobs SET `+strings.Join(sets, ", ")+
			where+` AND status = 'pending' RETURNING id`, b.args...)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk edit: %w", err)
	}
	defer rows.Close()

	ids, err := collectIDs(rows)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk edit: %w", err)
	}
	for _, id := range ids {
		s.recordEvent(ctx, id, domain.EventEdited, nil)
	}
	return int64(len(ids)), nil
}

func (s *Store) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE forgeq_jobs SET
			status = 'pending', locked_by = NULL, locked_at = NULL,
			updated_at = now()
		WHERE status = 'processing' AND locked_at < now() - $1::interval`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stuck jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteCompletedJobsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var total int64
	for {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM forgeq_jobs WHERE id IN (
				SELECT id FROM forgeq_jobs
				WHERE status = 'completed' AND completed_at < $1
				ORDER BY id LIMIT $2
			)`, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to delete completed jobs: %w", err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < int64(batchSize) {
			return total, nil
		}
	}
}

func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var total int64
	for {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM forgeq_job_events WHERE id IN (
				SELECT id FROM forgeq_job_events
				WHERE created_at < $1
				ORDER BY id LIMIT $2
			)`, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to delete job events: %w", err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < int64(batchSize) {
			return total, nil
		}
	}
}

func (s *Store) ListEvents(ctx context.Context, jobID int64) ([]*domain.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, event_type, metadata, created_at
		FROM forgeq_job_events WHERE job_id = $1 ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for job %d: %w", jobID, err)
	}
	defer rows.Close()

	out := make([]*domain.JobEvent, 0)
	for rows.Next() {
		var (
			e        domain.JobEvent
			typ      string
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.JobID, &typ, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = domain.EventType(typ)
		e.Metadata = metadata
		out = append(out, &e)
	}
	return out, rows.Err()
}

// recordEvent is best-effort: a failed audit insert is logged, never
// propagated into the main transition.
func (s *Store) recordEvent(ctx context.Context, jobID int64, typ domain.EventType, metadata map[string]any) {
	var raw []byte
	if metadata != nil {
		raw, _ = json.Marshal(metadata)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO forgeq_job_events (job_id, event_type, metadata)
		VALUES ($1, $2, $3)`, jobID, string(typ), jsonOrNull(raw))
	if err != nil {
		s.log.WarnContext(ctx, "failed to record job event",
			"job_id", jobID, "event_type", string(typ), "error", err)
	}
}

// jobStatus distinguishes missing rows from invalid transitions after a
// guarded UPDATE matched nothing.
func (s *Store) jobStatus(ctx context.Context, id int64) (domain.Status, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM forgeq_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %d", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get status of job %d: %w", id, err)
	}
	return domain.Status(status), nil
}

func (s *Store) transitionError(ctx context.Context, id int64, op string) error {
	status, err := s.jobStatus(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s from %s", domain.ErrInvalidTransition, op, status)
}

func marshalSteps(steps domain.StepData) (any, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step data: %w", err)
	}
	return raw, nil
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// prefixColumns qualifies every column in a select list with the given
// table alias, for use in UPDATE ... RETURNING. Splits on top-level commas
// only, so COALESCE(col, ...) entries stay intact.
func prefixColumns(cols, prefix string) string {
	var parts []string
	depth, start := 0, 0
	for i, r := range cols {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, cols[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, cols[start:])

	for i, p := range parts {
		p = strings.TrimSpace(p)
		if inner, ok := strings.CutPrefix(p, "COALESCE("); ok {
			parts[i] = "COALESCE(" + prefix + inner
		} else {
			parts[i] = prefix + p
		}
	}
	return strings.Join(parts, ", ")
}
