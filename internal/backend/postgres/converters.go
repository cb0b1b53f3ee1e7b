package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rezkam/forgeq/internal/domain"
)

// jobColumns is the canonical select list scanned by scanJob. Keep it in
// sync with the Scan call below.
const jobColumns = `
	id, job_type, payload, COALESCE(idempotency_key, ''), tags, priority,
	run_at, next_attempt_at, timeout_ms, force_kill_on_timeout,
	max_attempts, attempts, retry_delay_ms, retry_backoff,
	retry_delay_max_ms, status, COALESCE(locked_by, ''), locked_at,
	progress, step_data, wait_until, COALESCE(wait_token_id, ''),
	wait_resume, error_history, COALESCE(failure_reason, ''),
	COALESCE(pending_reason, ''), created_at, updated_at, started_at,
	completed_at, last_failed_at, last_retried_at, last_cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j                                        domain.Job
		payload, stepData, errHistory            []byte
		timeoutMS, retryDelayMS, retryDelayMaxMS int64
		nextAttemptAt, lockedAt, waitUntil       pgtype.Timestamptz
		startedAt, completedAt, lastFailedAt     pgtype.Timestamptz
		lastRetriedAt, lastCancelledAt           pgtype.Timestamptz
		progress                                 pgtype.Int4
		backoff, status, failureReason           string
	)

	err := row.Scan(
		&j.ID, &j.JobType, &payload, &j.IdempotencyKey, &j.Tags, &j.Priority,
		&j.RunAt, &nextAttemptAt, &timeoutMS, &j.ForceKillOnTimeout,
		&j.MaxAttempts, &j.Attempts, &retryDelayMS, &backoff,
		&retryDelayMaxMS, &status, &j.LockedBy, &lockedAt,
		&progress, &stepData, &waitUntil, &j.WaitTokenID,
		&j.WaitResume, &errHistory, &failureReason,
		&j.PendingReason, &j.CreatedAt, &j.UpdatedAt, &startedAt,
		&completedAt, &lastFailedAt, &lastRetriedAt, &lastCancelledAt,
	)
	if err != nil {
		return nil, err
	}

	j.Payload = payload
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond
	j.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
	j.RetryDelayMax = time.Duration(retryDelayMaxMS) * time.Millisecond
	j.RetryBackoff = domain.BackoffKind(backoff)
	j.Status = domain.Status(status)
	j.FailureReason = domain.FailureReason(failureReason)
	j.NextAttemptAt = tsPtr(nextAttemptAt)
	j.LockedAt = tsPtr(lockedAt)
	j.WaitUntil = tsPtr(waitUntil)
	j.StartedAt = tsPtr(startedAt)
	j.CompletedAt = tsPtr(completedAt)
	j.LastFailedAt = tsPtr(lastFailedAt)
	j.LastRetriedAt = tsPtr(lastRetriedAt)
	j.LastCancelledAt = tsPtr(lastCancelledAt)
	if progress.Valid {
		p := int(progress.Int32)
		j.Progress = &p
	}
	if len(stepData) > 0 {
		if err := json.Unmarshal(stepData, &j.StepData); err != nil {
			return nil, fmt.Errorf("unmarshal step data for job %d: %w", j.ID, err)
		}
	}
	if len(errHistory) > 0 {
		if err := json.Unmarshal(errHistory, &j.ErrorHistory); err != nil {
			return nil, fmt.Errorf("unmarshal error history for job %d: %w", j.ID, err)
		}
	}
	return &j, nil
}

const cronColumns = `
	id, name, cron_expression, job_type, payload, timezone, allow_overlap,
	max_attempts, priority, timeout_ms, force_kill_on_timeout, tags,
	retry_delay_ms, retry_backoff, retry_delay_max_ms, status,
	last_enqueued_at, last_job_id, next_run_at, created_at, updated_at`

func scanCronSchedule(row rowScanner) (*domain.CronSchedule, error) {
	var (
		s                                        domain.CronSchedule
		payload                                  []byte
		timeoutMS, retryDelayMS, retryDelayMaxMS int64
		backoff, status                          string
		lastEnqueuedAt                           pgtype.Timestamptz
		lastJobID                                pgtype.Int8
	)

	err := row.Scan(
		&s.ID, &s.Name, &s.CronExpression, &s.JobType, &payload, &s.Timezone, &s.AllowOverlap,
		&s.MaxAttempts, &s.Priority, &timeoutMS, &s.ForceKillOnTimeout, &s.Tags,
		&retryDelayMS, &backoff, &retryDelayMaxMS, &status,
		&lastEnqueuedAt, &lastJobID, &s.NextRunAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Payload = payload
	s.Timeout = time.Duration(timeoutMS) * time.Millisecond
	s.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
	s.RetryDelayMax = time.Duration(retryDelayMaxMS) * time.Millisecond
	s.RetryBackoff = domain.BackoffKind(backoff)
	s.Status = domain.CronScheduleStatus(status)
	s.LastEnqueuedAt = tsPtr(lastEnqueuedAt)
	if lastJobID.Valid {
		id := lastJobID.Int64
		s.LastJobID = &id
	}
	return &s, nil
}

const waitpointColumns = `
	id, job_id, status, timeout_at, completed_at, output, tags, created_at`

func scanWaitpoint(row rowScanner) (*domain.Waitpoint, error) {
	var (
		wp                     domain.Waitpoint
		jobID                  pgtype.Int8
		timeoutAt, completedAt pgtype.Timestamptz
		output                 []byte
		status                 string
	)
	err := row.Scan(&wp.ID, &jobID, &status, &timeoutAt, &completedAt, &output, &wp.Tags, &wp.CreatedAt)
	if err != nil {
		return nil, err
	}
	wp.Status = domain.WaitpointStatus(status)
	wp.Output = output
	wp.TimeoutAt = tsPtr(timeoutAt)
	wp.CompletedAt = tsPtr(completedAt)
	if jobID.Valid {
		id := jobID.Int64
		wp.JobID = &id
	}
	return &wp, nil
}

func tsPtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

// nullIfEmpty maps empty strings to SQL NULL so partial unique indexes and
// COALESCE-based scans round-trip cleanly.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func durationMS(d time.Duration) int64 {
	return d.Milliseconds()
}

// jsonOrNull marshals v, mapping empty input to SQL NULL.
func jsonOrNull(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
