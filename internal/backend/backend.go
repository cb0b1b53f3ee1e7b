// Package backend defines the durable store contract for the job engine.
// All state transitions are atomic with respect to concurrent backends;
// coordination between processor instances happens entirely through the
// store's row-level locking.
package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rezkam/forgeq/internal/domain"
)

// EnqueueParams describes a new job. Zero values take documented defaults.
type EnqueueParams struct {
	JobType string
	Payload json.RawMessage

	MaxAttempts int       // default 3
	Priority    int       // default 0, higher first
	RunAt       time.Time // zero means now

	Timeout            time.Duration // zero means no timeout
	ForceKillOnTimeout bool

	Tags           []string
	IdempotencyKey string // optional; collision returns the existing id

	RetryDelay    time.Duration
	RetryBackoff  domain.BackoffKind // default exponential
	RetryDelayMax time.Duration
}

// DefaultMaxAttempts applies when EnqueueParams.MaxAttempts is zero.
const DefaultMaxAttempts = 3

// Backend is the claim-and-advance state machine over persisted job rows.
// Implementations must guarantee that rival workers never claim the same row
// and that every transition below is atomic per row.
//
// Lifecycle event recording (added, processing, completed, ...) happens
// inside each transition and is best-effort: an event insert failure is
// logged, never propagated.
type Backend interface {
	// === Jobs ===

	// Enqueue inserts a job and returns its id. If IdempotencyKey collides
	// with a live row the existing id is returned and nothing is inserted.
	Enqueue(ctx context.Context, p EnqueueParams) (int64, error)

	// GetJob returns the job or domain.ErrJobNotFound.
	GetJob(ctx context.Context, id int64) (*domain.Job, error)

	// ListJobs returns jobs matching the filter ordered by id, paginated.
	ListJobs(ctx context.Context, f domain.JobFilter, limit, offset int) ([]*domain.Job, error)

	// ClaimBatch atomically claims up to batchSize due jobs for workerID:
	// pending rows past RunAt, failed rows past NextAttemptAt (both with
	// attempts remaining), and waiting rows past WaitUntil with no token.
	// Ordered by priority DESC, createdAt ASC. Attempts increment except
	// when resuming from a wait. Rows locked by rival workers are skipped.
	ClaimBatch(ctx context.Context, workerID string, batchSize int, jobTypes []string) ([]*domain.Job, error)

	// Complete transitions processing → completed and clears step data and
	// wait fields. Any other source status is domain.ErrInvalidTransition.
	Complete(ctx context.Context, id int64) error

	// Fail appends to the error history and transitions to failed,
	// scheduling NextAttemptAt per the job's backoff when attempts remain.
	// Valid from processing or pending.
	Fail(ctx context.Context, id int64, msg string, reason domain.FailureReason) error

	// Wait transitions processing → waiting, storing the step data and the
	// wait target (instant, token id, or both for a token with timeout).
	Wait(ctx context.Context, id int64, waitUntil *time.Time, tokenID string, steps domain.StepData) error

	// SaveStepData persists step memoization state mid-run.
	SaveStepData(ctx context.Context, id int64, steps domain.StepData) error

	// Prolong refreshes the lease (lockedAt=now) while processing.
	// Best-effort: errors are swallowed and logged.
	Prolong(ctx context.Context, id int64, workerID string)

	// SetProgress persists a 0..100 progress value.
	SetProgress(ctx context.Context, id int64, pct int) error

	// SetPendingReason annotates all pending rows of a job type.
	SetPendingReason(ctx context.Context, jobType, reason string) error

	// Retry returns a failed or processing job to pending, clearing the
	// lease. Attempts are not reset. A no-op for any other status.
	Retry(ctx context.Context, id int64) error

	// Cancel transitions pending or waiting → cancelled, clearing wait
	// fields. A no-op for any other status.
	Cancel(ctx context.Context, id int64) error

	// Edit mutates a pending job. Any other status is ErrInvalidTransition.
	Edit(ctx context.Context, id int64, u domain.JobUpdate) error

	// CancelWhere cancels all pending and waiting jobs matching the filter.
	CancelWhere(ctx context.Context, f domain.JobFilter) (int64, error)

	// EditWhere edits all pending jobs matching the filter.
	EditWhere(ctx context.Context, f domain.JobFilter, u domain.JobUpdate) (int64, error)

	// ReclaimStuck returns processing rows whose lease is older than the
	// cutoff to pending, clearing the lease. Returns the count.
	ReclaimStuck(ctx context.Context, olderThan time.Duration) (int64, error)

	// DeleteCompletedJobsBefore deletes completed rows older than the
	// cutoff, in batches. Returns the count deleted.
	DeleteCompletedJobsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)

	// DeleteEventsBefore deletes job events older than the cutoff, in
	// batches. Returns the count deleted.
	DeleteEventsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)

	// ListEvents returns the audit trail for a job, oldest first.
	ListEvents(ctx context.Context, jobID int64) ([]*domain.JobEvent, error)

	// === Waitpoints ===

	// CreateWaitpoint issues a token, optionally bound to a job and with a
	// timeout deadline.
	CreateWaitpoint(ctx context.Context, jobID *int64, timeoutAt *time.Time, tags []string) (*domain.Waitpoint, error)

	// CompleteWaitpoint transitions waiting → completed, stores the output,
	// and eagerly requeues the bound waiting job to pending with runAt=now.
	CompleteWaitpoint(ctx context.Context, id string, output json.RawMessage) error

	// GetWaitpoint returns the waitpoint or domain.ErrWaitpointNotFound.
	GetWaitpoint(ctx context.Context, id string) (*domain.Waitpoint, error)

	// ExpireTimedOutWaitpoints marks waiting rows past TimeoutAt as
	// timed_out and requeues bound jobs to pending. Returns the count.
	ExpireTimedOutWaitpoints(ctx context.Context) (int64, error)

	// === Cron schedules ===

	// AddCronSchedule inserts a schedule; the name must be unique.
	AddCronSchedule(ctx context.Context, s *domain.CronSchedule) error

	GetCronSchedule(ctx context.Context, id string) (*domain.CronSchedule, error)
	GetCronScheduleByName(ctx context.Context, name string) (*domain.CronSchedule, error)

	// ListCronSchedules returns schedules, optionally filtered by status.
	ListCronSchedules(ctx context.Context, status domain.CronScheduleStatus) ([]*domain.CronSchedule, error)

	// SetCronScheduleStatus pauses or resumes a schedule.
	SetCronScheduleStatus(ctx context.Context, id string, status domain.CronScheduleStatus) error

	RemoveCronSchedule(ctx context.Context, id string) error

	// EditCronSchedule applies the update; the caller recomputes NextRunAt
	// and passes it when the expression or timezone changed (nil otherwise).
	EditCronSchedule(ctx context.Context, id string, u domain.CronScheduleUpdate, nextRunAt *time.Time) error

	// GetDueCronSchedules returns active schedules with NextRunAt <= now.
	GetDueCronSchedules(ctx context.Context) ([]*domain.CronSchedule, error)

	// UpdateCronScheduleAfterEnqueue advances a schedule's bookkeeping.
	// The update is conditional on the row still holding observedNextRunAt
	// (compare-and-swap against rival processors); it reports whether the
	// swap applied. A nil lastJobID preserves the previous one (overlap
	// suppression skipped the enqueue).
	UpdateCronScheduleAfterEnqueue(ctx context.Context, id string, observedNextRunAt, lastEnqueuedAt time.Time, lastJobID *int64, nextRunAt time.Time) (bool, error)
}
