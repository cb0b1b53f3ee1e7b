// Package queue is the public façade over the job engine: enqueue and
// inspection, job control, wait tokens, cron schedules and constructors
// for processors and supervisors bound to the same backend.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rezkam/forgeq/internal/backend"
	"github.com/rezkam/forgeq/internal/cronexpr"
	"github.com/rezkam/forgeq/internal/domain"
	"github.com/rezkam/forgeq/internal/processor"
	"github.com/rezkam/forgeq/internal/ptr"
	"github.com/rezkam/forgeq/internal/runtime"
	"github.com/rezkam/forgeq/internal/supervisor"
)

type Queue struct {
	be  backend.Backend
	log *slog.Logger
	now func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// New builds a queue over the given backend.
func New(be backend.Backend, opts ...Option) *Queue {
	q := &Queue{be: be, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// === Jobs ===

// AddJob enqueues a job and returns its id. An idempotency-key collision
// with a live row returns the existing id.
func (q *Queue) AddJob(ctx context.Context, p backend.EnqueueParams) (int64, error) {
	if p.JobType == "" {
		return 0, fmt.Errorf("addJob: empty job type")
	}
	if p.MaxAttempts < 0 {
		return 0, fmt.Errorf("addJob: maxAttempts must not be negative, got %d", p.MaxAttempts)
	}
	if p.Timeout < 0 {
		return 0, fmt.Errorf("addJob: timeout must not be negative, got %s", p.Timeout)
	}
	return q.be.Enqueue(ctx, p)
}

func (q *Queue) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	return q.be.GetJob(ctx, id)
}

// GetJobs lists jobs matching the filter, ordered by id.
func (q *Queue) GetJobs(ctx context.Context, f domain.JobFilter, limit, offset int) ([]*domain.Job, error) {
	return q.be.ListJobs(ctx, f, limit, offset)
}

func (q *Queue) GetJobsByStatus(ctx context.Context, status domain.Status, limit, offset int) ([]*domain.Job, error) {
	return q.be.ListJobs(ctx, domain.JobFilter{Statuses: []domain.Status{status}}, limit, offset)
}

func (q *Queue) GetJobsByTags(ctx context.Context, values []string, mode domain.TagMode, limit, offset int) ([]*domain.Job, error) {
	return q.be.ListJobs(ctx, domain.JobFilter{Tags: &domain.TagQuery{Values: values, Mode: mode}}, limit, offset)
}

func (q *Queue) GetAllJobs(ctx context.Context, limit, offset int) ([]*domain.Job, error) {
	return q.be.ListJobs(ctx, domain.JobFilter{}, limit, offset)
}

// RetryJob returns a failed or processing job to pending. A no-op for any
// other status.
func (q *Queue) RetryJob(ctx context.Context, id int64) error {
	return q.be.Retry(ctx, id)
}

// CancelJob cancels a pending or waiting job. A no-op for any other status.
func (q *Queue) CancelJob(ctx context.Context, id int64) error {
	return q.be.Cancel(ctx, id)
}

// CancelAllUpcomingJobs cancels every pending and waiting job matching the
// filter and returns the count.
func (q *Queue) CancelAllUpcomingJobs(ctx context.Context, f domain.JobFilter) (int64, error) {
	return q.be.CancelWhere(ctx, f)
}

func (q *Queue) EditJob(ctx context.Context, id int64, u domain.JobUpdate) error {
	return q.be.Edit(ctx, id, u)
}

func (q *Queue) EditAllPendingJobs(ctx context.Context, f domain.JobFilter, u domain.JobUpdate) (int64, error) {
	return q.be.EditWhere(ctx, f, u)
}

// CleanupOldJobs deletes completed jobs older than the given number of days.
func (q *Queue) CleanupOldJobs(ctx context.Context, days, batchSize int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("cleanupOldJobs: days must be positive, got %d", days)
	}
	cutoff := q.now().Add(-time.Duration(days) * 24 * time.Hour)
	return q.be.DeleteCompletedJobsBefore(ctx, cutoff, batchSize)
}

// CleanupOldJobEvents deletes job events older than the given number of days.
func (q *Queue) CleanupOldJobEvents(ctx context.Context, days, batchSize int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("cleanupOldJobEvents: days must be positive, got %d", days)
	}
	cutoff := q.now().Add(-time.Duration(days) * 24 * time.Hour)
	return q.be.DeleteEventsBefore(ctx, cutoff, batchSize)
}

// ReclaimStuckJobs returns processing jobs whose lease is older than the
// given number of minutes to pending.
func (q *Queue) ReclaimStuckJobs(ctx context.Context, minutes int) (int64, error) {
	if minutes <= 0 {
		return 0, fmt.Errorf("reclaimStuckJobs: minutes must be positive, got %d", minutes)
	}
	return q.be.ReclaimStuck(ctx, time.Duration(minutes)*time.Minute)
}

func (q *Queue) GetJobEvents(ctx context.Context, id int64) ([]*domain.JobEvent, error) {
	return q.be.ListEvents(ctx, id)
}

// === Wait tokens ===

// CreateToken issues a waitpoint. A positive timeout arms expiry at
// now+timeout; zero means no expiry.
func (q *Queue) CreateToken(ctx context.Context, timeout time.Duration, tags []string) (*domain.Waitpoint, error) {
	if timeout < 0 {
		return nil, fmt.Errorf("createToken: timeout must not be negative, got %s", timeout)
	}
	var timeoutAt *time.Time
	if timeout > 0 {
		timeoutAt = ptr.To(q.now().Add(timeout))
	}
	return q.be.CreateWaitpoint(ctx, nil, timeoutAt, tags)
}

// CompleteToken resolves a waiting token with the given output and requeues
// its bound job.
func (q *Queue) CompleteToken(ctx context.Context, id string, output json.RawMessage) error {
	return q.be.CompleteWaitpoint(ctx, id, output)
}

func (q *Queue) GetToken(ctx context.Context, id string) (*domain.Waitpoint, error) {
	return q.be.GetWaitpoint(ctx, id)
}

// ExpireTimedOutTokens marks overdue waiting tokens as timed out and
// requeues their bound jobs.
func (q *Queue) ExpireTimedOutTokens(ctx context.Context) (int64, error) {
	return q.be.ExpireTimedOutWaitpoints(ctx)
}

// === Cron schedules ===

// CronJobParams is the template for a recurring schedule.
type CronJobParams struct {
	Name           string
	CronExpression string
	Timezone       string // IANA name, default UTC
	AllowOverlap   bool

	JobType string
	Payload json.RawMessage

	MaxAttempts        int
	Priority           int
	Timeout            time.Duration
	ForceKillOnTimeout bool
	Tags               []string

	RetryDelay    time.Duration
	RetryBackoff  domain.BackoffKind
	RetryDelayMax time.Duration
}

// AddCronJob validates and registers a recurring schedule, computing its
// first occurrence.
func (q *Queue) AddCronJob(ctx context.Context, p CronJobParams) (*domain.CronSchedule, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("addCronJob: empty schedule name")
	}
	if p.JobType == "" {
		return nil, fmt.Errorf("addCronJob: empty job type")
	}
	if !cronexpr.Validate(p.CronExpression) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidCronExpression, p.CronExpression)
	}
	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if !cronexpr.ValidateTimezone(tz) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidTimezone, tz)
	}
	next, err := cronexpr.Next(p.CronExpression, tz, q.now())
	if err != nil {
		return nil, err
	}

	sched := &domain.CronSchedule{
		Name:               p.Name,
		CronExpression:     p.CronExpression,
		JobType:            p.JobType,
		Payload:            p.Payload,
		Timezone:           tz,
		AllowOverlap:       p.AllowOverlap,
		MaxAttempts:        p.MaxAttempts,
		Priority:           p.Priority,
		Timeout:            p.Timeout,
		ForceKillOnTimeout: p.ForceKillOnTimeout,
		Tags:               p.Tags,
		RetryDelay:         p.RetryDelay,
		RetryBackoff:       p.RetryBackoff,
		RetryDelayMax:      p.RetryDelayMax,
		Status:             domain.CronActive,
		NextRunAt:          next,
	}
	if err := q.be.AddCronSchedule(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

func (q *Queue) GetCronJob(ctx context.Context, id string) (*domain.CronSchedule, error) {
	return q.be.GetCronSchedule(ctx, id)
}

func (q *Queue) GetCronJobByName(ctx context.Context, name string) (*domain.CronSchedule, error) {
	return q.be.GetCronScheduleByName(ctx, name)
}

// ListCronJobs returns schedules, optionally filtered by status (empty
// means all).
func (q *Queue) ListCronJobs(ctx context.Context, status domain.CronScheduleStatus) ([]*domain.CronSchedule, error) {
	return q.be.ListCronSchedules(ctx, status)
}

func (q *Queue) PauseCronJob(ctx context.Context, id string) error {
	return q.be.SetCronScheduleStatus(ctx, id, domain.CronPaused)
}

func (q *Queue) ResumeCronJob(ctx context.Context, id string) error {
	return q.be.SetCronScheduleStatus(ctx, id, domain.CronActive)
}

func (q *Queue) RemoveCronJob(ctx context.Context, id string) error {
	return q.be.RemoveCronSchedule(ctx, id)
}

// EditCronJob applies the update, recomputing the next occurrence when the
// expression or timezone changed.
func (q *Queue) EditCronJob(ctx context.Context, id string, u domain.CronScheduleUpdate) error {
	if u.CronExpression != nil && !cronexpr.Validate(*u.CronExpression) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidCronExpression, *u.CronExpression)
	}
	if u.Timezone != nil && !cronexpr.ValidateTimezone(*u.Timezone) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidTimezone, *u.Timezone)
	}

	var nextRunAt *time.Time
	if u.CronExpression != nil || u.Timezone != nil {
		cur, err := q.be.GetCronSchedule(ctx, id)
		if err != nil {
			return err
		}
		expr := cur.CronExpression
		if u.CronExpression != nil {
			expr = *u.CronExpression
		}
		tz := cur.Timezone
		if u.Timezone != nil {
			tz = *u.Timezone
		}
		next, err := cronexpr.Next(expr, tz, q.now())
		if err != nil {
			return err
		}
		nextRunAt = ptr.To(next)
	}
	return q.be.EditCronSchedule(ctx, id, u, nextRunAt)
}

// EnqueueDueCronJobs materializes jobs for every due schedule and returns
// the count enqueued. Failures on one schedule never block the others.
// Safe under rival processors: each schedule row is advanced with a
// compare-and-swap on the observed NextRunAt.
func (q *Queue) EnqueueDueCronJobs(ctx context.Context) (int, error) {
	due, err := q.be.GetDueCronSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("get due cron schedules: %w", err)
	}
	count := 0
	for _, sched := range due {
		n, err := q.enqueueCron(ctx, sched)
		if err != nil {
			q.log.WarnContext(ctx, "cron enqueue failed",
				"schedule", sched.Name, "schedule_id", sched.ID, "error", err)
			continue
		}
		count += n
	}
	return count, nil
}

func (q *Queue) enqueueCron(ctx context.Context, sched *domain.CronSchedule) (int, error) {
	now := q.now()
	next, err := cronexpr.Next(sched.CronExpression, sched.Timezone, now)
	if err != nil {
		return 0, err
	}

	if !sched.AllowOverlap && sched.LastJobID != nil {
		prev, err := q.be.GetJob(ctx, *sched.LastJobID)
		if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			return 0, err
		}
		if err == nil && isLive(prev.Status) {
			// Overlap suppression: skip this occurrence but still advance
			// the schedule, keeping the live job as lastJobId.
			if _, err := q.be.UpdateCronScheduleAfterEnqueue(ctx, sched.ID, sched.NextRunAt, now, nil, next); err != nil {
				return 0, err
			}
			return 0, nil
		}
	}

	id, err := q.be.Enqueue(ctx, backend.EnqueueParams{
		JobType:            sched.JobType,
		Payload:            sched.Payload,
		MaxAttempts:        sched.MaxAttempts,
		Priority:           sched.Priority,
		Timeout:            sched.Timeout,
		ForceKillOnTimeout: sched.ForceKillOnTimeout,
		Tags:               sched.Tags,
		RetryDelay:         sched.RetryDelay,
		RetryBackoff:       sched.RetryBackoff,
		RetryDelayMax:      sched.RetryDelayMax,
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue from schedule %q: %w", sched.Name, err)
	}

	ok, err := q.be.UpdateCronScheduleAfterEnqueue(ctx, sched.ID, sched.NextRunAt, now, &id, next)
	if err != nil {
		return 0, err
	}
	if !ok {
		// A rival processor advanced the row first; both jobs stand
		// (overlap protection is best-effort at the schedule row).
		q.log.WarnContext(ctx, "lost cron schedule advance race",
			"schedule", sched.Name, "job_id", id)
	}
	return 1, nil
}

func isLive(s domain.Status) bool {
	return s == domain.StatusPending || s == domain.StatusProcessing || s == domain.StatusWaiting
}

// === Workers ===

// NewProcessor builds a processor over this queue's backend, wiring the
// cron enqueue hook into its cycle.
func (q *Queue) NewProcessor(reg *runtime.Registry, cfg processor.Config) (*processor.Processor, error) {
	if cfg.Logger == nil {
		cfg.Logger = q.log
	}
	return processor.New(q.be, reg, cfg, q.EnqueueDueCronJobs)
}

// NewSupervisor builds a supervisor over this queue's backend.
func (q *Queue) NewSupervisor(cfg supervisor.Config) *supervisor.Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = q.log
	}
	return supervisor.New(q.be, cfg)
}
