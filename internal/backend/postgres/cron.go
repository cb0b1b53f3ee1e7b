package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rezkam/forgeq/internal/domain"
)

func (s *Store) AddCronSchedule(ctx context.Context, sched *domain.CronSchedule) error {
	if sched.ID == "" {
		sched.ID = "cs_" + uuid.NewString()
	}
	if sched.Status == "" {
		sched.Status = domain.CronActive
	}
	tags := sched.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO forgeq_cron_schedules (
			id, name, cron_expression, job_type, payload, timezone,
			allow_overlap, max_attempts, priority, timeout_ms,
			force_kill_on_timeout, tags, retry_delay_ms, retry_backoff,
			retry_delay_max_ms, status, next_run_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		sched.ID, sched.Name, sched.CronExpression, sched.JobType,
		jsonOrNull(sched.Payload), sched.Timezone, sched.AllowOverlap,
		sched.MaxAttempts, sched.Priority, durationMS(sched.Timeout),
		sched.ForceKillOnTimeout, tags, durationMS(sched.RetryDelay),
		string(sched.RetryBackoff), durationMS(sched.RetryDelayMax),
		string(sched.Status), sched.NextRunAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %q", domain.ErrCronScheduleExists, sched.Name)
		}
		return fmt.Errorf("failed to add cron schedule %q: %w", sched.Name, err)
	}
	return nil
}

func (s *Store) GetCronSchedule(ctx context.Context, id string) (*domain.CronSchedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+cronColumns+` FROM forgeq_cron_schedules WHERE id = $1`, id)
	sched, err := scanCronSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrCronScheduleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cron schedule %s: %w", id, err)
	}
	return sched, nil
}

func (s *Store) GetCronScheduleByName(ctx context.Context, name string) (*domain.CronSchedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+cronColumns+` FROM forgeq_cron_schedules WHERE name = $1`, name)
	sched, err := scanCronSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", domain.ErrCronScheduleNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cron schedule %q: %w", name, err)
	}
	return sched, nil
}

func (s *Store) ListCronSchedules(ctx context.Context, status domain.CronScheduleStatus) ([]*domain.CronSchedule, error) {
	query := `SELECT ` + cronColumns + ` FROM forgeq_cron_schedules`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY name ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cron schedules: %w", err)
	}
	defer rows.Close()
	return collectCronSchedules(rows)
}

func (s *Store) SetCronScheduleStatus(ctx context.Context, id string, status domain.CronScheduleStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE forgeq_cron_schedules SET status = $2, updated_at = now()
		WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to set cron schedule %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrCronScheduleNotFound, id)
	}
	return nil
}

func (s *Store) RemoveCronSchedule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM forgeq_cron_schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to remove cron schedule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrCronScheduleNotFound, id)
	}
	return nil
}

func (s *Store) EditCronSchedule(ctx context.Context, id string, u domain.CronScheduleUpdate, nextRunAt *time.Time) error {
	b := &condBuilder{}
	sets := buildCronUpdate(u, nextRunAt, b)
	if len(sets) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE forgeq_cron_schedules SET %s WHERE id = %s`,
		strings.Join(sets, ", "), b.bind(id))

	tag, err := s.pool.Exec(ctx, query, b.args...)
	if err != nil {
		return fmt.Errorf("failed to edit cron schedule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrCronScheduleNotFound, id)
	}
	return nil
}

func (s *Store) GetDueCronSchedules(ctx context.Context) ([]*domain.CronSchedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+cronColumns+` FROM forgeq_cron_schedules
		WHERE status = 'active' AND next_run_at <= now()
		ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get due cron schedules: %w", err)
	}
	defer rows.Close()
	return collectCronSchedules(rows)
}

func (s *Store) UpdateCronScheduleAfterEnqueue(ctx context.Context, id string, observedNextRunAt, lastEnqueuedAt time.Time, lastJobID *int64, nextRunAt time.Time) (bool, error) {
	// Rival processors race on the same due schedule; the row advances only
	// for the one that still observes the due next_run_at.
	tag, err := s.pool.Exec(ctx, `
		UPDATE forgeq_cron_schedules SET
			last_enqueued_at = $3,
			last_job_id = COALESCE($4, last_job_id),
			next_run_at = $5,
			updated_at = now()
		WHERE id = $1 AND next_run_at = $2`,
		id, observedNextRunAt, lastEnqueuedAt, lastJobID, nextRunAt)
	if err != nil {
		return false, fmt.Errorf("failed to advance cron schedule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost race from a deleted schedule.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM forgeq_cron_schedules WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return false, fmt.Errorf("failed to check cron schedule %s: %w", id, err)
		}
		if !exists {
			return false, fmt.Errorf("%w: %s", domain.ErrCronScheduleNotFound, id)
		}
		return false, nil
	}
	return true, nil
}

func collectCronSchedules(rows pgx.Rows) ([]*domain.CronSchedule, error) {
	out := make([]*domain.CronSchedule, 0)
	for rows.Next() {
		sched, err := scanCronSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cron schedule: %w", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}
