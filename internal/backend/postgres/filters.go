package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/rezkam/forgeq/internal/domain"
)

// condBuilder accumulates positional arguments for dynamically assembled
// statements.
type condBuilder struct {
	args []any
}

func (b *condBuilder) bind(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// buildJobFilter renders a JobFilter as a WHERE clause (leading space
// included), or an empty string when the filter matches everything.
func buildJobFilter(f domain.JobFilter, b *condBuilder) string {
	var conds []string

	if f.JobType != "" {
		conds = append(conds, "job_type = "+b.bind(f.JobType))
	}
	if f.Priority != nil {
		conds = append(conds, "priority = "+b.bind(*f.Priority))
	}
	if f.RunAt != nil {
		conds = append(conds, buildTimeFilter("run_at", *f.RunAt, b)...)
	}
	if f.Tags != nil {
		switch f.Tags.Mode {
		case domain.TagExact:
			conds = append(conds, "tags = "+b.bind(f.Tags.Values)+"::text[]")
		case domain.TagAll:
			conds = append(conds, "tags @> "+b.bind(f.Tags.Values)+"::text[]")
		case domain.TagAny:
			conds = append(conds, "tags && "+b.bind(f.Tags.Values)+"::text[]")
		case domain.TagNone:
			conds = append(conds, "NOT (tags && "+b.bind(f.Tags.Values)+"::text[])")
		}
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		conds = append(conds, "status = ANY("+b.bind(statuses)+")")
	}

	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func buildTimeFilter(col string, f domain.TimeFilter, b *condBuilder) []string {
	var conds []string
	if f.Eq != nil {
		conds = append(conds, col+" = "+b.bind(*f.Eq))
	}
	if f.Gt != nil {
		conds = append(conds, col+" > "+b.bind(*f.Gt))
	}
	if f.Gte != nil {
		conds = append(conds, col+" >= "+b.bind(*f.Gte))
	}
	if f.Lt != nil {
		conds = append(conds, col+" < "+b.bind(*f.Lt))
	}
	if f.Lte != nil {
		conds = append(conds, col+" <= "+b.bind(*f.Lte))
	}
	return conds
}

// buildJobUpdate renders a JobUpdate as SET clauses. Empty when the update
// changes nothing.
func buildJobUpdate(u domain.JobUpdate, b *condBuilder) []string {
	if u.IsZero() {
		return nil
	}

	var sets []string
	if u.Payload != nil {
		sets = append(sets, "payload = "+b.bind(jsonOrNull(*u.Payload)))
	}
	if u.MaxAttempts != nil {
		sets = append(sets, "max_attempts = "+b.bind(*u.MaxAttempts))
	}
	if u.Priority != nil {
		sets = append(sets, "priority = "+b.bind(*u.Priority))
	}
	if u.RunNow {
		sets = append(sets, "run_at = now()")
	} else if u.RunAt != nil {
		sets = append(sets, "run_at = "+b.bind(*u.RunAt))
	}
	if u.Timeout != nil {
		sets = append(sets, "timeout_ms = "+b.bind(u.Timeout.Milliseconds()))
	}
	if u.ForceKillOnTimeout != nil {
		sets = append(sets, "force_kill_on_timeout = "+b.bind(*u.ForceKillOnTimeout))
	}
	if u.Tags != nil {
		sets = append(sets, "tags = "+b.bind(*u.Tags)+"::text[]")
	}
	if u.RetryDelay != nil {
		sets = append(sets, "retry_delay_ms = "+b.bind(u.RetryDelay.Milliseconds()))
	}
	if u.RetryBackoff != nil {
		sets = append(sets, "retry_backoff = "+b.bind(string(*u.RetryBackoff)))
	}
	if u.RetryDelayMax != nil {
		sets = append(sets, "retry_delay_max_ms = "+b.bind(u.RetryDelayMax.Milliseconds()))
	}
	sets = append(sets, "updated_at = now()")
	return sets
}

// buildCronUpdate renders a CronScheduleUpdate as SET clauses.
func buildCronUpdate(u domain.CronScheduleUpdate, nextRunAt *time.Time, b *condBuilder) []string {
	var sets []string
	if u.CronExpression != nil {
		sets = append(sets, "cron_expression = "+b.bind(*u.CronExpression))
	}
	if u.JobType != nil {
		sets = append(sets, "job_type = "+b.bind(*u.JobType))
	}
	if u.Payload != nil {
		sets = append(sets, "payload = "+b.bind(jsonOrNull(*u.Payload)))
	}
	if u.Timezone != nil {
		sets = append(sets, "timezone = "+b.bind(*u.Timezone))
	}
	if u.AllowOverlap != nil {
		sets = append(sets, "allow_overlap = "+b.bind(*u.AllowOverlap))
	}
	if u.MaxAttempts != nil {
		sets = append(sets, "max_attempts = "+b.bind(*u.MaxAttempts))
	}
	if u.Priority != nil {
		sets = append(sets, "priority = "+b.bind(*u.Priority))
	}
	if u.Timeout != nil {
		sets = append(sets, "timeout_ms = "+b.bind(u.Timeout.Milliseconds()))
	}
	if u.ForceKillOnTimeout != nil {
		sets = append(sets, "force_kill_on_timeout = "+b.bind(*u.ForceKillOnTimeout))
	}
	if u.Tags != nil {
		sets = append(sets, "tags = "+b.bind(*u.Tags)+"::text[]")
	}
	if u.RetryDelay != nil {
		sets = append(sets, "retry_delay_ms = "+b.bind(u.RetryDelay.Milliseconds()))
	}
	if u.RetryBackoff != nil {
		sets = append(sets, "retry_backoff = "+b.bind(string(*u.RetryBackoff)))
	}
	if u.RetryDelayMax != nil {
		sets = append(sets, "retry_delay_max_ms = "+b.bind(u.RetryDelayMax.Milliseconds()))
	}
	if nextRunAt != nil {
		sets = append(sets, "next_run_at = "+b.bind(*nextRunAt))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = now()")
	return sets
}
