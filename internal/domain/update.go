package domain

import (
	"encoding/json"
	"time"
)

// JobUpdate mutates a pending job. Nil fields are left untouched.
type JobUpdate struct {
	Payload     *json.RawMessage
	MaxAttempts *int
	Priority    *int
	// RunAt sets a new eligible instant. RunNow sets it to the current
	// time; this is how "run immediately" is expressed.
	RunAt  *time.Time
	RunNow bool

	Timeout            *time.Duration
	ForceKillOnTimeout *bool
	Tags               *[]string

	RetryDelay    *time.Duration
	RetryBackoff  *BackoffKind
	RetryDelayMax *time.Duration
}

// IsZero reports whether the update changes nothing.
func (u JobUpdate) IsZero() bool {
	return u.Payload == nil && u.MaxAttempts == nil && u.Priority == nil &&
		u.RunAt == nil && !u.RunNow && u.Timeout == nil &&
		u.ForceKillOnTimeout == nil && u.Tags == nil &&
		u.RetryDelay == nil && u.RetryBackoff == nil && u.RetryDelayMax == nil
}

// Apply writes the update onto a job at the given instant.
func (u JobUpdate) Apply(j *Job, now time.Time) {
	if u.Payload != nil {
		j.Payload = append(json.RawMessage(nil), *u.Payload...)
	}
	if u.MaxAttempts != nil {
		j.MaxAttempts = *u.MaxAttempts
	}
	if u.Priority != nil {
		j.Priority = *u.Priority
	}
	if u.RunNow {
		j.RunAt = now
	} else if u.RunAt != nil {
		j.RunAt = *u.RunAt
	}
	if u.Timeout != nil {
		j.Timeout = *u.Timeout
	}
	if u.ForceKillOnTimeout != nil {
		j.ForceKillOnTimeout = *u.ForceKillOnTimeout
	}
	if u.Tags != nil {
		j.Tags = append([]string(nil), *u.Tags...)
	}
	if u.RetryDelay != nil {
		j.RetryDelay = *u.RetryDelay
	}
	if u.RetryBackoff != nil {
		j.RetryBackoff = *u.RetryBackoff
	}
	if u.RetryDelayMax != nil {
		j.RetryDelayMax = *u.RetryDelayMax
	}
	j.UpdatedAt = now
}

// CronScheduleUpdate mutates a cron schedule. Nil fields are left untouched.
// NextRunAt is recomputed by the caller when the expression or timezone change.
type CronScheduleUpdate struct {
	CronExpression *string
	JobType        *string
	Payload        *json.RawMessage
	Timezone       *string
	AllowOverlap   *bool

	MaxAttempts        *int
	Priority           *int
	Timeout            *time.Duration
	ForceKillOnTimeout *bool
	Tags               *[]string

	RetryDelay    *time.Duration
	RetryBackoff  *BackoffKind
	RetryDelayMax *time.Duration
}

// Apply writes the update onto a schedule at the given instant.
func (u CronScheduleUpdate) Apply(s *CronSchedule, now time.Time) {
	if u.CronExpression != nil {
		s.CronExpression = *u.CronExpression
	}
	if u.JobType != nil {
		s.JobType = *u.JobType
	}
	if u.Payload != nil {
		s.Payload = append(json.RawMessage(nil), *u.Payload...)
	}
	if u.Timezone != nil {
		s.Timezone = *u.Timezone
	}
	if u.AllowOverlap != nil {
		s.AllowOverlap = *u.AllowOverlap
	}
	if u.MaxAttempts != nil {
		s.MaxAttempts = *u.MaxAttempts
	}
	if u.Priority != nil {
		s.Priority = *u.Priority
	}
	if u.Timeout != nil {
		s.Timeout = *u.Timeout
	}
	if u.ForceKillOnTimeout != nil {
		s.ForceKillOnTimeout = *u.ForceKillOnTimeout
	}
	if u.Tags != nil {
		s.Tags = append([]string(nil), *u.Tags...)
	}
	if u.RetryDelay != nil {
		s.RetryDelay = *u.RetryDelay
	}
	if u.RetryBackoff != nil {
		s.RetryBackoff = *u.RetryBackoff
	}
	if u.RetryDelayMax != nil {
		s.RetryDelayMax = *u.RetryDelayMax
	}
	s.UpdatedAt = now
}
