package domain

import (
	"encoding/json"
	"time"
)

// CronScheduleStatus is the state of a recurring schedule.
type CronScheduleStatus string

const (
	CronActive CronScheduleStatus = "active"
	CronPaused CronScheduleStatus = "paused"
)

// CronSchedule is a recurring template that materializes into new jobs at
// each occurrence of its cron expression, evaluated in Timezone.
type CronSchedule struct {
	ID             string
	Name           string // unique
	CronExpression string
	JobType        string
	Payload        json.RawMessage
	Timezone       string
	AllowOverlap   bool

	MaxAttempts        int
	Priority           int
	Timeout            time.Duration
	ForceKillOnTimeout bool
	Tags               []string

	RetryDelay    time.Duration
	RetryBackoff  BackoffKind
	RetryDelayMax time.Duration

	Status         CronScheduleStatus
	LastEnqueuedAt *time.Time
	LastJobID      *int64
	NextRunAt      time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the schedule.
func (c *CronSchedule) Clone() *CronSchedule {
	s := *c
	s.Payload = append(json.RawMessage(nil), c.Payload...)
	s.Tags = append([]string(nil), c.Tags...)
	s.LastEnqueuedAt = cloneTime(c.LastEnqueuedAt)
	if c.LastJobID != nil {
		id := *c.LastJobID
		s.LastJobID = &id
	}
	return &s
}
