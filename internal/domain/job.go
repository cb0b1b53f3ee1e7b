package domain

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusWaiting    Status = "waiting"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions
// without operator action. A failed job with remaining attempts is not
// terminal; the backend tracks that via next_attempt_at.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// FailureReason classifies why a job attempt failed.
type FailureReason string

const (
	FailureTimeout      FailureReason = "timeout"
	FailureHandlerError FailureReason = "handler_error"
	FailureNoHandler    FailureReason = "no_handler"
)

// BackoffKind selects the retry delay schedule for a failed job.
type BackoffKind string

const (
	// BackoffExponential schedules attempt k (0-indexed) at 2^k minutes,
	// capped by RetryDelayMax when set. This is the default.
	BackoffExponential BackoffKind = "exponential"
	// BackoffLinear schedules every retry at a fixed RetryDelay.
	BackoffLinear BackoffKind = "linear"
)

// ErrorEntry is one item of a job's error history.
type ErrorEntry struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is the durable unit of work owned by the backend row.
type Job struct {
	ID             int64
	JobType        string
	Payload        json.RawMessage
	IdempotencyKey string // empty means none; unique across live rows when set

	Tags     []string
	Priority int

	RunAt         time.Time
	NextAttemptAt *time.Time

	Timeout            time.Duration // zero means no timeout
	ForceKillOnTimeout bool
	MaxAttempts        int
	Attempts           int

	RetryDelay    time.Duration
	RetryBackoff  BackoffKind
	RetryDelayMax time.Duration

	Status   Status
	LockedBy string // claim owner; empty when unlocked
	LockedAt *time.Time

	Progress *int // 0..100 when set

	StepData    StepData
	WaitUntil   *time.Time
	WaitTokenID string
	// WaitResume marks a row returned from waiting to pending by a token
	// completion or expiry. The next claim must not count it as a retry.
	WaitResume bool

	ErrorHistory  []ErrorEntry
	FailureReason FailureReason
	PendingReason string

	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	LastFailedAt    *time.Time
	LastRetriedAt   *time.Time
	LastCancelledAt *time.Time
}

// RetryDelayFor returns the delay before the next attempt, given the number
// of attempts already made (1-based at the time of failure).
func (j *Job) RetryDelayFor(attempts int) time.Duration {
	if j.RetryBackoff == BackoffLinear && j.RetryDelay > 0 {
		return j.RetryDelay
	}
	k := attempts - 1
	if k < 0 {
		k = 0
	}
	// Guard the shift; beyond ~30 doublings the cap always applies anyway.
	if k > 30 {
		k = 30
	}
	d := time.Duration(1<<uint(k)) * time.Minute
	if j.RetryDelayMax > 0 && d > j.RetryDelayMax {
		d = j.RetryDelayMax
	}
	return d
}

// Retryable reports whether the job may be scheduled for another attempt.
func (j *Job) Retryable() bool {
	return j.Attempts < j.MaxAttempts
}

// Clone returns a deep copy of the job. Backends hand out clones so callers
// can never mutate stored state.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.Tags = append([]string(nil), j.Tags...)
	c.ErrorHistory = append([]ErrorEntry(nil), j.ErrorHistory...)
	c.StepData = j.StepData.Clone()
	c.NextAttemptAt = cloneTime(j.NextAttemptAt)
	c.LockedAt = cloneTime(j.LockedAt)
	c.WaitUntil = cloneTime(j.WaitUntil)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.LastFailedAt = cloneTime(j.LastFailedAt)
	c.LastRetriedAt = cloneTime(j.LastRetriedAt)
	c.LastCancelledAt = cloneTime(j.LastCancelledAt)
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
