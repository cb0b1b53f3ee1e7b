package domain

import (
	"encoding/json"
	"time"
)

// WaitpointStatus is the lifecycle state of an external token.
type WaitpointStatus string

const (
	WaitpointWaiting   WaitpointStatus = "waiting"
	WaitpointCompleted WaitpointStatus = "completed"
	WaitpointTimedOut  WaitpointStatus = "timed_out"
)

// Waitpoint is an externally signalled token. A waitpoint with a nil JobID is
// free-standing; a job binds to it via its WaitTokenID. The waitpoint outlives
// the job's waiting status until completed or timed out.
type Waitpoint struct {
	ID          string
	JobID       *int64
	Status      WaitpointStatus
	TimeoutAt   *time.Time
	CompletedAt *time.Time
	Output      json.RawMessage
	Tags        []string
	CreatedAt   time.Time
}

// Clone returns a deep copy of the waitpoint.
func (w *Waitpoint) Clone() *Waitpoint {
	c := *w
	c.Output = append(json.RawMessage(nil), w.Output...)
	c.Tags = append([]string(nil), w.Tags...)
	if w.JobID != nil {
		id := *w.JobID
		c.JobID = &id
	}
	c.TimeoutAt = cloneTime(w.TimeoutAt)
	c.CompletedAt = cloneTime(w.CompletedAt)
	return &c
}
