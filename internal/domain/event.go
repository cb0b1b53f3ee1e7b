package domain

import (
	"encoding/json"
	"time"
)

// EventType identifies a job lifecycle event in the audit log.
type EventType string

const (
	EventAdded      EventType = "added"
	EventProcessing EventType = "processing"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventRetried    EventType = "retried"
	EventCancelled  EventType = "cancelled"
	EventWaiting    EventType = "waiting"
	EventProlonged  EventType = "prolonged"
	EventEdited     EventType = "edited"
)

// JobEvent is an append-only audit entry. Recording an event is always
// best-effort: a failed insert is logged and never interrupts the state
// transition it describes.
type JobEvent struct {
	ID        int64
	JobID     int64
	Type      EventType
	Metadata  json.RawMessage
	CreatedAt time.Time
}
