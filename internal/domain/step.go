package domain

import "encoding/json"

// WaitKind distinguishes the suspension primitives recorded in step data.
type WaitKind string

const (
	WaitKindDuration WaitKind = "duration"
	WaitKindDate     WaitKind = "date"
	WaitKindToken    WaitKind = "token"
)

// StepEntry is one memoized step or wait marker inside a job's step data.
// Step entries carry Completed and Result; wait entries additionally carry
// Type (and TokenID for token waits).
type StepEntry struct {
	Completed bool            `json:"completed"`
	Result    json.RawMessage `json:"result,omitempty"`
	Type      WaitKind        `json:"type,omitempty"`
	TokenID   string          `json:"tokenId,omitempty"`
}

// StepData maps step names (and __wait_N keys) to their recorded state.
type StepData map[string]StepEntry

// Clone returns a deep copy of the step data.
func (s StepData) Clone() StepData {
	if s == nil {
		return nil
	}
	c := make(StepData, len(s))
	for k, v := range s {
		v.Result = append(json.RawMessage(nil), v.Result...)
		c[k] = v
	}
	return c
}

// IsWait reports whether the entry is a wait marker rather than a memoized step.
func (e StepEntry) IsWait() bool {
	return e.Type != ""
}
