package runtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/rezkam/forgeq/internal/domain"
)

// WaitSignal is thrown (returned) by a wait primitive to suspend the job.
// It is control flow, not a failure: the runner catches it and transitions
// the row to waiting with the carried step data.
type WaitSignal struct {
	Kind      domain.WaitKind
	WaitUntil *time.Time
	TokenID   string
	Steps     domain.StepData
}

func (s *WaitSignal) Error() string {
	switch s.Kind {
	case domain.WaitKindToken:
		return fmt.Sprintf("job suspended waiting for token %s", s.TokenID)
	default:
		return fmt.Sprintf("job suspended until %s", s.WaitUntil)
	}
}

// AsWaitSignal extracts a WaitSignal from an error chain.
func AsWaitSignal(err error) (*WaitSignal, bool) {
	var ws *WaitSignal
	if errors.As(err, &ws) {
		return ws, true
	}
	return nil, false
}

// TimeoutError marks an attempt that exceeded its timeout budget.
type TimeoutError struct {
	JobID   int64
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %d timed out after %s", e.JobID, e.Timeout)
}

// IsTimeout reports whether err carries a timeout failure.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// PanicError wraps a recovered handler panic so it flows through the normal
// failure path with the original value and stack preserved for logging.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}
