package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rezkam/forgeq/internal/backend"
	"github.com/rezkam/forgeq/internal/domain"
)

// JobContext is the handler's view of the running job: payload access,
// progress and timer control, and the durable step/wait primitives. A
// JobContext is bound to one attempt and must not outlive the handler call.
type JobContext struct {
	job      *domain.Job
	be       backend.Backend
	steps    domain.StepData
	waitN    int
	isolated bool
	tc       *timeoutController
	now      func() time.Time
}

func (c *JobContext) ID() int64                { return c.job.ID }
func (c *JobContext) JobType() string          { return c.job.JobType }
func (c *JobContext) Attempts() int            { return c.job.Attempts }
func (c *JobContext) Tags() []string           { return c.job.Tags }
func (c *JobContext) Payload() json.RawMessage { return c.job.Payload }

// Bind unmarshals the payload into v.
func (c *JobContext) Bind(v any) error {
	if err := json.Unmarshal(c.job.Payload, v); err != nil {
		return fmt.Errorf("bind payload: %w", err)
	}
	return nil
}

// SetProgress persists a progress value in [0,100]. Out-of-range input
// fails synchronously with domain.ErrInvalidProgress.
func (c *JobContext) SetProgress(ctx context.Context, pct int) error {
	return c.be.SetProgress(ctx, c.job.ID, pct)
}

// Prolong re-arms the timeout timer from now and refreshes the lease.
// Zero or negative d means the job's original timeout. A no-op when the
// job has no timeout or runs force-killed.
func (c *JobContext) Prolong(d time.Duration) {
	if c.tc != nil {
		c.tc.prolong(d)
	}
}

// OnTimeout registers a callback invoked when the timeout timer fires.
// A positive return re-arms the timer for that duration and refreshes the
// lease; zero (or a panic in the callback) lets the abort proceed.
func (c *JobContext) OnTimeout(cb func() time.Duration) {
	if c.tc != nil {
		c.tc.onTimeout(cb)
	}
}

// Run memoizes a step: on replay the recorded result is returned without
// invoking fn. Results are persisted immediately so a crash after the step
// never repeats its side effects. Step names must be unique per handler.
func (c *JobContext) Run(ctx context.Context, name string, fn func() (any, error)) (json.RawMessage, error) {
	if e, ok := c.steps[name]; ok && e.Completed && !e.IsWait() {
		return e.Result, nil
	}
	v, err := fn()
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", name, err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("step %q: marshal result: %w", name, err)
	}
	c.steps[name] = domain.StepEntry{Completed: true, Result: raw}
	if err := c.be.SaveStepData(ctx, c.job.ID, c.steps); err != nil {
		return nil, fmt.Errorf("step %q: persist: %w", name, err)
	}
	return raw, nil
}

// Step is the typed convenience over JobContext.Run.
func Step[T any](ctx context.Context, c *JobContext, name string, fn func() (T, error)) (T, error) {
	var zero T
	raw, err := c.Run(ctx, name, func() (any, error) { return fn() })
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("step %q: unmarshal result: %w", name, err)
	}
	return out, nil
}

// WaitFor suspends the job for the given span. On resume the call returns
// nil immediately and the handler continues past it. The returned
// WaitSignal must be propagated to the runner unchanged.
func (c *JobContext) WaitFor(ctx context.Context, span domain.Span) error {
	if err := span.Validate(); err != nil {
		return err
	}
	return c.waitUntilInstant(c.now().Add(span.Duration()), domain.WaitKindDuration)
}

// WaitUntil suspends the job until the given instant.
func (c *JobContext) WaitUntil(ctx context.Context, t time.Time) error {
	return c.waitUntilInstant(t, domain.WaitKindDate)
}

func (c *JobContext) waitUntilInstant(t time.Time, kind domain.WaitKind) error {
	if c.isolated {
		return fmt.Errorf("wait primitives are not available to force-killed handlers")
	}
	key := c.nextWaitKey()
	if e, ok := c.steps[key]; ok && e.Completed {
		return nil
	}
	c.steps[key] = domain.StepEntry{Type: kind}
	until := t
	return &WaitSignal{Kind: kind, WaitUntil: &until, Steps: c.steps.Clone()}
}

// CreateToken issues a fresh waitpoint for use with WaitForToken. Wrap it
// in a memoized step so replay reuses the same token instead of minting a
// new one per attempt.
func (c *JobContext) CreateToken(ctx context.Context, timeout time.Duration, tags []string) (*domain.Waitpoint, error) {
	var timeoutAt *time.Time
	if timeout > 0 {
		t := c.now().Add(timeout)
		timeoutAt = &t
	}
	return c.be.CreateWaitpoint(ctx, nil, timeoutAt, tags)
}

// TokenResult is what a resumed WaitForToken call observes.
type TokenResult struct {
	OK     bool            `json:"ok"`
	Output json.RawMessage `json:"output,omitempty"`
	Err    string          `json:"error,omitempty"`
}

// WaitForToken suspends the job until the waitpoint completes or times out.
// An already-resolved token is recorded and returned without suspending.
func (c *JobContext) WaitForToken(ctx context.Context, tokenID string) (TokenResult, error) {
	if c.isolated {
		return TokenResult{}, fmt.Errorf("wait primitives are not available to force-killed handlers")
	}
	key := c.nextWaitKey()
	if e, ok := c.steps[key]; ok && e.Completed {
		var res TokenResult
		if err := json.Unmarshal(e.Result, &res); err != nil {
			return TokenResult{}, fmt.Errorf("wait %s: unmarshal result: %w", key, err)
		}
		return res, nil
	}

	// Probe first: a token resolved before we ever waited on it resolves
	// synchronously without a suspension round-trip.
	wp, err := c.be.GetWaitpoint(ctx, tokenID)
	if err != nil {
		return TokenResult{}, err
	}
	if res, done := tokenResultFor(wp); done {
		raw, err := json.Marshal(res)
		if err != nil {
			return TokenResult{}, fmt.Errorf("wait %s: marshal result: %w", key, err)
		}
		c.steps[key] = domain.StepEntry{Completed: true, Result: raw, Type: domain.WaitKindToken, TokenID: tokenID}
		if err := c.be.SaveStepData(ctx, c.job.ID, c.steps); err != nil {
			return TokenResult{}, fmt.Errorf("wait %s: persist: %w", key, err)
		}
		return res, nil
	}

	c.steps[key] = domain.StepEntry{Type: domain.WaitKindToken, TokenID: tokenID}
	return TokenResult{}, &WaitSignal{Kind: domain.WaitKindToken, TokenID: tokenID, Steps: c.steps.Clone()}
}

func tokenResultFor(wp *domain.Waitpoint) (TokenResult, bool) {
	switch wp.Status {
	case domain.WaitpointCompleted:
		return TokenResult{OK: true, Output: wp.Output}, true
	case domain.WaitpointTimedOut:
		return TokenResult{OK: false, Err: "Token timed out"}, true
	default:
		return TokenResult{}, false
	}
}

func (c *JobContext) nextWaitKey() string {
	key := fmt.Sprintf("__wait_%d", c.waitN)
	c.waitN++
	return key
}
