package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rezkam/forgeq/internal/backend"
	"github.com/rezkam/forgeq/internal/domain"
)

// Runner executes one claimed job end to end: mode selection, wait
// resolution on resume, handler invocation and the terminal transition.
type Runner struct {
	be       backend.Backend
	reg      *Registry
	workerID string
	log      *slog.Logger
	now      func() time.Time
}

func NewRunner(be backend.Backend, reg *Registry, workerID string, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{be: be, reg: reg, workerID: workerID, log: log, now: time.Now}
}

// Execute runs the job and records its outcome. The returned error reports
// store failures only; handler failures are absorbed into the job row.
func (r *Runner) Execute(ctx context.Context, job *domain.Job) error {
	// Outcome writes must land even when the run context was cancelled by
	// a timeout abort.
	persistCtx := context.WithoutCancel(ctx)

	entry, ok := r.reg.lookup(job.JobType)
	if !ok {
		msg := fmt.Sprintf("no handler registered for job type %q", job.JobType)
		if err := r.be.SetPendingReason(persistCtx, job.JobType, msg); err != nil {
			r.log.WarnContext(ctx, "failed to annotate pending peers", "job_type", job.JobType, "error", err)
		}
		return r.be.Fail(persistCtx, job.ID, msg, domain.FailureNoHandler)
	}

	steps := job.StepData.Clone()
	if steps == nil {
		steps = make(domain.StepData)
	}
	if err := r.resolvePendingWaits(ctx, job, steps); err != nil {
		return fmt.Errorf("resolve waits for job %d: %w", job.ID, err)
	}

	isolated := job.ForceKillOnTimeout && job.Timeout > 0

	var runErr error
	switch {
	case entry.kind == kindCommand:
		runErr = r.runCommand(ctx, job, entry)
	case isolated && entry.kind == kindIsolatedFunc:
		runErr = r.runAbandoned(ctx, job, entry.fn, steps)
	case isolated:
		// A plain handler cannot be force-killed; reject before launch.
		runErr = fmt.Errorf("handler for %q is not registered for forced kill; use RegisterIsolated or RegisterCommand", job.JobType)
	default:
		runErr = r.runCooperative(ctx, job, entry.fn, steps)
	}

	return r.finish(ctx, persistCtx, job, runErr)
}

func (r *Runner) finish(ctx, persistCtx context.Context, job *domain.Job, runErr error) error {
	switch {
	case runErr == nil:
		return r.be.Complete(persistCtx, job.ID)

	default:
		if ws, ok := AsWaitSignal(runErr); ok {
			r.log.InfoContext(ctx, "job suspended",
				"job_id", job.ID, "job_type", job.JobType, "wait_kind", ws.Kind)
			return r.be.Wait(persistCtx, job.ID, ws.WaitUntil, ws.TokenID, ws.Steps)
		}
		if IsTimeout(runErr) {
			r.log.WarnContext(ctx, "job timed out",
				"job_id", job.ID, "job_type", job.JobType, "timeout", job.Timeout)
			return r.be.Fail(persistCtx, job.ID, runErr.Error(), domain.FailureTimeout)
		}
		var pe *PanicError
		if errors.As(runErr, &pe) {
			r.log.ErrorContext(ctx, "handler panicked",
				"job_id", job.ID, "job_type", job.JobType, "panic", pe.Value, "stack", string(pe.Stack))
		} else {
			r.log.WarnContext(ctx, "handler failed",
				"job_id", job.ID, "job_type", job.JobType, "error", runErr)
		}
		return r.be.Fail(persistCtx, job.ID, runErr.Error(), domain.FailureHandlerError)
	}
}

// runCooperative gives the handler the abort context and the cooperative
// timer. On final timeout the context is cancelled and the attempt fails
// with a timeout error whether or not the handler has returned.
func (r *Runner) runCooperative(ctx context.Context, job *domain.Job, fn HandlerFunc, steps domain.StepData) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jc := &JobContext{job: job, be: r.be, steps: steps, now: r.now}
	if job.Timeout <= 0 {
		return r.invoke(runCtx, fn, jc)
	}

	refresh := func() { r.be.Prolong(context.WithoutCancel(ctx), job.ID, r.workerID) }
	tc := newTimeoutController(job.ID, job.Timeout, refresh, r.log)
	jc.tc = tc
	defer tc.stop()

	done := make(chan error, 1)
	go func() { done <- r.invoke(runCtx, fn, jc) }()

	select {
	case err := <-done:
		return err
	case <-tc.timedOut:
		cancel()
		return &TimeoutError{JobID: job.ID, Timeout: job.Timeout}
	}
}

// runAbandoned runs an isolated in-process handler behind a hard timer.
// On timeout the goroutine is left to drain on its own and its result is
// discarded; wait primitives and timer control are disabled.
func (r *Runner) runAbandoned(ctx context.Context, job *domain.Job, fn HandlerFunc, steps domain.StepData) error {
	hardCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	jc := &JobContext{job: job, be: r.be, steps: steps, isolated: true, now: r.now}
	done := make(chan error, 1)
	go func() { done <- r.invoke(hardCtx, fn, jc) }()

	select {
	case err := <-done:
		return err
	case <-hardCtx.Done():
		if errors.Is(hardCtx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{JobID: job.ID, Timeout: job.Timeout}
		}
		return hardCtx.Err()
	}
}

// runCommand executes a subprocess handler with the payload on stdin. The
// process group is killed when the deadline passes, the only true forced
// kill available in-process.
func (r *Runner) runCommand(ctx context.Context, job *domain.Job, entry handlerEntry) error {
	cmdCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cmdCtx, entry.path, entry.args...)
	cmd.Stdin = bytes.NewReader(job.Payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if cmdCtx.Err() != nil && errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{JobID: job.ID, Timeout: job.Timeout}
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("command handler %s: %w: %s", entry.path, err, msg)
		}
		return fmt.Errorf("command handler %s: %w", entry.path, err)
	}
	return nil
}

// invoke calls the handler with panic recovery so a panicking handler
// fails its own job instead of the worker.
func (r *Runner) invoke(ctx context.Context, fn HandlerFunc, jc *JobContext) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return fn(ctx, jc)
}

// resolvePendingWaits marks every pending wait marker whose condition has
// been met before the handler replays. Duration and date waits are done by
// construction when a waiting job is claimed; token waits consult the
// waitpoint.
func (r *Runner) resolvePendingWaits(ctx context.Context, job *domain.Job, steps domain.StepData) error {
	changed := false
	for key, e := range steps {
		if !e.IsWait() || e.Completed {
			continue
		}
		switch e.Type {
		case domain.WaitKindDuration, domain.WaitKindDate:
			e.Completed = true
			steps[key] = e
			changed = true
		case domain.WaitKindToken:
			wp, err := r.be.GetWaitpoint(ctx, e.TokenID)
			if err != nil {
				if errors.Is(err, domain.ErrWaitpointNotFound) {
					r.log.WarnContext(ctx, "wait marker references missing waitpoint",
						"job_id", job.ID, "token_id", e.TokenID)
					continue
				}
				return err
			}
			res, done := tokenResultFor(wp)
			if !done {
				continue
			}
			raw, err := json.Marshal(res)
			if err != nil {
				return fmt.Errorf("marshal token result: %w", err)
			}
			e.Completed = true
			e.Result = raw
			steps[key] = e
			changed = true
		}
	}
	if changed {
		return r.be.SaveStepData(ctx, job.ID, steps)
	}
	return nil
}
