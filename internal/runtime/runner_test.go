package runtime

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/forgeq/internal/backend"
	"github.com/rezkam/forgeq/internal/backend/memory"
	"github.com/rezkam/forgeq/internal/domain"
)

// testClock drives the store and the job context through simulated time.
// The timeout controller still runs on real timers; timeout tests use
// short real durations instead.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock  *testClock
	store  *memory.Store
	reg    *Registry
	runner *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	store := memory.New(memory.WithClock(clock.Now))
	reg := NewRegistry()
	runner := NewRunner(store, reg, "test-worker", nil)
	runner.now = clock.Now
	return &fixture{clock: clock, store: store, reg: reg, runner: runner}
}

// enqueueAndClaim sets up a processing job the runner can execute.
func (f *fixture) enqueueAndClaim(t *testing.T, p backend.EnqueueParams) *domain.Job {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.Enqueue(ctx, p)
	require.NoError(t, err)
	claimed, err := f.store.ClaimBatch(ctx, "test-worker", 1, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

// claimOne advances the clock and claims the single eligible job.
func (f *fixture) claimOne(t *testing.T, advance time.Duration) *domain.Job {
	t.Helper()
	f.clock.Advance(advance)
	claimed, err := f.store.ClaimBatch(context.Background(), "test-worker", 1, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func (f *fixture) jobState(t *testing.T, id int64) *domain.Job {
	t.Helper()
	j, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestExecuteSuccessCompletes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register("ok", func(ctx context.Context, job *JobContext) error {
		return nil
	}))

	job := f.enqueueAndClaim(t, backend.EnqueueParams{JobType: "ok"})
	require.NoError(t, f.runner.Execute(context.Background(), job))

	assert.Equal(t, domain.StatusCompleted, f.jobState(t, job.ID).Status)
}

func TestExecuteHandlerErrorFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register("boom", func(ctx context.Context, job *JobContext) error {
		return assert.AnError
	}))

	job := f.enqueueAndClaim(t, backend.EnqueueParams{JobType: "boom"})
	require.NoError(t, f.runner.Execute(context.Background(), job))

	j := f.jobState(t, job.ID)
	assert.Equal(t, domain.StatusFailed, j.Status)
	assert.Equal(t, domain.FailureHandlerError, j.FailureReason)
	require.Len(t, j.ErrorHistory, 1)
}

func TestExecuteNoHandlerAnnotatesPeers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.enqueueAndClaim(t, backend.EnqueueParams{JobType: "ghost"})
	peer, err := f.store.Enqueue(ctx, backend.EnqueueParams{JobType: "ghost"})
	require.NoError(t, err)

	require.NoError(t, f.runner.Execute(ctx, job))

	j := f.jobState(t, job.ID)
	assert.Equal(t, domain.StatusFailed, j.Status)
	assert.Equal(t, domain.FailureNoHandler, j.FailureReason)

	p := f.jobState(t, peer)
	assert.Equal(t, domain.StatusPending, p.Status)
	assert.Contains(t, p.PendingReason, "no handler registered")
}

func TestExecutePanicRecovered(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register("panic", func(ctx context.Context, job *JobContext) error {
		panic("unexpected state")
	}))

	job := f.enqueueAndClaim(t, backend.EnqueueParams{JobType: "panic"})
	require.NoError(t, f.runner.Execute(context.Background(), job))

	j := f.jobState(t, job.ID)
	assert.Equal(t, domain.StatusFailed, j.Status)
	assert.Equal(t, domain.FailureHandlerError, j.FailureReason)
	assert.Contains(t, j.ErrorHistory[0].Message, "panic")
}

func TestCooperativeTimeout(t *testing.T) {
	f := newFixture(t)
	var sawCancel atomic.Bool
	require.NoError(t, f.reg.Register("slow", func(ctx context.Context, job *JobContext) error {
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	}))

	job := f.enqueueAndClaim(t, backend.EnqueueParams{JobType: "slow", Timeout: 30 * time.Millisecond})
	require.NoError(t, f.runner.Execute(context.Background(), job))

	j := f.jobState(t, job.ID)
	assert.Equal(t, domain.StatusFailed, j.Status)
	assert.Equal(t, domain.FailureTimeout, j.FailureReason)
	assert.Eventually(t, sawCancel.Load, time.Second, 5*time.Millisecond)
}

func TestProlongExtendsDeadline(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register("stretch", func(ctx context.Context, job *JobContext) error {
		// 40ms of work against a 30ms budget, made safe by prolonging.
		for i := 0; i < 4; i++ {
			job.Prolong(50 * time.Millisecond)
			select {
			case <-time.After(10 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}))

	job := f.enqueueAndClaim(t, backend.EnqueueParams{JobType: "stretch", Timeout: 30 * time.Millisecond})
	require.NoError(t, f.runner.Execute(context.Background(), job))

	assert.Equal(t, domain.StatusCompleted, f.jobState(t, job.ID).Status)
}

func TestOnTimeoutExtension(t *testing.T) {
	f := newFixture(t)
	var fires atomic.Int32
	require.NoError(t, f.reg.Register("extend", func(ctx context.Context, job *JobContext) error {
		job.OnTimeout(func() time.Duration {
			if fires.Add(1) == 1 {
				return 100 * time.Millisecond // one extension, then give up
			}
			return 0
		})
		select {
		case <-time.After(60 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	job := f.enqueueAndClaim(t, backend.EnqueueParams{JobType: "extend", Timeout: 30 * time.Millisecond})
	require.NoError(t, f.runner.Execute(context.Background(), job))

	assert.Equal(t, domain.StatusCompleted, f.jobState(t, job.ID).Status)
	assert.EqualValues(t, 1, fires.Load())
}

func TestOnTimeoutPanicMeansNoExtension(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register("badcb", func(ctx context.Context, job *JobContext) error {
		job.OnTimeout(func() time.Duration { panic("cb broke") })
		<-ctx.Done()
		return ctx.Err()
	}))

	job := f.enqueueAndClaim(t, backend.EnqueueParams{JobType: "badcb", Timeout: 20 * time.Millisecond})
	require.NoError(t, f.runner.Execute(context.Background(), job))

	j := f.jobState(t, job.ID)
	assert.Equal(t, domain.FailureTimeout, j.FailureReason)
}

func TestIsolatedRejectsPlainHandler(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register("plain", func(ctx context.Context, job *JobContext) error {
		t.Error("handler must not launch")
		return nil
	}))

	job := f.enqueueAndClaim(t, backend.EnqueueParams{
		JobType: "plain", Timeout: time.Second, ForceKillOnTimeout: true,
	})
	require.NoError(t, f.runner.Execute(context.Background(), job))

	j := f.jobState(t, job.ID)
	assert.Equal(t, domain.FailureHandlerError, j.FailureReason)
	assert.Contains(t, j.ErrorHistory[0].Message, "forced kill")
}

func TestIsolatedHardTimeoutAbandonsHandler(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.RegisterIsolated("stuck", func(ctx context.Context, job *JobContext) error {
		time.Sleep(500 * time.Millisecond) // ignores the context on purpose
		return nil
	}))

	job := f.enqueueAndClaim(t, backend.EnqueueParams{
		JobType: "stuck", Timeout: 30 * time.Millisecond, ForceKillOnTimeout: true,
	})
	start := time.Now()
	require.NoError(t, f.runner.Execute(context.Background(), job))

	assert.Less(t, time.Since(start), 300*time.Millisecond, "runner must not wait out the handler")
	j := f.jobState(t, job.ID)
	assert.Equal(t, domain.FailureTimeout, j.FailureReason)
}

func TestIsolatedWaitPrimitivesFail(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.RegisterIsolated("waiter", func(ctx context.Context, job *JobContext) error {
		return job.WaitFor(ctx, domain.Span{Minutes: 1})
	}))

	job := f.enqueueAndClaim(t, backend.EnqueueParams{
		JobType: "waiter", Timeout: time.Second, ForceKillOnTimeout: true,
	})
	require.NoError(t, f.runner.Execute(context.Background(), job))

	j := f.jobState(t, job.ID)
	assert.Equal(t, domain.StatusFailed, j.Status)
	assert.Equal(t, domain.FailureHandlerError, j.FailureReason)
	assert.Contains(t, j.ErrorHistory[0].Message, "force-killed")
}

func TestStepMemoizationAcrossAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var calls atomic.Int32
	require.NoError(t, f.reg.Register("steps", func(ctx context.Context, job *JobContext) error {
		n, err := Step(ctx, job, "charge", func() (int, error) {
			calls.Add(1)
			return 42, nil
		})
		if err != nil {
			return err
		}
		if n != 42 {
			t.Errorf("step result = %d, want 42", n)
		}
		if job.Attempts() == 1 {
			return assert.AnError // fail after the step committed
		}
		return nil
	}))

	job := f.enqueueAndClaim(t, backend.EnqueueParams{JobType: "steps"})
	require.NoError(t, f.runner.Execute(ctx, job))
	assert.Equal(t, domain.StatusFailed, f.jobState(t, job.ID).Status)

	// Step data survived the failed attempt.
	assert.True(t, f.jobState(t, job.ID).StepData["charge"].Completed)

	retried := f.claimOne(t, 2*time.Minute)
	assert.Equal(t, 2, retried.Attempts)
	require.NoError(t, f.runner.Execute(ctx, retried))

	assert.Equal(t, domain.StatusCompleted, f.jobState(t, job.ID).Status)
	assert.EqualValues(t, 1, calls.Load(), "memoized step must not rerun")
}

func TestWaitForSuspendsAndResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var stage2 atomic.Bool
	require.NoError(t, f.reg.Register("sleepy", func(ctx context.Context, job *JobContext) error {
		if err := job.WaitFor(ctx, domain.Span{Hours: 1}); err != nil {
			return err
		}
		stage2.Store(true)
		return nil
	}))

	job := f.enqueueAndClaim(t, backend.EnqueueParams{JobType: "sleepy"})
	require.NoError(t, f.runner.Execute(ctx, job))

	j := f.jobState(t, job.ID)
	require.Equal(t, domain.StatusWaiting, j.Status)
	require.NotNil(t, j.WaitUntil)
	assert.Equal(t, f.clock.Now().Add(time.Hour), *j.WaitUntil)
	assert.False(t, stage2.Load())
	entry := j.StepData["__wait_0"]
	assert.Equal(t, domain.WaitKindDuration, entry.Type)
	assert.False(t, entry.Completed)

	resumed := f.claimOne(t, 2*time.Hour)
	assert.Equal(t, job.Attempts, resumed.Attempts, "wait resume is not a retry")
	assert.Equal(t, job.StartedAt, resumed.StartedAt)

	require.NoError(t, f.runner.Execute(ctx, resumed))
	assert.True(t, stage2.Load())
	assert.Equal(t, domain.StatusCompleted, f.jobState(t, job.ID).Status)
}

func TestWaitForTokenRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var got TokenResult
	require.NoError(t, f.reg.Register("approval", func(ctx context.Context, job *JobContext) error {
		var in struct {
			Token string `json:"token"`
		}
		if err := job.Bind(&in); err != nil {
			return err
		}
		res, err := job.WaitForToken(ctx, in.Token)
		if err != nil {
			return err
		}
		got = res
		return nil
	}))

	wp, err := f.store.CreateWaitpoint(ctx, nil, nil, nil)
	require.NoError(t, err)
	payload, _ := json.Marshal(map[string]string{"token": wp.ID})

	job := f.enqueueAndClaim(t, backend.EnqueueParams{JobType: "approval", Payload: payload})
	require.NoError(t, f.runner.Execute(ctx, job))

	j := f.jobState(t, job.ID)
	require.Equal(t, domain.StatusWaiting, j.Status)
	assert.Equal(t, wp.ID, j.WaitTokenID)

	// External completion requeues the job; replay resolves the wait.
	require.NoError(t, f.store.CompleteWaitpoint(ctx, wp.ID, json.RawMessage(`{"approved":true}`)))
	resumed := f.claimOne(t, 0)
	assert.Equal(t, 1, resumed.Attempts)

	require.NoError(t, f.runner.Execute(ctx, resumed))
	assert.Equal(t, domain.StatusCompleted, f.jobState(t, job.ID).Status)
	assert.True(t, got.OK)
	assert.JSONEq(t, `{"approved":true}`, string(got.Output))
}

func TestWaitForTokenProbeShortCircuits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.Register("probe", func(ctx context.Context, job *JobContext) error {
		var in struct {
			Token string `json:"token"`
		}
		if err := job.Bind(&in); err != nil {
			return err
		}
		res, err := job.WaitForToken(ctx, in.Token)
		if err != nil {
			return err
		}
		if !res.OK {
			return assert.AnError
		}
		return nil
	}))

	wp, err := f.store.CreateWaitpoint(ctx, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.CompleteWaitpoint(ctx, wp.ID, json.RawMessage(`"done"`)))

	payload, _ := json.Marshal(map[string]string{"token": wp.ID})
	job := f.enqueueAndClaim(t, backend.EnqueueParams{JobType: "probe", Payload: payload})
	require.NoError(t, f.runner.Execute(ctx, job))

	// Resolved token never suspends: straight to completed.
	assert.Equal(t, domain.StatusCompleted, f.jobState(t, job.ID).Status)
}

func TestWaitForTokenTimedOutResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var got TokenResult
	require.NoError(t, f.reg.Register("deadline", func(ctx context.Context, job *JobContext) error {
		var in struct {
			Token string `json:"token"`
		}
		if err := job.Bind(&in); err != nil {
			return err
		}
		res, err := job.WaitForToken(ctx, in.Token)
		if err != nil {
			return err
		}
		got = res
		return nil
	}))

	deadline := f.clock.Now().Add(10 * time.Minute)
	wp, err := f.store.CreateWaitpoint(ctx, nil, &deadline, nil)
	require.NoError(t, err)
	payload, _ := json.Marshal(map[string]string{"token": wp.ID})

	job := f.enqueueAndClaim(t, backend.EnqueueParams{JobType: "deadline", Payload: payload})
	require.NoError(t, f.runner.Execute(ctx, job))
	require.Equal(t, domain.StatusWaiting, f.jobState(t, job.ID).Status)

	f.clock.Advance(11 * time.Minute)
	n, err := f.store.ExpireTimedOutWaitpoints(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	resumed := f.claimOne(t, 0)
	require.NoError(t, f.runner.Execute(ctx, resumed))

	assert.Equal(t, domain.StatusCompleted, f.jobState(t, job.ID).Status)
	assert.False(t, got.OK)
	assert.Equal(t, "Token timed out", got.Err)
}

func TestSequentialWaitsUseDistinctKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.Register("twophase", func(ctx context.Context, job *JobContext) error {
		if err := job.WaitFor(ctx, domain.Span{Minutes: 5}); err != nil {
			return err
		}
		if err := job.WaitFor(ctx, domain.Span{Minutes: 5}); err != nil {
			return err
		}
		return nil
	}))

	job := f.enqueueAndClaim(t, backend.EnqueueParams{JobType: "twophase"})
	require.NoError(t, f.runner.Execute(ctx, job))
	j := f.jobState(t, job.ID)
	require.Equal(t, domain.StatusWaiting, j.Status)
	require.Contains(t, j.StepData, "__wait_0")

	// First resume: wait 0 resolves, wait 1 suspends.
	resumed := f.claimOne(t, 6*time.Minute)
	require.NoError(t, f.runner.Execute(ctx, resumed))

	j = f.jobState(t, job.ID)
	require.Equal(t, domain.StatusWaiting, j.Status)
	assert.True(t, j.StepData["__wait_0"].Completed)
	require.Contains(t, j.StepData, "__wait_1")
	assert.False(t, j.StepData["__wait_1"].Completed)

	// Second resume completes the job.
	resumed = f.claimOne(t, 6*time.Minute)
	require.NoError(t, f.runner.Execute(ctx, resumed))
	assert.Equal(t, domain.StatusCompleted, f.jobState(t, job.ID).Status)
	assert.Equal(t, 1, f.jobState(t, job.ID).Attempts)
}

func TestSetProgressFromHandler(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register("progress", func(ctx context.Context, job *JobContext) error {
		if err := job.SetProgress(ctx, 150); err == nil {
			t.Error("expected out-of-range progress to fail")
		}
		return job.SetProgress(ctx, 75)
	}))

	job := f.enqueueAndClaim(t, backend.EnqueueParams{JobType: "progress"})
	require.NoError(t, f.runner.Execute(context.Background(), job))

	j := f.jobState(t, job.ID)
	require.NotNil(t, j.Progress)
	assert.Equal(t, 75, *j.Progress)
}

func TestRegistryDuplicateAndEmpty(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", func(ctx context.Context, job *JobContext) error { return nil }))
	assert.Error(t, reg.Register("a", func(ctx context.Context, job *JobContext) error { return nil }))
	assert.Error(t, reg.Register("", func(ctx context.Context, job *JobContext) error { return nil }))
	assert.Error(t, reg.RegisterCommand("c", ""))
	assert.ElementsMatch(t, []string{"a"}, reg.JobTypes())
}

func TestCommandHandlerSuccess(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, f.reg.RegisterCommand("copy", "/bin/sh", "-c", "cat > "+out))

	job := f.enqueueAndClaim(t, backend.EnqueueParams{
		JobType: "copy",
		Payload: json.RawMessage(`{"path":"/tmp/a"}`),
	})
	require.NoError(t, f.runner.Execute(context.Background(), job))

	assert.Equal(t, domain.StatusCompleted, f.jobState(t, job.ID).Status)
	written, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"/tmp/a"}`, string(written))
}

func TestCommandHandlerNonZeroExitFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.RegisterCommand("broken", "/bin/sh", "-c", "echo oops >&2; exit 3"))

	job := f.enqueueAndClaim(t, backend.EnqueueParams{JobType: "broken"})
	require.NoError(t, f.runner.Execute(context.Background(), job))

	j := f.jobState(t, job.ID)
	assert.Equal(t, domain.StatusFailed, j.Status)
	assert.Equal(t, domain.FailureHandlerError, j.FailureReason)
	require.Len(t, j.ErrorHistory, 1)
	assert.Contains(t, j.ErrorHistory[0].Message, "oops") // stderr surfaced
}

func TestCommandHandlerKilledOnTimeout(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.RegisterCommand("stuck", "/bin/sh", "-c", "sleep 30"))

	job := f.enqueueAndClaim(t, backend.EnqueueParams{
		JobType:            "stuck",
		Timeout:            50 * time.Millisecond,
		ForceKillOnTimeout: true,
	})
	start := time.Now()
	require.NoError(t, f.runner.Execute(context.Background(), job))
	assert.Less(t, time.Since(start), 10*time.Second) // killed, not waited out

	j := f.jobState(t, job.ID)
	assert.Equal(t, domain.StatusFailed, j.Status)
	assert.Equal(t, domain.FailureTimeout, j.FailureReason)
}
