package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/forgeq/internal/backend"
	"github.com/rezkam/forgeq/internal/domain"
)

// fakeClock lets tests step through retry backoff and wait deadlines.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time              { return c.now }
func (c *fakeClock) Advance(d time.Duration)     { c.now = c.now.Add(d) }
func newFakeClock() *fakeClock                   { return &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)} }
func newStore(c *fakeClock) *Store               { return New(WithClock(c.Now)) }
func enq(t *testing.T, s *Store, p backend.EnqueueParams) int64 {
	t.Helper()
	id, err := s.Enqueue(context.Background(), p)
	require.NoError(t, err)
	return id
}

func TestEnqueueDefaults(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	id := enq(t, s, backend.EnqueueParams{JobType: "email", Payload: json.RawMessage(`{"x":1}`)})

	j, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, j.Status)
	assert.Equal(t, 3, j.MaxAttempts)
	assert.Equal(t, 0, j.Attempts)
	assert.Equal(t, clock.Now(), j.RunAt)
	assert.Equal(t, domain.BackoffExponential, j.RetryBackoff)

	events, err := s.ListEvents(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventAdded, events[0].Type)
}

func TestEnqueueIdempotencyKeyReturnsExistingID(t *testing.T) {
	s := newStore(newFakeClock())

	first := enq(t, s, backend.EnqueueParams{JobType: "email", IdempotencyKey: "K"})
	second := enq(t, s, backend.EnqueueParams{JobType: "email", IdempotencyKey: "K"})
	assert.Equal(t, first, second)

	jobs, err := s.ListJobs(context.Background(), domain.JobFilter{}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestClaimBatchOrderingAndLimit(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	low := enq(t, s, backend.EnqueueParams{JobType: "t", Priority: 0})
	clock.Advance(time.Second)
	high := enq(t, s, backend.EnqueueParams{JobType: "t", Priority: 5})
	clock.Advance(time.Second)
	mid := enq(t, s, backend.EnqueueParams{JobType: "t", Priority: 3})

	claimed, err := s.ClaimBatch(ctx, "w1", 2, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, high, claimed[0].ID)
	assert.Equal(t, mid, claimed[1].ID)

	// The remaining job is claimable by a second worker; the first two are locked.
	claimed2, err := s.ClaimBatch(ctx, "w2", 10, nil)
	require.NoError(t, err)
	require.Len(t, claimed2, 1)
	assert.Equal(t, low, claimed2[0].ID)
}

func TestClaimSetsLeaseAndAttempts(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	id := enq(t, s, backend.EnqueueParams{JobType: "t"})
	claimed, err := s.ClaimBatch(ctx, "w1", 1, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	j := claimed[0]
	assert.Equal(t, domain.StatusProcessing, j.Status)
	assert.Equal(t, "w1", j.LockedBy)
	require.NotNil(t, j.LockedAt)
	assert.Equal(t, 1, j.Attempts)
	require.NotNil(t, j.StartedAt)
	assert.Nil(t, j.LastRetriedAt)

	// Rival worker cannot claim a locked row.
	claimed2, err := s.ClaimBatch(ctx, "w2", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, claimed2)
	_ = id
}

func TestClaimRespectsRunAtAndJobTypeFilter(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	enq(t, s, backend.EnqueueParams{JobType: "later", RunAt: clock.Now().Add(time.Hour)})
	wanted := enq(t, s, backend.EnqueueParams{JobType: "now"})

	claimed, err := s.ClaimBatch(ctx, "w1", 10, []string{"now"})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, wanted, claimed[0].ID)

	claimed, err = s.ClaimBatch(ctx, "w1", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, claimed) // "later" is not due yet
}

func TestCompleteClearsStepDataAndLease(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	id := enq(t, s, backend.EnqueueParams{JobType: "t"})
	_, err := s.ClaimBatch(ctx, "w1", 1, nil)
	require.NoError(t, err)
	require.NoError(t, s.SaveStepData(ctx, id, domain.StepData{"s1": {Completed: true}}))

	require.NoError(t, s.Complete(ctx, id))

	j, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, j.Status)
	require.NotNil(t, j.CompletedAt)
	assert.Empty(t, j.StepData)
	assert.Empty(t, j.LockedBy)
	assert.Nil(t, j.WaitUntil)
	assert.Empty(t, j.WaitTokenID)

	// completed is terminal for Complete.
	assert.ErrorIs(t, s.Complete(ctx, id), domain.ErrInvalidTransition)

	events, err := s.ListEvents(ctx, id)
	require.NoError(t, err)
	types := make([]domain.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []domain.EventType{domain.EventAdded, domain.EventProcessing, domain.EventCompleted}, types)
}

func TestFailSchedulesExponentialBackoff(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	id := enq(t, s, backend.EnqueueParams{JobType: "t", MaxAttempts: 3})

	// Attempt 1 fails: next attempt in 2^0 = 1 minute.
	_, err := s.ClaimBatch(ctx, "w1", 1, nil)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, id, "boom", domain.FailureHandlerError))
	j, _ := s.GetJob(ctx, id)
	require.NotNil(t, j.NextAttemptAt)
	assert.Equal(t, clock.Now().Add(time.Minute), *j.NextAttemptAt)
	require.Len(t, j.ErrorHistory, 1)
	assert.Equal(t, "boom", j.ErrorHistory[0].Message)

	// Attempt 2 fails: 2 minutes.
	clock.Advance(2 * time.Minute)
	claimed, err := s.ClaimBatch(ctx, "w1", 1, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, s.Fail(ctx, id, "boom", domain.FailureHandlerError))
	j, _ = s.GetJob(ctx, id)
	require.NotNil(t, j.NextAttemptAt)
	assert.Equal(t, clock.Now().Add(2*time.Minute), *j.NextAttemptAt)

	// Attempt 3 fails: attempts exhausted, no next attempt.
	clock.Advance(3 * time.Minute)
	claimed, err = s.ClaimBatch(ctx, "w1", 1, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 3, claimed[0].Attempts)
	require.NoError(t, s.Fail(ctx, id, "boom", domain.FailureHandlerError))
	j, _ = s.GetJob(ctx, id)
	assert.Nil(t, j.NextAttemptAt)
	assert.Len(t, j.ErrorHistory, 3)

	// Exhausted: not claimable anymore.
	clock.Advance(time.Hour)
	claimed, err = s.ClaimBatch(ctx, "w1", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestFailedClaimStampsLastRetriedAt(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	id := enq(t, s, backend.EnqueueParams{JobType: "t", MaxAttempts: 2})
	_, err := s.ClaimBatch(ctx, "w1", 1, nil)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, id, "x", domain.FailureHandlerError))

	clock.Advance(2 * time.Minute)
	claimed, err := s.ClaimBatch(ctx, "w1", 1, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)
	require.NotNil(t, claimed[0].LastRetriedAt)
}

func TestRetryReturnsFailedJobToPending(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	id := enq(t, s, backend.EnqueueParams{JobType: "t", MaxAttempts: 1})
	_, err := s.ClaimBatch(ctx, "w1", 1, nil)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, id, "x", domain.FailureHandlerError))

	require.NoError(t, s.Retry(ctx, id))
	j, _ := s.GetJob(ctx, id)
	assert.Equal(t, domain.StatusPending, j.Status)
	assert.Equal(t, 1, j.Attempts) // attempts are never reset
	require.NotNil(t, j.LastRetriedAt)
}

func TestRetryIsNoOpForPending(t *testing.T) {
	s := newStore(newFakeClock())
	ctx := context.Background()

	id := enq(t, s, backend.EnqueueParams{JobType: "t"})
	require.NoError(t, s.Retry(ctx, id))
	j, _ := s.GetJob(ctx, id)
	assert.Equal(t, domain.StatusPending, j.Status)

	events, _ := s.ListEvents(ctx, id)
	require.Len(t, events, 1) // no retried event recorded
}

func TestCancelSemantics(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	pending := enq(t, s, backend.EnqueueParams{JobType: "t"})
	require.NoError(t, s.Cancel(ctx, pending))
	j, _ := s.GetJob(ctx, pending)
	assert.Equal(t, domain.StatusCancelled, j.Status)
	require.NotNil(t, j.LastCancelledAt)

	// Cancelling again is a no-op.
	require.NoError(t, s.Cancel(ctx, pending))

	// Processing jobs are not cancellable.
	running := enq(t, s, backend.EnqueueParams{JobType: "t"})
	_, err := s.ClaimBatch(ctx, "w1", 1, nil)
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, running))
	j, _ = s.GetJob(ctx, running)
	assert.Equal(t, domain.StatusProcessing, j.Status)
}

func TestEditOnlyPending(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	id := enq(t, s, backend.EnqueueParams{JobType: "t", Priority: 1})
	p9 := 9
	require.NoError(t, s.Edit(ctx, id, domain.JobUpdate{Priority: &p9}))
	j, _ := s.GetJob(ctx, id)
	assert.Equal(t, 9, j.Priority)

	_, err := s.ClaimBatch(ctx, "w1", 1, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Edit(ctx, id, domain.JobUpdate{Priority: &p9}), domain.ErrInvalidTransition)
}

func TestEditRunNowMakesJobClaimable(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	id := enq(t, s, backend.EnqueueParams{JobType: "t", RunAt: clock.Now().Add(time.Hour)})
	claimed, _ := s.ClaimBatch(ctx, "w1", 10, nil)
	assert.Empty(t, claimed)

	require.NoError(t, s.Edit(ctx, id, domain.JobUpdate{RunNow: true}))
	claimed, _ = s.ClaimBatch(ctx, "w1", 10, nil)
	assert.Len(t, claimed, 1)
}

func TestBulkCancelAndEdit(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	enq(t, s, backend.EnqueueParams{JobType: "a", Tags: []string{"x"}})
	enq(t, s, backend.EnqueueParams{JobType: "a", Tags: []string{"y"}})
	enq(t, s, backend.EnqueueParams{JobType: "b", Tags: []string{"x"}})

	n, err := s.CancelWhere(ctx, domain.JobFilter{JobType: "a"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	p7 := 7
	n, err = s.EditWhere(ctx, domain.JobFilter{JobType: "b"}, domain.JobUpdate{Priority: &p7})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestReclaimStuck(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	id := enq(t, s, backend.EnqueueParams{JobType: "t"})
	_, err := s.ClaimBatch(ctx, "w1", 1, nil)
	require.NoError(t, err)

	// Within the lease window: nothing reclaimed.
	n, err := s.ReclaimStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	clock.Advance(11 * time.Minute)
	n, err = s.ReclaimStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	j, _ := s.GetJob(ctx, id)
	assert.Equal(t, domain.StatusPending, j.Status)
	assert.Empty(t, j.LockedBy)
	assert.Nil(t, j.LockedAt)
	assert.Empty(t, j.ErrorHistory) // recovery, not a handler error
}

func TestProlongDefeatsReclaim(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	id := enq(t, s, backend.EnqueueParams{JobType: "t"})
	_, err := s.ClaimBatch(ctx, "w1", 1, nil)
	require.NoError(t, err)

	clock.Advance(8 * time.Minute)
	s.Prolong(ctx, id, "w1")
	clock.Advance(8 * time.Minute)

	// Lease was refreshed 8 minutes ago; a 10 minute cutoff keeps it.
	n, err := s.ReclaimStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	j, _ := s.GetJob(ctx, id)
	assert.Equal(t, domain.StatusProcessing, j.Status)
}

func TestWaitAndResumeDoesNotIncrementAttempts(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	id := enq(t, s, backend.EnqueueParams{JobType: "t"})
	_, err := s.ClaimBatch(ctx, "w1", 1, nil)
	require.NoError(t, err)

	until := clock.Now().Add(time.Minute)
	steps := domain.StepData{"__wait_0": {Type: domain.WaitKindDuration}}
	require.NoError(t, s.Wait(ctx, id, &until, "", steps))

	j, _ := s.GetJob(ctx, id)
	assert.Equal(t, domain.StatusWaiting, j.Status)
	require.NotNil(t, j.WaitUntil)
	startedAt := j.StartedAt

	// Not due yet.
	claimed, _ := s.ClaimBatch(ctx, "w1", 10, nil)
	assert.Empty(t, claimed)

	clock.Advance(2 * time.Minute)
	claimed, err = s.ClaimBatch(ctx, "w1", 10, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts) // unchanged across the wait
	assert.Equal(t, startedAt, claimed[0].StartedAt)
	assert.Nil(t, claimed[0].WaitUntil)
}

func TestTokenCompletionRequeuesBoundJob(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	id := enq(t, s, backend.EnqueueParams{JobType: "t"})
	_, err := s.ClaimBatch(ctx, "w1", 1, nil)
	require.NoError(t, err)

	wp, err := s.CreateWaitpoint(ctx, nil, nil, nil)
	require.NoError(t, err)
	steps := domain.StepData{"__wait_0": {Type: domain.WaitKindToken, TokenID: wp.ID}}
	require.NoError(t, s.Wait(ctx, id, nil, wp.ID, steps))

	// Waiting on a token: not claimable by time.
	clock.Advance(time.Hour)
	claimed, _ := s.ClaimBatch(ctx, "w1", 10, nil)
	assert.Empty(t, claimed)

	require.NoError(t, s.CompleteWaitpoint(ctx, wp.ID, json.RawMessage(`{"status":"approved"}`)))

	j, _ := s.GetJob(ctx, id)
	assert.Equal(t, domain.StatusPending, j.Status)
	assert.Empty(t, j.WaitTokenID)

	claimed, err = s.ClaimBatch(ctx, "w1", 10, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts) // token resume is not a retry

	got, err := s.GetWaitpoint(ctx, wp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WaitpointCompleted, got.Status)
	assert.JSONEq(t, `{"status":"approved"}`, string(got.Output))
}

func TestTokenResumeClaimableWithAttemptsExhausted(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	id := enq(t, s, backend.EnqueueParams{JobType: "t", MaxAttempts: 1})
	claimed, err := s.ClaimBatch(ctx, "w1", 1, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)

	wp, err := s.CreateWaitpoint(ctx, nil, nil, nil)
	require.NoError(t, err)
	steps := domain.StepData{"__wait_0": {Type: domain.WaitKindToken, TokenID: wp.ID}}
	require.NoError(t, s.Wait(ctx, id, nil, wp.ID, steps))

	require.NoError(t, s.CompleteWaitpoint(ctx, wp.ID, json.RawMessage(`{}`)))

	// The resumed row has attempts == maxAttempts, but resuming is not a
	// retry: it must still be claimable, exactly once.
	claimed, err = s.ClaimBatch(ctx, "w1", 10, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.False(t, claimed[0].WaitResume)

	// A handler failure after the resume does not earn another attempt.
	require.NoError(t, s.Fail(ctx, id, "boom", domain.FailureHandlerError))
	claimed, err = s.ClaimBatch(ctx, "w1", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestExpireTimedOutWaitpoints(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	id := enq(t, s, backend.EnqueueParams{JobType: "t"})
	_, err := s.ClaimBatch(ctx, "w1", 1, nil)
	require.NoError(t, err)

	deadline := clock.Now().Add(10 * time.Minute)
	wp, err := s.CreateWaitpoint(ctx, nil, &deadline, nil)
	require.NoError(t, err)
	require.NoError(t, s.Wait(ctx, id, nil, wp.ID, nil))

	n, err := s.ExpireTimedOutWaitpoints(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	clock.Advance(11 * time.Minute)
	n, err = s.ExpireTimedOutWaitpoints(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, _ := s.GetWaitpoint(ctx, wp.ID)
	assert.Equal(t, domain.WaitpointTimedOut, got.Status)

	j, _ := s.GetJob(ctx, id)
	assert.Equal(t, domain.StatusPending, j.Status)
	assert.Equal(t, clock.Now(), j.RunAt)
}

func TestCompleteWaitpointTwiceFails(t *testing.T) {
	s := newStore(newFakeClock())
	ctx := context.Background()

	wp, err := s.CreateWaitpoint(ctx, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.CompleteWaitpoint(ctx, wp.ID, nil))
	assert.ErrorIs(t, s.CompleteWaitpoint(ctx, wp.ID, nil), domain.ErrWaitpointNotWaiting)
}

func TestSetProgressValidation(t *testing.T) {
	s := newStore(newFakeClock())
	ctx := context.Background()

	id := enq(t, s, backend.EnqueueParams{JobType: "t"})
	require.NoError(t, s.SetProgress(ctx, id, 42))
	j, _ := s.GetJob(ctx, id)
	require.NotNil(t, j.Progress)
	assert.Equal(t, 42, *j.Progress)

	assert.ErrorIs(t, s.SetProgress(ctx, id, 101), domain.ErrInvalidProgress)
	assert.ErrorIs(t, s.SetProgress(ctx, id, -1), domain.ErrInvalidProgress)
}

func TestSetPendingReason(t *testing.T) {
	s := newStore(newFakeClock())
	ctx := context.Background()

	a := enq(t, s, backend.EnqueueParams{JobType: "orphan"})
	b := enq(t, s, backend.EnqueueParams{JobType: "orphan"})
	other := enq(t, s, backend.EnqueueParams{JobType: "other"})

	require.NoError(t, s.SetPendingReason(ctx, "orphan", "no handler registered"))

	for _, id := range []int64{a, b} {
		j, _ := s.GetJob(ctx, id)
		assert.Equal(t, "no handler registered", j.PendingReason)
	}
	j, _ := s.GetJob(ctx, other)
	assert.Empty(t, j.PendingReason)
}

func TestCleanupDeletesOldRows(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	id := enq(t, s, backend.EnqueueParams{JobType: "t"})
	_, err := s.ClaimBatch(ctx, "w1", 1, nil)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, id))

	clock.Advance(48 * time.Hour)
	n, err := s.DeleteCompletedJobsBefore(ctx, clock.Now().Add(-24*time.Hour), 100)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = s.GetJob(ctx, id)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	n, err = s.DeleteEventsBefore(ctx, clock.Now(), 100)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n) // added, processing, completed
}

func TestCronScheduleCASPreventsDoubleAdvance(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	sched := &domain.CronSchedule{
		Name:           "nightly",
		CronExpression: "0 0 * * *",
		JobType:        "report",
		Timezone:       "UTC",
		NextRunAt:      clock.Now(),
	}
	require.NoError(t, s.AddCronSchedule(ctx, sched))

	observed := sched.NextRunAt
	next := observed.Add(24 * time.Hour)

	ok, err := s.UpdateCronScheduleAfterEnqueue(ctx, sched.ID, observed, clock.Now(), nil, next)
	require.NoError(t, err)
	assert.True(t, ok)

	// A rival processor observing the stale NextRunAt loses the swap.
	ok, err = s.UpdateCronScheduleAfterEnqueue(ctx, sched.ID, observed, clock.Now(), nil, next.Add(24*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := s.GetCronSchedule(ctx, sched.ID)
	assert.Equal(t, next, got.NextRunAt)
}

func TestCronScheduleUniqueName(t *testing.T) {
	s := newStore(newFakeClock())
	ctx := context.Background()

	require.NoError(t, s.AddCronSchedule(ctx, &domain.CronSchedule{Name: "n", CronExpression: "* * * * *"}))
	err := s.AddCronSchedule(ctx, &domain.CronSchedule{Name: "n", CronExpression: "* * * * *"})
	assert.ErrorIs(t, err, domain.ErrCronScheduleExists)
}

func TestCronSchedulePauseResumeAndDue(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	sched := &domain.CronSchedule{Name: "n", CronExpression: "* * * * *", NextRunAt: clock.Now()}
	require.NoError(t, s.AddCronSchedule(ctx, sched))

	due, err := s.GetDueCronSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	require.NoError(t, s.SetCronScheduleStatus(ctx, sched.ID, domain.CronPaused))
	due, err = s.GetDueCronSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, s.SetCronScheduleStatus(ctx, sched.ID, domain.CronActive))
	due, err = s.GetDueCronSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestEventTimestampsNotBeforeJobCreation(t *testing.T) {
	clock := newFakeClock()
	s := newStore(clock)
	ctx := context.Background()

	id := enq(t, s, backend.EnqueueParams{JobType: "t"})
	clock.Advance(time.Second)
	_, err := s.ClaimBatch(ctx, "w1", 1, nil)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, id))

	j, _ := s.GetJob(ctx, id)
	events, _ := s.ListEvents(ctx, id)
	for _, e := range events {
		assert.False(t, e.CreatedAt.Before(j.CreatedAt))
	}
}
