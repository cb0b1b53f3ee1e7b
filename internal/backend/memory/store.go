// Package memory provides an in-memory Backend used by unit tests and
// embedded deployments. A single mutex stands in for the relational store's
// row-level locking, which makes every transition trivially atomic.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rezkam/forgeq/internal/backend"
	"github.com/rezkam/forgeq/internal/domain"
)

// Store is an in-memory backend.Backend.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	nextJobID   int64
	nextEventID int64

	jobs       map[int64]*domain.Job
	events     map[int64][]*domain.JobEvent
	waitpoints map[string]*domain.Waitpoint
	cron       map[string]*domain.CronSchedule
	idemKeys   map[string]int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Tests use this to step through
// retry backoff and wait deadlines without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		now:        func() time.Time { return time.Now().UTC() },
		jobs:       make(map[int64]*domain.Job),
		events:     make(map[int64][]*domain.JobEvent),
		waitpoints: make(map[string]*domain.Waitpoint),
		cron:       make(map[string]*domain.CronSchedule),
		idemKeys:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ backend.Backend = (*Store)(nil)

// === Jobs ===

func (s *Store) Enqueue(ctx context.Context, p backend.EnqueueParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	if p.IdempotencyKey != "" {
		if id, ok := s.idemKeys[p.IdempotencyKey]; ok {
			if j, live := s.jobs[id]; live && !j.Status.IsTerminal() {
				return id, nil
			}
		}
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = backend.DefaultMaxAttempts
	}
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	retryBackoff := p.RetryBackoff
	if retryBackoff == "" {
		retryBackoff = domain.BackoffExponential
	}

	s.nextJobID++
	j := &domain.Job{
		ID:                 s.nextJobID,
		JobType:            p.JobType,
		Payload:            append(json.RawMessage(nil), p.Payload...),
		IdempotencyKey:     p.IdempotencyKey,
		Tags:               append([]string(nil), p.Tags...),
		Priority:           p.Priority,
		RunAt:              runAt,
		Timeout:            p.Timeout,
		ForceKillOnTimeout: p.ForceKillOnTimeout,
		MaxAttempts:        maxAttempts,
		RetryDelay:         p.RetryDelay,
		RetryBackoff:       retryBackoff,
		RetryDelayMax:      p.RetryDelayMax,
		Status:             domain.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	s.jobs[j.ID] = j
	if p.IdempotencyKey != "" {
		s.idemKeys[p.IdempotencyKey] = j.ID
	}
	s.recordEvent(j.ID, domain.EventAdded, map[string]any{"jobType": j.JobType})
	return j.ID, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrJobNotFound, id)
	}
	return j.Clone(), nil
}

func (s *Store) ListJobs(ctx context.Context, f domain.JobFilter, limit, offset int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.jobs))
	for id, j := range s.jobs {
		if f.Matches(j) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	if offset > len(ids) {
		offset = len(ids)
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	out := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.jobs[id].Clone())
	}
	return out, nil
}

func (s *Store) ClaimBatch(ctx context.Context, workerID string, batchSize int, jobTypes []string) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	eligible := make([]*domain.Job, 0)
	for _, j := range s.jobs {
		if len(jobTypes) > 0 && !containsString(jobTypes, j.JobType) {
			continue
		}
		switch j.Status {
		case domain.StatusPending:
			// A wait-resumed row is claimable even with attempts
			// exhausted: resuming is not a retry.
			if !j.RunAt.After(now) && (j.Attempts < j.MaxAttempts || j.WaitResume) {
				eligible = append(eligible, j)
			}
		case domain.StatusFailed:
			if j.NextAttemptAt != nil && !j.NextAttemptAt.After(now) && j.Attempts < j.MaxAttempts {
				eligible = append(eligible, j)
			}
		case domain.StatusWaiting:
			if j.WaitTokenID == "" && j.WaitUntil != nil && !j.WaitUntil.After(now) {
				eligible = append(eligible, j)
			}
		}
	}

	sort.Slice(eligible, func(a, b int) bool {
		if eligible[a].Priority != eligible[b].Priority {
			return eligible[a].Priority > eligible[b].Priority
		}
		if !eligible[a].CreatedAt.Equal(eligible[b].CreatedAt) {
			return eligible[a].CreatedAt.Before(eligible[b].CreatedAt)
		}
		return eligible[a].ID < eligible[b].ID
	})
	if batchSize > 0 && len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}

	claimed := make([]*domain.Job, 0, len(eligible))
	for _, j := range eligible {
		resumingFromWait := j.Status == domain.StatusWaiting || j.WaitResume

		j.Status = domain.StatusProcessing
		j.LockedBy = workerID
		t := now
		j.LockedAt = &t
		j.PendingReason = ""
		j.WaitUntil = nil
		j.NextAttemptAt = nil
		j.WaitResume = false

		if !resumingFromWait {
			j.Attempts++
			if j.Attempts > 1 {
				lr := now
				j.LastRetriedAt = &lr
			}
		}
		if j.StartedAt == nil {
			st := now
			j.StartedAt = &st
		}
		j.UpdatedAt = now

		s.recordEvent(j.ID, domain.EventProcessing, map[string]any{
			"workerId": workerID,
			"attempt":  j.Attempts,
		})
		claimed = append(claimed, j.Clone())
	}
	return claimed, nil
}

func (s *Store) Complete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %d", domain.ErrJobNotFound, id)
	}
	if j.Status != domain.StatusProcessing {
		return fmt.Errorf("%w: complete from %s", domain.ErrInvalidTransition, j.Status)
	}
	now := s.now()
	j.Status = domain.StatusCompleted
	j.CompletedAt = &now
	j.StepData = nil
	j.WaitUntil = nil
	j.WaitTokenID = ""
	j.LockedBy = ""
	j.LockedAt = nil
	j.UpdatedAt = now
	s.recordEvent(id, domain.EventCompleted, nil)
	return nil
}

func (s *Store) Fail(ctx context.Context, id int64, msg string, reason domain.FailureReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %d", domain.ErrJobNotFound, id)
	}
	if j.Status != domain.StatusProcessing && j.Status != domain.StatusPending {
		return fmt.Errorf("%w: fail from %s", domain.ErrInvalidTransition, j.Status)
	}
	now := s.now()
	j.ErrorHistory = append(j.ErrorHistory, domain.ErrorEntry{Message: msg, Timestamp: now})
	j.Status = domain.StatusFailed
	j.FailureReason = reason
	j.LastFailedAt = &now
	j.LockedBy = ""
	j.LockedAt = nil
	if j.Attempts < j.MaxAttempts {
		next := now.Add(j.RetryDelayFor(j.Attempts))
		j.NextAttemptAt = &next
	} else {
		j.NextAttemptAt = nil
	}
	j.UpdatedAt = now
	s.recordEvent(id, domain.EventFailed, map[string]any{
		"error":  msg,
		"reason": string(reason),
	})
	return nil
}

func (s *Store) Wait(ctx context.Context, id int64, waitUntil *time.Time, tokenID string, steps domain.StepData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %d", domain.ErrJobNotFound, id)
	}
	if j.Status != domain.StatusProcessing {
		return fmt.Errorf("%w: wait from %s", domain.ErrInvalidTransition, j.Status)
	}
	now := s.now()
	j.Status = domain.StatusWaiting
	j.WaitUntil = cloneTimePtr(waitUntil)
	j.WaitTokenID = tokenID
	j.StepData = steps.Clone()
	j.LockedBy = ""
	j.LockedAt = nil
	j.UpdatedAt = now

	// Bind the waitpoint to the suspended job so that completion or
	// expiry can requeue it.
	if tokenID != "" {
		if wp, ok := s.waitpoints[tokenID]; ok && wp.JobID == nil {
			jid := id
			wp.JobID = &jid
		}
	}

	meta := map[string]any{}
	if waitUntil != nil {
		meta["waitUntil"] = waitUntil.Format(time.RFC3339Nano)
	}
	if tokenID != "" {
		meta["tokenId"] = tokenID
	}
	s.recordEvent(id, domain.EventWaiting, meta)
	return nil
}

func (s *Store) SaveStepData(ctx context.Context, id int64, steps domain.StepData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %d", domain.ErrJobNotFound, id)
	}
	j.StepData = steps.Clone()
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) Prolong(ctx context.Context, id int64, workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.StatusProcessing {
		return
	}
	now := s.now()
	j.LockedAt = &now
	j.UpdatedAt = now
	s.recordEvent(id, domain.EventProlonged, map[string]any{"workerId": workerID})
}

func (s *Store) SetProgress(ctx context.Context, id int64, pct int) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidProgress, pct)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %d", domain.ErrJobNotFound, id)
	}
	j.Progress = &pct
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) SetPendingReason(ctx context.Context, jobType, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, j := range s.jobs {
		if j.JobType == jobType && j.Status == domain.StatusPending {
			j.PendingReason = reason
			j.UpdatedAt = now
		}
	}
	return nil
}

func (s *Store) Retry(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %d", domain.ErrJobNotFound, id)
	}
	if j.Status != domain.StatusFailed && j.Status != domain.StatusProcessing {
		return nil // no-op per contract
	}
	now := s.now()
	j.Status = domain.StatusPending
	j.LockedBy = ""
	j.LockedAt = nil
	j.NextAttemptAt = &now
	j.LastRetriedAt = &now
	j.RunAt = now
	j.UpdatedAt = now
	s.recordEvent(id, domain.EventRetried, nil)
	return nil
}

func (s *Store) Cancel(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %d", domain.ErrJobNotFound, id)
	}
	s.cancelLocked(j)
	return nil
}

func (s *Store) cancelLocked(j *domain.Job) bool {
	if j.Status != domain.StatusPending && j.Status != domain.StatusWaiting {
		return false
	}
	now := s.now()
	j.Status = domain.StatusCancelled
	j.WaitUntil = nil
	j.WaitTokenID = ""
	j.LastCancelledAt = &now
	j.UpdatedAt = now
	s.recordEvent(j.ID, domain.EventCancelled, nil)
	return true
}

func (s *Store) Edit(ctx context.Context, id int64, u domain.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %d", domain.ErrJobNotFound, id)
	}
	if j.Status != domain.StatusPending {
		return fmt.Errorf("%w: edit from %s", domain.ErrInvalidTransition, j.Status)
	}
	u.Apply(j, s.now())
	s.recordEvent(id, domain.EventEdited, nil)
	return nil
}

func (s *Store) CancelWhere(ctx context.Context, f domain.JobFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if (j.Status == domain.StatusPending || j.Status == domain.StatusWaiting) && f.Matches(j) {
			if s.cancelLocked(j) {
				n++
			}
		}
	}
	return n, nil
}

func (s *Store) EditWhere(ctx context.Context, f domain.JobFilter, u domain.JobUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for _, j := range s.jobs {
		if j.Status == domain.StatusPending && f.Matches(j) {
			u.Apply(j, now)
			s.recordEvent(j.ID, domain.EventEdited, nil)
			n++
		}
	}
	return n, nil
}

func (s *Store) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-olderThan)
	var n int64
	for _, j := range s.jobs {
		if j.Status == domain.StatusProcessing && j.LockedAt != nil && j.LockedAt.Before(cutoff) {
			j.Status = domain.StatusPending
			j.LockedBy = ""
			j.LockedAt = nil
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteCompletedJobsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.Status == domain.StatusCompleted && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			if j.IdempotencyKey != "" && s.idemKeys[j.IdempotencyKey] == id {
				delete(s.idemKeys, j.IdempotencyKey)
			}
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for jobID, evs := range s.events {
		kept := evs[:0]
		for _, e := range evs {
			if e.CreatedAt.Before(cutoff) {
				n++
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.events, jobID)
		} else {
			s.events[jobID] = kept
		}
	}
	return n, nil
}

func (s *Store) ListEvents(ctx context.Context, jobID int64) ([]*domain.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[jobID]
	out := make([]*domain.JobEvent, len(evs))
	for i, e := range evs {
		c := *e
		out[i] = &c
	}
	return out, nil
}

// recordEvent appends an audit entry. Callers hold the mutex.
func (s *Store) recordEvent(jobID int64, typ domain.EventType, metadata map[string]any) {
	var raw json.RawMessage
	if metadata != nil {
		// Marshalling a map of strings and ints cannot fail; a nil raw
		// metadata field is acceptable regardless.
		raw, _ = json.Marshal(metadata)
	}
	s.nextEventID++
	s.events[jobID] = append(s.events[jobID], &domain.JobEvent{
		ID:        s.nextEventID,
		JobID:     jobID,
		Type:      typ,
		Metadata:  raw,
		CreatedAt: s.now(),
	})
}

func containsString(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
