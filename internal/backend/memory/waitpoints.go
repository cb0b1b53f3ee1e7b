package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/forgeq/internal/domain"
)

func (s *Store) CreateWaitpoint(ctx context.Context, jobID *int64, timeoutAt *time.Time, tags []string) (*domain.Waitpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	wp := &domain.Waitpoint{
		ID:        "wp_" + uuid.NewString(),
		Status:    domain.WaitpointWaiting,
		TimeoutAt: cloneTimePtr(timeoutAt),
		Tags:      append([]string(nil), tags...),
		CreatedAt: now,
	}
	if jobID != nil {
		id := *jobID
		wp.JobID = &id
	}
	s.waitpoints[wp.ID] = wp
	return wp.Clone(), nil
}

func (s *Store) CompleteWaitpoint(ctx context.Context, id string, output json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wp, ok := s.waitpoints[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrWaitpointNotFound, id)
	}
	if wp.Status != domain.WaitpointWaiting {
		return fmt.Errorf("%w: %s is %s", domain.ErrWaitpointNotWaiting, id, wp.Status)
	}
	now := s.now()
	wp.Status = domain.WaitpointCompleted
	wp.Output = append(json.RawMessage(nil), output...)
	wp.CompletedAt = &now

	// Token completion eagerly requeues the bound waiting job; the next
	// claim must not count this as a retry.
	s.requeueBoundJobLocked(wp)
	return nil
}

func (s *Store) GetWaitpoint(ctx context.Context, id string) (*domain.Waitpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wp, ok := s.waitpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWaitpointNotFound, id)
	}
	return wp.Clone(), nil
}

func (s *Store) ExpireTimedOutWaitpoints(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for _, wp := range s.waitpoints {
		if wp.Status != domain.WaitpointWaiting || wp.TimeoutAt == nil || wp.TimeoutAt.After(now) {
			continue
		}
		wp.Status = domain.WaitpointTimedOut
		s.requeueBoundJobLocked(wp)
		n++
	}
	return n, nil
}

// requeueBoundJobLocked returns a job waiting on wp to pending with
// runAt=now, preserving attempts via the wait-resume marker.
func (s *Store) requeueBoundJobLocked(wp *domain.Waitpoint) {
	if wp.JobID == nil {
		return
	}
	j, ok := s.jobs[*wp.JobID]
	if !ok || j.Status != domain.StatusWaiting || j.WaitTokenID != wp.ID {
		return
	}
	now := s.now()
	j.Status = domain.StatusPending
	j.RunAt = now
	j.WaitUntil = nil
	j.WaitTokenID = ""
	j.WaitResume = true
	j.UpdatedAt = now
}
