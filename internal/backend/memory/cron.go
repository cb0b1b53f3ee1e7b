package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/forgeq/internal/domain"
)

func (s *Store) AddCronSchedule(ctx context.Context, sched *domain.CronSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.cron {
		if existing.Name == sched.Name {
			return fmt.Errorf("%w: %q", domain.ErrCronScheduleExists, sched.Name)
		}
	}
	now := s.now()
	if sched.ID == "" {
		sched.ID = "cs_" + uuid.NewString()
	}
	if sched.Status == "" {
		sched.Status = domain.CronActive
	}
	sched.CreatedAt = now
	sched.UpdatedAt = now
	s.cron[sched.ID] = sched.Clone()
	return nil
}

func (s *Store) GetCronSchedule(ctx context.Context, id string) (*domain.CronSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.cron[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCronScheduleNotFound, id)
	}
	return sched.Clone(), nil
}

func (s *Store) GetCronScheduleByName(ctx context.Context, name string) (*domain.CronSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sched := range s.cron {
		if sched.Name == name {
			return sched.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrCronScheduleNotFound, name)
}

func (s *Store) ListCronSchedules(ctx context.Context, status domain.CronScheduleStatus) ([]*domain.CronSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.CronSchedule, 0, len(s.cron))
	for _, sched := range s.cron {
		if status != "" && sched.Status != status {
			continue
		}
		out = append(out, sched.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

func (s *Store) SetCronScheduleStatus(ctx context.Context, id string, status domain.CronScheduleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.cron[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrCronScheduleNotFound, id)
	}
	sched.Status = status
	sched.UpdatedAt = s.now()
	return nil
}

func (s *Store) RemoveCronSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cron[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrCronScheduleNotFound, id)
	}
	delete(s.cron, id)
	return nil
}

func (s *Store) EditCronSchedule(ctx context.Context, id string, u domain.CronScheduleUpdate, nextRunAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.cron[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrCronScheduleNotFound, id)
	}
	u.Apply(sched, s.now())
	if nextRunAt != nil {
		sched.NextRunAt = *nextRunAt
	}
	return nil
}

func (s *Store) GetDueCronSchedules(ctx context.Context) ([]*domain.CronSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]*domain.CronSchedule, 0)
	for _, sched := range s.cron {
		if sched.Status == domain.CronActive && !sched.NextRunAt.After(now) {
			out = append(out, sched.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

func (s *Store) UpdateCronScheduleAfterEnqueue(ctx context.Context, id string, observedNextRunAt, lastEnqueuedAt time.Time, lastJobID *int64, nextRunAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.cron[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrCronScheduleNotFound, id)
	}
	// Rival processors race on the same due schedule; the row advances
	// only for the one that still observes the due NextRunAt.
	if !sched.NextRunAt.Equal(observedNextRunAt) {
		return false, nil
	}
	le := lastEnqueuedAt
	sched.LastEnqueuedAt = &le
	if lastJobID != nil {
		jid := *lastJobID
		sched.LastJobID = &jid
	}
	sched.NextRunAt = nextRunAt
	sched.UpdatedAt = s.now()
	return true, nil
}
