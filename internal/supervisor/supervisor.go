// Package supervisor runs the background maintenance tasks: stuck-job
// reclamation, retention cleanup and waitpoint expiry. It is independent
// of the processors and safe to run alongside any number of them.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rezkam/forgeq/internal/backend"
)

const (
	defaultInterval       = time.Minute
	defaultStuckTimeout   = 30 * time.Minute
	defaultJobRetention   = 7 * 24 * time.Hour
	defaultEventRetention = 30 * 24 * time.Hour
	defaultBatchSize      = 1000
	defaultDrainTimeout   = 30 * time.Second
)

// Config tunes one supervisor instance. Zero durations take the documented
// defaults; the feature toggles default to everything enabled.
type Config struct {
	Interval time.Duration // cycle period, default 1m

	StuckTimeout   time.Duration // lease age before reclaim, default 30m
	JobRetention   time.Duration // completed-job retention, default 7d
	EventRetention time.Duration // event retention, default 30d
	BatchSize      int           // cleanup batch size, default 1000

	DisableReclaim         bool
	DisableJobCleanup      bool
	DisableEventCleanup    bool
	DisableWaitpointExpiry bool

	OnError func(error)
	Logger  *slog.Logger
}

type Supervisor struct {
	cfg Config
	be  backend.Backend
	log *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(be backend.Backend, cfg Config) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = defaultStuckTimeout
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = defaultJobRetention
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = defaultEventRetention
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, be: be, log: cfg.Logger}
}

// Stats counts the work one cycle performed.
type Stats struct {
	Reclaimed         int64
	JobsDeleted       int64
	EventsDeleted     int64
	WaitpointsExpired int64
}

// Start runs exactly one maintenance cycle. Task failures are reported and
// never prevent the sibling tasks.
func (s *Supervisor) Start(ctx context.Context) Stats {
	var st Stats

	if !s.cfg.DisableReclaim {
		n, err := s.be.ReclaimStuck(ctx, s.cfg.StuckTimeout)
		if err != nil {
			s.reportError(fmt.Errorf("reclaim stuck jobs: %w", err))
		} else {
			st.Reclaimed = n
			if n > 0 {
				s.log.WarnContext(ctx, "reclaimed stuck jobs", "count", n, "older_than", s.cfg.StuckTimeout)
			}
		}
	}

	if !s.cfg.DisableJobCleanup {
		cutoff := time.Now().Add(-s.cfg.JobRetention)
		n, err := s.be.DeleteCompletedJobsBefore(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			s.reportError(fmt.Errorf("cleanup completed jobs: %w", err))
		} else {
			st.JobsDeleted = n
		}
	}

	if !s.cfg.DisableEventCleanup {
		cutoff := time.Now().Add(-s.cfg.EventRetention)
		n, err := s.be.DeleteEventsBefore(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			s.reportError(fmt.Errorf("cleanup job events: %w", err))
		} else {
			st.EventsDeleted = n
		}
	}

	if !s.cfg.DisableWaitpointExpiry {
		n, err := s.be.ExpireTimedOutWaitpoints(ctx)
		if err != nil {
			s.reportError(fmt.Errorf("expire waitpoints: %w", err))
		} else {
			st.WaitpointsExpired = n
		}
	}

	return st
}

// StartInBackground launches the serialized maintenance loop.
func (s *Supervisor) StartInBackground() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(ctx, s.done)
}

func (s *Supervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.Start(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop clears the loop without waiting on the current cycle.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.running = false
}

// StopAndDrain stops the loop and waits for the current cycle up to the
// given timeout (default 30s).
func (s *Supervisor) StopAndDrain(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultDrainTimeout
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.running = false
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("supervisor drain timed out after %s", timeout)
	}
}

func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) reportError(err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
		return
	}
	s.log.Error("supervisor error", "error", err)
}
