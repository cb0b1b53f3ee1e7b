// Package processor pulls claimed batches from the backend and dispatches
// them through the handler runtime with bounded concurrency. Multiple
// processors, in one process or many, coordinate only through the store.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/forgeq/internal/backend"
	"github.com/rezkam/forgeq/internal/domain"
	"github.com/rezkam/forgeq/internal/runtime"
)

const (
	defaultBatchSize    = 10
	defaultPollInterval = 5 * time.Second
	defaultConcurrency  = 3
	defaultDrainTimeout = 30 * time.Second
)

// CronHook runs at the head of each cycle, enqueueing due cron jobs. The
// queue façade supplies it; a nil hook skips the step.
type CronHook func(ctx context.Context) (int, error)

// Config tunes one processor instance.
type Config struct {
	// WorkerID identifies this instance in job leases. Defaults to a
	// random uuid.
	WorkerID string

	BatchSize    int           // default 10
	PollInterval time.Duration // default 5s
	Concurrency  int           // max handlers in flight, default 3

	// JobTypes restricts claims to these types. Empty claims everything.
	JobTypes []string

	// GroupConcurrency caps in-flight handlers per job type within a
	// batch. Zero disables the cap; a negative value is rejected.
	GroupConcurrency int

	// OnError receives per-slot and cycle errors. Errors in one slot
	// never prevent the others.
	OnError func(error)

	Verbose bool
	Logger  *slog.Logger
}

type Processor struct {
	cfg      Config
	be       backend.Backend
	runner   *runtime.Runner
	cronHook CronHook
	log      *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates the config and builds a processor over the given backend
// and handler registry.
func New(be backend.Backend, reg *runtime.Registry, cfg Config, hook CronHook) (*Processor, error) {
	if cfg.GroupConcurrency < 0 {
		return nil, fmt.Errorf("groupConcurrency must be a positive integer, got %d", cfg.GroupConcurrency)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		be:       be,
		runner:   runtime.NewRunner(be, reg, cfg.WorkerID, cfg.Logger),
		cronHook: hook,
		log:      cfg.Logger,
	}, nil
}

// WorkerID returns the lease identity of this processor.
func (p *Processor) WorkerID() string { return p.cfg.WorkerID }

// Start runs exactly one claim cycle, waits for every job in the batch and
// returns the processed count.
func (p *Processor) Start(ctx context.Context) (int, error) {
	return p.cycle(ctx)
}

// StartInBackground launches the serialized poll loop: one cycle at a
// time, re-polling immediately after a full batch, otherwise after
// PollInterval.
func (p *Processor) StartInBackground() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go p.loop(ctx, p.done)
}

func (p *Processor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		n, err := p.cycle(ctx)
		if err != nil && ctx.Err() == nil {
			p.reportError(fmt.Errorf("processor cycle: %w", err))
		}
		if ctx.Err() != nil {
			return
		}

		if n >= p.cfg.BatchSize {
			// Full batch means more work is likely queued.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// Stop clears the poll loop without waiting on in-flight handlers.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.cancel()
	p.running = false
}

// StopAndDrain stops the loop and waits for the current cycle up to the
// given timeout (default 30s).
func (p *Processor) StopAndDrain(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultDrainTimeout
	}
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	p.running = false
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("processor drain timed out after %s", timeout)
	}
}

func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Processor) cycle(ctx context.Context) (int, error) {
	if p.cronHook != nil {
		if n, err := p.cronHook(ctx); err != nil {
			p.reportError(fmt.Errorf("cron enqueue: %w", err))
		} else if n > 0 && p.cfg.Verbose {
			p.log.DebugContext(ctx, "enqueued due cron jobs", "count", n)
		}
	}

	jobs, err := p.be.ClaimBatch(ctx, p.cfg.WorkerID, p.cfg.BatchSize, p.cfg.JobTypes)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	if p.cfg.Verbose {
		p.log.DebugContext(ctx, "claimed batch", "worker_id", p.cfg.WorkerID, "count", len(jobs))
	}

	p.dispatch(ctx, jobs)
	return len(jobs), nil
}

// dispatch runs the batch through the bounded pool: at most Concurrency
// handlers in flight, and at most GroupConcurrency per job type when set.
func (p *Processor) dispatch(ctx context.Context, jobs []*domain.Job) {
	sem := make(chan struct{}, p.cfg.Concurrency)
	var groups map[string]chan struct{}
	if p.cfg.GroupConcurrency > 0 {
		groups = make(map[string]chan struct{})
		for _, j := range jobs {
			if _, ok := groups[j.JobType]; !ok {
				groups[j.JobType] = make(chan struct{}, p.cfg.GroupConcurrency)
			}
		}
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(j *domain.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			if groups != nil {
				g := groups[j.JobType]
				g <- struct{}{}
				defer func() { <-g }()
			}
			if err := p.runner.Execute(ctx, j); err != nil {
				p.reportError(fmt.Errorf("job %d (%s): %w", j.ID, j.JobType, err))
			}
		}(job)
	}
	wg.Wait()
}

func (p *Processor) reportError(err error) {
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
		return
	}
	p.log.Error("processor error", "error", err)
}
