// The worker binary runs the queue's background machinery against a
// PostgreSQL store: a supervisor for lease reclamation and retention
// cleanup, cron schedule enqueuing, and optionally a processor executing
// subprocess handlers configured via FORGEQ_COMMAND_HANDLERS. Services
// embedding their own Go handlers run a processor in-process instead.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rezkam/forgeq/internal/backend/postgres"
	"github.com/rezkam/forgeq/internal/config"
	"github.com/rezkam/forgeq/internal/processor"
	"github.com/rezkam/forgeq/internal/queue"
	"github.com/rezkam/forgeq/internal/runtime"
	"github.com/rezkam/forgeq/internal/supervisor"
	"github.com/rezkam/forgeq/pkg/observability"
)

const drainTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return err
	}

	serviceName := cfg.Observability.ServiceName
	if serviceName == "" {
		serviceName = "forgeq-worker"
	}
	loggerProvider, logger, err := observability.InitLogger(ctx, serviceName, cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := loggerProvider.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "logger shutdown: %v\n", err)
		}
	}()
	slog.SetDefault(logger)

	store, err := postgres.NewStoreWithConfig(ctx, postgres.DBConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	q := queue.New(store, queue.WithLogger(logger))

	sup := q.NewSupervisor(supervisor.Config{
		Interval:               cfg.Supervisor.Interval,
		StuckTimeout:           cfg.Supervisor.StuckAfter,
		JobRetention:           cfg.Supervisor.JobRetention,
		EventRetention:         cfg.Supervisor.EventRetention,
		BatchSize:              cfg.Supervisor.CleanupBatchSize,
		DisableReclaim:         cfg.Supervisor.DisableReclaim,
		DisableJobCleanup:      cfg.Supervisor.DisableCleanup,
		DisableEventCleanup:    cfg.Supervisor.DisableCleanup,
		DisableWaitpointExpiry: cfg.Supervisor.DisableWaitpoints,
	})
	sup.StartInBackground()
	defer func() {
		if err := sup.StopAndDrain(drainTimeout); err != nil {
			logger.ErrorContext(ctx, "supervisor drain failed", "error", err)
		}
	}()

	reg, err := buildRegistry(cfg.Processor.CommandHandlers)
	if err != nil {
		return err
	}

	if len(reg.JobTypes()) > 0 {
		jobTypes := cfg.Processor.JobTypes
		if len(jobTypes) == 0 {
			jobTypes = reg.JobTypes()
		}
		proc, err := q.NewProcessor(reg, processor.Config{
			WorkerID:     cfg.Processor.WorkerID,
			BatchSize:    cfg.Processor.BatchSize,
			PollInterval: cfg.Processor.PollInterval,
			Concurrency:  cfg.Processor.Concurrency,
			JobTypes:     jobTypes,
		})
		if err != nil {
			return fmt.Errorf("failed to build processor: %w", err)
		}
		proc.StartInBackground()
		defer func() {
			if err := proc.StopAndDrain(drainTimeout); err != nil {
				logger.ErrorContext(ctx, "processor drain failed", "error", err)
			}
		}()
		logger.InfoContext(ctx, "worker started",
			"job_types", jobTypes, "worker_id", cfg.Processor.WorkerID)
	} else {
		// No handlers configured: this instance only runs maintenance and
		// advances cron schedules.
		go cronLoop(ctx, q, logger, cfg.Processor.PollInterval)
		logger.InfoContext(ctx, "worker started in maintenance mode")
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")
	return nil
}

// buildRegistry turns type=path pairs into subprocess handler registrations.
func buildRegistry(pairs []string) (*runtime.Registry, error) {
	reg := runtime.NewRegistry()
	for _, pair := range pairs {
		jobType, path, ok := strings.Cut(pair, "=")
		if !ok || jobType == "" || path == "" {
			return nil, fmt.Errorf("invalid command handler %q, want type=path", pair)
		}
		if err := reg.RegisterCommand(jobType, path); err != nil {
			return nil, fmt.Errorf("failed to register command handler %q: %w", jobType, err)
		}
	}
	return reg, nil
}

// cronLoop enqueues due cron schedules when no processor is running to do it.
func cronLoop(ctx context.Context, q *queue.Queue, logger *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.EnqueueDueCronJobs(ctx); err != nil {
				logger.WarnContext(ctx, "cron enqueue cycle failed", "error", err)
			} else if n > 0 {
				logger.InfoContext(ctx, "cron jobs enqueued", "count", n)
			}
		}
	}
}
