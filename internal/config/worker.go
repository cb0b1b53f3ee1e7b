package config

import "time"

// ProcessorConfig holds claim-loop tuning for the worker binary. Zero values
// defer to the processor's defaults.
type ProcessorConfig struct {
	WorkerID     string        `env:"FORGEQ_WORKER_ID"`
	BatchSize    int           `env:"FORGEQ_PROCESSOR_BATCH_SIZE"`
	PollInterval time.Duration `env:"FORGEQ_PROCESSOR_POLL_INTERVAL"`
	Concurrency  int           `env:"FORGEQ_PROCESSOR_CONCURRENCY"`

	// JobTypes restricts the processor to a comma-separated subset of job
	// types. Empty means claim everything.
	JobTypes []string `env:"FORGEQ_PROCESSOR_JOB_TYPES"`

	// CommandHandlers maps job types to executables run as subprocess
	// handlers, as comma-separated type=path pairs. The payload is passed
	// on stdin. When empty the worker runs maintenance and cron only.
	CommandHandlers []string `env:"FORGEQ_COMMAND_HANDLERS"`
}

// SupervisorConfig holds maintenance-loop tuning for the worker binary. Zero
// values defer to the supervisor's defaults.
type SupervisorConfig struct {
	Interval          time.Duration `env:"FORGEQ_SUPERVISOR_INTERVAL"`
	StuckAfter        time.Duration `env:"FORGEQ_SUPERVISOR_STUCK_AFTER"`
	JobRetention      time.Duration `env:"FORGEQ_SUPERVISOR_JOB_RETENTION"`
	EventRetention    time.Duration `env:"FORGEQ_SUPERVISOR_EVENT_RETENTION"`
	CleanupBatchSize  int           `env:"FORGEQ_SUPERVISOR_CLEANUP_BATCH_SIZE"`
	DisableReclaim    bool          `env:"FORGEQ_SUPERVISOR_DISABLE_RECLAIM"`
	DisableCleanup    bool          `env:"FORGEQ_SUPERVISOR_DISABLE_CLEANUP"`
	DisableWaitpoints bool          `env:"FORGEQ_SUPERVISOR_DISABLE_WAITPOINTS"`
}
