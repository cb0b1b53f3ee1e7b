// Package config holds environment-driven configuration for the worker
// binary. Zero values defer to component defaults; only the database DSN is
// mandatory.
package config

import (
	"fmt"

	"github.com/rezkam/forgeq/internal/env"
)

// WorkerConfig holds all configuration for the worker binary.
type WorkerConfig struct {
	Database      DatabaseConfig
	Processor     ProcessorConfig
	Supervisor    SupervisorConfig
	Observability ObservabilityConfig
}

// LoadWorkerConfig loads and validates worker configuration from environment.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load worker config: %w", err)
	}

	return cfg, nil
}
