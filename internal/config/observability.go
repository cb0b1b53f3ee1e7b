package config

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	// OTelEnabled routes logs through the OTLP exporter. When false the
	// worker logs JSON to stdout.
	OTelEnabled bool   `env:"FORGEQ_OTEL_ENABLED"`
	ServiceName string `env:"FORGEQ_SERVICE_NAME"`
}
