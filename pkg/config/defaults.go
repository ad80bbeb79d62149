package config

import (
	"strings"
	"time"

	"github.com/marmos91/presenced/pkg/bus"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Directory.URL == "" {
		cfg.Directory.URL = "redis://localhost:6379/0"
	}
	if cfg.Directory.DialTimeout == 0 {
		cfg.Directory.DialTimeout = 5 * time.Second
	}
	if len(cfg.Bus.Brokers) == 0 {
		cfg.Bus.Brokers = []string{"localhost:9092"}
	}
	if cfg.Bus.Topic == "" {
		cfg.Bus.Topic = bus.Topic
	}

	cfg.Coordinator.ApplyDefaults()
	cfg.Node.VNodeCount = orInt(cfg.Node.VNodeCount, cfg.Coordinator.VNodeCount)
	cfg.Node.ApplyDefaults()
}

func orInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

// applyLoggingDefaults sets logging defaults and normalizes the level.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry and profiling defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

// GetDefaultConfig returns a configuration with every default applied.
//
// The result is not complete enough to start a node (NodeID and
// AssignedVNodes have no sensible defaults); the coordinator can run on
// it against local Redis and Kafka.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
