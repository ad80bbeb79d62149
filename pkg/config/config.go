// Package config loads and validates the presenced configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/presenced/pkg/coordinator"
	coordapi "github.com/marmos91/presenced/pkg/coordinator/api"
	"github.com/marmos91/presenced/pkg/metrics"
	"github.com/marmos91/presenced/pkg/node"
)

// EnvJWTSecret is the environment variable carrying the token signing
// secret. It takes precedence over the config file.
const EnvJWTSecret = "PRESENCED_JWT_SECRET"

// Config is the full presenced configuration, shared by the coordinator
// and node commands.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (PRESENCED_*, plus the legacy flat names)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics contains the Prometheus metrics server configuration.
	Metrics metrics.Config `mapstructure:"metrics" yaml:"metrics"`

	// Directory configures the shared Redis directory.
	Directory DirectoryConfig `mapstructure:"directory" yaml:"directory"`

	// Bus configures the Kafka presence-event bus.
	Bus BusConfig `mapstructure:"bus" yaml:"bus"`

	// Auth configures token validation.
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// Coordinator holds the ring and routing tunables.
	Coordinator coordinator.Config `mapstructure:"coordinator" yaml:"coordinator"`

	// CoordinatorAPI holds the coordinator HTTP server settings.
	CoordinatorAPI coordapi.Config `mapstructure:"coordinator_api" yaml:"coordinator_api"`

	// Node holds the presence node settings.
	Node node.Config `mapstructure:"node" yaml:"node"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing. When enabled,
// trace data is exported to an OTLP-compatible collector.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled.
	// Default: false (opt-in).
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port).
	// Default: "localhost:4317".
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use a non-TLS connection.
	// Default: true (for local development).
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0).
	// Default: 1.0 (sample all).
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled.
	// Default: false (opt-in).
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server endpoint (URL).
	// Default: "http://localhost:4040".
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect.
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// DirectoryConfig configures the shared Redis directory.
type DirectoryConfig struct {
	// URL is the Redis connection URL.
	// Default: "redis://localhost:6379/0".
	URL string `mapstructure:"url" validate:"required" yaml:"url"`

	// DialTimeout bounds the initial connection attempt. Default: 5s.
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// BusConfig configures the Kafka presence-event bus.
type BusConfig struct {
	// Brokers lists the Kafka bootstrap brokers.
	// Default: ["localhost:9092"].
	Brokers []string `mapstructure:"brokers" validate:"required,min=1" yaml:"brokers"`

	// Topic is the presence-event topic. Default: "user_status_events".
	Topic string `mapstructure:"topic" yaml:"topic"`
}

// AuthConfig configures token validation.
type AuthConfig struct {
	// JWTSecret is the HMAC signing key for session tokens. Must be at
	// least 32 characters. Can also be set via PRESENCED_JWT_SECRET,
	// which takes precedence over the config file.
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
}

// GetJWTSecret returns the JWT secret, preferring the environment variable.
func (c *AuthConfig) GetJWTSecret() string {
	if envSecret := os.Getenv(EnvJWTSecret); envSecret != "" {
		return envSecret
	}
	return c.JWTSecret
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: path to a config file (empty string uses the default
//     location, and a missing default file falls back to pure defaults)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		applyEnvOverrides(cfg)
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the file
// is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  presenced init\n\n"+
				"Or specify a custom config file:\n"+
				"  presenced <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  presenced init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration to the given path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file may carry the JWT secret.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variable support and config file search.
func setupViper(v *viper.Viper, configPath string) {
	// Nested keys map to PRESENCED_ variables with underscores, e.g.
	// PRESENCED_LOGGING_LEVEL=DEBUG.
	v.SetEnvPrefix("PRESENCED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// applyEnvOverrides applies the flat environment names that predate the
// nested PRESENCED_ scheme. Deployment manifests still use them.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.Node.NodeID = v
	}
	if v := os.Getenv("ASSIGNED_VNODES"); v != "" {
		if ids, err := parseVNodeList(v); err == nil {
			cfg.Node.AssignedVNodes = ids
		}
	}
	if v := os.Getenv("VNODE_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Coordinator.VNodeCount = n
			cfg.Node.VNodeCount = n
		}
	}
	if v := os.Getenv("COORDINATOR_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CoordinatorAPI.Port = n
		}
	}
	if v := os.Getenv("WS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Node.Port = n
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Directory.URL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Bus.Brokers = splitNonEmpty(v)
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		// Milliseconds, matching the historical deployment variable.
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Node.HeartbeatInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToUpper(v)
	}
}

// parseVNodeList parses a comma-separated vnode id list like "0,1,2".
func parseVNodeList(s string) ([]int, error) {
	parts := splitNonEmpty(s)
	ids := make([]int, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid vnode id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// readConfigFile reads the configuration file if it exists. A missing file
// is acceptable; other read errors are not.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns the decode hooks for custom config types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// durationDecodeHook converts strings like "30s" and raw numbers to
// time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path, preferring
// XDG_CONFIG_HOME over ~/.config.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "presenced")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "presenced")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
