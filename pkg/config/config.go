// Package config provides the CLI configuration, flow file loading and the
// fsnotify-backed flow provider.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultDebounce is the reload delay applied when a watched flow file changes.
const DefaultDebounce = 100 * time.Millisecond

// Config holds the process configuration of the packetflow CLI.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Flow      FlowConfig      `yaml:"flow"`
	Guards    GuardsConfig    `yaml:"guards"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry tracing.
type TelemetryConfig struct {
	ServiceName  string            `yaml:"service_name"`
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	Environment  string            `yaml:"environment"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	SampleRatio  float64           `yaml:"sample_ratio"`
}

// MetricsConfig holds configuration for the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// FlowConfig holds configuration for flow loading and execution.
type FlowConfig struct {
	File     string         `yaml:"file"`
	Strict   *bool          `yaml:"strict,omitempty"`
	Watch    bool           `yaml:"watch"`
	Debounce time.Duration  `yaml:"debounce"`
	Values   map[string]any `yaml:"values,omitempty"`
}

// GuardsConfig attaches built-in guards to every registered node type.
type GuardsConfig struct {
	// PolicyFiles are Rego modules compiled into one policy guard.
	PolicyFiles      []string         `yaml:"policy_files,omitempty"`
	PolicyEntrypoint string           `yaml:"policy_entrypoint"`
	RateLimit        *RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig shapes the token bucket of the rate-limit guard. Nodes holds
// per-node overrides keyed by node id.
type RateLimitConfig struct {
	PerSecond int                        `yaml:"per_second"`
	Burst     int                        `yaml:"burst"`
	Nodes     map[string]RateLimitConfig `yaml:"nodes,omitempty"`
}

// IsStrict reports whether flows are verified when they are bound.
func (c FlowConfig) IsStrict() bool {
	return c.Strict == nil || *c.Strict
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.Validate()
	return cfg
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("PACKETFLOW_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("PACKETFLOW_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	if val := os.Getenv("PACKETFLOW_SERVICE_NAME"); val != "" {
		cfg.Telemetry.ServiceName = val
	}
	if val := os.Getenv("PACKETFLOW_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("PACKETFLOW_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("PACKETFLOW_ENVIRONMENT"); val != "" {
		cfg.Telemetry.Environment = val
	}

	if val := os.Getenv("PACKETFLOW_METRICS_ADDR"); val != "" {
		cfg.Metrics.Address = val
	}

	if val := os.Getenv("PACKETFLOW_FLOW_FILE"); val != "" {
		cfg.Flow.File = val
	}
	if val := os.Getenv("PACKETFLOW_FLOW_STRICT"); val != "" {
		strict := val == "true"
		cfg.Flow.Strict = &strict
	}
	if val := os.Getenv("PACKETFLOW_FLOW_WATCH"); val == "true" {
		cfg.Flow.Watch = true
	}
	if val := os.Getenv("PACKETFLOW_FLOW_DEBOUNCE"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid PACKETFLOW_FLOW_DEBOUNCE %q: %w", val, err)
		}
		cfg.Flow.Debounce = d
	}

	return nil
}

// Validate normalises the configuration and fills in defaults.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics configuration: %w", err)
	}

	if err := c.Flow.Validate(); err != nil {
		return fmt.Errorf("flow configuration: %w", err)
	}

	if err := c.Guards.Validate(); err != nil {
		return fmt.Errorf("guards configuration: %w", err)
	}

	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "packetflow"
	}
	if strings.Contains(c.OTLPEndpoint, "://") {
		return fmt.Errorf("otlp_endpoint %q must be host:port without a scheme", c.OTLPEndpoint)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio must be within [0, 1], got %v", c.SampleRatio)
	}
	return nil
}

// Validate performs validation of metrics configuration
func (c *MetricsConfig) Validate() error {
	if c.Path == "" {
		c.Path = "/metrics"
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("metrics path %q must start with /", c.Path)
	}
	return nil
}

// Validate performs validation of flow configuration
func (c *FlowConfig) Validate() error {
	if c.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative, got %s", c.Debounce)
	}
	if c.Debounce == 0 {
		c.Debounce = DefaultDebounce
	}
	if c.Watch && c.File == "" {
		return fmt.Errorf("watch requires a flow file")
	}
	return nil
}

// Validate performs validation of guard configuration
func (c *GuardsConfig) Validate() error {
	if len(c.PolicyFiles) == 0 && c.PolicyEntrypoint != "" {
		return fmt.Errorf("policy_entrypoint %q set without policy_files", c.PolicyEntrypoint)
	}
	if c.RateLimit != nil {
		if err := c.RateLimit.validate(); err != nil {
			return fmt.Errorf("rate_limit: %w", err)
		}
		for id, override := range c.RateLimit.Nodes {
			if err := override.validate(); err != nil {
				return fmt.Errorf("rate_limit node %q: %w", id, err)
			}
		}
	}
	return nil
}

func (c RateLimitConfig) validate() error {
	if c.PerSecond < 0 || c.Burst < 0 {
		return fmt.Errorf("per_second and burst must not be negative")
	}
	return nil
}
