// Package config loads pipeline configuration from YAML with environment
// overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "30s" or
// "24h" instead of nanosecond integers.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the full pipeline configuration.
type Config struct {
	Source    string          `yaml:"source" json:"source"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Queue     QueueConfig     `yaml:"queue" json:"queue"`
	Dedup     DedupConfig     `yaml:"dedup" json:"dedup"`
	Change    ChangeConfig    `yaml:"change" json:"change"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Dispatch  DispatchConfig  `yaml:"dispatch" json:"dispatch"`
	Templates string          `yaml:"templates" json:"templates"`
	Workers   WorkersConfig   `yaml:"workers" json:"workers"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Tenants   []TenantSeed    `yaml:"tenants" json:"tenants"`
}

// StoreConfig selects and configures the metadata store backend.
type StoreConfig struct {
	Backend string `yaml:"backend" json:"backend"` // "sqlite" | "postgres"
	DSN     string `yaml:"dsn" json:"dsn"`
}

// QueueConfig selects and configures the stage queue backend.
type QueueConfig struct {
	Backend string `yaml:"backend" json:"backend"` // "memory" | "redis"
	Addr    string `yaml:"addr,omitempty" json:"addr,omitempty"`
}

// DedupConfig controls the deduplication ledger.
type DedupConfig struct {
	Retention Duration `yaml:"retention" json:"retention"`
}

// ChangeConfig controls the change detector.
type ChangeConfig struct {
	RelevantAttributes []string `yaml:"relevant_attributes" json:"relevant_attributes"`
	WatermarkTTL       Duration `yaml:"watermark_ttl" json:"watermark_ttl"`
	BatchSize          int      `yaml:"batch_size" json:"batch_size"`
	PollInterval       Duration `yaml:"poll_interval" json:"poll_interval"`
}

// RetryConfig controls delivery retries.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts" json:"max_attempts"`
	BackoffBase Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffCap  Duration `yaml:"backoff_cap" json:"backoff_cap"`
	Multiplier  float64  `yaml:"multiplier" json:"multiplier"`
	Jitter      float64  `yaml:"jitter" json:"jitter"`
}

// DispatchConfig controls per-target delivery.
type DispatchConfig struct {
	Timeout          Duration `yaml:"timeout" json:"timeout"`
	BreakerThreshold int      `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerReset     Duration `yaml:"breaker_reset" json:"breaker_reset"`
	RatePerSecond    float64  `yaml:"rate_per_second" json:"rate_per_second"`
	RateBurst        int      `yaml:"rate_burst" json:"rate_burst"`
}

// WorkersConfig sizes the stage worker pools.
type WorkersConfig struct {
	Inbound  int `yaml:"inbound" json:"inbound"`
	Outbound int `yaml:"outbound" json:"outbound"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
	Environment string  `yaml:"environment" json:"environment"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
}

// TenantSeed registers a tenant and its targets at startup.
type TenantSeed struct {
	ID      string       `yaml:"id" json:"id"`
	Name    string       `yaml:"name" json:"name"`
	Targets []TargetSeed `yaml:"targets,omitempty" json:"targets,omitempty"`
}

// TargetSeed registers one downstream target.
type TargetSeed struct {
	TargetID       string            `yaml:"target_id" json:"target_id"`
	Kind           string            `yaml:"kind" json:"kind"`
	EndpointConfig map[string]string `yaml:"endpoint_config,omitempty" json:"endpoint_config,omitempty"`
	Enabled        bool              `yaml:"enabled" json:"enabled"`
}

// Default returns a config suitable for an embedded single-process pipeline.
func Default() *Config {
	return &Config{
		Source: "monte_carlo",
		Store:  StoreConfig{Backend: "sqlite", DSN: "file:lily.db"},
		Queue:  QueueConfig{Backend: "memory"},
		Dedup:  DedupConfig{Retention: Duration(24 * time.Hour)},
		Change: ChangeConfig{
			RelevantAttributes: []string{"tags", "classification", "quality.status", "quality.severity"},
			WatermarkTTL:       Duration(time.Hour),
			BatchSize:          100,
			PollInterval:       Duration(time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BackoffBase: Duration(500 * time.Millisecond),
			BackoffCap:  Duration(30 * time.Second),
			Multiplier:  2.0,
			Jitter:      0.2,
		},
		Dispatch: DispatchConfig{
			Timeout:          Duration(10 * time.Second),
			BreakerThreshold: 5,
			BreakerReset:     Duration(10 * time.Second),
			RatePerSecond:    0, // 0 means unlimited
			RateBurst:        1,
		},
		Templates: "templates.yaml",
		Workers:   WorkersConfig{Inbound: 4, Outbound: 2},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
			Environment: "development",
			Insecure:    true,
		},
	}
}

// Load reads a YAML config file over the defaults, then applies environment
// overrides. A missing file is not an error; env-only deployment is fine.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides deployment-specific values from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LILY_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("LILY_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("LILY_QUEUE_BACKEND"); v != "" {
		cfg.Queue.Backend = v
	}
	if v := os.Getenv("LILY_QUEUE_ADDR"); v != "" {
		cfg.Queue.Addr = v
	}
	if v := os.Getenv("LILY_TEMPLATES"); v != "" {
		cfg.Templates = v
	}
	if v := os.Getenv("LILY_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Enabled = true
	}
	if v := os.Getenv("LILY_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Retry.MaxAttempts = n
		}
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown queue backend %q", c.Queue.Backend)
	}
	if c.Queue.Backend == "redis" && c.Queue.Addr == "" {
		return fmt.Errorf("config: redis queue requires addr")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry max_attempts must be at least 1")
	}
	if len(c.Change.RelevantAttributes) == 0 {
		return fmt.Errorf("config: change.relevant_attributes must not be empty")
	}
	return nil
}
