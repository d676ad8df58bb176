// Package config handles YAML configuration for dormant.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Storage drivers
const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// Config is the root configuration structure.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	AWS        AWSConfig        `yaml:"aws"`
	Azure      AzureConfig      `yaml:"azure"`
	Emitter    EmitterConfig    `yaml:"emitter"`
	Policy     PolicyConfig     `yaml:"policy"`
	WAL        WALConfig        `yaml:"wal"`
	Metrics    ServerConfig     `yaml:"metrics"`
	OTEL       OTELConfig       `yaml:"otel"`
	Log        LogConfig        `yaml:"log"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// ReconcilerConfig holds engine settings.
type ReconcilerConfig struct {
	IntervalStr    string         `yaml:"interval"`
	Interval       time.Duration  `yaml:"-"`
	CallTimeoutStr string         `yaml:"call_timeout"`
	CallTimeout    time.Duration  `yaml:"-"`
	DryRun         bool           `yaml:"dry_run"`
	Timezone       string         `yaml:"timezone"`
	Location       *time.Location `yaml:"-"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	Regions  []string     `yaml:"regions"`
	Accounts []AWSAccount `yaml:"accounts"`
}

// AWSAccount is one AWS account the daemon acts in.
type AWSAccount struct {
	ID         string `yaml:"id"`
	Profile    string `yaml:"profile"`
	RoleARN    string `yaml:"role_arn"`
	ExternalID string `yaml:"external_id"`
}

// AzureConfig holds Azure provider settings.
type AzureConfig struct {
	Accounts []AzureAccount `yaml:"accounts"`
}

// AzureAccount is one Azure tenant login. Subscriptions are discovered
// when none are listed.
type AzureAccount struct {
	ID            string   `yaml:"id"`
	TenantID      string   `yaml:"tenant_id"`
	Subscriptions []string `yaml:"subscriptions"`
}

// EmitterConfig holds transition notification settings.
type EmitterConfig struct {
	SQSQueueURL string `yaml:"sqs_queue_url"`
	SQSRegion   string `yaml:"sqs_region"`
}

// PolicyConfig points at a directory of Rego command guards.
type PolicyConfig struct {
	Path string `yaml:"path"`
}

// WALConfig holds audit log settings.
type WALConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// ServerConfig holds the metrics/health/status listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds OTLP metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	// defaults always parse
	_ = parseDurations(cfg)
	return cfg
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverBolt
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./dormant.db"
	}
	if cfg.Reconciler.IntervalStr == "" {
		cfg.Reconciler.IntervalStr = "1m"
	}
	if cfg.Reconciler.CallTimeoutStr == "" {
		cfg.Reconciler.CallTimeoutStr = "30s"
	}
	if cfg.WAL.Dir == "" {
		cfg.WAL.Dir = "./wal"
	}
	if cfg.WAL.RetentionDays == 0 {
		cfg.WAL.RetentionDays = 30
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":2112"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "dormant"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func parseDurations(cfg *Config) error {
	d, err := time.ParseDuration(cfg.Reconciler.IntervalStr)
	if err != nil {
		return fmt.Errorf("parse interval %q: %w", cfg.Reconciler.IntervalStr, err)
	}
	cfg.Reconciler.Interval = d

	d, err = time.ParseDuration(cfg.Reconciler.CallTimeoutStr)
	if err != nil {
		return fmt.Errorf("parse call_timeout %q: %w", cfg.Reconciler.CallTimeoutStr, err)
	}
	cfg.Reconciler.CallTimeout = d

	cfg.Reconciler.Location = time.Local
	if cfg.Reconciler.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Reconciler.Timezone)
		if err != nil {
			return fmt.Errorf("parse timezone %q: %w", cfg.Reconciler.Timezone, err)
		}
		cfg.Reconciler.Location = loc
	}
	return nil
}

// SetInterval overrides the reconcile interval, as the --interval flag does.
func (c *Config) SetInterval(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse interval %q: %w", s, err)
	}
	c.Reconciler.IntervalStr = s
	c.Reconciler.Interval = d
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverBolt, DriverSQLite:
	default:
		return fmt.Errorf("storage: unknown driver %q (want bolt or sqlite)", c.Storage.Driver)
	}
	if c.Reconciler.Interval <= 0 {
		return fmt.Errorf("reconciler: interval must be positive")
	}
	if c.Reconciler.CallTimeout <= 0 {
		return fmt.Errorf("reconciler: call_timeout must be positive")
	}
	if len(c.AWS.Accounts) > 0 && len(c.AWS.Regions) == 0 {
		return fmt.Errorf("aws: at least one region required")
	}
	for i, a := range c.AWS.Accounts {
		if a.ID == "" {
			return fmt.Errorf("aws: accounts[%d] has no id", i)
		}
	}
	for i, a := range c.Azure.Accounts {
		if a.ID == "" {
			return fmt.Errorf("azure: accounts[%d] has no id", i)
		}
	}
	if c.Emitter.SQSQueueURL != "" && c.Emitter.SQSRegion == "" {
		return fmt.Errorf("emitter: sqs_region required with sqs_queue_url")
	}
	if c.WAL.RetentionDays < 0 {
		return fmt.Errorf("wal: retention_days cannot be negative")
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log: unknown format %q (want json or console)", c.Log.Format)
	}
	return nil
}
