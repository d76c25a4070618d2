// Package config handles TOML and YAML configuration for varmuus.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Limits enforced by Validate.
const (
	MaxConcurrency = 16
	DefaultReport  = "varmuus-report.json"
	// Stdout as output path writes the report to standard output.
	Stdout = "-"
)

// Config is the root configuration structure.
type Config struct {
	AWS     AWSConfig     `toml:"aws" yaml:"aws"`
	Scanner ScannerConfig `toml:"scanner" yaml:"scanner"`
	Output  OutputConfig  `toml:"output" yaml:"output"`
	OTEL    OTELConfig    `toml:"otel" yaml:"otel"`
	Log     LogConfig     `toml:"log" yaml:"log"`
}

// AWSConfig selects the account, regions and services to audit.
// Empty Regions means every region enabled for the account.
type AWSConfig struct {
	Profile        string   `toml:"profile" yaml:"profile"`
	Region         string   `toml:"region" yaml:"region"`
	Regions        []string `toml:"regions" yaml:"regions"`
	ExcludeRegions []string `toml:"exclude_regions" yaml:"exclude_regions"`
	Services       []string `toml:"services" yaml:"services"`
}

// ScannerConfig tunes the fan-out, retry and rate limiting.
type ScannerConfig struct {
	Concurrency int     `toml:"concurrency" yaml:"concurrency"`
	MaxAttempts int     `toml:"max_attempts" yaml:"max_attempts"`
	RateLimit   float64 `toml:"rate_limit" yaml:"rate_limit"`
	RateBurst   int     `toml:"rate_burst" yaml:"rate_burst"`

	InitialBackoffStr string `toml:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoffStr     string `toml:"max_backoff" yaml:"max_backoff"`
	PageTimeoutStr    string `toml:"page_timeout" yaml:"page_timeout"`
	RunTimeoutStr     string `toml:"run_timeout" yaml:"run_timeout"`

	InitialBackoff time.Duration `toml:"-" yaml:"-"`
	MaxBackoff     time.Duration `toml:"-" yaml:"-"`
	PageTimeout    time.Duration `toml:"-" yaml:"-"`
	// RunTimeout of zero means the run is only bounded by signals.
	RunTimeout time.Duration `toml:"-" yaml:"-"`
}

// OutputConfig selects where reports go. Empty History or MetricsFile
// disables that writer.
type OutputConfig struct {
	Path        string `toml:"path" yaml:"path"`
	Format      string `toml:"format" yaml:"format"`
	History     string `toml:"history" yaml:"history"`
	MetricsFile string `toml:"metrics_file" yaml:"metrics_file"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint" yaml:"endpoint"`
	Insecure    bool          `toml:"insecure" yaml:"insecure"`
	ServiceName string        `toml:"service_name" yaml:"service_name"`
	Traces      TracesConfig  `toml:"traces" yaml:"traces"`
	Metrics     MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled" yaml:"enabled"`
	SampleRate float64 `toml:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	// Defaults always parse.
	_ = parseDurations(cfg)
	return cfg
}

// Load reads a config file. Files ending in .yaml or .yml are parsed as
// YAML, everything else as TOML. Missing keys take their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	s := &cfg.Scanner
	if s.Concurrency == 0 {
		s.Concurrency = 8
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 4
	}
	if s.RateLimit == 0 {
		s.RateLimit = 10
	}
	if s.RateBurst == 0 {
		s.RateBurst = 10
	}
	if s.InitialBackoffStr == "" {
		s.InitialBackoffStr = "500ms"
	}
	if s.MaxBackoffStr == "" {
		s.MaxBackoffStr = "10s"
	}
	if s.PageTimeoutStr == "" {
		s.PageTimeoutStr = "60s"
	}
	if s.RunTimeoutStr == "" {
		s.RunTimeoutStr = "0"
	}
	if cfg.Output.Path == "" {
		cfg.Output.Path = DefaultReport
	}
	if cfg.Output.Format == "" {
		cfg.Output.Format = "json"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "varmuus"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func parseDurations(cfg *Config) error {
	s := &cfg.Scanner
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"initial_backoff", s.InitialBackoffStr, &s.InitialBackoff},
		{"max_backoff", s.MaxBackoffStr, &s.MaxBackoff},
		{"page_timeout", s.PageTimeoutStr, &s.PageTimeout},
		{"run_timeout", s.RunTimeoutStr, &s.RunTimeout},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	s := c.Scanner
	if s.Concurrency < 1 || s.Concurrency > MaxConcurrency {
		return fmt.Errorf("scanner: concurrency must be between 1 and %d (got %d)", MaxConcurrency, s.Concurrency)
	}
	if s.MaxAttempts < 1 {
		return fmt.Errorf("scanner: max_attempts must be at least 1 (got %d)", s.MaxAttempts)
	}
	if s.RateLimit <= 0 {
		return fmt.Errorf("scanner: rate_limit must be positive (got %v)", s.RateLimit)
	}
	if s.RateBurst < 1 {
		return fmt.Errorf("scanner: rate_burst must be at least 1 (got %d)", s.RateBurst)
	}
	if s.InitialBackoff <= 0 || s.MaxBackoff < s.InitialBackoff {
		return fmt.Errorf("scanner: need 0 < initial_backoff <= max_backoff (got %s, %s)", s.InitialBackoff, s.MaxBackoff)
	}
	if s.PageTimeout <= 0 {
		return fmt.Errorf("scanner: page_timeout must be positive (got %s)", s.PageTimeout)
	}
	if s.RunTimeout < 0 {
		return fmt.Errorf("scanner: run_timeout must not be negative (got %s)", s.RunTimeout)
	}
	for _, r := range c.AWS.Regions {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("aws: empty region name")
		}
	}
	switch c.Output.Format {
	case "json", "yaml":
	default:
		return fmt.Errorf("output: unknown format %q (want json or yaml)", c.Output.Format)
	}
	if c.Output.Path == "" {
		return fmt.Errorf("output: path required")
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	return nil
}
