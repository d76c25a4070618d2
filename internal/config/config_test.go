package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
[aws]
profile = "audit"
regions = ["us-east-1", "eu-west-1"]
exclude_regions = ["eu-west-1"]
services = ["ec2", "s3"]

[scanner]
concurrency = 4
max_attempts = 6
initial_backoff = "250ms"
max_backoff = "5s"
page_timeout = "30s"
run_timeout = "15m"
rate_limit = 5.0
rate_burst = 2

[output]
path = "-"
format = "yaml"
history = "/var/lib/varmuus/history.db"
metrics_file = "/var/lib/node_exporter/varmuus.prom"

[otel]
endpoint = "localhost:4317"
insecure = true
service_name = "varmuus-nightly"

[otel.traces]
enabled = true
sample_rate = 0.5

[otel.metrics]
enabled = true

[log]
level = "debug"
`
	path := writeTempConfig(t, "config.toml", content)
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "audit", cfg.AWS.Profile)
	assert.Equal(t, []string{"us-east-1", "eu-west-1"}, cfg.AWS.Regions)
	assert.Equal(t, []string{"eu-west-1"}, cfg.AWS.ExcludeRegions)
	assert.Equal(t, []string{"ec2", "s3"}, cfg.AWS.Services)

	assert.Equal(t, 4, cfg.Scanner.Concurrency)
	assert.Equal(t, 6, cfg.Scanner.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Scanner.InitialBackoff)
	assert.Equal(t, 5*time.Second, cfg.Scanner.MaxBackoff)
	assert.Equal(t, 30*time.Second, cfg.Scanner.PageTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Scanner.RunTimeout)
	assert.Equal(t, 5.0, cfg.Scanner.RateLimit)
	assert.Equal(t, 2, cfg.Scanner.RateBurst)

	assert.Equal(t, Stdout, cfg.Output.Path)
	assert.Equal(t, "yaml", cfg.Output.Format)
	assert.Equal(t, "/var/lib/varmuus/history.db", cfg.Output.History)
	assert.Equal(t, "/var/lib/node_exporter/varmuus.prom", cfg.Output.MetricsFile)

	assert.Equal(t, "localhost:4317", cfg.OTEL.Endpoint)
	assert.True(t, cfg.OTEL.Insecure)
	assert.Equal(t, "varmuus-nightly", cfg.OTEL.ServiceName)
	assert.True(t, cfg.OTEL.Traces.Enabled)
	assert.Equal(t, 0.5, cfg.OTEL.Traces.SampleRate)
	assert.True(t, cfg.OTEL.Metrics.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)

	require.NoError(t, cfg.Validate())
}

func TestLoad_YAML(t *testing.T) {
	content := `
aws:
  regions: [us-west-2]
  services: [rds]
scanner:
  concurrency: 2
  page_timeout: 90s
output:
  history: history.db
log:
  level: warn
`
	path := writeTempConfig(t, "config.yaml", content)
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, []string{"us-west-2"}, cfg.AWS.Regions)
	assert.Equal(t, []string{"rds"}, cfg.AWS.Services)
	assert.Equal(t, 2, cfg.Scanner.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.Scanner.PageTimeout)
	assert.Equal(t, "history.db", cfg.Output.History)
	assert.Equal(t, "warn", cfg.Log.Level)
	// untouched keys keep their defaults
	assert.Equal(t, 4, cfg.Scanner.MaxAttempts)
	assert.Equal(t, DefaultReport, cfg.Output.Path)
}

func TestLoad_Defaults(t *testing.T) {
	content := `
[aws]
regions = ["us-east-1"]
`
	path := writeTempConfig(t, "config.toml", content)
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, Default().Scanner, cfg.Scanner)
	assert.Equal(t, "varmuus", cfg.OTEL.ServiceName)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Empty(t, cfg.AWS.Regions)
	assert.Empty(t, cfg.AWS.Services)
	assert.Equal(t, 8, cfg.Scanner.Concurrency)
	assert.Equal(t, 4, cfg.Scanner.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Scanner.InitialBackoff)
	assert.Equal(t, 10*time.Second, cfg.Scanner.MaxBackoff)
	assert.Equal(t, 60*time.Second, cfg.Scanner.PageTimeout)
	assert.Zero(t, cfg.Scanner.RunTimeout)
	assert.Equal(t, 10.0, cfg.Scanner.RateLimit)
	assert.Equal(t, 10, cfg.Scanner.RateBurst)
	assert.Equal(t, DefaultReport, cfg.Output.Path)
	assert.Equal(t, "json", cfg.Output.Format)
	assert.Empty(t, cfg.Output.History)
	assert.Empty(t, cfg.Output.MetricsFile)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	require.Error(t, err)
}

func TestLoad_InvalidTOML(t *testing.T) {
	content := `
[aws
regions = "not an array"
`
	path := writeTempConfig(t, "config.toml", content)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "config.yml", "aws: [unterminated\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	content := `
[scanner]
page_timeout = "not-a-duration"
`
	path := writeTempConfig(t, "config.toml", content)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page_timeout")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"concurrency too high", func(c *Config) { c.Scanner.Concurrency = 17 }, "concurrency"},
		{"concurrency negative", func(c *Config) { c.Scanner.Concurrency = -1 }, "concurrency"},
		{"no attempts", func(c *Config) { c.Scanner.MaxAttempts = -1 }, "max_attempts"},
		{"zero rate", func(c *Config) { c.Scanner.RateLimit = 0 }, "rate_limit"},
		{"zero burst", func(c *Config) { c.Scanner.RateBurst = 0 }, "rate_burst"},
		{"backoff inverted", func(c *Config) { c.Scanner.MaxBackoff = time.Millisecond }, "initial_backoff"},
		{"no page timeout", func(c *Config) { c.Scanner.PageTimeout = 0 }, "page_timeout"},
		{"negative run timeout", func(c *Config) { c.Scanner.RunTimeout = -time.Second }, "run_timeout"},
		{"blank region", func(c *Config) { c.AWS.Regions = []string{"us-east-1", " "} }, "region"},
		{"unknown format", func(c *Config) { c.Output.Format = "csv" }, "format"},
		{"sample rate", func(c *Config) { c.OTEL.Traces.SampleRate = 1.5 }, "sample_rate"},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}
