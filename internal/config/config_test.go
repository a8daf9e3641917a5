package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snehjoshi/attachq/internal/config"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Node.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Node.Port)
	}
	if cfg.Node.DataDir != "./data" {
		t.Errorf("expected default data_dir ./data, got %s", cfg.Node.DataDir)
	}
	if cfg.Node.ID != "auto" {
		t.Errorf("expected node id auto, got %q", cfg.Node.ID)
	}
	if cfg.Storage.DLQFile == "" {
		t.Error("expected a default dlq file")
	}
	if cfg.Storage.Driver != config.DriverBolt {
		t.Errorf("expected default driver bolt, got %s", cfg.Storage.Driver)
	}
	if cfg.Downloads.MaxConcurrentJobs != 3 {
		t.Errorf("expected default max_concurrent_jobs 3, got %d", cfg.Downloads.MaxConcurrentJobs)
	}
	if cfg.Downloads.TickInterval != time.Second {
		t.Errorf("expected default tick_interval 1s, got %s", cfg.Downloads.TickInterval)
	}
	if cfg.Downloads.MaxAttempts != 5 {
		t.Errorf("expected default max_attempts 5, got %d", cfg.Downloads.MaxAttempts)
	}
	if len(cfg.Downloads.Backoff.FirstBackoffs) != 3 {
		t.Errorf("expected 3 first backoffs, got %d", len(cfg.Downloads.Backoff.FirstBackoffs))
	}
	if cfg.Auth.Enabled {
		t.Error("auth must be disabled by default")
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Node.Port != 8080 {
		t.Errorf("expected default port for missing file, got %d", cfg.Node.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
node:
  port: 9999
  data_dir: "/tmp/attachq_test"
downloads:
  max_concurrent_jobs: 6
  tick_interval: 250ms
  max_attempts: 8
  backoff:
    first_backoffs: [5s, 1m]
    max_backoff: 1h
downloader:
  requests_per_second: 2.5
`
	path := writeTempYAML(t, yaml)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Node.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Node.Port)
	}
	if cfg.Downloads.MaxConcurrentJobs != 6 {
		t.Errorf("expected max_concurrent_jobs 6, got %d", cfg.Downloads.MaxConcurrentJobs)
	}
	if cfg.Downloads.TickInterval != 250*time.Millisecond {
		t.Errorf("expected tick_interval 250ms, got %s", cfg.Downloads.TickInterval)
	}
	if cfg.Downloader.RequestsPerSecond != 2.5 {
		t.Errorf("expected requests_per_second 2.5, got %v", cfg.Downloader.RequestsPerSecond)
	}

	retry := cfg.Retry()
	if retry.MaxAttempts != 8 {
		t.Errorf("expected max_attempts 8, got %d", retry.MaxAttempts)
	}
	if len(retry.FirstBackoffs) != 2 || retry.FirstBackoffs[1] != time.Minute {
		t.Errorf("unexpected first_backoffs %v", retry.FirstBackoffs)
	}
	if retry.MaxBackoff != time.Hour {
		t.Errorf("expected max_backoff 1h, got %s", retry.MaxBackoff)
	}
	// Unset fields keep their defaults.
	if retry.Multiplier != 2 {
		t.Errorf("expected default multiplier 2 (unchanged), got %v", retry.Multiplier)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ATTACHQ_PORT", "7070")
	t.Setenv("ATTACHQ_API_KEY", "secret")
	t.Setenv("ATTACHQ_POSTGRES_DSN", "postgres://localhost/attachq")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Node.Port != 7070 {
		t.Errorf("expected port 7070, got %d", cfg.Node.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Error("expected ATTACHQ_API_KEY to enable auth")
	}
	if cfg.Storage.Driver != config.DriverPostgres {
		t.Errorf("expected postgres driver, got %s", cfg.Storage.Driver)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "node: [invalid: yaml: {{{}}")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*config.Config){
		"port 0":             func(c *config.Config) { c.Node.Port = 0 },
		"port 99999":         func(c *config.Config) { c.Node.Port = 99999 },
		"empty data_dir":     func(c *config.Config) { c.Node.DataDir = "" },
		"unknown driver":     func(c *config.Config) { c.Storage.Driver = "sqlite" },
		"postgres no dsn":    func(c *config.Config) { c.Storage.Driver = config.DriverPostgres },
		"empty dlq_file":     func(c *config.Config) { c.Storage.DLQFile = "" },
		"zero concurrency":   func(c *config.Config) { c.Downloads.MaxConcurrentJobs = 0 },
		"zero tick":          func(c *config.Config) { c.Downloads.TickInterval = 0 },
		"zero max attempts":  func(c *config.Config) { c.Downloads.MaxAttempts = 0 },
		"no first backoffs":  func(c *config.Config) { c.Downloads.Backoff.FirstBackoffs = nil },
		"multiplier below 1": func(c *config.Config) { c.Downloads.Backoff.Multiplier = 0.5 },
		"no cdn url":         func(c *config.Config) { c.Downloader.CDNBaseURL = "" },
		"auth without key":   func(c *config.Config) { c.Auth.Enabled = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", name)
			}
		})
	}
}

func TestRetry_ReturnsIndependentCopy(t *testing.T) {
	cfg := config.Default()
	r := cfg.Retry()
	r.FirstBackoffs[0] = time.Hour
	if cfg.Downloads.Backoff.FirstBackoffs[0] == time.Hour {
		t.Error("Retry() must not alias the config's backoff slice")
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
