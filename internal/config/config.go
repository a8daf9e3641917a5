// Package config holds all configuration types and loading logic for attachq.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/attachq/internal/backoff"
)

// Config is the root configuration for an attachq instance.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Storage    StorageConfig    `yaml:"storage"`
	Downloads  DownloadsConfig  `yaml:"downloads"`
	Downloader DownloaderConfig `yaml:"downloader"`
	API        APIConfig        `yaml:"api"`
	Auth       AuthConfig       `yaml:"auth"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// NodeConfig holds network and filesystem settings.
type NodeConfig struct {
	// ID is "auto" (persisted under data_dir) or a fixed ULID.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// StorageDriver selects the job store implementation.
type StorageDriver string

const (
	DriverBolt     StorageDriver = "bolt"     // embedded single file under data_dir (default)
	DriverPostgres StorageDriver = "postgres" // shared table, needs postgres_dsn
)

// StorageConfig controls where the job table lives.
type StorageConfig struct {
	Driver StorageDriver `yaml:"driver"`
	// BoltFile is relative to node.data_dir unless absolute.
	BoltFile    string `yaml:"bolt_file"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// DLQFile holds dropped jobs for inspection and replay. It is always a
	// local bbolt file, whatever the driver.
	DLQFile string `yaml:"dlq_file"`
}

// DownloadsConfig controls the job manager and its retry policy.
type DownloadsConfig struct {
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	MaxAttempts       int           `yaml:"max_attempts"`
	Backoff           BackoffConfig `yaml:"backoff"`
}

// BackoffConfig is the delay schedule between failed attempts.
type BackoffConfig struct {
	Multiplier    float64         `yaml:"multiplier"`
	FirstBackoffs []time.Duration `yaml:"first_backoffs"`
	MaxBackoff    time.Duration   `yaml:"max_backoff"`
}

// DownloaderConfig controls how attachment bytes are fetched.
type DownloaderConfig struct {
	CDNBaseURL        string        `yaml:"cdn_base_url"`
	BackupBaseURL     string        `yaml:"backup_base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	// AttachmentsDir is relative to node.data_dir unless absolute.
	AttachmentsDir string `yaml:"attachments_dir"`
}

// APIConfig sets the per-client rate limit on the control API.
type APIConfig struct {
	// MaxRate is requests per second per client IP. Zero disables limiting.
	MaxRate int `yaml:"max_rate"`
	Burst   int `yaml:"burst"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	retry := backoff.Default()
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "127.0.0.1",
			Port:    8080,
			DataDir: "./data",
		},
		Storage: StorageConfig{
			Driver:   DriverBolt,
			BoltFile: "attachment_downloads.db",
			DLQFile:  "dropped_downloads.db",
		},
		Downloads: DownloadsConfig{
			MaxConcurrentJobs: 3,
			TickInterval:      time.Second,
			MaxAttempts:       retry.MaxAttempts,
			Backoff: BackoffConfig{
				Multiplier:    retry.Multiplier,
				FirstBackoffs: retry.FirstBackoffs,
				MaxBackoff:    retry.MaxBackoff,
			},
		},
		Downloader: DownloaderConfig{
			CDNBaseURL:        "https://cdn.example.org",
			BackupBaseURL:     "https://backup.example.org",
			Timeout:           60 * time.Second,
			RequestsPerSecond: 0,
			Burst:             1,
			AttachmentsDir:    "attachments",
		},
		API: APIConfig{
			MaxRate: 100,
			Burst:   200,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	ATTACHQ_API_KEY        sets auth.api_key and enables auth
//	ATTACHQ_DATA_DIR       sets node.data_dir
//	ATTACHQ_PORT           sets node.port
//	ATTACHQ_POSTGRES_DSN   sets storage.postgres_dsn and selects the postgres driver
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ATTACHQ_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("ATTACHQ_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("ATTACHQ_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("ATTACHQ_POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
		cfg.Storage.Driver = DriverPostgres
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	switch c.Storage.Driver {
	case DriverBolt:
		if c.Storage.BoltFile == "" {
			return errors.New("storage.bolt_file must not be empty")
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return errors.New(`storage.driver must be one of "bolt", "postgres"`)
	}
	if c.Storage.DLQFile == "" {
		return errors.New("storage.dlq_file must not be empty")
	}
	if c.Downloads.MaxConcurrentJobs < 1 {
		return errors.New("downloads.max_concurrent_jobs must be at least 1")
	}
	if c.Downloads.TickInterval <= 0 {
		return errors.New("downloads.tick_interval must be positive")
	}
	if err := c.Retry().Validate(); err != nil {
		return fmt.Errorf("downloads: %w", err)
	}
	if c.Downloader.CDNBaseURL == "" {
		return errors.New("downloader.cdn_base_url must not be empty")
	}
	if c.Downloader.RequestsPerSecond < 0 {
		return errors.New("downloader.requests_per_second must be >= 0")
	}
	if c.Downloader.AttachmentsDir == "" {
		return errors.New("downloader.attachments_dir must not be empty")
	}
	if c.API.MaxRate < 0 {
		return errors.New("api.max_rate must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	return nil
}

// Retry converts the downloads section into the policy the manager consults.
func (c *Config) Retry() backoff.Config {
	return backoff.Config{
		MaxAttempts:   c.Downloads.MaxAttempts,
		Multiplier:    c.Downloads.Backoff.Multiplier,
		FirstBackoffs: append([]time.Duration(nil), c.Downloads.Backoff.FirstBackoffs...),
		MaxBackoff:    c.Downloads.Backoff.MaxBackoff,
	}
}
