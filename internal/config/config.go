package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the sync engine
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Provider  ProviderConfig  `yaml:"provider"`
	Sync      SyncConfig      `yaml:"sync"`
	Analytics AnalyticsConfig `yaml:"analytics"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Database       string `yaml:"database"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	SSLMode        string `yaml:"ssl_mode"` // disable, require, verify-ca, verify-full (default: require)
	MaxConnections int    `yaml:"max_connections"`
}

// ProviderConfig holds Garmin Connect API settings
type ProviderConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	PageSize       int    `yaml:"page_size"` // activity list page size
	UserAgent      string `yaml:"user_agent"`
}

// SyncConfig holds sync pipeline behavior settings
type SyncConfig struct {
	DataDir             string `yaml:"data_dir"`              // local run journal location
	ActivityDetailLimit int    `yaml:"activity_detail_limit"` // detail fetches on initial/forced runs
	ActivityBatchSize   int    `yaml:"activity_batch_size"`   // activities per upsert batch
	DailyBatchDays      int    `yaml:"daily_batch_days"`      // days per daily/sleep upsert batch
	MaxAttempts         int    `yaml:"max_attempts"`          // retry budget for transient faults
	BaseDelayMS         int    `yaml:"base_delay_ms"`         // linear backoff base delay
	LeaseTTLMinutes     int    `yaml:"lease_ttl_minutes"`     // syncing-state lease; expired leases are reclaimable
}

// AnalyticsConfig holds settings for the post-sync baseline recompute trigger
type AnalyticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultDataDir returns the default data directory for the run journal.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".garmin-sync")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "require" // Secure default
	}
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = 4
	}

	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://connectapi.garmin.com"
	}
	if c.Provider.TimeoutSeconds == 0 {
		c.Provider.TimeoutSeconds = 30
	}
	if c.Provider.PageSize == 0 {
		c.Provider.PageSize = 50
	}
	if c.Provider.UserAgent == "" {
		c.Provider.UserAgent = "garmin-sync"
	}

	if c.Sync.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.Sync.DataDir = filepath.Join(home, ".garmin-sync")
	} else {
		c.Sync.DataDir = expandTilde(c.Sync.DataDir)
	}
	if c.Sync.ActivityDetailLimit == 0 {
		c.Sync.ActivityDetailLimit = 50
	}
	if c.Sync.ActivityBatchSize == 0 {
		c.Sync.ActivityBatchSize = 20
	}
	if c.Sync.DailyBatchDays == 0 {
		c.Sync.DailyBatchDays = 7
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = 3
	}
	if c.Sync.BaseDelayMS == 0 {
		c.Sync.BaseDelayMS = 500
	}
	if c.Sync.LeaseTTLMinutes == 0 {
		c.Sync.LeaseTTLMinutes = 30
	}
}

func (c *Config) validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	if c.Sync.ActivityBatchSize < 1 {
		return fmt.Errorf("sync.activity_batch_size must be positive")
	}
	if c.Sync.DailyBatchDays < 1 {
		return fmt.Errorf("sync.daily_batch_days must be positive")
	}
	if c.Analytics.Enabled && c.Analytics.BaseURL == "" {
		return fmt.Errorf("analytics.base_url is required when analytics.enabled is true")
	}
	return nil
}

// DSN returns the PostgreSQL connection string
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port,
		c.Database.Database, c.Database.SSLMode)
}

// ProviderTimeout returns the provider HTTP client timeout
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

// RetryBaseDelay returns the linear backoff base delay
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Sync.BaseDelayMS) * time.Millisecond
}

// LeaseTTL returns the syncing-state lease duration
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Sync.LeaseTTLMinutes) * time.Minute
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy
	sanitized.Database.Password = "[REDACTED]"
	return &sanitized
}
