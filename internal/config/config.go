// Package config loads WashPoint Core configuration from environment
// variables, with an optional YAML file override.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the core.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	Remote    RemoteConfig    `yaml:"remote"`
	Sync      SyncConfig      `yaml:"sync"`
	Retention RetentionConfig `yaml:"retention"`
	Network   NetworkConfig   `yaml:"network"`
}

// RemoteConfig holds the remote authority endpoint configuration.
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SyncConfig holds sync engine tuning.
type SyncConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	Interval         time.Duration `yaml:"interval"`
	AutoSync         bool          `yaml:"auto_sync"`
	AutoSyncDebounce time.Duration `yaml:"auto_sync_debounce"`
	CommissionPct    int           `yaml:"commission_pct"`
}

// RetentionConfig holds retention pruning rules.
type RetentionConfig struct {
	Days          int           `yaml:"days"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// NetworkConfig holds reachability probing configuration.
type NetworkConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// Load builds the configuration from environment variables, falling back
// to defaults for anything unset.
func Load() *Config {
	return &Config{
		DataDir:  getEnv("WASHPOINT_DATA_DIR", "./data"),
		LogLevel: getEnv("WASHPOINT_LOG_LEVEL", "info"),
		Remote: RemoteConfig{
			BaseURL: getEnv("WASHPOINT_REMOTE_URL", "http://localhost:8080"),
			Timeout: getEnvAsDuration("WASHPOINT_REMOTE_TIMEOUT", 15*time.Second),
		},
		Sync: SyncConfig{
			MaxRetries:       getEnvAsInt("WASHPOINT_SYNC_MAX_RETRIES", 5),
			RetryDelay:       getEnvAsDuration("WASHPOINT_SYNC_RETRY_DELAY", 30*time.Second),
			Interval:         getEnvAsDuration("WASHPOINT_SYNC_INTERVAL", 5*time.Minute),
			AutoSync:         getEnvAsBool("WASHPOINT_AUTO_SYNC", true),
			AutoSyncDebounce: getEnvAsDuration("WASHPOINT_AUTO_SYNC_DEBOUNCE", 3*time.Second),
			CommissionPct:    getEnvAsInt("WASHPOINT_COMMISSION_PCT", 40),
		},
		Retention: RetentionConfig{
			Days:          getEnvAsInt("WASHPOINT_RETENTION_DAYS", 30),
			CheckInterval: getEnvAsDuration("WASHPOINT_RETENTION_CHECK_INTERVAL", 24*time.Hour),
		},
		Network: NetworkConfig{
			ProbeURL:      getEnv("WASHPOINT_PROBE_URL", ""),
			ProbeInterval: getEnvAsDuration("WASHPOINT_PROBE_INTERVAL", 30*time.Second),
		},
	}
}

// LoadFile loads env-based defaults and overlays values from a YAML file.
// Zero-valued fields in the file keep their env/default values.
func LoadFile(path string) (*Config, error) {
	cfg := Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.merge(&file)

	// merge cannot distinguish an explicit false from an unset field, so
	// boolean keys are overlaid through a pointer view of the same document.
	var flags struct {
		Sync struct {
			AutoSync *bool `yaml:"auto_sync"`
		} `yaml:"sync"`
	}
	if err := yaml.Unmarshal(data, &flags); err == nil && flags.Sync.AutoSync != nil {
		cfg.Sync.AutoSync = *flags.Sync.AutoSync
	}

	return cfg, nil
}

// merge overlays non-zero fields from other onto c.
func (c *Config) merge(other *Config) {
	if other.DataDir != "" {
		c.DataDir = other.DataDir
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.Remote.BaseURL != "" {
		c.Remote.BaseURL = other.Remote.BaseURL
	}
	if other.Remote.Timeout != 0 {
		c.Remote.Timeout = other.Remote.Timeout
	}
	if other.Sync.MaxRetries != 0 {
		c.Sync.MaxRetries = other.Sync.MaxRetries
	}
	if other.Sync.RetryDelay != 0 {
		c.Sync.RetryDelay = other.Sync.RetryDelay
	}
	if other.Sync.Interval != 0 {
		c.Sync.Interval = other.Sync.Interval
	}
	if other.Sync.AutoSyncDebounce != 0 {
		c.Sync.AutoSyncDebounce = other.Sync.AutoSyncDebounce
	}
	if other.Sync.CommissionPct != 0 {
		c.Sync.CommissionPct = other.Sync.CommissionPct
	}
	if other.Retention.Days != 0 {
		c.Retention.Days = other.Retention.Days
	}
	if other.Retention.CheckInterval != 0 {
		c.Retention.CheckInterval = other.Retention.CheckInterval
	}
	if other.Network.ProbeURL != "" {
		c.Network.ProbeURL = other.Network.ProbeURL
	}
	if other.Network.ProbeInterval != 0 {
		c.Network.ProbeInterval = other.Network.ProbeInterval
	}
}

// Validate checks ranges that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync max_retries must be at least 1, got %d", c.Sync.MaxRetries)
	}
	if c.Retention.Days < 0 {
		return fmt.Errorf("retention days must not be negative, got %d", c.Retention.Days)
	}
	if c.Sync.CommissionPct < 0 || c.Sync.CommissionPct > 100 {
		return fmt.Errorf("commission_pct must be 0..100, got %d", c.Sync.CommissionPct)
	}
	return nil
}

// Helper functions to read environment variables

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
