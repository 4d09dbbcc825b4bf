package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracking TrackingConfig `mapstructure:"tracking"`
	Limits   LimitsConfig   `mapstructure:"limits"`
}

// APIConfig defines the local HTTP API endpoint
type APIConfig struct {
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
}

// MetricsConfig defines the Prometheus metrics endpoint
type MetricsConfig struct {
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt" or "redis"
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TrackingConfig defines timeline capture and persistence settings
type TrackingConfig struct {
	WriteMode        string `mapstructure:"write_mode"`     // "immediate" or "buffered"
	FlushInterval    string `mapstructure:"flush_interval"` // buffered mode only, capped at 60s
	MergeThresholdMs int64  `mapstructure:"merge_threshold_ms"`
	RetentionDays    int    `mapstructure:"retention_days"`
	AudioTracking    bool   `mapstructure:"audio_tracking"`
}

// LimitsConfig defines quota evaluation settings
type LimitsConfig struct {
	ReminderWindow      string `mapstructure:"reminder_window"` // remaining-budget window that triggers a reminder
	DelayGrant          string `mapstructure:"delay_grant"`     // extra budget granted per "more minutes" request
	RecordRetentionDays int    `mapstructure:"record_retention_days"`
	WeekStart           int    `mapstructure:"week_start"` // 0=Sunday .. 6=Saturday
}

// maxFlushInterval caps the buffered write interval so a crash loses
// at most one minute of timeline data.
const maxFlushInterval = 60 * time.Second

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TABWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// API defaults
	v.SetDefault("api.port", 7420)
	v.SetDefault("api.bind_address", "127.0.0.1")

	// Metrics defaults
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.bind_address", "127.0.0.1")

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/tabwatch/tabwatch.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 5)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Tracking defaults
	v.SetDefault("tracking.write_mode", "buffered")
	v.SetDefault("tracking.flush_interval", "30s")
	v.SetDefault("tracking.merge_threshold_ms", 1000)
	v.SetDefault("tracking.retention_days", 366)
	v.SetDefault("tracking.audio_tracking", true)

	// Limits defaults
	v.SetDefault("limits.reminder_window", "5m")
	v.SetDefault("limits.delay_grant", "5m")
	v.SetDefault("limits.record_retention_days", 366)
	v.SetDefault("limits.week_start", 1)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.API.Port)
	}
	if cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	switch cfg.Storage.Type {
	case "", "bolt":
		cfg.Storage.Type = "bolt"
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
	default:
		return fmt.Errorf("unknown storage type: %q", cfg.Storage.Type)
	}

	switch cfg.Tracking.WriteMode {
	case "immediate", "buffered":
	default:
		return fmt.Errorf("unknown write mode: %q", cfg.Tracking.WriteMode)
	}

	interval, err := time.ParseDuration(cfg.Tracking.FlushInterval)
	if err != nil {
		return fmt.Errorf("invalid flush_interval: %w", err)
	}
	if interval <= 0 || interval > maxFlushInterval {
		return fmt.Errorf("flush_interval must be within (0s, %s], got %s", maxFlushInterval, interval)
	}

	if cfg.Tracking.MergeThresholdMs < 0 {
		return fmt.Errorf("merge_threshold_ms must not be negative")
	}
	if cfg.Tracking.RetentionDays <= 0 {
		return fmt.Errorf("tracking retention_days must be positive")
	}
	if cfg.Limits.RecordRetentionDays <= 0 {
		return fmt.Errorf("limits record_retention_days must be positive")
	}
	if cfg.Limits.WeekStart < 0 || cfg.Limits.WeekStart > 6 {
		return fmt.Errorf("week_start must be between 0 (Sunday) and 6 (Saturday)")
	}

	for name, raw := range map[string]string{
		"reminder_window": cfg.Limits.ReminderWindow,
		"delay_grant":     cfg.Limits.DelayGrant,
	} {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	return nil
}

// Interval returns the parsed buffered-write interval. Call after Load.
func (c *TrackingConfig) Interval() time.Duration {
	d, err := time.ParseDuration(c.FlushInterval)
	if err != nil || d <= 0 || d > maxFlushInterval {
		return 30 * time.Second
	}
	return d
}

// ReminderWindowDuration returns the parsed reminder window. Call after Load.
func (c *LimitsConfig) ReminderWindowDuration() time.Duration {
	d, err := time.ParseDuration(c.ReminderWindow)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// DelayGrantDuration returns the parsed per-delay budget grant. Call after Load.
func (c *LimitsConfig) DelayGrantDuration() time.Duration {
	d, err := time.ParseDuration(c.DelayGrant)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}
