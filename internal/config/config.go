// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// LogLevel represents the logging level for the agent
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// DefaultHost is the ingestion endpoint used when none is configured.
const DefaultHost = "https://us.i.posthog.com"

// ReplayConfig holds the session-replay tuning knobs.
type ReplayConfig struct {
	CompressionQuality int `mapstructure:"compressionquality"`
	BatchSize          int `mapstructure:"batchsize"`
	BatchIntervalMs    int `mapstructure:"batchintervalms"`
	MaxImageDimension  int `mapstructure:"maximagedimension"`
}

// Config holds all configuration parameters for the agent
type Config struct {
	// Delivery settings
	APIKey               string `mapstructure:"apikey"`
	Host                 string `mapstructure:"host"`
	FlushAt              int    `mapstructure:"flushat"`
	MaxQueueSize         int    `mapstructure:"maxqueuesize"`
	MaxBatchSize         int    `mapstructure:"maxbatchsize"`
	FlushIntervalSeconds int    `mapstructure:"flushinterval"`

	// Behavior toggles
	Debug               bool `mapstructure:"debug"`
	OptOut              bool `mapstructure:"optout"`
	PreloadFeatureFlags bool `mapstructure:"preloadfeatureflags"`
	SessionReplay       bool `mapstructure:"sessionreplay"`

	SessionReplayConfig ReplayConfig `mapstructure:"sessionreplayconfig"`

	// File paths
	DataDir string `mapstructure:"datadir"`

	// Logging settings
	LogLevel         LogLevel `mapstructure:"loglevel"`
	LogsDirectory    string   `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int      `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int      `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int      `mapstructure:"logsmaxageindays"`
}

// FromMap builds a Config from the host-supplied setup mapping. Unknown keys are
// ignored; missing keys fall back to defaults and TRACELY_* environment overrides.
func FromMap(settings map[string]any) (*Config, error) {
	v := viper.New()

	v.SetDefault("host", DefaultHost)
	v.SetDefault("flushat", 20)
	v.SetDefault("maxqueuesize", 1000)
	v.SetDefault("maxbatchsize", 50)
	v.SetDefault("flushinterval", 30)
	v.SetDefault("debug", false)
	v.SetDefault("optout", false)
	v.SetDefault("preloadfeatureflags", true)
	v.SetDefault("sessionreplay", false)
	v.SetDefault("sessionreplayconfig.compressionquality", 75)
	v.SetDefault("sessionreplayconfig.batchsize", 10)
	v.SetDefault("sessionreplayconfig.batchintervalms", 5000)
	v.SetDefault("sessionreplayconfig.maximagedimension", 0)
	v.SetDefault("datadir", DefaultDataDir())
	v.SetDefault("loglevel", string(LogLevelInfo))
	v.SetDefault("logsdir", "")
	v.SetDefault("logsmaxsizeinmb", 20)
	v.SetDefault("logsmaxbackups", 5)
	v.SetDefault("logsmaxageindays", 30)

	v.BindEnv("host", "TRACELY_HOST")
	v.BindEnv("datadir", "TRACELY_DATA_DIR")
	v.BindEnv("loglevel", "TRACELY_LOG_LEVEL")
	v.BindEnv("logsdir", "TRACELY_LOGS_DIR")

	if settings != nil {
		if err := v.MergeConfigMap(settings); err != nil {
			return nil, fmt.Errorf("config: failed to merge settings: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.Host = strings.TrimSuffix(cfg.Host, "/")
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Debug {
		cfg.LogLevel = LogLevelDebug
	}

	return cfg, nil
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("config: api key is required")
	}
	if c.FlushAt <= 0 {
		return fmt.Errorf("config: flushAt must be positive, got %d", c.FlushAt)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("config: maxBatchSize must be positive, got %d", c.MaxBatchSize)
	}
	if c.FlushIntervalSeconds <= 0 {
		return fmt.Errorf("config: flushInterval must be positive, got %d", c.FlushIntervalSeconds)
	}
	return nil
}

// DefaultDataDir resolves the on-disk location of the agent database. The layout
// matches the other platform SDKs so an upgrade picks up the existing queue.
func DefaultDataDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = h
		}
	}
	if home == "" {
		return "/tmp/posthog_flutter"
	}
	return filepath.Join(home, ".local", "share", "posthog_flutter")
}
