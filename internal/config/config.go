// Package config loads tasksync settings from YAML files and the environment.
package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/steveyegge/tasksync/internal/cache"
	"github.com/steveyegge/tasksync/internal/dashboard"
	"github.com/steveyegge/tasksync/internal/logging"
	tsync "github.com/steveyegge/tasksync/internal/sync"
)

// Config represents the full tasksync configuration
type Config struct {
	// DataDir holds the cache and session files unless they are set explicitly
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// CachePath is the SQLite snapshot cache (default: <data_dir>/cache.db)
	CachePath string `yaml:"cache_path" mapstructure:"cache_path"`

	// SessionFile holds the signed-in identity (default: <data_dir>/session.json)
	SessionFile string `yaml:"session_file" mapstructure:"session_file"`

	Remote    RemoteConfig    `yaml:"remote" mapstructure:"remote"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Dashboard DashboardConfig `yaml:"dashboard" mapstructure:"dashboard"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// RemoteConfig configures the backend
type RemoteConfig struct {
	// DSN is a PostgreSQL connection string. Empty means offline.
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

// SyncConfig configures the sync engine and the snapshot writer
type SyncConfig struct {
	BackoffBase  time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max" mapstructure:"backoff_max"`
	PushTimeout  time.Duration `yaml:"push_timeout" mapstructure:"push_timeout"`
	PullInterval time.Duration `yaml:"pull_interval" mapstructure:"pull_interval"`
	InitTimeout  time.Duration `yaml:"init_timeout" mapstructure:"init_timeout"`
	SaveDebounce time.Duration `yaml:"save_debounce" mapstructure:"save_debounce"`
	FlushTimeout time.Duration `yaml:"flush_timeout" mapstructure:"flush_timeout"`
}

// DashboardConfig configures the monitoring server
type DashboardConfig struct {
	Port           int           `yaml:"port" mapstructure:"port"`
	StatusInterval time.Duration `yaml:"status_interval" mapstructure:"status_interval"`
}

// LogConfig configures log output
type LogConfig struct {
	// File enables size-rotated file logging. Empty logs to stderr.
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Sync: SyncConfig{
			BackoffBase:  time.Second,
			BackoffMax:   60 * time.Second,
			PushTimeout:  10 * time.Second,
			PullInterval: 30 * time.Second,
			InitTimeout:  10 * time.Second,
			SaveDebounce: 500 * time.Millisecond,
			FlushTimeout: 5 * time.Second,
		},
		Dashboard: DashboardConfig{
			Port:           8080,
			StatusInterval: 2 * time.Second,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// resolvePaths fills derived paths and expands a leading ~.
func (c *Config) resolvePaths() {
	c.DataDir = expandHome(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.CachePath == "" {
		c.CachePath = filepath.Join(c.DataDir, "cache.db")
	}
	if c.SessionFile == "" {
		c.SessionFile = filepath.Join(c.DataDir, "session.json")
	}
	c.CachePath = expandHome(c.CachePath)
	c.SessionFile = expandHome(c.SessionFile)
	c.Log.File = expandHome(c.Log.File)
}

// EngineConfig converts the sync section for the engine.
func (c *Config) EngineConfig(logger *log.Logger) *tsync.Config {
	return &tsync.Config{
		BackoffBase:  c.Sync.BackoffBase,
		BackoffMax:   c.Sync.BackoffMax,
		PushTimeout:  c.Sync.PushTimeout,
		PullInterval: c.Sync.PullInterval,
		InitTimeout:  c.Sync.InitTimeout,
		Logger:       logger,
	}
}

// PersisterConfig converts the sync section for the snapshot writer.
func (c *Config) PersisterConfig(logger *log.Logger) *cache.PersisterConfig {
	return &cache.PersisterConfig{
		Debounce:     c.Sync.SaveDebounce,
		WriteTimeout: c.Sync.FlushTimeout,
		Logger:       logger,
	}
}

// ServerConfig converts the dashboard section.
func (c *Config) ServerConfig(logger *log.Logger) *dashboard.Config {
	return &dashboard.Config{
		Port:   c.Dashboard.Port,
		Logger: logger,
	}
}

// LogOptions converts the log section.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}
