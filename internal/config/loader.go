package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. TASKSYNC_REMOTE_DSN.
const EnvPrefix = "TASKSYNC"

// Load merges, in increasing precedence: defaults, the global config file,
// the file at path (if non-empty, it must exist) and TASKSYNC_* environment
// variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	global := GlobalConfigPath()
	if _, err := os.Stat(global); err == nil {
		if err := mergeFile(v, global); err != nil {
			return nil, err
		}
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := mergeFile(v, path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.resolvePaths()
	return cfg, nil
}

func mergeFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}

// setDefaults registers every key so that environment overrides and
// Unmarshal see it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("cache_path", d.CachePath)
	v.SetDefault("session_file", d.SessionFile)
	v.SetDefault("remote.dsn", d.Remote.DSN)
	v.SetDefault("sync.backoff_base", d.Sync.BackoffBase)
	v.SetDefault("sync.backoff_max", d.Sync.BackoffMax)
	v.SetDefault("sync.push_timeout", d.Sync.PushTimeout)
	v.SetDefault("sync.pull_interval", d.Sync.PullInterval)
	v.SetDefault("sync.init_timeout", d.Sync.InitTimeout)
	v.SetDefault("sync.save_debounce", d.Sync.SaveDebounce)
	v.SetDefault("sync.flush_timeout", d.Sync.FlushTimeout)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("dashboard.status_interval", d.Dashboard.StatusInterval)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
}

// WriteDefault writes the default configuration to path. An existing file
// is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to check config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	cfg.DataDir = "~/.tasksync"
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	content := "# tasksync configuration\n# Every key can be overridden with TASKSYNC_<SECTION>_<KEY>.\n" + string(data)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config: %w", err)
	}
	return nil
}

// DefaultDataDir returns ~/.tasksync, or .tasksync when there is no home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tasksync"
	}
	return filepath.Join(home, ".tasksync")
}

// GlobalConfigPath returns the path to the global config file
func GlobalConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
