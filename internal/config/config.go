// Package config loads psync settings.
//
// Settings come from, in increasing precedence: built-in defaults, a TOML
// file (psync.toml in the working directory or the user config directory, or
// an explicit path) and PSYNC_* environment variables, where the key path is
// upper-cased and dots become underscores (sync.queue_size is
// PSYNC_SYNC_QUEUE_SIZE).
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileName is the base name of the config file.
const FileName = "psync.toml"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config holds every psync setting.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Log       LogConfig       `mapstructure:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// SyncConfig tunes the sync session.
type SyncConfig struct {
	SubscriptionID string        `mapstructure:"subscription_id"`
	QueueSize      int64         `mapstructure:"queue_size"`
	PageSize       int           `mapstructure:"page_size"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	DefaultDelay   time.Duration `mapstructure:"default_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	RecordTypes    []string      `mapstructure:"record_types"`
	ProjectType    string        `mapstructure:"project_type"`
	Debounce       time.Duration `mapstructure:"debounce"`
}

// LogConfig configures log output and rotation.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Stderr     bool   `mapstructure:"stderr"`
}

// DashboardConfig configures the websocket dashboard.
type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   filepath.Join(".psync", "records.db"),
		},
		Sync: SyncConfig{
			SubscriptionID: "iRASPA projects",
			QueueSize:      4,
			PageSize:       100,
			MaxAttempts:    5,
			DefaultDelay:   3 * time.Second,
			MaxDelay:       time.Minute,
			RecordTypes:    []string{"RootNode"},
			ProjectType:    "ProjectNode",
			Debounce:       100 * time.Millisecond,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
			Stderr:     true,
		},
		Dashboard: DashboardConfig{Port: 8080},
	}
}

// values returns c as nested maps keyed like the config file. Durations are
// written in their string form.
func (c *Config) values() map[string]any {
	return map[string]any{
		"store": map[string]any{
			"driver": c.Store.Driver,
			"path":   c.Store.Path,
		},
		"sync": map[string]any{
			"subscription_id": c.Sync.SubscriptionID,
			"queue_size":      c.Sync.QueueSize,
			"page_size":       c.Sync.PageSize,
			"max_attempts":    c.Sync.MaxAttempts,
			"default_delay":   c.Sync.DefaultDelay.String(),
			"max_delay":       c.Sync.MaxDelay.String(),
			"record_types":    c.Sync.RecordTypes,
			"project_type":    c.Sync.ProjectType,
			"debounce":        c.Sync.Debounce.String(),
		},
		"log": map[string]any{
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
			"compress":     c.Log.Compress,
			"stderr":       c.Log.Stderr,
		},
		"dashboard": map[string]any{
			"port": c.Dashboard.Port,
		},
	}
}

// setDefaults registers every key so that environment overrides apply to
// keys absent from the file.
func setDefaults(v *viper.Viper, prefix string, values map[string]any) {
	for k, val := range values {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if m, ok := val.(map[string]any); ok {
			setDefaults(v, key, m)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Load reads the settings. An empty path searches for FileName; a missing
// file is not an error then. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, "", Default().values())
	v.SetEnvPrefix("PSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "psync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings for values the session cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Sync.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.queue_size must be positive, got %d", c.Sync.QueueSize))
	}
	if c.Sync.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("sync.max_attempts must not be negative, got %d", c.Sync.MaxAttempts))
	}
	if c.Sync.DefaultDelay < 0 || c.Sync.MaxDelay < 0 {
		errs = append(errs, errors.New("sync delays must not be negative"))
	}
	if c.Sync.SubscriptionID == "" {
		errs = append(errs, errors.New("sync.subscription_id is required"))
	}
	if len(c.Sync.RecordTypes) == 0 {
		errs = append(errs, errors.New("sync.record_types must not be empty"))
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// WriteDefault writes the built-in settings to path as TOML. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(Default().values()); err != nil {
		f.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	return f.Close()
}

// Show writes the effective settings to w as YAML.
func (c *Config) Show(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.values()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
