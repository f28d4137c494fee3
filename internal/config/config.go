// Package config loads calsync settings from a config file, CALSYNC_*
// environment variables and built-in defaults, in that order of precedence
// after flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/calsync/internal/schedule"
)

// FileName is the config file name without extension.
const FileName = "calsync"

// EnvPrefix prefixes environment overrides, e.g. CALSYNC_SERVER_URL.
const EnvPrefix = "CALSYNC"

// Config holds all client configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Login     LoginConfig     `mapstructure:"login"`
	Log       LogConfig       `mapstructure:"log"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// ServerConfig holds calendar server settings
type ServerConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig holds sync engine settings
type SyncConfig struct {
	Debounce        time.Duration `mapstructure:"debounce"`
	RefetchDebounce time.Duration `mapstructure:"refetch_debounce"`
	ChillTime       time.Duration `mapstructure:"chill_time"`
	AllowRevival    bool          `mapstructure:"allow_revival"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffQuiet    time.Duration `mapstructure:"backoff_quiet"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
}

// Backoff returns the refetch backoff settings.
func (s SyncConfig) Backoff() schedule.BackoffConfig {
	return schedule.BackoffConfig{Base: s.BackoffBase, Max: s.BackoffMax, Quiet: s.BackoffQuiet}
}

// CacheConfig holds local cache settings
type CacheConfig struct {
	Path          string        `mapstructure:"path"`
	IdleEvict     time.Duration `mapstructure:"idle_evict"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// DaemonConfig holds daemon settings
type DaemonConfig struct {
	Inbox        string        `mapstructure:"inbox"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// Calendars are kept active besides the catalog.
	Calendars []string `mapstructure:"calendars"`
}

// DashboardConfig holds dashboard settings
type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// LoginConfig holds remembered login settings
type LoginConfig struct {
	MaxAge time.Duration `mapstructure:"max_age"`
}

// LogConfig holds log file settings. An empty File logs to stderr only.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// defaults lists every key with its built-in value.
var defaults = map[string]any{
	"server.url":     "",
	"server.timeout": 15 * time.Second,

	"sync.debounce":         4 * time.Second,
	"sync.refetch_debounce": 500 * time.Millisecond,
	"sync.chill_time":       60 * time.Second,
	"sync.allow_revival":    false,
	"sync.backoff_base":     1 * time.Second,
	"sync.backoff_quiet":    10 * time.Second,
	"sync.backoff_max":      60 * time.Second,

	"cache.path":           filepath.Join(".calsync", "cache.db"),
	"cache.idle_evict":     10 * time.Minute,
	"cache.sweep_interval": time.Minute,

	"daemon.inbox":         filepath.Join(".calsync", "inbox"),
	"daemon.poll_interval": 30 * time.Second,
	"daemon.calendars":     []string{},

	"dashboard.port": 8080,

	"login.max_age": 720 * time.Hour,

	"log.file":         "",
	"log.max_size_mb":  10,
	"log.max_backups":  3,
	"log.max_age_days": 28,
}

func setDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load reads configuration. cfgFile, when set, must exist; otherwise
// calsync.{toml,yaml,json} is looked up in the working directory and then
// in $HOME/.config/calsync.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("$HOME", ".config", "calsync"))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	durations := map[string]time.Duration{
		"server.timeout":        c.Server.Timeout,
		"sync.debounce":         c.Sync.Debounce,
		"sync.refetch_debounce": c.Sync.RefetchDebounce,
		"sync.chill_time":       c.Sync.ChillTime,
		"sync.backoff_base":     c.Sync.BackoffBase,
		"cache.sweep_interval":  c.Cache.SweepInterval,
		"cache.idle_evict":      c.Cache.IdleEvict,
		"daemon.poll_interval":  c.Daemon.PollInterval,
	}
	keys := make([]string, 0, len(durations))
	for k := range durations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if durations[k] <= 0 {
			return fmt.Errorf("%s must be positive, got %v", k, durations[k])
		}
	}
	if c.Sync.BackoffMax > 0 && c.Sync.BackoffMax < c.Sync.BackoffBase {
		return fmt.Errorf("sync.backoff_max (%v) is below sync.backoff_base (%v)", c.Sync.BackoffMax, c.Sync.BackoffBase)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	return nil
}

// WriteDefault writes the default configuration as TOML to w. Durations are
// written in their string form so viper reads them back unchanged.
func WriteDefault(w io.Writer) error {
	tree := make(map[string]map[string]any)
	for key, value := range defaults {
		section, name, _ := strings.Cut(key, ".")
		if tree[section] == nil {
			tree[section] = make(map[string]any)
		}
		if d, ok := value.(time.Duration); ok {
			value = d.String()
		}
		tree[section][name] = value
	}

	if err := toml.NewEncoder(w).Encode(tree); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// WriteDefaultFile writes the default configuration to path. An existing
// file is left alone unless force is set.
func WriteDefaultFile(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := WriteDefault(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
