// Package config loads tsync settings from .tsync/config.yaml (or .toml),
// TSYNC_* environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment variable: sync.debounce is
	// read from TSYNC_SYNC_DEBOUNCE.
	EnvPrefix = "TSYNC"
	// Dir holds the config file and, by default, the database.
	Dir = ".tsync"
	// FileName is the config file looked up in Dir.
	FileName = "config.yaml"
)

// Config is the typed view of every setting.
type Config struct {
	Database   string          `mapstructure:"database"`
	Vocabulary string          `mapstructure:"vocabulary"`
	Log        LogConfig       `mapstructure:"log"`
	Sync       SyncConfig      `mapstructure:"sync"`
	Retry      RetryConfig     `mapstructure:"retry"`
	Ingest     IngestConfig    `mapstructure:"ingest"`
	Tracker    RemoteConfig    `mapstructure:"tracker"`
	Board      RemoteConfig    `mapstructure:"board"`
	Beads      BeadsConfig     `mapstructure:"beads"`
	Projects   []ProjectConfig `mapstructure:"projects"`
}

// LogConfig configures the log sink. An empty File logs to stderr only.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	// Stderr also writes to stderr when File is set.
	Stderr bool `mapstructure:"stderr"`
}

// SyncConfig holds scheduling and pass settings.
type SyncConfig struct {
	Debounce            time.Duration `mapstructure:"debounce"`
	MaxWait             time.Duration `mapstructure:"max_wait"`
	SlowRun             time.Duration `mapstructure:"slow_run"`
	PrefetchBatch       int           `mapstructure:"prefetch_batch"`
	PrefetchConcurrency int           `mapstructure:"prefetch_concurrency"`
	ResyncInterval      time.Duration `mapstructure:"resync_interval"`
}

// RetryConfig is the outbound retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// IngestConfig configures the webhook server and the event stream.
type IngestConfig struct {
	// Listen is the webhook address; empty disables the server.
	Listen          string `mapstructure:"listen"`
	ReplayThreshold int    `mapstructure:"replay_threshold"`
	// StreamURL is the board's websocket event feed; empty disables it.
	StreamURL     string        `mapstructure:"stream_url"`
	Grace         time.Duration `mapstructure:"grace"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax  time.Duration `mapstructure:"reconnect_max"`
}

// RemoteConfig locates a REST backend.
type RemoteConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// BeadsConfig locates the local file store.
type BeadsConfig struct {
	Root   string `mapstructure:"root"`
	Prefix string `mapstructure:"prefix"`
	// Commit versions the export with git after every publish.
	Commit bool `mapstructure:"commit"`
}

// ProjectConfig maps a project key to each system's project id.
type ProjectConfig struct {
	Key     string `mapstructure:"key"`
	Tracker string `mapstructure:"tracker"`
	Board   string `mapstructure:"board"`
	Beads   string `mapstructure:"beads"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Database: filepath.Join(Dir, "tsync.db"),
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Stderr:     true,
		},
		Sync: SyncConfig{
			Debounce:            2 * time.Second,
			MaxWait:             2 * time.Minute,
			SlowRun:             5 * time.Minute,
			PrefetchBatch:       50,
			PrefetchConcurrency: 4,
			ResyncInterval:      15 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   250 * time.Millisecond,
			MaxDelay:    8 * time.Second,
		},
		Ingest: IngestConfig{
			ReplayThreshold: 50,
			Grace:           3 * time.Second,
			MaxReconnects:   8,
			ReconnectBase:   time.Second,
			ReconnectMax:    30 * time.Second,
		},
		Beads: BeadsConfig{
			Root:   ".beads",
			Prefix: "bd",
		},
	}
}

// New returns a viper instance reading path, or .tsync/config.yaml when
// path is empty, plus TSYNC_* environment variables. A missing default file
// is not an error; a missing explicit file is.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path == "" {
		path = filepath.Join(Dir, FileName)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return v, nil
		}
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return v, nil
}

// setDefaults registers every key so environment variables are seen by
// Unmarshal even when the file does not mention them.
func setDefaults(v *viper.Viper, d *Config) {
	for key, val := range flatten("", d.settings()) {
		v.SetDefault(key, val)
	}
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}

	for name, d := range map[string]time.Duration{
		"sync.debounce":    c.Sync.Debounce,
		"sync.max_wait":    c.Sync.MaxWait,
		"sync.slow_run":    c.Sync.SlowRun,
		"retry.base_delay": c.Retry.BaseDelay,
		"retry.max_delay":  c.Retry.MaxDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if c.Sync.MaxWait < c.Sync.Debounce {
		errs = append(errs, fmt.Errorf("sync.max_wait (%v) must not be shorter than sync.debounce (%v)", c.Sync.MaxWait, c.Sync.Debounce))
	}
	if c.Sync.PrefetchBatch <= 0 || c.Sync.PrefetchConcurrency <= 0 {
		errs = append(errs, errors.New("sync.prefetch_batch and sync.prefetch_concurrency must be positive"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}

	seen := make(map[string]bool)
	var needBoard, needBeads bool
	for i, p := range c.Projects {
		switch {
		case p.Key == "":
			errs = append(errs, fmt.Errorf("projects[%d]: key is required", i))
		case seen[p.Key]:
			errs = append(errs, fmt.Errorf("projects[%d]: duplicate key %q", i, p.Key))
		}
		seen[p.Key] = true
		if p.Tracker == "" {
			errs = append(errs, fmt.Errorf("projects[%d]: tracker project is required", i))
		}
		needBoard = needBoard || p.Board != ""
		needBeads = needBeads || p.Beads != ""
	}
	if len(c.Projects) > 0 && c.Tracker.BaseURL == "" {
		errs = append(errs, errors.New("tracker.base_url is required"))
	}
	if needBoard && c.Board.BaseURL == "" {
		errs = append(errs, errors.New("board.base_url is required when a project uses the board"))
	}
	if needBeads && c.Beads.Root == "" {
		errs = append(errs, errors.New("beads.root is required when a project uses beads"))
	}
	if c.Ingest.StreamURL != "" && !strings.HasPrefix(c.Ingest.StreamURL, "ws://") && !strings.HasPrefix(c.Ingest.StreamURL, "wss://") {
		errs = append(errs, fmt.Errorf("ingest.stream_url must be a ws:// or wss:// URL, got %q", c.Ingest.StreamURL))
	}

	return errors.Join(errs...)
}

// UsesBeads reports whether any project syncs with the beads store.
func (c *Config) UsesBeads() bool {
	for _, p := range c.Projects {
		if p.Beads != "" {
			return true
		}
	}
	return false
}

// UsesBoard reports whether any project syncs with the board.
func (c *Config) UsesBoard() bool {
	for _, p := range c.Projects {
		if p.Board != "" {
			return true
		}
	}
	return false
}

// Write saves c to path; the format follows the extension (.yaml, .yml or
// .toml). Durations are written in their string form.
func Write(path string, c *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	v := viper.New()
	for key, val := range c.settings() {
		v.Set(key, val)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// settings renders c as nested maps keyed like the config file.
func (c *Config) settings() map[string]any {
	m := map[string]any{
		"database":   c.Database,
		"vocabulary": c.Vocabulary,
		"log": map[string]any{
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
			"stderr":       c.Log.Stderr,
		},
		"sync": map[string]any{
			"debounce":             c.Sync.Debounce.String(),
			"max_wait":             c.Sync.MaxWait.String(),
			"slow_run":             c.Sync.SlowRun.String(),
			"prefetch_batch":       c.Sync.PrefetchBatch,
			"prefetch_concurrency": c.Sync.PrefetchConcurrency,
			"resync_interval":      c.Sync.ResyncInterval.String(),
		},
		"retry": map[string]any{
			"max_attempts": c.Retry.MaxAttempts,
			"base_delay":   c.Retry.BaseDelay.String(),
			"max_delay":    c.Retry.MaxDelay.String(),
		},
		"ingest": map[string]any{
			"listen":           c.Ingest.Listen,
			"replay_threshold": c.Ingest.ReplayThreshold,
			"stream_url":       c.Ingest.StreamURL,
			"grace":            c.Ingest.Grace.String(),
			"max_reconnects":   c.Ingest.MaxReconnects,
			"reconnect_base":   c.Ingest.ReconnectBase.String(),
			"reconnect_max":    c.Ingest.ReconnectMax.String(),
		},
		"tracker": map[string]any{"base_url": c.Tracker.BaseURL, "token": c.Tracker.Token},
		"board":   map[string]any{"base_url": c.Board.BaseURL, "token": c.Board.Token},
		"beads":   map[string]any{"root": c.Beads.Root, "prefix": c.Beads.Prefix, "commit": c.Beads.Commit},
	}
	if len(c.Projects) > 0 {
		projects := make([]map[string]any, 0, len(c.Projects))
		for _, p := range c.Projects {
			projects = append(projects, map[string]any{
				"key": p.Key, "tracker": p.Tracker, "board": p.Board, "beads": p.Beads,
			})
		}
		m["projects"] = projects
	}
	return m
}

// flatten turns nested maps into dotted keys. Slices stay whole.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
