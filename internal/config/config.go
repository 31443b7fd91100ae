// Package config loads syncd settings. Built-in defaults are overridden by
// the config file, and the config file by SYNCD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/focusdeck/syncd/internal/schema"
)

// EnvPrefix is the prefix of environment overrides, e.g. SYNCD_SERVER_URL.
const EnvPrefix = "SYNCD"

// FileName is the config file name without extension. Both syncd.yaml and
// syncd.toml are recognized.
const FileName = "syncd"

// ServerConfig locates the remote authority.
type ServerConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Token   string        `mapstructure:"token" yaml:"token,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PollConfig tunes the polling fallback.
type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxInterval time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	Multiplier  float64       `mapstructure:"multiplier" yaml:"multiplier"`
}

// StreamConfig tunes the event stream.
type StreamConfig struct {
	Enabled              bool          `mapstructure:"enabled" yaml:"enabled"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval" yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval" yaml:"max_reconnect_interval"`
}

// BusConfig selects the cross-context bus adapters.
type BusConfig struct {
	// Dir enables the file adapter when set (default: <data_dir>/bus).
	Dir string `mapstructure:"dir" yaml:"dir"`
	// Hub is the in-process hub name shared by buses of one process.
	Hub string `mapstructure:"hub" yaml:"hub"`
	// SkipSelf drops signals this process emitted itself.
	SkipSelf bool `mapstructure:"skip_self" yaml:"skip_self"`
}

// LogConfig controls the process log sink.
type LogConfig struct {
	// File enables a rotating log file; empty logs to stderr.
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
	Quiet      bool   `mapstructure:"quiet" yaml:"quiet"`
}

// Config is the full syncd configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	UserID   string `mapstructure:"user_id" yaml:"user_id"`
	DeviceID string `mapstructure:"device_id" yaml:"device_id"`

	// Priority is this device's input class (pointer or touch).
	Priority string `mapstructure:"priority" yaml:"priority"`
	// TieBreak lists classes strongest first (default: pointer, touch).
	TieBreak []string `mapstructure:"tie_break" yaml:"tie_break"`
	// Tables to sync (default: all).
	Tables []string `mapstructure:"tables" yaml:"tables"`

	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	Replica string `mapstructure:"replica" yaml:"replica"`
	State   string `mapstructure:"state" yaml:"state"`

	Poll   PollConfig   `mapstructure:"poll" yaml:"poll"`
	Stream StreamConfig `mapstructure:"stream" yaml:"stream"`
	Bus    BusConfig    `mapstructure:"bus" yaml:"bus"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`

	// MonitorAddr serves /metrics and the status socket while watching.
	MonitorAddr string `mapstructure:"monitor_addr" yaml:"monitor_addr,omitempty"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "")
	v.SetDefault("server.token", "")
	v.SetDefault("server.timeout", 30*time.Second)
	v.SetDefault("user_id", "")
	v.SetDefault("device_id", "")
	v.SetDefault("priority", string(schema.ClassPointer))
	v.SetDefault("tie_break", []string{string(schema.ClassPointer), string(schema.ClassTouch)})
	v.SetDefault("tables", []string{})
	v.SetDefault("data_dir", "")
	v.SetDefault("replica", "")
	v.SetDefault("state", "")
	v.SetDefault("poll.interval", 30*time.Second)
	v.SetDefault("poll.max_interval", 5*time.Minute)
	v.SetDefault("poll.multiplier", 2.0)
	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.reconnect_interval", time.Second)
	v.SetDefault("stream.max_reconnect_interval", 30*time.Second)
	v.SetDefault("bus.dir", "")
	v.SetDefault("bus.hub", "syncd")
	v.SetDefault("bus.skip_self", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.quiet", false)
	v.SetDefault("monitor_addr", "")
}

// Options tells Load where to look.
type Options struct {
	// File is an explicit config file; it must exist when set.
	File string
	// SearchPaths are searched for syncd.{yaml,toml} when File is empty
	// (default: current directory, then ~/.syncd).
	SearchPaths []string
}

// Load reads the configuration. A missing config file is not an error;
// defaults and environment variables still apply.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(FileName)
		paths := opts.SearchPaths
		if len(paths) == 0 {
			paths = defaultSearchPaths()
		}
		for _, p := range paths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultSearchPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".syncd"))
	}
	return paths
}

// resolvePaths fills in paths derived from the data directory.
func (c *Config) resolvePaths() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to find home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".syncd")
	}
	if c.Replica == "" {
		c.Replica = filepath.Join(c.DataDir, "replica.db")
	}
	if c.State == "" {
		c.State = filepath.Join(c.DataDir, "state")
	}
	if c.Bus.Dir == "" {
		c.Bus.Dir = filepath.Join(c.DataDir, "bus")
	}
	return nil
}

// Validate checks values that can be checked without network access.
func (c *Config) Validate() error {
	if _, err := schema.ParsePriorityClass(c.Priority); err != nil {
		return fmt.Errorf("invalid priority: %w", err)
	}
	if _, err := schema.ParseTieBreak(c.TieBreak); err != nil {
		return fmt.Errorf("invalid tie_break: %w", err)
	}
	if _, err := schema.ParseTables(c.Tables); err != nil {
		return fmt.Errorf("invalid tables: %w", err)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive")
	}
	if c.Poll.MaxInterval < c.Poll.Interval {
		return fmt.Errorf("poll.max_interval must be at least poll.interval")
	}
	if c.Poll.Multiplier < 1 {
		return fmt.Errorf("poll.multiplier must be at least 1")
	}
	return nil
}

// RequireRemote checks the settings every network command needs.
func (c *Config) RequireRemote() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is not set (set it in %s.yaml or %s_SERVER_URL)", FileName, EnvPrefix)
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is not set (set it in %s.yaml or %s_USER_ID)", FileName, EnvPrefix)
	}
	return nil
}

// Writer returns the stamp identity of this device.
func (c *Config) Writer() schema.Writer {
	class, _ := schema.ParsePriorityClass(c.Priority)
	return schema.Writer{DeviceID: c.DeviceID, Priority: class}
}

// TieBreakOrder returns the parsed tie-break table.
func (c *Config) TieBreakOrder() schema.TieBreak {
	tb, err := schema.ParseTieBreak(c.TieBreak)
	if err != nil {
		return schema.DefaultTieBreak
	}
	return tb
}

// TableList returns the configured tables, or every table if none are set.
func (c *Config) TableList() []schema.Table {
	tables, _ := schema.ParseTables(c.Tables)
	return tables
}

// EnsureDeviceID fills DeviceID from <data_dir>/device_id, generating and
// persisting a new one on first use. An explicitly configured id wins.
func (c *Config) EnsureDeviceID() error {
	if c.DeviceID != "" {
		return nil
	}

	path := filepath.Join(c.DataDir, "device_id")
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			c.DeviceID = id
			return nil
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read device id: %w", err)
	}

	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write device id: %w", err)
	}
	c.DeviceID = id
	return nil
}

// Show renders the configuration as YAML with the token redacted.
func (c *Config) Show() (string, error) {
	redacted := *c
	if redacted.Server.Token != "" {
		redacted.Server.Token = "********"
	}
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return string(out), nil
}
