// Package config loads daemon configuration from GROUPMUX_HOME/config.yaml
// with environment-variable overrides for secrets and container settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig configures the telegram delivery channel.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

// WhatsAppConfig configures the websocket bridge channel.
type WhatsAppConfig struct {
	BridgeURL string `yaml:"bridge_url"`
	Enabled   bool   `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

type MetricsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Exporter        string `yaml:"exporter"` // "stdout" or "none"
	IntervalSeconds int    `yaml:"interval_seconds"`
}

// Config is the full daemon configuration. Zero values are replaced with
// defaults in Load, so a missing config.yaml yields a runnable daemon.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// MainGroupFolder names the primary tenant; workers for it hold elevated
	// IPC privileges.
	MainGroupFolder string `yaml:"main_group_folder"`

	// Timezone is the IANA zone used for cron next-run computation.
	Timezone string `yaml:"timezone"`

	// Poll intervals (seconds). The IPC fallback poll runs at 10x
	// IPCPollIntervalSeconds; fsnotify is the fast path.
	MessagePollIntervalSeconds   int `yaml:"message_poll_interval_seconds"`
	SchedulerPollIntervalSeconds int `yaml:"scheduler_poll_interval_seconds"`
	IPCPollIntervalSeconds       int `yaml:"ipc_poll_interval_seconds"`

	// Worker limits.
	MaxConcurrentContainers int   `yaml:"max_concurrent_containers"`
	IdleTimeoutSeconds      int   `yaml:"idle_timeout_seconds"`
	ContainerTimeoutSeconds int   `yaml:"container_timeout_seconds"`
	ContainerMaxOutputBytes int64 `yaml:"container_max_output_bytes"`
	ContainerImage          string `yaml:"container_image"`
	ContainerMemoryMB       int64  `yaml:"container_memory_mb"`
	ContainerNetwork        string `yaml:"container_network"`

	// Retry policy for failed worker runs.
	MaxRetries        int `yaml:"max_retries"`
	RetryBaseSeconds  int `yaml:"retry_base_seconds"`
	RetryMaxSeconds   int `yaml:"retry_max_seconds"`

	// TaskResultMaxChars truncates last_result and run-log output.
	TaskResultMaxChars int `yaml:"task_result_max_chars"`

	// ContainerEnvKeys names .env entries passed through to worker containers.
	ContainerEnvKeys []string `yaml:"container_env_keys"`

	Channels ChannelsConfig `yaml:"channels"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// DefaultHomeDir returns GROUPMUX_HOME or ~/.groupmux.
func DefaultHomeDir() string {
	if v := os.Getenv("GROUPMUX_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".groupmux")
}

// Load reads config.yaml from homeDir, applies defaults and env overrides.
// A missing file is not an error.
func Load(homeDir string) (Config, error) {
	cfg := Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	raw, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg.HomeDir = homeDir

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MainGroupFolder == "" {
		cfg.MainGroupFolder = "main"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = resolveTimezone()
	}
	if cfg.MessagePollIntervalSeconds <= 0 {
		cfg.MessagePollIntervalSeconds = 2
	}
	if cfg.SchedulerPollIntervalSeconds <= 0 {
		cfg.SchedulerPollIntervalSeconds = 60
	}
	if cfg.IPCPollIntervalSeconds <= 0 {
		cfg.IPCPollIntervalSeconds = 1
	}
	if cfg.MaxConcurrentContainers <= 0 {
		cfg.MaxConcurrentContainers = 5
	}
	if cfg.IdleTimeoutSeconds <= 0 {
		cfg.IdleTimeoutSeconds = 1800
	}
	if cfg.ContainerTimeoutSeconds <= 0 {
		cfg.ContainerTimeoutSeconds = 1800
	}
	if cfg.ContainerMaxOutputBytes <= 0 {
		cfg.ContainerMaxOutputBytes = 10 << 20
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "groupmux-agent:latest"
	}
	if cfg.ContainerMemoryMB <= 0 {
		cfg.ContainerMemoryMB = 2048
	}
	if cfg.ContainerNetwork == "" {
		cfg.ContainerNetwork = "bridge"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBaseSeconds <= 0 {
		cfg.RetryBaseSeconds = 5
	}
	if cfg.RetryMaxSeconds <= 0 {
		cfg.RetryMaxSeconds = 300
	}
	if cfg.TaskResultMaxChars <= 0 {
		cfg.TaskResultMaxChars = 200
	}
	if cfg.Metrics.IntervalSeconds <= 0 {
		cfg.Metrics.IntervalSeconds = 60
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONTAINER_IMAGE"); v != "" {
		cfg.ContainerImage = v
	}
	if v := os.Getenv("MAX_CONCURRENT_CONTAINERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentContainers = n
		}
	}
	if v := os.Getenv("IDLE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.IdleTimeoutSeconds = n
		}
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
	}
	if v := os.Getenv("TZ"); v != "" {
		if _, err := time.LoadLocation(v); err == nil {
			cfg.Timezone = v
		}
	}
}

func validate(cfg Config) error {
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.RetryMaxSeconds < cfg.RetryBaseSeconds {
		return fmt.Errorf("retry_max_seconds (%d) must be >= retry_base_seconds (%d)",
			cfg.RetryMaxSeconds, cfg.RetryBaseSeconds)
	}
	return nil
}

// resolveTimezone finds the host's IANA zone, falling back to UTC.
func resolveTimezone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		if _, err := time.LoadLocation(tz); err == nil {
			return tz
		}
	}
	if raw, err := os.ReadFile("/etc/timezone"); err == nil {
		tz := strings.TrimSpace(string(raw))
		if _, err := time.LoadLocation(tz); err == nil {
			return tz
		}
	}
	if target, err := os.Readlink("/etc/localtime"); err == nil {
		if idx := strings.Index(target, "zoneinfo/"); idx >= 0 {
			tz := target[idx+len("zoneinfo/"):]
			if _, err := time.LoadLocation(tz); err == nil {
				return tz
			}
		}
	}
	return "UTC"
}

// Location returns the parsed timezone. Load validated it already.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) MessagePollInterval() time.Duration {
	return time.Duration(c.MessagePollIntervalSeconds) * time.Second
}

func (c Config) SchedulerPollInterval() time.Duration {
	return time.Duration(c.SchedulerPollIntervalSeconds) * time.Second
}

func (c Config) IPCPollInterval() time.Duration {
	return time.Duration(c.IPCPollIntervalSeconds) * time.Second
}

// IPCFallbackInterval is the slow poll that guards against lost fsnotify events.
func (c Config) IPCFallbackInterval() time.Duration {
	return 10 * c.IPCPollInterval()
}

func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

func (c Config) ContainerTimeout() time.Duration {
	return time.Duration(c.ContainerTimeoutSeconds) * time.Second
}

// HardTimeout leaves room for the idle timer to wind a worker down gracefully
// before the forced kill.
func (c Config) HardTimeout() time.Duration {
	hard := c.ContainerTimeout()
	if min := c.IdleTimeout() + 30*time.Second; hard < min {
		hard = min
	}
	return hard
}

func (c Config) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSeconds) * time.Second
}

func (c Config) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxSeconds) * time.Second
}

// DataDir holds mailboxes and the sqlite store.
func (c Config) DataDir() string {
	return filepath.Join(c.HomeDir, "data")
}

// GroupsDir holds per-tenant working directories.
func (c Config) GroupsDir() string {
	return filepath.Join(c.HomeDir, "groups")
}

func (c Config) DBPath() string {
	return filepath.Join(c.DataDir(), "groupmux.db")
}

// ReadEnvFile parses .env in homeDir and returns values for the requested
// keys. Values are not loaded into the process environment so they cannot
// leak to children through inherited env.
func ReadEnvFile(homeDir string, keys []string) map[string]string {
	raw, err := os.ReadFile(filepath.Join(homeDir, ".env"))
	if err != nil {
		return map[string]string{}
	}

	wanted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}

	result := make(map[string]string)
	for _, line := range strings.Split(string(raw), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		eq := strings.Index(trimmed, "=")
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(trimmed[:eq])
		if _, ok := wanted[key]; !ok {
			continue
		}
		value := strings.TrimSpace(trimmed[eq+1:])
		value = strings.Trim(value, `"'`)
		if value != "" {
			result[key] = value
		}
	}
	return result
}
