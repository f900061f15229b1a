// Package config provides configuration management for the ingestion pipeline.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	apperrors "moex-ingest/internal/errors"
	"moex-ingest/internal/ingest"
	"moex-ingest/internal/logging"
	"moex-ingest/internal/moex"
	"moex-ingest/internal/scheduler"
	"moex-ingest/internal/store"
	"moex-ingest/pkg/utils"
)

// FileName is the configuration file name inside the config directory.
const FileName = "config.toml"

// Config holds all application configuration.
type Config struct {
	Provider      ProviderConfig     `mapstructure:"provider" json:"provider"`
	Store         store.Config       `mapstructure:"store" json:"store"`
	Ingest        IngestConfig       `mapstructure:"ingest" json:"ingest"`
	Retry         RetryConfig        `mapstructure:"retry" json:"retry"`
	Schedule      scheduler.Config   `mapstructure:"schedule" json:"schedule"`
	Notifications NotificationConfig `mapstructure:"notifications" json:"notifications"`
	Metrics       MetricsConfig      `mapstructure:"metrics" json:"metrics"`
	Logging       logging.LogConfig  `mapstructure:"logging" json:"logging"`
}

// ProviderConfig holds ISS client settings.
type ProviderConfig struct {
	BaseURL           string        `mapstructure:"base_url" json:"base_url"`
	Board             string        `mapstructure:"board" json:"board"`
	Interval          int           `mapstructure:"interval" json:"interval"` // candle interval code
	Timeout           time.Duration `mapstructure:"timeout" json:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" json:"requests_per_second"`
	Burst             int           `mapstructure:"burst" json:"burst"`
	UserAgent         string        `mapstructure:"user_agent" json:"user_agent"`
	BreakerThreshold  int           `mapstructure:"breaker_threshold" json:"breaker_threshold"` // 0 disables
	BreakerCooldown   time.Duration `mapstructure:"breaker_cooldown" json:"breaker_cooldown"`
}

// IngestConfig holds orchestrator settings.
type IngestConfig struct {
	Concurrency    int           `mapstructure:"concurrency" json:"concurrency"`
	WindowDays     int           `mapstructure:"window_days" json:"window_days"`
	RunTimeout     time.Duration `mapstructure:"run_timeout" json:"run_timeout"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout" json:"persist_timeout"`
}

// RetryConfig holds the provider retry policy.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" json:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" json:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier" json:"multiplier"`
	Jitter       float64       `mapstructure:"jitter" json:"jitter"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled bool          `mapstructure:"enabled" json:"enabled"`
	Level   string        `mapstructure:"level" json:"level"` // all, errors_only
	Log     bool          `mapstructure:"log" json:"log"`
	Webhook WebhookConfig `mapstructure:"webhook" json:"webhook"`
	Email   EmailConfig   `mapstructure:"email" json:"email"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled" json:"enabled"`
	URL     string        `mapstructure:"url" json:"url"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// EmailConfig holds email notification configuration.
type EmailConfig struct {
	Enabled  bool     `mapstructure:"enabled" json:"enabled"`
	SMTPHost string   `mapstructure:"smtp_host" json:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port" json:"smtp_port"`
	Username string   `mapstructure:"username" json:"username"`
	Password string   `mapstructure:"password" json:"password"`
	From     string   `mapstructure:"from" json:"from"`
	To       []string `mapstructure:"to" json:"to"`
}

// MetricsConfig holds the Prometheus listener configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Addr    string `mapstructure:"addr" json:"addr"`
}

// Notification levels.
const (
	LevelAll        = "all"
	LevelErrorsOnly = "errors_only"
)

// envBindings maps config keys to the environment variables overriding them.
var envBindings = map[string]string{
	"provider.base_url":            "MOEX_BASE_URL",
	"store.path":                   "MOEX_DB_PATH",
	"store.dsn":                    "MOEX_DB_DSN",
	"ingest.concurrency":           "MOEX_CONCURRENCY",
	"notifications.email.password": "MOEX_SMTP_PASSWORD",
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/moex-ingest"
	}
	return filepath.Join(home, ".config", "moex-ingest")
}

// Path returns the config file location inside configDir.
func Path(configDir string) string {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	return filepath.Join(configDir, FileName)
}

// Default returns the built-in configuration for configDir.
func Default(configDir string) *Config {
	v := newViper(configDir)
	cfg := &Config{}
	// Defaults only; decoding them cannot fail.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. A missing
// config file is created from the template and the defaults are used.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := newViper(configDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("loading %s: %w", FileName, err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", FileName, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func newViper(configDir string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	for key, env := range envBindings {
		// BindEnv only fails without a key.
		_ = v.BindEnv(key, env)
	}
	return v
}

func setDefaults(v *viper.Viper, configDir string) {
	client := moex.DefaultClientConfig()
	v.SetDefault("provider.base_url", client.BaseURL)
	v.SetDefault("provider.board", client.Board)
	v.SetDefault("provider.interval", client.Interval)
	v.SetDefault("provider.timeout", client.Timeout)
	v.SetDefault("provider.requests_per_second", client.RequestsPerSecond)
	v.SetDefault("provider.burst", client.Burst)
	v.SetDefault("provider.user_agent", client.UserAgent)
	v.SetDefault("provider.breaker_threshold", client.BreakerThreshold)
	v.SetDefault("provider.breaker_cooldown", client.BreakerCooldown)

	v.SetDefault("store.driver", store.DriverSQLite)
	v.SetDefault("store.path", filepath.Join(configDir, "moex.db"))
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 4)

	ing := ingest.DefaultConfig()
	v.SetDefault("ingest.concurrency", ing.Concurrency)
	v.SetDefault("ingest.window_days", int(ing.WindowSize/(24*time.Hour)))
	v.SetDefault("ingest.run_timeout", ing.RunTimeout)
	v.SetDefault("ingest.persist_timeout", ing.PersistTimeout)

	retry := utils.DefaultRetryConfig()
	v.SetDefault("retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("retry.initial_delay", retry.InitialDelay)
	v.SetDefault("retry.max_delay", retry.MaxDelay)
	v.SetDefault("retry.multiplier", retry.BackoffFactor)
	v.SetDefault("retry.jitter", retry.Jitter)

	v.SetDefault("schedule.cron", scheduler.DefaultSpec)
	v.SetDefault("schedule.timezone", "")
	v.SetDefault("schedule.run_on_start", false)

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.level", LevelErrorsOnly)
	v.SetDefault("notifications.log", true)
	v.SetDefault("notifications.webhook.enabled", false)
	v.SetDefault("notifications.webhook.url", "")
	v.SetDefault("notifications.webhook.timeout", 10*time.Second)
	v.SetDefault("notifications.email.enabled", false)
	v.SetDefault("notifications.email.smtp_host", "")
	v.SetDefault("notifications.email.smtp_port", 587)
	v.SetDefault("notifications.email.username", "")
	v.SetDefault("notifications.email.password", "")
	v.SetDefault("notifications.email.from", "")
	v.SetDefault("notifications.email.to", []string{})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9108")

	logs := logging.DefaultLogConfig()
	logs.FilePath = filepath.Join(configDir, "logs", "ingest.log")
	v.SetDefault("logging.level", logs.Level)
	v.SetDefault("logging.console", logs.Console)
	v.SetDefault("logging.file", logs.File)
	v.SetDefault("logging.file_path", logs.FilePath)
	v.SetDefault("logging.max_size", logs.MaxSize)
	v.SetDefault("logging.max_backups", logs.MaxBackups)
	v.SetDefault("logging.max_age", logs.MaxAge)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", apperrors.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Provider.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("provider.base_url %q must be an http(s) URL", c.Provider.BaseURL)
	}
	if c.Provider.Board == "" {
		return invalid("provider.board is required")
	}
	switch c.Provider.Interval {
	case 1, 10, 60, 24, 7, 31:
	default:
		return invalid("provider.interval %d must be one of 1, 10, 60, 24, 7, 31", c.Provider.Interval)
	}
	if c.Provider.RequestsPerSecond < 0 {
		return invalid("provider.requests_per_second must be non-negative")
	}
	if c.Provider.BreakerThreshold < 0 {
		return invalid("provider.breaker_threshold must be non-negative")
	}
	if c.Provider.BreakerThreshold > 0 && c.Provider.BreakerCooldown <= 0 {
		return invalid("provider.breaker_cooldown must be positive when the breaker is enabled")
	}

	switch c.Store.Driver {
	case store.DriverSQLite:
		if c.Store.Path == "" {
			return invalid("store.path is required for the sqlite driver")
		}
	case store.DriverPostgres:
		if c.Store.DSN == "" {
			return invalid("store.dsn is required for the postgres driver")
		}
	default:
		return invalid("store.driver %q must be 'sqlite' or 'postgres'", c.Store.Driver)
	}

	if c.Ingest.Concurrency < 1 {
		return invalid("ingest.concurrency must be at least 1")
	}
	if c.Ingest.WindowDays < 1 || c.Ingest.WindowDays > 365 {
		return invalid("ingest.window_days must be between 1 and 365")
	}
	if c.Ingest.RunTimeout < 0 || c.Ingest.PersistTimeout < 0 {
		return invalid("ingest timeouts must be non-negative")
	}

	if c.Retry.MaxAttempts < 1 {
		return invalid("retry.max_attempts must be at least 1")
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return invalid("retry delays must satisfy 0 < initial_delay <= max_delay")
	}
	if c.Retry.Multiplier < 1 {
		return invalid("retry.multiplier must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return invalid("retry.jitter must be between 0 and 1")
	}

	if _, err := cron.ParseStandard(c.Schedule.Spec); err != nil {
		return invalid("schedule.cron %q: %v", c.Schedule.Spec, err)
	}
	if c.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
			return invalid("schedule.timezone %q: %v", c.Schedule.Timezone, err)
		}
	}

	n := c.Notifications
	if n.Level != LevelAll && n.Level != LevelErrorsOnly {
		return invalid("notifications.level %q must be 'all' or 'errors_only'", n.Level)
	}
	if n.Webhook.Enabled && n.Webhook.URL == "" {
		return invalid("notifications.webhook.url is required when the webhook is enabled")
	}
	if n.Email.Enabled && (n.Email.SMTPHost == "" || n.Email.From == "" || len(n.Email.To) == 0) {
		return invalid("notifications.email needs smtp_host, from and at least one recipient")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return invalid("metrics.addr is required when metrics are enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	return nil
}

// ClientConfig converts the provider section into an ISS client configuration.
func (c *Config) ClientConfig() moex.ClientConfig {
	return moex.ClientConfig{
		BaseURL:           c.Provider.BaseURL,
		Board:             c.Provider.Board,
		Interval:          c.Provider.Interval,
		Timeout:           c.Provider.Timeout,
		RequestsPerSecond: c.Provider.RequestsPerSecond,
		Burst:             c.Provider.Burst,
		UserAgent:         c.Provider.UserAgent,
		BreakerThreshold:  c.Provider.BreakerThreshold,
		BreakerCooldown:   c.Provider.BreakerCooldown,
	}
}

// IngestConfig converts the ingest and retry sections into an orchestrator configuration.
func (c *Config) IngestConfig() ingest.Config {
	return ingest.Config{
		Concurrency:    c.Ingest.Concurrency,
		Interval:       c.Provider.Interval,
		WindowSize:     time.Duration(c.Ingest.WindowDays) * 24 * time.Hour,
		RunTimeout:     c.Ingest.RunTimeout,
		PersistTimeout: c.Ingest.PersistTimeout,
		Retry: utils.RetryConfig{
			MaxAttempts:   c.Retry.MaxAttempts,
			InitialDelay:  c.Retry.InitialDelay,
			MaxDelay:      c.Retry.MaxDelay,
			BackoffFactor: c.Retry.Multiplier,
			Jitter:        c.Retry.Jitter,
		},
	}
}

// Redacted returns a copy safe for display, with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Notifications.Email.Password != "" {
		out.Notifications.Email.Password = "********"
	}
	if out.Store.DSN != "" {
		if u, err := url.Parse(out.Store.DSN); err == nil && u.User != nil {
			if _, ok := u.User.Password(); ok {
				u.User = url.UserPassword(u.User.Username(), "redacted")
				out.Store.DSN = u.String()
			}
		}
	}
	out.Notifications.Email.To = append([]string(nil), c.Notifications.Email.To...)
	return &out
}
