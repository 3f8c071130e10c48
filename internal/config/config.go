// Package config defines the top-level configuration for the listings monitor
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by YADWATCH_* environment variables.
type Config struct {
	Source   SourceConfig   `toml:"source"`
	Pacing   PacingConfig   `toml:"pacing"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Notify   NotifyConfig   `toml:"notify"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// SourceConfig holds parameters for the listings source being polled.
type SourceConfig struct {
	// SearchURL is the listings search URL to poll; page numbers are appended
	// as a query parameter.
	SearchURL string `toml:"search_url"`
	// MaxPages bounds a single pagination pass.
	MaxPages       int      `toml:"max_pages"`
	RequestTimeout duration `toml:"request_timeout"`
	MaxRetries     int      `toml:"max_retries"`
	// UserAgents are rotated per request. When empty, a built-in pool of
	// common desktop browser strings is used.
	UserAgents []string `toml:"user_agents"`
}

// PacingConfig holds the adaptive delay controller tunables.
type PacingConfig struct {
	PageDelayMin  duration `toml:"page_delay_min"`
	PageDelayMax  duration `toml:"page_delay_max"`
	CycleDelayMin duration `toml:"cycle_delay_min"`
	CycleDelayMax duration `toml:"cycle_delay_max"`
	// RiskyHourThreshold is the problem share above which an hour bucket is
	// considered risky, given at least RiskyHourMinSamples observations.
	RiskyHourThreshold  float64 `toml:"risky_hour_threshold"`
	RiskyHourMinSamples int     `toml:"risky_hour_min_samples"`
	// MinRecentEvents is the minimum trailing-24h sample size before
	// re-analysis will touch the strategy.
	MinRecentEvents int `toml:"min_recent_events"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for exports.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	ExportPrefix   string `toml:"export_prefix"`
}

// NotifyConfig holds notification channel credentials and dispatch tunables.
type NotifyConfig struct {
	TelegramToken     string `toml:"telegram_token"`
	TelegramChatID    string `toml:"telegram_chat_id"`
	DiscordWebhookURL string `toml:"discord_webhook_url"`
	// Workers is the concurrent delivery pool size.
	Workers int `toml:"workers"`
	// SendPacing is the delay between sends in sequential mode.
	SendPacing duration `toml:"send_pacing"`
	MaxRetries int      `toml:"max_retries"`
}

// MonitorConfig holds run-loop tunables.
type MonitorConfig struct {
	// StatusEvery emits a status notification after this many iterations.
	StatusEvery int `toml:"status_every"`
	// ErrorCooldown is slept after an iteration fails before the next attempt.
	ErrorCooldown duration `toml:"error_cooldown"`
	// SleepSlice bounds how long a cycle sleep can ignore a stop signal.
	SleepSlice duration `toml:"sleep_slice"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the documented default values.
func Defaults() Config {
	return Config{
		Source: SourceConfig{
			SearchURL:      "",
			MaxPages:       50,
			RequestTimeout: duration{30 * time.Second},
			MaxRetries:     3,
		},
		Pacing: PacingConfig{
			PageDelayMin:        duration{5 * time.Second},
			PageDelayMax:        duration{15 * time.Second},
			CycleDelayMin:       duration{60 * time.Minute},
			CycleDelayMax:       duration{90 * time.Minute},
			RiskyHourThreshold:  0.20,
			RiskyHourMinSamples: 3,
			MinRecentEvents:     5,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "yadwatch",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "yadwatch-exports",
			UseSSL:         false,
			ForcePathStyle: true,
			ExportPrefix:   "exports",
		},
		Notify: NotifyConfig{
			Workers:    5,
			SendPacing: duration{500 * time.Millisecond},
			MaxRetries: 3,
		},
		Monitor: MonitorConfig{
			StatusEvery:   10,
			ErrorCooldown: duration{5 * time.Minute},
			SleepSlice:    duration{60 * time.Second},
		},
		Mode:     "monitor",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"once":    true,
	"export":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, once, export)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Source — required for crawling modes.
	if c.Mode == "monitor" || c.Mode == "once" {
		if strings.TrimSpace(c.Source.SearchURL) == "" {
			errs = append(errs, "source: search_url must be set for mode "+c.Mode)
		}
	}
	if c.Source.MaxPages < 1 {
		errs = append(errs, "source: max_pages must be >= 1")
	}
	if c.Source.MaxRetries < 1 {
		errs = append(errs, "source: max_retries must be >= 1")
	}
	if c.Source.RequestTimeout.Duration <= 0 {
		errs = append(errs, "source: request_timeout must be positive")
	}

	// Pacing
	if c.Pacing.PageDelayMin.Duration <= 0 || c.Pacing.PageDelayMax.Duration <= 0 {
		errs = append(errs, "pacing: page delays must be positive")
	}
	if c.Pacing.PageDelayMin.Duration > c.Pacing.PageDelayMax.Duration {
		errs = append(errs, "pacing: page_delay_min must not exceed page_delay_max")
	}
	if c.Pacing.CycleDelayMin.Duration <= 0 || c.Pacing.CycleDelayMax.Duration <= 0 {
		errs = append(errs, "pacing: cycle delays must be positive")
	}
	if c.Pacing.CycleDelayMin.Duration > c.Pacing.CycleDelayMax.Duration {
		errs = append(errs, "pacing: cycle_delay_min must not exceed cycle_delay_max")
	}
	if c.Pacing.RiskyHourThreshold <= 0 || c.Pacing.RiskyHourThreshold >= 1 {
		errs = append(errs, "pacing: risky_hour_threshold must be in (0, 1)")
	}
	if c.Pacing.RiskyHourMinSamples < 1 {
		errs = append(errs, "pacing: risky_hour_min_samples must be >= 1")
	}
	if c.Pacing.MinRecentEvents < 1 {
		errs = append(errs, "pacing: min_recent_events must be >= 1")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — only when enabled or in export mode.
	if c.S3.Enabled || c.Mode == "export" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Notify — Telegram credentials must come in pairs.
	tt := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tt != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	if c.Notify.Workers < 1 {
		errs = append(errs, "notify: workers must be >= 1")
	}
	if c.Notify.MaxRetries < 1 {
		errs = append(errs, "notify: max_retries must be >= 1")
	}

	// Monitor
	if c.Monitor.StatusEvery < 1 {
		errs = append(errs, "monitor: status_every must be >= 1")
	}
	if c.Monitor.ErrorCooldown.Duration <= 0 {
		errs = append(errs, "monitor: error_cooldown must be positive")
	}
	if c.Monitor.SleepSlice.Duration <= 0 {
		errs = append(errs, "monitor: sleep_slice must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
