package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies YADWATCH_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load. A missing file is not an
// error: defaults plus environment overrides are returned so the monitor can
// run from environment variables alone.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known YADWATCH_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Source ──
	setStr(&cfg.Source.SearchURL, "YADWATCH_SOURCE_SEARCH_URL")
	setInt(&cfg.Source.MaxPages, "YADWATCH_SOURCE_MAX_PAGES")
	setDuration(&cfg.Source.RequestTimeout, "YADWATCH_SOURCE_REQUEST_TIMEOUT")
	setInt(&cfg.Source.MaxRetries, "YADWATCH_SOURCE_MAX_RETRIES")
	setStringSlice(&cfg.Source.UserAgents, "YADWATCH_SOURCE_USER_AGENTS")

	// ── Pacing ──
	setDuration(&cfg.Pacing.PageDelayMin, "YADWATCH_PACING_PAGE_DELAY_MIN")
	setDuration(&cfg.Pacing.PageDelayMax, "YADWATCH_PACING_PAGE_DELAY_MAX")
	setDuration(&cfg.Pacing.CycleDelayMin, "YADWATCH_PACING_CYCLE_DELAY_MIN")
	setDuration(&cfg.Pacing.CycleDelayMax, "YADWATCH_PACING_CYCLE_DELAY_MAX")
	setFloat64(&cfg.Pacing.RiskyHourThreshold, "YADWATCH_PACING_RISKY_HOUR_THRESHOLD")
	setInt(&cfg.Pacing.RiskyHourMinSamples, "YADWATCH_PACING_RISKY_HOUR_MIN_SAMPLES")
	setInt(&cfg.Pacing.MinRecentEvents, "YADWATCH_PACING_MIN_RECENT_EVENTS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "YADWATCH_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "YADWATCH_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "YADWATCH_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "YADWATCH_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "YADWATCH_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "YADWATCH_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "YADWATCH_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "YADWATCH_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "YADWATCH_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "YADWATCH_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "YADWATCH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "YADWATCH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "YADWATCH_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "YADWATCH_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "YADWATCH_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "YADWATCH_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.StreamMaxLen, "YADWATCH_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "YADWATCH_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "YADWATCH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "YADWATCH_S3_REGION")
	setStr(&cfg.S3.Bucket, "YADWATCH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "YADWATCH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "YADWATCH_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "YADWATCH_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "YADWATCH_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.ExportPrefix, "YADWATCH_S3_EXPORT_PREFIX")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "YADWATCH_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "YADWATCH_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "YADWATCH_NOTIFY_DISCORD_WEBHOOK_URL")
	setInt(&cfg.Notify.Workers, "YADWATCH_NOTIFY_WORKERS")
	setDuration(&cfg.Notify.SendPacing, "YADWATCH_NOTIFY_SEND_PACING")
	setInt(&cfg.Notify.MaxRetries, "YADWATCH_NOTIFY_MAX_RETRIES")

	// ── Monitor ──
	setInt(&cfg.Monitor.StatusEvery, "YADWATCH_MONITOR_STATUS_EVERY")
	setDuration(&cfg.Monitor.ErrorCooldown, "YADWATCH_MONITOR_ERROR_COOLDOWN")
	setDuration(&cfg.Monitor.SleepSlice, "YADWATCH_MONITOR_SLEEP_SLICE")

	// ── Top-level ──
	setStr(&cfg.Mode, "YADWATCH_MODE")
	setStr(&cfg.LogLevel, "YADWATCH_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
