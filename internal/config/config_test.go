package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidateForOnceMode(t *testing.T) {
	cfg := Defaults()
	cfg.Source.SearchURL = "https://example.com/realestate/search?city=tel-aviv"

	require.NoError(t, cfg.Validate())

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, 50, cfg.Source.MaxPages)
	assert.Equal(t, 5*time.Second, cfg.Pacing.PageDelayMin.Duration)
	assert.Equal(t, 90*time.Minute, cfg.Pacing.CycleDelayMax.Duration)
	assert.Equal(t, 10, cfg.Monitor.StatusEvery)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
mode = "once"
log_level = "debug"

[source]
search_url = "https://example.com/search"
max_pages = 7
request_timeout = "10s"

[pacing]
page_delay_min = "2s"
page_delay_max = "4s"

[postgres]
host = "db.internal"
port = 5433

[notify]
telegram_token = "tok"
telegram_chat_id = "123"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "once", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://example.com/search", cfg.Source.SearchURL)
	assert.Equal(t, 7, cfg.Source.MaxPages)
	assert.Equal(t, 10*time.Second, cfg.Source.RequestTimeout.Duration)
	assert.Equal(t, 2*time.Second, cfg.Pacing.PageDelayMin.Duration)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, 5433, cfg.Postgres.Port)
	assert.Equal(t, "tok", cfg.Notify.TelegramToken)

	// Untouched sections keep their defaults.
	assert.Equal(t, 60*time.Minute, cfg.Pacing.CycleDelayMin.Duration)
	assert.Equal(t, "yadwatch", cfg.Postgres.Database)
}

func TestEnvOverridesBeatTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[source]
search_url = "https://example.com/search"

[redis]
addr = "file:6379"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("YADWATCH_REDIS_ADDR", "env:6380")
	t.Setenv("YADWATCH_SOURCE_MAX_PAGES", "3")
	t.Setenv("YADWATCH_PACING_CYCLE_DELAY_MIN", "30m")
	t.Setenv("YADWATCH_POSTGRES_RUN_MIGRATIONS", "false")
	t.Setenv("YADWATCH_MODE", "once")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env:6380", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Source.MaxPages)
	assert.Equal(t, 30*time.Minute, cfg.Pacing.CycleDelayMin.Duration)
	assert.False(t, cfg.Postgres.RunMigrations)
	assert.Equal(t, "once", cfg.Mode)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	cfg.Source.SearchURL = "" // required in monitor mode
	cfg.Source.MaxPages = 0
	cfg.Pacing.PageDelayMin = duration{10 * time.Second}
	cfg.Pacing.PageDelayMax = duration{5 * time.Second}
	cfg.Redis.Addr = ""
	cfg.Notify.TelegramToken = "tok" // chat id missing

	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "search_url")
	assert.Contains(t, msg, "max_pages")
	assert.Contains(t, msg, "page_delay_min")
	assert.Contains(t, msg, "redis: addr")
	assert.Contains(t, msg, "telegram_token and telegram_chat_id")
}

func TestValidateExportModeRequiresS3(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "export"
	cfg.S3.Bucket = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: bucket")
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := Defaults()
	cfg.Source.SearchURL = "https://example.com/search"
	cfg.Mode = "turbo"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mode "turbo"`)
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Postgres.DSN = "postgres://u:p@h/db"
	cfg.Redis.Password = "redispass"
	cfg.S3.AccessKey = "AKIA"
	cfg.S3.SecretKey = "shhh"
	cfg.Notify.TelegramToken = "tok"
	cfg.Notify.DiscordWebhookURL = "https://discord.com/api/webhooks/1/x"
	cfg.Source.UserAgents = []string{"ua-1"}

	out := RedactedConfig(&cfg)

	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Postgres.DSN)
	assert.Equal(t, "***", out.Redis.Password)
	assert.Equal(t, "***", out.S3.AccessKey)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Equal(t, "***", out.Notify.DiscordWebhookURL)

	// Empty secrets stay empty rather than becoming placeholders.
	assert.Empty(t, out.Notify.TelegramChatID)

	// Originals are untouched, and the slice is copied.
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
	out.Source.UserAgents[0] = strings.ToUpper(out.Source.UserAgents[0])
	assert.Equal(t, "ua-1", cfg.Source.UserAgents[0])
}
