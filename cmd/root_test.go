package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lperezmo/gotc-discord-bot/gotcbot"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

GOTC_DATABASE=/home/foo/gotcbot.sqlite3
GOTC_DATABASE_TYPE=sqlite
GOTC_DATABASE_LOG_LEVEL=INFO
GOTC_DATABASE_SLOW_THRESHOLD=200ms
GOTC_LOG_LEVEL=INFO
GOTC_STARTUP_TIMEOUT=30s
GOTC_SHUTDOWN_TIMEOUT=60s

# Discord bot config

GOTC_DISCORD_TOKEN=your-discord-bot-token
GOTC_DISCORD_APPLICATION_ID=your-discord-bot-app-id
GOTC_DISCORD_BOT_NAME=firebot
GOTC_DISCORD_LOG_LEVEL=WARN
GOTC_DISCORD_DISCORDGO_LOG_LEVEL=WARN
GOTC_DISCORD_STARTUP_MESSAGE="I'm here!"
GOTC_DISCORD_GATEWAY_INTENTS=37377

# Model config

GOTC_MODEL_BACKEND=local
GOTC_MODEL_BASE_URL=http://127.0.0.1:8081/v1
GOTC_MODEL_CHAT_MODEL=llama
GOTC_MODEL_LOG_LEVEL=DEBUG

# Images

GOTC_IMAGE_BACKEND=stable_diffusion
GOTC_IMAGE_STABLE_DIFFUSION_URL=http://127.0.0.1:7861

# Search and retrieval

GOTC_SEARCH_PROVIDERS=duckduckgo,google
GOTC_SEARCH_GOOGLE_KEY=google-key
GOTC_SEARCH_GOOGLE_CSE_ID=cse-id
GOTC_SEARCH_TIMEOUT=3s
GOTC_RETRIEVAL_DATA_DIR=/var/lib/gotcbot/data
GOTC_RETRIEVAL_TOP_K=5

# Storage

GOTC_STORAGE_ENABLED=true
GOTC_STORAGE_BUCKET=gotc-assets
GOTC_STORAGE_REGION=us-west-2

# Workers

GOTC_WORKERS_QUEUE_SIZE=100
GOTC_WORKERS_QUEUE_MAX_AGE=3m
GOTC_WORKERS_CALL_TIMEOUT=45s

# API server

GOTC_API_ENABLED=true
GOTC_API_LISTEN=127.0.0.1:5005
GOTC_API_LOG_LEVEL=DEBUG
GOTC_API_READ_TIMEOUT=5s
GOTC_API_WRITE_TIMEOUT=10s
`

	err := os.WriteFile(envFile, []byte(envContent), 0o644)
	require.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/gotcbot.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assert.Equal(t, "INFO", viper.GetString("database_log_level"))
	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assert.Equal(t, "WARN", viper.GetString("discord.log_level"))
	assert.Equal(t, "DEBUG", viper.GetString("model.log_level"))
	assert.Equal(t, 37377, viper.GetInt("discord.gateway_intents"))
	assert.Equal(t, "duckduckgo,google", viper.GetString("search.providers"))

	assert.Equal(t, "/home/foo/gotcbot.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assertLogLevel(t, slog.LevelInfo, cfg.DatabaseLogLevel)
	assertLogLevel(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, 200*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, 30*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, "firebot", cfg.Discord.BotName)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", cfg.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(37377), cfg.Discord.GatewayIntents)

	assert.Equal(t, gotcbot.ModelBackendLocal, cfg.Model.Backend)
	assert.Equal(t, "http://127.0.0.1:8081/v1", cfg.Model.BaseURL)
	assert.Equal(t, "llama", cfg.Model.ChatModel)
	assert.Equal(t, gotcbot.DefaultRouterModel, cfg.Model.RouterModel)
	assert.Equal(t, slog.LevelDebug, cfg.Model.LogLevel.Level())

	assert.Equal(t, gotcbot.ImageBackendStableDiffusion, cfg.Image.Backend)
	assert.Equal(t, "http://127.0.0.1:7861", cfg.Image.StableDiffusionURL)
	assert.True(t, cfg.Image.SafetyCheck)

	assert.Equal(t, []string{"duckduckgo", "google"}, cfg.Search.Providers)
	assert.Equal(t, "google-key", cfg.Search.GoogleKey)
	assert.Equal(t, "cse-id", cfg.Search.GoogleCSEID)
	assert.Equal(t, 3*time.Second, cfg.Search.Timeout)
	assert.Equal(t, "/var/lib/gotcbot/data", cfg.Retrieval.DataDir)
	assert.Equal(t, 5, cfg.Retrieval.TopK)

	assert.True(t, cfg.Storage.Enabled)
	assert.Equal(t, "gotc-assets", cfg.Storage.Bucket)
	assert.Equal(t, "us-west-2", cfg.Storage.Region)
	assert.Equal(t, gotcbot.DefaultS3AssetsPrefix, cfg.Storage.AssetsPrefix)

	assert.Equal(t, 100, cfg.Workers.QueueSize)
	assert.Equal(t, 3*time.Minute, cfg.Workers.QueueMaxAge)
	assert.Equal(t, 45*time.Second, cfg.Workers.CallTimeout)
	assert.Equal(t, gotcbot.DefaultWorkerMaxConcurrent, cfg.Workers.MaxConcurrent)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:5005", cfg.API.Listen)
	assertLogLevel(t, slog.LevelDebug, cfg.API.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.API.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.API.WriteTimeout)
	assert.Equal(t, gotcbot.DefaultAPIIdleTimeout, cfg.API.IdleTimeout)

	assert.NoError(t, cfg.Validate())
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    slog.Level
		wantErr bool
	}{
		{name: "debug", input: "DEBUG", want: slog.LevelDebug},
		{name: "lowercase", input: "warn", want: slog.LevelWarn},
		{name: "error", input: "ERROR", want: slog.LevelError},
		{name: "invalid", input: "LOUD", want: slog.LevelInfo, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				got, err := getLogLevel(tc.input)
				if tc.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
				assert.Equal(t, tc.want, got)
			},
		)
	}
}

func TestSplitList(t *testing.T) {
	assert.Equal(
		t,
		[]string{"duckduckgo", "bing", "google"},
		splitList([]string{"duckduckgo, bing", "google", ""}),
	)
	assert.Equal(t, []string{}, splitList(nil))
}
