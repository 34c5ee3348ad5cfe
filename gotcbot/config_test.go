package gotcbot

import (
	"bytes"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testDiscordToken  = "test-discord-token-fnord"
	testModelToken    = "test-model-token-fnord"
	testBotUserID     = "100000000000000001"
	testChannelID     = "200000000000000002"
	testGuildID       = "300000000000000003"
	testUserID        = "400000000000000004"
	testOtherBotID    = "500000000000000005"
	testNotifyChannel = "600000000000000006"
)

func DefaultTestConfig(t testing.TB) *Config {
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	dbName := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", dbName))
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second

	cfg.Discord.Token = testDiscordToken
	cfg.Discord.ApplicationID = testBotUserID
	cfg.Model.Token = testModelToken
	cfg.Model.MaxRequestsPerSecond = 1000

	cfg.Image.Backend = ImageBackendDisabled
	cfg.Search.Enabled = false
	cfg.Retrieval.DataDir = filepath.Join(tmpdir, "data")
	cfg.Workers.CallTimeout = 10 * time.Second

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.Model.LogLevel.Set(logLevel)
	cfg.Search.LogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)

	return cfg
}

func TestDefaultTestConfigValidates(t *testing.T) {
	cfg := DefaultTestConfig(t)
	require.NoError(t, cfg.Validate())
}

func TestDefaultConfigRequiresTokens(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)

	cfg.Discord.Token = testDiscordToken
	cfg.Model.Token = testModelToken
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr error
	}{
		{
			name:   "valid",
			modify: func(c *Config) {},
		},
		{
			name:    "missing discord token",
			modify:  func(c *Config) { c.Discord.Token = "" },
			wantErr: ErrConfig,
		},
		{
			name:    "unknown model backend",
			modify:  func(c *Config) { c.Model.Backend = "mainframe" },
			wantErr: ErrConfig,
		},
		{
			name:    "hosted backend without token",
			modify:  func(c *Config) { c.Model.Token = "" },
			wantErr: ErrConfig,
		},
		{
			name: "local backend without token",
			modify: func(c *Config) {
				c.Model.Backend = ModelBackendLocal
				c.Model.Token = ""
			},
		},
		{
			name: "dalle with local backend",
			modify: func(c *Config) {
				c.Model.Backend = ModelBackendLocal
				c.Image.Backend = ImageBackendDalle
			},
			wantErr: errDalleRequiresHosted,
		},
		{
			name: "stable diffusion without url",
			modify: func(c *Config) {
				c.Image.Backend = ImageBackendStableDiffusion
				c.Image.StableDiffusionURL = ""
			},
			wantErr: ErrConfig,
		},
		{
			name:    "unknown search provider",
			modify:  func(c *Config) { c.Search.Providers = []string{"duckduckgo", "altavista"} },
			wantErr: ErrConfig,
		},
		{
			name: "search provider without key",
			modify: func(c *Config) {
				c.Search.Enabled = true
				c.Search.Providers = []string{SearchProviderBing}
				c.Search.BingKey = ""
			},
		},
		{
			name: "storage without bucket",
			modify: func(c *Config) {
				c.Storage.Enabled = true
				c.Storage.Bucket = ""
			},
			wantErr: ErrConfig,
		},
		{
			name:    "invalid database type",
			modify:  func(c *Config) { c.DatabaseType = "mysql" },
			wantErr: ErrConfig,
		},
		{
			name:    "message length over discord limit",
			modify:  func(c *Config) { c.Dispatch.MaxMessageLength = 4000 },
			wantErr: ErrConfig,
		},
		{
			name:    "startup timeout too short",
			modify:  func(c *Config) { c.StartupTimeout = time.Millisecond },
			wantErr: ErrConfig,
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := DefaultTestConfig(t)
				tc.modify(cfg)
				err := cfg.Validate()
				if tc.wantErr == nil {
					assert.NoError(t, err)
					return
				}
				require.Error(t, err)
				assert.ErrorIs(t, err, tc.wantErr)
				var cfgErr *ConfigError
				assert.ErrorAs(t, err, &cfgErr)
			},
		)
	}
}

func TestConfigLogValueRedactsSecrets(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Search.BingKey = "bing-secret-fnord"
	cfg.Storage.SecretKey = "s3-secret-fnord"

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("starting", "config", cfg)

	out := buf.String()
	assert.NotContains(t, out, testDiscordToken)
	assert.NotContains(t, out, testModelToken)
	assert.NotContains(t, out, "bing-secret-fnord")
	assert.NotContains(t, out, "s3-secret-fnord")
	assert.NotContains(t, out, cfg.Database)
	assert.Contains(t, out, "[redacted]")
	assert.Contains(t, out, `"bot_name":"firebot"`)
	assert.Contains(t, out, `"log_level":"WARN"`)
}
