package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/IndustrialMindustry/industrial-cogs/hugface"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
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
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
		},
	)
	os.Clearenv()
	viper.Reset()
	t.Cleanup(viper.Reset)

	envFile := filepath.Join(t.TempDir(), "test.env")

	envContent := `
# General/database config

HF_DATABASE=/home/foo/hugface.sqlite3
HF_DATABASE_TYPE=sqlite
HF_DATABASE_LOG_LEVEL=INFO
HF_DATABASE_SLOW_THRESHOLD=200ms
HF_LOG_LEVEL=INFO
HF_STARTUP_TIMEOUT=30s
HF_SHUTDOWN_TIMEOUT=60s

# Inference

HF_INFERENCE_BASE_URL=https://example.com/v1/
HF_INFERENCE_TOKEN=hf_foo
HF_INFERENCE_LOG_LEVEL=DEBUG
HF_INFERENCE_TIMEOUT=90s

# Transcript

HF_TRANSCRIPT_MAX_HOPS=10
HF_TRANSCRIPT_MAX_CHARS=8000

# Discord bot config

HF_DISCORD_TOKEN=your-discord-bot-token
HF_DISCORD_APPLICATION_ID=your-discord-bot-app-id
HF_DISCORD_OWNER_IDS="1234 5678"
HF_DISCORD_COMMAND_PREFIX=?
HF_DISCORD_LOG_LEVEL=WARN
HF_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
HF_DISCORD_GATEWAY_INTENTS=37377
HF_DISCORD_CUSTOM_STATUS="Ask me anything"

# API server

HF_API_ENABLED=true
HF_API_LISTEN=127.0.0.1:5050
HF_API_SSL_CERT=/etc/ssl/cert.pem
HF_API_SSL_KEY=/etc/ssl/key.pem
HF_API_SSL_TLS_MIN_VERSION=771
HF_API_LOG_LEVEL=DEBUG
HF_API_DEVELOPMENT=true
HF_API_AUTH_FAILURES_PER_SECOND=0.5
HF_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5050 https://localhost:5050
HF_API_CORS_ALLOW_METHODS=GET PATCH PUT OPTIONS
HF_API_CORS_ALLOW_CREDENTIALS=false
HF_API_CORS_MAX_AGE=1h
HF_API_READ_TIMEOUT=5s
HF_API_READ_HEADER_TIMEOUT=5s
HF_API_WRITE_TIMEOUT=10s
HF_API_IDLE_TIMEOUT=30s
`
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0644))

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/hugface.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("inference.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("discord.discordgo_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, []string{"1234", "5678"}, viper.GetStringSlice("discord.owner_ids"))

	var config hugface.Config
	err := viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)
	require.NoError(t, err)

	assert.Equal(t, "/home/foo/hugface.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	require.NotNil(t, config.Inference)
	assert.Equal(t, "https://example.com/v1/", config.Inference.BaseURL)
	assert.Equal(t, "hf_foo", config.Inference.Token)
	assert.Equal(t, 90*time.Second, config.Inference.Timeout)
	assert.Equal(t, slog.LevelDebug, config.Inference.LogLevel.Level())

	require.NotNil(t, config.Transcript)
	assert.Equal(t, 10, config.Transcript.MaxHops)
	assert.Equal(t, 8000, config.Transcript.MaxChars)

	require.NotNil(t, config.Discord)
	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, []string{"1234", "5678"}, config.Discord.OwnerIDs)
	assert.Equal(t, "?", config.Discord.CommandPrefix)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(37377), config.Discord.GatewayIntents)
	assert.Equal(t, "Ask me anything", config.Discord.CustomStatus)

	require.NotNil(t, config.API)
	assert.True(t, config.API.Enabled)
	assert.True(t, config.API.Development)
	assert.Equal(t, "127.0.0.1:5050", config.API.Listen)
	assert.Equal(t, "tcp", config.API.ListenNetwork)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, 0.5, config.API.AuthFailuresPerSecond)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5050", "https://localhost:5050"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "PATCH", "PUT", "OPTIONS"}, config.API.CORS.AllowMethods)
	assert.Equal(t, hugface.DefaultCORSAllowHeaders, config.API.CORS.AllowHeaders)
	assert.False(t, config.API.CORS.AllowCredentials)
	assert.Equal(t, time.Hour, config.API.CORS.MaxAge)
	assert.Equal(t, 5*time.Second, config.API.ReadTimeout)
	assert.Equal(t, 5*time.Second, config.API.ReadHeaderTimeout)
	assert.Equal(t, 10*time.Second, config.API.WriteTimeout)
	assert.Equal(t, 30*time.Second, config.API.IdleTimeout)
}

func TestInitConfig_Repeated(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	originalConfigFile := configFile
	t.Cleanup(func() { configFile = originalConfigFile })
	configFile = filepath.Join(t.TempDir(), "missing.env")
	t.Setenv("HF_DISCORD_LOG_LEVEL", "WARN")

	initConfig()
	first := viper.Get("discord.log_level")
	assertLogLevel(t, slog.LevelWarn, first)

	initConfig()
	assert.Same(t, first, viper.Get("discord.log_level"))
	for _, key := range levelKeys {
		_, ok := viper.Get(key).(*slog.LevelVar)
		assert.True(t, ok, key)
	}
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, hugface.DefaultLogLevel.Level(), viper.Get("log_level"))
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
		wantErr  bool
	}{
		{input: "DEBUG", expected: slog.LevelDebug},
		{input: "info", expected: slog.LevelInfo},
		{input: "WARN", expected: slog.LevelWarn},
		{input: "ERROR", expected: slog.LevelError},
		{input: "loud", expected: slog.LevelInfo, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(
			tt.input, func(t *testing.T) {
				lvl, err := getLogLevel(tt.input)
				if tt.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
				assert.Equal(t, tt.expected, lvl)
			},
		)
	}
}
