//nolint:lll // struct tags can't be split
package hugface

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "HUGFACE_ENV_PREFIX"
	DefaultEnvPrefix      = "HF"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "hugface.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second
	// DefaultShutdownTimeout also bounds how long in-flight relays are
	// waited on
	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultInferenceBaseURL  = "https://api-inference.huggingface.co/v1/"
	DefaultInferenceLogLevel = slog.LevelInfo

	DefaultTranscriptMaxHops  = 25
	DefaultTranscriptMaxChars = 16000

	DefaultDiscordCommandPrefix = "!"
	DefaultDiscordGatewayIntent = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages |
		discordgo.IntentMessageContent
	DefaultDiscordLogLevel     = slog.LevelWarn
	DefaultDiscordgoLogLevel   = slog.LevelWarn
	DefaultDiscordErrorMessage = "sorry, something went wrong!"
	DefaultDiscordCustomStatus = "@mention me to chat!"

	DefaultAPIListen                 = "127.0.0.1:5000"
	DefaultAPITLSMinVersion          = tls.VersionTLS12
	DefaultAPILogLevel               = slog.LevelInfo
	DefaultAPICORSAllowCredentials   = true
	DefaultAPIAuthFailuresPerSecond  = 1.0
	DefaultDatabaseSlowThreshold     = 200 * time.Millisecond
	DefaultDatabaseLogLevel          = slog.LevelInfo
	defaultListenNetwork             = "tcp"
	discordMaxMessageLength          = 2000
	discordTruncatedMessageEllipsis  = "..."
	apiDefaultRelayLogLimit          = 50
	apiMaxRelayLogLimit              = 500
	defaultAPICORSMaxAge             = 12 * time.Hour
	defaultInferenceRequestTimeout   = 0
	defaultDiscordOwnerLookupTimeout = 10 * time.Second
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPatch,
		http.MethodPut,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
)

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	Inference *InferenceConfig `yaml:"inference" mapstructure:"inference" json:"inference"`

	Transcript *TranscriptConfig `yaml:"transcript" mapstructure:"transcript" json:"transcript"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long database setup and the initial
	// gateway connection may take
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for in-flight relays to finish.
	// After this elapses, connections are closed regardless.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// InferenceConfig configures the chat-completion endpoint
type InferenceConfig struct {
	// BaseURL of the OpenAI-compatible endpoint
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`

	// Token, if set, seeds the shared API key store on startup when
	// no key has been stored yet
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Timeout applied to the HTTP client used for completions. 0=none
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=0"`
}

// TranscriptConfig bounds how much of a reply chain is sent to the model
type TranscriptConfig struct {
	// MaxHops is the maximum number of messages included, counting the
	// triggering message
	MaxHops int `yaml:"max_hops" mapstructure:"max_hops" json:"max_hops" binding:"min=1"`

	// MaxChars is the maximum total length of all entries, in characters.
	// 0=unlimited
	MaxChars int `yaml:"max_chars" mapstructure:"max_chars" json:"max_chars" binding:"min=0"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID. Used to look up the application owner,
	// defaults to the bot's own application ("@me")
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// OwnerIDs are user IDs allowed to run owner-only commands, in addition
	// to the application owner (or team members)
	OwnerIDs []string `yaml:"owner_ids" mapstructure:"owner_ids" json:"owner_ids"`

	// CommandPrefix is the prefix for text commands, ex: "!" for "!gethfmodel"
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. MESSAGE_CONTENT is required to read
	// message text. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// CustomStatus is set as the bot's status after connecting
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	httpClient *http.Client
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,omitempty,hostname_port|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// TLS is used when both a cert and key are set
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// AuthFailuresPerSecond limits how often a failed admin token
	// verification may be attempted
	AuthFailuresPerSecond float64 `yaml:"auth_failures_per_second" mapstructure:"auth_failures_per_second" json:"auth_failures_per_second" binding:"gt=0"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,omitempty,min=1s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true,omitempty,min=1s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true,omitempty,min=1s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true,omitempty,min=1s"`

	// Development registers pprof handlers under /debug
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	Cert          string `yaml:"cert" mapstructure:"cert" json:"cert"`
	Key           string `yaml:"key" mapstructure:"key" json:"key"`
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

func (s SSLConfig) Enabled() bool {
	return s.Cert != "" && s.Key != ""
}

// CORSConfig specifies cross-origin resource sharing settings. CORS
// headers are only sent when AllowOrigins is non-empty.
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string{}, DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string{}, DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string{}, DefaultCORSExposeHeaders...),
		MaxAge:           defaultAPICORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	inferenceLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	inferenceLogLevel.Set(DefaultInferenceLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Inference: &InferenceConfig{
			BaseURL:  DefaultInferenceBaseURL,
			LogLevel: inferenceLogLevel,
			Timeout:  defaultInferenceRequestTimeout,
		},
		Transcript: &TranscriptConfig{
			MaxHops:  DefaultTranscriptMaxHops,
			MaxChars: DefaultTranscriptMaxChars,
		},
		Discord: &DiscordConfig{
			CommandPrefix:     DefaultDiscordCommandPrefix,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		API: &APIConfig{
			Enabled:       true,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:              apiLogLevel,
			CORS:                  DefaultCORSConfig(),
			AuthFailuresPerSecond: DefaultAPIAuthFailuresPerSecond,
			ReadHeaderTimeout:     DefaultReadHeaderTimeout,
			ReadTimeout:           DefaultReadTimeout,
			WriteTimeout:          DefaultWriteTimeout,
			IdleTimeout:           DefaultIdleTimeout,
		},
	}
}
