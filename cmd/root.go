package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/IndustrialMindustry/industrial-cogs/hugface"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = hugface.DefaultConfig()
	configFile string
)

// levelKeys are the config keys holding a *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"inference.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "hugface [flags]",
	Short: "Discord bot that relays conversations to a Hugging Face chat model",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names ("INFO", "warn", ...) into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else if err := godotenv.Load(configFile); err != nil {
		log.Printf("unable to load config file %q: %v", configFile, err)
	}

	viper.SetDefault("database", hugface.DefaultDatabase)
	viper.SetDefault("database_type", hugface.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", hugface.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", hugface.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", hugface.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", hugface.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", hugface.DefaultShutdownTimeout)

	// Inference
	viper.SetDefault("inference.base_url", hugface.DefaultInferenceBaseURL)
	viper.SetDefault("inference.token", "")
	viper.SetDefault("inference.log_level", hugface.DefaultInferenceLogLevel.String())
	viper.SetDefault("inference.timeout", 0)

	// Transcript
	viper.SetDefault("transcript.max_hops", hugface.DefaultTranscriptMaxHops)
	viper.SetDefault("transcript.max_chars", hugface.DefaultTranscriptMaxChars)

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.owner_ids", []string{})
	viper.SetDefault("discord.command_prefix", hugface.DefaultDiscordCommandPrefix)
	viper.SetDefault("discord.log_level", hugface.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		hugface.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", int(hugface.DefaultDiscordGatewayIntent))
	viper.SetDefault("discord.custom_status", hugface.DefaultDiscordCustomStatus)

	// API
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", hugface.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", hugface.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.auth_failures_per_second", hugface.DefaultAPIAuthFailuresPerSecond)
	viper.SetDefault("api.read_timeout", hugface.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", hugface.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", hugface.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", hugface.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", hugface.DefaultAPITLSMinVersion)

	// API: CORS
	defaultCORS := hugface.DefaultCORSConfig()
	viper.SetDefault("api.cors.allow_origins", defaultCORS.AllowOrigins)
	viper.SetDefault("api.cors.allow_methods", defaultCORS.AllowMethods)
	viper.SetDefault("api.cors.allow_headers", defaultCORS.AllowHeaders)
	viper.SetDefault("api.cors.expose_headers", defaultCORS.ExposeHeaders)
	viper.SetDefault("api.cors.allow_credentials", defaultCORS.AllowCredentials)
	viper.SetDefault("api.cors.max_age", defaultCORS.MaxAge)

	envPrefix := os.Getenv(hugface.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = hugface.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// space-delimited env values arrive as a single string
	for _, key := range []string{
		"discord.owner_ids",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.allow_headers",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	// already parsed by an earlier call
	for _, key := range levelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
