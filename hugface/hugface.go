package hugface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/IndustrialMindustry/industrial-cogs/hugface.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var ErrShutdownTimeout = errors.New("in-flight relays did not finish in time")

// HugFace is the bot. It owns the database connection, the Discord
// session, the inference client and the admin API.
type HugFace struct {
	config *Config

	// db is used for reads. writeDB wraps the same connection, and
	// serializes writes when using sqlite.
	db      *gorm.DB
	writeDB DBI

	settings   *SettingsStore
	discord    *Discord
	inference  *Inference
	transcript *TranscriptBuilder
	api        *API
	metrics    *metrics

	logger     *slog.Logger
	logHandler slog.Handler

	relaysInProgress atomic.Int64

	// signalReady has a value sent on it once the database is ready, the
	// API is serving and the gateway connection is open
	signalReady chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex
}

// New creates a HugFace from the given config. Nothing is opened or
// connected until Run is called.
func New(config *Config) (*HugFace, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			fmt.Errorf(
				"invalid database type %q (must be %q or %q)",
				config.DatabaseType, dbTypeSQLite, dbTypePostgres,
			),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	h := &HugFace{
		config:      config,
		metrics:     newMetrics(),
		signalReady: make(chan struct{}, 1),
	}

	h.logHandler = newLogHandler(config.LogLevel)
	h.logger = slog.New(h.logHandler)
	slog.SetDefault(h.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	config.Discord.httpClient = config.HTTPClient
	h.discord = newDiscord(
		config.Discord,
		slog.New(newLogHandler(config.Discord.LogLevel)).With(loggerNameKey, "discord"),
		h.metrics,
	)

	h.inference = newInference(
		config.Inference,
		config.HTTPClient,
		slog.New(newLogHandler(config.Inference.LogLevel)).With(loggerNameKey, "inference"),
		h.metrics,
	)

	if config.API != nil && config.API.Enabled {
		api, err := newAPI(h, config.API)
		errs = append(errs, err)
		h.api = api
	}

	return h, errors.Join(errs...)
}

func (h *HugFace) ValidateConfig() error {
	return structValidator.Struct(h.config)
}

// contextLogger returns the logger carried by ctx, falling back to the
// bot's logger
func (h *HugFace) contextLogger(ctx context.Context) *slog.Logger {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		return h.logger
	}
	return logger
}

// messageLogger returns a context and logger annotated with the
// message's IDs
func (h *HugFace) messageLogger(
	ctx context.Context,
	m *discordgo.Message,
) (context.Context, *slog.Logger) {
	attrs := []any{
		"id", m.ID,
		"channel_id", m.ChannelID,
	}
	if m.GuildID != "" {
		attrs = append(attrs, "guild_id", m.GuildID)
	}
	if m.Author != nil {
		attrs = append(attrs, "author_id", m.Author.ID)
	}
	logger := h.contextLogger(ctx).With(slog.Group("message", attrs...))
	return WithLogger(ctx, logger), logger
}

// handleDiscordMessage handles a MESSAGE_CREATE event. Known commands are
// run as commands, anything else is checked against the current settings
// to decide whether it's relayed.
//
// Cancellation of ctx isn't propagated: a message that was accepted is
// answered even when shutdown starts mid-relay, and shutdown waits for it.
func (h *HugFace) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	ctx = context.WithoutCancel(ctx)
	if m == nil || m.Message == nil {
		return
	}
	msg := m.Message

	bot := h.discord.Bot()
	if bot == nil {
		h.logger.DebugContext(ctx, "ignoring message received before ready")
		return
	}
	if msg.Author == nil || msg.Author.ID == bot.ID() || msg.Author.Bot {
		return
	}

	ctx, logger := h.messageLogger(ctx, msg)

	if h.handleCommand(ctx, bot, msg) {
		return
	}

	settings, err := h.settings.Settings(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error loading settings", tint.Err(err))
		return
	}
	t := detectTrigger(msg, settings, bot)
	if t == triggerNone {
		return
	}
	logger.DebugContext(ctx, "message triggered relay", "trigger", t)
	h.relay(ctx, bot, msg, t, "")
}

// setRuntimeLevels applies the log level stored in settings to the base
// logger
func (h *HugFace) setRuntimeLevels(settings Settings) {
	if settings.LogLevel == "" || h.config.LogLevel == nil {
		return
	}
	h.config.LogLevel.Set(settings.LogLevel.Level())
}

// Run opens the database, starts the admin API and connects to the
// Discord gateway, then blocks until ctx is canceled or something fails.
// In-flight relays are given up to [Config.ShutdownTimeout] to finish.
func (h *HugFace) Run(ctx context.Context) error {
	h.runMu.Lock()
	defer h.runMu.Unlock()

	logger := h.logger
	if err := h.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", h.config))

	startCtx, startCancel := context.WithTimeout(ctx, h.config.StartupTimeout)
	defer startCancel()

	if err := h.initDB(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return fmt.Errorf("error initializing database: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runtimeWG := &sync.WaitGroup{}
	g, gctx := errgroup.WithContext(ctx)

	if h.api != nil {
		g.Go(
			func() error {
				err := h.api.Serve(gctx)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("error serving api: %w", err)
				}
				return nil
			},
		)
	}

	g.Go(
		func() error {
			<-gctx.Done()
			return h.shutdown(ctx, runtimeWG)
		},
	)

	if err := h.initDiscordSession(gctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		cancel()
		_ = g.Wait()
		return err
	}
	if err := h.openSession(startCtx); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		cancel()
		_ = g.Wait()
		return err
	}

	select {
	case h.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	return g.Wait()
}

// openSession opens the gateway connection, giving up when ctx is done
func (h *HugFace) openSession(ctx context.Context) error {
	h.logger.InfoContext(ctx, "connecting to discord")
	openErr := make(chan error, 1)
	go func() {
		openErr <- h.discord.session.Open()
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("error connecting to discord: %w", ctx.Err())
	case err := <-openErr:
		if err != nil {
			return fmt.Errorf("error connecting to discord: %w", err)
		}
		return nil
	}
}

// initDiscordSession creates the session, if it hasn't been set already,
// and registers gateway event handlers. Each MESSAGE_CREATE is handled
// in its own goroutine, tracked by runtimeWG.
func (h *HugFace) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if h.discord.session == nil {
		session, err := h.discord.newSession()
		if err != nil {
			return err
		}
		h.discord.session = session
	}
	if h.transcript == nil {
		h.transcript = newTranscriptBuilder(
			h.discord.session,
			h.config.Transcript,
			h.logger.With(loggerNameKey, "transcript"),
		)
	}

	for _, remove := range h.discord.discordgoRemoveHandlerFuncs {
		remove()
	}

	h.discord.session.SetIdentify(
		discordgo.Identify{Intents: h.config.Discord.GatewayIntents},
	)

	h.discord.discordgoRemoveHandlerFuncs = []func(){
		h.discord.session.AddHandler(h.discord.handlerConnect(ctx)),
		h.discord.session.AddHandler(h.discord.handlerDisconnect(ctx)),
		h.discord.session.AddHandler(h.discord.handlerReady(ctx)),
		h.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				if ctx.Err() != nil {
					return
				}
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					defer func() {
						if rc := recover(); rc != nil {
							handleRecover(ctx, rc)
						}
					}()
					h.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}
	return nil
}

// initDB opens and migrates the database, loads the current settings,
// and seeds the shared API key from config if none is stored yet
func (h *HugFace) initDB(ctx context.Context) error {
	if h.db == nil {
		handler := newLogHandler(h.config.DatabaseLogLevel)
		gormLogger := newGORMLogger(handler, h.config.DatabaseSlowThreshold)
		db, err := getDB(h.config.DatabaseType, h.config.Database, gormLogger)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		h.db = db
	}
	if h.config.DatabaseType == dbTypeSQLite {
		if err := configureSQLite(ctx, h.db); err != nil {
			return err
		}
	}

	h.logger.DebugContext(ctx, "migrating database...")
	if err := migrate(ctx, h.db); err != nil {
		return err
	}
	h.logger.DebugContext(ctx, "finished migrating database")

	if h.writeDB == nil {
		h.writeDB = NewDatabase(h.db, h.logger, h.config.DatabaseType == dbTypePostgres)
	}
	if h.settings == nil {
		h.settings = NewSettingsStore(h.writeDB, h.logger)
	}

	settings, err := h.settings.Settings(ctx)
	if err != nil {
		return err
	}
	h.setRuntimeLevels(settings)

	if token := h.config.Inference.Token; token != "" {
		key, keyErr := h.settings.APIKey(ctx)
		if keyErr != nil {
			return keyErr
		}
		if key == "" {
			h.logger.InfoContext(ctx, "storing api key from config")
			if err = h.settings.SetSharedAPIToken(
				ctx,
				apiKeyService,
				apiKeyName,
				token,
			); err != nil {
				return err
			}
		}
	}
	return nil
}

// shutdown waits for in-flight relays, up to the shutdown timeout, then
// closes the gateway connection and the API server
func (h *HugFace) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	h.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()

	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		h.config.ShutdownTimeout,
	)
	defer closeCancel()

	done := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
		h.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"runtime_stop_duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		h.logger.WarnContext(
			ctx,
			"in-flight relays did not finish in time, forcing close",
			"in_progress", h.relaysInProgress.Load(),
		)
		errs = append(errs, ErrShutdownTimeout)
	}

	if h.discord.session != nil {
		if err := h.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}

	if h.api != nil {
		if err := h.api.Shutdown(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down api: %w", err))
		}
	}
	return errors.Join(errs...)
}
