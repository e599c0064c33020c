package hugface

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix       = "/debug"
	apiPrefix         = "/api"
	apiHealthCheck    = "/healthz"
	apiMetrics        = "/metrics"
	apiPathSettings   = "/settings"
	apiPathAPIKey     = "/api_key"
	apiPathRelayLogs  = "/relays"
	xRequestIDHeader  = "X-Request-ID"
	bearerTokenPrefix = "Bearer "

	// apiBaseLoggerKey holds the API's logger in the gin context, which
	// request loggers are derived from
	apiBaseLoggerKey = "api_logger"
)

var (
	structValidator = validator.New()
)

// API is the admin HTTP API. It exposes health and metrics publicly,
// and settings, the API key and relay logs behind a bearer token.
type API struct {
	config      *APIConfig
	httpServer  *http.Server
	listener    net.Listener
	engine      *gin.Engine
	authLimiter *rate.Limiter
	logger      *slog.Logger
	hf          *HugFace
}

func newAPI(hf *HugFace, config *APIConfig) (*API, error) {
	logger := slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "api")

	r := gin.New()
	api := &API{
		config:      config,
		engine:      r,
		authLimiter: rate.NewLimiter(rate.Limit(config.AuthFailuresPerSecond), 1),
		logger:      logger,
		hf:          hf,
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
	)
	if len(config.CORS.AllowOrigins) > 0 {
		r.Use(cors.New(config.CORS.GINConfig()))
	}
	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.GET(apiHealthCheck, api.healthCheck)
	if hf.metrics != nil {
		r.GET(
			apiMetrics,
			gin.WrapH(promhttp.HandlerFor(hf.metrics.registry, promhttp.HandlerOpts{})),
		)
	}

	protected := r.Group(apiPrefix)
	protected.Use(api.authMiddleware())
	protected.GET(apiPathSettings, api.getSettings)
	protected.PATCH(apiPathSettings, api.updateSettings)
	protected.PUT(apiPathAPIKey, api.setAPIKey)
	protected.GET(apiPathRelayLogs, api.getRelayLogs)

	return api, nil
}

// Serve listens on the configured address and serves until the server is
// shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving admin api", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// Shutdown gracefully stops the server, closing it outright if ctx
// expires first
func (a *API) Shutdown(ctx context.Context) error {
	err := a.httpServer.Shutdown(ctx)
	if err != nil {
		_ = a.httpServer.Close()
	}
	return err
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool  `json:"discord_gateway_connected"`
	RelaysInProgress        int64 `json:"relays_in_progress"`
}

// settingsView is the API representation of [Settings]. Secrets are
// never included, only whether they're set.
type settingsView struct {
	Settings
	APIKeySet bool `json:"api_key_set"`
}

// settingsUpdate is the PATCH payload for settings. Omitted fields are
// left unchanged.
type settingsUpdate struct {
	Model          *string     `json:"model" binding:"omitempty,min=1,max=200"`
	MaxTokens      *int        `json:"max_tokens" binding:"omitempty,min=1"`
	MentionEnabled *bool       `json:"mention_enabled"`
	ReplyEnabled   *bool       `json:"reply_enabled"`
	LogLevel       *DBLogLevel `json:"log_level"`
}

func (u settingsUpdate) apply(current *Settings) error {
	if u.Model != nil {
		if *u.Model == "" {
			return fmt.Errorf("%w: model must not be empty", ErrInvalidSettings)
		}
		current.Model = *u.Model
	}
	if u.MaxTokens != nil {
		if *u.MaxTokens < 1 {
			return fmt.Errorf("%w: max_tokens must be positive", ErrInvalidSettings)
		}
		current.MaxTokens = *u.MaxTokens
	}
	if u.MentionEnabled != nil {
		current.MentionEnabled = *u.MentionEnabled
	}
	if u.ReplyEnabled != nil {
		current.ReplyEnabled = *u.ReplyEnabled
	}
	if u.LogLevel != nil {
		current.LogLevel = *u.LogLevel
	}
	return nil
}

type apiKeyPayload struct {
	APIKey string `json:"api_key" binding:"required"`
}

// Limit is a pointer so an explicit limit=0 is rejected rather
// than treated as absent
type relayLogQuery struct {
	Limit *int `form:"limit" binding:"omitempty,min=1"`
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: a.hf.discord.connected.Load(),
			RelaysInProgress:        a.hf.relaysInProgress.Load(),
		},
	)
}

func (a *API) getSettings(c *gin.Context) {
	ctx := c.Request.Context()
	logger := ginContextLogger(c)

	view, err := a.settingsView(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error loading settings", tint.Err(err))
		ginReplyError(c, "error loading settings")
		return
	}
	c.JSON(http.StatusOK, view)
}

func (a *API) settingsView(ctx context.Context) (settingsView, error) {
	settings, err := a.hf.settings.Settings(ctx)
	if err != nil {
		return settingsView{}, err
	}
	key, err := a.hf.settings.APIKey(ctx)
	if err != nil {
		return settingsView{}, err
	}
	return settingsView{Settings: settings, APIKeySet: key != ""}, nil
}

func (a *API) updateSettings(c *gin.Context) {
	ctx := c.Request.Context()
	logger := ginContextLogger(c)

	var update settingsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.WarnContext(ctx, "bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	updated, err := a.hf.settings.Update(ctx, update.apply)
	if err != nil {
		if errors.Is(err, ErrInvalidSettings) {
			c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
		logger.ErrorContext(ctx, "error updating settings", tint.Err(err))
		ginReplyError(c, "error updating settings")
		return
	}
	logger.InfoContext(ctx, "updated settings", "settings", updated)
	a.hf.setRuntimeLevels(updated)

	view, err := a.settingsView(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error loading settings", tint.Err(err))
		ginReplyError(c, "error loading settings")
		return
	}
	c.JSON(http.StatusOK, view)
}

func (a *API) setAPIKey(c *gin.Context) {
	ctx := c.Request.Context()
	logger := ginContextLogger(c)

	var payload apiKeyPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := a.hf.settings.SetSharedAPIToken(
		ctx,
		apiKeyService,
		apiKeyName,
		payload.APIKey,
	); err != nil {
		logger.ErrorContext(ctx, "error saving api key", tint.Err(err))
		ginReplyError(c, "error saving api key")
		return
	}
	logger.InfoContext(ctx, "api key updated")
	ginReplyMessage(c, "api key set")
}

func (a *API) getRelayLogs(c *gin.Context) {
	ctx := c.Request.Context()
	logger := ginContextLogger(c)

	var query relayLogQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	limit := apiDefaultRelayLogLimit
	if query.Limit != nil {
		limit = min(*query.Limit, apiMaxRelayLogLimit)
	}

	logs, err := a.hf.RecentRelays(ctx, limit)
	if err != nil {
		logger.ErrorContext(ctx, "error loading relay logs", tint.Err(err))
		ginReplyError(c, "error loading relay logs")
		return
	}
	c.JSON(http.StatusOK, logs)
}

// authMiddleware requires `Authorization: Bearer <token>` matching the
// stored admin token hash. If no admin token has been set, every request
// is rejected. Failed verifications are rate limited, and requests made
// while the limit is exhausted get HTTP 429 without being verified.
func (a *API) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		logger := ginContextLogger(c)

		settings, err := a.hf.settings.Settings(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "error loading settings", tint.Err(err))
			ginReplyError(c, "error loading settings")
			return
		}
		if settings.AdminTokenHash == "" {
			logger.WarnContext(ctx, "admin token not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		if a.authLimiter.Tokens() < 1 {
			logger.WarnContext(ctx, "too many failed auth attempts")
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: "too many requests"},
			)
			return
		}

		valid, err := VerifyPassword(settings.AdminTokenHash, token)
		if err != nil {
			logger.ErrorContext(ctx, "error verifying admin token", tint.Err(err))
		}
		if !valid {
			a.authLimiter.Allow()
			logger.WarnContext(ctx, "invalid admin token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, bearerTokenPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerTokenPrefix):])
	return token, token != ""
}

// requestIDMiddleware assigns a random request ID to each request, and
// returns it in the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := v.(*slog.Logger); isLogger {
			return requestLogger
		}
	}

	requestLogger := slog.Default()
	if v, ok := c.Get(apiBaseLoggerKey); ok {
		if base, isLogger := v.(*slog.Logger); isLogger {
			requestLogger = base
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request after it's handled, with its
// status, size and duration
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(apiBaseLoggerKey, logger)

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
