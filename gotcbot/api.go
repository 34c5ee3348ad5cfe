package gotcbot

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	pprofPrefix    = "/debug"
	apiPrefix      = "/api"
	apiHealthCheck = "/healthz"
	apiPathStatus  = "/status"
)

const xRequestIDHeader = "X-Request-ID"

// API serves the read-only status endpoints
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	handlers *APIHandlers
}

func newAPI(b *Bot, config *APIConfig) *API {
	logger := newLogger("api", config.LogLevel)

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		logger:         logger,
		handlers:       &APIHandlers{b: b, logger: logger},
	}
	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
	)

	r.GET(apiHealthCheck, api.handlers.healthCheck)
	r.GET(apiPrefix+apiPathStatus, api.handlers.status)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}
	return api
}

// Serve listens on the configured address and serves until the server
// is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, "tcp", a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// RequestMetrics returns a copy of the request counts, keyed by
// method and path
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	m := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		m[k] = v
	}
	return m
}

type APIHandlers struct {
	b      *Bot
	logger *slog.Logger
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
	Workers                 int  `json:"workers"`
	QueueSize               int  `json:"queue_size"`
}

type statusResponse struct {
	StartedAt               time.Time `json:"started_at"`
	Uptime                  string    `json:"uptime"`
	DiscordGatewayConnected bool      `json:"discord_gateway_connected"`
	DiscordConnects         int64     `json:"discord_connects"`
	DiscordDisconnects      int64     `json:"discord_disconnects"`
	DiscordMessages         int64     `json:"discord_messages"`
	BotUserID               string    `json:"bot_user_id"`

	EventsReceived   int64 `json:"events_received"`
	EventsHandled    int64 `json:"events_handled"`
	EventsFailed     int64 `json:"events_failed"`
	EventsInProgress int64 `json:"events_in_progress"`
	Workers          int   `json:"workers"`
	QueueSize        int   `json:"queue_size"`

	ModelBackend    string   `json:"model_backend"`
	ImageBackend    string   `json:"image_backend"`
	SearchProviders []string `json:"search_providers"`
	IndexRecords    int      `json:"index_records"`
	IndexDimension  int      `json:"index_dimension"`

	Database *DBStats `json:"database,omitempty"`
}

type httpError struct {
	Error string `json:"error"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	b := h.b
	resp := healthCheckResponse{
		DiscordGatewayConnected: b.discord.connected.Load(),
	}
	if b.workers != nil {
		resp.Workers = b.workers.Len()
		resp.QueueSize = b.workers.Queued()
	}
	c.JSON(http.StatusOK, resp)
}

// status reports uptime, event counters, worker backlog, the loaded
// providers, and audit row counts when a database is configured
func (h *APIHandlers) status(c *gin.Context) {
	b := h.b
	logger := ginContextLogger(c)

	resp := statusResponse{
		StartedAt:               b.startedAt,
		DiscordGatewayConnected: b.discord.connected.Load(),
		DiscordConnects:         b.discord.metricConnects.Load(),
		DiscordDisconnects:      b.discord.metricDisconnects.Load(),
		DiscordMessages:         b.discord.metricMessages.Load(),
		BotUserID:               b.discord.BotUserID(),
		EventsReceived:          b.metricEventsReceived.Load(),
		EventsHandled:           b.metricEventsHandled.Load(),
		EventsFailed:            b.metricEventsFailed.Load(),
		EventsInProgress:        b.metricEventsInProgress.Load(),
		ImageBackend:            ImageBackendDisabled,
		SearchProviders:         []string{},
	}
	if !b.startedAt.IsZero() {
		resp.Uptime = time.Since(b.startedAt).Round(time.Second).String()
	}
	if b.workers != nil {
		resp.Workers = b.workers.Len()
		resp.QueueSize = b.workers.Queued()
	}
	if b.model != nil {
		resp.ModelBackend = b.model.Backend()
	}
	if b.images != nil {
		resp.ImageBackend = b.images.Name()
	}
	if b.search != nil {
		resp.SearchProviders = b.search.Providers()
	}
	if b.index != nil {
		resp.IndexRecords = b.index.Len()
		resp.IndexDimension = b.index.Dimension()
	}

	if b.db != nil {
		stats, err := b.db.Stats(c.Request.Context())
		if err != nil {
			logger.Error("error getting database stats", tint.Err(err))
			_ = c.Error(err)
			c.AbortWithStatusJSON(
				http.StatusInternalServerError,
				httpError{Error: "error getting database stats"},
			)
			return
		}
		resp.Database = &stats
	}
	c.JSON(http.StatusOK, resp)
}

// requestIDMiddleware sets a random request ID on the context and the
// response headers. An incoming X-Request-ID is kept.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger set on the gin context,
// creating one with request details if it doesn't exist yet
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestLogger := slog.Default()
	if base, ok := c.Get(apiBaseLoggerKey); ok {
		if l, ok := base.(*slog.Logger); ok {
			requestLogger = l
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
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

const apiBaseLoggerKey = "api_logger"

// ginLoggingMiddleware logs each request once it's finished, with its
// duration and any errors added to the gin context
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
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and path
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}
