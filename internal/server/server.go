// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/riskwatch/internal/cache"
	"github.com/mbd888/riskwatch/internal/config"
	"github.com/mbd888/riskwatch/internal/dashboard"
	"github.com/mbd888/riskwatch/internal/health"
	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/mbd888/riskwatch/internal/oracle"
	"github.com/mbd888/riskwatch/internal/pipeline"
	"github.com/mbd888/riskwatch/internal/ratelimit"
	"github.com/mbd888/riskwatch/internal/realtime"
	"github.com/mbd888/riskwatch/internal/risk"
	"github.com/mbd888/riskwatch/internal/security"
	"github.com/mbd888/riskwatch/internal/stream"
	"github.com/mbd888/riskwatch/internal/summary"
	"github.com/mbd888/riskwatch/internal/traces"
	"github.com/mbd888/riskwatch/internal/validation"
)

// Version is reported by /health.
const Version = "0.3.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	core        *Core
	scorer      oracle.Scorer // overrides the oracle client when set
	realtimeHub *realtime.Hub
	publisher   *stream.Publisher
	consumer    *stream.Consumer
	cache       cache.Cache
	redis       *redis.Client
	summarizer  summary.Summarizer
	recalc      *risk.RecalcWorker
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	drainDelay  time.Duration

	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	consumerDone    chan struct{}
	shutdownTracing func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithScorer replaces the oracle client used for scoring (for testing).
// When sc also implements oracle.Profiler it serves OCEAN lookups too.
func WithScorer(sc oracle.Scorer) Option {
	return func(s *Server) {
		s.scorer = sc
	}
}

// WithSummarizer replaces the Gemini client (for testing).
func WithSummarizer(sum summary.Summarizer) Option {
	return func(s *Server) {
		s.summarizer = sum
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		checks:     health.NewRegistry(),
		cache:      cache.Nop{},
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	s.shutdownTracing = shutdownTracing

	// Alert fan-out: websocket clients always, kafka when configured
	s.realtimeHub = realtime.NewHub(s.logger, cfg.AllowedOrigins...)
	notifiers := risk.MultiNotifier{s.realtimeHub}
	if cfg.StreamEnabled() {
		s.publisher = stream.NewPublisher(stream.NewWriter(cfg.KafkaBrokers, cfg.KafkaAlertsTopic), 1024, s.logger)
		notifiers = append(notifiers, s.publisher)
		s.logger.Info("kafka alert publishing enabled", "topic", cfg.KafkaAlertsTopic)
	}

	core, err := Build(ctx, cfg, s.logger, notifiers)
	if err != nil {
		return nil, err
	}
	s.core = core

	var profiler oracle.Profiler = core.Oracle
	if s.scorer != nil {
		core.Processor = pipeline.NewProcessor(core.Events, s.scorer, core.Updater, pipeline.WithLogger(s.logger))
		profiler, _ = s.scorer.(oracle.Profiler)
	} else {
		s.checks.Register("oracle", health.Breaker("oracle", core.Oracle.Breaker(), oracle.EndpointAnalyze))
	}
	if core.DB != nil {
		s.checks.Register("database", health.Database(core.DB))
	}

	if cfg.RedisURL != "" {
		client, err := cache.Dial(ctx, cfg.RedisURL)
		if err != nil {
			s.logger.Warn("redis unavailable, dashboard cache uses process memory", "error", err)
			s.cache = cache.NewMemory()
		} else {
			s.redis = client
			rc := cache.NewRedis(client, "riskwatch:")
			s.cache = rc
			s.checks.Register("redis", health.Ping("redis", rc))
			s.logger.Info("redis dashboard cache enabled", "ttl", cfg.DashboardCacheTTL)
		}
	}

	if s.summarizer == nil && cfg.GeminiAPIKey != "" {
		s.summarizer = summary.NewGemini(cfg.GeminiAPIKey, cfg.GeminiModel, summary.WithLogger(s.logger))
		s.logger.Info("ai summaries enabled", "model", cfg.GeminiModel)
	}

	if cfg.StreamEnabled() {
		reader := stream.NewReader(stream.ReaderConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaEventsTopic,
			GroupID: cfg.KafkaGroupID,
		})
		s.consumer = stream.NewConsumer(reader, core.Processor, cfg.StreamWorkers, s.logger)
		s.logger.Info("kafka event ingestion enabled", "topic", cfg.KafkaEventsTopic, "group", cfg.KafkaGroupID)
	}

	if cfg.RecalcInterval > 0 {
		s.recalc = risk.NewRecalcWorker(core.Updater, cfg.RecalcInterval, s.logger)
		s.logger.Info("periodic risk recalculation enabled", "interval", cfg.RecalcInterval)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(profiler)

	s.healthy.Store(true)

	return s, nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(s.cfg.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/metrics" || path == "/health/live":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(profiler oracle.Profiler) {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1", validation.UserIDParamMiddleware(), validation.QueryMiddleware())

	ingest := v1.Group("")
	if s.cfg.IngestRateLimit > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.IngestRateLimit,
			BurstSize:         s.cfg.IngestBurst,
			CleanupInterval:   time.Minute,
		})
		ingest.Use(s.rateLimiter.Middleware())
	}
	pipeline.NewHandler(s.core.Processor).RegisterRoutes(ingest)

	risk.NewHandler(s.core.Alerts, s.core.Events).RegisterRoutes(v1)

	opts := []dashboard.Option{dashboard.WithCache(s.cache, s.cfg.DashboardCacheTTL)}
	if profiler != nil {
		opts = append(opts, dashboard.WithProfiler(profiler))
	}
	if s.summarizer != nil {
		opts = append(opts, dashboard.WithSummarizer(s.summarizer))
	}
	dashboard.NewHandler(s.core.Events, s.core.Alerts, opts...).RegisterRoutes(v1)

	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessHandler fails while starting or draining, and while a
// dependency check fails.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if ok, statuses := s.checks.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, and blocks until a
// signal, ctx cancellation or a server error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.recalc != nil {
		go s.recalc.Start(runCtx)
	}

	if s.core.DB != nil {
		go metrics.StartDBStatsCollector(runCtx, s.core.DB, 15*time.Second)
	}

	if s.consumer != nil {
		s.consumerDone = make(chan struct{})
		go func() {
			defer close(s.consumerDone)
			if err := s.consumer.Run(runCtx); err != nil {
				s.logger.Error("event stream consumer stopped", "error", err)
			}
		}()
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight requests finish before
// the alert sinks and storage are closed.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.consumerDone != nil {
		<-s.consumerDone
		if err := s.consumer.Close(); err != nil {
			s.logger.Error("event stream reader close error", "error", err)
		}
		s.logger.Info("event stream consumer stopped")
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.recalc != nil {
		s.recalc.Stop()
		s.logger.Info("recalculation worker stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("alert publisher close error", "error", err)
		} else {
			s.logger.Info("alert publisher flushed")
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if err := s.core.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else if s.core.DB != nil {
		s.logger.Info("database connection closed")
	}

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
