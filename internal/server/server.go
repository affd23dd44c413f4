// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/sentinel/internal/biometrics"
	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/dispatch"
	"github.com/mbd888/sentinel/internal/health"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/patterns"
	"github.com/mbd888/sentinel/internal/ratelimit"
	"github.com/mbd888/sentinel/internal/realtime"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/security"
	"github.com/mbd888/sentinel/internal/traces"
	"github.com/mbd888/sentinel/internal/trust"
	"github.com/mbd888/sentinel/internal/validation"
	"github.com/mbd888/sentinel/internal/velocity"
)

// Version is reported by /health and attached to traces.
const Version = "0.3.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB       // nil if using in-memory
	redis  *redis.Client // nil if REDIS_URL unset
	logger *slog.Logger

	breaker        *circuitbreaker.Breaker
	localStore     *patterns.LocalStore
	checker        *patterns.Checker
	patternHandler *patterns.Handler
	syncer         *patterns.Syncer
	stopWatch      func()
	velocity       velocity.Tracker
	memTracker     *velocity.MemoryTracker // nil when velocity lives in redis
	sessions       *biometrics.SessionStore
	analyzer       *biometrics.Analyzer
	trustGraph     *trust.Graph
	trustWorker    *trust.Worker
	riskService    *risk.Service
	dispatcher     *dispatch.Dispatcher
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry

	router        *gin.Engine
	httpSrv       *http.Server
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error
	drainDelay    time.Duration

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

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.openStorage(ctx); err != nil {
		return nil, err
	}

	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.breaker.OnTransition(func(name string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker transition", "upstream", name, "from", from.String(), "to", to.String())
		if s.syncer != nil {
			s.syncer.OnBreakerTransition(name, from, to)
		}
	})

	s.setupPatterns()
	s.setupVelocity()

	// Behavioral sessions
	s.sessions = biometrics.NewSessionStore(30 * time.Minute)
	s.analyzer = biometrics.NewAnalyzer(biometrics.DefaultConfig())

	// Trust graph
	var (
		history trust.HistoryStore
		scores  trust.ScoreStore
	)
	if s.db != nil {
		history = trust.NewPostgresHistoryStore(s.db)
		scores = trust.NewPostgresScoreStore(s.db)
	} else {
		history = trust.NewMemoryHistoryStore(1000)
		scores = trust.NewMemoryScoreStore()
	}
	s.trustGraph = trust.NewGraph(history, scores,
		trust.WithComplaints(trust.BlacklistComplaints{Lookup: s.localStore}),
		trust.WithLogger(s.logger),
	)
	s.trustWorker = trust.NewWorker(s.trustGraph, cfg.Trust.RecomputeSpec, s.logger)

	// Decisions and alerts
	var (
		decisions  risk.Store
		deliveries dispatch.DeliveryStore
		devices    risk.DeviceRegistry
	)
	if s.db != nil {
		decisions = risk.NewPostgresStore(s.db)
		deliveries = dispatch.NewPostgresStore(s.db)
	} else {
		decisions = risk.NewMemoryStore()
		deliveries = dispatch.NewMemoryStore()
	}
	if s.redis != nil {
		devices = risk.NewRedisDeviceRegistry(s.redis, 90*24*time.Hour)
	} else {
		devices = risk.NewMemoryDeviceRegistry(20)
	}

	endpoints := security.ProductionPolicy(cfg.IsProduction())

	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.CORSOrigins))
	s.dispatcher = dispatch.NewDispatcher(decisions, deliveries, cfg.Dispatch, s.logger).
		WithFeed(s.realtimeHub).
		WithChannel("console", dispatch.HubNotifier{Hub: s.realtimeHub})
	if cfg.WebhookURL != "" {
		if err := endpoints.Check(ctx, cfg.WebhookURL); err != nil {
			return nil, fmt.Errorf("invalid ALERT_WEBHOOK_URL: %w", err)
		}
		s.dispatcher.WithChannel("webhook", dispatch.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret, 10*time.Second))
		s.logger.Info("alert webhook enabled", "url", maskURL(cfg.WebhookURL))
	}

	engine := risk.NewEngine(cfg.Scoring, s.checker, s.velocity).
		WithVelocity(cfg.Velocity).
		WithAnalyzer(s.analyzer).
		WithDevices(devices).
		WithTrust(s.trustGraph).
		WithBreaker(s.breaker).
		WithLogger(s.logger)
	if cfg.IPIntelURL != "" {
		if err := endpoints.Check(ctx, cfg.IPIntelURL); err != nil {
			return nil, fmt.Errorf("invalid IP_INTEL_URL: %w", err)
		}
		engine.WithNetworkIntel(risk.NewHTTPIntel(cfg.IPIntelURL, cfg.EnrichmentTimeout), cfg.EnrichmentTimeout)
	}
	s.riskService = risk.NewService(engine, decisions, s.dispatcher, devices, s.trustGraph, s.logger)

	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) openStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.logger.Info("using Redis for velocity, devices and blacklist cache", "url", maskDSN(s.cfg.RedisURL))
	}
	return nil
}

// setupPatterns wires the central store (postgres, or an in-memory stand-in)
// and the local replica it syncs into.
func (s *Server) setupPatterns() {
	s.localStore = patterns.NewLocalStore(s.cfg.Sync.SnapshotPath, s.logger)
	if err := s.localStore.Load(); err != nil {
		s.logger.Warn("failed to load pattern pack", "path", s.cfg.Sync.SnapshotPath, "error", err)
	}
	if s.cfg.Sync.SnapshotPath != "" {
		stop, err := s.localStore.Watch()
		if err != nil {
			s.logger.Warn("pattern pack watch disabled", "error", err)
		} else {
			s.stopWatch = stop
		}
	}

	var central interface {
		patterns.Store
		patterns.Source
		patterns.Curator
	}
	if s.db != nil {
		central = patterns.NewPostgresStore(s.db)
	} else {
		central = patterns.NewMemoryStore()
	}

	var online patterns.Store = central
	var cache *patterns.RedisBlacklistCache
	if s.redis != nil {
		cache = patterns.NewRedisBlacklistCache(central, s.redis, 10*time.Minute, s.logger)
		online = cache
	}

	s.checker = patterns.NewChecker(online, s.localStore, s.breaker, s.logger)
	s.syncer = patterns.NewSyncer(central, s.localStore, s.cfg.Sync.Interval, s.cfg.Sync.BatchSize, s.logger).
		WithReporter(online)
	if cache != nil {
		s.syncer.WithCacheInvalidator(cache)
	}
	s.patternHandler = patterns.NewHandler(s.checker,
		patterns.NewOfflineDetector(s.localStore, int(s.cfg.Scoring.BlacklistFloor)), central, s.syncer)
}

func (s *Server) setupVelocity() {
	if s.redis != nil {
		s.velocity = velocity.NewRedisTracker(s.redis, s.cfg.Velocity.MaxWindow, s.cfg.Velocity.MaxPerActor)
		return
	}
	s.memTracker = velocity.NewMemoryTracker(s.cfg.Velocity.MaxWindow, s.cfg.Velocity.MaxPerActor)
	s.velocity = s.memTracker
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry(2 * time.Second)
	if s.db != nil {
		s.health.Register("database", health.Ping("database", s.db))
	}
	if s.redis != nil {
		s.health.Register("redis", health.FromError("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
	maxAge := 3 * s.cfg.Sync.Interval
	s.health.Register("patterns", health.Freshness("patterns", func() time.Time {
		return s.localStore.Snapshot().SyncedAt()
	}, maxAge))
	intelCheck := "circuit:" + risk.IntelUpstream
	s.health.Register(intelCheck, func(context.Context) health.Status {
		st := s.breaker.State(risk.IntelUpstream)
		return health.Status{
			Name:     intelCheck,
			Healthy:  st == circuitbreaker.StateClosed,
			Degraded: st != circuitbreaker.StateClosed,
			Detail:   st.String(),
		}
	})
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// maskURL drops everything after the host.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Scheme + "://" + u.Host
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
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
	if len(s.cfg.CORSOrigins) > 0 {
		s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	}

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitPerMinute,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

	s.router.Use(traces.Middleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
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

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Analyst decision feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.IdentifierParamMiddleware())
	v1.Use(validation.JSONBodyMiddleware())
	v1.Use(s.rateLimiter.Middleware())

	risk.NewHandler(s.riskService, s.sessions).RegisterRoutes(v1)
	dispatch.NewHandler(s.dispatcher).RegisterRoutes(v1)
	s.patternHandler.RegisterRoutes(v1)
	biometrics.NewHandler(s.sessions, s.analyzer).RegisterRoutes(v1)
	trust.NewHandler(s.trustGraph).RegisterRoutes(v1)

	v1.GET("/feed/stats", func(c *gin.Context) {
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
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		for _, st := range checks {
			if st.Degraded {
				status = "degraded"
				break
			}
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, and blocks until a
// shutdown signal, ctx cancellation, or a listener error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, traces.Options{
		Endpoint:    s.cfg.OTLPEndpoint,
		Version:     Version,
		Environment: s.cfg.Env,
		SampleRatio: s.cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.traceShutdown = shutdownTraces
	}

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
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

func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	s.dispatcher.Start()
	go s.syncer.Start(ctx)

	go func() {
		if err := s.trustWorker.Start(ctx); err != nil {
			s.logger.Error("trust recompute worker failed to start", "error", err)
		}
	}()

	go s.sessions.StartJanitor(ctx, time.Minute)
	if s.memTracker != nil {
		go s.memTracker.StartJanitor(ctx, time.Minute)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	// Scoring has stopped; flush queued alerts before tearing down storage.
	if err := s.dispatcher.Stop(ctx); err != nil {
		s.logger.Error("alert dispatcher did not drain", "error", err)
	}

	s.syncer.Stop()
	s.trustWorker.Stop()
	s.rateLimiter.Stop()
	if s.stopWatch != nil {
		s.stopWatch()
	}

	// Cancel the context for the hub and janitors
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if err := s.localStore.Save(); err != nil {
		s.logger.Warn("failed to persist pattern pack", "error", err)
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return firstErr
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
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
