// Package server wires the dispute engine to its storage, collaborators and
// HTTP surface, and runs the background loops next to the HTTP server.
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
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/arbiter/internal/circuitbreaker"
	"github.com/mbd888/arbiter/internal/config"
	"github.com/mbd888/arbiter/internal/dispute"
	"github.com/mbd888/arbiter/internal/health"
	"github.com/mbd888/arbiter/internal/identity"
	"github.com/mbd888/arbiter/internal/leader"
	"github.com/mbd888/arbiter/internal/logging"
	"github.com/mbd888/arbiter/internal/metrics"
	"github.com/mbd888/arbiter/internal/notify"
	"github.com/mbd888/arbiter/internal/orders"
	"github.com/mbd888/arbiter/internal/ratelimit"
	"github.com/mbd888/arbiter/internal/redisx"
	"github.com/mbd888/arbiter/internal/security"
	"github.com/mbd888/arbiter/internal/traces"
	"github.com/mbd888/arbiter/internal/validation"
	"github.com/mbd888/arbiter/migrations"
)

// Version is reported by /health and the trace resource.
const Version = "0.1.0"

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *sql.DB       // nil if using in-memory
	redis     *redis.Client // nil if REDIS_URL is unset
	directory dispute.OrderDirectory
	notifier  dispute.Notifier
	engine    *dispute.Engine
	timer     *dispute.ExpiryTimer
	relay     *dispute.EventRelay
	limiter   *ratelimit.Limiter
	health    *health.Registry
	router    *gin.Engine
	httpSrv   *http.Server

	shutdownTracing func(context.Context) error

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithOrderDirectory replaces the order lookup (for testing and local runs)
func WithOrderDirectory(d dispute.OrderDirectory) Option {
	return func(s *Server) {
		s.directory = d
	}
}

// WithNotifier replaces the notification sink (for testing)
func WithNotifier(n dispute.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// New creates a new server instance
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(2 * time.Second),
	}
	for _, opt := range opts {
		opt(s)
	}

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	if cfg.IsProduction() {
		if err := checkOutboundURLs(cfg); err != nil {
			return nil, err
		}
	}

	store, err := s.openStore(ctx)
	if err != nil {
		s.closeResources()
		return nil, err
	}

	if cfg.RedisURL != "" {
		client, err := redisx.Connect(ctx, cfg.RedisURL)
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.health.Register("redis", health.Redis(client))
		s.logger.Info("redis connected")
	}

	if s.directory == nil {
		s.directory = s.buildDirectory()
	}
	if s.notifier == nil {
		s.notifier = s.buildNotifier()
	}

	locker := s.buildLocker()
	policy := dispute.Policy{
		NegotiationWindow: cfg.NegotiationWindow,
		ArbitrationWindow: cfg.ArbitrationWindow,
	}
	s.engine = dispute.NewEngine(store, s.directory, policy, s.logger)
	s.timer = dispute.NewExpiryTimer(s.engine.Lifecycle, store, s.logger).
		WithInterval(cfg.ExpiryScanInterval).
		WithBatchSize(cfg.ExpiryBatchSize).
		WithLocker(locker)
	s.relay = dispute.NewEventRelay(store, s.notifier, s.logger).
		WithInterval(cfg.RelayInterval).
		WithLocker(locker)
	s.health.Register("expiry_timer", health.Loop(s.timer.Running))
	s.health.Register("event_relay", health.Loop(s.relay.Running))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) openStore(ctx context.Context) (dispute.Store, error) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("using in-memory storage (data will not persist)")
		return dispute.NewMemoryStore(), nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	s.health.Register("postgres", health.SQL(db))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	if s.cfg.AutoMigrate {
		version, err := migrations.Up(ctx, db)
		if err != nil {
			return nil, err
		}
		s.logger.Info("migrations applied", "version", version)
	}
	return dispute.NewPostgresStore(db), nil
}

func (s *Server) buildDirectory() dispute.OrderDirectory {
	if s.cfg.OrderServiceURL == "" {
		s.logger.Warn("ORDER_SERVICE_URL not set, using empty in-memory order directory")
		return orders.NewMemoryDirectory()
	}
	s.logger.Info("order service configured", "url", s.cfg.OrderServiceURL)
	return orders.NewHTTPClient(s.cfg.OrderServiceURL)
}

// buildNotifier logs every fact and, when a webhook is configured, posts it
// behind a circuit breaker. Repeats are dropped by fact id.
func (s *Server) buildNotifier() dispute.Notifier {
	sinks := notify.Multi{notify.NewLogNotifier(s.logger)}
	if s.cfg.WebhookURL != "" {
		breaker := circuitbreaker.New(5, 30*time.Second)
		breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
			s.logger.Warn("webhook circuit changed", "sink", key, "from", from.String(), "to", to.String())
		})
		sinks = append(sinks, notify.NewWebhook(s.cfg.WebhookURL, s.cfg.WebhookSecret).WithBreaker(breaker))
		s.logger.Info("webhook notifications enabled", "url", s.cfg.WebhookURL)
	}

	var deduper notify.Deduper
	if s.redis != nil {
		deduper = notify.NewRedisDeduper(s.redis, notify.DefaultDedupTTL)
	} else {
		deduper = notify.NewMemoryDeduper(notify.DefaultDedupTTL)
	}
	return notify.NewDeduplicating(sinks, deduper)
}

// buildLocker prefers Redis, then Postgres advisory locks. A single
// in-memory replica only needs a local lock.
func (s *Server) buildLocker() leader.Locker {
	switch {
	case s.redis != nil:
		return leader.NewRedisLocker(s.redis, s.cfg.ExpiryScanInterval)
	case s.db != nil:
		return leader.NewPostgresLocker(s.db)
	default:
		return leader.NewLocalLocker()
	}
}

func checkOutboundURLs(cfg *config.Config) error {
	for name, u := range map[string]string{
		"WEBHOOK_URL":       cfg.WebhookURL,
		"ORDER_SERVICE_URL": cfg.OrderServiceURL,
	} {
		if u == "" {
			continue
		}
		if err := security.ValidateEndpointURL(u); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(identity.Middleware(), s.limiter.Middleware())
	dispute.NewHandler(s.engine, s.timer).RegisterRoutes(v1)
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive", "version": Version})
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

// Run serves HTTP and runs the expiry timer and event relay until ctx is
// cancelled or one of them fails, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.timer.Start(gctx)
		return nil
	})
	g.Go(func() error {
		s.relay.Start(gctx)
		return nil
	})
	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown()
	})

	s.ready.Store(true)
	s.logger.Info("server ready")

	return g.Wait()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	s.timer.Stop()
	s.relay.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if err := s.shutdownTracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	s.closeResources()

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

func (s *Server) closeResources() {
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
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the dispute engine.
func (s *Server) Engine() *dispute.Engine {
	return s.engine
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
