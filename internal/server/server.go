// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/genforge/internal/activity"
	"github.com/mbd888/genforge/internal/auth"
	"github.com/mbd888/genforge/internal/billing"
	"github.com/mbd888/genforge/internal/campaign"
	"github.com/mbd888/genforge/internal/circuitbreaker"
	"github.com/mbd888/genforge/internal/config"
	"github.com/mbd888/genforge/internal/gate"
	"github.com/mbd888/genforge/internal/health"
	"github.com/mbd888/genforge/internal/job"
	"github.com/mbd888/genforge/internal/ledger"
	"github.com/mbd888/genforge/internal/logging"
	"github.com/mbd888/genforge/internal/metrics"
	"github.com/mbd888/genforge/internal/provider"
	"github.com/mbd888/genforge/internal/ratelimit"
	"github.com/mbd888/genforge/internal/scheduler"
	"github.com/mbd888/genforge/internal/security"
	"github.com/mbd888/genforge/internal/tenant"
	"github.com/mbd888/genforge/internal/traces"
	"github.com/mbd888/genforge/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg       *config.Config
	version   string
	tenants   *tenant.Service
	ledger    *ledger.Ledger
	gate      *gate.Gate
	scheduler *scheduler.Scheduler
	campaigns *campaign.Service
	fulfiller *billing.Fulfiller
	health    *health.Registry

	provider provider.Provider
	text     provider.TextGenerator
	breaker  *circuitbreaker.Breaker

	rateLimiter   *ratelimit.Limiter // per client IP, all routes
	tenantLimiter *ratelimit.Limiter // per tenant, job admission
	db            *sql.DB            // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	drainDelay    time.Duration
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error

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

// WithVersion sets the build version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithProvider replaces the configured generation provider (for testing).
func WithProvider(p provider.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// WithTextGenerator replaces the configured script generator (for testing).
func WithTextGenerator(t provider.TextGenerator) Option {
	return func(s *Server) {
		s.text = t
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// stores groups the persistence backends for one storage mode.
type stores struct {
	tenants   tenant.Store
	ledger    ledger.Store
	features  gate.Store
	jobs      job.Store
	campaigns campaign.Store
	activity  activity.Store
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.breaker = circuitbreaker.New(circuitbreaker.Config{Logger: s.logger})

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var st stores
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		st = stores{
			tenants:   tenant.NewPostgresStore(db),
			ledger:    ledger.NewPostgresStore(db),
			features:  gate.NewPostgresStore(db),
			jobs:      job.NewPostgresStore(db),
			campaigns: campaign.NewPostgresStore(db),
			activity:  activity.NewPostgresStore(db),
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		tenants := tenant.NewMemoryStore()
		st = stores{
			tenants:   tenants,
			ledger:    ledger.NewMemoryStore(tenants),
			features:  gate.NewMemoryStore(),
			jobs:      job.NewMemoryStore(),
			campaigns: campaign.NewMemoryStore(),
			activity:  activity.NewMemoryStore(),
		}
		s.logger.Warn("using in-memory storage, data is lost on restart")
	}

	if s.provider == nil {
		if cfg.ProviderURL != "" {
			s.provider = provider.NewHTTPProvider(provider.HTTPConfig{
				BaseURL: cfg.ProviderURL,
				APIKey:  cfg.ProviderAPIKey,
				Breaker: s.breaker,
			})
			s.logger.Info("generation provider configured", "url", cfg.ProviderURL)
		} else {
			s.provider = provider.NewSimulated(2)
			s.logger.Warn("no PROVIDER_URL set, using simulated generation provider")
		}
	}
	if s.text == nil && cfg.OpenAIAPIKey != "" {
		s.text = provider.NewOpenAIText(cfg.OpenAIAPIKey, cfg.OpenAIModel, "")
	}

	events := activity.NewLog(st.activity, s.logger)
	s.ledger = ledger.New(st.ledger, events, s.logger)
	s.tenants = tenant.NewService(st.tenants, s.initialGrant, events, s.logger)
	s.gate = gate.New(st.tenants, st.features, events, s.logger)

	s.scheduler = scheduler.New(st.jobs, s.ledger, s.gate, s.provider, events, scheduler.Config{
		Workers:    cfg.WorkerCount,
		QueueSize:  cfg.QueueSize,
		MaxRetries: cfg.JobMaxRetries,
		Timeouts: job.Timeouts{
			job.ClassImage: cfg.ImageTimeout,
			job.ClassVideo: cfg.VideoTimeout,
			job.ClassAudio: cfg.AudioTimeout,
		},
		PollInterval:       cfg.ProviderPoll,
		RefundOnBulkCancel: cfg.RefundOnBulkCancel,
	}, s.logger)
	s.campaigns = campaign.NewService(st.campaigns, s.scheduler, st.jobs, s.ledger, s.gate, s.text, events, s.logger)
	s.fulfiller = billing.NewFulfiller(s.ledger, cfg.CreditsPerCent, s.logger)

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	s.health.Register("workers", health.WorkerPool(s.scheduler))
	if cfg.ProviderURL != "" {
		s.health.Register("provider", health.Breaker("provider", s.breaker))
	}

	if cfg.TenantRateLimitRPM > 0 {
		s.tenantLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.TenantRateLimitRPM,
			BurstSize:         max(1, cfg.TenantRateLimitRPM/6),
		})
	}

	metrics.BuildInfo.WithLabelValues(s.version, cfg.Env).Set(1)

	// Setup Gin
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// initialGrant issues a new tenant's opening credits through the ledger.
func (s *Server) initialGrant(ctx context.Context, tenantID string, amount int64) error {
	_, err := s.ledger.Grant(ctx, tenantID, amount, "initial credits", "system")
	return err
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
	// Recovery with logging
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

	// Coarse per-IP limit; job admission has its own per-tenant limit.
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware(ratelimit.ByClientIP))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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
	s.router.GET("/health", s.health.Handler(s.version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	if s.cfg.StripeWebhookSecret != "" {
		billing.NewHandler(s.fulfiller, s.cfg.StripeWebhookSecret).RegisterRoutes(s.router)
	} else {
		s.logger.Warn("no STRIPE_WEBHOOK_SECRET set, credit purchases disabled")
	}

	tenantHandler := tenant.NewHandler(s.tenants)
	ledgerHandler := ledger.NewHandler(s.ledger)
	gateHandler := gate.NewHandler(s.gate)
	jobHandler := scheduler.NewHandler(s.scheduler, s.tenantLimiter)
	campaignHandler := campaign.NewHandler(s.campaigns)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(), auth.RequireUser())
	tenantHandler.RegisterProtectedRoutes(v1)
	ledgerHandler.RegisterProtectedRoutes(v1)
	gateHandler.RegisterProtectedRoutes(v1)
	jobHandler.RegisterProtectedRoutes(v1)
	campaignHandler.RegisterProtectedRoutes(v1)

	admin := s.router.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret, s.cfg.IsDevelopment()))
	tenantHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	gateHandler.RegisterAdminRoutes(admin)
	jobHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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

// Start brings up background work: tracing, metrics sampling and recovery of
// jobs left over from a previous process. Run calls it; tests may call it
// directly.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	go metrics.StartCollector(runCtx, s.db, 15*time.Second)

	n, err := s.scheduler.Recover(runCtx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	if n > 0 {
		s.logger.Info("recovered jobs from previous run", "count", n)
	}
	s.ready.Store(true)
	return nil
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

// Shutdown gracefully stops the server. Jobs still executing are left in
// processing; the next Start fails and refunds them.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.httpSrv != nil && s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	if err := s.scheduler.Stop(20 * time.Second); err != nil {
		s.logger.Warn("job workers did not drain", "error", err)
	} else {
		s.logger.Info("job workers stopped")
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.rateLimiter.Stop()
	if s.tenantLimiter != nil {
		s.tenantLimiter.Stop()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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
