// Package server wires the order, escrow, dispute, and admin services into
// an HTTP server with all routes.
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

	"github.com/gamedayrelics/ordercore/internal/actor"
	"github.com/gamedayrelics/ordercore/internal/admin"
	"github.com/gamedayrelics/ordercore/internal/audit"
	"github.com/gamedayrelics/ordercore/internal/circuitbreaker"
	"github.com/gamedayrelics/ordercore/internal/config"
	"github.com/gamedayrelics/ordercore/internal/dispute"
	"github.com/gamedayrelics/ordercore/internal/escrow"
	"github.com/gamedayrelics/ordercore/internal/health"
	"github.com/gamedayrelics/ordercore/internal/logging"
	"github.com/gamedayrelics/ordercore/internal/metrics"
	"github.com/gamedayrelics/ordercore/internal/order"
	"github.com/gamedayrelics/ordercore/internal/payment"
	"github.com/gamedayrelics/ordercore/internal/ratelimit"
	"github.com/gamedayrelics/ordercore/internal/security"
	"github.com/gamedayrelics/ordercore/internal/validation"
)

// Server wraps the HTTP server and its services.
type Server struct {
	cfg            *config.Config
	provider       payment.Provider
	auditLog       audit.Logger
	orderService   *order.Service
	escrowService  *escrow.Service
	disputeService *dispute.Service
	gateway        *admin.Gateway
	breaker        *circuitbreaker.Breaker
	checks         *health.Registry
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProvider sets a custom payment provider (for testing).
func WithProvider(p payment.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	s.healthy.Store(true)

	for _, opt := range opts {
		opt(s)
	}

	if s.provider == nil {
		if cfg.StripeAPIKey != "" {
			s.provider = payment.NewStripeProvider(cfg.StripeAPIKey, cfg.ProviderTimeout)
			s.logger.Info("using Stripe payment provider")
		} else {
			s.provider = payment.NewManualProvider()
			s.logger.Info("using manual payment provider (development only)")
		}
	}
	// Shed provider calls fast during an outage instead of stacking timeouts.
	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.provider = payment.WithBreaker(s.provider, s.breaker)

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory.
	var (
		orderStore   order.Store
		escrowStore  escrow.Store
		disputeStore dispute.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.auditLog = audit.NewPostgresLog(db)
		orderStore = order.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (development only)")
		s.auditLog = audit.NewMemoryLog()
		orderStore = order.NewMemoryStore(s.auditLog)
		escrowStore = escrow.NewMemoryStore(s.auditLog)
		disputeStore = dispute.NewMemoryStore(s.auditLog)
	}

	// Services. The order and escrow services reference each other through
	// narrow interfaces: orders gate releases, escrow holds back creation.
	s.orderService = order.NewService(orderStore)
	s.escrowService = escrow.NewService(escrowStore, s.provider).
		WithOrderInfo(s.orderService).
		WithPayoutAttempts(cfg.PayoutAttempts, 500*time.Millisecond)
	s.orderService.WithEscrow(s.escrowService).WithReleaser(&escrowReleaser{s.escrowService})

	s.disputeService = dispute.NewService(disputeStore, s.orderService, s.escrowService)
	s.gateway = admin.NewGateway(s.orderService, s.escrowService, s.disputeService, s.auditLog)

	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.checks.Register("database", func(context.Context) health.Status {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		})
	}
	s.checks.Register("payment_provider", func(context.Context) health.Status {
		// Report degraded when any provider circuit is open.
		for _, op := range []string{"hold", "payout", "refund"} {
			if s.breaker.State(op) == circuitbreaker.StateOpen {
				return health.Status{Name: "payment_provider", Healthy: false,
					Detail: "circuit open for " + op}
			}
		}
		return health.Status{Name: "payment_provider", Healthy: true}
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// escrowReleaser adapts the escrow service to the single-return interface
// the order service consumes.
type escrowReleaser struct {
	svc *escrow.Service
}

func (r *escrowReleaser) Release(ctx context.Context, orderID string, a actor.Actor) error {
	_, err := r.svc.Release(ctx, orderID, a, escrow.SettleOpts{})
	return err
}

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS * 2,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Actor identity from headers
	s.router.Use(s.actorMiddleware())

	// Logging
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

// actorMiddleware reads the caller's identity headers. The admin role is
// never accepted from headers; it is granted only by the admin key check.
func (s *Server) actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("actorID", c.GetHeader("X-Actor-ID"))
		role := actor.Role(c.GetHeader("X-Actor-Role"))
		switch role {
		case actor.RoleBuyer, actor.RoleSeller:
			c.Set("actorRole", string(role))
		default:
			c.Set("actorRole", "")
		}
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
			logger.Info("request completed",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	order.NewHandler(s.orderService).RegisterRoutes(v1)
	dispute.NewHandler(s.disputeService).RegisterRoutes(v1)

	adminGroup := v1.Group("/admin")
	admin.NewHandler(s.gateway, s.cfg.AdminAPIKey).RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if s.db != nil {
		go metrics.CollectDBStats(runCtx, s.db, 15*time.Second)
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

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(b)
}
