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

	"github.com/parceld/gate/internal/audit"
	"github.com/parceld/gate/internal/auth"
	"github.com/parceld/gate/internal/config"
	"github.com/parceld/gate/internal/health"
	"github.com/parceld/gate/internal/idempotency"
	"github.com/parceld/gate/internal/logging"
	"github.com/parceld/gate/internal/metrics"
	"github.com/parceld/gate/internal/ownership"
	"github.com/parceld/gate/internal/ratelimit"
	"github.com/parceld/gate/internal/realtime"
	"github.com/parceld/gate/internal/replay"
	"github.com/parceld/gate/internal/risk"
	"github.com/parceld/gate/internal/security"
	"github.com/parceld/gate/internal/state"
	"github.com/parceld/gate/internal/syncutil"
	"github.com/parceld/gate/internal/traces"
	"github.com/parceld/gate/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	resources   state.Store
	validator   *state.Validator
	gate        *ownership.Gate
	guard       *replay.Guard
	idemStore   idempotency.Store
	scorer      *risk.Scorer
	riskStore   risk.Store
	sweeper     *risk.Sweeper
	authMgr     *auth.Manager
	auditStore  audit.Store
	emitter     *audit.Emitter
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	locks       syncutil.ShardedMutex

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	traceStop    func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		resourceStore := state.NewPostgresStore(db)
		if err := resourceStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate resource store", "error", err)
		}
		s.resources = resourceStore

		idemStore := idempotency.NewPostgresStore(db)
		if err := idemStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate idempotency store", "error", err)
		}
		s.idemStore = idemStore

		auditStore := audit.NewPostgresStore(db)
		if err := auditStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate audit store", "error", err)
		}
		s.auditStore = auditStore

		riskStore := risk.NewPostgresStore(db)
		if err := riskStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate risk store", "error", err)
		}
		s.riskStore = riskStore

		authStore := auth.NewPostgresStore(db)
		if err := authStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		s.authMgr = auth.NewManager(authStore)

		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		s.resources = state.NewMemoryStore()
		s.idemStore = idempotency.NewMemoryStore()
		s.auditStore = audit.NewMemoryStore()
		s.riskStore = risk.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
	}

	// Tracing (no-op when the endpoint is unset)
	stop, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceStop = stop
	}

	// Realtime hub mirrors the audit trail to connected ops dashboards.
	s.realtimeHub = realtime.NewHub(s.logger)

	// Audit pipeline: everything security-relevant funnels through here.
	s.emitter = audit.NewEmitter(s.auditStore, s.logger).
		WithBroadcaster(s.realtimeHub)

	// Risk scorer with persisted flag trail.
	s.scorer = risk.NewScorer().
		WithStore(s.riskStore).
		WithEmitter(s.emitter)
	s.sweeper = risk.NewSweeper(s.scorer, cfg.RiskSweepEvery, cfg.RiskIdleEvict, s.logger)

	// Transition validator and ownership gate share the resource store.
	s.validator = state.NewValidator(s.resources).
		WithAudit(&auditRecorder{emitter: s.emitter})
	s.gate = ownership.NewGate(s.resources).
		WithEmitter(s.emitter).
		WithFlagger(&riskFlagger{s.scorer})

	// Replay guard for mutating endpoints.
	s.guard = replay.NewGuard(cfg.ReplayWindow)

	s.logger.Info("transaction integrity layer initialized",
		"replayWindow", cfg.ReplayWindow,
		"idempotencyTTL", cfg.IdempotencyTTL,
	)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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

	// Rate limiting (volumetric backstop; the risk gate handles behavior)
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitPerMin
	s.rateLimiter = ratelimit.New(rlCfg).WithEmitter(s.emitter)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

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

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
	flagger := &riskFlagger{s.scorer}

	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket event stream for ops dashboards (admin only)
	s.router.GET("/ws",
		auth.Middleware(s.authMgr, flagger),
		auth.RequireRole(state.RoleAdmin),
		func(c *gin.Context) {
			s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
		})

	// V1 API group. Every route is authenticated, then passes through the
	// probe detectors and the risk gate before any business handler runs.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr, flagger))
	v1.Use(risk.Detect(s.scorer))
	v1.Use(risk.Gate(s.scorer, s.emitter))

	// Every mutating route carries the replay checks and the idempotency
	// cache. The guard skips its content-signature heuristic for keyed
	// requests, so a retry with the same Idempotency-Key falls through to
	// the cache and replays the stored response.
	replayGuard := replay.Middleware(s.guard, false, s.emitter, flagger)
	strictReplayGuard := replay.Middleware(s.guard, true, s.emitter, flagger)
	idem := idempotency.Middleware(s.idemStore, s.cfg.IdempotencyTTL)

	deliveries := v1.Group("/deliveries")
	deliveries.Use(auth.RequireAuth(), validation.ResourceIDParamMiddleware())
	{
		deliveries.POST("", replayGuard, idem, s.createDelivery)
		deliveries.GET("/:id", s.getResource(state.KindDelivery))
		deliveries.POST("/:id/transition", replayGuard, idem, s.transition(state.KindDelivery))
	}

	// Payment mutations additionally require a single-use nonce: these are
	// the calls that move money.
	payments := v1.Group("/payments")
	payments.Use(auth.RequireAuth(), validation.ResourceIDParamMiddleware())
	{
		payments.POST("", replayGuard, idem, s.createPayment)
		payments.GET("/:id", s.getResource(state.KindPayment))
		payments.POST("/:id/transition", strictReplayGuard, idem, s.transition(state.KindPayment))
	}

	// API key issuance checks its own authorization: an admin actor or the
	// bootstrap X-Admin-Secret may issue keys, so the first admin key can
	// be created on a fresh deployment.
	keysHandler := auth.NewHandler(s.authMgr, s.cfg.AdminSecret)
	v1.POST("/admin/keys", keysHandler.Issue)

	// Remaining admin surface requires an authenticated admin actor.
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAuth(), auth.RequireRole(state.RoleAdmin))
	{
		admin.GET("/keys", keysHandler.List)
		admin.DELETE("/keys/:id", keysHandler.Revoke)

		auditHandler := audit.NewHandler(s.auditStore)
		admin.GET("/audit/events", auditHandler.List)

		riskHandler := risk.NewHandler(s.scorer, s.riskStore)
		admin.GET("/risk/:actor", riskHandler.GetActor)
		admin.GET("/risk/:actor/flags", riskHandler.ListFlags)

		admin.GET("/stream/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.realtimeHub.Stats())
		})
	}
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "parceld-gate",
		"description": "Transaction integrity and abuse defense for the Parceld delivery platform",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start audit writer
	s.emitter.Start(runCtx)

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start risk record sweeper
	go s.sweeper.Start(runCtx)

	// Start replay nonce/signature window pruning
	s.guard.Start(runCtx, s.cfg.RiskSweepEvery)

	// Expired idempotency records and DB pool stats
	go s.sweepIdempotency(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

func (s *Server) sweepIdempotency(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.idemStore.Sweep(ctx)
			if err != nil {
				s.logger.Warn("idempotency sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("swept expired idempotency records", "count", n)
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweepers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop risk sweeper
	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("risk sweeper stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Drain and stop the audit writer last so shutdown events still land
	if s.emitter != nil {
		s.emitter.Close()
		s.logger.Info("audit emitter drained")
	}

	// Flush traces
	if s.traceStop != nil {
		if err := s.traceStop(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
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

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// riskFlagger adapts the risk scorer to the string-typed Flagger interfaces
// the middleware packages declare.
type riskFlagger struct {
	s *risk.Scorer
}

func (f *riskFlagger) Flag(actorID, flagType, detail string) {
	f.s.Flag(actorID, risk.FlagType(flagType), detail)
}

// auditRecorder adapts the audit emitter to state.AuditRecorder so every
// transition outcome lands in the trail.
type auditRecorder struct {
	emitter *audit.Emitter
}

func (a *auditRecorder) TransitionApplied(_ context.Context, actor state.Actor, r *state.Resource, from, to state.State) {
	a.emitter.Emit(&audit.Event{
		Actor:        actor.ID,
		Kind:         audit.KindStateTransition,
		Severity:     audit.SeverityLow,
		ResourceKind: string(r.Kind),
		ResourceID:   r.ID,
		Detail: map[string]string{
			"from": string(from),
			"to":   string(to),
			"role": string(actor.Role),
		},
	})
}

func (a *auditRecorder) TransitionDenied(_ context.Context, actor state.Actor, kind state.Kind, id string, target state.State, reason string) {
	a.emitter.Emit(&audit.Event{
		Actor:        actor.ID,
		Kind:         audit.KindTransitionDenied,
		Severity:     audit.SeverityMedium,
		ResourceKind: string(kind),
		ResourceID:   id,
		Detail: map[string]string{
			"target": string(target),
			"reason": reason,
			"role":   string(actor.Role),
		},
	})
}
