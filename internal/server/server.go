// Package server wires the escrow controller, its stores and notifiers into
// an HTTP server.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/voucherescrow/internal/config"
	"github.com/mbd888/voucherescrow/internal/controller"
	"github.com/mbd888/voucherescrow/internal/health"
	"github.com/mbd888/voucherescrow/internal/logging"
	"github.com/mbd888/voucherescrow/internal/metrics"
	"github.com/mbd888/voucherescrow/internal/ratelimit"
	"github.com/mbd888/voucherescrow/internal/realtime"
	"github.com/mbd888/voucherescrow/internal/release"
	"github.com/mbd888/voucherescrow/internal/security"
	"github.com/mbd888/voucherescrow/internal/traces"
	"github.com/mbd888/voucherescrow/internal/validation"
	"github.com/mbd888/voucherescrow/internal/webhooks"
	"github.com/mbd888/voucherescrow/migrations"
)

// Version is reported by /health.
var Version = "dev"

const (
	defaultDrainDelay = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	controller   *controller.Controller
	dispatcher   *webhooks.Dispatcher
	webhookStore webhooks.Store
	realtimeHub  *realtime.Hub
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	ctrlOpts     []controller.Option
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	live  *health.Probe
	ready *health.Probe
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithControllerOptions passes extra options to the escrow controller.
func WithControllerOptions(opts ...controller.Option) Option {
	return func(s *Server) {
		s.ctrlOpts = append(s.ctrlOpts, opts...)
	}
}

// WithDrainDelay sets how long Shutdown waits before closing listeners.
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
		drainDelay: defaultDrainDelay,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var attempts release.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
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
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		if err := metrics.RegisterDB(db); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}

		s.db = db
		attempts = release.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		attempts = release.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if err := webhooks.SeedFromConfig(ctx, s.webhookStore, cfg.Escrow.WebhookURLs, cfg.Escrow.WebhookSecret); err != nil {
		s.logger.Warn("failed to seed webhook subscriptions", "error", err)
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	s.dispatcher = webhooks.NewDispatcher(s.webhookStore, s.logger)
	emitter := webhooks.NewEmitter(s.dispatcher, s.logger)

	ctrlOpts := []controller.Option{
		controller.WithStore(attempts),
		controller.WithNotifier(release.Notifiers{
			release.NewHubNotifier(s.realtimeHub),
			release.NewWebhookNotifier(emitter),
		}),
		controller.WithHub(s.realtimeHub),
		controller.WithLogger(s.logger),
	}
	if s.db != nil {
		ctrlOpts = append(ctrlOpts, controller.WithLocker(controller.NewPostgresLocker(s.db, controller.DefaultLockKey)))
	}
	s.controller = controller.New(cfg.Escrow, append(ctrlOpts, s.ctrlOpts...)...)

	s.health = health.NewRegistry()
	s.live = health.NewProbe("alive", "unhealthy")
	s.ready = health.NewProbe("ready", "not_ready")
	s.health.Register("escrow", s.controller.HealthCheck)
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.live.Set(true)
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
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		rl.BurstSize = max(rl.BurstSize, s.cfg.RateLimitRPM/10)
	}
	s.rateLimiter = ratelimit.New(rl)

	s.router.Use(
		s.requestContext(),
		gin.CustomRecovery(recovered),
		security.Headers(),
		security.CORS(s.cfg.CORSOrigins),
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		s.rateLimiter.Middleware(),
		traces.Middleware(),
		metrics.Middleware(),
		accessLog(),
	)
}

// requestContext tags the request with an id (client supplied or new) and
// the server logger so handlers can use logging.L.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		ctx := logging.WithLogger(logging.WithRequestID(c.Request.Context(), id), s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func recovered(c *gin.Context, v any) {
	logging.L(c.Request.Context()).Error("panic recovered", "panic", v, "path", c.Request.URL.Path)
	c.AbortWithStatusJSON(http.StatusInternalServerError, controller.Response{
		Success: false,
		Message: "internal error",
	})
}

// Probes and scrapes are only logged when they fail.
var quietPaths = map[string]bool{"/health/live": true, "/health/ready": true, "/metrics": true}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		case quietPaths[c.Request.URL.Path]:
			return
		}
		logging.L(c.Request.Context()).Log(c.Request.Context(), level, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"route", c.FullPath(),
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler(Version))
	s.router.GET("/health/live", s.live.Handler())
	s.router.GET("/health/ready", s.ready.Handler())
	s.router.GET("/metrics", metrics.Handler())

	webhookHandler := webhooks.NewHandler(s.webhookStore)
	if !s.cfg.IsDevelopment() {
		policy := security.EndpointPolicy{AllowHTTP: !s.cfg.IsProduction()}
		webhookHandler.WithURLValidator(policy.Validate)
	}

	v1 := s.router.Group("/v1")
	controller.NewHandler(s.controller, s.cfg.AdminSecret).
		WithHub(s.realtimeHub).
		WithWebhooks(webhookHandler).
		RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	sigCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on :%s: %w", s.cfg.Port, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	go s.realtimeHub.Run(runCtx)
	if s.cfg.Escrow.AutoStart {
		go s.startEscrow(runCtx)
	}

	s.ready.Set(true)
	s.logger.Info("server ready", "addr", ln.Addr().String(), "ledger_mode", s.cfg.Escrow.LedgerMode)

	select {
	case err := <-serveErr:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case <-sigCtx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(sigCtx))
	}

	return s.Shutdown()
}

// startEscrow initializes and starts the controller. Failures leave the
// HTTP surface up so operators can inspect status and retry.
func (s *Server) startEscrow(ctx context.Context) {
	if err := s.controller.Init(ctx); err != nil {
		s.logger.Error("escrow init failed",
			"error", err,
			"kind", controller.KindOf(err),
		)
		return
	}
	res, err := s.controller.Start(ctx)
	if err != nil {
		s.logger.Error("escrow start failed", "error", err, "kind", controller.KindOf(err))
		return
	}
	s.logger.Info("escrow service started",
		"scanned", res.Scanned,
		"queued", res.Processed,
	)
}

// Shutdown drains traffic and stops components in dependency order: the
// HTTP listener, background goroutines, the controller (its queue drains
// before the ledger closes), pending webhook sends and the database.
func (s *Server) Shutdown() error {
	s.ready.Set(false)
	s.logger.Info("starting graceful shutdown", "drain_delay", s.drainDelay)
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			s.logger.Error("shutdown step failed", "step", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		s.logger.Debug("shutdown step done", "step", name)
	}

	if s.httpSrv != nil {
		step("http", func() error { return s.httpSrv.Shutdown(ctx) })
	}
	// Cancelling the run context first aborts a catch-up scan or init still
	// running from auto-start.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	step("escrow", func() error { return s.controller.Close(ctx) })
	step("webhooks", func() error { s.dispatcher.Wait(); return nil })
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.db != nil {
		step("database", s.db.Close)
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Controller exposes the escrow controller.
func (s *Server) Controller() *controller.Controller {
	return s.controller
}
