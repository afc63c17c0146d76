package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ehr/visitflow/internal/config"
	"github.com/ehr/visitflow/internal/domain/billing"
	"github.com/ehr/visitflow/internal/domain/dashboard"
	"github.com/ehr/visitflow/internal/domain/identity"
	"github.com/ehr/visitflow/internal/domain/scheduling"
	"github.com/ehr/visitflow/internal/domain/visit"
	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/internal/platform/db"
	"github.com/ehr/visitflow/internal/platform/metrics"
	"github.com/ehr/visitflow/internal/platform/middleware"
	"github.com/ehr/visitflow/internal/platform/notify"
	"github.com/ehr/visitflow/internal/platform/telemetry"
	"github.com/ehr/visitflow/internal/platform/websocket"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// instanceID names this process in the visit_event outbox so the relay can
// skip its own rows.
func instanceID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "visitflow"
	}
	return host + "-" + uuid.NewString()[:8]
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtCfg)
	}
	return auth.JWTMiddleware(jwtCfg)
}

type routes struct {
	visits    *visit.Handler
	dashboard *dashboard.Handler
	websocket *websocket.Handler
	dbHealth  echo.HandlerFunc
}

func newRouter(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics, r routes) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(m.Middleware())
	e.Use(echo.WrapMiddleware(otelhttp.NewMiddleware("visitflow-server",
		otelhttp.WithFilter(func(req *http.Request) bool {
			return !strings.HasPrefix(req.URL.Path, "/health") && req.URL.Path != "/metrics"
		}),
	)))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", middleware.RequestIDHeader},
		ExposeHeaders: []string{"ETag", middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.Secure())

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	e.Use(middleware.RateLimit(rl))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if r.dbHealth != nil {
		e.GET("/health/db", r.dbHealth)
	}
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	authMW := authMiddleware(cfg)
	api := e.Group("/api/v1", authMW)
	r.visits.RegisterRoutes(api)
	r.dashboard.RegisterRoutes(api)
	r.websocket.RegisterRoutes(e.Group("", authMW))

	return e
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.IsDev() {
		logger.Warn().Msg("development mode: requests without a token get the X-Dev-* identity (admin by default)")
	}

	instance := instanceID(cfg.InstanceID)
	logger = logger.With().Str("instance", instance).Logger()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "visitflow-server",
		ServiceVersion: version,
		InstanceID:     instance,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	m := metrics.New()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, m.QueryTracer())
	if err != nil {
		return err
	}
	defer pool.Close()
	m.RegisterPool(pool)
	logger.Info().Msg("connected to database")

	bus := notify.NewBus(logger)
	bus.SetObserver(m)

	patients := identity.NewPatientRepo(pool)
	appointments := scheduling.NewService(scheduling.NewAppointmentRepoPG(pool), logger)
	payments := billing.NewService(billing.NewTransactionRepoPG(pool))
	visits := visit.NewRepo(pool, instance)

	visitSvc := visit.NewService(visits, bus, logger)
	visitSvc.SetAppointmentSync(appointments)
	visitSvc.SetRecorder(m)
	projector := visit.NewProjector(visits, patients, logger)

	agg := dashboard.NewAggregator(dashboard.Sources{
		Visits:       visits,
		Patients:     patients,
		Appointments: appointments,
		Transactions: payments,
	}, logger)
	agg.SetLocation(loc)
	agg.SetRecorder(m)

	hub := websocket.NewHub(logger)
	hub.SetObserver(m)
	detach := hub.Attach(bus)
	defer detach()

	if cfg.RelayEnabled {
		relay := notify.NewRelay(notify.NewOutboxStore(pool), bus, notify.RelayConfig{
			Origin:       instance,
			PollInterval: cfg.RelayPollInterval,
		}, logger)
		relay.SetObserver(m)
		go relay.Run(ctx)
	}

	e := newRouter(cfg, logger, m, routes{
		visits:    visit.NewHandler(visitSvc, projector, logger),
		dashboard: dashboard.NewHandler(agg, logger),
		websocket: websocket.NewHandler(hub, cfg.CORSOrigins, logger),
		dbHealth:  db.HealthHandler(pool),
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	hub.Close()
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
