package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hms/patientflow/internal/config"
	"github.com/hms/patientflow/internal/domain/admission"
	"github.com/hms/patientflow/internal/domain/flow"
	"github.com/hms/patientflow/internal/domain/identity"
	"github.com/hms/patientflow/internal/domain/queue"
	"github.com/hms/patientflow/internal/domain/triage"
	"github.com/hms/patientflow/internal/domain/visit"
	"github.com/hms/patientflow/internal/platform/auth"
	"github.com/hms/patientflow/internal/platform/db"
	"github.com/hms/patientflow/internal/platform/events"
	"github.com/hms/patientflow/internal/platform/middleware"
	"github.com/hms/patientflow/internal/platform/telemetry"
	"github.com/hms/patientflow/internal/platform/websocket"
)

const version = "0.1.0"

// app is a fully wired server. close releases everything it opened, in
// reverse order.
type app struct {
	echo    *echo.Echo
	bus     *events.Bus
	closers []func(context.Context) error
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// stores groups the repositories for one storage backend.
type stores struct {
	patients  identity.PatientRepository
	visits    visit.Repository
	entries   queue.Repository
	inventory admission.Inventory
	requests  admission.RequestRepository
	tx        db.TxRunner
}

func memoryStores() stores {
	return stores{
		patients:  identity.NewPatientRepoMem(),
		visits:    visit.NewRepoMem(),
		entries:   queue.NewRepoMem(),
		inventory: admission.NewInventoryMem(),
		requests:  admission.NewRequestRepoMem(),
		tx:        db.NoTx{},
	}
}

func postgresStores(pool *pgxpool.Pool) stores {
	return stores{
		patients:  identity.NewPatientRepoPG(pool),
		visits:    visit.NewRepoPG(pool),
		entries:   queue.NewRepoPG(pool),
		inventory: admission.NewInventoryPG(pool),
		requests:  admission.NewRequestRepoPG(pool),
		tx:        db.NewTxRunner(pool),
	}
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.close(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Str("store", cfg.Store).Msg("starting server")
		if err := a.echo.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.echo.Shutdown(shutdownCtx)
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.OTelServiceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRate:     cfg.OTelSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdownTelemetry)

	metrics, err := telemetry.DefaultMetrics()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	var pool *pgxpool.Pool
	st := memoryStores()
	if cfg.Store == config.StorePostgres {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		st = postgresStores(pool)
		logger.Info().Msg("connected to database")
	}

	protocol, err := loadProtocol(cfg.TriageFile)
	if err != nil {
		return nil, fmt.Errorf("triage protocol: %w", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return redisClient.Close() })
	}

	hub := websocket.NewHub()
	sinks, err := buildSinks(cfg, logger, hub, redisClient, a)
	if err != nil {
		return nil, err
	}
	a.bus = events.NewBus(logger, cfg.EventBuffer, sinks...)
	a.closers = append(a.closers, a.bus.Close)

	// Services
	patients := identity.NewService(st.patients, nil, a.bus, logger)
	classifier := triage.NewClassifier(protocol)
	queues := queue.NewService(st.entries, logger)
	flowSvc := flow.NewService(flow.Deps{
		Patients:   patients,
		Visits:     st.visits,
		Queues:     queues,
		Classifier: classifier,
		Tx:         st.tx,
		Publisher:  a.bus,
		Metrics:    metrics,
		Logger:     logger,
	})
	admissions := admission.NewService(st.inventory, st.requests, patients, st.tx, a.bus, logger).WithMetrics(metrics)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	a.echo = e

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.TracingMiddleware(telemetry.Tracer()))
	e.Use(metrics.MetricsMiddleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, db.FacilityHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	if cfg.AuthMode == config.AuthDevelopment {
		logger.Warn().Msg("development auth is active: every request is treated as admin")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	e.Use(db.FacilityMiddleware(pool, cfg.DefaultFacility))
	e.Use(middleware.Audit(logger, auditPublisher(a.bus)))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	if cfg.HasSink("websocket") {
		websocket.NewHandler(hub, logger, cfg.CORSOrigins).RegisterRoutes(e.Group(""))
	}

	api := e.Group("/api/v1")
	api.Use(middleware.RateLimit(buildLimiter(cfg, redisClient), logger))

	identity.NewHandler(patients).RegisterRoutes(api)
	triage.NewHandler(classifier).RegisterRoutes(api)
	flow.NewHandler(flowSvc).RegisterRoutes(api)
	admission.NewHandler(admissions).RegisterRoutes(api)

	return a, nil
}

// buildSinks turns EVENT_SINKS into sinks. Kafka writers are closed with
// the app.
func buildSinks(cfg *config.Config, logger zerolog.Logger, hub *websocket.Hub, redisClient *redis.Client, a *app) ([]events.Sink, error) {
	var sinks []events.Sink
	for _, name := range cfg.EventSinks {
		switch name {
		case "log":
			sinks = append(sinks, events.NewLogSink(logger))
		case "websocket":
			sinks = append(sinks, events.NewHubSink(hub))
		case "redis":
			if redisClient == nil {
				return nil, fmt.Errorf("redis sink requires REDIS_URL")
			}
			sinks = append(sinks, events.NewRedisSink(redisClient, cfg.RedisChannel))
		case "kafka":
			w := events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
			a.closers = append(a.closers, func(context.Context) error { return w.Close() })
			sinks = append(sinks, events.NewKafkaSink(w))
		default:
			return nil, fmt.Errorf("unknown event sink %q", name)
		}
	}
	return sinks, nil
}

// buildLimiter shares the budget across replicas through Redis when it is
// configured.
func buildLimiter(cfg *config.Config, redisClient *redis.Client) middleware.Limiter {
	rl := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rl.RequestsPerSecond <= 0 || rl.BurstSize <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	if redisClient != nil {
		return middleware.NewRedisLimiter(redisClient, "patientflow:ratelimit", int(rl.RequestsPerSecond*60), time.Minute)
	}
	return middleware.NewMemoryLimiter(rl)
}

// auditPublisher sends staff audit entries down the event bus so they reach
// the same sinks as domain events.
func auditPublisher(pub events.Publisher) middleware.AuditRecorder {
	return middleware.AuditRecorderFunc(func(entry middleware.AuditEntry) error {
		ev := events.New(events.StaffAction, events.AuditTopic(), entry.Resource, entry)
		ev.Facility = entry.Facility
		pub.Publish(context.Background(), ev)
		return nil
	})
}
