package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/clinicaccess/pkg/api"
	"github.com/platinummonkey/clinicaccess/pkg/audit"
	"github.com/platinummonkey/clinicaccess/pkg/config"
	"github.com/platinummonkey/clinicaccess/pkg/fetch"
	"github.com/platinummonkey/clinicaccess/pkg/httputil"
	"github.com/platinummonkey/clinicaccess/pkg/middleware"
	"github.com/platinummonkey/clinicaccess/pkg/observability"
	"github.com/platinummonkey/clinicaccess/pkg/provider"
	"github.com/platinummonkey/clinicaccess/pkg/rbac"
	"github.com/platinummonkey/clinicaccess/pkg/session"
)

var version = "dev"

func main() {
	configFile := flag.String("config", os.Getenv(config.ConfigFileEnv), "Path to a YAML config file")
	migrateOnly := flag.Bool("migrate-only", false, "Run database migrations and exit")
	flag.Parse()

	boot := logrus.New()
	boot.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configFile)
	if err != nil {
		boot.Fatalf("Failed to load configuration: %v", err)
	}
	setLevel(boot, cfg.Observability.LogLevelName)

	if err := run(cfg, boot, *migrateOnly); err != nil {
		boot.Fatalf("clinicaccess stopped: %v", err)
	}
}

func setLevel(logger *logrus.Logger, name string) {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func run(cfg *config.Config, boot *logrus.Logger, migrateOnly bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("version", version)

	db, err := connectDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	boot.WithField("driver", cfg.Database.Driver).Info("Connected to database")

	if err := rbac.RunMigrations(ctx, db, logger); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if migrateOnly {
		boot.Info("Migrations complete")
		return nil
	}

	otelProviders, err := observability.InitOTel(ctx, cfg.OTel(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	rdb, err := connectRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}

	// Read path: store -> cache -> live sessions
	store := rbac.NewStore(db)
	cacheOpts := []fetch.Option{
		fetch.WithSize(cfg.Cache.Size),
		fetch.WithTTL(cfg.Cache.TTL),
		fetch.WithMetrics(metrics),
		fetch.WithLogger(logger),
	}
	var bus *fetch.RedisBus
	if rdb != nil {
		bus = fetch.NewRedisBus(rdb, cfg.Redis.Channel, logger)
		cacheOpts = append(cacheOpts, fetch.WithPublisher(bus))
	}
	cache := fetch.New(store, cacheOpts...)
	if bus != nil {
		if err := bus.Listen(ctx, cache); err != nil {
			return err
		}
	}

	sessions := session.NewRegistry(cache, session.Config{
		IdleTimeout:   cfg.Session.IdleTimeout,
		SweepSchedule: cfg.Session.SweepSchedule,
	},
		session.WithLogger(logger),
		session.WithMetrics(metrics),
		session.WithProviderOptions(provider.WithTracer(observability.Tracer())),
	)
	if err := sessions.Start(); err != nil {
		return fmt.Errorf("failed to start session sweeper: %w", err)
	}

	trail, dbTrail, err := auditSinks(db, cfg.Audit)
	if err != nil {
		return err
	}

	apiOpts := []api.Option{
		api.WithLogger(logger),
		api.WithMetrics(metrics),
		api.WithAudit(trail),
	}
	if dbTrail != nil {
		apiOpts = append(apiOpts, api.WithAuditSearch(dbTrail))
	}
	if cfg.RateLimit.Enabled {
		limits := &middleware.RateLimitConfig{
			RequestsPerWindow: cfg.RateLimit.RequestsPerWindow,
			WindowDuration:    cfg.RateLimit.Window,
			BurstSize:         cfg.RateLimit.Burst,
		}
		var limiter middleware.Limiter
		if rdb != nil {
			limiter = middleware.NewDistributedRateLimiter(rdb, limits, "")
		} else {
			local := middleware.NewRateLimiter(limits)
			local.StartCleanup(ctx)
			limiter = local
		}
		apiOpts = append(apiOpts, api.WithRateLimit(limiter, cfg.RateLimit.FailOpen))
	}
	apiServer := api.NewServer(store, cache, sessions, apiOpts...)

	handler := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
		httputil.ContentTypeMiddleware,
	)(apiServer)

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(handler, "clinicaccess"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health checks and metrics on their own port
	healthRouter := mux.NewRouter()
	checker := observability.NewHealthChecker(db, rdb, version)
	checker.AddCheck("schema", true, func(ctx context.Context) error {
		return rbac.SchemaCurrent(ctx, db)
	})
	observability.RegisterHealthRoutes(healthRouter, checker)
	healthRouter.Handle("/metrics", observability.MetricsHandler(registry))
	healthSrv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthRouter,
	}

	dbStats := cron.New()
	if _, err := dbStats.AddFunc("@every 15s", func() {
		defer observability.RecoverPanic(logger, "db stats")
		metrics.RecordDBStats(db.Stats())
	}); err != nil {
		return fmt.Errorf("failed to schedule db stats: %w", err)
	}
	dbStats.Start()

	shutdown := observability.NewShutdownManager(logger, srv, cfg.Server.ShutdownTimeout)
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})
	shutdown.Register("audit", func(context.Context) error { return trail.Close() })
	if rdb != nil {
		shutdown.Register("redis", func(context.Context) error { return rdb.Close() })
	}
	if bus != nil {
		shutdown.Register("invalidation bus", func(context.Context) error { return bus.Close() })
	}
	shutdown.Register("db stats", func(ctx context.Context) error {
		select {
		case <-dbStats.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.Register("sessions", sessions.Close)
	shutdown.Register("health server", healthSrv.Shutdown)

	serveErr := make(chan error, 2)
	go serve(healthSrv, serveErr)
	go serve(srv, serveErr)
	boot.WithFields(logrus.Fields{
		"addr":   srv.Addr,
		"health": healthSrv.Addr,
	}).Info("clinicaccess started")

	waitCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		if err := <-serveErr; err != nil {
			boot.WithError(err).Error("Server failed")
			stop()
		}
	}()

	if err := shutdown.WaitForShutdown(waitCtx); err != nil {
		return err
	}
	boot.Info("clinicaccess stopped")
	return nil
}

func serve(srv *http.Server, errs chan<- error) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errs <- fmt.Errorf("%s: %w", srv.Addr, err)
	}
}

func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if cfg.Driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	return db, nil
}

// connectRedis returns nil when no URL is configured
func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// auditSinks builds the configured audit loggers. The database sink is also
// returned on its own so the API can search it.
func auditSinks(db *sql.DB, cfg config.AuditConfig) (audit.Logger, *audit.DBLogger, error) {
	var (
		sinks   []audit.Logger
		dbTrail *audit.DBLogger
	)
	if cfg.Database {
		l, err := audit.NewDBLogger(db)
		if err != nil {
			return nil, nil, err
		}
		dbTrail = l
		sinks = append(sinks, l)
	}
	if cfg.FilePath != "" {
		l, err := audit.NewFileLogger(audit.FileLoggerConfig{
			BasePath: cfg.FilePath,
			MaxSize:  cfg.MaxFileSize,
			MaxFiles: cfg.MaxFiles,
		})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, l)
	}
	if len(sinks) == 1 {
		return sinks[0], dbTrail, nil
	}
	return audit.NewMultiLogger(sinks...), dbTrail, nil
}
