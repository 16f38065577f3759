// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("clinic_id", clinicID).Info("Template saved")
//
// Handlers use the request-scoped logger:
//
//	observability.RequestLogger(r.Context(), logger).WithError(err).Error("Save failed")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// Domain helpers (ObserveCheck, ObserveResolve, ObserveCache, ObserveSave)
// are safe to call on a nil *Metrics.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	checker.AddCheck("schema", true, func(ctx context.Context) error {
//		return rbac.SchemaCurrent(ctx, db)
//	})
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "clinicaccess",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// Spans are started from Tracer().
package observability
