// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health probes, and graceful shutdown for hearth.
//
// Logging wraps slog with a JSON handler:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("user_id", id).Info("role resolved")
//
// Metrics are plain Prometheus collectors registered once at startup and passed
// to the cache, resolver and session controller:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.CacheHitsTotal.WithLabelValues("memory").Inc()
//
// Tracing is disabled unless HEARTH_OTEL_ENABLED is set; spans created through
// Tracer() are no-ops in that case.
package observability
