package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Role resolution metrics
	ResolutionsTotal   *prometheus.CounterVec
	ResolutionDuration *prometheus.HistogramVec

	// Cache metrics, labelled by tier (memory, persisted)
	CacheHitsTotal    *prometheus.CounterVec
	CacheMissesTotal  *prometheus.CounterVec
	CacheExpiredTotal *prometheus.CounterVec
	CacheErrorsTotal  *prometheus.CounterVec

	// Backing store metrics
	StoreOperationsTotal *prometheus.CounterVec
	StoreErrorsTotal     *prometheus.CounterVec

	// Admin workflow metrics
	AdminOperationsTotal *prometheus.CounterVec
	CompensationsTotal   *prometheus.CounterVec
	OverlapsResolved     prometheus.Counter

	// Session metrics
	SessionTransitionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics. A nil registry skips registration,
// which lets tests build isolated instances.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hearth_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_role_resolutions_total",
				Help: "Role resolutions by source (cache, store) and outcome role or error",
			},
			[]string{"source", "outcome"},
		),
		ResolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hearth_role_resolution_duration_seconds",
				Help:    "Role resolution latency in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2.5, 5},
			},
			[]string{"source"},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_cache_hits_total",
				Help: "Cache hits per tier",
			},
			[]string{"tier"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_cache_misses_total",
				Help: "Cache misses per tier",
			},
			[]string{"tier"},
		),
		CacheExpiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_cache_expired_total",
				Help: "Entries evicted on read because their tier TTL elapsed",
			},
			[]string{"tier"},
		),
		CacheErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_cache_errors_total",
				Help: "Cache backend errors per tier and operation",
			},
			[]string{"tier", "operation"},
		),
		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_store_operations_total",
				Help: "Backing store operations by table and operation",
			},
			[]string{"table", "operation"},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_store_errors_total",
				Help: "Backing store failures by table and operation",
			},
			[]string{"table", "operation"},
		),
		AdminOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_admin_operations_total",
				Help: "Promote, demote and permission edits by result",
			},
			[]string{"operation", "result"},
		),
		CompensationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_admin_compensations_total",
				Help: "Compensating rollbacks attempted after a partial admin operation",
			},
			[]string{"operation", "result"},
		),
		OverlapsResolved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hearth_consistency_overlaps_resolved_total",
				Help: "Identifiers found in both members and admins and repaired",
			},
		),
		SessionTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_session_transitions_total",
				Help: "Session controller state transitions",
			},
			[]string{"from", "to"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
			m.ResolutionsTotal,
			m.ResolutionDuration,
			m.CacheHitsTotal,
			m.CacheMissesTotal,
			m.CacheExpiredTotal,
			m.CacheErrorsTotal,
			m.StoreOperationsTotal,
			m.StoreErrorsTotal,
			m.AdminOperationsTotal,
			m.CompensationsTotal,
			m.OverlapsResolved,
			m.SessionTransitionsTotal,
		)
	}

	return m
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments requests. The route label uses the mux path
// template so ids in the URL do not explode label cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
