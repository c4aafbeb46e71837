package observability

import (
	"database/sql"
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
	HTTPResponseSize    *prometheus.HistogramVec

	// Authorization metrics
	PermissionChecksTotal *prometheus.CounterVec
	ResolveDuration       *prometheus.HistogramVec
	AccessDecisionsTotal  *prometheus.CounterVec
	RBACMutationsTotal    *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal    *prometheus.CounterVec
	CacheMissesTotal  *prometheus.CounterVec
	CacheFlushesTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
	DBWaitCount        prometheus.Gauge

	// Session metrics
	SessionsActive prometheus.Gauge

	otel *OTelMetrics
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyloom_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storyloom_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storyloom_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),

		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyloom_rbac_permission_checks_total",
				Help: "Total number of HasAny/HasAll permission checks",
			},
			[]string{"mode", "result"},
		),
		ResolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storyloom_rbac_resolve_duration_seconds",
				Help:    "Time to resolve a principal's effective permissions",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"source"},
		),
		AccessDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyloom_rbac_access_decisions_total",
				Help: "Total number of access decisions by outcome and reason",
			},
			[]string{"decision", "reason"},
		),
		RBACMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyloom_rbac_mutations_total",
				Help: "Total number of RBAC write operations",
			},
			[]string{"operation", "status"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyloom_permission_cache_hits_total",
				Help: "Total number of permission cache hits",
			},
			[]string{"backend"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyloom_permission_cache_misses_total",
				Help: "Total number of permission cache misses",
			},
			[]string{"backend"},
		),
		CacheFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyloom_permission_cache_flushes_total",
				Help: "Total number of full permission cache flushes",
			},
			[]string{"backend"},
		),

		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "storyloom_db_connections_open",
				Help: "Number of established database connections",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "storyloom_db_connections_in_use",
				Help: "Number of database connections in use",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "storyloom_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "storyloom_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "storyloom_admin_sessions_active",
				Help: "Number of unexpired, unrevoked admin sessions",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.PermissionChecksTotal,
		m.ResolveDuration,
		m.AccessDecisionsTotal,
		m.RBACMutationsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheFlushesTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
		m.DBWaitCount,
		m.SessionsActive,
	)

	return m
}

// AttachOTel mirrors the authorization metrics into OpenTelemetry instruments
func (m *Metrics) AttachOTel(om *OTelMetrics) {
	if m != nil {
		m.otel = om
	}
}

// The Record helpers are safe on a nil *Metrics so components can run uninstrumented.

// RecordCacheLookup counts a permission cache hit or miss
func (m *Metrics) RecordCacheLookup(backend string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(backend).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(backend).Inc()
	}
	m.otel.recordCacheLookup(backend, hit)
}

// RecordCacheFlush counts a full cache flush
func (m *Metrics) RecordCacheFlush(backend string) {
	if m == nil {
		return
	}
	m.CacheFlushesTotal.WithLabelValues(backend).Inc()
}

// RecordResolve observes how long a resolution took and where it came from
func (m *Metrics) RecordResolve(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.ResolveDuration.WithLabelValues(source).Observe(d.Seconds())
	m.otel.recordResolve(source, d)
}

// RecordPermissionCheck counts a HasAny/HasAll outcome
func (m *Metrics) RecordPermissionCheck(mode string, allowed bool) {
	if m == nil {
		return
	}
	m.PermissionChecksTotal.WithLabelValues(mode, outcome(allowed)).Inc()
}

// RecordDecision counts an access decision
func (m *Metrics) RecordDecision(allowed bool, reason string) {
	if m == nil {
		return
	}
	m.AccessDecisionsTotal.WithLabelValues(outcome(allowed), reason).Inc()
	m.otel.recordDecision(allowed, reason)
}

// RecordMutation counts an RBAC write
func (m *Metrics) RecordMutation(operation string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.RBACMutationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDBStats copies the pool statistics into gauges
func (m *Metrics) RecordDBStats(db *sql.DB) {
	if m == nil || db == nil {
		return
	}
	stats := db.Stats()
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBWaitCount.Set(float64(stats.WaitCount))
}

func outcome(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel prefers the mux path template to keep label cardinality bounded
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

// MetricsHandler serves the registry in Prometheus text format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
