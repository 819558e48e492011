// Package metrics exposes grant, bearer and HTTP counters to Prometheus.
package metrics

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sa_oauth"

// Metrics implements grant.Observer and instruments HTTP handlers.
type Metrics struct {
	gatherer prometheus.Gatherer

	tokensIssued   *prometheus.CounterVec
	grantFailures  *prometheus.CounterVec
	bearerVerified *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg gets a
// private registry.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		gatherer: reg,
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Access tokens issued by grant type.",
		}, []string{"grant_type"}),
		grantFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grant_failures_total",
			Help:      "Rejected grant requests by grant type and OAuth2 error code.",
		}, []string{"grant_type", "error"}),
		bearerVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bearer_validations_total",
			Help:      "Bearer token validations by result.",
		}, []string{"result"}), // result: valid|invalid|error
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	for _, c := range []prometheus.Collector{m.tokensIssued, m.grantFailures, m.bearerVerified, m.httpRequests, m.httpDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RegisterDB adds connection pool gauges for db to reg.
func RegisterDB(reg prometheus.Registerer, db *sql.DB) error {
	return reg.Register(newDBStatsCollector(db))
}

func (m *Metrics) TokenIssued(grantType string) {
	m.tokensIssued.WithLabelValues(grantType).Inc()
}

func (m *Metrics) GrantFailed(grantType, code string) {
	if grantType == "" {
		grantType = "none"
	}
	m.grantFailures.WithLabelValues(grantType, code).Inc()
}

func (m *Metrics) TokenVerified(result string) {
	m.bearerVerified.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware counts requests by chi route pattern so path parameters and
// tokens never become label values.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type dbStatsCollector struct {
	db *sql.DB

	openDesc    *prometheus.Desc
	inUseDesc   *prometheus.Desc
	idleDesc    *prometheus.Desc
	waitDesc    *prometheus.Desc
	waitDurDesc *prometheus.Desc
}

func newDBStatsCollector(db *sql.DB) *dbStatsCollector {
	return &dbStatsCollector{
		db:          db,
		openDesc:    prometheus.NewDesc(namespace+"_db_open_connections", "Open database connections.", nil, nil),
		inUseDesc:   prometheus.NewDesc(namespace+"_db_in_use_connections", "Database connections in use.", nil, nil),
		idleDesc:    prometheus.NewDesc(namespace+"_db_idle_connections", "Idle database connections.", nil, nil),
		waitDesc:    prometheus.NewDesc(namespace+"_db_wait_count_total", "Connections waited for.", nil, nil),
		waitDurDesc: prometheus.NewDesc(namespace+"_db_wait_duration_seconds_total", "Time spent waiting for connections.", nil, nil),
	}
}

func (c *dbStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.openDesc
	ch <- c.inUseDesc
	ch <- c.idleDesc
	ch <- c.waitDesc
	ch <- c.waitDurDesc
}

func (c *dbStatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.db.Stats()
	ch <- prometheus.MustNewConstMetric(c.openDesc, prometheus.GaugeValue, float64(stats.OpenConnections))
	ch <- prometheus.MustNewConstMetric(c.inUseDesc, prometheus.GaugeValue, float64(stats.InUse))
	ch <- prometheus.MustNewConstMetric(c.idleDesc, prometheus.GaugeValue, float64(stats.Idle))
	ch <- prometheus.MustNewConstMetric(c.waitDesc, prometheus.CounterValue, float64(stats.WaitCount))
	ch <- prometheus.MustNewConstMetric(c.waitDurDesc, prometheus.CounterValue, stats.WaitDuration.Seconds())
}
