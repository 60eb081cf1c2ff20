// Package metrics defines the process-wide Prometheus registry and every
// metric the mesh exposes. The registry is created once at startup and
// handed to the gateway for /metrics exposition; components receive the
// *Metrics value, never the registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles all counters, gauges, and histograms.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	SessionDuration      prometheus.Histogram
	DBQueryDuration      *prometheus.HistogramVec
	AgentMessagesTotal   *prometheus.CounterVec
	CreditsConsumedTotal prometheus.Counter
	ActiveSessions       prometheus.Gauge
	CircuitTransitions   *prometheus.CounterVec
	RateLimitRejections  *prometheus.CounterVec
}

// New builds the registry and registers every metric on it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route", "status_code"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "session_duration_seconds",
			Help:    "Agent session wall-clock duration in seconds.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Store query latency in seconds by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		AgentMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_messages_total",
			Help: "Agent messages by direction and status.",
		}, []string{"direction", "status"}),
		CreditsConsumedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credits_consumed_total",
			Help: "Total credits consumed by agent work.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_sessions",
			Help: "Agent sessions currently running.",
		}),
		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_transitions",
			Help: "Circuit breaker state transitions per agent.",
		}, []string{"from_state", "to_state", "agent_id"}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_rate_limit_rejections",
			Help: "Guard rejections by reason and agent.",
		}, []string{"reason", "agent_id"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SessionDuration,
		m.DBQueryDuration,
		m.AgentMessagesTotal,
		m.CreditsConsumedTotal,
		m.ActiveSessions,
		m.CircuitTransitions,
		m.RateLimitRejections,
	)
	return m
}

// Handler returns the /metrics HTTP handler in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test gathering.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
