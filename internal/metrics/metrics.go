// Package metrics registers the Prometheus instrumentation surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the service exports.
type Metrics struct {
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	GuardScans      *prometheus.CounterVec
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	AuditLogDropped prometheus.Counter
	RateLimited     prometheus.Counter
	QuotaExceeded   prometheus.Counter
	ScansStarted    prometheus.Counter
	EventClients    prometheus.Gauge
	BreakerState    prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "orafinite_http_requests_total",
			Help: "HTTP requests by route, method and status class",
		}, []string{"route", "method", "status"}),
		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orafinite_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		GuardScans: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "orafinite_guard_scans_total",
			Help: "Guard scans by type and verdict",
		}, []string{"scan_type", "verdict"}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "orafinite_prompt_cache_hits_total",
			Help: "Prompt cache hits",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "orafinite_prompt_cache_misses_total",
			Help: "Prompt cache misses",
		}),
		AuditLogDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "orafinite_audit_log_dropped_total",
			Help: "Guard log entries dropped because the write buffer was full",
		}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "orafinite_rate_limited_total",
			Help: "Requests rejected by the per-minute limiter",
		}),
		QuotaExceeded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "orafinite_quota_exceeded_total",
			Help: "Requests rejected by the monthly quota",
		}),
		ScansStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "orafinite_redteam_scans_started_total",
			Help: "Red-team scans handed to the orchestrator",
		}),
		EventClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "orafinite_event_clients",
			Help: "Connected SSE and WebSocket event clients",
		}),
		BreakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "orafinite_ml_breaker_state",
			Help: "ML sidecar circuit state (0 closed, 1 open, 2 half-open)",
		}),
	}
}
