// Package metrics provides Prometheus instrumentation for the Parceld gate.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parceld",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "parceld",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransitionsTotal counts transition attempts by resource kind and outcome.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parceld",
			Name:      "transitions_total",
			Help:      "State transition attempts by resource kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// ReplayRejectionsTotal counts replay-guard rejections by reason.
	ReplayRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parceld",
			Name:      "replay_rejections_total",
			Help:      "Requests rejected by the replay guard, by reason.",
		},
		[]string{"reason"},
	)

	// IdempotencyTotal counts idempotency middleware outcomes.
	IdempotencyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parceld",
			Name:      "idempotency_requests_total",
			Help:      "Keyed requests by cache outcome (hit, miss, missing_key).",
		},
		[]string{"outcome"},
	)

	// RiskFlagsTotal counts flags recorded by the risk scorer.
	RiskFlagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parceld",
			Name:      "risk_flags_total",
			Help:      "Behavior flags recorded by the risk scorer, by flag type.",
		},
		[]string{"type"},
	)

	// RiskBlockedTotal counts requests rejected at CRITICAL risk tier.
	RiskBlockedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "parceld",
			Name:      "risk_blocked_total",
			Help:      "Requests blocked because the actor reached the CRITICAL tier.",
		},
	)

	// RiskDelayedTotal counts requests slowed down by risk tier.
	RiskDelayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parceld",
			Name:      "risk_delayed_total",
			Help:      "Requests artificially delayed, by risk tier.",
		},
		[]string{"tier"},
	)

	// TrackedActors tracks actors currently held by the risk scorer.
	TrackedActors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "parceld",
			Name:      "risk_tracked_actors",
			Help:      "Number of actors with a live behavior record.",
		},
	)

	// SecurityEventsTotal counts security events by kind and severity.
	SecurityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parceld",
			Name:      "security_events_total",
			Help:      "Security events emitted to the audit sink.",
		},
		[]string{"kind", "severity"},
	)

	// AuditDroppedTotal counts audit events dropped because the sink was
	// unavailable or the buffer was full.
	AuditDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "parceld",
			Name:      "audit_dropped_total",
			Help:      "Audit events dropped instead of blocking a transition.",
		},
	)

	// ActiveWebSocketClients tracks connected ops-stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "parceld",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "parceld", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "parceld", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "parceld", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "parceld", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransitionsTotal,
		ReplayRejectionsTotal,
		IdempotencyTotal,
		RiskFlagsTotal,
		RiskBlockedTotal,
		RiskDelayedTotal,
		TrackedActors,
		SecurityEventsTotal,
		AuditDroppedTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
