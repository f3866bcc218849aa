// Package metrics provides Prometheus instrumentation for the dispute engine.
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

const namespace = "arbiter"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DisputesSubmittedTotal counts new disputes by type.
	DisputesSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_submitted_total",
			Help:      "Total disputes submitted by dispute type.",
		},
		[]string{"type"},
	)

	// DisputeTransitionsTotal counts committed status transitions by event.
	DisputeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispute_transitions_total",
			Help:      "Total dispute status transitions by lifecycle event.",
		},
		[]string{"event"},
	)

	// DisputesResolvedTotal counts resolutions by path (negotiation or arbitration).
	DisputesResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_resolved_total",
			Help:      "Total disputes resolved by resolution path.",
		},
		[]string{"path"},
	)

	// DisputesClosedTotal counts closures by reason.
	DisputesClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_closed_total",
			Help:      "Total disputes closed by close reason.",
		},
		[]string{"reason"},
	)

	// ProposalsTotal counts proposal activity by outcome.
	ProposalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_total",
			Help:      "Total settlement proposals by outcome (proposed, accepted, rejected).",
		},
		[]string{"outcome"},
	)

	// EvidenceTotal counts evidence operations.
	EvidenceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evidence_operations_total",
			Help:      "Total evidence operations (upload, evaluate, delete).",
		},
		[]string{"op"},
	)

	// ArbitrationsTotal counts arbitration decisions by result.
	ArbitrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arbitrations_total",
			Help:      "Total arbitration decisions by result.",
		},
		[]string{"result"},
	)

	// ExpiryScansTotal counts timer scans by kind and result.
	ExpiryScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_scans_total",
			Help:      "Total expiry scans by kind (negotiation, arbitration) and result (ok, error, skipped).",
		},
		[]string{"kind", "result"},
	)

	// DisputesExpiredTotal counts disputes moved by the expiry timer.
	DisputesExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_expired_total",
			Help:      "Total disputes moved by the expiry timer, by kind.",
		},
		[]string{"kind"},
	)

	// NotificationsTotal counts lifecycle notifications by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total lifecycle notifications by result (delivered, failed, duplicate, complete_failed).",
		},
		[]string{"result"},
	)

	// OutboxBacklog tracks undelivered events seen by the last relay pass.
	OutboxBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_backlog",
		Help:      "Undelivered lifecycle events seen by the last relay pass.",
	})

	// DisputeDuration observes time from submission to a terminal status.
	DisputeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispute_duration_seconds",
		Help:      "Time from dispute submission to resolution or closure in seconds.",
		Buckets:   []float64{60, 600, 3600, 6 * 3600, 86400, 3 * 86400, 7 * 86400, 14 * 86400},
	}, []string{"status"})

	// BreakerTransitionsTotal counts circuit breaker state changes per sink.
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuitbreaker",
			Name:      "state_transitions_total",
			Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
		},
		[]string{"key", "from_state", "to_state"},
	)

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_requests_total",
		Help:      "Total requests rejected with 429 by the rate limiter.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DisputesSubmittedTotal,
		DisputeTransitionsTotal,
		DisputesResolvedTotal,
		DisputesClosedTotal,
		ProposalsTotal,
		EvidenceTotal,
		ArbitrationsTotal,
		ExpiryScansTotal,
		DisputesExpiredTotal,
		NotificationsTotal,
		OutboxBacklog,
		DisputeDuration,
		BreakerTransitionsTotal,
		RateLimitedTotal,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count into gauges. Call in a goroutine; exits when ctx is done.
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
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath() // route pattern keeps cardinality bounded
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
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
