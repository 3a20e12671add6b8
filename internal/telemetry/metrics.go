// Package telemetry provides application-level observability for the CRM API.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are served on the
// side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<CRM_TELEMETRY_METRICS_PORT>/metrics
//
// Default port: 9090. It is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - API key authorization outcomes and usage recording failures
//   - API key issuance and expiry notification counters
//   - Database connection pool gauge (polled every 30 s)
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Deepak8858/agent-crm/internal/safego"
)

// HTTP metrics. The path label holds the Gin route template (c.FullPath()), never the raw
// URL, so user-supplied path segments cannot blow up label cardinality.
//
// Example PromQL queries:
//   - Error rate (%): sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency:    histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// APIKeyAuthAttemptsTotal counts every bearer-key authorization decision by outcome:
// success, malformed, invalid_or_expired, invalid, insufficient_scope, error.
//
// Example PromQL queries:
//   - Rejection ratio:          sum(rate(api_key_auth_attempts_total{result!="success"}[5m])) / sum(rate(api_key_auth_attempts_total[5m]))
//   - Credential stuffing hint: rate(api_key_auth_attempts_total{result="invalid"}[5m]) > 1
var APIKeyAuthAttemptsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "api_key_auth_attempts_total",
		Help: "Total number of API key authorization attempts, by result.",
	},
	[]string{"result"},
)

// APIKeyUsageRecordFailuresTotal counts usage bookkeeping writes that failed after a
// request had already been authorized, by stage (counter, event, ship). Those requests
// still succeed, so this counter is the only signal of lost usage data.
var APIKeyUsageRecordFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "api_key_usage_record_failures_total",
		Help: "Total number of API key usage records that could not be written, by stage.",
	},
	[]string{"stage"},
)

// APIKeyIssuedTotal counts keys minted through the admin API or the issue-key command.
var APIKeyIssuedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "api_key_issued_total",
		Help: "Total number of API keys issued.",
	},
)

// APIKeyExpiryNotificationsSentTotal is incremented once per warning email delivered by
// the expiry notifier job.
//
// Example PromQL queries:
//   - Rate of notifications sent: rate(apikey_expiry_notifications_sent_total[24h])
var APIKeyExpiryNotificationsSentTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "apikey_expiry_notifications_sent_total",
		Help: "Total number of API key expiry warning emails successfully sent.",
	},
)

// DBOpenConnections tracks open connections in the sql.DB pool. Sampled every 30 seconds
// by StartDBStatsCollector rather than per request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples pool statistics until ctx is cancelled or the database
// stops answering pings.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	safego.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	})
}
