// Package telemetry provides application-level observability for the state backend.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<TFSB_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint returns data in the Prometheus text exposition
// format and is intended to be scraped every 15–60 seconds. It is NOT served by
// the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - State operation counters, latency histograms, and bytes written
//   - Lock acquisition and force-unlock counters
//   - Version retention sweep counters
//   - Database and Redis connection pool gauges (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as
// /api/v1/backends/:backend/workspaces/:workspace/state) rather than the raw
// request URL, and state metrics are labelled by operation name rather than by
// backend or workspace, so label cardinality stays bounded regardless of how
// many workspaces a deployment accumulates.
package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
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

// State operation metrics — recorded by the state manager around every store,
// retrieve, delete, rollback, backup, and restore.
//
// StateOperationsTotal is a CounterVec with labels {operation, status} where
// status is "success" or "error". StateOperationDuration mirrors it as a
// HistogramVec labelled by operation only.
//
// Example PromQL queries:
//   - Write failure rate:   rate(state_operations_total{operation="update_state",status="error"}[5m])
//   - p95 store latency:    histogram_quantile(0.95, rate(state_operation_duration_seconds_bucket{operation="update_state"}[5m]))
//   - Bytes written/s:      rate(state_bytes_written_total[5m])
var (
	StateOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_operations_total",
			Help: "Total number of state operations, by operation and outcome.",
		},
		[]string{"operation", "status"},
	)

	StateOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "state_operation_duration_seconds",
			Help:    "Histogram of state operation latencies, by operation.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	StateBytesWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "state_bytes_written_total",
			Help: "Total plaintext bytes of state accepted for storage.",
		},
	)
)

// Lock metrics.
//
// LockAcquisitionsTotal has a {result} label: "acquired", "conflict", or
// "error". LockForceUnlocksTotal counts operator force unlocks AND lazy
// expiries; an alert on its rate is a good early warning for runners dying
// mid-apply.
//
// Example PromQL queries:
//   - Contention ratio:  rate(lock_acquisitions_total{result="conflict"}[15m]) / rate(lock_acquisitions_total[15m])
//   - Forced unlocks:    increase(lock_force_unlocks_total[1h]) > 0
var (
	LockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_acquisitions_total",
			Help: "Total number of lock acquisition attempts, by result.",
		},
		[]string{"result"},
	)

	LockForceUnlocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lock_force_unlocks_total",
			Help: "Total number of force unlocks, including lazy expiry cleanups.",
		},
	)
)

// StateVersionsCleanedTotal counts versions removed by retention sweeps and
// explicit cleanup calls.
//
// Example PromQL queries:
//   - Cleanup throughput:  rate(state_versions_cleaned_total[24h])
var StateVersionsCleanedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "state_versions_cleaned_total",
		Help: "Total number of state versions removed by retention cleanup.",
	},
)

// DBOpenConnections tracks the number of open connections currently held by
// the sql.DB pool. It is sampled every 30 seconds by StartDBStatsCollector
// rather than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// Redis connection pool gauges, sampled by StartRedisPoolStatsCollector. Hits,
// misses, and timeouts are cumulative totals from the client; they are exposed
// as gauges because the client owns the counter.
var (
	RedisPoolTotalConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "redis_pool_total_conns",
			Help: "Current number of connections in the Redis pool.",
		},
	)

	RedisPoolIdleConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "redis_pool_idle_conns",
			Help: "Current number of idle connections in the Redis pool.",
		},
	)

	RedisPoolHits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "redis_pool_hits",
			Help: "Cumulative number of times a free connection was found in the Redis pool.",
		},
	)

	RedisPoolMisses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "redis_pool_misses",
			Help: "Cumulative number of times a free connection was not found in the Redis pool.",
		},
	)

	RedisPoolTimeouts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "redis_pool_timeouts",
			Help: "Cumulative number of times a wait for a Redis connection timed out.",
		},
	)
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds and updates DBOpenConnections.
// The goroutine exits when the database becomes unreachable, which happens
// automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}

// StartRedisPoolStatsCollector launches a background goroutine that samples the
// Redis client's pool statistics every 30 seconds. It exits when the client is
// closed (Ping starts failing with ErrClosed).
func StartRedisPoolStatsCollector(client *redis.Client) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := client.Ping(context.Background()).Err(); err != nil {
				if errors.Is(err, redis.ErrClosed) {
					return
				}
				slog.Warn("redis stats collector: ping failed", "error", err)
				continue
			}
			stats := client.PoolStats()
			RedisPoolTotalConns.Set(float64(stats.TotalConns))
			RedisPoolIdleConns.Set(float64(stats.IdleConns))
			RedisPoolHits.Set(float64(stats.Hits))
			RedisPoolMisses.Set(float64(stats.Misses))
			RedisPoolTimeouts.Set(float64(stats.Timeouts))
		}
	}()
}
