// Package metrics provides Prometheus instrumentation for the Hook0 delivery core.
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
	// DispatchAttemptsCreatedTotal is registered for request_attempt rows
	// materialized by dispatch; no call site increments it, so it stays at zero.
	DispatchAttemptsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hook0",
		Subsystem: "dispatch",
		Name:      "attempts_created_total",
		Help:      "Total request_attempt rows created by event dispatch.",
	}, []string{"outcome"})

	// PickupAttemptsTotal counts pickup transactions by whether they found work.
	PickupAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hook0",
		Subsystem: "pickup",
		Name:      "attempts_total",
		Help:      "Total pickup transactions by result.",
	}, []string{"result"}) // hit, miss, error

	// DeliveryAttemptsTotal counts completed HTTP delivery attempts by classification.
	DeliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hook0",
		Subsystem: "delivery",
		Name:      "attempts_total",
		Help:      "Total webhook delivery attempts by outcome classification.",
	}, []string{"classification"}) // success, http_failure, transport_failure

	// DeliveryDuration observes HTTP dispatch latency by classification.
	DeliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hook0",
		Subsystem: "delivery",
		Name:      "duration_seconds",
		Help:      "Webhook delivery HTTP round-trip duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"classification"})

	// FIFOGateBlockedTotal counts, on each pickup miss, every FIFO
	// subscription whose gate holds back at least one waiting attempt.
	FIFOGateBlockedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hook0",
		Subsystem: "fifo",
		Name:      "gate_blocked_total",
		Help:      "Total pickup misses on which a FIFO subscription held back waiting attempts behind an in-flight one.",
	}, []string{"subscription_id"})

	// RetryScheduledTotal counts retries scheduled by the retry policy engine.
	RetryScheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hook0",
		Subsystem: "retry",
		Name:      "scheduled_total",
		Help:      "Total retry attempts scheduled after a failed delivery.",
	})

	// RetryExhaustedTotal counts retry chains that ran out of attempts.
	RetryExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hook0",
		Subsystem: "retry",
		Name:      "exhausted_total",
		Help:      "Total retry chains exhausted without a successful delivery.",
	})

	// OrphansClearedTotal counts FIFO states cleared by the reaper.
	OrphansClearedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hook0",
		Subsystem: "reaper",
		Name:      "orphans_cleared_total",
		Help:      "Total FIFO states whose dangling or stale current-attempt reference was cleared.",
	})

	// EndpointDisabledTotal counts subscriptions auto-disabled by the health monitor.
	EndpointDisabledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hook0",
		Subsystem: "health",
		Name:      "endpoint_disabled_total",
		Help:      "Total subscriptions automatically disabled after sustained failures.",
	})

	// EndpointWarnedTotal counts warn notifications issued by the health monitor.
	EndpointWarnedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hook0",
		Subsystem: "health",
		Name:      "endpoint_warned_total",
		Help:      "Total endpoint.warning operational events emitted.",
	})

	// EndpointRecoveredTotal counts recovered notifications.
	EndpointRecoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hook0",
		Subsystem: "health",
		Name:      "endpoint_recovered_total",
		Help:      "Total endpoint.recovered operational events emitted.",
	})

	// WorkerInflight tracks the number of pickup-slots currently occupied by a delivery.
	WorkerInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hook0",
		Subsystem: "worker",
		Name:      "inflight",
		Help:      "Number of in-flight delivery tasks currently occupying a semaphore permit.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hook0", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hook0", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hook0", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hook0", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		DispatchAttemptsCreatedTotal,
		PickupAttemptsTotal,
		DeliveryAttemptsTotal,
		DeliveryDuration,
		FIFOGateBlockedTotal,
		RetryScheduledTotal,
		RetryExhaustedTotal,
		OrphansClearedTotal,
		EndpointDisabledTotal,
		EndpointWarnedTotal,
		EndpointRecoveredTotal,
		WorkerInflight,
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

// Handler returns the Prometheus metrics HTTP handler for the /metrics route.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
