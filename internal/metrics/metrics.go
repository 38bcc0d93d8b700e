package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	Endpoint          = "0.0.0.0:9090"
	ReadHeaderTimeout = 2 * time.Second
)

var (
	// ConditionRunTimeSummary measures the time spent completing a condition.
	ConditionRunTimeSummary = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "conductor_condition_duration_seconds",
			Help: "A summary metric to measure the total time spent completing each condition",
		},
		[]string{"condition", "state"},
	)

	// TaskRunTimeSummary measures the time spent running each operation task.
	TaskRunTimeSummary = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "conductor_task_duration_seconds",
			Help: "A summary metric to measure the total time spent completing each operation task",
		},
		[]string{"operation", "outcome"},
	)

	// OOBCallCounter counts out-of-band call attempts by operation and result.
	OOBCallCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_oob_call_attempts_total",
			Help: "A counter metric for out-of-band call attempts against node controllers",
		},
		[]string{"operation", "result"},
	)

	// LockEventCounter counts node lock manager events.
	LockEventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_node_lock_events_total",
			Help: "A counter metric for node lock acquisitions, contention, steals and losses",
		},
		[]string{"event"},
	)

	// PowerSyncCounter counts power state synchronization results.
	PowerSyncCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_power_sync_total",
			Help: "A counter metric for node power state synchronization passes",
		},
		[]string{"result"},
	)
)

// Lock manager event label values.
const (
	LockAcquired  = "acquired"
	LockContended = "contended"
	LockStolen    = "stolen"
	LockLost      = "lost"
)

func init() {
	prometheus.MustRegister(
		ConditionRunTimeSummary,
		TaskRunTimeSummary,
		OOBCallCounter,
		LockEventCounter,
		PowerSyncCounter,
	)
}

// ListenAndServe exposes prometheus metrics as /metrics
func ListenAndServe() {
	go func() {
		http.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              Endpoint,
			ReadHeaderTimeout: ReadHeaderTimeout,
		}

		if err := server.ListenAndServe(); err != nil {
			slog.Error("Failed to start metrics server", "error", err)
		}
	}()

	slog.Info("metrics enabled", "endpoint", Endpoint+"/metrics")
}
