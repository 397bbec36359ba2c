package telemetry

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics Definitions
var (
	TasksCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_tasks_completed_total",
		Help: "Tasks that reached complete with a valid TDD certificate.",
	}, []string{"feature"})
	TasksFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_tasks_failed_total",
		Help: "Tasks that failed permanently: retry budget exhausted or failure not retryable.",
	}, []string{"feature"})
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_retries_total",
		Help: "Retry attempts scheduled across all tasks.",
	}, []string{"feature"})
	ProtocolViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_protocol_violations_total",
		Help: "Worker results rejected for TDD certificate or forbidden-phrase violations.",
	}, []string{"feature"})
	WorkerCrashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_worker_crashes_total",
		Help: "Workers detected as crashed by liveness or heartbeat checks.",
	}, []string{"feature"})
	LevelsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_levels_closed_total",
		Help: "Levels that reached the barrier and merged.",
	}, []string{"feature"})
	VerificationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zerg_verification_duration_seconds",
		Help:    "Wall time of verification subprocesses.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"feature"})
	ActiveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zerg_active_workers",
		Help: "Workers currently executing a task.",
	}, []string{"feature"})
	CurrentLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zerg_current_level",
		Help: "Level the orchestrator is currently draining.",
	}, []string{"feature"})
)

// TrackTaskCompleted increments the completion counter.
func TrackTaskCompleted(feature string) {
	TasksCompletedTotal.WithLabelValues(feature).Inc()
}

// TrackTaskFailed increments the permanent-failure counter.
func TrackTaskFailed(feature string) {
	TasksFailedTotal.WithLabelValues(feature).Inc()
}

// TrackRetry increments the retry counter.
func TrackRetry(feature string) {
	RetriesTotal.WithLabelValues(feature).Inc()
}

// TrackVerification records one verification run's duration.
func TrackVerification(feature string, d time.Duration) {
	VerificationDuration.WithLabelValues(feature).Observe(d.Seconds())
}

// StartMetricsServer exposes /metrics on the given port and blocks.
func StartMetricsServer(port int) error {
	if port == 0 {
		port = 2112
	}

	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to bind metrics port %d: %w", port, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return server.Serve(listener)
}
