// Package metrics provides Prometheus metrics for the vote fleet.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// VoteAttemptsTotal counts vote attempts by outcome (success/failed)
	// and, for failures, the FailureKind.
	VoteAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetvote_attempts_total",
			Help: "Total vote attempts by status and failure kind",
		},
		[]string{"status", "failure_kind"},
	)

	// VoteAttemptDuration tracks the wall-clock time of one Run (Launching
	// through terminal state).
	VoteAttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetvote_attempt_duration_seconds",
			Help:    "Duration of one vote attempt, Launching to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	// LaunchGateInUse shows how many LaunchGate permits are currently held.
	LaunchGateInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetvote_launchgate_in_use",
			Help: "LaunchGate permits currently held",
		},
	)

	// LaunchGateCapacity shows the configured MAX_CONCURRENT_INITS.
	LaunchGateCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetvote_launchgate_capacity",
			Help: "Configured LaunchGate permit capacity",
		},
	)

	// WorkersByState shows the current count of workers in each
	// WorkerStateKind.
	WorkersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetvote_workers_by_state",
			Help: "Number of workers currently in each state",
		},
		[]string{"state"},
	)

	// GlobalLimitActive is 1 while GlobalLimitGate is Active, 0 otherwise.
	GlobalLimitActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetvote_global_limit_active",
			Help: "1 if the global hourly limit gate is active, 0 otherwise",
		},
	)

	// ProxyCircuitOpen is 1 while ProxyBroker's circuit breaker is open.
	ProxyCircuitOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetvote_proxy_circuit_open",
			Help: "1 if the proxy broker's circuit breaker is currently open",
		},
	)

	// ProxyAcquisitionsTotal counts egress acquisitions by outcome.
	ProxyAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetvote_proxy_acquisitions_total",
			Help: "Total proxy egress acquisitions by outcome",
		},
		[]string{"outcome"},
	)

	// ObservationSubscribers shows how many ObservationBus subscribers are
	// currently connected (control-plane WebSocket clients).
	ObservationSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetvote_observation_subscribers",
			Help: "Number of ObservationBus subscribers currently connected",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetvote_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetvote_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetvote_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetvote_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		VoteAttemptsTotal,
		VoteAttemptDuration,
		LaunchGateInUse,
		LaunchGateCapacity,
		WorkersByState,
		GlobalLimitActive,
		ProxyCircuitOpen,
		ProxyAcquisitionsTotal,
		ObservationSubscribers,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates
// runtime memory metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordAttempt records one completed vote attempt.
func RecordAttempt(status, failureKind string, d time.Duration) {
	VoteAttemptsTotal.WithLabelValues(status, failureKind).Inc()
	VoteAttemptDuration.Observe(d.Seconds())
}

// RecordProxyAcquisition records one AcquireEgress outcome ("success",
// "failed", "circuit_open").
func RecordProxyAcquisition(outcome string) {
	ProxyAcquisitionsTotal.WithLabelValues(outcome).Inc()
}

// SetGlobalLimitActive reflects GlobalLimitGate.Snapshot().Active.
func SetGlobalLimitActive(active bool) {
	if active {
		GlobalLimitActive.Set(1)
	} else {
		GlobalLimitActive.Set(0)
	}
}

// SetWorkerStateCounts replaces the WorkersByState gauge vector with
// counts. Callers pass the full set of observed state names each call so
// states that have dropped to zero are reset rather than left stale.
func SetWorkerStateCounts(counts map[string]int) {
	WorkersByState.Reset()
	for state, n := range counts {
		WorkersByState.WithLabelValues(state).Set(float64(n))
	}
}
