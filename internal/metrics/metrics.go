package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gautema/runlater/internal/health"
)

var (
	// Scheduler metrics

	SchedulerTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "runlater",
		Name:      "scheduler_tick_duration_seconds",
		Help:      "Time taken for one scheduling tick while holding leadership.",
		Buckets:   prometheus.DefBuckets,
	})

	ExecutionsScheduledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runlater",
		Name:      "executions_scheduled_total",
		Help:      "Executions created by the scheduler, by kind.",
	}, []string{"kind"})

	// Worker metrics

	ExecutionPickupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "runlater",
		Name:      "execution_pickup_latency_seconds",
		Help:      "Time from scheduled_for to a worker claiming the execution.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	DeliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "runlater",
		Name:      "delivery_duration_seconds",
		Help:      "Duration of outbound webhook delivery.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"status"})

	ExecutionsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runlater",
		Name:      "executions_finished_total",
		Help:      "Executions reaching a terminal status, by outcome.",
	}, []string{"outcome"})

	WorkersLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "runlater",
		Name:      "workers_live",
		Help:      "Number of live workers in the pool.",
	})

	PendingExecutions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "runlater",
		Name:      "pending_executions",
		Help:      "Due executions awaiting a worker, sampled at each pool resize.",
	})

	// Host blocker metrics

	HostBlocksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runlater",
		Name:      "host_blocks_total",
		Help:      "Hosts blocked, by reason.",
	}, []string{"reason"})

	HostBlocksActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "runlater",
		Name:      "host_blocks_active",
		Help:      "Currently blocked (organization, host) pairs.",
	})

	// Inbound metrics

	InboundEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runlater",
		Name:      "inbound_events_total",
		Help:      "Inbound webhook events received, by outcome.",
	}, []string{"outcome"})

	// Monitor metrics

	MonitorTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runlater",
		Name:      "monitor_transitions_total",
		Help:      "Monitor status transitions, by direction.",
	}, []string{"to"})

	// Counter metrics

	CounterFlushEntries = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "runlater",
		Name:      "counter_flush_entries",
		Help:      "Buffered rows written per counter flush.",
		Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500},
	})

	// Cleanup metrics

	RecoveredExecutionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "runlater",
		Name:      "recovered_executions_total",
		Help:      "Stale running executions marked failed by the recovery sweep.",
	})

	PurgedExecutionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "runlater",
		Name:      "purged_executions_total",
		Help:      "Execution rows deleted by the retention cleanup.",
	})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "runlater",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runlater",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestSizeBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "runlater",
		Name:      "http_request_size_bytes",
		Help:      "Request body sizes; the inbound receiver caps bodies at 256 KiB.",
		Buckets:   []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
	}, []string{"method", "path"})
)

func Register() {
	prometheus.MustRegister(
		SchedulerTickDuration,
		ExecutionsScheduledTotal,
		ExecutionPickupLatency,
		DeliveryDuration,
		ExecutionsFinishedTotal,
		WorkersLive,
		PendingExecutions,
		HostBlocksTotal,
		HostBlocksActive,
		MonitorTransitionsTotal,
		InboundEventsTotal,
		CounterFlushEntries,
		RecoveredExecutionsTotal,
		PurgedExecutionsTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
		HTTPRequestSizeBytes,
	)
}

// NewServer serves /metrics plus the kubelet-style health probes on the
// internal port, away from the tenant-facing API.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Readiness(r.Context()))
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealth(w http.ResponseWriter, result health.HealthResult) {
	w.Header().Set("Content-Type", "application/json")
	if result.Status != "up" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(result)
}
