// Package metrics exposes the dirty pool's Prometheus instrumentation,
// grounded on cuemby-warren/pkg/metrics's package-level collector vars
// plus a MustRegister-on-demand Init, generalized from container-cluster
// gauges to worker-pool gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkersTotal is the current size of the worker pool by state
	// ("starting", "ready", "draining", "dead").
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dirty_workers_total",
			Help: "Current number of dirty workers by state",
		},
		[]string{"state"},
	)

	// AppWorkers is the number of workers currently hosting a given app.
	AppWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dirty_app_workers",
			Help: "Number of workers currently hosting an app",
		},
		[]string{"app_path"},
	)

	// RequestsTotal counts dispatched requests by app and outcome
	// ("ok", "app_error", "timeout", "no_workers", "worker_error").
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirty_requests_total",
			Help: "Total number of dispatched requests by app and outcome",
		},
		[]string{"app_path", "outcome"},
	)

	// RequestDuration measures end-to-end dispatch latency per app.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dirty_request_duration_seconds",
			Help:    "Dispatch request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"app_path"},
	)

	// WorkerRespawns counts workers spawned to refill the pool after any
	// worker exit (crash, kill, timeout murder or reload) that left it
	// below its target size.
	WorkerRespawns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dirty_worker_respawns_total",
			Help: "Total number of worker respawns",
		},
	)

	// WorkerTimeouts counts workers killed for a stale heartbeat.
	WorkerTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dirty_worker_timeouts_total",
			Help: "Total number of workers killed for a stale heartbeat",
		},
	)
)

var registerOnce bool

// Init registers every collector with the default Prometheus registry.
// Safe to call once at process startup.
func Init() {
	if registerOnce {
		return
	}
	registerOnce = true
	prometheus.MustRegister(
		WorkersTotal,
		AppWorkers,
		RequestsTotal,
		RequestDuration,
		WorkerRespawns,
		WorkerTimeouts,
	)
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
