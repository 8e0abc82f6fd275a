package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Container metrics
	ContainerSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchd_container_spawns_total",
			Help: "Total number of containers spawned by image",
		},
		[]string{"image"},
	)

	ContainersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "benchd_containers_active",
			Help: "Number of containers currently running",
		},
	)

	AttachmentsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "benchd_attachments_active",
			Help: "Number of active client attachments",
		},
	)

	// Exec metrics
	ExecsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchd_execs_total",
			Help: "Total number of execs by terminal status",
		},
		[]string{"status"},
	)

	ExecsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "benchd_execs_active",
			Help: "Number of execs currently in flight",
		},
	)

	ExecDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "benchd_exec_duration_seconds",
			Help:    "Wall time of completed execs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)

	OutputBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "benchd_output_bytes",
			Help:    "Bytes of output produced per exec",
			Buckets: prometheus.ExponentialBuckets(64, 8, 9),
		},
	)

	OutputChunksDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "benchd_output_chunks_dropped_total",
			Help: "Output chunks dropped due to buffer byte limits",
		},
	)

	// Filesystem metrics
	FSOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchd_fs_operations_total",
			Help: "Total workspace filesystem operations by type",
		},
		[]string{"op_type"},
	)

	// Image metrics
	ImagePullsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchd_image_pulls_total",
			Help: "Total image pulls by outcome",
		},
		[]string{"outcome"},
	)

	// Warm pool metrics
	WarmPoolClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchd_warm_pool_claims_total",
			Help: "Warm pool claim attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Reconciliation metrics
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "benchd_reconcile_cycles_total",
			Help: "Total reconciliation cycles executed",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "benchd_reconcile_duration_seconds",
			Help:    "Duration of reconciliation cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MaintenanceRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchd_maintenance_runs_total",
			Help: "Maintenance loop runs by outcome",
		},
		[]string{"outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchd_api_requests_total",
			Help: "Total tool invocations by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "benchd_api_request_duration_seconds",
			Help:    "Tool invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ContainerSpawnsTotal)
	prometheus.MustRegister(ContainersActive)
	prometheus.MustRegister(AttachmentsActive)
	prometheus.MustRegister(ExecsTotal)
	prometheus.MustRegister(ExecsActive)
	prometheus.MustRegister(ExecDuration)
	prometheus.MustRegister(OutputBytes)
	prometheus.MustRegister(OutputChunksDropped)
	prometheus.MustRegister(FSOperationsTotal)
	prometheus.MustRegister(ImagePullsTotal)
	prometheus.MustRegister(WarmPoolClaimsTotal)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(MaintenanceRunsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
