package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	JobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskgrid_jobs_queued",
			Help: "Number of jobs currently held by the job queue",
		},
	)

	TasksPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskgrid_tasks_pending",
			Help: "Number of tasks not yet returned across queued jobs",
		},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgrid_jobs_completed_total",
			Help: "Total number of jobs that left the queue, by outcome",
		},
		[]string{"outcome"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskgrid_job_duration_seconds",
			Help:    "Time from submission to result delivery in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)

	// Node metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskgrid_nodes_total",
			Help: "Number of connected nodes by dispatch status",
		},
		[]string{"status"},
	)

	NodesReserved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskgrid_nodes_reserved",
			Help: "Number of nodes holding a pending or ready reservation",
		},
	)

	NodesLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskgrid_nodes_lost_total",
			Help: "Total number of node connections closed with a bundle in flight or on error",
		},
	)

	// Dispatch metrics
	BundlesDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskgrid_bundles_dispatched_total",
			Help: "Total number of bundles sent to nodes",
		},
	)

	BundleSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskgrid_bundle_size",
			Help:    "Number of tasks per dispatched bundle",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	BundleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskgrid_bundle_duration_seconds",
			Help:    "Round trip of a bundle from send to results in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"bundler"},
	)

	TasksResubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgrid_tasks_resubmitted_total",
			Help: "Total number of tasks put back in their job's pool, by reason",
		},
		[]string{"reason"},
	)

	ProtocolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskgrid_protocol_errors_total",
			Help: "Total number of undecodable frames received from nodes",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgrid_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskgrid_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Component metrics
	ComponentUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskgrid_component_up",
			Help: "Whether a driver component is up (1) or down (0)",
		},
		[]string{"component"},
	)

	// History metrics
	HistoryLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskgrid_history_is_leader",
			Help: "Whether this driver leads the replicated history (1 = leader, 0 = follower)",
		},
	)

	HistoryAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskgrid_history_applied_index",
			Help: "Last applied index of the replicated history log",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsQueued)
	prometheus.MustRegister(TasksPending)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodesReserved)
	prometheus.MustRegister(NodesLost)
	prometheus.MustRegister(BundlesDispatched)
	prometheus.MustRegister(BundleSize)
	prometheus.MustRegister(BundleDuration)
	prometheus.MustRegister(TasksResubmitted)
	prometheus.MustRegister(ProtocolErrors)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ComponentUp)
	prometheus.MustRegister(HistoryLeader)
	prometheus.MustRegister(HistoryAppliedIndex)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
