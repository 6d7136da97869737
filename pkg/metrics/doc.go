/*
Package metrics provides Prometheus metrics and health endpoints for TaskGrid.

All collectors are package-level variables registered with the default
registry in init, so any package can record a value without plumbing:

	metrics.BundlesDispatched.Inc()
	metrics.BundleSize.Observe(float64(len(bundle.Tasks)))

	timer := metrics.NewTimer()
	...
	timer.ObserveDurationVec(metrics.BundleDuration, bundler.Name())

# Metrics

Queue:
  - taskgrid_jobs_queued (gauge)
  - taskgrid_tasks_pending (gauge)
  - taskgrid_jobs_completed_total{outcome} (counter: complete, cancelled, expired)
  - taskgrid_job_duration_seconds (histogram)

Nodes:
  - taskgrid_nodes_total{status} (gauge: idle, sending, waiting_results, failed)
  - taskgrid_nodes_reserved (gauge)
  - taskgrid_nodes_lost_total (counter)

Dispatch:
  - taskgrid_bundles_dispatched_total (counter)
  - taskgrid_bundle_size (histogram)
  - taskgrid_bundle_duration_seconds{bundler} (histogram)
  - taskgrid_tasks_resubmitted_total{reason} (counter: node_lost, node_error, requeue)
  - taskgrid_protocol_errors_total (counter)

API and history:
  - taskgrid_api_requests_total{method,status}, taskgrid_api_request_duration_seconds{method}
  - taskgrid_history_is_leader, taskgrid_history_applied_index

Gauges are refreshed every 15 seconds by a Collector sampling the driver;
counters and histograms are updated inline on the dispatch path.

# Health

SetComponent records whether a driver component is up and exports it as
taskgrid_component_up. GetReadiness checks the critical components (queue,
dispatcher and api unless SetCriticalComponents says otherwise) and lists the
ones still waiting; pkg/api serves the result on /ready.
*/
package metrics
