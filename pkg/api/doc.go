/*
Package api implements the driver's gRPC services and its HTTP health
endpoints.

The api package is the only way into a running driver from another process.
Worker nodes hold a bidirectional stream on NodeService; clients and the CLI
call DriverService to submit jobs and manage the grid.

# Architecture

	┌──────────── NODE ─────────────┐     ┌──────────── CLIENT / CLI ───────────┐
	│  pkg/node Agent               │     │  pkg/client                         │
	└───────────────┬───────────────┘     └──────────────────┬──────────────────┘
	                │ NodeService/Connect                    │ DriverService/*
	                │ (raw frames)                           │ (JSON messages)
	┌───────────────▼────────────── DRIVER ──────────────────▼──────────────────┐
	│                                                                           │
	│  ┌─────────────────────────────────────────────────────────────┐          │
	│  │          gRPC API Server (pkg/api)                          │          │
	│  │  - hand-written service descriptors, taskgrid codec         │          │
	│  │  - stream adapter: non-blocking sends, one writer goroutine │          │
	│  │  - metrics interceptors                                     │          │
	│  │  - read-only interceptors on the unix socket                │          │
	│  └──────────────────────────────┬──────────────────────────────┘          │
	│                                 │                                         │
	│  ┌──────────────────────────────▼──────────────────────────────┐          │
	│  │                     Driver (pkg/driver)                     │          │
	│  └─────────────────────────────────────────────────────────────┘          │
	└───────────────────────────────────────────────────────────────────────────┘

# Services

NodeService:
  - Connect: bidirectional stream. The first frame must be a Hello; then
    bundles flow to the node and results or system-info refreshes flow back.

DriverService:
  - Submit: server stream. Sends an acceptance event once the job is queued,
    then the job's result. If the client goes away first, the job is cancelled
    when its SLA sets CancelUponClientDisconnect.
  - JobStatus, ListJobs, ListNodes: read-only views.
  - CancelJob, SuspendJob, ResumeJob, SetJobPriority, SetJobMaxNodes: job
    management. Each answers OK=false for a job that already finished.
  - ShutdownNode: ends a node's session.
  - GetLoadBalancer, ChangeLoadBalancerSettings: load-balancer settings.
    Invalid settings fail with InvalidArgument and change nothing.
  - JoinCluster: adds a standby driver to the replicated history.
  - WatchEvents: server stream of driver events, optionally limited to some
    event types. Events a slow watcher cannot take are dropped.

There is no generated code. Messages are encoded by wire.Codec, selected by
the "taskgrid" content-subtype that pkg/client sets on every call.

# Node Streams

The dispatcher never blocks on a node. Each stream gets a streamConn whose
Send queues the frame and returns; the stream handler goroutine writes queued
frames and calls their completion callbacks, while a second goroutine reads
incoming frames and hands them to the driver. Whichever side fails first ends
the handler, and the driver is told about the disconnection exactly once, so
the bundle in flight is resubmitted.

# Errors

Driver errors are mapped to status codes:

	types.ErrJobNotFound, types.ErrNodeNotFound  → NotFound
	types.ErrDuplicateJob                        → AlreadyExists
	types.ErrDriverStopped                       → Unavailable
	*types.ValidationError, *bundler.ConfigError → InvalidArgument
	history.ErrNotLeader                         → FailedPrecondition

pkg/client maps them back to the sentinel errors.

# Unix Socket

StartUnix serves the same services behind ReadOnlyInterceptor and
ReadOnlyStreamInterceptor. Only List*, Get*, Watch* and JobStatus calls pass; job
submission, node sessions and every change are rejected with
PermissionDenied.

# Health

HealthServer serves:
  - /health: liveness, always 200 while the process runs
  - /ready: 200 when the queue, dispatcher and API components are up, the
    history has a leader and its store answers
  - /metrics: Prometheus metrics
*/
package api
