/*
Package types defines the core data structures shared by every TaskGrid package.

These types describe what a client submits (Job, Task, SLA), what a worker node
reports about itself (NodeInfo), and the read-only snapshots handed out by the
driver's admin surface (JobStatus, NodeSnapshot, JobResult).

# Architecture

	┌──────────────────────── Job ─────────────────────────┐
	│ UUID, Name, DataProvider, Metadata, SubmittedAt      │
	│                                                      │
	│   Tasks: [0] [1] [2] ... [n-1]   (ordered by Position)│
	│                                                      │
	│   SLA: priority, maxNodes, suspended, policy,        │
	│        start/expiration schedule, broadcast,         │
	│        resubmit policy, desired node configuration   │
	└──────────────────────────────────────────────────────┘

A submitted Job is never mutated by the driver. Its mutable runtime state
(unassigned pool, in-flight bundles, partial results) lives in job.ServerJob,
which takes ownership of clones of the submitted tasks.

# Core Types

Submission:
  - Job: ordered tasks, shared data provider and SLA
  - Task: opaque payload with a stable position, result or exception
  - SLA: scheduling constraints, DefaultSLA for jobs submitted without one
  - Schedule: absolute date or delay relative to submission

Nodes:
  - NodeInfo: UUID, host, processing threads, free-form properties
  - NodeStatus: idle, sending, waiting_results, failed
  - ReservationState: none, pending, ready
  - NodeConfigSpec: configuration a job needs on its nodes

Reporting:
  - JobState, JobStatus, JobResult
  - NodeSnapshot, NodeRecord, JobRecord

# Errors

errors.go holds the sentinel errors (ErrJobNotFound, ErrNodeNotFound) and the
typed TransportError and ValidationError. Callers use errors.Is and errors.As.
*/
package types
