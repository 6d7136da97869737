/*
Package driver assembles the job queue, the node registry, the dispatcher and
the history into the process clients submit jobs to.

# Architecture

	  clients (pkg/api, in-process)            nodes (pkg/api NodeService)
	            │ Submit / admin ops                 │ Connect / Receive / Disconnect
	            ▼                                    ▼
	┌──────────────────────────────────────────────────────────────┐
	│                            Driver                            │
	│  ┌──────────┐  wakeups  ┌────────────┐  ┌──────────────────┐  │
	│  │  Queue   │──────────▶│ Dispatcher │─▶│ Registry +       │  │
	│  │ (tiers)  │◀──────────│ (reactor)  │  │ reservations     │  │
	│  └────┬─────┘ TakeSlice └────────────┘  └──────────────────┘  │
	│       │ job finished                                         │
	│       ▼                                                      │
	│  status cache (LRU) ── history (bbolt, optional Raft) ── events │
	└──────────────────────────────────────────────────────────────┘

# Submitting

Submit blocks until the job's result is available; SubmitNonBlocking returns
the runtime job at once and delivers the result to a listener. Both validate
the job, fill in the default SLA and offer the job to the queue. Broadcast jobs
have their targets frozen to the nodes eligible at submission; when none is
connected yet, the first dispatch picks them.

When the context of a blocking submission ends and the job's SLA sets
CancelUponClientDisconnect, the job is cancelled: tasks that did not return
complete with nil results.

# Finished jobs

A finished job releases the nodes reserved for it, updates the completion
metrics and is written to the history as a JobRecord. Its status stays in an
LRU cache so JobStatus and ListJobs keep answering for recent jobs; older ones
are looked up in the history.

# Load balancing

ChangeLoadBalancerSettings validates the settings by building a new provider.
Invalid settings return a *bundler.ConfigError and nothing changes. Applied
settings are saved to the history and restored by the next driver started on
the same data directory.
*/
package driver
