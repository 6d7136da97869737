/*
Package storage persists the driver's history in BoltDB.

The history is what outlives a job or a node connection: a summary record of
every finished job, a record per node that ever connected, and the last
load-balancer settings applied through the admin API. Live scheduling state
(queue, in-flight bundles) is never stored.

# Architecture

	┌──────────────── <dataDir>/taskgrid.db ────────────────┐
	│                                                        │
	│  jobs      job UUID  → JobRecord  (status + counts)    │
	│  nodes     node UUID → NodeRecord (first/last seen)    │
	│  settings  "load_balancer" → bundler.Settings          │
	│                                                        │
	└────────────────────────────────────────────────────────┘

Values are JSON. Reads use db.View and may run concurrently; writes use
db.Update and are serialized by BoltDB. Lookups of unknown keys return errors
wrapping types.ErrJobNotFound or types.ErrNodeNotFound.

When history replication is enabled, the store is written only by the raft
state machine in package history; every driver of the cluster then holds the
same records.
*/
package storage
