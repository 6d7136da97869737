/*
Package history keeps what the driver knows after work is done: finished
jobs, node sessions and the load-balancer settings applied last.

Records live in a BoltDB store (pkg/storage). A driver started without a Raft
bind address writes to its store directly. With one, every write is a Raft
command applied by the FSM on each member, so a standby driver holds the same
history and can answer for jobs it never ran.

# Replication

	 driver A (leader)                     driver B (standby)
	┌──────────────────────┐              ┌──────────────────────┐
	│ RecordJob/RecordNode │              │  ErrNotLeader on     │
	│ SaveLoadBalancer     │              │  every write         │
	│          │           │              │                      │
	│     raft.Apply       │── log ──────▶│     FSM.Apply        │
	│          │           │              │          │           │
	│     FSM.Apply        │              │     BoltStore        │
	│          │           │              └──────────────────────┘
	│     BoltStore        │
	└──────────────────────┘

The first driver calls Bootstrap. Others call Join with the leader's API
address; the leader adds them as voters through the JoinCluster RPC.

# Retention

RecordJob prunes the oldest job records beyond Config.Retention. Node records
accumulate: FirstConnected keeps the earliest session and TasksExecuted sums
across sessions.
*/
package history
