/*
Package dispatch drives the conversation between the driver and each connected
node.

# Architecture

	 transport (gRPC stream)          Reactor (N shards)            WorkerPool
	┌────────────────────────┐      ┌──────────────────────┐      ┌──────────────┐
	│ Connect / Receive /    │ post │ shard = fnv(uuid)%N  │submit│ encode frame │
	│ Disconnect / flush cb  │─────▶│ NodeContext handlers │─────▶│ fold results │
	└────────────────────────┘      │ (no locks per node)  │◀─────│              │
	                                └──────────┬───────────┘ post └──────────────┘
	                                           │
	                     queue wakeups ────────┤ PeekNext / TakeSlice
	                                           ▼
	                                      queue.Queue

Every node is pinned to one reactor shard, so its events run one at a time and
its NodeContext needs no lock. No goroutine waits on a node: sends complete
through callbacks, results arrive from the transport's receive loop, and CPU
work runs on the bounded WorkerPool before posting back to the shard.

# Node states

	       EvDispatch           EvFlushed
	IDLE ─────────────▶ SENDING ──────────▶ WAITING_RESULTS
	 ▲                    │                        │
	 └────────────────────┴────────────────────────┘
	        EvResults / EvNodeError
	 any ── EvTransportError / EvClose ──▶ FAILED

Transition is a pure function over these states. Results may arrive before the
flush callback of their own bundle, hence SENDING accepts EvResults.

# Dispatching

An idle node refreshes its bundler when the load-balancer settings changed,
asks the queue for the best eligible job, sizes a bundle with its bundler
(clamped to the job's pending tasks) and takes the slice. When no job fits, the
node may be reserved for a job whose desired configuration it lacks; it then
receives a reconfigure control and stays out of dispatch until it reports the
reservation back, either after a restart under a new UUID or in place.

Results are folded into the job on the worker pool. A node exception retries
the bundle, a requeue puts it back without counting, and a lost connection
resubmits whatever was in flight.
*/
package dispatch
