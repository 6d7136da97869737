/*
Package node implements the worker side of the grid: an agent that connects
to a driver, executes the bundles it receives and returns their results.

# Session

	Agent                                   Driver
	  │ ── Hello{uuid, host, threads, props} ──▶ │
	  │ ◀── BundleMessage ─────────────────────  │
	  │     run tasks, at most Threads at once   │
	  │ ── ResultMessage ──────────────────────▶ │
	  │ ◀── Control{reconfigure | shutdown} ───  │

A session is one gRPC stream. When it breaks the agent reconnects after
ReconnectDelay under the same UUID; bundles that were in flight are resent by
the driver to whichever node is free.

# Reconfiguration

A reconfigure control carries the properties a reserved job needs, plus the
reserved job and the node's current UUID under the taskgrid.reserved.* keys.
Without restart the agent merges the properties and sends a fresh Hello on
the same stream. With restart it closes the session and reconnects under a
new UUID, announcing the reservation in its Hello so the driver can bind it
to the job.

# Runners

Tasks are executed by a Runner. EchoRunner returns its payload and is used in
tests and demos. ExecRunner splits each payload into a command line with
shell quoting rules, runs it with the job's data provider on standard input
and returns standard output. An error from a runner becomes the task's
exception; ErrRequeue and ErrNodeFailure apply to the whole bundle.
*/
package node
