/*
Package registry keeps the driver's view of connected nodes and their
reservations.

Registry stores what a node reported (NodeInfo) and the bookkeeping the admin
API shows: dispatch status, current job, load-balancing algorithm, executed
bundle and task counts. Every accessor returns a copy.

# Reservations

ReservationHandler binds nodes to jobs carrying a desired node configuration:

	             Reserve                     Transition
	(no reservation) ───▶ pending[old uuid] ───────────▶ ready[new uuid]
	                        │  node restarts with the        │
	                        │  desired configuration plus    │
	                        │  reserved job / previous uuid  │
	                        ▼                                ▼
	                 Remove / OnJobFinished ◀───────────────┘

A pending node is kept across the disconnect it performs to restart
(Registry.Remove with keepReservation). When it reconnects, Transition
matches the reserved job and previous UUID it carries in its properties and
moves the reservation to ready under the new UUID. A ready node only serves
its job; reservations are released when the job finishes or the node is lost.
*/
package registry
