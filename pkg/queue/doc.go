/*
Package queue implements the driver's job queue.

Jobs are kept in priority tiers: a B-tree (github.com/google/btree) ordered by
descending priority, each tier an insertion-ordered map
(github.com/elliotchance/orderedmap) so jobs of equal priority are served in
arrival order and can be removed in O(1).

	tiers (btree, highest first)
	┌──────────┐   ┌──────────────────────────────┐
	│ prio 10  │──▶│ job-c → job-f                │  FIFO
	├──────────┤   ├──────────────────────────────┤
	│ prio 5   │──▶│ job-a → job-d → job-e        │
	├──────────┤   ├──────────────────────────────┤
	│ prio 0   │──▶│ job-b                        │
	└──────────┘   └──────────────────────────────┘

PeekNext walks tiers from the highest priority and returns the first job
eligible for the asking node: started, not suspended, not finished, below its
maxNodes cap, accepted by the execution policy, not yet delivered to that node
when it is a broadcast job, and compatible with the node's reservation. The
cost is proportional to the number of jobs skipped, not to queue size.

# Schedules

A job with a start schedule is offered immediately but stays ineligible until
its timer fires. An expiration timer force-cancels the job whatever its
in-flight state; the remaining tasks complete with nil results. Both timers
run on a shared timer.Scheduler and are cancelled when the job leaves.

# Notifications

Subscribe returns a coalescing channel that is poked on every change that may
give an idle node new work (offer, resume, priority or maxNodes change, start
schedule, Notify). Domain events (job.queued, job.removed, job.updated, ...)
go to the events broker.

# Locking

One mutex guards the tier structure. ServerJob methods take the job's own
mutex, so the lock order is always queue then job, and job completion
callbacks that call Remove run after the job lock is released.
*/
package queue
