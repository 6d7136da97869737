/*
Package job tracks the runtime state of one submitted job on the driver.

A ServerJob owns clones of the submitted tasks and moves each of them through
exactly one of three places:

	         TakeSlice                 BundleCompleted
	┌────────────┐ ───────▶ ┌──────────────┐ ───────▶ ┌───────────┐
	│ unassigned │          │  in flight   │          │ completed │
	│   (deque)  │ ◀─────── │ (per bundle) │          │ (by slot) │
	└────────────┘  front   └──────────────┘          └───────────┘
	                reinsert: NodeLost, Resubmit,
	                node error, missing results

so unassigned + in flight + completed always equals the task count. Results
are stored by position, and the delivered JobResult lists tasks in submission
order whatever order bundles returned in.

# Failure handling

  - NodeLost: the bundle's unfinished tasks go back to the front of the pool.
    With ApplyMaxResubmitsUponNodeError each retry counts, and a task past
    MaxTaskResubmits completes with a nil result instead.
  - BundleCompleted with a node error: same as NodeLost.
  - Resubmit (node requeue flag): the bundle goes back without counting.
  - FailBundle: the driver could not encode the bundle; tasks complete with
    the error as their exception.
  - Responses for a bundle that is no longer in flight (after a cancel, an
    expiration or a previous response) are ignored, and tasks already
    completed are never overwritten.

# Broadcast jobs

A broadcast job is not partitioned: every target node gets a full copy, and
completion is tracked per node. Targets are frozen at submission with
FreezeBroadcastTargets, or at the first dispatch from WithTargets. A target
whose bundle is lost stays undelivered and gets the job again when it
reconnects under the same UUID.

# Completion

Cancel, Expire and the last returned bundle build the JobResult once, close
Done and run OnComplete callbacks after the job lock is released.
*/
package job
