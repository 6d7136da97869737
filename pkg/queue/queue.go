package queue

import (
	"fmt"
	"sync"

	"github.com/cuemby/taskgrid/pkg/events"
	"github.com/cuemby/taskgrid/pkg/job"
	"github.com/cuemby/taskgrid/pkg/log"
	"github.com/cuemby/taskgrid/pkg/timer"
	"github.com/cuemby/taskgrid/pkg/types"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/google/btree"
	"github.com/rs/zerolog"
)

// Criteria describes the node asking for work
type Criteria struct {
	Node types.NodeInfo

	// ReservedFor is the job a node with a ready reservation is bound to
	ReservedFor string
}

// ReservedCount returns the number of nodes pending or ready for a job
type ReservedCount func(jobUUID string) int

// tier is the FIFO of jobs sharing one priority
type tier struct {
	priority int
	jobs     *orderedmap.OrderedMap[string, *job.ServerJob]
}

func tierLess(a, b *tier) bool {
	// Descending: Ascend visits the highest priority first
	return a.priority > b.priority
}

type entry struct {
	sj       *job.ServerJob
	priority int
}

// Queue holds the jobs awaiting dispatch, ordered by descending priority and
// arrival order within a priority. Lock order is queue then job.
type Queue struct {
	mtx         sync.Mutex
	tiers       *btree.BTreeG[*tier]
	byUUID      map[string]*entry
	subscribers map[<-chan struct{}]chan struct{}

	timers *timer.Scheduler
	broker *events.Broker
	logger zerolog.Logger
}

// New creates an empty queue. Start and expiration schedules are registered
// with timers; events go to broker when it is not nil.
func New(timers *timer.Scheduler, broker *events.Broker) *Queue {
	return &Queue{
		tiers:       btree.NewG[*tier](8, tierLess),
		byUUID:      make(map[string]*entry),
		subscribers: make(map[<-chan struct{}]chan struct{}),
		timers:      timers,
		broker:      broker,
		logger:      log.WithComponent("queue"),
	}
}

// Subscribe returns a channel that becomes ready whenever the queue changes in
// a way that may let an idle node find work. Notifications coalesce.
func (q *Queue) Subscribe() <-chan struct{} {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	ch := make(chan struct{}, 1)
	q.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel. See Subscribe.
func (q *Queue) Unsubscribe(ch <-chan struct{}) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	delete(q.subscribers, ch)
}

// Caller must have lock.
func (q *Queue) notify() {
	for _, ch := range q.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Notify wakes subscribers from outside the queue, e.g. when a node joins
func (q *Queue) Notify() {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.notify()
}

// Offer adds a job at the tail of its priority tier
func (q *Queue) Offer(sj *job.ServerJob) error {
	sla := sj.SLA()

	q.mtx.Lock()
	if _, ok := q.byUUID[sj.UUID()]; ok {
		q.mtx.Unlock()
		return fmt.Errorf("failed to offer job %s: %w", sj.UUID(), types.ErrDuplicateJob)
	}
	q.insert(sj, sla.Priority)
	q.byUUID[sj.UUID()] = &entry{sj: sj, priority: sla.Priority}
	q.notify()
	q.mtx.Unlock()

	uuid := sj.UUID()
	if sla.JobSchedule != nil && !sj.Started() {
		at := sla.JobSchedule.Deadline(sj.SubmittedAt())
		q.timers.Schedule(startKey(uuid), at, func() { q.start(uuid) })
	}
	if sla.ExpirationSchedule != nil {
		at := sla.ExpirationSchedule.Deadline(sj.SubmittedAt())
		q.timers.Schedule(expireKey(uuid), at, func() { q.Expire(uuid) })
	}

	// Runs immediately if the job was cancelled concurrently
	sj.OnComplete(func(res *types.JobResult) { q.Remove(res.JobUUID) })

	q.logger.Debug().
		Str("job_id", uuid).
		Int("priority", sla.Priority).
		Int("tasks", sj.Total()).
		Msg("Job queued")
	q.publish(events.EventJobQueued, uuid, "")
	return nil
}

// Caller must have lock.
func (q *Queue) insert(sj *job.ServerJob, priority int) {
	t, ok := q.tiers.Get(&tier{priority: priority})
	if !ok {
		t = &tier{priority: priority, jobs: orderedmap.NewOrderedMap[string, *job.ServerJob]()}
		q.tiers.ReplaceOrInsert(t)
	}
	t.jobs.Set(sj.UUID(), sj)
}

// Caller must have lock.
func (q *Queue) detach(uuid string, priority int) {
	t, ok := q.tiers.Get(&tier{priority: priority})
	if !ok {
		return
	}
	t.jobs.Delete(uuid)
	if t.jobs.Len() == 0 {
		q.tiers.Delete(t)
	}
}

// PeekNext returns the first job, by priority then arrival, that may send a
// bundle to the node, or nil. Jobs whose desired node configuration the node
// lacks are skipped unless the node is reserved for them.
func (q *Queue) PeekNext(c Criteria) *job.ServerJob {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	var found *job.ServerJob
	q.tiers.Ascend(func(t *tier) bool {
		for el := t.jobs.Front(); el != nil; el = el.Next() {
			sj := el.Value
			if c.ReservedFor != "" && sj.UUID() != c.ReservedFor {
				continue
			}
			if desired := sj.SLA().DesiredNodeConfiguration; desired != nil && c.ReservedFor != sj.UUID() {
				if !desired.MatchedBy(c.Node.Properties) {
					continue
				}
			}
			if sj.EligibleFor(c.Node) {
				found = sj
				return false
			}
		}
		return true
	})
	return found
}

// PeekReservation returns the first job that the node could serve after being
// reconfigured, and that still needs more nodes than it has reserved.
func (q *Queue) PeekReservation(node types.NodeInfo, reserved ReservedCount) *job.ServerJob {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	var found *job.ServerJob
	q.tiers.Ascend(func(t *tier) bool {
		for el := t.jobs.Front(); el != nil; el = el.Next() {
			sj := el.Value
			sla := sj.SLA()
			if sla.DesiredNodeConfiguration == nil || sla.DesiredNodeConfiguration.MatchedBy(node.Properties) {
				continue
			}
			if !sj.EligibleFor(node) {
				continue
			}
			if reserved != nil && reserved(sj.UUID())+sj.InFlightNodes() >= sla.EffectiveMaxNodes() {
				continue
			}
			found = sj
			return false
		}
		return true
	})
	return found
}

// TakeSlice takes up to max tasks of the job for the node; nil when the job
// stopped being eligible since it was peeked.
func (q *Queue) TakeSlice(sj *job.ServerJob, node types.NodeInfo, max int) *job.Bundle {
	return sj.TakeSlice(node, max)
}

// Remove drops a job from the queue without touching its state. It reports
// whether the job was queued.
func (q *Queue) Remove(uuid string) bool {
	q.mtx.Lock()
	e, ok := q.byUUID[uuid]
	if ok {
		q.detach(uuid, e.priority)
		delete(q.byUUID, uuid)
	}
	q.mtx.Unlock()
	if !ok {
		return false
	}

	q.timers.Cancel(startKey(uuid))
	q.timers.Cancel(expireKey(uuid))
	q.publish(events.EventJobRemoved, uuid, "")
	return true
}

// Cancel ends a queued job; its result is delivered with nil entries for
// tasks that did not return. It reports whether the job was running.
func (q *Queue) Cancel(uuid string) bool {
	sj, ok := q.Get(uuid)
	if !ok {
		return false
	}
	if !sj.Cancel() {
		return false
	}
	q.logger.Info().Str("job_id", uuid).Msg("Job cancelled")
	q.publish(events.EventJobCancelled, uuid, "")
	return true
}

// Expire force-cancels a job whose expiration schedule fired
func (q *Queue) Expire(uuid string) bool {
	sj, ok := q.Get(uuid)
	if !ok {
		return false
	}
	if !sj.Expire() {
		return false
	}
	q.logger.Info().Str("job_id", uuid).Msg("Job expired")
	q.publish(events.EventJobExpired, uuid, "")
	return true
}

func (q *Queue) start(uuid string) {
	sj, ok := q.Get(uuid)
	if !ok {
		return
	}
	sj.Start()
	q.logger.Debug().Str("job_id", uuid).Msg("Job start schedule fired")
	q.publish(events.EventJobStarted, uuid, "")
	q.Notify()
}

// Suspend suspends or resumes a job
func (q *Queue) Suspend(uuid string, suspended bool) error {
	q.mtx.Lock()
	e, ok := q.byUUID[uuid]
	if !ok {
		q.mtx.Unlock()
		return fmt.Errorf("failed to suspend job %s: %w", uuid, types.ErrJobNotFound)
	}
	e.sj.SetSuspended(suspended)
	if !suspended {
		q.notify()
	}
	q.mtx.Unlock()

	msg := "suspended"
	if !suspended {
		msg = "resumed"
	}
	q.publish(events.EventJobUpdated, uuid, msg)
	return nil
}

// SetPriority moves a job to the tail of its new priority tier
func (q *Queue) SetPriority(uuid string, priority int) error {
	q.mtx.Lock()
	e, ok := q.byUUID[uuid]
	if !ok {
		q.mtx.Unlock()
		return fmt.Errorf("failed to change priority of job %s: %w", uuid, types.ErrJobNotFound)
	}
	if e.priority != priority {
		q.detach(uuid, e.priority)
		e.sj.SetPriority(priority)
		e.priority = priority
		q.insert(e.sj, priority)
		q.notify()
	}
	q.mtx.Unlock()

	q.publish(events.EventJobUpdated, uuid, fmt.Sprintf("priority=%d", priority))
	return nil
}

// SetMaxNodes changes a job's node concurrency cap
func (q *Queue) SetMaxNodes(uuid string, maxNodes int) error {
	q.mtx.Lock()
	e, ok := q.byUUID[uuid]
	if !ok {
		q.mtx.Unlock()
		return fmt.Errorf("failed to change max nodes of job %s: %w", uuid, types.ErrJobNotFound)
	}
	e.sj.SetMaxNodes(maxNodes)
	q.notify()
	q.mtx.Unlock()

	q.publish(events.EventJobUpdated, uuid, fmt.Sprintf("maxNodes=%d", maxNodes))
	return nil
}

// Get returns a queued job
func (q *Queue) Get(uuid string) (*job.ServerJob, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	e, ok := q.byUUID[uuid]
	if !ok {
		return nil, false
	}
	return e.sj, true
}

// Jobs returns the queued jobs in dispatch order
func (q *Queue) Jobs() []*job.ServerJob {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	out := make([]*job.ServerJob, 0, len(q.byUUID))
	q.tiers.Ascend(func(t *tier) bool {
		for el := t.jobs.Front(); el != nil; el = el.Next() {
			out = append(out, el.Value)
		}
		return true
	})
	return out
}

// Len returns the number of queued jobs
func (q *Queue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.byUUID)
}

// MaxPendingTasks returns the largest unassigned task count among queued jobs
func (q *Queue) MaxPendingTasks() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	max := 0
	for _, e := range q.byUUID {
		if n := e.sj.PendingTasks(); n > max {
			max = n
		}
	}
	return max
}

func (q *Queue) publish(t events.EventType, jobUUID, msg string) {
	if q.broker == nil {
		return
	}
	q.broker.Publish(&events.Event{Type: t, JobUUID: jobUUID, Message: msg})
}

func startKey(uuid string) string  { return "start/" + uuid }
func expireKey(uuid string) string { return "expire/" + uuid }
