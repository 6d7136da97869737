package job

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/taskgrid/pkg/types"
)

// Bundle is a slice of a job's tasks in flight to one node
type Bundle struct {
	JobUUID      string
	ID           int64
	Tasks        []*types.Task
	NodeID       string
	DispatchedAt time.Time
	Broadcast    bool
}

// Positions returns the task positions carried by the bundle
func (b *Bundle) Positions() []int {
	out := make([]int, len(b.Tasks))
	for i, t := range b.Tasks {
		out[i] = t.Position
	}
	return out
}

// Outcome summarizes what a state change did to a job's tasks
type Outcome struct {
	Returned    int  // Tasks completed with a result or exception
	Resubmitted int  // Tasks put back at the front of the pool
	Dropped     int  // Tasks completed with a nil result
	Ignored     bool // The bundle was unknown or no longer in flight
	Finished    bool // The job left the running state during this call
}

// TargetsFunc lists the UUIDs of the nodes currently eligible for a broadcast job
type TargetsFunc func() []string

// ServerJob is the driver-side runtime state of a submitted job.
// All fields below mu are guarded by it.
type ServerJob struct {
	uuid         string
	name         string
	dataProvider []byte
	metadata     map[string]string
	submittedAt  time.Time
	total        int
	targetsFn    TargetsFunc

	mu          sync.Mutex
	sla         *types.SLA
	started     bool
	unassigned  []*types.Task
	inFlight    map[int64]*Bundle
	nodeBundles map[string]int
	slotOf      map[int]int
	results     []*types.Task
	done        []bool
	completed   int
	nextID      int64
	state       types.JobState
	completedAt time.Time
	result      *types.JobResult

	broadcast      bool
	targets        map[string]bool
	targetsFrozen  bool
	delivered      map[string]bool
	nodeFailures   map[string]int
	deliveries     []string
	broadcastFirst bool

	listeners []func(*types.JobResult)
	doneCh    chan struct{}
}

// Option configures a ServerJob
type Option func(*ServerJob)

// WithTargets sets the source of broadcast targets used when none were frozen at submission
func WithTargets(fn TargetsFunc) Option {
	return func(sj *ServerJob) {
		sj.targetsFn = fn
	}
}

// New takes ownership of clones of the job's tasks. A job with a start
// schedule stays invisible until Start is called.
func New(j *types.Job, opts ...Option) *ServerJob {
	sla := j.SLA.Copy()
	submitted := j.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now()
	}

	tasks := make([]*types.Task, len(j.Tasks))
	for i, t := range j.Tasks {
		tasks[i] = t.Clone()
	}
	sort.SliceStable(tasks, func(a, b int) bool { return tasks[a].Position < tasks[b].Position })

	sj := &ServerJob{
		uuid:         j.UUID,
		name:         j.Name,
		dataProvider: j.DataProvider,
		metadata:     j.Metadata,
		submittedAt:  submitted,
		total:        len(tasks),
		sla:          sla,
		started:      sla.JobSchedule == nil,
		inFlight:     make(map[int64]*Bundle),
		nodeBundles:  make(map[string]int),
		slotOf:       make(map[int]int, len(tasks)),
		results:      make([]*types.Task, len(tasks)),
		done:         make([]bool, len(tasks)),
		state:        types.JobStateQueued,
		broadcast:    sla.BroadcastJob,
		targets:      make(map[string]bool),
		delivered:    make(map[string]bool),
		nodeFailures: make(map[string]int),
		doneCh:       make(chan struct{}),
	}
	if !sj.started {
		sj.state = types.JobStateScheduled
	}
	for i, t := range tasks {
		sj.slotOf[t.Position] = i
		sj.results[i] = &types.Task{Position: t.Position, MaxResubmits: t.MaxResubmits}
	}
	// Broadcast jobs send full copies and the pool keeps the canonical tasks
	sj.unassigned = tasks
	sj.broadcastFirst = sj.broadcast
	for _, opt := range opts {
		opt(sj)
	}
	return sj
}

// UUID returns the job UUID
func (sj *ServerJob) UUID() string { return sj.uuid }

// Name returns the job name
func (sj *ServerJob) Name() string { return sj.name }

// DataProvider returns the shared data sent with every bundle
func (sj *ServerJob) DataProvider() []byte { return sj.dataProvider }

// SubmittedAt returns the submission time used to resolve relative schedules
func (sj *ServerJob) SubmittedAt() time.Time { return sj.submittedAt }

// Total returns the number of submitted tasks
func (sj *ServerJob) Total() int { return sj.total }

// Done is closed once the job has a result
func (sj *ServerJob) Done() <-chan struct{} { return sj.doneCh }

// SLA returns a copy of the current SLA, including administrative overrides
func (sj *ServerJob) SLA() *types.SLA {
	sj.mu.Lock()
	defer sj.mu.Unlock()
	return sj.sla.Copy()
}

// Priority returns the current priority
func (sj *ServerJob) Priority() int {
	sj.mu.Lock()
	defer sj.mu.Unlock()
	return sj.sla.Priority
}

// Result returns the delivered result, or nil while the job runs
func (sj *ServerJob) Result() *types.JobResult {
	sj.mu.Lock()
	defer sj.mu.Unlock()
	return sj.result
}

// OnComplete registers fn to receive the result. It runs immediately when the
// job already finished. Callbacks never run with the job lock held.
func (sj *ServerJob) OnComplete(fn func(*types.JobResult)) {
	sj.mu.Lock()
	if sj.result != nil {
		res := sj.result
		sj.mu.Unlock()
		fn(res)
		return
	}
	sj.listeners = append(sj.listeners, fn)
	sj.mu.Unlock()
}

// Start makes a scheduled job visible to the dispatcher
func (sj *ServerJob) Start() {
	sj.mu.Lock()
	defer sj.mu.Unlock()
	sj.started = true
	if sj.state == types.JobStateScheduled {
		sj.state = types.JobStateQueued
	}
}

// Started reports whether the job's start schedule fired
func (sj *ServerJob) Started() bool {
	sj.mu.Lock()
	defer sj.mu.Unlock()
	return sj.started
}

// Finished reports whether the job completed, was cancelled or expired
func (sj *ServerJob) Finished() bool {
	sj.mu.Lock()
	defer sj.mu.Unlock()
	return sj.result != nil
}

// SetSuspended changes the suspended flag
func (sj *ServerJob) SetSuspended(suspended bool) {
	sj.mu.Lock()
	defer sj.mu.Unlock()
	sj.sla.Suspended = suspended
}

// SetPriority changes the priority; the queue moves the job between tiers
func (sj *ServerJob) SetPriority(priority int) {
	sj.mu.Lock()
	defer sj.mu.Unlock()
	sj.sla.Priority = priority
}

// SetMaxNodes changes the concurrency cap. Bundles already in flight are not recalled.
func (sj *ServerJob) SetMaxNodes(n int) {
	sj.mu.Lock()
	defer sj.mu.Unlock()
	sj.sla.MaxNodes = n
}

// PendingTasks returns the number of tasks waiting in the unassigned pool
func (sj *ServerJob) PendingTasks() int {
	sj.mu.Lock()
	defer sj.mu.Unlock()
	if sj.result != nil {
		return 0
	}
	return len(sj.unassigned)
}

// Counts returns the task distribution; the three values always sum to Total
func (sj *ServerJob) Counts() (unassigned, inFlight, completed int) {
	sj.mu.Lock()
	defer sj.mu.Unlock()
	if sj.broadcast {
		return sj.broadcastCounts()
	}
	for _, b := range sj.inFlight {
		inFlight += len(b.Tasks)
	}
	return len(sj.unassigned), inFlight, sj.completed
}

func (sj *ServerJob) broadcastCounts() (int, int, int) {
	if sj.result != nil {
		return 0, 0, sj.total
	}
	if len(sj.inFlight) > 0 {
		return 0, sj.total, 0
	}
	return sj.total, 0, 0
}

// InFlightNodes returns the number of nodes currently holding a bundle of this job
func (sj *ServerJob) InFlightNodes() int {
	sj.mu.Lock()
	defer sj.mu.Unlock()
	return len(sj.nodeBundles)
}

// FreezeBroadcastTargets fixes the set of nodes a broadcast job must run on.
// An empty set leaves the targets open until the first dispatch.
func (sj *ServerJob) FreezeBroadcastTargets(nodes []string) {
	sj.mu.Lock()
	defer sj.mu.Unlock()
	if !sj.broadcast || sj.targetsFrozen || len(nodes) == 0 {
		return
	}
	for _, n := range nodes {
		sj.targets[n] = true
	}
	sj.targetsFrozen = true
}

// targetsLocked returns the frozen broadcast targets, sorted
func (sj *ServerJob) targetsLocked() []string {
	if len(sj.targets) == 0 {
		return nil
	}
	out := make([]string, 0, len(sj.targets))
	for n := range sj.targets {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// EligibleFor reports whether a bundle of this job may go to the node,
// ignoring reservations which the queue checks.
func (sj *ServerJob) EligibleFor(node types.NodeInfo) bool {
	sj.mu.Lock()
	defer sj.mu.Unlock()
	return sj.eligibleLocked(node)
}

func (sj *ServerJob) eligibleLocked(node types.NodeInfo) bool {
	if sj.result != nil || !sj.started || sj.sla.Suspended {
		return false
	}
	if !sj.sla.ExecutionPolicy.Accepts(node.Properties) {
		return false
	}
	if sj.nodeBundles[node.UUID] > 0 {
		// A node holds at most one bundle at a time
		return false
	}
	if len(sj.nodeBundles) >= sj.sla.EffectiveMaxNodes() {
		return false
	}
	if sj.broadcast {
		if sj.delivered[node.UUID] {
			return false
		}
		return !sj.targetsFrozen || sj.targets[node.UUID]
	}
	return len(sj.unassigned) > 0
}

// TakeSlice moves up to max tasks from the front of the pool into a new bundle
// for the node. It re-checks eligibility under the job lock and returns nil
// when the job is no longer eligible. Broadcast jobs return a full copy.
func (sj *ServerJob) TakeSlice(node types.NodeInfo, max int) *Bundle {
	sj.mu.Lock()
	defer sj.mu.Unlock()

	if sj.broadcast && !sj.targetsFrozen {
		var nodes []string
		if sj.targetsFn != nil {
			nodes = sj.targetsFn()
		}
		sj.targets[node.UUID] = true
		for _, n := range nodes {
			sj.targets[n] = true
		}
		sj.targetsFrozen = true
	}
	if !sj.eligibleLocked(node) {
		return nil
	}

	sj.nextID++
	b := &Bundle{
		JobUUID:      sj.uuid,
		ID:           sj.nextID,
		NodeID:       node.UUID,
		DispatchedAt: time.Now(),
		Broadcast:    sj.broadcast,
	}

	if sj.broadcast {
		b.Tasks = make([]*types.Task, len(sj.unassigned))
		for i, t := range sj.unassigned {
			b.Tasks[i] = t.Clone()
		}
	} else {
		if max < 1 {
			max = 1
		}
		if max > len(sj.unassigned) {
			max = len(sj.unassigned)
		}
		b.Tasks = make([]*types.Task, max)
		copy(b.Tasks, sj.unassigned[:max])
		sj.unassigned = sj.unassigned[max:]
	}

	sj.inFlight[b.ID] = b
	sj.nodeBundles[node.UUID]++
	if sj.state == types.JobStateQueued {
		sj.state = types.JobStateExecuting
	}
	return b
}

// BundleCompleted folds a node's response into the job. A non-nil nodeErr
// means the node failed internally: every task of the bundle is retried,
// counting against the resubmit budget when the SLA applies one. Responses for
// bundles that are no longer in flight are ignored.
func (sj *ServerJob) BundleCompleted(b *Bundle, returned []*types.Task, nodeErr error) Outcome {
	sj.mu.Lock()
	out, fire := sj.bundleCompletedLocked(b, returned, nodeErr)
	sj.mu.Unlock()
	fire()
	return out
}

func (sj *ServerJob) bundleCompletedLocked(b *Bundle, returned []*types.Task, nodeErr error) (Outcome, func()) {
	if !sj.releaseLocked(b) {
		return Outcome{Ignored: true}, noop
	}

	if nodeErr != nil {
		out := sj.retryLocked(b, sj.sla.ApplyMaxResubmitsUponNodeError)
		return out, sj.maybeFinishLocked(&out)
	}

	if sj.broadcast {
		var out Outcome
		if !sj.delivered[b.NodeID] {
			sj.delivered[b.NodeID] = true
			sj.deliveries = append(sj.deliveries, b.NodeID)
			if sj.broadcastFirst {
				sj.foldLocked(b, returned)
				sj.broadcastFirst = false
			}
			out.Returned = len(b.Tasks)
		}
		return out, sj.maybeFinishLocked(&out)
	}

	out := Outcome{}
	byPos := make(map[int]*types.Task, len(returned))
	for _, r := range returned {
		if r != nil {
			byPos[r.Position] = r
		}
	}
	var missing []*types.Task
	for _, t := range b.Tasks {
		slot := sj.slotOf[t.Position]
		if sj.done[slot] {
			continue
		}
		r, ok := byPos[t.Position]
		if !ok {
			missing = append(missing, t)
			continue
		}
		sj.complete(slot, r.Result, r.Exception)
		out.Returned++
	}
	if len(missing) > 0 {
		sj.unassigned = append(missing, sj.unassigned...)
		out.Resubmitted = len(missing)
	}
	return out, sj.maybeFinishLocked(&out)
}

// foldLocked records broadcast results from the first delivery
func (sj *ServerJob) foldLocked(b *Bundle, returned []*types.Task) {
	for _, r := range returned {
		if r == nil {
			continue
		}
		slot, ok := sj.slotOf[r.Position]
		if !ok {
			continue
		}
		sj.results[slot].Result = r.Result
		sj.results[slot].Exception = r.Exception
	}
}

// Resubmit puts the whole bundle back at the front of the pool without
// counting against any budget. Used when the node asks for a requeue.
func (sj *ServerJob) Resubmit(b *Bundle) Outcome {
	sj.mu.Lock()
	defer sj.mu.Unlock()

	if !sj.releaseLocked(b) {
		return Outcome{Ignored: true}
	}
	if sj.broadcast {
		return Outcome{Resubmitted: len(b.Tasks)}
	}
	var back []*types.Task
	for _, t := range b.Tasks {
		if !sj.done[sj.slotOf[t.Position]] {
			back = append(back, t)
		}
	}
	sj.unassigned = append(back, sj.unassigned...)
	return Outcome{Resubmitted: len(back)}
}

// NodeLost handles the loss of the node holding the bundle. By default every
// task goes back to the front of the pool; with ApplyMaxResubmitsUponNodeError
// a task past its budget completes with a nil result.
func (sj *ServerJob) NodeLost(b *Bundle) Outcome {
	sj.mu.Lock()
	if !sj.releaseLocked(b) {
		sj.mu.Unlock()
		return Outcome{Ignored: true}
	}
	out := sj.retryLocked(b, sj.sla.ApplyMaxResubmitsUponNodeError)
	fire := sj.maybeFinishLocked(&out)
	sj.mu.Unlock()
	fire()
	return out
}

// FailBundle completes every task of the bundle with the given exception.
// Used when the driver cannot encode the bundle.
func (sj *ServerJob) FailBundle(b *Bundle, err error) Outcome {
	sj.mu.Lock()
	if !sj.releaseLocked(b) {
		sj.mu.Unlock()
		return Outcome{Ignored: true}
	}
	out := Outcome{}
	if sj.broadcast {
		if !sj.delivered[b.NodeID] {
			sj.delivered[b.NodeID] = true
			sj.deliveries = append(sj.deliveries, b.NodeID)
			for i := range sj.results {
				if sj.results[i].Exception == "" && sj.results[i].Result == nil {
					sj.results[i].Exception = err.Error()
				}
			}
			out.Returned = len(b.Tasks)
		}
	} else {
		for _, t := range b.Tasks {
			slot := sj.slotOf[t.Position]
			if sj.done[slot] {
				continue
			}
			sj.complete(slot, nil, err.Error())
			out.Returned++
		}
	}
	fire := sj.maybeFinishLocked(&out)
	sj.mu.Unlock()
	fire()
	return out
}

// Cancel ends the job: pending and in-flight tasks complete with nil results
// and responses still on the wire are discarded. It reports whether the job
// was still running.
func (sj *ServerJob) Cancel() bool {
	return sj.terminate(types.JobStateCancelled)
}

// Expire ends the job like Cancel, flagged as expired
func (sj *ServerJob) Expire() bool {
	return sj.terminate(types.JobStateExpired)
}

func (sj *ServerJob) terminate(state types.JobState) bool {
	sj.mu.Lock()
	if sj.result != nil {
		sj.mu.Unlock()
		return false
	}
	if !sj.broadcast {
		for slot, done := range sj.done {
			if !done {
				sj.complete(slot, nil, "")
			}
		}
	}
	sj.unassigned = nil
	sj.inFlight = make(map[int64]*Bundle)
	sj.nodeBundles = make(map[string]int)
	fire := sj.finishLocked(state)
	sj.mu.Unlock()
	fire()
	return true
}

// Status returns a read-only snapshot
func (sj *ServerJob) Status() types.JobStatus {
	sj.mu.Lock()
	defer sj.mu.Unlock()

	st := types.JobStatus{
		UUID:          sj.uuid,
		Name:          sj.name,
		State:         sj.state,
		Priority:      sj.sla.Priority,
		MaxNodes:      sj.sla.MaxNodes,
		Broadcast:     sj.broadcast,
		TotalTasks:    sj.total,
		InFlightNodes: len(sj.nodeBundles),
		SubmittedAt:   sj.submittedAt,
		CompletedAt:   sj.completedAt,
	}
	if sj.broadcast {
		st.PendingTasks, st.InFlightTasks, st.CompletedTasks = sj.broadcastCounts()
		st.BroadcastTargets = sj.targetsLocked()
	} else {
		st.PendingTasks = len(sj.unassigned)
		for _, b := range sj.inFlight {
			st.InFlightTasks += len(b.Tasks)
		}
		st.CompletedTasks = sj.completed
	}
	if sj.result == nil && sj.sla.Suspended {
		st.State = types.JobStateSuspended
	}
	return st
}

// releaseLocked removes the bundle from the in-flight set; false when it was not there
func (sj *ServerJob) releaseLocked(b *Bundle) bool {
	if b == nil || sj.result != nil {
		return false
	}
	cur, ok := sj.inFlight[b.ID]
	if !ok || cur != b {
		return false
	}
	delete(sj.inFlight, b.ID)
	if sj.nodeBundles[b.NodeID] <= 1 {
		delete(sj.nodeBundles, b.NodeID)
	} else {
		sj.nodeBundles[b.NodeID]--
	}
	return true
}

func (sj *ServerJob) retryLocked(b *Bundle, applyBudget bool) Outcome {
	out := Outcome{}
	if sj.broadcast {
		// The node stays a target and gets the job again until its own
		// budget runs out; then its copy counts as delivered with nil results.
		sj.nodeFailures[b.NodeID]++
		if applyBudget && sj.nodeFailures[b.NodeID] > sj.sla.MaxTaskResubmits {
			sj.delivered[b.NodeID] = true
			out.Dropped = len(b.Tasks)
			return out
		}
		out.Resubmitted = len(b.Tasks)
		return out
	}
	var back []*types.Task
	for _, t := range b.Tasks {
		slot := sj.slotOf[t.Position]
		if sj.done[slot] {
			continue
		}
		t.ResubmitCount++
		if applyBudget && t.ResubmitCount > sj.maxResubmits(t) {
			sj.complete(slot, nil, "")
			out.Dropped++
			continue
		}
		back = append(back, t)
	}
	sj.unassigned = append(back, sj.unassigned...)
	out.Resubmitted = len(back)
	return out
}

func (sj *ServerJob) maxResubmits(t *types.Task) int {
	if t.MaxResubmits >= 0 {
		return t.MaxResubmits
	}
	return sj.sla.MaxTaskResubmits
}

func (sj *ServerJob) complete(slot int, result []byte, exception string) {
	sj.done[slot] = true
	sj.completed++
	sj.results[slot].Result = result
	sj.results[slot].Exception = exception
}

func (sj *ServerJob) maybeFinishLocked(out *Outcome) func() {
	if sj.result != nil {
		return noop
	}
	if sj.broadcast {
		if !sj.targetsFrozen || len(sj.targets) == 0 {
			return noop
		}
		for n := range sj.targets {
			if !sj.delivered[n] {
				return noop
			}
		}
	} else if sj.completed < sj.total {
		return noop
	}
	out.Finished = true
	return sj.finishLocked(types.JobStateComplete)
}

// finishLocked builds the result and returns the closure that notifies listeners
func (sj *ServerJob) finishLocked(state types.JobState) func() {
	sj.state = state
	sj.completedAt = time.Now()

	tasks := make([]*types.Task, len(sj.results))
	for i, r := range sj.results {
		tasks[i] = r.Clone()
	}
	res := &types.JobResult{
		JobUUID:     sj.uuid,
		Name:        sj.name,
		State:       state,
		Tasks:       tasks,
		Deliveries:  append([]string(nil), sj.deliveries...),
		CompletedAt: sj.completedAt,
	}
	sj.result = res
	listeners := sj.listeners
	sj.listeners = nil
	close(sj.doneCh)

	return func() {
		for _, fn := range listeners {
			fn(res)
		}
	}
}

func noop() {}
