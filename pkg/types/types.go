package types

import (
	"time"

	"github.com/cuemby/taskgrid/pkg/policy"
	"github.com/google/uuid"
)

// Task is the smallest schedulable unit of work inside a job
type Task struct {
	Position      int    // Stable ordering index within the job
	Payload       []byte // Opaque, interpreted by the node's runner
	Result        []byte
	Exception     string // Non-empty when the task code failed on the node
	ResubmitCount int
	MaxResubmits  int // Per-task override of SLA.MaxTaskResubmits (-1 = use SLA)
	// Timeout bounds one execution on the node. A delay counts from the
	// moment the node starts the task.
	Timeout *Schedule
}

// Failed reports whether the node returned an exception for this task
func (t *Task) Failed() bool {
	return t.Exception != ""
}

// Clone returns a deep copy of the task
func (t *Task) Clone() *Task {
	c := *t
	c.Payload = cloneBytes(t.Payload)
	c.Result = cloneBytes(t.Result)
	if t.Timeout != nil {
		to := *t.Timeout
		c.Timeout = &to
	}
	return &c
}

// Job is a client submission: ordered tasks plus an SLA
type Job struct {
	UUID         string
	Name         string
	Tasks        []*Task
	DataProvider []byte // Shared data sent along with every bundle
	SLA          *SLA
	Metadata     map[string]string
	SubmittedAt  time.Time
}

// NewJob creates a job with one task per payload, positions assigned in order
func NewJob(name string, payloads ...[]byte) *Job {
	tasks := make([]*Task, len(payloads))
	for i, p := range payloads {
		tasks[i] = &Task{Position: i, Payload: p, MaxResubmits: -1}
	}
	return &Job{
		UUID:  uuid.New().String(),
		Name:  name,
		Tasks: tasks,
		SLA:   DefaultSLA(),
	}
}

// SLA holds the job-level execution constraints
type SLA struct {
	Priority                       int
	MaxNodes                       int // <= 0 means unlimited
	Suspended                      bool
	ExecutionPolicy                *policy.Policy
	JobSchedule                    *Schedule
	ExpirationSchedule             *Schedule
	BroadcastJob                   bool
	CancelUponClientDisconnect     bool
	ApplyMaxResubmitsUponNodeError bool
	MaxTaskResubmits               int
	DesiredNodeConfiguration       *NodeConfigSpec
}

// DefaultSLA returns the SLA applied to jobs submitted without one
func DefaultSLA() *SLA {
	return &SLA{
		CancelUponClientDisconnect: true,
		MaxTaskResubmits:           1,
	}
}

// Copy returns a shallow copy; policy and schedules are treated as immutable
func (s *SLA) Copy() *SLA {
	if s == nil {
		return DefaultSLA()
	}
	c := *s
	return &c
}

// EffectiveMaxNodes converts the "unlimited" encoding into a usable bound
func (s *SLA) EffectiveMaxNodes() int {
	if s.MaxNodes <= 0 {
		return int(^uint(0) >> 1)
	}
	return s.MaxNodes
}

// Schedule is either an absolute date or a delay relative to submission
type Schedule struct {
	Date  time.Time
	Delay time.Duration
}

// Deadline resolves the schedule against a start time: the job's
// submission for SLA schedules, the task's start for task timeouts
func (s *Schedule) Deadline(submitted time.Time) time.Time {
	if !s.Date.IsZero() {
		return s.Date
	}
	return submitted.Add(s.Delay)
}

// NodeConfigSpec describes the node configuration a job needs; it triggers a reservation
type NodeConfigSpec struct {
	Configuration map[string]string
	ForceRestart  bool
}

// MatchedBy reports whether the node properties already carry the desired configuration
func (c *NodeConfigSpec) MatchedBy(props map[string]string) bool {
	for k, v := range c.Configuration {
		if props[k] != v {
			return false
		}
	}
	return true
}

// Node property keys set on a node restarted for a reservation
const (
	PropReservedJob  = "taskgrid.reserved.job"
	PropReservedUUID = "taskgrid.reserved.uuid"
)

// NodeInfo is the capacity and system information reported by a node
type NodeInfo struct {
	UUID       string
	Host       string
	Threads    int // Processing threads available on the node
	Properties map[string]string
}

// Clone returns a copy safe to hand out of a registry
func (n NodeInfo) Clone() NodeInfo {
	c := n
	if n.Properties != nil {
		c.Properties = make(map[string]string, len(n.Properties))
		for k, v := range n.Properties {
			c.Properties[k] = v
		}
	}
	return c
}

// NodeStatus is the state of a node's dispatch channel
type NodeStatus string

const (
	NodeStatusIdle           NodeStatus = "idle"
	NodeStatusSending        NodeStatus = "sending"
	NodeStatusWaitingResults NodeStatus = "waiting_results"
	NodeStatusFailed         NodeStatus = "failed"
)

// ReservationState tracks whether a node is bound to a job
type ReservationState string

const (
	ReservationNone    ReservationState = "none"
	ReservationPending ReservationState = "pending"
	ReservationReady   ReservationState = "ready"
)

// JobState is the lifecycle state of a job as seen by the driver
type JobState string

const (
	JobStateScheduled JobState = "scheduled" // Waiting for its start schedule
	JobStateQueued    JobState = "queued"
	JobStateExecuting JobState = "executing"
	JobStateSuspended JobState = "suspended"
	JobStateComplete  JobState = "complete"
	JobStateCancelled JobState = "cancelled"
	JobStateExpired   JobState = "expired"
)

// Finished reports whether the state is terminal
func (s JobState) Finished() bool {
	return s == JobStateComplete || s == JobStateCancelled || s == JobStateExpired
}

// JobResult is delivered to the submitter once a job leaves the queue
type JobResult struct {
	JobUUID     string
	Name        string
	State       JobState
	Tasks       []*Task  // Same length and order as submitted
	Deliveries  []string // Broadcast jobs: nodes that executed the job
	CompletedAt time.Time
}

// JobStatus is a read-only snapshot of a job
type JobStatus struct {
	UUID           string
	Name           string
	State          JobState
	Priority       int
	MaxNodes       int
	Broadcast      bool
	TotalTasks     int
	PendingTasks   int
	InFlightTasks  int
	CompletedTasks int
	InFlightNodes  int
	SubmittedAt    time.Time
	CompletedAt    time.Time

	// Nodes a broadcast job must run on, once frozen
	BroadcastTargets []string `json:",omitempty"`
	// Nodes reserved or being reconfigured for the job
	ReservedNodes []string `json:",omitempty"`
}

// NodeSnapshot is a read-only view of a connected node
type NodeSnapshot struct {
	Info            NodeInfo
	Status          NodeStatus
	Reservation     ReservationState
	ReservedJob     string
	CurrentJob      string
	Bundler         string
	BundlesExecuted int64
	TasksExecuted   int64
	ConnectedAt     time.Time
	LastSeen        time.Time
}

// NodeRecord is the persisted trace of a node that connected to the driver
type NodeRecord struct {
	UUID           string
	Host           string
	Threads        int
	FirstConnected time.Time
	LastSeen       time.Time
	TasksExecuted  int64
}

// JobRecord is the persisted summary of a finished job
type JobRecord struct {
	Status JobStatus
	Failed int // Tasks returned with an exception
	Nil    int // Tasks completed without result (expired, cancelled, resubmits exhausted)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
