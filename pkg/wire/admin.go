package wire

import (
	"github.com/cuemby/taskgrid/pkg/bundler"
	"github.com/cuemby/taskgrid/pkg/events"
	"github.com/cuemby/taskgrid/pkg/types"
)

// SubmitRequest carries a job to the driver
type SubmitRequest struct {
	Job *types.Job `json:"job"`
}

// SubmitEvent is one message of the submit stream: first the acceptance,
// then the final result.
type SubmitEvent struct {
	Accepted bool             `json:"accepted,omitempty"`
	JobUUID  string           `json:"job_uuid"`
	Result   *types.JobResult `json:"result,omitempty"`
}

// JobRequest addresses a job by UUID
type JobRequest struct {
	UUID string `json:"uuid"`
}

// PriorityRequest changes a job's priority
type PriorityRequest struct {
	UUID     string `json:"uuid"`
	Priority int    `json:"priority"`
}

// MaxNodesRequest changes a job's node limit
type MaxNodesRequest struct {
	UUID     string `json:"uuid"`
	MaxNodes int    `json:"max_nodes"`
}

// Ack reports whether an admin operation found its target
type Ack struct {
	OK bool `json:"ok"`
}

// Empty is the request of parameterless calls
type Empty struct{}

// JobList lists job statuses
type JobList struct {
	Jobs []types.JobStatus `json:"jobs"`
}

// NodeList lists connected nodes
type NodeList struct {
	Nodes []types.NodeSnapshot `json:"nodes"`
}

// LoadBalancerSettings carries bundler settings
type LoadBalancerSettings struct {
	Settings bundler.Settings `json:"settings"`
}

// JoinRequest asks the history cluster leader to add a standby driver
type JoinRequest struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

// WatchRequest opens an event feed; no types means every event
type WatchRequest struct {
	Types []events.EventType `json:"types,omitempty"`
}
