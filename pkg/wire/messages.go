package wire

import (
	"sort"
	"time"

	"github.com/cuemby/taskgrid/pkg/types"
)

// Message is one of Hello, BundleMessage, ResultMessage or Control
type Message interface {
	kind() protoNumber
}

// Hello announces a node to the driver. It is also carried in results as a
// system-info refresh.
type Hello struct {
	NodeUUID     string
	Host         string
	Threads      int
	Properties   map[string]string
	ReservedJob  string
	ReservedUUID string
}

// NodeInfo converts the message into the registry representation; reservation
// fields become the reserved.* properties.
func (h *Hello) NodeInfo() types.NodeInfo {
	props := make(map[string]string, len(h.Properties)+2)
	for k, v := range h.Properties {
		props[k] = v
	}
	if h.ReservedJob != "" {
		props[types.PropReservedJob] = h.ReservedJob
		props[types.PropReservedUUID] = h.ReservedUUID
	}
	return types.NodeInfo{
		UUID:       h.NodeUUID,
		Host:       h.Host,
		Threads:    h.Threads,
		Properties: props,
	}
}

// Bundle flags
const (
	FlagBroadcast uint64 = 1 << iota
)

// TaskPayload is a task as sent to a node
type TaskPayload struct {
	Position int
	Payload  []byte
	Timeout  *types.Schedule
}

// BundleMessage carries a slice of a job to a node
type BundleMessage struct {
	JobUUID      string
	JobName      string
	Priority     int
	Flags        uint64
	BundleID     int64
	DataProvider []byte
	Tasks        []TaskPayload
}

// TaskResult is a task as returned by a node
type TaskResult struct {
	Position  int
	Result    []byte
	Exception string
}

// ResultMessage returns a bundle's outcome to the driver
type ResultMessage struct {
	JobUUID       string
	BundleID      int64
	Requeue       bool
	NodeException string // Set when the node failed internally instead of running the tasks
	Tasks         []TaskResult
	SystemInfo    *Hello
	Elapsed       time.Duration // Node-side execution time, informational
}

// ReturnedTasks converts returned results into task values keyed by position
func (r *ResultMessage) ReturnedTasks() []*types.Task {
	out := make([]*types.Task, len(r.Tasks))
	for i, t := range r.Tasks {
		out[i] = &types.Task{Position: t.Position, Result: t.Result, Exception: t.Exception}
	}
	return out
}

// ControlKind identifies a driver to node command
type ControlKind int

const (
	ControlReconfigure ControlKind = 1
	ControlShutdown    ControlKind = 2
)

// Control is a command from the driver to a node
type Control struct {
	Kind       ControlKind
	Properties map[string]string
	Restart    bool
}

func (*Hello) kind() protoNumber         { return fieldHello }
func (*BundleMessage) kind() protoNumber { return fieldBundle }
func (*ResultMessage) kind() protoNumber { return fieldResult }
func (*Control) kind() protoNumber       { return fieldControl }

// sortedKeys keeps encoded property maps deterministic
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
