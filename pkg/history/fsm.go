package history

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/taskgrid/pkg/bundler"
	"github.com/cuemby/taskgrid/pkg/storage"
	"github.com/cuemby/taskgrid/pkg/types"
	"github.com/hashicorp/raft"
)

// Command ops
const (
	OpPutJob          = "put_job"
	OpDeleteJob       = "delete_job"
	OpPutNode         = "put_node"
	OpPutLoadBalancer = "put_load_balancer"
)

// Command represents a history change in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// FSM applies committed history commands to the local store
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM creates a new FSM instance
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Apply applies a Raft log entry to the store
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.apply(cmd)
}

// Caller must hold the write lock.
func (f *FSM) apply(cmd Command) error {
	switch cmd.Op {
	case OpPutJob:
		var rec types.JobRecord
		if err := json.Unmarshal(cmd.Data, &rec); err != nil {
			return err
		}
		return f.store.PutJob(&rec)

	case OpDeleteJob:
		var uuid string
		if err := json.Unmarshal(cmd.Data, &uuid); err != nil {
			return err
		}
		return f.store.DeleteJob(uuid)

	case OpPutNode:
		var rec types.NodeRecord
		if err := json.Unmarshal(cmd.Data, &rec); err != nil {
			return err
		}
		return f.store.PutNode(&rec)

	case OpPutLoadBalancer:
		var s bundler.Settings
		if err := json.Unmarshal(cmd.Data, &s); err != nil {
			return err
		}
		return f.store.PutLoadBalancer(s)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures every record for log compaction
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	jobs, err := f.store.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	lb, err := f.store.GetLoadBalancer()
	if err != nil {
		return nil, fmt.Errorf("failed to read load balancer settings: %w", err)
	}

	return &Snapshot{Jobs: jobs, Nodes: nodes, LoadBalancer: lb}, nil
}

// Restore replaces the store contents with a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, rec := range snap.Jobs {
		if err := f.store.PutJob(rec); err != nil {
			return fmt.Errorf("failed to restore job: %w", err)
		}
	}
	for _, rec := range snap.Nodes {
		if err := f.store.PutNode(rec); err != nil {
			return fmt.Errorf("failed to restore node: %w", err)
		}
	}
	if snap.LoadBalancer != nil {
		if err := f.store.PutLoadBalancer(*snap.LoadBalancer); err != nil {
			return fmt.Errorf("failed to restore load balancer settings: %w", err)
		}
	}
	return nil
}

// Snapshot is a point-in-time copy of the history
type Snapshot struct {
	Jobs         []*types.JobRecord
	Nodes        []*types.NodeRecord
	LoadBalancer *bundler.Settings
}

// Persist writes the snapshot to the given SnapshotSink
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources
func (s *Snapshot) Release() {}
