package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/taskgrid/pkg/policy"
	"github.com/cuemby/taskgrid/pkg/types"
)

type record struct {
	info        types.NodeInfo
	status      types.NodeStatus
	currentJob  string
	bundler     string
	bundles     int64
	tasks       int64
	connectedAt time.Time
	lastSeen    time.Time
}

// Registry tracks the nodes connected to the driver. Callers only ever get
// copies; the dispatcher owns the authoritative per-node state machine.
type Registry struct {
	mu           sync.RWMutex
	nodes        map[string]*record
	reservations *ReservationHandler
}

// New creates an empty registry with its reservation handler
func New() *Registry {
	return &Registry{
		nodes:        make(map[string]*record),
		reservations: NewReservationHandler(),
	}
}

// Reservations returns the node reservation handler
func (r *Registry) Reservations() *ReservationHandler {
	return r.reservations
}

// Add registers a newly connected node in the idle state
func (r *Registry) Add(info types.NodeInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[info.UUID]; ok {
		return fmt.Errorf("node %s already connected", info.UUID)
	}
	now := time.Now()
	r.nodes[info.UUID] = &record{
		info:        info.Clone(),
		status:      types.NodeStatusIdle,
		connectedAt: now,
		lastSeen:    now,
	}
	return nil
}

// Remove unregisters a node. Its reservation is dropped unless keepReservation
// is set, which is the case when the node disconnects to restart for it.
func (r *Registry) Remove(uuid string, keepReservation bool) bool {
	r.mu.Lock()
	_, ok := r.nodes[uuid]
	delete(r.nodes, uuid)
	r.mu.Unlock()

	if ok && !keepReservation {
		r.reservations.Remove(uuid)
	}
	return ok
}

// Get returns a snapshot of one node
func (r *Registry) Get(uuid string) (types.NodeSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.nodes[uuid]
	if !ok {
		return types.NodeSnapshot{}, false
	}
	return r.snapshot(rec), true
}

// Info returns a copy of the node's reported information
func (r *Registry) Info(uuid string) (types.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.nodes[uuid]
	if !ok {
		return types.NodeInfo{}, false
	}
	return rec.info.Clone(), true
}

// List returns snapshots of every node, sorted by UUID
func (r *Registry) List() []types.NodeSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.NodeSnapshot, 0, len(r.nodes))
	for _, rec := range r.nodes {
		out = append(out, r.snapshot(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.UUID < out[j].Info.UUID })
	return out
}

// Len returns the number of connected nodes
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// UpdateInfo refreshes a node's capacity and properties from a system-info report
func (r *Registry) UpdateInfo(info types.NodeInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.nodes[info.UUID]
	if !ok {
		return fmt.Errorf("failed to update node %s: %w", info.UUID, types.ErrNodeNotFound)
	}
	rec.info = info.Clone()
	rec.lastSeen = time.Now()
	return nil
}

// SetStatus records the dispatch status of a node and the job it is working on
func (r *Registry) SetStatus(uuid string, status types.NodeStatus, jobUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.nodes[uuid]; ok {
		rec.status = status
		rec.currentJob = jobUUID
		rec.lastSeen = time.Now()
	}
}

// SetBundler records the name of the node's load-balancing algorithm
func (r *Registry) SetBundler(uuid, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.nodes[uuid]; ok {
		rec.bundler = name
	}
}

// RecordExecution counts a bundle returned by a node
func (r *Registry) RecordExecution(uuid string, tasks int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.nodes[uuid]; ok {
		rec.bundles++
		rec.tasks += int64(tasks)
		rec.lastSeen = time.Now()
	}
}

// Eligible returns the UUIDs of connected nodes accepted by the policy, sorted
func (r *Registry) Eligible(p *policy.Policy) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for uuid, rec := range r.nodes {
		if rec.status == types.NodeStatusFailed {
			continue
		}
		if p.Accepts(rec.info.Properties) {
			out = append(out, uuid)
		}
	}
	sort.Strings(out)
	return out
}

// Caller must hold at least the read lock.
func (r *Registry) snapshot(rec *record) types.NodeSnapshot {
	state, jobUUID := r.reservations.State(rec.info.UUID)
	return types.NodeSnapshot{
		Info:            rec.info.Clone(),
		Status:          rec.status,
		Reservation:     state,
		ReservedJob:     jobUUID,
		CurrentJob:      rec.currentJob,
		Bundler:         rec.bundler,
		BundlesExecuted: rec.bundles,
		TasksExecuted:   rec.tasks,
		ConnectedAt:     rec.connectedAt,
		LastSeen:        rec.lastSeen,
	}
}
