package registry

import (
	"sort"
	"sync"

	"github.com/cuemby/taskgrid/pkg/log"
	"github.com/cuemby/taskgrid/pkg/types"
	"github.com/rs/zerolog"
)

// ReservationHandler binds nodes to jobs that need a specific node
// configuration. A node is pending while it restarts with the desired
// configuration, then ready once it reconnects carrying the reservation.
type ReservationHandler struct {
	mu         sync.Mutex
	pending    map[string]string // node -> job
	ready      map[string]string // node -> job
	jobPending map[string]map[string]bool
	jobReady   map[string]map[string]bool
	logger     zerolog.Logger
}

// NewReservationHandler creates an empty handler
func NewReservationHandler() *ReservationHandler {
	return &ReservationHandler{
		pending:    make(map[string]string),
		ready:      make(map[string]string),
		jobPending: make(map[string]map[string]bool),
		jobReady:   make(map[string]map[string]bool),
		logger:     log.WithComponent("reservations"),
	}
}

// Reserve marks the node as pending for the job
func (h *ReservationHandler) Reserve(jobUUID, nodeUUID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.logger.Debug().Str("job_id", jobUUID).Str("node_id", nodeUUID).Msg("Reserving node")
	h.pending[nodeUUID] = jobUUID
	putValue(h.jobPending, jobUUID, nodeUUID)
}

// Remove drops any reservation held by the node
func (h *ReservationHandler) Remove(nodeUUID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if jobUUID, ok := h.pending[nodeUUID]; ok {
		delete(h.pending, nodeUUID)
		removeValue(h.jobPending, jobUUID, nodeUUID)
	}
	if jobUUID, ok := h.ready[nodeUUID]; ok {
		delete(h.ready, nodeUUID)
		removeValue(h.jobReady, jobUUID, nodeUUID)
	}
}

// OnJobFinished releases every node reserved for the job. It returns the
// released node UUIDs so the dispatcher can wake them.
func (h *ReservationHandler) OnJobFinished(jobUUID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var released []string
	for node := range h.jobPending[jobUUID] {
		delete(h.pending, node)
		released = append(released, node)
	}
	delete(h.jobPending, jobUUID)
	for node := range h.jobReady[jobUUID] {
		delete(h.ready, node)
		released = append(released, node)
	}
	delete(h.jobReady, jobUUID)
	if len(released) > 0 {
		h.logger.Debug().Str("job_id", jobUUID).Int("nodes", len(released)).Msg("Reservations released")
	}
	sort.Strings(released)
	return released
}

// PendingJob returns the job a node is being reconfigured for
func (h *ReservationHandler) PendingJob(nodeUUID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	j, ok := h.pending[nodeUUID]
	return j, ok
}

// ReadyJob returns the job a node is reserved for
func (h *ReservationHandler) ReadyJob(nodeUUID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	j, ok := h.ready[nodeUUID]
	return j, ok
}

// Nodes returns the nodes pending or ready for the job, sorted
func (h *ReservationHandler) Nodes(jobUUID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := make(map[string]bool, len(h.jobPending[jobUUID])+len(h.jobReady[jobUUID]))
	for n := range h.jobPending[jobUUID] {
		set[n] = true
	}
	for n := range h.jobReady[jobUUID] {
		set[n] = true
	}
	return keys(set)
}

// ReservedCount returns the number of nodes pending or ready for the job
func (h *ReservationHandler) ReservedCount(jobUUID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobPending[jobUUID]) + len(h.jobReady[jobUUID])
}

// Transition moves a pending reservation to ready when a node (re)connects
// carrying the reserved job and its previous UUID in its properties. It
// reports whether the node is now ready for a job.
func (h *ReservationHandler) Transition(info types.NodeInfo) bool {
	jobUUID := info.Properties[types.PropReservedJob]
	if jobUUID == "" {
		return false
	}
	oldUUID := info.Properties[types.PropReservedUUID]

	h.mu.Lock()
	defer h.mu.Unlock()

	pendingJob, ok := h.pending[oldUUID]
	if !ok || pendingJob != jobUUID {
		return false
	}
	delete(h.pending, oldUUID)
	removeValue(h.jobPending, jobUUID, oldUUID)
	h.ready[info.UUID] = jobUUID
	putValue(h.jobReady, jobUUID, info.UUID)

	h.logger.Debug().
		Str("job_id", jobUUID).
		Str("node_id", info.UUID).
		Str("previous_node_id", oldUUID).
		Msg("Reservation ready")
	return true
}

// State returns the reservation state of a node and the job it is bound to
func (h *ReservationHandler) State(nodeUUID string) (types.ReservationState, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if j, ok := h.ready[nodeUUID]; ok {
		return types.ReservationReady, j
	}
	if j, ok := h.pending[nodeUUID]; ok {
		return types.ReservationPending, j
	}
	return types.ReservationNone, ""
}

func putValue(m map[string]map[string]bool, key, value string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]bool)
		m[key] = set
	}
	set[value] = true
}

func removeValue(m map[string]map[string]bool, key, value string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, value)
	if len(set) == 0 {
		delete(m, key)
	}
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
