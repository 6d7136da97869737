package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/taskgrid/pkg/bundler"
	"github.com/cuemby/taskgrid/pkg/client"
	"github.com/cuemby/taskgrid/pkg/log"
	"github.com/cuemby/taskgrid/pkg/metrics"
	"github.com/cuemby/taskgrid/pkg/storage"
	"github.com/cuemby/taskgrid/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// ErrNotLeader is returned when a write reaches a standby driver
var ErrNotLeader = errors.New("not the history leader")

// Config holds configuration for opening the history
type Config struct {
	NodeID    string
	DataDir   string
	BindAddr  string // Raft address; empty keeps the history local to this driver
	Retention int    // Finished jobs kept, 0 = unlimited
}

// History records finished jobs, node sightings and load-balancer settings.
// With a bind address the records are replicated across drivers with Raft;
// otherwise they are written straight to the local store.
type History struct {
	cfg Config

	raft  *raft.Raft
	fsm   *FSM
	store storage.Store

	closers []func() error
	stopCh  chan struct{}
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// Open creates the data directory and the store
func Open(cfg Config) (*History, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	return &History{
		cfg:    cfg,
		fsm:    NewFSM(store),
		store:  store,
		stopCh: make(chan struct{}),
		logger: log.WithComponent("history"),
	}, nil
}

// Replicated reports whether the history runs on Raft
func (h *History) Replicated() bool {
	return h.cfg.BindAddr != ""
}

// Bootstrap initializes a new single-member Raft cluster. Local histories
// need no bootstrap.
func (h *History) Bootstrap() error {
	if !h.Replicated() {
		return nil
	}
	transport, err := h.startRaft()
	if err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(h.cfg.NodeID),
				Address: transport.LocalAddr(),
			},
		},
	}
	if err := h.raft.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	h.logger.Info().Str("node_id", h.cfg.NodeID).Str("addr", string(transport.LocalAddr())).Msg("History cluster bootstrapped")
	return nil
}

// Join starts Raft without bootstrapping and asks the driver at leaderAddr to
// add this driver as a voter.
func (h *History) Join(ctx context.Context, leaderAddr string) error {
	if !h.Replicated() {
		return fmt.Errorf("failed to join history cluster: no raft bind address configured")
	}
	transport, err := h.startRaft()
	if err != nil {
		return err
	}

	h.logger.Info().Str("leader", leaderAddr).Msg("Joining history cluster")
	c, err := client.NewClient(leaderAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to leader: %w", err)
	}
	defer c.Close()

	if err := c.JoinCluster(ctx, h.cfg.NodeID, string(transport.LocalAddr())); err != nil {
		return fmt.Errorf("failed to join cluster via RPC: %w", err)
	}
	h.logger.Info().Msg("Joined history cluster")
	return nil
}

func (h *History) startRaft() (raft.Transport, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(h.cfg.NodeID)
	config.LogLevel = "WARN"

	// Tuned for LAN failover of standby drivers
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", h.cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}
	var advertise net.Addr = addr
	if addr.Port == 0 {
		advertise = nil
	}

	transport, err := raft.NewTCPTransport(h.cfg.BindAddr, advertise, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(h.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(h.cfg.DataDir, "raft-log.db"))
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(h.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, h.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		stableStore.Close()
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	h.raft = r
	h.closers = append(h.closers, transport.Close, logStore.Close, stableStore.Close)
	return transport, nil
}

// Start launches the metrics loop
func (h *History) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		h.collect()
		for {
			select {
			case <-ticker.C:
				h.collect()
			case <-h.stopCh:
				return
			}
		}
	}()
}

func (h *History) collect() {
	if h.IsLeader() {
		metrics.HistoryLeader.Set(1)
	} else {
		metrics.HistoryLeader.Set(0)
	}
	if h.raft != nil {
		metrics.HistoryAppliedIndex.Set(float64(h.raft.AppliedIndex()))
	}
}

// WaitLeader blocks until some member leads the cluster
func (h *History) WaitLeader(ctx context.Context) error {
	if h.raft == nil {
		return nil
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if addr, _ := h.raft.LeaderWithID(); addr != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to elect a history leader: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// AddVoter adds a standby driver to the Raft cluster
func (h *History) AddVoter(nodeID, address string) error {
	if h.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !h.IsLeader() {
		return fmt.Errorf("%w, current leader: %s", ErrNotLeader, h.LeaderAddr())
	}

	h.logger.Info().Str("node_id", nodeID).Str("addr", address).Msg("Adding voter")
	if err := h.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a driver from the Raft cluster
func (h *History) RemoveServer(nodeID string) error {
	if h.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !h.IsLeader() {
		return ErrNotLeader
	}
	if err := h.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return nil
}

// Servers returns the members of the Raft cluster
func (h *History) Servers() ([]raft.Server, error) {
	if h.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	future := h.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this driver may write the history. A local
// history is always writable.
func (h *History) IsLeader() bool {
	if !h.Replicated() {
		return true
	}
	return h.raft != nil && h.raft.State() == raft.Leader
}

// LeaderAddr returns the Raft address of the current leader
func (h *History) LeaderAddr() string {
	if h.raft == nil {
		return ""
	}
	addr, _ := h.raft.LeaderWithID()
	return string(addr)
}

// Apply commits a command, through Raft when replicated
func (h *History) Apply(cmd Command) error {
	if !h.Replicated() {
		h.fsm.mu.Lock()
		defer h.fsm.mu.Unlock()
		return h.fsm.apply(cmd)
	}
	if h.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if h.raft.State() != raft.Leader {
		return ErrNotLeader
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	future := h.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

func (h *History) applyValue(op string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.Apply(Command{Op: op, Data: data})
}

// RecordJob stores a finished job and prunes the oldest records past the
// retention limit.
func (h *History) RecordJob(rec *types.JobRecord) error {
	if err := h.applyValue(OpPutJob, rec); err != nil {
		return fmt.Errorf("failed to record job %s: %w", rec.Status.UUID, err)
	}
	if h.cfg.Retention <= 0 {
		return nil
	}
	jobs, err := h.store.ListJobs()
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	for i := h.cfg.Retention; i < len(jobs); i++ {
		if err := h.applyValue(OpDeleteJob, jobs[i].Status.UUID); err != nil {
			return fmt.Errorf("failed to prune job %s: %w", jobs[i].Status.UUID, err)
		}
	}
	return nil
}

// RecordNode stores a node session, keeping the first connection time and
// accumulating executed tasks across sessions.
func (h *History) RecordNode(rec *types.NodeRecord) error {
	if prev, err := h.store.GetNode(rec.UUID); err == nil {
		if !prev.FirstConnected.IsZero() && (rec.FirstConnected.IsZero() || prev.FirstConnected.Before(rec.FirstConnected)) {
			rec.FirstConnected = prev.FirstConnected
		}
		rec.TasksExecuted += prev.TasksExecuted
	}
	if err := h.applyValue(OpPutNode, rec); err != nil {
		return fmt.Errorf("failed to record node %s: %w", rec.UUID, err)
	}
	return nil
}

// SaveLoadBalancer stores the load-balancer settings applied last
func (h *History) SaveLoadBalancer(s bundler.Settings) error {
	if err := h.applyValue(OpPutLoadBalancer, s); err != nil {
		return fmt.Errorf("failed to save load balancer settings: %w", err)
	}
	return nil
}

// Job returns a finished job's record
func (h *History) Job(uuid string) (*types.JobRecord, error) {
	return h.store.GetJob(uuid)
}

// Jobs returns finished job records, most recent first
func (h *History) Jobs() ([]*types.JobRecord, error) {
	return h.store.ListJobs()
}

// Node returns a node's record
func (h *History) Node(uuid string) (*types.NodeRecord, error) {
	return h.store.GetNode(uuid)
}

// Nodes returns every node record
func (h *History) Nodes() ([]*types.NodeRecord, error) {
	return h.store.ListNodes()
}

// LoadBalancer returns the saved load-balancer settings, nil when none
func (h *History) LoadBalancer() (*bundler.Settings, error) {
	return h.store.GetLoadBalancer()
}

// Shutdown stops Raft and closes the stores
func (h *History) Shutdown() error {
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
	h.wg.Wait()

	if h.raft != nil {
		if err := h.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	for _, closeFn := range h.closers {
		if err := closeFn(); err != nil {
			h.logger.Warn().Err(err).Msg("Failed to close raft resource")
		}
	}
	if err := h.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}
