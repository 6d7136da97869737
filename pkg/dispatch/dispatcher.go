package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/taskgrid/pkg/bundler"
	"github.com/cuemby/taskgrid/pkg/events"
	"github.com/cuemby/taskgrid/pkg/job"
	"github.com/cuemby/taskgrid/pkg/log"
	"github.com/cuemby/taskgrid/pkg/metrics"
	"github.com/cuemby/taskgrid/pkg/queue"
	"github.com/cuemby/taskgrid/pkg/registry"
	"github.com/cuemby/taskgrid/pkg/timer"
	"github.com/cuemby/taskgrid/pkg/types"
	"github.com/cuemby/taskgrid/pkg/wire"
	"github.com/rs/zerolog"
)

// Conn is the driver side of a node connection. Send must not block: the
// transport queues the frame and calls done once it was written or failed.
// Close tears the connection down; the transport then reports the
// disconnection through Dispatcher.Disconnect.
type Conn interface {
	Send(f *wire.Frame, done func(error)) error
	Close(err error)
}

// Config tunes the dispatcher
type Config struct {
	Shards             int           // Reactor goroutines, 0 = number of CPUs
	Workers            int           // Worker pool goroutines, 0 = number of CPUs
	WorkerQueue        int           // Worker pool queue length
	ReservationTimeout time.Duration // How long a reservation survives its node's restart
}

// DefaultConfig returns the dispatcher defaults
func DefaultConfig() Config {
	return Config{
		WorkerQueue:        1024,
		ReservationTimeout: 30 * time.Second,
	}
}

// NodeContext is the dispatcher's state for one connected node. It is only
// touched from the node's reactor shard.
type NodeContext struct {
	uuid       string
	info       types.NodeInfo
	state      State
	conn       Conn
	job        *job.ServerJob
	bundle     *job.Bundle
	folding    bool
	bundler    bundler.Bundler
	generation uint64
	closed     bool
	logger     zerolog.Logger
}

// Dispatcher hands bundles to idle nodes and folds their results back into
// jobs.
type Dispatcher struct {
	cfg      Config
	queue    *queue.Queue
	registry *registry.Registry
	timers   *timer.Scheduler
	broker   *events.Broker
	provider atomic.Pointer[bundler.Provider]
	reactor  *Reactor
	pool     *WorkerPool

	mu    sync.RWMutex
	nodes map[string]*NodeContext

	wakeCh   <-chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// New creates a dispatcher over the queue and registry using the given
// load-balancing provider.
func New(cfg Config, q *queue.Queue, reg *registry.Registry, timers *timer.Scheduler, broker *events.Broker, provider *bundler.Provider) *Dispatcher {
	if cfg.ReservationTimeout <= 0 {
		cfg.ReservationTimeout = DefaultConfig().ReservationTimeout
	}
	d := &Dispatcher{
		cfg:      cfg,
		queue:    q,
		registry: reg,
		timers:   timers,
		broker:   broker,
		reactor:  NewReactor(cfg.Shards),
		pool:     NewWorkerPool(cfg.Workers, cfg.WorkerQueue),
		nodes:    make(map[string]*NodeContext),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("dispatcher"),
	}
	d.provider.Store(provider)
	return d
}

// Start launches the reactor, the worker pool and the wakeup loop
func (d *Dispatcher) Start() {
	d.reactor.Start()
	d.pool.Start()
	d.wakeCh = d.queue.Subscribe()

	d.wg.Add(1)
	go d.wakeLoop()

	d.logger.Info().
		Int("shards", d.reactor.Shards()).
		Str("bundler", d.Provider().Settings().Algorithm).
		Msg("Dispatcher started")
}

// Stop ends dispatching. Connections are left to the transport.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.queue.Unsubscribe(d.wakeCh)
		d.wg.Wait()
		d.pool.Stop()
		d.reactor.Stop()
		d.logger.Info().Msg("Dispatcher stopped")
	})
}

// Provider returns the current load-balancing provider
func (d *Dispatcher) Provider() *bundler.Provider {
	return d.provider.Load()
}

// SetProvider swaps the load-balancing provider. Each node switches to a
// bundler of the new provider at its next idle transition.
func (d *Dispatcher) SetProvider(p *bundler.Provider) {
	d.provider.Store(p)
	d.queue.Notify()
}

// Connect registers a node that completed its handshake and makes it
// available for dispatch.
func (d *Dispatcher) Connect(hello *wire.Hello, conn Conn) error {
	info := hello.NodeInfo()
	if err := d.registry.Add(info); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}
	if hello.ReservedUUID != "" {
		d.timers.Cancel(reservationKey(hello.ReservedUUID))
	}
	ready := d.registry.Reservations().Transition(info)

	nc := &NodeContext{
		uuid:   info.UUID,
		info:   info,
		state:  StateIdle,
		conn:   conn,
		logger: log.WithNodeID(info.UUID),
	}
	d.mu.Lock()
	d.nodes[info.UUID] = nc
	d.mu.Unlock()

	d.logger.Info().
		Str("node_id", info.UUID).
		Str("host", info.Host).
		Int("threads", info.Threads).
		Bool("reserved", ready).
		Msg("Node connected")
	d.publish(events.EventNodeConnected, "", info.UUID, info.Host)

	d.post(nc, func() { d.tryDispatch(nc) })
	return nil
}

// Receive decodes a frame read from the node's connection and queues it on
// the node's shard.
func (d *Dispatcher) Receive(nodeUUID string, f *wire.Frame) {
	nc, ok := d.node(nodeUUID)
	if !ok {
		return
	}
	msg, err := wire.Decode(f)
	d.post(nc, func() {
		if err != nil {
			metrics.ProtocolErrors.Inc()
			d.fail(nc, err)
			return
		}
		d.handle(nc, msg)
	})
}

// Disconnect reports that the node's connection is gone. An in-flight bundle
// is resubmitted; a pending reservation survives until the node reconnects
// or the reservation times out.
func (d *Dispatcher) Disconnect(nodeUUID string, cause error) {
	nc, ok := d.node(nodeUUID)
	if !ok {
		return
	}
	d.post(nc, func() { d.close(nc, cause) })
}

// ShutdownNode asks a node to end its session
func (d *Dispatcher) ShutdownNode(nodeUUID string) error {
	nc, ok := d.node(nodeUUID)
	if !ok {
		return fmt.Errorf("failed to shut down node %s: %w", nodeUUID, types.ErrNodeNotFound)
	}
	d.post(nc, func() { d.sendControl(nc, &wire.Control{Kind: wire.ControlShutdown}) })
	return nil
}

// WakeNodes revisits the given nodes, typically released from a reservation
func (d *Dispatcher) WakeNodes(uuids []string) {
	for _, uuid := range uuids {
		if nc, ok := d.node(uuid); ok {
			d.post(nc, func() { d.tryDispatch(nc) })
		}
	}
}

// Nodes returns the UUIDs of connected nodes, sorted
func (d *Dispatcher) Nodes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.nodes))
	for uuid := range d.nodes {
		out = append(out, uuid)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) node(uuid string) (*NodeContext, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	nc, ok := d.nodes[uuid]
	return nc, ok
}

func (d *Dispatcher) post(nc *NodeContext, fn func()) {
	d.reactor.Post(nc.uuid, fn)
}

// wakeLoop revisits every node when the queue changes
func (d *Dispatcher) wakeLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case _, ok := <-d.wakeCh:
			if !ok {
				return
			}
			d.mu.RLock()
			for _, nc := range d.nodes {
				d.post(nc, func() { d.tryDispatch(nc) })
			}
			d.mu.RUnlock()
		}
	}
}

// tryDispatch runs on the node's shard. An idle node asks the queue for the
// best eligible job, sizes a bundle with its bundler and hands encoding to
// the worker pool.
func (d *Dispatcher) tryDispatch(nc *NodeContext) {
	if nc.closed || nc.state != StateIdle {
		return
	}
	reservations := d.registry.Reservations()
	if _, pending := reservations.PendingJob(nc.info.UUID); pending {
		return
	}
	provider := d.refreshBundler(nc)

	criteria := queue.Criteria{Node: nc.info}
	if jobUUID, ok := reservations.ReadyJob(nc.info.UUID); ok {
		criteria.ReservedFor = jobUUID
	}
	// Another node may take the last tasks between peek and take
	var (
		sj *job.ServerJob
		b  *job.Bundle
	)
	for attempt := 0; attempt < 3 && b == nil; attempt++ {
		sj = d.queue.PeekNext(criteria)
		if sj == nil {
			if criteria.ReservedFor == "" {
				d.tryReserve(nc)
			}
			return
		}
		provider.SetMaxSize(d.queue.MaxPendingTasks())
		size := bundler.Clamp(nc.bundler.NextSize(), sj.PendingTasks())
		b = d.queue.TakeSlice(sj, nc.info, size)
	}
	if b == nil {
		return
	}

	next, err := Transition(nc.state, EvDispatch)
	if err != nil {
		d.logger.Error().Err(err).Str("node_id", nc.info.UUID).Msg("Dispatch in unexpected state")
		sj.Resubmit(b)
		return
	}
	nc.state = next
	nc.job = sj
	nc.bundle = b
	d.registry.SetStatus(nc.info.UUID, nc.state.NodeStatus(), sj.UUID())

	msg := bundleMessage(sj, b)
	d.pool.Submit(func() {
		frame, err := wire.Encode(msg)
		d.post(nc, func() { d.sendBundle(nc, b, frame, err) })
	})
}

// tryReserve reserves the idle node for the first job that needs a node
// configuration it lacks, and asks the node to reconfigure.
func (d *Dispatcher) tryReserve(nc *NodeContext) {
	reservations := d.registry.Reservations()
	sj := d.queue.PeekReservation(nc.info, reservations.ReservedCount)
	if sj == nil {
		return
	}
	desired := sj.SLA().DesiredNodeConfiguration
	reservations.Reserve(sj.UUID(), nc.info.UUID)
	d.armReservationTimeout(nc.info.UUID)

	nc.logger.Info().
		Str("job_id", sj.UUID()).
		Bool("restart", desired.ForceRestart).
		Msg("Reserving node for job")
	d.publish(events.EventNodeReserved, sj.UUID(), nc.info.UUID, "")

	// The node reports the reservation back through the reserved.* keys
	props := make(map[string]string, len(desired.Configuration)+2)
	for k, v := range desired.Configuration {
		props[k] = v
	}
	props[types.PropReservedJob] = sj.UUID()
	props[types.PropReservedUUID] = nc.info.UUID
	d.sendControl(nc, &wire.Control{
		Kind:       wire.ControlReconfigure,
		Properties: props,
		Restart:    desired.ForceRestart,
	})
}

func (d *Dispatcher) sendControl(nc *NodeContext, ctl *wire.Control) {
	d.pool.Submit(func() {
		frame, err := wire.Encode(ctl)
		d.post(nc, func() {
			if nc.closed {
				return
			}
			if err != nil {
				nc.logger.Error().Err(err).Msg("Failed to encode control message")
				return
			}
			if err := nc.conn.Send(frame, func(err error) {
				if err != nil {
					d.post(nc, func() { d.fail(nc, err) })
				}
			}); err != nil {
				d.fail(nc, err)
			}
		})
	})
}

// refreshBundler gives the node a bundler from the current provider when the
// settings changed since its last one was built.
func (d *Dispatcher) refreshBundler(nc *NodeContext) *bundler.Provider {
	p := d.Provider()
	if nc.bundler != nil && nc.generation == p.Generation() {
		return p
	}
	if nc.bundler != nil {
		nc.bundler.Dispose()
	}
	nc.bundler = p.NewBundler(nc.info)
	nc.generation = p.Generation()
	d.registry.SetBundler(nc.info.UUID, nc.bundler.Name())
	return p
}

func (d *Dispatcher) sendBundle(nc *NodeContext, b *job.Bundle, frame *wire.Frame, encErr error) {
	if nc.closed || nc.bundle != b {
		return
	}
	if encErr != nil {
		nc.logger.Error().Err(encErr).Str("job_id", b.JobUUID).Msg("Failed to encode bundle")
		nc.job.FailBundle(b, encErr)
		d.finishBundle(nc, EvNodeError)
		return
	}

	err := nc.conn.Send(frame, func(err error) {
		d.post(nc, func() { d.flushed(nc, b, err) })
	})
	if err != nil {
		d.fail(nc, &types.TransportError{NodeUUID: nc.info.UUID, Err: err})
		return
	}

	metrics.BundlesDispatched.Inc()
	metrics.BundleSize.Observe(float64(len(b.Tasks)))
	bl := log.WithBundle(b.JobUUID, b.ID, nc.info.UUID)
	bl.Debug().
		Int("bundle_size", len(b.Tasks)).
		Str("bundler", nc.bundler.Name()).
		Msg("Bundle sent")
	d.publish(events.EventBundleSent, b.JobUUID, nc.info.UUID, fmt.Sprintf("%d tasks", len(b.Tasks)))
}

func (d *Dispatcher) flushed(nc *NodeContext, b *job.Bundle, err error) {
	if nc.closed || nc.bundle != b {
		return
	}
	if err != nil {
		d.fail(nc, &types.TransportError{NodeUUID: nc.info.UUID, Err: err})
		return
	}
	if nc.state != StateSending {
		return
	}
	next, _ := Transition(nc.state, EvFlushed)
	nc.state = next
	d.registry.SetStatus(nc.info.UUID, nc.state.NodeStatus(), b.JobUUID)
}

func (d *Dispatcher) handle(nc *NodeContext, msg wire.Message) {
	if nc.closed {
		return
	}
	switch m := msg.(type) {
	case *wire.ResultMessage:
		d.handleResult(nc, m)
	case *wire.Hello:
		d.refreshInfo(nc, m)
		d.tryDispatch(nc)
	default:
		d.fail(nc, &wire.ProtocolError{Reason: fmt.Sprintf("unexpected %T from node", msg)})
	}
}

func (d *Dispatcher) handleResult(nc *NodeContext, m *wire.ResultMessage) {
	b := nc.bundle
	if b == nil || nc.folding || m.JobUUID != b.JobUUID || m.BundleID != b.ID {
		d.fail(nc, &wire.ProtocolError{
			Reason: fmt.Sprintf("result for job %s bundle %d does not match the bundle in flight", m.JobUUID, m.BundleID),
		})
		return
	}
	if m.SystemInfo != nil {
		d.refreshInfo(nc, m.SystemInfo)
	}

	elapsed := time.Since(b.DispatchedAt)
	sj := nc.job
	nc.folding = true
	d.pool.Submit(func() {
		var (
			out    job.Outcome
			reason string
			event  = EvResults
		)
		switch {
		case m.NodeException != "":
			out = sj.BundleCompleted(b, nil, errors.New(m.NodeException))
			reason, event = "node_error", EvNodeError
		case m.Requeue:
			out = sj.Resubmit(b)
			reason = "requeue"
		default:
			out = sj.BundleCompleted(b, m.ReturnedTasks(), nil)
			reason = "missing_result"
		}
		if out.Resubmitted > 0 {
			metrics.TasksResubmitted.WithLabelValues(reason).Add(float64(out.Resubmitted))
			d.publish(events.EventTasksResubmit, b.JobUUID, nc.info.UUID, reason)
		}
		d.post(nc, func() { d.folded(nc, b, m, out, event, elapsed) })
	})
}

func (d *Dispatcher) folded(nc *NodeContext, b *job.Bundle, m *wire.ResultMessage, out job.Outcome, event Event, elapsed time.Duration) {
	nc.folding = false
	if nc.closed || nc.bundle != b {
		d.queue.Notify()
		return
	}

	if event == EvResults && !m.Requeue && !out.Ignored {
		nc.bundler.Feedback(len(b.Tasks), elapsed)
		metrics.BundleDuration.WithLabelValues(nc.bundler.Name()).Observe(elapsed.Seconds())
	}
	d.registry.RecordExecution(nc.info.UUID, out.Returned)

	bl := log.WithBundle(b.JobUUID, b.ID, nc.info.UUID)
	bl.Debug().
		Int("returned", out.Returned).
		Int("resubmitted", out.Resubmitted).
		Bool("ignored", out.Ignored).
		Dur("elapsed", elapsed).
		Msg("Bundle returned")
	d.publish(events.EventBundleReturned, b.JobUUID, nc.info.UUID, fmt.Sprintf("%d tasks", out.Returned))

	d.finishBundle(nc, event)
	d.queue.Notify()
}

// finishBundle returns the node to idle and looks for more work
func (d *Dispatcher) finishBundle(nc *NodeContext, event Event) {
	next, err := Transition(nc.state, event)
	if err != nil {
		d.fail(nc, err)
		return
	}
	nc.state = next
	nc.job = nil
	nc.bundle = nil
	d.registry.SetStatus(nc.info.UUID, nc.state.NodeStatus(), "")
	d.tryDispatch(nc)
}

// refreshInfo applies a system-info report. A node that reconfigured in place
// reports its reservation this way.
func (d *Dispatcher) refreshInfo(nc *NodeContext, h *wire.Hello) {
	info := h.NodeInfo()
	info.UUID = nc.info.UUID
	if err := d.registry.UpdateInfo(info); err != nil {
		nc.logger.Warn().Err(err).Msg("Failed to refresh node info")
		return
	}
	nc.info = info
	if d.registry.Reservations().Transition(info) {
		nc.logger.Info().Str("job_id", h.ReservedJob).Msg("Node reconfigured for reserved job")
	}
}

// fail moves the node to failed and closes its connection. The bundle in
// flight is recovered when the transport reports the disconnection.
func (d *Dispatcher) fail(nc *NodeContext, err error) {
	if nc.closed || nc.state == StateFailed {
		return
	}
	nc.state, _ = Transition(nc.state, EvTransportError)
	d.registry.SetStatus(nc.info.UUID, nc.state.NodeStatus(), "")
	nc.logger.Warn().Err(err).Msg("Node connection failed")
	nc.conn.Close(err)
}

func (d *Dispatcher) close(nc *NodeContext, cause error) {
	if nc.closed {
		return
	}
	nc.closed = true
	nc.state, _ = Transition(nc.state, EvClose)
	uuid := nc.info.UUID

	lost := nc.bundle != nil
	if lost && !nc.folding {
		out := nc.job.NodeLost(nc.bundle)
		if out.Resubmitted > 0 {
			metrics.TasksResubmitted.WithLabelValues("node_lost").Add(float64(out.Resubmitted))
			d.publish(events.EventTasksResubmit, nc.bundle.JobUUID, uuid, "node_lost")
		}
	}
	if lost || cause != nil {
		metrics.NodesLost.Inc()
	}
	if nc.bundler != nil {
		nc.bundler.Dispose()
	}

	d.mu.Lock()
	if d.nodes[uuid] == nc {
		delete(d.nodes, uuid)
	}
	d.mu.Unlock()

	reservations := d.registry.Reservations()
	_, pending := reservations.PendingJob(uuid)
	d.registry.Remove(uuid, pending)
	if pending {
		d.armReservationTimeout(uuid)
	}

	ev := d.logger.Info().Str("node_id", uuid).Bool("bundle_lost", lost)
	if cause != nil {
		ev = d.logger.Warn().Str("node_id", uuid).Bool("bundle_lost", lost).Err(cause)
	}
	ev.Msg("Node disconnected")
	d.publish(events.EventNodeLost, "", uuid, "")
	d.queue.Notify()
}

func (d *Dispatcher) publish(t events.EventType, jobUUID, nodeUUID, msg string) {
	if d.broker == nil {
		return
	}
	d.broker.Publish(&events.Event{Type: t, JobUUID: jobUUID, NodeUUID: nodeUUID, Message: msg})
}

func bundleMessage(sj *job.ServerJob, b *job.Bundle) *wire.BundleMessage {
	msg := &wire.BundleMessage{
		JobUUID:      sj.UUID(),
		JobName:      sj.Name(),
		Priority:     sj.Priority(),
		BundleID:     b.ID,
		DataProvider: sj.DataProvider(),
		Tasks:        make([]wire.TaskPayload, len(b.Tasks)),
	}
	if b.Broadcast {
		msg.Flags |= wire.FlagBroadcast
	}
	for i, t := range b.Tasks {
		msg.Tasks[i] = wire.TaskPayload{Position: t.Position, Payload: t.Payload, Timeout: t.Timeout}
	}
	return msg
}

// armReservationTimeout drops the node's reservation if it is still pending
// once the timeout elapses, whether the node is reconfiguring in place or
// restarting. A node still connected is then free for other jobs.
func (d *Dispatcher) armReservationTimeout(uuid string) {
	reservations := d.registry.Reservations()
	d.timers.Schedule(reservationKey(uuid), time.Now().Add(d.cfg.ReservationTimeout), func() {
		if _, still := reservations.PendingJob(uuid); !still {
			return
		}
		reservations.Remove(uuid)
		d.logger.Warn().Str("node_id", uuid).Msg("Reserved node did not confirm its configuration, reservation dropped")
		d.WakeNodes([]string{uuid})
		d.queue.Notify()
	})
}

func reservationKey(nodeUUID string) string { return "reservation/" + nodeUUID }
