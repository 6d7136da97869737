package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/taskgrid/pkg/bundler"
	"github.com/cuemby/taskgrid/pkg/dispatch"
	"github.com/cuemby/taskgrid/pkg/events"
	"github.com/cuemby/taskgrid/pkg/history"
	"github.com/cuemby/taskgrid/pkg/job"
	"github.com/cuemby/taskgrid/pkg/log"
	"github.com/cuemby/taskgrid/pkg/metrics"
	"github.com/cuemby/taskgrid/pkg/queue"
	"github.com/cuemby/taskgrid/pkg/registry"
	"github.com/cuemby/taskgrid/pkg/timer"
	"github.com/cuemby/taskgrid/pkg/types"
	"github.com/cuemby/taskgrid/pkg/wire"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// Config holds configuration for creating a Driver
type Config struct {
	Dispatch        dispatch.Config
	LoadBalancer    bundler.Settings
	StatusCacheSize int           // Finished jobs kept in memory for status queries
	MetricsInterval time.Duration // Gauge refresh period, 0 = 15s
}

// DefaultConfig returns the driver defaults
func DefaultConfig() Config {
	return Config{
		Dispatch:        dispatch.DefaultConfig(),
		LoadBalancer:    bundler.DefaultSettings(),
		StatusCacheSize: 1024,
		MetricsInterval: 15 * time.Second,
	}
}

// Driver owns the job queue, the node registry and the dispatcher, and
// exposes the submission and management operations.
type Driver struct {
	cfg Config

	timers     *timer.Scheduler
	broker     *events.Broker
	queue      *queue.Queue
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	history    *history.History
	collector  *metrics.Collector
	finished   *lru.Cache[string, types.JobStatus]

	balancerMu sync.Mutex
	stopped    atomic.Bool
	wg         sync.WaitGroup
	logger     zerolog.Logger
}

// New creates a driver. hist may be nil, in which case finished jobs are only
// kept in the in-memory cache. Load-balancer settings saved in the history
// take precedence over cfg.LoadBalancer.
func New(cfg Config, hist *history.History) (*Driver, error) {
	if cfg.StatusCacheSize <= 0 {
		cfg.StatusCacheSize = DefaultConfig().StatusCacheSize
	}
	if cfg.LoadBalancer.Algorithm == "" {
		cfg.LoadBalancer = bundler.DefaultSettings()
	}
	logger := log.WithComponent("driver")

	settings := cfg.LoadBalancer
	if hist != nil {
		saved, err := hist.LoadBalancer()
		if err != nil {
			return nil, fmt.Errorf("failed to read saved load balancer settings: %w", err)
		}
		if saved != nil {
			if _, err := bundler.NewProvider(*saved); err != nil {
				logger.Warn().Err(err).Msg("Ignoring invalid saved load balancer settings")
			} else {
				settings = *saved
			}
		}
	}
	provider, err := bundler.NewProvider(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create load balancer: %w", err)
	}

	finished, err := lru.New[string, types.JobStatus](cfg.StatusCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create status cache: %w", err)
	}

	timers := timer.NewScheduler()
	broker := events.NewBroker()
	q := queue.New(timers, broker)
	reg := registry.New()

	d := &Driver{
		cfg:        cfg,
		timers:     timers,
		broker:     broker,
		queue:      q,
		registry:   reg,
		dispatcher: dispatch.New(cfg.Dispatch, q, reg, timers, broker, provider),
		history:    hist,
		finished:   finished,
		logger:     logger,
	}
	d.collector = metrics.NewCollector(d, cfg.MetricsInterval)
	return d, nil
}

// Start launches the timers, the event broker, the dispatcher and the
// metrics collector
func (d *Driver) Start() {
	d.timers.Start()
	d.broker.Start()
	d.dispatcher.Start()
	d.collector.Start()

	metrics.SetComponent(metrics.ComponentQueue, true, "accepting jobs")
	metrics.SetComponent(metrics.ComponentDispatcher, true, "running")
	d.logger.Info().
		Str("bundler", d.LoadBalancer().Algorithm).
		Bool("history", d.history != nil).
		Msg("Driver started")
}

// Stop cancels the jobs still queued, so blocked submitters return, and stops
// every component. The history is left to its owner.
func (d *Driver) Stop() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}
	metrics.SetComponent(metrics.ComponentQueue, false, "stopped")

	for _, sj := range d.queue.Jobs() {
		d.queue.Cancel(sj.UUID())
	}

	d.dispatcher.Stop()
	metrics.SetComponent(metrics.ComponentDispatcher, false, "stopped")
	d.collector.Stop()
	d.wg.Wait()
	d.timers.Stop()
	d.broker.Stop()
	d.logger.Info().Msg("Driver stopped")
}

// Events returns the driver's event broker
func (d *Driver) Events() *events.Broker {
	return d.broker
}

// Submit queues a job and blocks until its result is available. When ctx ends
// first, the job is cancelled if its SLA asks for it.
func (d *Driver) Submit(ctx context.Context, j *types.Job) (*types.JobResult, error) {
	sj, err := d.SubmitNonBlocking(j, nil)
	if err != nil {
		return nil, err
	}
	return d.Wait(ctx, sj)
}

// SubmitNonBlocking queues a job and returns at once. listener, when not nil,
// receives the result.
func (d *Driver) SubmitNonBlocking(j *types.Job, listener func(*types.JobResult)) (*job.ServerJob, error) {
	if d.stopped.Load() {
		return nil, types.ErrDriverStopped
	}
	if j.SLA == nil {
		j.SLA = types.DefaultSLA()
	}
	if j.SubmittedAt.IsZero() {
		j.SubmittedAt = time.Now()
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}

	var opts []job.Option
	pol := j.SLA.ExecutionPolicy
	if j.SLA.BroadcastJob {
		opts = append(opts, job.WithTargets(func() []string { return d.registry.Eligible(pol) }))
	}
	sj := job.New(j, opts...)
	if j.SLA.BroadcastJob {
		sj.FreezeBroadcastTargets(d.registry.Eligible(pol))
	}

	// Registered before the queue's own hook so the status is cached before
	// the job leaves the queue
	sj.OnComplete(func(res *types.JobResult) { d.jobFinished(sj, res) })
	if listener != nil {
		sj.OnComplete(listener)
	}

	if err := d.queue.Offer(sj); err != nil {
		return nil, err
	}

	d.logger.Info().
		Str("job_id", sj.UUID()).
		Str("name", sj.Name()).
		Int("tasks", sj.Total()).
		Int("priority", j.SLA.Priority).
		Bool("broadcast", j.SLA.BroadcastJob).
		Msg("Job submitted")
	return sj, nil
}

// Wait blocks until the job finishes or ctx ends
func (d *Driver) Wait(ctx context.Context, sj *job.ServerJob) (*types.JobResult, error) {
	select {
	case <-sj.Done():
		return sj.Result(), nil
	case <-ctx.Done():
		d.Abandon(sj)
		return nil, ctx.Err()
	}
}

// Abandon reports that the job's submitter is gone. The job is cancelled
// when its SLA sets CancelUponClientDisconnect.
func (d *Driver) Abandon(sj *job.ServerJob) {
	if sj.SLA().CancelUponClientDisconnect && d.queue.Cancel(sj.UUID()) {
		d.logger.Info().Str("job_id", sj.UUID()).Msg("Submitter went away, job cancelled")
	}
}

func (d *Driver) jobFinished(sj *job.ServerJob, res *types.JobResult) {
	st := sj.Status()
	d.finished.Add(st.UUID, st)

	released := d.registry.Reservations().OnJobFinished(st.UUID)
	d.dispatcher.WakeNodes(released)

	metrics.JobsCompleted.WithLabelValues(string(res.State)).Inc()
	metrics.JobDuration.Observe(res.CompletedAt.Sub(sj.SubmittedAt()).Seconds())
	d.broker.Publish(&events.Event{
		Type:    events.EventJobCompleted,
		JobUUID: st.UUID,
		Message: string(res.State),
	})

	d.logger.Info().
		Str("job_id", st.UUID).
		Str("state", string(res.State)).
		Int("tasks", st.TotalTasks).
		Dur("elapsed", res.CompletedAt.Sub(sj.SubmittedAt())).
		Msg("Job finished")

	if d.history == nil {
		return
	}
	rec := &types.JobRecord{Status: st}
	for _, t := range res.Tasks {
		switch {
		case t.Failed():
			rec.Failed++
		case t.Result == nil:
			rec.Nil++
		}
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.record(func() error { return d.history.RecordJob(rec) })
	}()
}

// record writes to the history; standby drivers skip their writes
func (d *Driver) record(write func() error) {
	if err := write(); err != nil {
		if errors.Is(err, history.ErrNotLeader) {
			d.logger.Debug().Err(err).Msg("History write skipped on standby driver")
			return
		}
		d.logger.Warn().Err(err).Msg("Failed to write history")
	}
}

// Connect registers a node that completed its handshake
func (d *Driver) Connect(hello *wire.Hello, conn dispatch.Conn) error {
	if d.stopped.Load() {
		return types.ErrDriverStopped
	}
	return d.dispatcher.Connect(hello, conn)
}

// Receive hands a frame read from a node to the dispatcher
func (d *Driver) Receive(nodeUUID string, f *wire.Frame) {
	d.dispatcher.Receive(nodeUUID, f)
}

// Disconnect reports a closed node connection and records the node's session
func (d *Driver) Disconnect(nodeUUID string, cause error) {
	snap, ok := d.registry.Get(nodeUUID)
	d.dispatcher.Disconnect(nodeUUID, cause)
	if !ok || d.history == nil {
		return
	}

	rec := &types.NodeRecord{
		UUID:           snap.Info.UUID,
		Host:           snap.Info.Host,
		Threads:        snap.Info.Threads,
		FirstConnected: snap.ConnectedAt,
		LastSeen:       time.Now(),
		TasksExecuted:  snap.TasksExecuted,
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.record(func() error { return d.history.RecordNode(rec) })
	}()
}
