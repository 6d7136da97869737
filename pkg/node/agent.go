package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/taskgrid/pkg/client"
	"github.com/cuemby/taskgrid/pkg/log"
	"github.com/cuemby/taskgrid/pkg/types"
	"github.com/cuemby/taskgrid/pkg/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

var (
	errShutdown = errors.New("shutdown requested by driver")
	errRestart  = errors.New("restart requested by driver")
)

// Config holds node agent configuration
type Config struct {
	DriverAddr     string
	UUID           string // Empty = random
	Host           string // Empty = hostname
	Threads        int    // Tasks run in parallel, 0 = number of CPUs
	Properties     map[string]string
	Runner         Runner
	ReconnectDelay time.Duration
}

// Agent connects to a driver, runs the bundles it receives and sends the
// results back. It reconnects until its context ends or the driver shuts it
// down.
type Agent struct {
	cfg  Config
	conn *grpc.ClientConn

	mu           sync.Mutex
	uuid         string
	props        map[string]string
	reservedJob  string
	reservedUUID string

	bundles atomic.Int64
	tasks   atomic.Int64
	logger  zerolog.Logger
}

// New creates an agent
func New(cfg Config) (*Agent, error) {
	if cfg.DriverAddr == "" {
		return nil, fmt.Errorf("driver address is required")
	}
	if cfg.UUID == "" {
		cfg.UUID = uuid.New().String()
	}
	if cfg.Host == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		cfg.Host = host
	}
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.NumCPU()
	}
	if cfg.Runner == nil {
		cfg.Runner = EchoRunner{}
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}

	props := make(map[string]string, len(cfg.Properties))
	for k, v := range cfg.Properties {
		props[k] = v
	}
	return &Agent{
		cfg:    cfg,
		uuid:   cfg.UUID,
		props:  props,
		logger: log.WithComponent("node"),
	}, nil
}

// UUID returns the agent's current node UUID. It changes when the driver
// asks for a restart.
func (a *Agent) UUID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uuid
}

// Properties returns a copy of the node's current properties
func (a *Agent) Properties() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.props))
	for k, v := range a.props {
		out[k] = v
	}
	return out
}

// Stats returns the bundles and tasks executed since the agent started
func (a *Agent) Stats() (bundles, tasks int64) {
	return a.bundles.Load(), a.tasks.Load()
}

// Run connects to the driver and serves sessions until ctx ends or the
// driver sends a shutdown
func (a *Agent) Run(ctx context.Context) error {
	conn, err := client.Dial(a.cfg.DriverAddr)
	if err != nil {
		return err
	}
	a.conn = conn
	defer conn.Close()

	for {
		err := a.session(ctx)
		if ctx.Err() != nil {
			a.logger.Info().Msg("Node agent stopped")
			return nil
		}
		switch {
		case errors.Is(err, errShutdown):
			a.logger.Info().Str("node_id", a.UUID()).Msg("Driver requested shutdown")
			return nil
		case errors.Is(err, errRestart):
			a.logger.Info().Str("node_id", a.UUID()).Msg("Restarting session with new configuration")
			continue
		}

		a.logger.Warn().Err(err).Dur("retry_in", a.cfg.ReconnectDelay).Msg("Driver connection lost")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.cfg.ReconnectDelay):
		}
	}
}

// session runs one node stream. Bundles execute concurrently with the
// receive loop so controls are handled while tasks run.
func (a *Agent) session(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	var running sync.WaitGroup
	defer func() {
		cancel()
		running.Wait()
	}()

	stream, err := a.conn.NewStream(sctx, &wire.ConnectStreamDesc, wire.MethodConnect)
	if err != nil {
		return fmt.Errorf("failed to open node stream: %w", err)
	}
	out := &sender{stream: stream}
	if err := out.send(a.hello()); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}
	logger := log.WithNodeID(a.UUID())
	logger.Info().Str("driver", a.cfg.DriverAddr).Int("threads", a.cfg.Threads).Msg("Connected to driver")

	for {
		var f wire.Frame
		if err := stream.RecvMsg(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("driver closed the session")
			}
			return err
		}
		msg, err := wire.Decode(&f)
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case *wire.BundleMessage:
			running.Add(1)
			go func() {
				defer running.Done()
				res := a.execute(sctx, m)
				if sctx.Err() != nil {
					return
				}
				if err := out.send(res); err != nil {
					logger.Warn().Err(err).Int64("bundle_id", m.BundleID).Msg("Failed to send results")
				}
			}()

		case *wire.Control:
			switch m.Kind {
			case wire.ControlShutdown:
				return errShutdown
			case wire.ControlReconfigure:
				if a.reconfigure(m) {
					return errRestart
				}
				if err := out.send(a.hello()); err != nil {
					return fmt.Errorf("failed to report new configuration: %w", err)
				}
				logger.Info().Msg("Configuration updated in place")
			}

		default:
			return &wire.ProtocolError{Reason: fmt.Sprintf("unexpected %T from driver", msg)}
		}
	}
}

func (a *Agent) hello() *wire.Hello {
	a.mu.Lock()
	defer a.mu.Unlock()
	props := make(map[string]string, len(a.props))
	for k, v := range a.props {
		props[k] = v
	}
	return &wire.Hello{
		NodeUUID:     a.uuid,
		Host:         a.cfg.Host,
		Threads:      a.cfg.Threads,
		Properties:   props,
		ReservedJob:  a.reservedJob,
		ReservedUUID: a.reservedUUID,
	}
}

// reconfigure applies new properties and reports whether the session must
// restart. A restarted node comes back under a new UUID.
func (a *Agent) reconfigure(ctl *wire.Control) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range ctl.Properties {
		switch k {
		case types.PropReservedJob:
			a.reservedJob = v
		case types.PropReservedUUID:
			a.reservedUUID = v
		default:
			a.props[k] = v
		}
	}
	if ctl.Restart {
		a.uuid = uuid.New().String()
	}
	return ctl.Restart
}

// execute runs a bundle's tasks, at most Threads at a time
func (a *Agent) execute(ctx context.Context, m *wire.BundleMessage) *wire.ResultMessage {
	start := time.Now()
	res := &wire.ResultMessage{
		JobUUID:  m.JobUUID,
		BundleID: m.BundleID,
		Tasks:    make([]wire.TaskResult, len(m.Tasks)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Threads)
	for i, t := range m.Tasks {
		g.Go(func() error {
			out, err := a.runTask(gctx, t, m.DataProvider)
			if errors.Is(err, ErrRequeue) || errors.Is(err, ErrNodeFailure) {
				return err
			}
			res.Tasks[i] = wire.TaskResult{Position: t.Position, Result: out}
			if err != nil {
				res.Tasks[i].Exception = err.Error()
			}
			return nil
		})
	}
	err := g.Wait()
	res.Elapsed = time.Since(start)

	switch {
	case errors.Is(err, ErrRequeue):
		res.Requeue = true
		res.Tasks = nil
	case err != nil:
		res.NodeException = err.Error()
		res.Tasks = nil
	default:
		a.bundles.Add(1)
		a.tasks.Add(int64(len(m.Tasks)))
	}

	bl := log.WithBundle(m.JobUUID, m.BundleID, a.UUID())
	bl.Debug().
		Int("tasks", len(m.Tasks)).
		Dur("elapsed", res.Elapsed).
		Bool("requeue", res.Requeue).
		Str("node_exception", res.NodeException).
		Msg("Bundle executed")
	return res
}

// runTask runs one task under its timeout. A task still running at the
// deadline gets a timeout exception whatever the runner returns.
func (a *Agent) runTask(ctx context.Context, t wire.TaskPayload, dataProvider []byte) ([]byte, error) {
	if t.Timeout == nil {
		return a.run(ctx, t.Payload, dataProvider)
	}
	start := time.Now()
	tctx, cancel := context.WithDeadline(ctx, t.Timeout.Deadline(start))
	defer cancel()

	out, err := a.run(tctx, t.Payload, dataProvider)
	if errors.Is(err, ErrRequeue) || errors.Is(err, ErrNodeFailure) {
		return nil, err
	}
	if ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrTaskTimeout, time.Since(start).Round(time.Millisecond))
	}
	return out, err
}

// run calls the runner, turning a panic into a task exception
func (a *Agent) run(ctx context.Context, payload, dataProvider []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("task panicked: %v", r)
		}
	}()
	return a.cfg.Runner.Run(ctx, payload, dataProvider)
}

// sender serializes writes on the node stream
type sender struct {
	mu     sync.Mutex
	stream grpc.ClientStream
}

func (s *sender) send(m wire.Message) error {
	f, err := wire.Encode(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.SendMsg(f)
}
