package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/cuemby/taskgrid/pkg/bundler"
	"github.com/cuemby/taskgrid/pkg/driver"
	"github.com/cuemby/taskgrid/pkg/history"
	"github.com/cuemby/taskgrid/pkg/log"
	"github.com/cuemby/taskgrid/pkg/metrics"
	"github.com/cuemby/taskgrid/pkg/types"
	"github.com/cuemby/taskgrid/pkg/wire"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server exposes the driver's NodeService and DriverService over gRPC
type Server struct {
	driver    *driver.Driver
	grpc      *grpc.Server
	unixMu    sync.Mutex
	unix      *grpc.Server
	sendQueue int
	logger    zerolog.Logger
}

// NewServer creates a new API server
func NewServer(d *driver.Driver) *Server {
	s := &Server{
		driver:    d,
		sendQueue: 16,
		logger:    log.WithComponent("api"),
	}
	s.grpc = grpc.NewServer(
		grpc.ChainUnaryInterceptor(MetricsInterceptor()),
		grpc.ChainStreamInterceptor(StreamMetricsInterceptor()),
	)
	s.register(s.grpc)
	return s
}

func (s *Server) register(g *grpc.Server) {
	g.RegisterService(&nodeServiceDesc, s)
	g.RegisterService(&driverServiceDesc, s)
}

// Start listens on addr and serves until Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	metrics.SetComponent(metrics.ComponentAPI, true, "serving")
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC API listening")
	return s.grpc.Serve(lis)
}

// StartUnix serves the read-only subset of the API on a unix socket, for
// local inspection without network exposure
func (s *Server) StartUnix(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on unix socket: %w", err)
	}
	unix := grpc.NewServer(
		grpc.ChainUnaryInterceptor(ReadOnlyInterceptor(), MetricsInterceptor()),
		grpc.ChainStreamInterceptor(ReadOnlyStreamInterceptor()),
	)
	s.register(unix)
	s.unixMu.Lock()
	s.unix = unix
	s.unixMu.Unlock()

	s.logger.Info().Str("socket", path).Msg("Read-only API listening")
	return unix.Serve(lis)
}

// Stop gracefully stops the gRPC servers. Node streams are closed, which
// resubmits their in-flight bundles.
func (s *Server) Stop() {
	metrics.SetComponent(metrics.ComponentAPI, false, "stopped")
	s.unixMu.Lock()
	if s.unix != nil {
		s.unix.Stop()
	}
	s.unixMu.Unlock()
	if s.grpc != nil {
		s.grpc.Stop()
	}
}

// Connect runs one node session: a hello frame, then bundles out and results
// in until either side closes
func (s *Server) Connect(stream grpc.ServerStream) error {
	var first wire.Frame
	if err := stream.RecvMsg(&first); err != nil {
		return err
	}
	msg, err := wire.Decode(&first)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	hello, ok := msg.(*wire.Hello)
	if !ok {
		return status.Error(codes.InvalidArgument, "first frame must be a hello")
	}

	conn := newStreamConn(stream, s.sendQueue)
	if err := s.driver.Connect(hello, conn); err != nil {
		return toStatus(err)
	}
	uuid := hello.NodeUUID

	recvErr := make(chan error, 1)
	go func() {
		for {
			var f wire.Frame
			if err := stream.RecvMsg(&f); err != nil {
				recvErr <- err
				return
			}
			s.driver.Receive(uuid, &f)
		}
	}()

	cause := conn.run(stream.Context(), recvErr)
	if errors.Is(cause, io.EOF) {
		cause = nil
	}
	s.driver.Disconnect(uuid, cause)
	if cause != nil {
		return status.Error(codes.Aborted, cause.Error())
	}
	return nil
}

// Submit queues a job, reports its acceptance and streams its result. When
// the client goes away first, the job is cancelled if its SLA asks for it.
func (s *Server) Submit(stream grpc.ServerStream) error {
	var req wire.SubmitRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	if req.Job == nil {
		return status.Error(codes.InvalidArgument, "job is required")
	}

	sj, err := s.driver.SubmitNonBlocking(req.Job, nil)
	if err != nil {
		return toStatus(err)
	}
	if err := stream.SendMsg(&wire.SubmitEvent{Accepted: true, JobUUID: sj.UUID()}); err != nil {
		s.driver.Abandon(sj)
		return err
	}

	res, err := s.driver.Wait(stream.Context(), sj)
	if err != nil {
		return status.FromContextError(err).Err()
	}
	return stream.SendMsg(&wire.SubmitEvent{JobUUID: sj.UUID(), Result: res})
}

// WatchEvents streams driver events of the requested types until the
// client goes away. A watcher too slow to keep up misses events rather than
// slowing the driver.
func (s *Server) WatchEvents(stream grpc.ServerStream) error {
	var req wire.WatchRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}

	broker := s.driver.Events()
	sub := broker.Subscribe(req.Types...)
	defer broker.Unsubscribe(sub)
	s.logger.Debug().Int("types", len(req.Types)).Msg("Event watcher attached")

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return status.Error(codes.Unavailable, "event feed closed")
			}
			if err := stream.SendMsg(ev); err != nil {
				return err
			}
		}
	}
}

// JobStatus returns a job's status
func (s *Server) JobStatus(ctx context.Context, req *wire.JobRequest) (*types.JobStatus, error) {
	st, err := s.driver.JobStatus(req.UUID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &st, nil
}

// ListJobs returns queued and recently finished jobs
func (s *Server) ListJobs(ctx context.Context, req *wire.Empty) (*wire.JobList, error) {
	return &wire.JobList{Jobs: s.driver.ListJobs()}, nil
}

// ListNodes returns the connected nodes
func (s *Server) ListNodes(ctx context.Context, req *wire.Empty) (*wire.NodeList, error) {
	return &wire.NodeList{Nodes: s.driver.ListNodes()}, nil
}

// CancelJob cancels a job
func (s *Server) CancelJob(ctx context.Context, req *wire.JobRequest) (*wire.Ack, error) {
	return ack(s.driver.CancelJob(req.UUID))
}

// SuspendJob suspends a job
func (s *Server) SuspendJob(ctx context.Context, req *wire.JobRequest) (*wire.Ack, error) {
	return ack(s.driver.SuspendJob(req.UUID))
}

// ResumeJob resumes a job
func (s *Server) ResumeJob(ctx context.Context, req *wire.JobRequest) (*wire.Ack, error) {
	return ack(s.driver.ResumeJob(req.UUID))
}

// SetJobPriority changes a job's priority
func (s *Server) SetJobPriority(ctx context.Context, req *wire.PriorityRequest) (*wire.Ack, error) {
	return ack(s.driver.SetJobPriority(req.UUID, req.Priority))
}

// SetJobMaxNodes changes a job's node limit
func (s *Server) SetJobMaxNodes(ctx context.Context, req *wire.MaxNodesRequest) (*wire.Ack, error) {
	return ack(s.driver.SetJobMaxNodes(req.UUID, req.MaxNodes))
}

// ShutdownNode ends a node's session
func (s *Server) ShutdownNode(ctx context.Context, req *wire.JobRequest) (*wire.Ack, error) {
	if err := s.driver.ShutdownNode(req.UUID); err != nil {
		return nil, toStatus(err)
	}
	return &wire.Ack{OK: true}, nil
}

// GetLoadBalancer returns the load-balancer settings
func (s *Server) GetLoadBalancer(ctx context.Context, req *wire.Empty) (*wire.LoadBalancerSettings, error) {
	return &wire.LoadBalancerSettings{Settings: s.driver.LoadBalancer()}, nil
}

// ChangeLoadBalancerSettings applies new load-balancer settings
func (s *Server) ChangeLoadBalancerSettings(ctx context.Context, req *wire.LoadBalancerSettings) (*wire.Ack, error) {
	if err := s.driver.ChangeLoadBalancerSettings(req.Settings); err != nil {
		return nil, toStatus(err)
	}
	return &wire.Ack{OK: true}, nil
}

// JoinCluster adds a standby driver to the replicated history
func (s *Server) JoinCluster(ctx context.Context, req *wire.JoinRequest) (*wire.Ack, error) {
	if req.NodeID == "" || req.Addr == "" {
		return nil, status.Error(codes.InvalidArgument, "node id and address are required")
	}
	if err := s.driver.JoinCluster(req.NodeID, req.Addr); err != nil {
		return nil, toStatus(err)
	}
	return &wire.Ack{OK: true}, nil
}

func ack(ok bool, err error) (*wire.Ack, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return &wire.Ack{OK: ok}, nil
}

// toStatus maps driver errors to gRPC status codes
func toStatus(err error) error {
	var (
		ve *types.ValidationError
		ce *bundler.ConfigError
	)
	switch {
	case errors.Is(err, types.ErrNodeNotFound):
		return status.Error(codes.NotFound, types.ErrNodeNotFound.Error())
	case errors.Is(err, types.ErrJobNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, types.ErrDuplicateJob):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, types.ErrDriverStopped):
		return status.Error(codes.Unavailable, types.ErrDriverStopped.Error())
	case errors.Is(err, history.ErrNotLeader):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &ve), errors.As(err, &ce):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
