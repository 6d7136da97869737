package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/taskgrid/pkg/bundler"
	"github.com/cuemby/taskgrid/pkg/events"
	"github.com/cuemby/taskgrid/pkg/types"
	"github.com/cuemby/taskgrid/pkg/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// DefaultTimeout bounds every call except Submit
const DefaultTimeout = 10 * time.Second

// Client wraps the driver's gRPC API for CLI and library use
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewClient creates a client for the driver at addr
func NewClient(addr string) (*Client, error) {
	conn, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, timeout: DefaultTimeout}, nil
}

// Dial opens a gRPC connection using the taskgrid codec. Node agents share it.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wire.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Submit sends a job and blocks until its results arrive. accepted, when not
// nil, is called once the driver queued the job. Cancelling ctx drops the
// connection, which cancels the job when its SLA asks for it.
func (c *Client) Submit(ctx context.Context, job *types.Job, accepted func(jobUUID string)) (*types.JobResult, error) {
	stream, err := c.conn.NewStream(ctx, &wire.SubmitStreamDesc, wire.MethodSubmit)
	if err != nil {
		return nil, fmt.Errorf("failed to open submit stream: %w", err)
	}
	// io.EOF means the driver already ended the call; RecvMsg returns its status
	if err := stream.SendMsg(&wire.SubmitRequest{Job: job}); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to send job: %w", convertError(err))
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("failed to send job: %w", err)
	}

	for {
		var ev wire.SubmitEvent
		if err := stream.RecvMsg(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("driver closed the stream before job %s completed", job.UUID)
			}
			return nil, convertError(err)
		}
		if ev.Accepted && accepted != nil {
			accepted(ev.JobUUID)
		}
		if ev.Result != nil {
			return ev.Result, nil
		}
	}
}

// WatchEvents calls fn for every driver event of the given kinds (all events
// when kinds is empty) until ctx is cancelled, which returns nil.
func (c *Client) WatchEvents(ctx context.Context, kinds []events.EventType, fn func(*events.Event)) error {
	stream, err := c.conn.NewStream(ctx, &wire.WatchEventsStreamDesc, wire.MethodWatchEvents)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	if err := stream.SendMsg(&wire.WatchRequest{Types: kinds}); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to start watching: %w", convertError(err))
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to start watching: %w", err)
	}

	for {
		var ev events.Event
		if err := stream.RecvMsg(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errors.New("driver closed the event stream")
			}
			return convertError(err)
		}
		fn(&ev)
	}
}

// JobStatus returns a job's status, from the queue or the history
func (c *Client) JobStatus(uuid string) (*types.JobStatus, error) {
	var st types.JobStatus
	if err := c.invoke(wire.MethodJobStatus, &wire.JobRequest{UUID: uuid}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ListJobs returns queued jobs followed by recently finished ones
func (c *Client) ListJobs() ([]types.JobStatus, error) {
	var resp wire.JobList
	if err := c.invoke(wire.MethodListJobs, &wire.Empty{}, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// ListNodes returns the connected nodes
func (c *Client) ListNodes() ([]types.NodeSnapshot, error) {
	var resp wire.NodeList
	if err := c.invoke(wire.MethodListNodes, &wire.Empty{}, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// CancelJob cancels a job; false when it had already finished
func (c *Client) CancelJob(uuid string) (bool, error) {
	return c.ack(wire.MethodCancelJob, &wire.JobRequest{UUID: uuid})
}

// SuspendJob stops dispatching a job
func (c *Client) SuspendJob(uuid string) (bool, error) {
	return c.ack(wire.MethodSuspendJob, &wire.JobRequest{UUID: uuid})
}

// ResumeJob resumes a suspended job
func (c *Client) ResumeJob(uuid string) (bool, error) {
	return c.ack(wire.MethodResumeJob, &wire.JobRequest{UUID: uuid})
}

// SetJobPriority changes a queued job's priority
func (c *Client) SetJobPriority(uuid string, priority int) (bool, error) {
	return c.ack(wire.MethodSetJobPriority, &wire.PriorityRequest{UUID: uuid, Priority: priority})
}

// SetJobMaxNodes changes how many nodes may run a job at once
func (c *Client) SetJobMaxNodes(uuid string, maxNodes int) (bool, error) {
	return c.ack(wire.MethodSetJobMaxNodes, &wire.MaxNodesRequest{UUID: uuid, MaxNodes: maxNodes})
}

// ShutdownNode asks a connected node to end its session
func (c *Client) ShutdownNode(uuid string) (bool, error) {
	return c.ack(wire.MethodShutdownNode, &wire.JobRequest{UUID: uuid})
}

// GetLoadBalancer returns the driver's load-balancer settings
func (c *Client) GetLoadBalancer() (bundler.Settings, error) {
	var resp wire.LoadBalancerSettings
	if err := c.invoke(wire.MethodGetLoadBalancer, &wire.Empty{}, &resp); err != nil {
		return bundler.Settings{}, err
	}
	return resp.Settings, nil
}

// ChangeLoadBalancerSettings applies new load-balancer settings. Invalid
// settings are rejected and the driver keeps its current ones.
func (c *Client) ChangeLoadBalancerSettings(s bundler.Settings) error {
	var resp wire.Ack
	return c.invoke(wire.MethodChangeLoadBalancerSettings, &wire.LoadBalancerSettings{Settings: s}, &resp)
}

// JoinCluster asks the driver to add a standby driver to the history cluster
func (c *Client) JoinCluster(ctx context.Context, nodeID, addr string) error {
	var resp wire.Ack
	if err := c.conn.Invoke(ctx, wire.MethodJoinCluster, &wire.JoinRequest{NodeID: nodeID, Addr: addr}, &resp); err != nil {
		return convertError(err)
	}
	return nil
}

func (c *Client) ack(method string, req any) (bool, error) {
	var resp wire.Ack
	if err := c.invoke(method, req, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

func (c *Client) invoke(method string, req, resp any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return convertError(err)
	}
	return nil
}

// convertError maps gRPC status codes back to the driver's sentinel errors
func convertError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		if st.Message() == types.ErrNodeNotFound.Error() {
			return types.ErrNodeNotFound
		}
		return fmt.Errorf("%s: %w", st.Message(), types.ErrJobNotFound)
	case codes.AlreadyExists:
		return fmt.Errorf("%s: %w", st.Message(), types.ErrDuplicateJob)
	case codes.Unavailable:
		if st.Message() == types.ErrDriverStopped.Error() {
			return types.ErrDriverStopped
		}
	}
	return err
}
