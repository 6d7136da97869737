package api

import (
	"context"

	"github.com/cuemby/taskgrid/pkg/types"
	"github.com/cuemby/taskgrid/pkg/wire"
	"google.golang.org/grpc"
)

// nodeService is the server side of taskgrid.NodeService
type nodeService interface {
	Connect(grpc.ServerStream) error
}

// driverService is the server side of taskgrid.DriverService
type driverService interface {
	Submit(grpc.ServerStream) error
	WatchEvents(grpc.ServerStream) error
	JobStatus(context.Context, *wire.JobRequest) (*types.JobStatus, error)
	ListJobs(context.Context, *wire.Empty) (*wire.JobList, error)
	ListNodes(context.Context, *wire.Empty) (*wire.NodeList, error)
	CancelJob(context.Context, *wire.JobRequest) (*wire.Ack, error)
	SuspendJob(context.Context, *wire.JobRequest) (*wire.Ack, error)
	ResumeJob(context.Context, *wire.JobRequest) (*wire.Ack, error)
	SetJobPriority(context.Context, *wire.PriorityRequest) (*wire.Ack, error)
	SetJobMaxNodes(context.Context, *wire.MaxNodesRequest) (*wire.Ack, error)
	ShutdownNode(context.Context, *wire.JobRequest) (*wire.Ack, error)
	GetLoadBalancer(context.Context, *wire.Empty) (*wire.LoadBalancerSettings, error)
	ChangeLoadBalancerSettings(context.Context, *wire.LoadBalancerSettings) (*wire.Ack, error)
	JoinCluster(context.Context, *wire.JoinRequest) (*wire.Ack, error)
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: wire.NodeServiceName,
	HandlerType: (*nodeService)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    wire.ConnectStreamDesc.StreamName,
			Handler:       func(srv any, stream grpc.ServerStream) error { return srv.(nodeService).Connect(stream) },
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "taskgrid/node",
}

var driverServiceDesc = grpc.ServiceDesc{
	ServiceName: wire.DriverServiceName,
	HandlerType: (*driverService)(nil),
	Methods: []grpc.MethodDesc{
		unary("JobStatus", driverService.JobStatus),
		unary("ListJobs", driverService.ListJobs),
		unary("ListNodes", driverService.ListNodes),
		unary("CancelJob", driverService.CancelJob),
		unary("SuspendJob", driverService.SuspendJob),
		unary("ResumeJob", driverService.ResumeJob),
		unary("SetJobPriority", driverService.SetJobPriority),
		unary("SetJobMaxNodes", driverService.SetJobMaxNodes),
		unary("ShutdownNode", driverService.ShutdownNode),
		unary("GetLoadBalancer", driverService.GetLoadBalancer),
		unary("ChangeLoadBalancerSettings", driverService.ChangeLoadBalancerSettings),
		unary("JoinCluster", driverService.JoinCluster),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    wire.SubmitStreamDesc.StreamName,
			Handler:       func(srv any, stream grpc.ServerStream) error { return srv.(driverService).Submit(stream) },
			ServerStreams: true,
		},
		{
			StreamName:    wire.WatchEventsStreamDesc.StreamName,
			Handler:       func(srv any, stream grpc.ServerStream) error { return srv.(driverService).WatchEvents(stream) },
			ServerStreams: true,
		},
	},
	Metadata: "taskgrid/driver",
}

// unary builds the method descriptor of a DriverService call, decoding the
// request and running the interceptor chain the way generated code does
func unary[Req, Resp any](name string, call func(driverService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + wire.DriverServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(driverService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
