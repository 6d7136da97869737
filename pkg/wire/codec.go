package wire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype used by every taskgrid service
const CodecName = "taskgrid"

// gRPC service and method names
const (
	NodeServiceName   = "taskgrid.NodeService"
	DriverServiceName = "taskgrid.DriverService"

	MethodConnect = "/" + NodeServiceName + "/Connect"

	MethodSubmit                     = "/" + DriverServiceName + "/Submit"
	MethodJobStatus                  = "/" + DriverServiceName + "/JobStatus"
	MethodListJobs                   = "/" + DriverServiceName + "/ListJobs"
	MethodListNodes                  = "/" + DriverServiceName + "/ListNodes"
	MethodCancelJob                  = "/" + DriverServiceName + "/CancelJob"
	MethodSuspendJob                 = "/" + DriverServiceName + "/SuspendJob"
	MethodResumeJob                  = "/" + DriverServiceName + "/ResumeJob"
	MethodSetJobPriority             = "/" + DriverServiceName + "/SetJobPriority"
	MethodSetJobMaxNodes             = "/" + DriverServiceName + "/SetJobMaxNodes"
	MethodGetLoadBalancer            = "/" + DriverServiceName + "/GetLoadBalancer"
	MethodChangeLoadBalancerSettings = "/" + DriverServiceName + "/ChangeLoadBalancerSettings"
	MethodJoinCluster                = "/" + DriverServiceName + "/JoinCluster"
	MethodShutdownNode               = "/" + DriverServiceName + "/ShutdownNode"
	MethodWatchEvents                = "/" + DriverServiceName + "/WatchEvents"
)

// ConnectStreamDesc describes the bidirectional node stream
var ConnectStreamDesc = grpc.StreamDesc{
	StreamName:    "Connect",
	ServerStreams: true,
	ClientStreams: true,
}

// SubmitStreamDesc describes the server-streaming submit call
var SubmitStreamDesc = grpc.StreamDesc{
	StreamName:    "Submit",
	ServerStreams: true,
}

// WatchEventsStreamDesc describes the server-streaming event feed
var WatchEventsStreamDesc = grpc.StreamDesc{
	StreamName:    "WatchEvents",
	ServerStreams: true,
}

// Codec moves node frames as raw bytes and everything else as JSON
type Codec struct{}

var _ encoding.Codec = Codec{}

func init() {
	encoding.RegisterCodec(Codec{})
}

// Marshal encodes a gRPC message
func (Codec) Marshal(v any) ([]byte, error) {
	if f, ok := v.(*Frame); ok {
		return f.Data, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return data, nil
}

// Unmarshal decodes a gRPC message
func (Codec) Unmarshal(data []byte, v any) error {
	if f, ok := v.(*Frame); ok {
		f.Data = append(f.Data[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("invalid %T payload", v), Err: err}
	}
	return nil
}

// Name returns the codec's content-subtype
func (Codec) Name() string {
	return CodecName
}
