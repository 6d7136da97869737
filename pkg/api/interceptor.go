package api

import (
	"context"
	"path"
	"strings"

	"github.com/cuemby/taskgrid/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// readOnlyPrefixes and readOnlyCalls list what the unix socket accepts
var (
	readOnlyPrefixes = []string{"List", "Get", "Watch"}
	readOnlyCalls    = map[string]bool{"JobStatus": true}
)

// ReadOnlyInterceptor rejects every unary call that changes driver state
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := checkReadOnly(info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// ReadOnlyStreamInterceptor rejects job submission and node sessions on the
// read-only listener
func ReadOnlyStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := checkReadOnly(info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func checkReadOnly(fullMethod string) error {
	if isReadOnlyMethod(fullMethod) {
		return nil
	}
	return status.Errorf(codes.PermissionDenied,
		"%s not allowed on the unix socket, use the driver's TCP address", methodName(fullMethod))
}

// MetricsInterceptor counts and times unary API calls
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		method := methodName(info.FullMethod)
		timer := metrics.NewTimer()
		resp, err := handler(ctx, req)
		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		metrics.APIRequestsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// StreamMetricsInterceptor counts streaming calls once they end. Node
// sessions and event feeds are long-lived, so their duration is not observed.
func StreamMetricsInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		err := handler(srv, ss)
		metrics.APIRequestsTotal.WithLabelValues(methodName(info.FullMethod), status.Code(err).String()).Inc()
		return err
	}
}

// methodName turns "/taskgrid.DriverService/ListJobs" into "ListJobs"
func methodName(fullMethod string) string {
	if fullMethod == "" {
		return ""
	}
	return path.Base(fullMethod)
}

func isReadOnlyMethod(fullMethod string) bool {
	name := methodName(fullMethod)
	if name == "" || name == "/" {
		return false
	}
	if readOnlyCalls[name] {
		return true
	}
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
