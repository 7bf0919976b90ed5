// Package remote runs callback steps in a separate plugin host over gRPC.
package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName   = "fileflow.plugin.v1.StepRuntime"
	executeMethod = "/" + serviceName + "/Execute"
)

// StepRuntimeServer is the server side of the plugin host service.
type StepRuntimeServer interface {
	Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

func RegisterStepRuntimeServer(s grpc.ServiceRegistrar, srv StepRuntimeServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StepRuntimeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fileflow/plugin/v1/step_runtime.proto",
}

func executeHandler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StepRuntimeServer).Execute(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StepRuntimeServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
