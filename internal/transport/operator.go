package transport

import (
	"context"

	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// OperatorServiceName is the fully qualified gRPC service name.
const OperatorServiceName = "gusearch.v1.OperatorService"

const (
	executeMethod   = "/" + OperatorServiceName + "/Execute"
	ringStateMethod = "/" + OperatorServiceName + "/RingState"
)

// OperatorServer is the control plane a node exposes over gRPC. Messages are
// protobuf well known types, so no generated code is needed.
type OperatorServer interface {
	// Execute runs one operator command line and returns its text output.
	Execute(context.Context, *wrapperspb.StringValue) (*httpbody.HttpBody, error)
	// RingState returns the node's pointers, fingers and store summary.
	RingState(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterOperatorServer adds srv to s.
func RegisterOperatorServer(s grpc.ServiceRegistrar, srv OperatorServer) {
	s.RegisterService(&operatorServiceDesc, srv)
}

var operatorServiceDesc = grpc.ServiceDesc{
	ServiceName: OperatorServiceName,
	HandlerType: (*OperatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "RingState", Handler: ringStateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gusearch/v1/operator.proto",
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OperatorServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OperatorServer).Execute(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func ringStateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OperatorServer).RingState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ringStateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OperatorServer).RingState(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
