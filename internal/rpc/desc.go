// Package rpc exposes the relay over gRPC as skypebridge.v1.Bridge. The
// service is described by hand over protobuf well-known types, so no
// generated code is involved.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "skypebridge.v1.Bridge"

const (
	methodSend    = "/" + ServiceName + "/Send"
	methodExecute = "/" + ServiceName + "/Execute"
	methodStatus  = "/" + ServiceName + "/Status"
	methodConnect = "/" + ServiceName + "/Connect"
	methodWatch   = "/" + ServiceName + "/Watch"
)

// FullMethod returns the gRPC method path for a Bridge method name.
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

// BridgeServer is the server API.
type BridgeServer interface {
	// Send passes a command to Skype without waiting.
	Send(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	// Execute takes {command, response, with_id, timeout_ms} and returns the
	// response text.
	Execute(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Connect (re)attaches; true forces rediscovery.
	Connect(context.Context, *wrapperspb.BoolValue) (*structpb.Struct, error)
	// Watch takes {prefixes} and streams matching notifications.
	Watch(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterBridgeServer registers srv on s.
func RegisterBridgeServer(s grpc.ServiceRegistrar, srv BridgeServer) {
	s.RegisterService(&BridgeServiceDesc, srv)
}

// BridgeServiceDesc describes skypebridge.v1.Bridge.
var BridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "Connect", Handler: connectHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "skypebridge/v1/bridge.proto",
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BridgeServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSend}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(BridgeServer).Send(ctx, req.(*wrapperspb.StringValue))
	})
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BridgeServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodExecute}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(BridgeServer).Execute(ctx, req.(*structpb.Struct))
	})
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BridgeServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStatus}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(BridgeServer).Status(ctx, req.(*emptypb.Empty))
	})
}

func connectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BoolValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BridgeServer).Connect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodConnect}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(BridgeServer).Connect(ctx, req.(*wrapperspb.BoolValue))
	})
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BridgeServer).Watch(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}
