package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mptm.v1.ControlService"

// Method names.
const (
	methodGetStatus     = "GetStatus"
	methodUpdateEntry   = "UpdateEntry"
	methodListTunnels   = "ListTunnels"
	methodListRedirects = "ListRedirects"
	methodGetStatistics = "GetStatistics"
	methodGetTrace      = "GetTrace"
	methodStreamTrace   = "StreamTrace"
	methodConfigure     = "Configure"
)

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// ControlServer is the server side of the control service. Messages are
// google.protobuf.Struct documents carrying the JSON form of the Go
// types in this package.
type ControlServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	UpdateEntry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTunnels(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListRedirects(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetStatistics(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetTrace(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamTrace(*structpb.Struct, grpc.ServerStream) error
	Configure(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// unaryHandler adapts a typed ControlServer method to a grpc.MethodHandler.
func unaryHandler[T proto.Message](name string, newReq func() T, call func(ControlServer, context.Context, T) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServer), ctx, req.(T))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func newEmpty() *emptypb.Empty    { return new(emptypb.Empty) }
func newStruct() *structpb.Struct { return new(structpb.Struct) }

func streamTraceHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).StreamTrace(in, stream)
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodGetStatus, Handler: unaryHandler(methodGetStatus, newEmpty, ControlServer.GetStatus)},
		{MethodName: methodUpdateEntry, Handler: unaryHandler(methodUpdateEntry, newStruct, ControlServer.UpdateEntry)},
		{MethodName: methodListTunnels, Handler: unaryHandler(methodListTunnels, newEmpty, ControlServer.ListTunnels)},
		{MethodName: methodListRedirects, Handler: unaryHandler(methodListRedirects, newEmpty, ControlServer.ListRedirects)},
		{MethodName: methodGetStatistics, Handler: unaryHandler(methodGetStatistics, newEmpty, ControlServer.GetStatistics)},
		{MethodName: methodGetTrace, Handler: unaryHandler(methodGetTrace, newStruct, ControlServer.GetTrace)},
		{MethodName: methodConfigure, Handler: unaryHandler(methodConfigure, newStruct, ControlServer.Configure)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: methodStreamTrace, Handler: streamTraceHandler, ServerStreams: true},
	},
	Metadata: "mptm/v1/control.proto",
}

// toStruct converts v to a Struct through its JSON form. When key is not
// empty the value is placed under key; otherwise v must encode as a JSON
// object.
func toStruct(key string, v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if key != "" {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		return structpb.NewStruct(map[string]any{key: raw})
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%T does not encode as an object: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes s into v through its JSON form. When key is not
// empty the value under key is decoded instead of the whole document.
func fromStruct(s *structpb.Struct, key string, v any) error {
	if s == nil {
		return fmt.Errorf("empty message")
	}
	var src any = s.AsMap()
	if key != "" {
		src = s.AsMap()[key]
	}
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
