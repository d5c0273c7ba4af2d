// ABOUTME: Hand-built gRPC service descriptors for the sandbox.v1 worker services
// ABOUTME: Decodes well-known protobuf messages and dispatches to the stub Server

package workerstub

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/sandboxd/internal/rpc"
)

// unary builds a MethodHandler that decodes a Req and calls fn on the Server.
func unary[Req proto.Message](fullMethod string, newReq func() Req, fn func(*Server, context.Context, Req) (proto.Message, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(*Server), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(srv.(*Server), ctx, req.(Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func newStruct() *structpb.Struct { return new(structpb.Struct) }
func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }
func newEmpty() *emptypb.Empty { return new(emptypb.Empty) }

var taskServiceDesc = grpc.ServiceDesc{
	ServiceName: rpc.TaskServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "NewTask", Handler: unary(rpc.MethodNewTask, newStruct, (*Server).newTask)},
		{MethodName: "ShowTaskWithId", Handler: unary(rpc.MethodShowTaskWithID, newString, (*Server).showTask)},
		{MethodName: "CancelTask", Handler: unary(rpc.MethodCancelTask, newEmpty, (*Server).cancelTask)},
	},
}

var fileServiceDesc = grpc.ServiceDesc{
	ServiceName: rpc.FileServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SearchFiles", Handler: unary(rpc.MethodSearchFiles, newStruct, (*Server).searchFiles)},
	},
}

var modelsServiceDesc = grpc.ServiceDesc{
	ServiceName: rpc.ModelsServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "UpdateApiConfiguration", Handler: unary(rpc.MethodUpdateAPIConfiguration, newStruct, (*Server).updateConfiguration)},
	},
}

var stateServiceDesc = grpc.ServiceDesc{
	ServiceName: rpc.StateServiceName,
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    rpc.StateStreamDesc.StreamName,
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				if err := stream.RecvMsg(new(emptypb.Empty)); err != nil {
					return err
				}
				return srv.(*Server).subscribeToState(stream)
			},
		},
	},
}
