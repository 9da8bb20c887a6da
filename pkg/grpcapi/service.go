package grpcapi

import (
	"context"

	"google.golang.org/grpc"

	"github.com/thalo-rs/thalo/pkg/event"
)

// thaloAPIServer is the interface Server must satisfy to back serviceDesc;
// it stands in for a .proto-generated server interface.
type thaloAPIServer interface {
	Execute(context.Context, *ExecuteRequest) (*ExecuteResponse, error)
	Publish(context.Context, *PublishRequest) (*PublishResponse, error)
	AcknowledgeEvent(context.Context, *AcknowledgeRequest) (*AcknowledgeResponse, error)
	SubscribeToEvents(*SubscribeRequest, grpc.ServerStreamingServer[event.Record]) error
}

var _ thaloAPIServer = (*Server)(nil)

// serviceDesc wires the four Command RPCs by hand, in place of the
// .proto-generated ServiceDesc a codegen step would normally produce.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "thalo.ThaloAPI",
	HandlerType: (*thaloAPIServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "Publish", Handler: publishHandler},
		{MethodName: "AcknowledgeEvent", Handler: acknowledgeEventHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeToEvents",
			Handler:       subscribeToEventsHandler,
			ServerStreams: true,
		},
	},
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ExecuteRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(thaloAPIServer).Execute(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/thalo.ThaloAPI/Execute"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(thaloAPIServer).Execute(ctx, req.(*ExecuteRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(PublishRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(thaloAPIServer).Publish(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/thalo.ThaloAPI/Publish"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(thaloAPIServer).Publish(ctx, req.(*PublishRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func acknowledgeEventHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(AcknowledgeRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(thaloAPIServer).AcknowledgeEvent(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/thalo.ThaloAPI/AcknowledgeEvent"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(thaloAPIServer).AcknowledgeEvent(ctx, req.(*AcknowledgeRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func subscribeToEventsHandler(srv any, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(thaloAPIServer).SubscribeToEvents(req, &eventRecordServerStream{stream})
}

// eventRecordServerStream adapts an untyped grpc.ServerStream into a
// grpc.ServerStreamingServer[event.Record], the way generated code's
// per-RPC wrapper type would.
type eventRecordServerStream struct {
	grpc.ServerStream
}

func (s *eventRecordServerStream) Send(rec *event.Record) error {
	return s.SendMsg(rec)
}
