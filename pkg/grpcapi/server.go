// Package grpcapi is the thin gRPC transport boundary: it translates wire
// calls into runtime.Runtime and projection.Gateway method calls and back,
// using a JSON codec in place of generated protobuf stubs.
package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/thalo-rs/thalo/internal/log"
	"github.com/thalo-rs/thalo/pkg/errs"
	"github.com/thalo-rs/thalo/pkg/event"
	"github.com/thalo-rs/thalo/pkg/projection"
	"github.com/thalo-rs/thalo/pkg/runtime"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// executeTimeoutErr is what net/context hands back when the caller's
// deadline fires before the runtime replies; mapped to ExecuteResponse's
// "timeout" outcome per spec.md §6.
var executeTimeoutErr = context.DeadlineExceeded

// Server implements the four Command RPCs over a JSON-coded gRPC service,
// backed by a runtime.Runtime and a projection.Gateway.
type Server struct {
	rt       *runtime.Runtime
	gateway  *projection.Gateway
	grpc     *grpc.Server
	listener net.Listener
}

// NewServer constructs a Server. Call Start to begin serving.
func NewServer(rt *runtime.Runtime, gateway *projection.Gateway) *Server {
	grpcServer := grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	s := &Server{rt: rt, gateway: gateway, grpc: grpcServer}
	grpcServer.RegisterService(&serviceDesc, s)
	return s
}

// Start listens on addr and serves until Stop is called or Serve returns.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpcapi: listen: %w", err)
	}
	s.listener = lis
	log.WithComponent("grpcapi").Info().Str("addr", addr).Msg("gRPC API listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// Execute runs one command against an entity stream.
func (s *Server) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	events, err := s.rt.Execute(ctx, req.Category, req.ID, req.Command, []byte(req.Payload), req.MaxAttempts)
	if err == nil {
		return &ExecuteResponse{Outcome: "success", Events: events}, nil
	}
	if errors.Is(err, executeTimeoutErr) {
		return &ExecuteResponse{Outcome: "timeout", Message: err.Error()}, nil
	}
	return &ExecuteResponse{Outcome: "error", Message: err.Error()}, nil
}

// Publish replaces the module binary backing req.Category.
func (s *Server) Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error) {
	if err := s.rt.SaveModule(ctx, req.Category, req.Module); err != nil {
		return &PublishResponse{Outcome: "error", Message: err.Error()}, nil
	}
	return &PublishResponse{Outcome: "success"}, nil
}

// AcknowledgeEvent acknowledges delivery of req.GlobalID for req.Name.
func (s *Server) AcknowledgeEvent(ctx context.Context, req *AcknowledgeRequest) (*AcknowledgeResponse, error) {
	if err := s.gateway.AcknowledgeEvent(ctx, req.Name, req.GlobalID); err != nil {
		return nil, translateErr(err)
	}
	return &AcknowledgeResponse{}, nil
}

// SubscribeToEvents starts req.Name's subscription and streams every
// matching persisted event to the caller until the stream is cancelled.
func (s *Server) SubscribeToEvents(req *SubscribeRequest, stream grpc.ServerStreamingServer[event.Record]) error {
	tx := make(chan event.Record, 64)
	interest := make([]projection.Interest, len(req.Interest))
	for i, c := range req.Interest {
		interest[i] = projection.Interest{Category: c.Category, EventType: c.EventType}
	}

	ctx := stream.Context()
	if err := s.gateway.StartProjection(ctx, req.Name, interest, tx); err != nil {
		return translateErr(err)
	}

	for {
		select {
		case rec, ok := <-tx:
			if !ok {
				return nil
			}
			if err := stream.Send(&rec); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errs.Is(err, errs.KindValidation) {
		return fmt.Errorf("invalid request: %w", err)
	}
	return err
}
