package grpcapi

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/thalo-rs/thalo/pkg/event"
)

// Client is a thin JSON-codec gRPC client for cmd/thalo's subcommands.
// Authentication is out of scope (spec.md §1 Non-goals); connections are
// plaintext.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
	)
	if err != nil {
		return nil, fmt.Errorf("grpcapi: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Execute invokes the Execute RPC.
func (c *Client) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	resp := new(ExecuteResponse)
	if err := c.conn.Invoke(ctx, "/thalo.ThaloAPI/Execute", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Publish invokes the Publish RPC.
func (c *Client) Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error) {
	resp := new(PublishResponse)
	if err := c.conn.Invoke(ctx, "/thalo.ThaloAPI/Publish", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AcknowledgeEvent invokes the AcknowledgeEvent RPC.
func (c *Client) AcknowledgeEvent(ctx context.Context, req *AcknowledgeRequest) error {
	resp := new(AcknowledgeResponse)
	return c.conn.Invoke(ctx, "/thalo.ThaloAPI/AcknowledgeEvent", req, resp)
}

// SubscribeToEvents opens the SubscribeToEvents server stream and invokes
// onEvent for every record until the stream ends or ctx is cancelled.
func (c *Client) SubscribeToEvents(ctx context.Context, req *SubscribeRequest, onEvent func(event.Record) error) error {
	desc := &grpc.StreamDesc{StreamName: "SubscribeToEvents", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/thalo.ThaloAPI/SubscribeToEvents")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		rec := new(event.Record)
		if err := stream.RecvMsg(rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := onEvent(*rec); err != nil {
			return err
		}
	}
}
