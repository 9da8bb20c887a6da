package grpcapi_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/thalo-rs/thalo/internal/broadcast"
	"github.com/thalo-rs/thalo/pkg/component"
	"github.com/thalo-rs/thalo/pkg/component/fakemodule"
	"github.com/thalo-rs/thalo/pkg/event"
	"github.com/thalo-rs/thalo/pkg/eventstore/memtest"
	"github.com/thalo-rs/thalo/pkg/grpcapi"
	"github.com/thalo-rs/thalo/pkg/projection"
	"github.com/thalo-rs/thalo/pkg/runtime"
)

func newTestServer(t *testing.T) (*grpcapi.Server, *broadcast.Broadcaster) {
	t.Helper()
	store := memtest.New(nil)
	bc := broadcast.New()

	modules := map[string]*fakemodule.Counter{"counter": fakemodule.NewCounter()}
	loader := func(ctx context.Context, id component.ModuleID, binary []byte) (component.Module, error) {
		mod, ok := modules[id.Name.String()]
		if !ok {
			mod = fakemodule.NewCounter()
			modules[id.Name.String()] = mod
		}
		return mod, nil
	}

	rt, err := runtime.New(store, loader, runtime.Config{}, func(records []event.Record) {
		bc.Publish(records)
	})
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	if err := rt.SaveModule(context.Background(), "counter", []byte("binary")); err != nil {
		t.Fatalf("SaveModule: %v", err)
	}

	gw := projection.NewGateway(store, bc)
	gw.Start(context.Background())
	t.Cleanup(gw.Stop)

	return grpcapi.NewServer(rt, gw), bc
}

func payload(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestExecuteReturnsSuccessOutcome(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	resp, err := srv.Execute(ctx, &grpcapi.ExecuteRequest{
		Category: "counter",
		ID:       "1",
		Command:  "Increment",
		Payload:  payload(t, map[string]int{"amount": 1}),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Outcome != "success" {
		t.Fatalf("expected success outcome, got %+v", resp)
	}
	if len(resp.Events) != 1 {
		t.Fatalf("expected one event, got %+v", resp.Events)
	}
}

func TestExecuteReturnsErrorOutcomeForUnknownCategory(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	resp, err := srv.Execute(ctx, &grpcapi.ExecuteRequest{
		Category: "missing",
		ID:       "1",
		Command:  "Increment",
		Payload:  payload(t, map[string]int{"amount": 1}),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Outcome != "error" {
		t.Fatalf("expected error outcome, got %+v", resp)
	}
}

func TestPublishReplacesModule(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	resp, err := srv.Publish(ctx, &grpcapi.PublishRequest{Category: "counter", Module: []byte("new-binary")})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if resp.Outcome != "success" {
		t.Fatalf("expected success outcome, got %+v", resp)
	}
}

// fakeServerStream is a minimal grpc.ServerStream stand-in so
// SubscribeToEvents can be exercised without a real network connection.
type fakeServerStream struct {
	ctx  context.Context
	sent []event.Record
}

func (s *fakeServerStream) SetHeader(metadata.MD) error  { return nil }
func (s *fakeServerStream) SendHeader(metadata.MD) error { return nil }
func (s *fakeServerStream) SetTrailer(metadata.MD)       {}
func (s *fakeServerStream) Context() context.Context     { return s.ctx }
func (s *fakeServerStream) SendMsg(m any) error           { return nil }
func (s *fakeServerStream) RecvMsg(m any) error           { return nil }
func (s *fakeServerStream) Send(rec *event.Record) error {
	s.sent = append(s.sent, *rec)
	return nil
}

func TestSubscribeToEventsDeliversHistoricalEvent(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	if _, err := srv.Execute(ctx, &grpcapi.ExecuteRequest{
		Category: "counter", ID: "1", Command: "Increment",
		Payload: payload(t, map[string]int{"amount": 1}),
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	stream := &fakeServerStream{ctx: streamCtx}

	done := make(chan error, 1)
	go func() {
		done <- srv.SubscribeToEvents(&grpcapi.SubscribeRequest{Name: "sub1"}, stream)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	if len(stream.sent) != 1 {
		t.Fatalf("expected one delivered event, got %d", len(stream.sent))
	}
}

func TestAcknowledgeEventUnknownSubscriptionReturnsError(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := srv.AcknowledgeEvent(ctx, &grpcapi.AcknowledgeRequest{Name: "missing", GlobalID: 0}); err == nil {
		t.Fatal("expected an error for an unknown subscription")
	}
}
