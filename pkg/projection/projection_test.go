package projection

import (
	"context"
	"testing"
	"time"

	"github.com/thalo-rs/thalo/internal/broadcast"
	"github.com/thalo-rs/thalo/pkg/event"
	"github.com/thalo-rs/thalo/pkg/eventstore"
	"github.com/thalo-rs/thalo/pkg/eventstore/memtest"
)

func appendOne(t *testing.T, store *memtest.Store, stream, eventType string) event.Record {
	t.Helper()
	recs, err := store.AppendToStream(context.Background(), stream, []event.NewEvent{{EventType: eventType, Data: []byte(`{}`)}}, nil)
	if err != nil {
		t.Fatalf("seed append: %v", err)
	}
	return recs[0]
}

func newTestGateway(t *testing.T) (*Gateway, *memtest.Store, *broadcast.Broadcaster) {
	t.Helper()
	store := memtest.New(nil)
	b := broadcast.New()
	b.Start()
	t.Cleanup(b.Stop)

	g := NewGateway(store, b)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	g.Start(ctx)
	t.Cleanup(g.Stop)
	return g, store, b
}

func TestStartProjectionDeliversHistoricalEvents(t *testing.T) {
	g, store, _ := newTestGateway(t)

	want := appendOne(t, store, "counter-a", "Incremented")

	tx := make(chan event.Record, 1)
	ctx := context.Background()
	if err := g.StartProjection(ctx, "sub1", nil, tx); err != nil {
		t.Fatalf("StartProjection: %v", err)
	}

	select {
	case got := <-tx:
		if got.ID != want.ID {
			t.Fatalf("got event %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive historical event")
	}
}

func TestInterestFiltersUnwantedEvents(t *testing.T) {
	g, store, b := newTestGateway(t)

	tx := make(chan event.Record, 4)
	ctx := context.Background()
	interest := []Interest{{Category: "counter", EventType: "Incremented"}}
	if err := g.StartProjection(ctx, "sub1", interest, tx); err != nil {
		t.Fatalf("StartProjection: %v", err)
	}

	decremented, err := store.AppendToStream(ctx, "counter-a", []event.NewEvent{{EventType: "Decremented", Data: []byte(`{}`)}}, nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	b.Publish(decremented)

	incremented, err := store.AppendToStream(ctx, "counter-a", []event.NewEvent{{EventType: "Incremented", Data: []byte(`{}`)}}, eventstore.Seq(decremented[0].Sequence))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	b.Publish(incremented)

	select {
	case got := <-tx:
		if got.EventType != "Incremented" {
			t.Fatalf("expected only Incremented to be delivered, got %q", got.EventType)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive the event of interest")
	}

	select {
	case got := <-tx:
		t.Fatalf("unexpected second delivery: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAcknowledgeEventUnblocksNextEvent(t *testing.T) {
	g, store, _ := newTestGateway(t)

	appendOne(t, store, "counter-a", "Incremented")
	appendOne(t, store, "counter-a", "Incremented")

	tx := make(chan event.Record)
	ctx := context.Background()
	if err := g.StartProjection(ctx, "sub1", nil, tx); err != nil {
		t.Fatalf("StartProjection: %v", err)
	}

	var first event.Record
	select {
	case first = <-tx:
	case <-time.After(time.Second):
		t.Fatal("did not receive first historical event")
	}

	select {
	case got := <-tx:
		t.Fatalf("second event delivered before ack: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}

	if err := g.AcknowledgeEvent(ctx, "sub1", first.GlobalSequence); err != nil {
		t.Fatalf("AcknowledgeEvent: %v", err)
	}

	select {
	case <-tx:
	case <-time.After(time.Second):
		t.Fatal("second event not delivered after ack")
	}
}

func TestAcknowledgeEventUnknownSubscription(t *testing.T) {
	g, _, _ := newTestGateway(t)

	if err := g.AcknowledgeEvent(context.Background(), "missing", 0); err == nil {
		t.Fatal("expected an error for an unknown subscription")
	}
}
