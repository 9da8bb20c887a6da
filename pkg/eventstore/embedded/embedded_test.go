package embedded

import (
	"context"
	"testing"

	"github.com/thalo-rs/thalo/pkg/event"
	"github.com/thalo-rs/thalo/pkg/eventstore"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendAssignsDenseSequences(t *testing.T) {
	store := openTest(t)
	ctx := context.Background()

	recs, err := store.AppendToStream(ctx, "counter-a", []event.NewEvent{
		{EventType: "Incremented", Data: []byte(`{}`)},
		{EventType: "Incremented", Data: []byte(`{}`)},
	}, nil)
	if err != nil {
		t.Fatalf("AppendToStream: %v", err)
	}
	if recs[0].Sequence != 0 || recs[1].Sequence != 1 {
		t.Fatalf("expected dense sequences 0,1, got %d,%d", recs[0].Sequence, recs[1].Sequence)
	}
	if recs[0].GlobalSequence != 0 || recs[1].GlobalSequence != 1 {
		t.Fatalf("expected dense global sequences 0,1, got %d,%d", recs[0].GlobalSequence, recs[1].GlobalSequence)
	}
}

func TestAppendWrongExpectedSequence(t *testing.T) {
	store := openTest(t)
	ctx := context.Background()

	if _, err := store.AppendToStream(ctx, "counter-a", []event.NewEvent{{EventType: "Incremented", Data: []byte(`{}`)}}, nil); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	_, err := store.AppendToStream(ctx, "counter-a", []event.NewEvent{{EventType: "Incremented", Data: []byte(`{}`)}}, nil)
	if err == nil {
		t.Fatal("expected a wrong-expected-sequence error")
	}
	var wrongSeq *eventstore.WrongExpectedSequenceError
	if !asWrongSeq(err, &wrongSeq) {
		t.Fatalf("expected *eventstore.WrongExpectedSequenceError, got %T: %v", err, err)
	}
}

func asWrongSeq(err error, target **eventstore.WrongExpectedSequenceError) bool {
	if e, ok := err.(*eventstore.WrongExpectedSequenceError); ok {
		*target = e
		return true
	}
	return false
}

func TestIterStreamFrom(t *testing.T) {
	store := openTest(t)
	ctx := context.Background()

	if _, err := store.AppendToStream(ctx, "counter-a", []event.NewEvent{
		{EventType: "A", Data: []byte(`{}`)},
		{EventType: "B", Data: []byte(`{}`)},
		{EventType: "C", Data: []byte(`{}`)},
	}, nil); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	it, err := store.IterStream(ctx, "counter-a", 1)
	if err != nil {
		t.Fatalf("IterStream: %v", err)
	}
	defer it.Close()

	var types []string
	for {
		rec, ok, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		types = append(types, rec.EventType)
	}
	if len(types) != 2 || types[0] != "B" || types[1] != "C" {
		t.Fatalf("unexpected records from sequence 1: %v", types)
	}
}

func TestPullOutboxDeletesOnlyPulled(t *testing.T) {
	store := openTest(t)
	ctx := context.Background()

	if _, err := store.AppendToStream(ctx, "counter-a", []event.NewEvent{
		{EventType: "A", Data: []byte(`{}`)},
		{EventType: "B", Data: []byte(`{}`)},
	}, nil); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	batch, ack, err := store.PullOutbox(ctx, 1)
	if err != nil {
		t.Fatalf("PullOutbox: %v", err)
	}
	if len(batch) != 1 || batch[0].EventType != "A" {
		t.Fatalf("expected first outbox record only, got %+v", batch)
	}
	if err := ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}

	remaining, _, err := store.PullOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("PullOutbox: %v", err)
	}
	if len(remaining) != 1 || remaining[0].EventType != "B" {
		t.Fatalf("expected only the unpulled record to remain, got %+v", remaining)
	}
}

func TestProjectionPositionRoundTrip(t *testing.T) {
	store := openTest(t)
	ctx := context.Background()

	pos := eventstore.Position{LastSeenGlobalID: eventstore.Seq(5), LastRelevantGlobalID: eventstore.Seq(3)}
	if err := store.SaveProjectionPosition(ctx, "sub1", pos); err != nil {
		t.Fatalf("SaveProjectionPosition: %v", err)
	}

	got, err := store.LoadProjectionPosition(ctx, "sub1")
	if err != nil {
		t.Fatalf("LoadProjectionPosition: %v", err)
	}
	if *got.LastSeenGlobalID != 5 || *got.LastRelevantGlobalID != 3 {
		t.Fatalf("unexpected position: %+v", got)
	}
}

func TestStreamHeadNilForUnknownStream(t *testing.T) {
	store := openTest(t)
	head, err := store.StreamHead(context.Background(), "counter-missing")
	if err != nil {
		t.Fatalf("StreamHead: %v", err)
	}
	if head != nil {
		t.Fatalf("expected nil head for unknown stream, got %v", *head)
	}
}
