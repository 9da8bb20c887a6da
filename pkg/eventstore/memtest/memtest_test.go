package memtest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/thalo-rs/thalo/pkg/event"
	"github.com/thalo-rs/thalo/pkg/eventstore"
)

func TestAppendAssignsDenseSequences(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	written, err := s.AppendToStream(ctx, "counter-1", []event.NewEvent{
		{EventType: "Incremented", Data: json.RawMessage(`{"amount":3}`)},
	}, nil)
	if err != nil {
		t.Fatalf("AppendToStream: %v", err)
	}
	if len(written) != 1 || written[0].Sequence != 0 {
		t.Fatalf("expected sequence 0, got %+v", written)
	}

	written, err = s.AppendToStream(ctx, "counter-1", []event.NewEvent{
		{EventType: "Incremented", Data: json.RawMessage(`{"amount":2}`)},
	}, eventstore.Seq(0))
	if err != nil {
		t.Fatalf("AppendToStream: %v", err)
	}
	if written[0].Sequence != 1 {
		t.Fatalf("expected sequence 1, got %+v", written)
	}
}

func TestAppendWrongExpectedSequence(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	if _, err := s.AppendToStream(ctx, "counter-1", []event.NewEvent{{EventType: "X"}}, eventstore.Seq(0)); err == nil {
		t.Fatal("expected WrongExpectedSequenceError on empty stream with expected=Some(0)")
	} else if _, ok := err.(*eventstore.WrongExpectedSequenceError); !ok {
		t.Fatalf("expected WrongExpectedSequenceError, got %T: %v", err, err)
	}
}

func TestIterStreamFrom(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	for i := 0; i < 3; i++ {
		var expected eventstore.ExpectedSequence
		if i > 0 {
			expected = eventstore.Seq(uint64(i - 1))
		}
		if _, err := s.AppendToStream(ctx, "counter-1", []event.NewEvent{{EventType: "Incremented"}}, expected); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	it, err := s.IterStream(ctx, "counter-1", 1)
	if err != nil {
		t.Fatalf("IterStream: %v", err)
	}
	var seqs []uint64
	for {
		rec, ok, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		seqs = append(seqs, rec.Sequence)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("expected [1 2], got %v", seqs)
	}
}

func TestPullOutboxDeletesOnlyPulled(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	for i := 0; i < 5; i++ {
		var expected eventstore.ExpectedSequence
		if i > 0 {
			expected = eventstore.Seq(uint64(i - 1))
		}
		if _, err := s.AppendToStream(ctx, "counter-1", []event.NewEvent{{EventType: "Incremented"}}, expected); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	batch, del, err := s.PullOutbox(ctx, 2)
	if err != nil {
		t.Fatalf("PullOutbox: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(batch))
	}
	if err := del(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}

	remaining, _, err := s.PullOutbox(ctx, 100)
	if err != nil {
		t.Fatalf("PullOutbox: %v", err)
	}
	if len(remaining) != 3 {
		t.Fatalf("expected 3 remaining, got %d", len(remaining))
	}
}

func TestProjectionPositionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	pos, err := s.LoadProjectionPosition(ctx, "balances")
	if err != nil {
		t.Fatalf("LoadProjectionPosition: %v", err)
	}
	if pos.LastSeenGlobalID != nil {
		t.Fatalf("expected nil LastSeenGlobalID for unseen projection, got %v", pos.LastSeenGlobalID)
	}

	want := eventstore.Position{LastSeenGlobalID: eventstore.Seq(4), LastRelevantGlobalID: eventstore.Seq(2)}
	if err := s.SaveProjectionPosition(ctx, "balances", want); err != nil {
		t.Fatalf("SaveProjectionPosition: %v", err)
	}
	got, err := s.LoadProjectionPosition(ctx, "balances")
	if err != nil {
		t.Fatalf("LoadProjectionPosition: %v", err)
	}
	if *got.LastSeenGlobalID != 4 || *got.LastRelevantGlobalID != 2 {
		t.Fatalf("position not round-tripped: %+v", got)
	}
}
