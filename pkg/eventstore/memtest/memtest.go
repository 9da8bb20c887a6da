// Package memtest implements eventstore.Store entirely in memory. It exists
// so unit tests of the executor, runtime and projection layers do not
// depend on a running Postgres instance or an on-disk bbolt file; it is not
// a production back-end.
package memtest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/thalo-rs/thalo/pkg/event"
	"github.com/thalo-rs/thalo/pkg/eventstore"
	"github.com/thalo-rs/thalo/pkg/streamname"
)

// Clock returns the current time as milliseconds since epoch. Tests can
// substitute a deterministic clock.
type Clock func() int64

// Store is an in-memory eventstore.Store. The zero value is not usable; use
// New.
type Store struct {
	mu sync.Mutex

	clock Clock

	streams map[string][]event.Record // stream name -> records, sequence ascending
	global  []event.Record            // global log, global_sequence ascending
	outbox  []eventstore.OutboxRecord
	nextOut uint64

	positions map[string]eventstore.Position
}

// New constructs an empty Store. If clock is nil, a monotonically
// incrementing fake clock is used so timestamps are still strictly ordered.
func New(clock Clock) *Store {
	if clock == nil {
		var n int64
		clock = func() int64 {
			n++
			return n
		}
	}
	return &Store{
		clock:     clock,
		streams:   make(map[string][]event.Record),
		positions: make(map[string]eventstore.Position),
	}
}

func (s *Store) AppendToStream(_ context.Context, stream string, events []event.NewEvent, expected eventstore.ExpectedSequence) ([]event.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.streams[stream]
	var current eventstore.ExpectedSequence
	if len(existing) > 0 {
		current = eventstore.Seq(existing[len(existing)-1].Sequence)
	}

	if !sequenceEqual(current, expected) {
		return nil, &eventstore.WrongExpectedSequenceError{StreamName: stream, Expected: expected, Current: current}
	}

	nextSeq := uint64(0)
	if current != nil {
		nextSeq = *current + 1
	}

	written := make([]event.Record, 0, len(events))
	for _, e := range events {
		rec := event.Record{
			StreamName:     stream,
			Sequence:       nextSeq,
			GlobalSequence: uint64(len(s.global)),
			ID:             uuid.NewString(),
			EventType:      e.EventType,
			Data:           e.Data,
			Timestamp:      s.clock(),
			Metadata:       e.Metadata,
		}
		s.streams[stream] = append(s.streams[stream], rec)
		s.global = append(s.global, rec)

		cat, _, _ := splitCategory(stream)
		s.outbox = append(s.outbox, eventstore.OutboxRecord{
			ID:             s.nextOut,
			StreamName:     stream,
			Category:       cat,
			GlobalSequence: rec.GlobalSequence,
			EventType:      rec.EventType,
			Data:           rec.Data,
		})
		s.nextOut++

		written = append(written, rec)
		nextSeq++
	}
	return written, nil
}

func splitCategory(stream string) (category string, id string, ok bool) {
	n, err := streamname.New(stream)
	if err != nil {
		return stream, "", false
	}
	id, ok = n.ID()
	return n.Category(), id, ok
}

func sequenceEqual(a, b eventstore.ExpectedSequence) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *Store) IterStream(_ context.Context, stream string, from uint64) (eventstore.RecordIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.streams[stream]
	var filtered []event.Record
	for _, r := range records {
		if r.Sequence >= from {
			filtered = append(filtered, r)
		}
	}
	return &sliceIterator{records: filtered}, nil
}

func (s *Store) IterGlobal(_ context.Context, from uint64) (eventstore.RecordIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var filtered []event.Record
	for _, r := range s.global {
		if r.GlobalSequence >= from {
			filtered = append(filtered, r)
		}
	}
	return &sliceIterator{records: filtered}, nil
}

func (s *Store) StreamHead(_ context.Context, stream string) (eventstore.ExpectedSequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.streams[stream]
	if len(records) == 0 {
		return nil, nil
	}
	return eventstore.Seq(records[len(records)-1].Sequence), nil
}

func (s *Store) LoadProjectionPosition(_ context.Context, name string) (eventstore.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[name], nil
}

func (s *Store) SaveProjectionPosition(_ context.Context, name string, pos eventstore.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[name] = pos
	return nil
}

func (s *Store) PullOutbox(_ context.Context, limit int) ([]eventstore.OutboxRecord, func(context.Context) error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := limit
	if n > len(s.outbox) {
		n = len(s.outbox)
	}
	batch := make([]eventstore.OutboxRecord, n)
	copy(batch, s.outbox[:n])

	ids := make(map[uint64]struct{}, n)
	for _, r := range batch {
		ids[r.ID] = struct{}{}
	}

	del := func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		remaining := s.outbox[:0]
		for _, r := range s.outbox {
			if _, ok := ids[r.ID]; !ok {
				remaining = append(remaining, r)
			}
		}
		s.outbox = remaining
		return nil
	}
	return batch, del, nil
}

func (s *Store) Close() error { return nil }

type sliceIterator struct {
	records []event.Record
	pos     int
}

func (it *sliceIterator) Next(context.Context) (event.Record, bool, error) {
	if it.pos >= len(it.records) {
		return event.Record{}, false, nil
	}
	r := it.records[it.pos]
	it.pos++
	return r, true, nil
}

func (it *sliceIterator) Close() error { return nil }
