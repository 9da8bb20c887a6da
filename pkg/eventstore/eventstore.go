// Package eventstore defines the storage contract that every back-end
// (postgres, embedded, memtest) honours bit-for-bit.
package eventstore

import (
	"context"
	"fmt"

	"github.com/thalo-rs/thalo/pkg/event"
)

// ExpectedSequence selects the optimistic-concurrency precondition for an
// append. The strict reading is used throughout: a nil pointer means the
// stream must not yet exist (sequence 0 must not be present).
type ExpectedSequence = *uint64

// Seq is a convenience constructor for an ExpectedSequence pointing at n.
func Seq(n uint64) ExpectedSequence {
	v := n
	return &v
}

// WrongExpectedSequenceError is returned by Append when the stream head does
// not match the caller's expectation.
type WrongExpectedSequenceError struct {
	StreamName string
	Expected   ExpectedSequence
	Current    ExpectedSequence
}

func (e *WrongExpectedSequenceError) Error() string {
	return fmt.Sprintf("eventstore: wrong expected sequence on %q: expected %s, current %s",
		e.StreamName, seqString(e.Expected), seqString(e.Current))
}

func seqString(s ExpectedSequence) string {
	if s == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *s)
}

// WriteConflictError is returned when a racing writer committed first even
// though the expected-sequence check alone did not catch it (e.g. a unique
// index violation under concurrent transactions).
type WriteConflictError struct {
	StreamName string
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("eventstore: write conflict on %q", e.StreamName)
}

// Store is the contract every event-store back-end implements.
type Store interface {
	// AppendToStream appends events to stream, enforcing expected as the
	// stream's current head. Returns the written records with their
	// assigned sequence, global_sequence and timestamp.
	AppendToStream(ctx context.Context, stream string, events []event.NewEvent, expected ExpectedSequence) ([]event.Record, error)

	// IterStream returns, in ascending sequence order, every persisted
	// event of stream at or after from.
	IterStream(ctx context.Context, stream string, from uint64) (RecordIterator, error)

	// IterGlobal returns, in ascending global_sequence order, every
	// persisted event at or after from, across all streams.
	IterGlobal(ctx context.Context, from uint64) (RecordIterator, error)

	// StreamHead returns the current stream sequence (nil if the stream
	// does not exist).
	StreamHead(ctx context.Context, stream string) (ExpectedSequence, error)

	// LoadProjectionPosition returns the persisted position for name, or
	// the zero Position if none has been saved yet.
	LoadProjectionPosition(ctx context.Context, name string) (Position, error)

	// SaveProjectionPosition persists pos for name.
	SaveProjectionPosition(ctx context.Context, name string, pos Position) error

	// PullOutbox returns up to limit unforwarded outbox rows, in commit
	// order, and a function to delete exactly those rows once relayed.
	PullOutbox(ctx context.Context, limit int) ([]OutboxRecord, func(ctx context.Context) error, error)

	Close() error
}

// RecordIterator yields event.Record values lazily. Next returns
// (record, true, nil) while records remain, (zero, false, nil) at
// exhaustion, or a non-nil error on I/O failure.
type RecordIterator interface {
	Next(ctx context.Context) (event.Record, bool, error)
	Close() error
}

// Position is a projection's persisted cursor. Both fields are pointers so
// "never seen anything" is distinguishable from "seen global_id 0".
type Position struct {
	LastSeenGlobalID     ExpectedSequence
	LastRelevantGlobalID ExpectedSequence
}

// OutboxRecord is a row written transactionally alongside an appended event,
// awaiting relay to an external bus.
type OutboxRecord struct {
	ID             uint64
	StreamName     string
	Category       string
	GlobalSequence uint64
	EventType      string
	Data           []byte
}
