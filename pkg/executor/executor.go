// Package executor implements the one-goroutine-per-stream actor that
// serialises commands against a single aggregate instance.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/thalo-rs/thalo/internal/log"
	"github.com/thalo-rs/thalo/internal/metrics"
	"github.com/thalo-rs/thalo/pkg/component"
	"github.com/thalo-rs/thalo/pkg/errs"
	"github.com/thalo-rs/thalo/pkg/event"
	"github.com/thalo-rs/thalo/pkg/eventstore"
	"github.com/thalo-rs/thalo/pkg/streamname"
)

// Published is invoked once per append committed by an executor, so the
// runtime can fan the written records out to the broadcast channel feeding
// projections. It must not block the caller for long — the executor is
// holding its single goroutine while this runs.
type Published func(records []event.Record)

// Execute is one inbox message: a command to run against the executor's
// stream, replied to on Reply.
type Execute struct {
	Command     string
	Payload     json.RawMessage
	MaxAttempts int
	Reply       chan<- ExecuteReply
}

// ExecuteReply is the outcome delivered back to the caller.
type ExecuteReply struct {
	Events []event.Record
	Err    error
}

// Executor owns one live module instance for exactly one stream name and
// services Execute requests one at a time from its inbox.
type Executor struct {
	streamName string
	category   string
	entityID   string

	store     eventstore.Store
	instance  component.Instance
	published Published

	sequence    *uint64 // nil until the first event is observed
	inbox       chan Execute
	done        chan struct{}
	logger      zerolog.Logger
}

// Spawn runs the pre-start replay protocol (init, then replay every
// persisted event through Apply) and starts the executor's serving
// goroutine. The returned Executor is ready to accept Execute via Send.
func Spawn(ctx context.Context, store eventstore.Store, mod component.Module, name streamname.Name, published Published) (*Executor, error) {
	id, ok := name.CardinalID()
	if !ok {
		return nil, errs.Validation("executor: stream name %q carries no id", name.String())
	}

	instance, err := mod.Init(ctx, id)
	if err != nil {
		return nil, err
	}

	ex := &Executor{
		streamName: name.String(),
		category:   name.Category(),
		entityID:   id,
		store:      store,
		instance:   instance,
		published:  published,
		inbox:      make(chan Execute, 16),
		done:       make(chan struct{}),
		logger:     log.WithStream("executor", name.String()),
	}

	if err := ex.replay(ctx); err != nil {
		instance.Drop(ctx)
		return nil, err
	}

	go ex.run(ctx)
	return ex, nil
}

func (ex *Executor) replay(ctx context.Context) error {
	it, err := ex.store.IterStream(ctx, ex.streamName, 0)
	if err != nil {
		return errs.IO(err)
	}
	defer it.Close()

	for {
		rec, ok, err := it.Next(ctx)
		if err != nil {
			return errs.IO(err)
		}
		if !ok {
			break
		}
		if err := ex.instance.Apply(ctx, []component.AppliedEvent{{
			Sequence:  rec.Sequence,
			EventType: rec.EventType,
			Payload:   rec.Data,
		}}); err != nil {
			return asComponentError(err)
		}
		seq := rec.Sequence
		ex.sequence = &seq
	}
	return nil
}

// run is the executor's single serving goroutine: it drains the inbox
// strictly in FIFO order, so commands against this stream are always
// serialised, and exits (dropping the module instance) when the inbox is
// closed or ctx is cancelled.
func (ex *Executor) run(ctx context.Context) {
	defer close(ex.done)
	defer ex.instance.Drop(context.Background())

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ex.inbox:
			if !ok {
				return
			}
			events, err := ex.executeRetry(ctx, msg.Command, msg.Payload, 0, msg.MaxAttempts)
			msg.Reply <- ExecuteReply{Events: events, Err: err}
		}
	}
}

// Send enqueues an Execute request. Callers use a buffered reply channel of
// size 1 and a context deadline; on timeout the caller gives up waiting but
// the executor goroutine keeps running the command to completion, matching
// the specified cancellation semantics (the command may still commit after
// the caller observes Timeout).
func (ex *Executor) Send(ctx context.Context, msg Execute) error {
	select {
	case ex.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-ex.done:
		return errs.Closed("executor: stream %q is closed", ex.streamName)
	}
}

// Close stops accepting new commands and waits for the in-flight one (if
// any) to finish, then drops the module instance.
func (ex *Executor) Close(ctx context.Context) error {
	close(ex.inbox)
	select {
	case <-ex.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ex *Executor) executeRetry(ctx context.Context, command string, payload json.RawMessage, attempt, maxAttempts int) ([]event.Record, error) {
	// The executor tracks no global position, so GlobalPosition is always 0,
	// and it leaves Metadata unset.
	execCtx := component.Context{
		ID:             ex.entityID,
		StreamName:     ex.streamName,
		Position:       deref(ex.sequence),
		GlobalPosition: 0,
		Time:           time.Now().UTC(),
	}

	result, err := ex.instance.Handle(ctx, execCtx, command, payload)
	if err != nil {
		return nil, asComponentError(err)
	}
	if result.Ignored {
		return nil, errs.Ignored(result.Reason)
	}
	if len(result.Events) == 0 {
		return nil, nil
	}

	newEvents := make([]event.NewEvent, 0, len(result.Events))
	for _, e := range result.Events {
		newEvents = append(newEvents, event.NewEvent{
			EventType: e.EventType,
			Data:      e.Payload,
			Metadata:  nil,
		})
	}

	written, err := ex.store.AppendToStream(ctx, ex.streamName, newEvents, ex.sequence)
	if err != nil {
		if isConflict(err) {
			nextAttempt := attempt + 1
			if maxAttempts <= 0 {
				maxAttempts = 1
			}
			if nextAttempt >= maxAttempts {
				return nil, errs.Conflict("executor: stream %q exceeded %d attempts: %v", ex.streamName, maxAttempts, err)
			}
			metrics.CommandRetries.WithLabelValues(ex.category).Inc()
			if err := ex.applyNewEvents(ctx); err != nil {
				return nil, err
			}
			return ex.executeRetry(ctx, command, payload, nextAttempt, maxAttempts)
		}
		return nil, errs.IO(err)
	}

	applied := make([]component.AppliedEvent, 0, len(written))
	for _, rec := range written {
		applied = append(applied, component.AppliedEvent{
			Sequence:  rec.Sequence,
			EventType: rec.EventType,
			Payload:   rec.Data,
		})
	}
	if err := ex.instance.Apply(ctx, applied); err != nil {
		return nil, asComponentError(err)
	}
	if len(written) > 0 {
		seq := written[len(written)-1].Sequence
		ex.sequence = &seq
	}

	if ex.published != nil {
		ex.published(written)
	}

	ex.logger.Debug().Int("attempt", attempt).Int("events", len(written)).Msg("command committed")
	return written, nil
}

// applyNewEvents recovers from a conflict by replaying every event
// committed by the racing writer since our last known sequence.
func (ex *Executor) applyNewEvents(ctx context.Context) error {
	from := uint64(0)
	if ex.sequence != nil {
		from = *ex.sequence + 1
	}

	it, err := ex.store.IterStream(ctx, ex.streamName, from)
	if err != nil {
		return errs.IO(err)
	}
	defer it.Close()

	for {
		rec, ok, err := it.Next(ctx)
		if err != nil {
			return errs.IO(err)
		}
		if !ok {
			break
		}
		if err := ex.instance.Apply(ctx, []component.AppliedEvent{{
			Sequence:  rec.Sequence,
			EventType: rec.EventType,
			Payload:   rec.Data,
		}}); err != nil {
			return asComponentError(err)
		}
		seq := rec.Sequence
		ex.sequence = &seq
	}
	return nil
}

func isConflict(err error) bool {
	switch err.(type) {
	case *eventstore.WrongExpectedSequenceError, *eventstore.WriteConflictError:
		return true
	default:
		return false
	}
}

func asComponentError(err error) error {
	if trap, ok := err.(*component.TrapError); ok {
		return errs.Trap(trap.Cause)
	}
	if rejected, ok := err.(*component.CommandRejectedError); ok {
		return errs.Rejected("%s: %s", rejected.Code, rejected.Message)
	}
	return err
}

func deref(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}
