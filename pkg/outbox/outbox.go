// Package outbox relays committed events out of the store's outbox table to
// an external stream, in batches, so downstream consumers never have to
// poll the event store directly.
package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/thalo-rs/thalo/internal/log"
	"github.com/thalo-rs/thalo/internal/metrics"
	"github.com/thalo-rs/thalo/pkg/eventstore"
)

// BatchSize is the maximum number of outbox records pulled per relay
// attempt.
const BatchSize = 100

// PollInterval is how often the relayer checks for new outbox records when
// it is not already mid-drain.
const PollInterval = 500 * time.Millisecond

// Relay delivers a batch of outbox records belonging to a single category
// to an external stream. Implementations must be safe to retry: Relayer
// only deletes a batch from the store's outbox after Relay returns nil, so
// a transient failure simply means the same batch is offered again.
type Relay interface {
	// StreamName returns the external stream/topic name for category.
	StreamName(category string) string
	// Deliver sends batch to streamName.
	Deliver(ctx context.Context, streamName string, batch []eventstore.OutboxRecord) error
	// Close releases any connection held by the relay.
	Close() error
}

// Relayer repeatedly pulls batches from the store's outbox and hands them
// to a Relay, grouped by category. It owns a single goroutine; Start/Stop
// bracket its lifetime.
type Relayer struct {
	store eventstore.Store
	relay Relay
	poll  time.Duration

	logger zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRelayer constructs a Relayer. Call Start to begin relaying.
func NewRelayer(store eventstore.Store, relay Relay) *Relayer {
	return &Relayer{
		store:  store,
		relay:  relay,
		poll:   PollInterval,
		logger: log.WithComponent("outbox_relayer"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the relayer's polling loop in its own goroutine.
func (r *Relayer) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop halts the relayer and waits for its goroutine to exit, then closes
// the underlying Relay.
func (r *Relayer) Stop() {
	close(r.stopCh)
	<-r.doneCh
	_ = r.relay.Close()
}

func (r *Relayer) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			// A full batch likely means more is waiting; keep draining
			// until a short batch tells us we've caught up.
			for r.relayNextBatch(ctx) == BatchSize {
				select {
				case <-ctx.Done():
					return
				case <-r.stopCh:
					return
				default:
				}
			}
		}
	}
}

// relayNextBatch pulls one batch, groups it by category, and delivers each
// group. It deletes the whole pulled batch only once every group's delivery
// succeeds; a failing group leaves the entire batch in place for the next
// attempt, so delivery is at-least-once rather than partially-lost.
func (r *Relayer) relayNextBatch(ctx context.Context) int {
	batch, ack, err := r.store.PullOutbox(ctx, BatchSize)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to pull outbox batch")
		return 0
	}
	// The store has no direct count query, so the backlog gauge tracks the
	// size of the most recently pulled batch: 0 once a poll comes back
	// empty, BatchSize (the ceiling) while batches are still full.
	metrics.OutboxBacklog.Set(float64(len(batch)))
	if len(batch) == 0 {
		return 0
	}

	for category, recs := range groupByCategory(batch) {
		streamName := r.relay.StreamName(category)
		if err := r.relay.Deliver(ctx, streamName, recs); err != nil {
			r.logger.Warn().Err(err).Str("category", category).Msg("failed to deliver outbox batch")
			return 0
		}
	}

	if err := ack(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("failed to acknowledge relayed outbox batch")
		return 0
	}
	return len(batch)
}

func groupByCategory(batch []eventstore.OutboxRecord) map[string][]eventstore.OutboxRecord {
	grouped := make(map[string][]eventstore.OutboxRecord)
	for _, rec := range batch {
		grouped[rec.Category] = append(grouped[rec.Category], rec)
	}
	return grouped
}
