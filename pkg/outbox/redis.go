package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/thalo-rs/thalo/pkg/eventstore"
)

// RedisRelayConfig configures a RedisRelay.
type RedisRelayConfig struct {
	Addr     string
	Password string
	DB       int

	// StreamNameTemplate is the target stream name, with "{category}"
	// replaced by the relayed event's category.
	StreamNameTemplate string

	// MaxLen approximately caps each stream's length via XADD MAXLEN ~.
	MaxLen int64
}

// RedisRelay relays outbox batches to Redis Streams via XADD MAXLEN,
// pipelining every record in a batch into a single round trip.
type RedisRelay struct {
	client   *redis.Client
	template string
	maxLen   int64
}

// NewRedisRelay connects to Redis and returns a ready-to-use RedisRelay.
func NewRedisRelay(ctx context.Context, cfg RedisRelayConfig) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("outbox: redis relay: ping %s: %w", cfg.Addr, err)
	}

	template := cfg.StreamNameTemplate
	if template == "" {
		template = "{category}"
	}

	return &RedisRelay{client: client, template: template, maxLen: cfg.MaxLen}, nil
}

func (r *RedisRelay) StreamName(category string) string {
	return strings.ReplaceAll(r.template, "{category}", category)
}

type redisOutboxMessage struct {
	GlobalSequence uint64          `json:"global_sequence"`
	StreamName     string          `json:"stream_name"`
	EventType      string          `json:"event_type"`
	Data           json.RawMessage `json:"data"`
}

func (r *RedisRelay) Deliver(ctx context.Context, streamName string, batch []eventstore.OutboxRecord) error {
	if len(batch) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	for _, rec := range batch {
		payload, err := json.Marshal(redisOutboxMessage{
			GlobalSequence: rec.GlobalSequence,
			StreamName:     rec.StreamName,
			EventType:      rec.EventType,
			Data:           rec.Data,
		})
		if err != nil {
			return fmt.Errorf("outbox: redis relay: marshal record %d: %w", rec.ID, err)
		}

		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: streamName,
			MaxLen: r.maxLen,
			Approx: true,
			Values: map[string]any{
				"event_type": rec.EventType,
				"event":      payload,
			},
		})
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("outbox: redis relay: xadd %s: %w", streamName, err)
	}
	return nil
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}
