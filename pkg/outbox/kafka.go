package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IBM/sarama"

	"github.com/thalo-rs/thalo/pkg/eventstore"
)

// KafkaRelayConfig configures a KafkaRelay.
type KafkaRelayConfig struct {
	Brokers []string

	// TopicTemplate is the target topic, with "{category}" replaced by the
	// relayed event's category.
	TopicTemplate string
}

// KafkaRelay relays outbox batches to Kafka via a synchronous producer,
// sending every record in a batch as a single SendMessages call.
type KafkaRelay struct {
	producer sarama.SyncProducer
	template string
}

// NewKafkaRelay connects to the given brokers and returns a ready-to-use
// KafkaRelay.
func NewKafkaRelay(cfg KafkaRelayConfig) (*KafkaRelay, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("outbox: kafka relay: connect to %v: %w", cfg.Brokers, err)
	}

	template := cfg.TopicTemplate
	if template == "" {
		template = "{category}"
	}

	return &KafkaRelay{producer: producer, template: template}, nil
}

func (r *KafkaRelay) StreamName(category string) string {
	return strings.ReplaceAll(r.template, "{category}", category)
}

type kafkaOutboxMessage struct {
	GlobalSequence uint64          `json:"global_sequence"`
	StreamName     string          `json:"stream_name"`
	EventType      string          `json:"event_type"`
	Data           json.RawMessage `json:"data"`
}

func (r *KafkaRelay) Deliver(_ context.Context, topic string, batch []eventstore.OutboxRecord) error {
	if len(batch) == 0 {
		return nil
	}

	messages := make([]*sarama.ProducerMessage, 0, len(batch))
	for _, rec := range batch {
		payload, err := json.Marshal(kafkaOutboxMessage{
			GlobalSequence: rec.GlobalSequence,
			StreamName:     rec.StreamName,
			EventType:      rec.EventType,
			Data:           rec.Data,
		})
		if err != nil {
			return fmt.Errorf("outbox: kafka relay: marshal record %d: %w", rec.ID, err)
		}

		messages = append(messages, &sarama.ProducerMessage{
			Topic: topic,
			Key:   sarama.StringEncoder(rec.StreamName),
			Value: sarama.ByteEncoder(payload),
		})
	}

	if err := r.producer.SendMessages(messages); err != nil {
		return fmt.Errorf("outbox: kafka relay: send to %s: %w", topic, err)
	}
	return nil
}

func (r *KafkaRelay) Close() error {
	return r.producer.Close()
}
