package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jhgg/jeev-jiracache/pkg/config"
	"github.com/segmentio/kafka-go"
)

// Event is one message to publish. Key picks the partition, so events for
// the same issue stay ordered. A json.RawMessage Value is sent as is.
type Event struct {
	Key   string
	Value any
}

type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewProducer(cfg config.KafkaConfig, topic string) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
	}
	return &Producer{
		writer: w,
		logger: slog.Default().With("component", "kafka-producer", "topic", topic),
	}
}

// Publish writes a single event synchronously.
func (p *Producer) Publish(ctx context.Context, event Event) error {
	value, err := encode(event.Value)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Key),
		Value: value,
	}); err != nil {
		p.logger.Error("failed to publish message", "key", event.Key, "error", err)
		return fmt.Errorf("publishing to kafka: %w", err)
	}
	p.logger.Debug("message published", "key", event.Key, "value_size", len(value))
	return nil
}

func encode(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	value, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling event value: %w", err)
	}
	return value, nil
}

// Close flushes pending writes.
func (p *Producer) Close() error {
	return p.writer.Close()
}
