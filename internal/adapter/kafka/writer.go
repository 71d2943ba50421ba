package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/flood-trigger-service/internal/config"
	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafkago.Writer used by Publisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher hands activations to downstream consumers over a Kafka topic.
// Delivery is at-least-once; consumers dedupe on the message key, which is
// the activation's idempotency key.
// It implements pipeline.Publisher.
type Publisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the configured activation topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaActivationTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Publisher{writer: w, logger: logger}
}

// Publish writes one activation message and waits for all in-sync replicas
// to acknowledge it.
func (p *Publisher) Publish(ctx context.Context, msg domain.ActivationMessage) error {
	m, err := serializeToMessage(msg)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, m); err != nil {
		return fmt.Errorf("publish activation %s: %w", msg.ActivationID, err)
	}
	p.logger.Debug("activation published",
		"activation_id", msg.ActivationID,
		"trigger_id", msg.TriggerID,
		"bucket", msg.Bucket,
	)
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals an ActivationMessage into a Kafka message.
func serializeToMessage(msg domain.ActivationMessage) (kafkago.Message, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize activation: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(msg.IdempotencyKey),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "basin", Value: []byte(msg.Basin)},
			{Key: "actor", Value: []byte(msg.Actor)},
			{Key: "activated_at", Value: []byte(msg.ActivatedAt.Format(time.RFC3339))},
		},
	}, nil
}
