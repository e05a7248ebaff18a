package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/storm-alert-pipeline/internal/delivery"
	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

// Publisher is a delivery channel that produces each rendered notification
// to a Kafka topic. A send counts as accepted, not delivered.
type Publisher struct {
	writer *kafkago.Writer
	topic  string
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the notification topic.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Publisher{writer: w, topic: topic, logger: logger}
}

// Send publishes one message keyed by alert id so every notification for an
// alert lands on the same partition.
func (p *Publisher) Send(ctx context.Context, m delivery.Message) (delivery.Receipt, error) {
	msg, err := serializeToMessage(m, domain.Now())
	if err != nil {
		return delivery.Receipt{}, err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return delivery.Receipt{}, fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	p.logger.Debug("notification published", "delivery_id", m.DeliveryID, "topic", p.topic)
	return delivery.Receipt{Response: map[string]any{"topic": p.topic, "key": string(msg.Key)}}, nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals a notification into a Kafka message.
func serializeToMessage(m delivery.Message, publishedAt time.Time) (kafkago.Message, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize notification: %w", err)
	}
	key := m.AlertID
	if key == "" {
		key = m.DeliveryID
	}
	return kafkago.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "delivery_id", Value: []byte(m.DeliveryID)},
			{Key: "recipient", Value: []byte(m.Recipient)},
			{Key: "published_at", Value: []byte(publishedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}
