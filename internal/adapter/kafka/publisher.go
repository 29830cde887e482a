// Package kafka publishes persisted noise readings to a sink topic for
// downstream consumers. Egress is optional and best-effort: readings are
// durable before they are published, and a failed publish is logged by the
// caller rather than retried here.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/quietmap/noisemap/internal/config"
	"github.com/quietmap/noisemap/internal/domain"
)

// Publisher produces reading messages to the configured sink topic.
// It implements ingest.Publisher.
type Publisher struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the configured sink topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSinkTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Publisher{writer: w, logger: logger}
}

// Publish serializes one persisted reading and writes it to the sink topic.
func (p *Publisher) Publish(ctx context.Context, r domain.NoiseReading) error {
	msg, err := serializeToMessage(r)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals a reading into a Kafka message keyed by
// reading id, so re-publishes of the same reading land in the same partition.
func serializeToMessage(r domain.NoiseReading) (kafkago.Message, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize noise reading: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(r.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "device_id", Value: []byte(r.DeviceID)},
			{Key: "recorded_at", Value: []byte(r.Timestamp.Format(time.RFC3339))},
		},
	}, nil
}
