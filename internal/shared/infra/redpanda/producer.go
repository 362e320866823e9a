package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer publishes JSON messages to Redpanda (Kafka-compatible).
type Producer struct {
	client *kgo.Client
	logger *slog.Logger
}

// NewProducer creates a new Redpanda producer.
func NewProducer(brokers []string, clientID string, logger *slog.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	}
	if clientID != "" {
		opts = append(opts, kgo.ClientID(clientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redpanda client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger.With("component", "redpanda-producer"),
	}, nil
}

// Publish marshals value as JSON and sends it to topic. Messages with the
// same key land on the same partition, which keeps per-key ordering.
func (p *Producer) Publish(ctx context.Context, topic, key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: body,
	}

	results := p.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	p.logger.Debug("message published to Redpanda",
		"topic", topic,
		"key", key,
	)

	return nil
}

// Close closes the producer connection.
func (p *Producer) Close() {
	p.client.Close()
	p.logger.Info("Redpanda producer closed")
}
