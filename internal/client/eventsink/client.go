// Package eventsink publishes engine outcomes to Redpanda for downstream consumers.
package eventsink

import (
	"context"
	"log/slog"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/tenant"
)

const (
	TopicStatusEvents = "ses.status-events"
	TopicTenantStatus = "ses.tenant-status"
	TopicSyncMetrics  = "ses.sync-metrics"
)

// Publisher publishes a keyed message to a topic.
// This interface is satisfied by redpanda.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value any) error
}

// Client routes status events, tenant status and metrics to their topics.
type Client struct {
	publisher Publisher
	logger    *slog.Logger
}

// New creates a new event sink client.
func New(publisher Publisher, logger *slog.Logger) *Client {
	return &Client{
		publisher: publisher,
		logger:    logger.With("client", "eventsink"),
	}
}

// PublishStatusEvent publishes an event keyed by transaction id.
func (c *Client) PublishStatusEvent(ctx context.Context, ev *events.StatusEvent) error {
	return c.publish(ctx, TopicStatusEvents, ev.TransactionID, ev)
}

// WriteStatus publishes a tenant status keyed by client id.
func (c *Client) WriteStatus(ctx context.Context, s tenant.Status) error {
	return c.publish(ctx, TopicTenantStatus, s.ClientID, s)
}

type metricsMessage struct {
	ClientID string          `json:"clientId"`
	Items    []tenant.Metric `json:"items"`
}

// WriteMetrics publishes one message per sync window for a client.
func (c *Client) WriteMetrics(ctx context.Context, clientID string, metrics []tenant.Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	return c.publish(ctx, TopicSyncMetrics, clientID, metricsMessage{ClientID: clientID, Items: metrics})
}

func (c *Client) publish(ctx context.Context, topic, key string, value any) error {
	if err := c.publisher.Publish(ctx, topic, key, value); err != nil {
		c.logger.Error("failed to publish",
			"topic", topic,
			"key", key,
			"error", err,
		)
		return err
	}

	c.logger.Debug("published", "topic", topic, "key", key)
	return nil
}
