package eventsink

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/tenant"
)

type published struct {
	topic string
	key   string
	value any
}

type mockPublisher struct {
	PublishFn func(ctx context.Context, topic, key string, value any) error
}

func (m *mockPublisher) Publish(ctx context.Context, topic, key string, value any) error {
	return m.PublishFn(ctx, topic, key, value)
}

func recordingPublisher(out *[]published) *mockPublisher {
	return &mockPublisher{
		PublishFn: func(ctx context.Context, topic, key string, value any) error {
			*out = append(*out, published{topic, key, value})
			return nil
		},
	}
}

func TestClient_RoutesByKind(t *testing.T) {
	var got []published
	c := New(recordingPublisher(&got), slog.Default())
	ctx := context.Background()

	require.NoError(t, c.PublishStatusEvent(ctx, &events.StatusEvent{TransactionID: "tx-1"}))
	require.NoError(t, c.WriteStatus(ctx, tenant.Status{ClientID: "client-a"}))
	require.NoError(t, c.WriteMetrics(ctx, "client-a", []tenant.Metric{{ResourceType: "Patient", WindowEnd: time.Now()}}))

	require.Len(t, got, 3)
	assert.Equal(t, TopicStatusEvents, got[0].topic)
	assert.Equal(t, "tx-1", got[0].key)
	assert.Equal(t, TopicTenantStatus, got[1].topic)
	assert.Equal(t, "client-a", got[1].key)
	assert.Equal(t, TopicSyncMetrics, got[2].topic)
}

func TestClient_EmptyMetricsAreSkipped(t *testing.T) {
	var got []published
	c := New(recordingPublisher(&got), slog.Default())

	require.NoError(t, c.WriteMetrics(context.Background(), "client-a", nil))
	assert.Empty(t, got)
}

func TestClient_PropagatesPublishError(t *testing.T) {
	c := New(&mockPublisher{
		PublishFn: func(ctx context.Context, topic, key string, value any) error {
			return errors.New("broker unavailable")
		},
	}, slog.Default())

	err := c.PublishStatusEvent(context.Background(), &events.StatusEvent{TransactionID: "tx-1"})
	assert.EqualError(t, err, "broker unavailable")
}
