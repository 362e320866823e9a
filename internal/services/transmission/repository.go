package transmission

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/cornjacket/ses-transmitter/internal/client/upstream"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
)

// RecordStore is the claim protocol over staged records.
// This interface is satisfied by postgres.RecordRepo and memory.RecordStore.
type RecordStore interface {
	FetchPending(ctx context.Context, resourceType, clientID string, limit int) ([]records.SyncRecord, error)
	TryClaim(ctx context.Context, resourceType string, id uuid.UUID) (bool, error)
	MarkSynced(ctx context.Context, resourceType string, id uuid.UUID, res records.SyncResult) error
	MarkRetry(ctx context.Context, resourceType string, id uuid.UUID, errMsg, transactionID string, ceiling int) (records.Status, int, error)
	BulkUpdateStatus(ctx context.Context, resourceType string, updates map[uuid.UUID]records.Outcome) error
}

// StatusEventWriter stores status events for the callback dispatcher and prober.
type StatusEventWriter interface {
	Insert(ctx context.Context, ev *events.StatusEvent) error
}

// EventPublisher forwards status events to downstream consumers.
// This interface is satisfied by eventsink.Client.
type EventPublisher interface {
	PublishStatusEvent(ctx context.Context, ev *events.StatusEvent) error
}

// Sender transmits one request upstream.
// This interface is satisfied by upstream.Client.
type Sender interface {
	Send(ctx context.Context, req upstream.Request) (*upstream.Result, error)
}

// StaleRequeuer returns abandoned claims to Pending.
type StaleRequeuer interface {
	RequeueStale(ctx context.Context, resourceType string, staleBefore time.Time) (int64, error)
}
