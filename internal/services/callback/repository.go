package callback

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
)

// EventStore is the callback side of the status event outbox.
// This interface is satisfied by postgres.StatusEventRepo and memory.StatusEventStore.
type EventStore interface {
	FetchDueCallbacks(ctx context.Context, now time.Time, limit int) ([]events.StatusEvent, error)
	TryClaimCallback(ctx context.Context, id uuid.UUID) (bool, error)
	SetCallbackTarget(ctx context.Context, id uuid.UUID, url string) error
	MarkCallbackSucceeded(ctx context.Context, id uuid.UUID, attempts int, deliveredAt time.Time, response string) error
	ScheduleCallbackRetry(ctx context.Context, id uuid.UUID, retry events.CallbackRetry) error
}

// RecordLookup finds the record an event was created for.
type RecordLookup interface {
	Get(ctx context.Context, resourceType string, id uuid.UUID) (*records.SyncRecord, error)
}
