package probe

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/cornjacket/ses-transmitter/internal/client/upstream"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
)

// EventStore is the probe side of the status event outbox.
// This interface is satisfied by postgres.StatusEventRepo and memory.StatusEventStore.
type EventStore interface {
	FetchDueProbes(ctx context.Context, createdBefore, now time.Time, limit int) ([]events.StatusEvent, error)
	TryClaimProbe(ctx context.Context, id uuid.UUID) (bool, error)
	ResolveProbe(ctx context.Context, id uuid.UUID, attempts int, data json.RawMessage) (bool, error)
	MarkProbeNotFound(ctx context.Context, id uuid.UUID, attempts int) error
	ScheduleProbeRetry(ctx context.Context, id uuid.UUID, retry events.ProbeRetry) error
}

// Sender queries upstream. This interface is satisfied by upstream.Client.
type Sender interface {
	Send(ctx context.Context, req upstream.Request) (*upstream.Result, error)
}
