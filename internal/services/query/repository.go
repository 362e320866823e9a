package query

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/tenant"
)

// RecordReader reads staged records.
// This interface is satisfied by postgres.RecordRepo and memory.RecordStore.
type RecordReader interface {
	// Get returns records.ErrNotFound or records.ErrUnknownResourceType when
	// the record cannot be located.
	Get(ctx context.Context, resourceType string, id uuid.UUID) (*records.SyncRecord, error)
}

// EventReader reads status events.
// This interface is satisfied by postgres.StatusEventRepo and memory.StatusEventStore.
type EventReader interface {
	GetByTransactionID(ctx context.Context, transactionID string) (*events.StatusEvent, error)
}

// TenantStatusReader reads the last reported tenant status.
// This interface is satisfied by postgres.TenantStatusRepo.
type TenantStatusReader interface {
	GetStatus(ctx context.Context, clientID string) (*tenant.Status, error)
}
