package ingestion

import (
	"context"
	"encoding/json"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
)

// RecordWriter stages new records for transmission.
// This interface is satisfied by postgres.RecordRepo and memory.RecordStore.
type RecordWriter interface {
	Insert(ctx context.Context, rec *records.SyncRecord) error
}

// EventResolver settles a Pending status event when upstream reports the
// outcome of an accepted transaction.
// This interface is satisfied by postgres.StatusEventRepo and memory.StatusEventStore.
type EventResolver interface {
	ResolveByTransaction(ctx context.Context, transactionID string, outcome events.Outcome, message string, data json.RawMessage) (*events.StatusEvent, error)
}
