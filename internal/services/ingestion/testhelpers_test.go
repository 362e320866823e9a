package ingestion

import (
	"context"
	"encoding/json"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
)

// mockRecordWriter implements RecordWriter for testing.
type mockRecordWriter struct {
	InsertFn func(ctx context.Context, rec *records.SyncRecord) error
}

func (m *mockRecordWriter) Insert(ctx context.Context, rec *records.SyncRecord) error {
	return m.InsertFn(ctx, rec)
}

// mockEventResolver implements EventResolver for testing.
type mockEventResolver struct {
	ResolveByTransactionFn func(ctx context.Context, transactionID string, outcome events.Outcome, message string, data json.RawMessage) (*events.StatusEvent, error)
}

func (m *mockEventResolver) ResolveByTransaction(ctx context.Context, transactionID string, outcome events.Outcome, message string, data json.RawMessage) (*events.StatusEvent, error) {
	return m.ResolveByTransactionFn(ctx, transactionID, outcome, message, data)
}
