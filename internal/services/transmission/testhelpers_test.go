package transmission

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/cornjacket/ses-transmitter/internal/client/upstream"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
)

// mockSender implements Sender for testing.
type mockSender struct {
	SendFn func(ctx context.Context, req upstream.Request) (*upstream.Result, error)
}

func (m *mockSender) Send(ctx context.Context, req upstream.Request) (*upstream.Result, error) {
	return m.SendFn(ctx, req)
}

// mockEventWriter implements StatusEventWriter for testing.
type mockEventWriter struct {
	InsertFn func(ctx context.Context, ev *events.StatusEvent) error
}

func (m *mockEventWriter) Insert(ctx context.Context, ev *events.StatusEvent) error {
	return m.InsertFn(ctx, ev)
}

// mockPublisher implements EventPublisher for testing.
type mockPublisher struct {
	PublishStatusEventFn func(ctx context.Context, ev *events.StatusEvent) error
}

func (m *mockPublisher) PublishStatusEvent(ctx context.Context, ev *events.StatusEvent) error {
	return m.PublishStatusEventFn(ctx, ev)
}

// mockRecordStore implements RecordStore for testing.
type mockRecordStore struct {
	FetchPendingFn     func(ctx context.Context, resourceType, clientID string, limit int) ([]records.SyncRecord, error)
	TryClaimFn         func(ctx context.Context, resourceType string, id uuid.UUID) (bool, error)
	MarkSyncedFn       func(ctx context.Context, resourceType string, id uuid.UUID, res records.SyncResult) error
	MarkRetryFn        func(ctx context.Context, resourceType string, id uuid.UUID, errMsg, transactionID string, ceiling int) (records.Status, int, error)
	BulkUpdateStatusFn func(ctx context.Context, resourceType string, updates map[uuid.UUID]records.Outcome) error
}

func (m *mockRecordStore) FetchPending(ctx context.Context, resourceType, clientID string, limit int) ([]records.SyncRecord, error) {
	return m.FetchPendingFn(ctx, resourceType, clientID, limit)
}

func (m *mockRecordStore) TryClaim(ctx context.Context, resourceType string, id uuid.UUID) (bool, error) {
	return m.TryClaimFn(ctx, resourceType, id)
}

func (m *mockRecordStore) MarkSynced(ctx context.Context, resourceType string, id uuid.UUID, res records.SyncResult) error {
	return m.MarkSyncedFn(ctx, resourceType, id, res)
}

func (m *mockRecordStore) MarkRetry(ctx context.Context, resourceType string, id uuid.UUID, errMsg, transactionID string, ceiling int) (records.Status, int, error) {
	return m.MarkRetryFn(ctx, resourceType, id, errMsg, transactionID, ceiling)
}

func (m *mockRecordStore) BulkUpdateStatus(ctx context.Context, resourceType string, updates map[uuid.UUID]records.Outcome) error {
	return m.BulkUpdateStatusFn(ctx, resourceType, updates)
}

// mockRequeuer implements StaleRequeuer for testing.
type mockRequeuer struct {
	RequeueStaleFn func(ctx context.Context, resourceType string, staleBefore time.Time) (int64, error)
}

func (m *mockRequeuer) RequeueStale(ctx context.Context, resourceType string, staleBefore time.Time) (int64, error) {
	return m.RequeueStaleFn(ctx, resourceType, staleBefore)
}

// scriptedSender replies with the given results in order, repeating the last one.
func scriptedSender(results ...*upstream.Result) *mockSender {
	i := 0
	return &mockSender{SendFn: func(context.Context, upstream.Request) (*upstream.Result, error) {
		r := results[min(i, len(results)-1)]
		i++
		return r, nil
	}}
}
