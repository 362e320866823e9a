package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/clock"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
)

func TestSubmit_Validation(t *testing.T) {
	svc := NewService(&mockRecordWriter{
		InsertFn: func(ctx context.Context, rec *records.SyncRecord) error {
			t.Fatal("Insert should not be called for an invalid request")
			return nil
		},
	}, nil, records.DefaultRegistry(), slog.Default())

	valid := func() *SubmitRequest {
		return &SubmitRequest{
			ResourceType: "Patient",
			ClientID:     "tenant-a",
			FacilityID:   "fac-1",
			Payload:      json.RawMessage(`{"resourceType":"Patient"}`),
		}
	}

	tests := []struct {
		name   string
		mutate func(*SubmitRequest)
		errMsg string
	}{
		{"missing client", func(r *SubmitRequest) { r.ClientID = "" }, "X-Client-Id header is required"},
		{"missing facility", func(r *SubmitRequest) { r.FacilityID = "" }, "X-Facility-Id header is required"},
		{"unknown resource type", func(r *SubmitRequest) { r.ResourceType = "Spaceship" }, "unknown resource type"},
		{"bad operation", func(r *SubmitRequest) { r.Operation = "patch" }, "unsupported operation"},
		{"update without id", func(r *SubmitRequest) { r.Operation = "update" }, "resourceId is required for update"},
		{"delete without id", func(r *SubmitRequest) { r.Operation = "delete" }, "resourceId is required for delete"},
		{"empty body", func(r *SubmitRequest) { r.Payload = nil }, "body is required"},
		{"invalid JSON", func(r *SubmitRequest) { r.Payload = json.RawMessage(`{nope`) }, "body must be valid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)
			_, err := svc.Submit(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSubmit_StagesPendingRecord(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock.Set(clock.FixedClock{Time: now})
	t.Cleanup(clock.Reset)

	var captured *records.SyncRecord
	svc := NewService(&mockRecordWriter{
		InsertFn: func(ctx context.Context, rec *records.SyncRecord) error {
			captured = rec
			return nil
		},
	}, nil, records.DefaultRegistry(), slog.Default())

	resp, err := svc.Submit(context.Background(), &SubmitRequest{
		ResourceType:  "medicationrequest",
		ResourceID:    "mr-9",
		Operation:     "update",
		ClientID:      "tenant-a",
		FacilityID:    "fac-1",
		CallbackURL:   "https://emr.example/cb",
		CorrelationID: "corr-1",
		Payload:       json.RawMessage(`{"resourceType":"MedicationRequest"}`),
	})
	require.NoError(t, err)

	require.NotNil(t, captured)
	assert.Equal(t, captured.ID.String(), resp.RecordID)
	assert.Equal(t, records.StatusPending, resp.Status)
	assert.Equal(t, "MedicationRequest", captured.ResourceType)
	assert.Equal(t, "mr-9", captured.ResourceID)
	assert.Equal(t, records.OperationUpdate, captured.Operation)
	assert.Equal(t, "https://emr.example/cb", captured.EMRCallbackURL)
	assert.Equal(t, "corr-1", captured.CorrelationID)
	assert.Equal(t, now, captured.CreatedAt)
}

func TestSubmit_DeleteWithoutBody(t *testing.T) {
	var captured *records.SyncRecord
	svc := NewService(&mockRecordWriter{
		InsertFn: func(ctx context.Context, rec *records.SyncRecord) error {
			captured = rec
			return nil
		},
	}, nil, records.DefaultRegistry(), slog.Default())

	_, err := svc.Submit(context.Background(), &SubmitRequest{
		ResourceType: "Patient",
		ResourceID:   "p-1",
		Operation:    "delete",
		ClientID:     "tenant-a",
		FacilityID:   "fac-1",
	})
	require.NoError(t, err)
	assert.Equal(t, records.OperationDelete, captured.Operation)
}

func TestSubmit_StoreError(t *testing.T) {
	svc := NewService(&mockRecordWriter{
		InsertFn: func(ctx context.Context, rec *records.SyncRecord) error {
			return fmt.Errorf("connection refused")
		},
	}, nil, records.DefaultRegistry(), slog.Default())

	_, err := svc.Submit(context.Background(), &SubmitRequest{
		ResourceType: "Patient",
		ClientID:     "tenant-a",
		FacilityID:   "fac-1",
		Payload:      json.RawMessage(`{}`),
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "failed to stage record")
}

func TestReceiveCallback_MapsOutcome(t *testing.T) {
	var gotOutcome events.Outcome
	var gotMessage string
	svc := NewService(nil, &mockEventResolver{
		ResolveByTransactionFn: func(ctx context.Context, transactionID string, outcome events.Outcome, message string, data json.RawMessage) (*events.StatusEvent, error) {
			gotOutcome = outcome
			gotMessage = message
			return &events.StatusEvent{TransactionID: transactionID, Status: outcome}, nil
		},
	}, records.DefaultRegistry(), slog.Default())

	ev, err := svc.ReceiveCallback(context.Background(), &CallbackRequest{
		TransactionID: "tx-1",
		Status:        "error",
		Code:          422,
		Message:       "invalid birthDate",
	})
	require.NoError(t, err)
	assert.Equal(t, events.OutcomeFailed, gotOutcome)
	assert.Equal(t, "invalid birthDate", gotMessage)
	assert.Equal(t, "tx-1", ev.TransactionID)
}

func TestReceiveCallback_RequiresTransaction(t *testing.T) {
	svc := NewService(nil, nil, records.DefaultRegistry(), slog.Default())

	_, err := svc.ReceiveCallback(context.Background(), &CallbackRequest{Status: "success"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestReceiveCallback_UnknownTransaction(t *testing.T) {
	svc := NewService(nil, &mockEventResolver{
		ResolveByTransactionFn: func(ctx context.Context, transactionID string, outcome events.Outcome, message string, data json.RawMessage) (*events.StatusEvent, error) {
			return nil, events.ErrNotFound
		},
	}, records.DefaultRegistry(), slog.Default())

	_, err := svc.ReceiveCallback(context.Background(), &CallbackRequest{TransactionID: "tx-missing"})
	assert.ErrorIs(t, err, events.ErrNotFound)
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		status string
		code   int
		want   events.Outcome
	}{
		{"success", 200, events.OutcomeSuccess},
		{"", 0, events.OutcomeSuccess},
		{"", 201, events.OutcomeSuccess},
		{"Failed", 0, events.OutcomeFailed},
		{"failure", 200, events.OutcomeFailed},
		{"success", 500, events.OutcomeFailed},
		{"ok", 404, events.OutcomeFailed},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.status, tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, OutcomeOf(tt.status, tt.code))
		})
	}
}
