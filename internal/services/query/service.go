package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/uuid/v5"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/tenant"
)

var (
	// ErrNotFound is returned when the requested item does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest is returned for malformed identifiers.
	ErrInvalidRequest = errors.New("invalid request")
)

// Service handles query business logic.
type Service struct {
	records  RecordReader
	events   EventReader
	statuses TenantStatusReader
	logger   *slog.Logger
}

// NewService creates a new query service. statuses may be nil when no
// tenant status store is configured.
func NewService(recordReader RecordReader, eventReader EventReader, statuses TenantStatusReader, logger *slog.Logger) *Service {
	return &Service{
		records:  recordReader,
		events:   eventReader,
		statuses: statuses,
		logger:   logger.With("service", "query"),
	}
}

// GetRecord returns a staged record by resource type and id.
func (s *Service) GetRecord(ctx context.Context, resourceType, id string) (*records.SyncRecord, error) {
	recordID, err := uuid.FromString(id)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid record id %q", ErrInvalidRequest, id)
	}

	rec, err := s.records.Get(ctx, resourceType, recordID)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, records.ErrUnknownResourceType):
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	case errors.Is(err, records.ErrNotFound):
		return nil, ErrNotFound
	default:
		s.logger.Error("failed to get record",
			"resource_type", resourceType,
			"record_id", id,
			"error", err,
		)
		return nil, err
	}
}

// GetStatusEvent returns the status event for an upstream transaction.
func (s *Service) GetStatusEvent(ctx context.Context, transactionID string) (*events.StatusEvent, error) {
	ev, err := s.events.GetByTransactionID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, events.ErrNotFound) {
			return nil, ErrNotFound
		}
		s.logger.Error("failed to get status event",
			"transaction_id", transactionID,
			"error", err,
		)
		return nil, err
	}
	return ev, nil
}

// GetTenantStatus returns the last status reported for a client.
func (s *Service) GetTenantStatus(ctx context.Context, clientID string) (*tenant.Status, error) {
	if s.statuses == nil {
		return nil, ErrNotFound
	}
	status, err := s.statuses.GetStatus(ctx, clientID)
	if err != nil {
		if errors.Is(err, tenant.ErrStatusNotFound) {
			return nil, ErrNotFound
		}
		s.logger.Error("failed to get tenant status",
			"client_id", clientID,
			"error", err,
		)
		return nil, err
	}
	return status, nil
}
