package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/clock"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
)

// ErrInvalidRequest marks errors caused by the caller's input.
var ErrInvalidRequest = errors.New("invalid request")

// Service stages FHIR resources and records upstream outcomes.
type Service struct {
	records  RecordWriter
	events   EventResolver
	registry *records.Registry
	logger   *slog.Logger
}

// NewService creates a new ingestion service.
func NewService(recordWriter RecordWriter, resolver EventResolver, registry *records.Registry, logger *slog.Logger) *Service {
	return &Service{
		records:  recordWriter,
		events:   resolver,
		registry: registry,
		logger:   logger.With("service", "ingestion"),
	}
}

// SubmitRequest is one resource handed over by an EMR.
type SubmitRequest struct {
	ResourceType  string
	ResourceID    string
	Operation     string
	ClientID      string
	FacilityID    string
	CallbackURL   string
	CorrelationID string
	Payload       json.RawMessage
}

// SubmitResponse is returned after a resource is staged.
type SubmitResponse struct {
	RecordID string         `json:"recordId"`
	Status   records.Status `json:"status"`
}

// Submit validates req and stores it as a Pending record.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	rec, err := s.newRecord(req)
	if err != nil {
		return nil, err
	}

	if err := s.records.Insert(ctx, rec); err != nil {
		s.logger.Error("failed to stage record",
			"record_id", rec.ID,
			"resource_type", rec.ResourceType,
			"error", err,
		)
		return nil, fmt.Errorf("failed to stage record: %w", err)
	}

	s.logger.Info("record staged",
		"record_id", rec.ID,
		"resource_type", rec.ResourceType,
		"client_id", rec.ClientID,
		"operation", rec.Operation,
	)

	return &SubmitResponse{RecordID: rec.ID.String(), Status: rec.Status}, nil
}

func (s *Service) newRecord(req *SubmitRequest) (*records.SyncRecord, error) {
	if req.ClientID == "" {
		return nil, fmt.Errorf("%w: X-Client-Id header is required", ErrInvalidRequest)
	}
	if req.FacilityID == "" {
		return nil, fmt.Errorf("%w: X-Facility-Id header is required", ErrInvalidRequest)
	}
	resourceType, err := s.registry.Canonical(req.ResourceType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	op, err := records.ParseOperation(req.Operation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if op != records.OperationCreate && req.ResourceID == "" {
		return nil, fmt.Errorf("%w: resourceId is required for %s", ErrInvalidRequest, strings.ToLower(string(op)))
	}
	if len(req.Payload) == 0 {
		if op != records.OperationDelete {
			return nil, fmt.Errorf("%w: body is required", ErrInvalidRequest)
		}
	} else if !json.Valid(req.Payload) {
		return nil, fmt.Errorf("%w: body must be valid JSON", ErrInvalidRequest)
	}

	rec, err := records.NewSyncRecord(resourceType, req.ClientID, req.FacilityID, op, req.Payload, clock.Now())
	if err != nil {
		return nil, err
	}
	rec.ResourceID = req.ResourceID
	rec.EMRCallbackURL = req.CallbackURL
	rec.CorrelationID = req.CorrelationID
	return rec, nil
}

// CallbackRequest is upstream's asynchronous report for an accepted transaction.
type CallbackRequest struct {
	TransactionID string          `json:"transactionId"`
	Status        string          `json:"status"`
	Code          int             `json:"code"`
	Message       string          `json:"message"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// ReceiveCallback settles the Pending event for req.TransactionID, which
// makes it due for delivery to the EMR. Events already settled are left as
// they are. Unknown transactions return events.ErrNotFound.
func (s *Service) ReceiveCallback(ctx context.Context, req *CallbackRequest) (*events.StatusEvent, error) {
	if strings.TrimSpace(req.TransactionID) == "" {
		return nil, fmt.Errorf("%w: transactionId is required", ErrInvalidRequest)
	}
	if len(req.Data) > 0 && !json.Valid(req.Data) {
		return nil, fmt.Errorf("%w: data must be valid JSON", ErrInvalidRequest)
	}

	outcome := OutcomeOf(req.Status, req.Code)
	ev, err := s.events.ResolveByTransaction(ctx, req.TransactionID, outcome, req.Message, req.Data)
	if err != nil {
		if !errors.Is(err, events.ErrNotFound) {
			s.logger.Error("failed to resolve status event",
				"transaction_id", req.TransactionID,
				"error", err,
			)
		}
		return nil, err
	}

	s.logger.Info("upstream callback received",
		"transaction_id", req.TransactionID,
		"event_id", ev.ID,
		"status", ev.Status,
	)
	return ev, nil
}

// OutcomeOf maps an upstream status word and code to an event outcome.
// A missing code is treated as success.
func OutcomeOf(status string, code int) events.Outcome {
	if code != 0 && (code < 200 || code >= 300) {
		return events.OutcomeFailed
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "error", "failed", "failure":
		return events.OutcomeFailed
	}
	return events.OutcomeSuccess
}
