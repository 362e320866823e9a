package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
)

var (
	// ErrNotFound is returned when a status event does not exist.
	ErrNotFound = errors.New("status event not found")

	// ErrDuplicate is returned when an event for the same transaction already exists.
	ErrDuplicate = errors.New("status event already exists")
)

// Outcome is the result of the original transmission.
type Outcome string

const (
	OutcomePending Outcome = "Pending"
	OutcomeSuccess Outcome = "Success"
	OutcomeFailed  Outcome = "Failed"
)

// CallbackStatus tracks delivery of the event back to the EMR.
type CallbackStatus string

const (
	CallbackPending   CallbackStatus = "Pending"
	CallbackInFlight  CallbackStatus = "InFlight"
	CallbackSucceeded CallbackStatus = "Succeeded"
	CallbackFailed    CallbackStatus = "Failed"
)

// ProbeStatus tracks active reconciliation against the upstream API.
type ProbeStatus string

const (
	ProbePending   ProbeStatus = "Pending"
	ProbeInFlight  ProbeStatus = "InFlight"
	ProbeResolved  ProbeStatus = "Resolved"
	ProbeNotFound  ProbeStatus = "NotFound"
	ProbeAbandoned ProbeStatus = "Abandoned"
)

// ProbeResolvedMessage replaces the event message when a probe settles it.
const ProbeResolvedMessage = "Resource details fetched successfully (probe)"

// StatusEvent is the outbox entry created for every upstream response.
// The callback and probe fields are two independent state machines.
type StatusEvent struct {
	ID            uuid.UUID       `json:"id"`
	TransactionID string          `json:"transactionId"`
	ResourceType  string          `json:"resourceType"`
	ResourceID    string          `json:"resourceId,omitempty"`
	RecordID      uuid.UUID       `json:"recordId"`
	ClientID      string          `json:"clientId"`
	FacilityID    string          `json:"facilityId"`
	ShipID        string          `json:"shipId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Status        Outcome         `json:"status"`
	Message       string          `json:"message,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`

	CallbackStatus        CallbackStatus `json:"callbackStatus"`
	CallbackAttempts      int            `json:"callbackAttempts"`
	CallbackNextAttemptAt time.Time      `json:"callbackNextAttemptAt"`
	CallbackLastError     string         `json:"callbackLastError,omitempty"`
	CallbackDeliveredAt   *time.Time     `json:"callbackDeliveredAt,omitempty"`
	CallbackResponse      string         `json:"callbackResponse,omitempty"`
	EMRTargetURL          string         `json:"emrTargetUrl,omitempty"`

	ProbeStatus        ProbeStatus `json:"probeStatus"`
	ProbeAttempts      int         `json:"probeAttempts"`
	ProbeNextAttemptAt time.Time   `json:"probeNextAttemptAt"`
	ProbeLastError     string      `json:"probeLastError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Response is the part of an upstream reply that a status event records.
type Response struct {
	TransactionID string
	ShipID        string
	ResourceID    string
	Message       string
	Data          json.RawMessage
}

// NewStatusEvent creates an event for a transmission attempt of rec.
// Both state machines start Pending and are immediately due. An event
// without a transaction id from upstream gets the record id instead, so the
// unique transaction index still identifies the attempt.
func NewStatusEvent(rec *records.SyncRecord, outcome Outcome, resp Response, now time.Time) (*StatusEvent, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate status event id: %w", err)
	}

	txID := resp.TransactionID
	if txID == "" {
		txID = rec.ID.String()
	}
	shipID := resp.ShipID
	if shipID == "" {
		shipID = resp.TransactionID
	}
	resourceID := resp.ResourceID
	if resourceID == "" {
		resourceID = rec.ResourceID
	}

	return &StatusEvent{
		ID:                    id,
		TransactionID:         txID,
		ResourceType:          rec.ResourceType,
		ResourceID:            resourceID,
		RecordID:              rec.ID,
		ClientID:              rec.ClientID,
		FacilityID:            rec.FacilityID,
		ShipID:                shipID,
		CorrelationID:         rec.CorrelationID,
		Status:                outcome,
		Message:               resp.Message,
		Data:                  resp.Data,
		CallbackStatus:        CallbackPending,
		CallbackNextAttemptAt: now,
		EMRTargetURL:          rec.EMRCallbackURL,
		ProbeStatus:           ProbePending,
		ProbeNextAttemptAt:    now,
		CreatedAt:             now,
		UpdatedAt:             now,
	}, nil
}

// CallbackPayload is the body POSTed to the EMR callback URL.
type CallbackPayload struct {
	Status        Outcome         `json:"status"`
	Message       string          `json:"message"`
	ShipID        string          `json:"shipId"`
	TransactionID string          `json:"transactionId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// CallbackPayload builds the EMR notification for the event.
func (e *StatusEvent) CallbackPayload() CallbackPayload {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("%s %s", e.ResourceType, e.Status)
	}
	return CallbackPayload{
		Status:        e.Status,
		Message:       msg,
		ShipID:        e.ShipID,
		TransactionID: e.TransactionID,
		CorrelationID: e.CorrelationID,
		Data:          e.Data,
	}
}

// IsTerminal reports whether the original transmission outcome is known.
func (e *StatusEvent) IsTerminal() bool {
	return e.Status == OutcomeSuccess || e.Status == OutcomeFailed
}

// CallbackRetry reschedules a callback delivery after a failed attempt.
// GiveUp moves the callback to CallbackFailed instead of back to Pending.
type CallbackRetry struct {
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	GiveUp        bool
}

// ProbeRetry reschedules a probe after a transient failure.
// GiveUp moves the probe to ProbeAbandoned instead of back to Pending.
type ProbeRetry struct {
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	GiveUp        bool
}
