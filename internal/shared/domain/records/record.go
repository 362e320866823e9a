package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("sync record not found")

	// ErrNotClaimed is returned when an update expects an InFlight record
	// that is no longer held by the caller.
	ErrNotClaimed = errors.New("sync record is not in flight")
)

// Status is the claim state of a SyncRecord.
type Status string

const (
	StatusPending  Status = "Pending"
	StatusInFlight Status = "InFlight"
	StatusSynced   Status = "Synced"
	StatusFailed   Status = "Failed"
)

// Operation selects the upstream verb used to transmit a record.
type Operation string

const (
	OperationCreate Operation = "Create"
	OperationUpdate Operation = "Update"
	OperationDelete Operation = "Delete"
)

// ParseOperation maps a case-insensitive name to an Operation.
// An empty name defaults to OperationCreate.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "create", "post":
		return OperationCreate, nil
	case "update", "put":
		return OperationUpdate, nil
	case "delete":
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("unsupported operation: %q", s)
	}
}

// SyncRecord is one staged resource instance awaiting transmission.
type SyncRecord struct {
	ID                 uuid.UUID       `json:"id"`
	ResourceType       string          `json:"resourceType"`
	ResourceID         string          `json:"resourceId,omitempty"`
	ClientID           string          `json:"clientId"`
	FacilityID         string          `json:"facilityId"`
	Operation          Operation       `json:"operation"`
	Payload            json.RawMessage `json:"payload"`
	Status             Status          `json:"status"`
	RetryCount         int             `json:"retryCount"`
	LastAttemptAt      *time.Time      `json:"lastAttemptAt,omitempty"`
	ErrorMessage       string          `json:"errorMessage,omitempty"`
	TransactionID      string          `json:"transactionId,omitempty"`
	APIResponsePayload json.RawMessage `json:"apiResponsePayload,omitempty"`
	SyncedAt           *time.Time      `json:"syncedAtUtc,omitempty"`
	EMRCallbackURL     string          `json:"emrCallbackUrl,omitempty"`
	CorrelationID      string          `json:"correlationId,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// NewSyncRecord creates a Pending record with a time-ordered ID.
func NewSyncRecord(resourceType, clientID, facilityID string, op Operation, payload json.RawMessage, now time.Time) (*SyncRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate record id: %w", err)
	}
	return &SyncRecord{
		ID:           id,
		ResourceType: resourceType,
		ClientID:     clientID,
		FacilityID:   facilityID,
		Operation:    op,
		Payload:      payload,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// SyncResult is what a successful transmission leaves on the record.
type SyncResult struct {
	TransactionID string
	ResourceID    string
	Response      json.RawMessage
}

// Outcome is one entry of a bulk status update.
type Outcome struct {
	Status   Status
	Result   SyncResult
	ErrorMsg string
}
