// Package tenant holds the per-client views shared between the directory,
// the orchestrator and the admin service.
package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrStatusNotFound is returned when no status was ever written for a client.
var ErrStatusNotFound = errors.New("tenant status not found")

// ClientConfig is the read-only projection of a client managed by the admin system.
type ClientConfig struct {
	ClientID         string   `json:"clientId"`
	FacilityID       string   `json:"facilityId"`
	ClientName       string   `json:"clientName,omitempty"`
	IsActive         bool     `json:"isActive"`
	EnabledResources []string `json:"enabledResources"`
}

// RunState is the sync state reported for a client.
type RunState string

const (
	StateRunning RunState = "Running"
	StateStopped RunState = "Stopped"
	StateError   RunState = "Error"
)

// NoBatch is reported as the batch id when no run is in progress.
const NoBatch = "-"

// Status is the tenant status record written to the admin directory and metrics sinks.
type Status struct {
	ClientID       string     `json:"clientId"`
	Status         RunState   `json:"status"`
	LastCheckIn    time.Time  `json:"lastCheckIn"`
	LastSyncedAt   *time.Time `json:"lastSyncedAt,omitempty"`
	TotalSynced    int64      `json:"totalSynced"`
	TotalFailed    int64      `json:"totalFailed"`
	CurrentBatchID string     `json:"currentBatchId"`
	LastError      string     `json:"lastError,omitempty"`
	IPAddress      string     `json:"ipAddress,omitempty"`
	Hostname       string     `json:"hostname,omitempty"`
	Version        string     `json:"version,omitempty"`
	SignatureHash  string     `json:"signatureHash"`
}

// Signature returns the hex SHA-256 of "clientId-<RFC3339 timestamp>-status".
func Signature(clientID string, at time.Time, state RunState) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-%s", clientID, at.UTC().Format(time.RFC3339), state)))
	return hex.EncodeToString(sum[:])
}

// Sign sets SignatureHash from the current ClientID, LastCheckIn and Status.
func (s *Status) Sign() {
	s.SignatureHash = Signature(s.ClientID, s.LastCheckIn, s.Status)
}

// BatchID formats the identifier of a run started at t.
func BatchID(t time.Time) string {
	return "batch-" + t.UTC().Format("2006-01-02-15-04-05")
}

// Metric is the per-resource count for one sync window.
type Metric struct {
	ResourceType string    `json:"resourceType"`
	WindowStart  time.Time `json:"windowStart"`
	WindowEnd    time.Time `json:"windowEnd"`
	CountSynced  int       `json:"countSynced"`
	CountFailed  int       `json:"countFailed"`
}

// Heartbeat announces that an engine instance is alive for a client.
type Heartbeat struct {
	ClientID  string    `json:"clientId"`
	Hostname  string    `json:"hostname,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
	Version   string    `json:"version,omitempty"`
	SentAt    time.Time `json:"sentAt"`
}
