package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds client configuration.
type Config struct {
	IngestionURL string
	QueryURL     string
	ClientID     string
	FacilityID   string
}

// SubmitRequest is one FHIR resource handed to the ingestion API.
type SubmitRequest struct {
	ResourceType string
	ResourceID   string
	Operation    string
	CallbackURL  string
	Resource     any
}

// SubmitResponse is returned by the ingestion API.
type SubmitResponse struct {
	RecordID string `json:"recordId"`
	Status   string `json:"status"`
}

// Record is a staged record as returned by the query API.
type Record struct {
	ID            string          `json:"id"`
	ResourceType  string          `json:"resourceType"`
	ResourceID    string          `json:"resourceId"`
	ClientID      string          `json:"clientId"`
	Status        string          `json:"status"`
	RetryCount    int             `json:"retryCount"`
	ErrorMessage  string          `json:"errorMessage"`
	TransactionID string          `json:"transactionId"`
	Payload       json.RawMessage `json:"payload"`
}

// StatusEvent is the outbox entry as returned by the query API.
type StatusEvent struct {
	ID             string `json:"id"`
	TransactionID  string `json:"transactionId"`
	RecordID       string `json:"recordId"`
	Status         string `json:"status"`
	Message        string `json:"message"`
	CallbackStatus string `json:"callbackStatus"`
	ProbeStatus    string `json:"probeStatus"`
}

// UpstreamCallback is the body upstream posts for an accepted transaction.
type UpstreamCallback struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Code          int    `json:"code"`
	Message       string `json:"message"`
}

// ErrorResponse represents an error response from the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusError is returned when an API answers with an unexpected code.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// UniqueID generates a unique ID for test isolation.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// SubmitRecord posts a resource to the ingestion API.
func SubmitRecord(ctx context.Context, cfg *Config, req *SubmitRequest) (*SubmitResponse, error) {
	body, err := json.Marshal(req.Resource)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}

	q := url.Values{}
	if req.Operation != "" {
		q.Set("operation", req.Operation)
	}
	if req.ResourceID != "" {
		q.Set("resourceId", req.ResourceID)
	}
	target := fmt.Sprintf("%s/api/v1/fhir/%s", cfg.IngestionURL, url.PathEscape(req.ResourceType))
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Client-Id", cfg.ClientID)
	httpReq.Header.Set("X-Facility-Id", cfg.FacilityID)
	httpReq.Header.Set("X-Correlation-Id", UniqueID("e2e"))
	if req.CallbackURL != "" {
		httpReq.Header.Set("X-Emr-Callback-Url", req.CallbackURL)
	}

	var resp SubmitResponse
	if err := do(httpReq, http.StatusAccepted, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRecord retrieves a record from the query API. A missing record
// returns nil without error.
func GetRecord(ctx context.Context, cfg *Config, resourceType, id string) (*Record, error) {
	target := fmt.Sprintf("%s/api/v1/records/%s/%s", cfg.QueryURL, url.PathEscape(resourceType), url.PathEscape(id))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var rec Record
	if err := do(httpReq, http.StatusOK, &rec); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// GetStatusEvent retrieves the status event for a transaction. A missing
// event returns nil without error.
func GetStatusEvent(ctx context.Context, cfg *Config, transactionID string) (*StatusEvent, error) {
	target := fmt.Sprintf("%s/api/v1/status-events/%s", cfg.QueryURL, url.PathEscape(transactionID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var ev StatusEvent
	if err := do(httpReq, http.StatusOK, &ev); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &ev, nil
}

// PostUpstreamCallback reports an upstream outcome to the ingestion API.
func PostUpstreamCallback(ctx context.Context, cfg *Config, cb *UpstreamCallback) error {
	body, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("failed to marshal callback: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.IngestionURL+"/api/v1/callbacks/upstream", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return do(httpReq, http.StatusOK, nil)
}

// WaitForRecord polls until the record leaves the Pending and InFlight
// states or the timeout passes.
func WaitForRecord(ctx context.Context, cfg *Config, resourceType, id string, timeout time.Duration) (*Record, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rec, err := GetRecord(ctx, cfg, resourceType, id)
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.Status != "Pending" && rec.Status != "InFlight" {
			return rec, nil
		}

		time.Sleep(500 * time.Millisecond)
	}

	return nil, fmt.Errorf("timeout waiting for record %s/%s to settle", resourceType, id)
}

// CheckHealth checks the health endpoint of a service.
func CheckHealth(ctx context.Context, baseURL string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return do(httpReq, http.StatusOK, nil)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	se, ok := err.(*StatusError)
	return ok && se.Code == code
}

func isNotFound(err error) bool {
	return IsStatus(err, http.StatusNotFound)
}

func do(httpReq *http.Request, want int, out any) error {
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != want {
		var errResp ErrorResponse
		_ = json.Unmarshal(respBody, &errResp)
		return &StatusError{Code: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
