// Package memory provides in-process stores with the same conditional-write
// semantics as the Postgres repositories. The service tests run against them.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/clock"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
)

// RecordStore keeps sync records per resource type.
type RecordStore struct {
	registry *records.Registry

	mu     sync.Mutex
	tables map[string]map[uuid.UUID]*records.SyncRecord
}

// NewRecordStore creates an empty store for the registered resource types.
func NewRecordStore(registry *records.Registry) *RecordStore {
	return &RecordStore{
		registry: registry,
		tables:   make(map[string]map[uuid.UUID]*records.SyncRecord),
	}
}

// table returns the map for resourceType. Callers hold s.mu.
func (s *RecordStore) table(resourceType string) (map[uuid.UUID]*records.SyncRecord, error) {
	name, err := s.registry.Canonical(resourceType)
	if err != nil {
		return nil, err
	}
	t, ok := s.tables[name]
	if !ok {
		t = make(map[uuid.UUID]*records.SyncRecord)
		s.tables[name] = t
	}
	return t, nil
}

// Insert stores a copy of rec. Inserting an existing id is an error.
func (s *RecordStore) Insert(_ context.Context, rec *records.SyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(rec.ResourceType)
	if err != nil {
		return err
	}
	if _, exists := t[rec.ID]; exists {
		return fmt.Errorf("sync record %s already exists", rec.ID)
	}
	cp := *rec
	t[rec.ID] = &cp
	return nil
}

// Get returns a copy of a record, or records.ErrNotFound.
func (s *RecordStore) Get(_ context.Context, resourceType string, id uuid.UUID) (*records.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(resourceType)
	if err != nil {
		return nil, err
	}
	rec, ok := t[id]
	if !ok {
		return nil, records.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// FetchPending returns up to limit Pending records, oldest first. An empty
// clientID matches every tenant.
func (s *RecordStore) FetchPending(_ context.Context, resourceType, clientID string, limit int) ([]records.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(resourceType)
	if err != nil {
		return nil, err
	}

	var out []records.SyncRecord
	for _, rec := range t {
		if rec.Status != records.StatusPending {
			continue
		}
		if clientID != "" && rec.ClientID != clientID {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TryClaim moves a Pending record to InFlight. It reports false when the
// record is missing or no longer Pending.
func (s *RecordStore) TryClaim(_ context.Context, resourceType string, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(resourceType)
	if err != nil {
		return false, err
	}
	rec, ok := t[id]
	if !ok || rec.Status != records.StatusPending {
		return false, nil
	}
	now := clock.Now()
	rec.Status = records.StatusInFlight
	rec.LastAttemptAt = &now
	rec.UpdatedAt = now
	return true, nil
}

// inFlight returns the claimed record or ErrNotClaimed. Callers hold s.mu.
func (s *RecordStore) inFlight(resourceType string, id uuid.UUID) (*records.SyncRecord, error) {
	t, err := s.table(resourceType)
	if err != nil {
		return nil, err
	}
	rec, ok := t[id]
	if !ok || rec.Status != records.StatusInFlight {
		return nil, records.ErrNotClaimed
	}
	return rec, nil
}

// MarkSynced completes a claimed record with the upstream result.
func (s *RecordStore) MarkSynced(_ context.Context, resourceType string, id uuid.UUID, res records.SyncResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.inFlight(resourceType, id)
	if err != nil {
		return err
	}
	applySynced(rec, res, clock.Now())
	return nil
}

func applySynced(rec *records.SyncRecord, res records.SyncResult, now time.Time) {
	rec.Status = records.StatusSynced
	rec.TransactionID = res.TransactionID
	if res.ResourceID != "" {
		rec.ResourceID = res.ResourceID
	}
	rec.APIResponsePayload = res.Response
	rec.SyncedAt = &now
	rec.ErrorMessage = ""
	rec.UpdatedAt = now
}

// MarkFailed moves a claimed record to Failed.
func (s *RecordStore) MarkFailed(_ context.Context, resourceType string, id uuid.UUID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.inFlight(resourceType, id)
	if err != nil {
		return err
	}
	rec.Status = records.StatusFailed
	rec.ErrorMessage = errMsg
	rec.UpdatedAt = clock.Now()
	return nil
}

// MarkRetry counts a failed attempt and returns the resulting status and
// retry count. Reaching ceiling fails the record and stores transactionID.
func (s *RecordStore) MarkRetry(_ context.Context, resourceType string, id uuid.UUID, errMsg, transactionID string, ceiling int) (records.Status, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.inFlight(resourceType, id)
	if err != nil {
		return "", 0, err
	}
	rec.RetryCount++
	if rec.RetryCount >= ceiling {
		rec.Status = records.StatusFailed
		if transactionID != "" {
			rec.TransactionID = transactionID
		}
	} else {
		rec.Status = records.StatusPending
	}
	rec.ErrorMessage = errMsg
	rec.UpdatedAt = clock.Now()
	return rec.Status, rec.RetryCount, nil
}

// BulkUpdateStatus applies outcomes to claimed records. Ids that are not
// InFlight are skipped, matching the guarded UPDATE in Postgres.
func (s *RecordStore) BulkUpdateStatus(_ context.Context, resourceType string, updates map[uuid.UUID]records.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, o := range updates {
		switch o.Status {
		case records.StatusSynced, records.StatusFailed, records.StatusPending:
		default:
			return fmt.Errorf("unsupported bulk status %q for record %s", o.Status, id)
		}
	}

	now := clock.Now()
	for id, o := range updates {
		rec, err := s.inFlight(resourceType, id)
		if err != nil {
			continue
		}
		if o.Status == records.StatusSynced {
			applySynced(rec, o.Result, now)
			continue
		}
		rec.Status = o.Status
		rec.ErrorMessage = o.ErrorMsg
		rec.UpdatedAt = now
	}
	return nil
}

// RequeueStale returns records claimed before staleBefore to Pending and
// reports how many were released.
func (s *RecordStore) RequeueStale(_ context.Context, resourceType string, staleBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(resourceType)
	if err != nil {
		return 0, err
	}
	var n int64
	now := clock.Now()
	for _, rec := range t {
		if rec.Status != records.StatusInFlight || rec.LastAttemptAt == nil || !rec.LastAttemptAt.Before(staleBefore) {
			continue
		}
		rec.Status = records.StatusPending
		rec.ErrorMessage = "claim expired"
		rec.UpdatedAt = now
		n++
	}
	return n, nil
}
