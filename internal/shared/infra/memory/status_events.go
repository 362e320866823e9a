package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/clock"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
)

// StatusEventStore is the in-memory status event outbox.
type StatusEventStore struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*events.StatusEvent
	byTxID map[string]uuid.UUID
}

// NewStatusEventStore creates an empty store.
func NewStatusEventStore() *StatusEventStore {
	return &StatusEventStore{
		byID:   make(map[uuid.UUID]*events.StatusEvent),
		byTxID: make(map[string]uuid.UUID),
	}
}

// Insert stores a copy of ev. A second event for the same transaction id
// returns events.ErrDuplicate.
func (s *StatusEventStore) Insert(_ context.Context, ev *events.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byTxID[ev.TransactionID]; exists {
		return events.ErrDuplicate
	}
	cp := *ev
	s.byID[ev.ID] = &cp
	s.byTxID[ev.TransactionID] = ev.ID
	return nil
}

// Get returns a copy of an event, or events.ErrNotFound.
func (s *StatusEventStore) Get(_ context.Context, id uuid.UUID) (*events.StatusEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.byID[id]
	if !ok {
		return nil, events.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

// GetByTransactionID looks an event up by its upstream transaction id.
func (s *StatusEventStore) GetByTransactionID(ctx context.Context, transactionID string) (*events.StatusEvent, error) {
	s.mu.Lock()
	id, ok := s.byTxID[transactionID]
	s.mu.Unlock()
	if !ok {
		return nil, events.ErrNotFound
	}
	return s.Get(ctx, id)
}

// All returns a snapshot of every event ordered by creation time.
func (s *StatusEventStore) All() []events.StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]events.StatusEvent, 0, len(s.byID))
	for _, ev := range s.byID {
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ResolveByTransaction settles a Pending event from an upstream callback.
// Events that are already settled are returned unchanged.
func (s *StatusEventStore) ResolveByTransaction(ctx context.Context, transactionID string, outcome events.Outcome, message string, data json.RawMessage) (*events.StatusEvent, error) {
	s.mu.Lock()
	id, ok := s.byTxID[transactionID]
	if ok {
		ev := s.byID[id]
		if ev.Status == events.OutcomePending {
			ev.Status = outcome
			if message != "" {
				ev.Message = message
			}
			if len(data) > 0 {
				ev.Data = data
			}
			ev.UpdatedAt = clock.Now()
		}
	}
	s.mu.Unlock()

	if !ok {
		return nil, events.ErrNotFound
	}
	return s.Get(ctx, id)
}

// FetchDueCallbacks returns settled events whose EMR callback is due.
func (s *StatusEventStore) FetchDueCallbacks(_ context.Context, now time.Time, limit int) ([]events.StatusEvent, error) {
	return s.filter(limit, func(ev *events.StatusEvent) bool {
		return ev.CallbackStatus == events.CallbackPending &&
			ev.Status != events.OutcomePending &&
			!ev.CallbackNextAttemptAt.After(now)
	}, func(a, b *events.StatusEvent) bool {
		return a.CallbackNextAttemptAt.Before(b.CallbackNextAttemptAt)
	}), nil
}

// TryClaimCallback moves a Pending callback to InFlight.
func (s *StatusEventStore) TryClaimCallback(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.byID[id]
	if !ok || ev.CallbackStatus != events.CallbackPending {
		return false, nil
	}
	ev.CallbackStatus = events.CallbackInFlight
	ev.UpdatedAt = clock.Now()
	return true, nil
}

// SetCallbackTarget caches the resolved EMR callback URL on the event.
func (s *StatusEventStore) SetCallbackTarget(_ context.Context, id uuid.UUID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev, ok := s.byID[id]; ok {
		ev.EMRTargetURL = url
		ev.UpdatedAt = clock.Now()
	}
	return nil
}

// MarkCallbackSucceeded records a delivered callback.
func (s *StatusEventStore) MarkCallbackSucceeded(_ context.Context, id uuid.UUID, attempts int, deliveredAt time.Time, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.byID[id]
	if !ok || ev.CallbackStatus != events.CallbackInFlight {
		return nil
	}
	ev.CallbackStatus = events.CallbackSucceeded
	ev.CallbackAttempts = attempts
	ev.CallbackDeliveredAt = &deliveredAt
	ev.CallbackResponse = response
	ev.CallbackLastError = ""
	ev.UpdatedAt = deliveredAt
	return nil
}

// ScheduleCallbackRetry records a failed delivery and when to try again.
func (s *StatusEventStore) ScheduleCallbackRetry(_ context.Context, id uuid.UUID, retry events.CallbackRetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.byID[id]
	if !ok || ev.CallbackStatus != events.CallbackInFlight {
		return nil
	}
	ev.CallbackStatus = events.CallbackPending
	if retry.GiveUp {
		ev.CallbackStatus = events.CallbackFailed
	}
	ev.CallbackAttempts = retry.Attempts
	ev.CallbackNextAttemptAt = retry.NextAttemptAt
	ev.CallbackLastError = retry.LastError
	ev.UpdatedAt = clock.Now()
	return nil
}

// FetchDueProbes returns Pending events created before createdBefore whose
// probe is due.
func (s *StatusEventStore) FetchDueProbes(_ context.Context, createdBefore, now time.Time, limit int) ([]events.StatusEvent, error) {
	return s.filter(limit, func(ev *events.StatusEvent) bool {
		return ev.Status == events.OutcomePending &&
			ev.ProbeStatus == events.ProbePending &&
			!ev.CreatedAt.After(createdBefore) &&
			!ev.ProbeNextAttemptAt.After(now)
	}, func(a, b *events.StatusEvent) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	}), nil
}

// TryClaimProbe moves a Pending probe to InFlight.
func (s *StatusEventStore) TryClaimProbe(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.byID[id]
	if !ok || ev.ProbeStatus != events.ProbePending {
		return false, nil
	}
	ev.ProbeStatus = events.ProbeInFlight
	ev.UpdatedAt = clock.Now()
	return true, nil
}

// ResolveProbe closes the probe and settles a still-Pending event as
// Success with events.ProbeResolvedMessage. It reports whether the outcome
// changed.
func (s *StatusEventStore) ResolveProbe(_ context.Context, id uuid.UUID, attempts int, data json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.byID[id]
	if !ok {
		return false, events.ErrNotFound
	}
	now := clock.Now()
	changed := false
	if ev.Status == events.OutcomePending {
		ev.Status = events.OutcomeSuccess
		ev.Message = events.ProbeResolvedMessage
		if len(data) > 0 {
			ev.Data = data
		}
		changed = true
	}
	ev.ProbeStatus = events.ProbeResolved
	ev.ProbeAttempts = attempts
	ev.ProbeLastError = ""
	ev.UpdatedAt = now
	return changed, nil
}

// MarkProbeNotFound ends probing for a transaction upstream does not know.
func (s *StatusEventStore) MarkProbeNotFound(_ context.Context, id uuid.UUID, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.byID[id]
	if !ok || ev.ProbeStatus != events.ProbeInFlight {
		return nil
	}
	ev.ProbeStatus = events.ProbeNotFound
	ev.ProbeAttempts = attempts
	ev.UpdatedAt = clock.Now()
	return nil
}

// ScheduleProbeRetry records a failed probe and either reschedules or
// abandons it.
func (s *StatusEventStore) ScheduleProbeRetry(_ context.Context, id uuid.UUID, retry events.ProbeRetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.byID[id]
	if !ok || ev.ProbeStatus != events.ProbeInFlight {
		return nil
	}
	ev.ProbeStatus = events.ProbePending
	if retry.GiveUp {
		ev.ProbeStatus = events.ProbeAbandoned
	}
	ev.ProbeAttempts = retry.Attempts
	ev.ProbeNextAttemptAt = retry.NextAttemptAt
	ev.ProbeLastError = retry.LastError
	ev.UpdatedAt = clock.Now()
	return nil
}

func (s *StatusEventStore) filter(limit int, keep func(*events.StatusEvent) bool, less func(a, b *events.StatusEvent) bool) []events.StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*events.StatusEvent
	for _, ev := range s.byID {
		if keep(ev) {
			matched = append(matched, ev)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]events.StatusEvent, len(matched))
	for i, ev := range matched {
		out[i] = *ev
	}
	return out
}
