package callback

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/clock"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
	"github.com/cornjacket/ses-transmitter/internal/shared/infra/memory"
)

var start = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	clock   *clock.ManualClock
	records *memory.RecordStore
	events  *memory.StatusEventStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mc := clock.NewManual(start)
	clock.Set(mc)
	t.Cleanup(clock.Reset)
	return &fixture{
		clock:   mc,
		records: memory.NewRecordStore(records.DefaultRegistry()),
		events:  memory.NewStatusEventStore(),
	}
}

func (f *fixture) event(t *testing.T, outcome events.Outcome, callbackURL string) *events.StatusEvent {
	t.Helper()
	rec, err := records.NewSyncRecord("Patient", "client-1", "fac-1", records.OperationCreate, json.RawMessage(`{}`), start)
	require.NoError(t, err)
	rec.EMRCallbackURL = callbackURL
	rec.CorrelationID = "corr-1"
	require.NoError(t, f.records.Insert(context.Background(), rec))

	ev, err := events.NewStatusEvent(rec, outcome, events.Response{TransactionID: "tx-" + rec.ID.String(), ShipID: "ship-1", ResourceID: "p-1"}, start)
	require.NoError(t, err)
	require.NoError(t, f.events.Insert(context.Background(), ev))
	return ev
}

func (f *fixture) dispatcher(cfg Config) *Dispatcher {
	return NewDispatcher(f.events, f.records, nil, cfg, slog.Default())
}

func (f *fixture) get(t *testing.T, ev *events.StatusEvent) *events.StatusEvent {
	t.Helper()
	got, err := f.events.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	return got
}

func TestDispatcher_RetriesUntilDelivered(t *testing.T) {
	f := newFixture(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	defer srv.Close()

	ev := f.event(t, events.OutcomeSuccess, srv.URL)
	d := f.dispatcher(Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, d.RunOnce(ctx))
		got := f.get(t, ev)
		assert.Equal(t, events.CallbackPending, got.CallbackStatus)
		assert.Equal(t, i+1, got.CallbackAttempts)
		assert.Contains(t, got.CallbackLastError, "HTTP 500")

		assert.Zero(t, d.RunOnce(ctx), "not due before the backoff elapses")
		f.clock.Advance(time.Hour)
	}

	assert.Equal(t, 1, d.RunOnce(ctx))
	got := f.get(t, ev)
	assert.Equal(t, events.CallbackSucceeded, got.CallbackStatus)
	assert.Equal(t, 4, got.CallbackAttempts)
	require.NotNil(t, got.CallbackDeliveredAt)
	assert.Equal(t, `{"received":true}`, got.CallbackResponse)
	assert.Empty(t, got.CallbackLastError)
	assert.Equal(t, int32(4), hits.Load())

	assert.Zero(t, d.RunOnce(ctx), "delivered callbacks are not sent again")
}

func TestDispatcher_PayloadAndHeaders(t *testing.T) {
	f := newFixture(t)

	var payload events.CallbackPayload
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
	}))
	defer srv.Close()

	ev := f.event(t, events.OutcomeFailed, srv.URL+"/hook?token=secret")
	require.Equal(t, 1, f.dispatcher(Config{}).RunOnce(context.Background()))

	assert.Equal(t, events.OutcomeFailed, payload.Status)
	assert.Equal(t, "Patient Failed", payload.Message)
	assert.Equal(t, "ship-1", payload.ShipID)
	assert.Equal(t, ev.TransactionID, payload.TransactionID)
	assert.Equal(t, "corr-1", payload.CorrelationID)

	assert.Equal(t, ev.TransactionID, headers.Get("X-Transaction-Id"))
	assert.Equal(t, "corr-1", headers.Get("X-Correlation-Id"))
	assert.Equal(t, "Patient", headers.Get("X-Fhir-Resource-Type"))
	assert.Equal(t, "p-1", headers.Get("X-Fhir-Resource-Id"))
}

func TestDispatcher_PendingEventsAreNotDelivered(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("pending events must not be called back")
	}))
	defer srv.Close()

	f.event(t, events.OutcomePending, srv.URL)
	assert.Zero(t, f.dispatcher(Config{}).RunOnce(context.Background()))
}

func TestDispatcher_MissingURL(t *testing.T) {
	f := newFixture(t)
	ev := f.event(t, events.OutcomeSuccess, "")

	assert.Equal(t, 1, f.dispatcher(Config{}).RunOnce(context.Background()))

	got := f.get(t, ev)
	assert.Equal(t, events.CallbackPending, got.CallbackStatus)
	assert.Equal(t, start.Add(10*time.Minute), got.CallbackNextAttemptAt)
	assert.Equal(t, "missing EMR callback URL", got.CallbackLastError)
}

func TestDispatcher_ResolvesURLFromRecord(t *testing.T) {
	f := newFixture(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	ev := f.event(t, events.OutcomeSuccess, "")
	rec, err := f.records.Get(context.Background(), "Patient", ev.RecordID)
	require.NoError(t, err)

	// Simulate an event created before the record carried its URL.
	other := memory.NewRecordStore(records.DefaultRegistry())
	rec.EMRCallbackURL = srv.URL
	require.NoError(t, other.Insert(context.Background(), rec))

	d := NewDispatcher(f.events, other, nil, Config{}, slog.Default())
	assert.Equal(t, 1, d.RunOnce(context.Background()))

	got := f.get(t, ev)
	assert.Equal(t, events.CallbackSucceeded, got.CallbackStatus)
	assert.Equal(t, srv.URL, got.EMRTargetURL)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDispatcher_GivesUpAtMaxAttempts(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ev := f.event(t, events.OutcomeSuccess, srv.URL)
	d := f.dispatcher(Config{MaxAttempts: 2})
	ctx := context.Background()

	d.RunOnce(ctx)
	f.clock.Advance(time.Hour)
	d.RunOnce(ctx)

	got := f.get(t, ev)
	assert.Equal(t, events.CallbackFailed, got.CallbackStatus)
	assert.Equal(t, 2, got.CallbackAttempts)

	f.clock.Advance(time.Hour)
	assert.Zero(t, d.RunOnce(ctx))
}

func TestDispatcher_TransportErrorSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	ev := f.event(t, events.OutcomeSuccess, url)
	f.dispatcher(Config{}).RunOnce(context.Background())

	got := f.get(t, ev)
	assert.Equal(t, events.CallbackPending, got.CallbackStatus)
	assert.Equal(t, 1, got.CallbackAttempts)
	assert.Equal(t, start.Add(30*time.Second), got.CallbackNextAttemptAt)
	assert.NotEmpty(t, got.CallbackLastError)
}

func TestDispatcher_StartWakesOnNotification(t *testing.T) {
	f := newFixture(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	d := f.dispatcher(Config{PollInterval: time.Hour})
	wake := make(chan struct{}, 1)
	d.WakeOn(wake)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	f.event(t, events.OutcomeSuccess, srv.URL)
	wake <- struct{}{}

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestBackoff(t *testing.T) {
	minDelay, maxDelay := 30*time.Second, time.Hour

	assert.Equal(t, 30*time.Second, Backoff(0, minDelay, maxDelay))
	assert.Equal(t, 30*time.Second, Backoff(4, minDelay, maxDelay))
	assert.Equal(t, 32*time.Second, Backoff(5, minDelay, maxDelay))
	assert.Equal(t, 1024*time.Second, Backoff(10, minDelay, maxDelay))
	assert.Equal(t, 1024*time.Second, Backoff(50, minDelay, maxDelay))
	assert.Equal(t, 10*time.Minute, Backoff(10, minDelay, 10*time.Minute))

	prev := time.Duration(0)
	for n := 0; n <= 20; n++ {
		d := Backoff(n, minDelay, maxDelay)
		assert.GreaterOrEqual(t, d, prev, "backoff must not decrease at attempt %d", n)
		assert.GreaterOrEqual(t, d, minDelay)
		assert.LessOrEqual(t, d, maxDelay)
		prev = d
	}
}

func TestSafeURL(t *testing.T) {
	assert.Equal(t, "https://emr.example.com/hook", safeURL("https://user:pw@emr.example.com/hook?token=x#frag"))
}
