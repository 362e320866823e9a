package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
	"github.com/cornjacket/ses-transmitter/internal/shared/infra/memory"
)

type testEnv struct {
	records *memory.RecordStore
	events  *memory.StatusEventStore
	handler *Handler
	echo    *echo.Echo
}

func newTestEnv() *testEnv {
	registry := records.DefaultRegistry()
	env := &testEnv{
		records: memory.NewRecordStore(registry),
		events:  memory.NewStatusEventStore(),
		echo:    echo.New(),
	}
	env.handler = NewHandler(NewService(env.records, env.events, registry, slog.Default()), slog.Default())
	return env
}

func (env *testEnv) submit(t *testing.T, resourceType, query, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/fhir/"+resourceType+query, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c := env.echo.NewContext(req, rec)
	c.SetParamNames("resourceType")
	c.SetParamValues(resourceType)
	require.NoError(t, env.handler.HandleSubmit(c))
	return rec
}

func TestHandleSubmit_Success(t *testing.T) {
	env := newTestEnv()

	rec := env.submit(t, "Patient", "", `{"resourceType":"Patient","id":"p-1"}`, map[string]string{
		HeaderClientID:      "tenant-a",
		HeaderFacilityID:    "fac-1",
		HeaderCallbackURL:   "https://emr.example/cb",
		HeaderCorrelationID: "corr-1",
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, records.StatusPending, resp.Status)

	id, err := uuid.FromString(resp.RecordID)
	require.NoError(t, err)
	stored, err := env.records.Get(context.Background(), "Patient", id)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", stored.ClientID)
	assert.Equal(t, "fac-1", stored.FacilityID)
	assert.Equal(t, "https://emr.example/cb", stored.EMRCallbackURL)
	assert.Equal(t, "corr-1", stored.CorrelationID)
	assert.Equal(t, records.OperationCreate, stored.Operation)
	assert.JSONEq(t, `{"resourceType":"Patient","id":"p-1"}`, string(stored.Payload))
}

func TestHandleSubmit_UpdateFromQuery(t *testing.T) {
	env := newTestEnv()

	rec := env.submit(t, "observation", "?operation=update&resourceId=obs-7", `{"resourceType":"Observation"}`, map[string]string{
		HeaderClientID:   "tenant-a",
		HeaderFacilityID: "fac-1",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	id := uuid.FromStringOrNil(resp.RecordID)
	stored, err := env.records.Get(context.Background(), "Observation", id)
	require.NoError(t, err)
	assert.Equal(t, records.OperationUpdate, stored.Operation)
	assert.Equal(t, "obs-7", stored.ResourceID)
}

func TestHandleSubmit_MissingHeaders(t *testing.T) {
	env := newTestEnv()

	rec := env.submit(t, "Patient", "", `{}`, map[string]string{HeaderFacilityID: "fac-1"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Contains(t, resp["error"], "X-Client-Id")
}

func TestHandleSubmit_UnknownResourceType(t *testing.T) {
	env := newTestEnv()

	rec := env.submit(t, "Spaceship", "", `{}`, map[string]string{
		HeaderClientID:   "tenant-a",
		HeaderFacilityID: "fac-1",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmit_StoreError(t *testing.T) {
	e := echo.New()
	handler := NewHandler(NewService(&mockRecordWriter{
		InsertFn: func(ctx context.Context, rec *records.SyncRecord) error {
			return fmt.Errorf("connection refused")
		},
	}, nil, records.DefaultRegistry(), slog.Default()), slog.Default())

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set(HeaderClientID, "tenant-a")
	req.Header.Set(HeaderFacilityID, "fac-1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("resourceType")
	c.SetParamValues("Patient")

	require.NoError(t, handler.HandleSubmit(c))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func (env *testEnv) upstreamCallback(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/upstream", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	require.NoError(t, env.handler.HandleUpstreamCallback(env.echo.NewContext(req, rec)))
	return rec
}

func seedPendingEvent(t *testing.T, store *memory.StatusEventStore, txID string) *events.StatusEvent {
	t.Helper()
	rec, err := records.NewSyncRecord("Patient", "tenant-a", "fac-1", records.OperationCreate, json.RawMessage(`{}`), time.Now())
	require.NoError(t, err)
	ev, err := events.NewStatusEvent(rec, events.OutcomePending, events.Response{TransactionID: txID}, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Insert(context.Background(), ev))
	return ev
}

func TestHandleUpstreamCallback_ResolvesPendingEvent(t *testing.T) {
	env := newTestEnv()
	ev := seedPendingEvent(t, env.events, "tx-42")

	rec := env.upstreamCallback(t, `{"transactionId":"tx-42","status":"success","code":200,"message":"created","data":{"id":"p-1"}}`)

	assert.Equal(t, http.StatusOK, rec.Code)

	stored, err := env.events.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, events.OutcomeSuccess, stored.Status)
	assert.Equal(t, "created", stored.Message)
	assert.JSONEq(t, `{"id":"p-1"}`, string(stored.Data))

	// Now due for EMR delivery.
	due, err := env.events.FetchDueCallbacks(context.Background(), time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, ev.ID, due[0].ID)
}

func TestHandleUpstreamCallback_AlreadySettledIsUnchanged(t *testing.T) {
	env := newTestEnv()
	ev := seedPendingEvent(t, env.events, "tx-1")

	require.Equal(t, http.StatusOK, env.upstreamCallback(t, `{"transactionId":"tx-1","status":"failed","code":422}`).Code)
	require.Equal(t, http.StatusOK, env.upstreamCallback(t, `{"transactionId":"tx-1","status":"success","code":200}`).Code)

	stored, err := env.events.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, events.OutcomeFailed, stored.Status)
}

func TestHandleUpstreamCallback_UnknownTransaction(t *testing.T) {
	env := newTestEnv()

	rec := env.upstreamCallback(t, `{"transactionId":"tx-unknown","status":"success"}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleUpstreamCallback_BadJSON(t *testing.T) {
	env := newTestEnv()

	rec := env.upstreamCallback(t, `{not json`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	require.NoError(t, env.handler.HandleHealth(env.echo.NewContext(req, rec)))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestNewServer_Routes(t *testing.T) {
	registry := records.DefaultRegistry()
	store := memory.NewRecordStore(registry)
	e := NewServer(store, memory.NewStatusEventStore(), registry, "", slog.Default())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/fhir/Encounter", strings.NewReader(`{"resourceType":"Encounter"}`))
	req.Header.Set(HeaderClientID, "tenant-a")
	req.Header.Set(HeaderFacilityID, "fac-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	pending, err := store.FetchPending(context.Background(), "Encounter", "tenant-a", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
