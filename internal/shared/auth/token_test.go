package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/clock"
)

func TestParseTokenResponse_Shapes(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		body       string
		wantToken  string
		wantExpiry time.Time
	}{
		{"wrapped in data", `{"data":{"access_token":"a1","expires_in":600}}`, "a1", now.Add(10 * time.Minute)},
		{"flat snake case", `{"access_token":"a2","expires_in":120}`, "a2", now.Add(2 * time.Minute)},
		{"token and expiresIn", `{"token":"a3","expiresIn":60}`, "a3", now.Add(time.Minute)},
		{"no expiry falls back", `{"access_token":"a4"}`, "a4", now.Add(time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := parseTokenResponse([]byte(tt.body), now, time.Hour)
			require.NoError(t, err)
			assert.Equal(t, tt.wantToken, tok.value)
			assert.Equal(t, tt.wantExpiry, tok.expiresAt)
		})
	}
}

func TestParseTokenResponse_JWTExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	exp := now.Add(15 * time.Minute)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ses",
		"exp": exp.Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"access_token": signed})
	tok, err := parseTokenResponse(body, now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, exp.Unix(), tok.expiresAt.Unix())
}

func TestParseTokenResponse_MissingToken(t *testing.T) {
	_, err := parseTokenResponse([]byte(`{"data":{}}`), time.Now(), time.Hour)
	assert.ErrorIs(t, err, ErrNoToken)

	_, err = parseTokenResponse([]byte(`not json`), time.Now(), time.Hour)
	assert.Error(t, err)
}

func TestTokenProvider_CachesUntilMargin(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	manual := clock.NewManual(start)
	clock.Set(manual)
	t.Cleanup(clock.Reset)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ses-client", req.ClientID)
		assert.Equal(t, "client_credentials", req.GrantType)
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","expires_in":120}`))
	}))
	defer srv.Close()

	p := NewTokenProvider(Config{TokenURL: srv.URL, ClientID: "ses-client", Scope: "fhir"}, srv.Client(), slog.Default())
	ctx := context.Background()

	tok, err := p.Token(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	manual.Advance(80 * time.Second)
	_, err = p.Token(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "token still outside refresh margin")

	manual.Advance(15 * time.Second)
	_, err = p.Token(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "token within 30s of expiry is refreshed")
}

func TestTokenProvider_ConcurrentCallersShareAcquisition(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte(`{"access_token":"shared","expires_in":3600}`))
	}))
	defer srv.Close()

	p := NewTokenProvider(Config{TokenURL: srv.URL}, srv.Client(), slog.Default())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := p.Token(context.Background(), "fhir")
			assert.NoError(t, err)
			assert.Equal(t, "shared", tok)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenProvider_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"token":"after-retry","expiresIn":3600}`))
	}))
	defer srv.Close()

	p := NewTokenProvider(Config{TokenURL: srv.URL, MaxRetries: 2}, srv.Client(), slog.Default())

	tok, err := p.Token(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "after-retry", tok)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenProvider_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewTokenProvider(Config{TokenURL: srv.URL, MaxRetries: 3}, srv.Client(), slog.Default())

	_, err := p.Token(context.Background(), "")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenProvider_Invalidate(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	defer srv.Close()

	p := NewTokenProvider(Config{TokenURL: srv.URL, Scope: "fhir"}, srv.Client(), slog.Default())
	ctx := context.Background()

	_, err := p.Token(ctx, "fhir")
	require.NoError(t, err)
	p.Invalidate("fhir")
	_, err = p.Token(ctx, "fhir")
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}
