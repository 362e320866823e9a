// Package auth obtains and caches bearer tokens for outbound API calls.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sethvargo/go-retry"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/clock"
)

// Config describes a client-credentials token endpoint.
type Config struct {
	TokenURL      string
	ClientID      string
	ClientSecret  string
	GrantType     string
	Scope         string
	RefreshMargin time.Duration
	DefaultExpiry time.Duration
	MaxRetries    uint64
}

// ErrNoToken is returned when the token endpoint answers without an access token.
var ErrNoToken = errors.New("token response did not include an access token")

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// TokenProvider caches one token per scope. A single mutex covers the
// expiry check and the refresh, so concurrent callers share one acquisition.
type TokenProvider struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	tokens map[string]cachedToken
}

// NewTokenProvider creates a TokenProvider. A nil httpClient uses a client with a 30s timeout.
func NewTokenProvider(cfg Config, httpClient *http.Client, logger *slog.Logger) *TokenProvider {
	if cfg.GrantType == "" {
		cfg.GrantType = "client_credentials"
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = 30 * time.Second
	}
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = time.Hour
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenProvider{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With("component", "token-provider"),
		tokens:     make(map[string]cachedToken),
	}
}

// Token returns a bearer token for scope, refreshing it when it expires
// within the configured margin. An empty scope uses the configured default.
func (p *TokenProvider) Token(ctx context.Context, scope string) (string, error) {
	if scope == "" {
		scope = p.cfg.Scope
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if tok, ok := p.tokens[scope]; ok && clock.Now().Add(p.cfg.RefreshMargin).Before(tok.expiresAt) {
		return tok.value, nil
	}

	tok, err := p.fetch(ctx, scope)
	if err != nil {
		return "", err
	}
	p.tokens[scope] = tok

	p.logger.Info("access token acquired",
		"scope", scope,
		"expires_at", tok.expiresAt,
	)
	return tok.value, nil
}

// Invalidate drops the cached token for scope, e.g. after a 401.
func (p *TokenProvider) Invalidate(scope string) {
	if scope == "" {
		scope = p.cfg.Scope
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tokens, scope)
}

type tokenRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	GrantType    string `json:"grantType"`
	Scope        string `json:"scope,omitempty"`
}

func (p *TokenProvider) fetch(ctx context.Context, scope string) (cachedToken, error) {
	body, err := json.Marshal(tokenRequest{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		GrantType:    p.cfg.GrantType,
		Scope:        scope,
	})
	if err != nil {
		return cachedToken{}, fmt.Errorf("failed to marshal token request: %w", err)
	}

	backoff := retry.WithMaxRetries(p.cfg.MaxRetries, retry.NewExponential(200*time.Millisecond))

	var tok cachedToken
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("token request failed: %w", err))
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("failed to read token response: %w", err))
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("token endpoint returned %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("token endpoint returned %d", resp.StatusCode)
		}

		tok, err = parseTokenResponse(raw, clock.Now(), p.cfg.DefaultExpiry)
		return err
	})
	if err != nil {
		return cachedToken{}, err
	}
	return tok, nil
}

type tokenFields struct {
	AccessToken      string  `json:"access_token"`
	AccessTokenCamel string  `json:"accessToken"`
	Token            string  `json:"token"`
	ExpiresIn        float64 `json:"expires_in"`
	ExpiresInCamel   float64 `json:"expiresIn"`
}

func (f tokenFields) value() string {
	switch {
	case f.AccessToken != "":
		return f.AccessToken
	case f.AccessTokenCamel != "":
		return f.AccessTokenCamel
	default:
		return f.Token
	}
}

func (f tokenFields) expiresIn() float64 {
	if f.ExpiresIn > 0 {
		return f.ExpiresIn
	}
	return f.ExpiresInCamel
}

// parseTokenResponse accepts {data:{access_token,expires_in}}, {access_token,expires_in}
// and {token,expiresIn}. Without an expiry the JWT exp claim is used, then defaultExpiry.
func parseTokenResponse(raw []byte, now time.Time, defaultExpiry time.Duration) (cachedToken, error) {
	var resp struct {
		tokenFields
		Data *tokenFields `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return cachedToken{}, fmt.Errorf("failed to decode token response: %w", err)
	}

	fields := resp.tokenFields
	if resp.Data != nil && resp.Data.value() != "" {
		fields = *resp.Data
	}

	value := fields.value()
	if value == "" {
		return cachedToken{}, ErrNoToken
	}

	if secs := fields.expiresIn(); secs > 0 {
		return cachedToken{value: value, expiresAt: now.Add(time.Duration(secs * float64(time.Second)))}, nil
	}
	if exp, ok := jwtExpiry(value); ok {
		return cachedToken{value: value, expiresAt: exp}, nil
	}
	return cachedToken{value: value, expiresAt: now.Add(defaultExpiry)}, nil
}

// jwtExpiry reads the exp claim without verifying the signature; the token is
// only inspected for caching, never trusted for authorization here.
func jwtExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
