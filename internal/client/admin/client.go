// Package admin talks to the admin service that owns client configuration
// and receives tenant status, metrics and heartbeats.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/tenant"
)

// TokenSource supplies bearer tokens. It is satisfied by auth.TokenProvider.
type TokenSource interface {
	Token(ctx context.Context, scope string) (string, error)
}

// Config holds admin API client settings.
type Config struct {
	BaseURL     string
	Scope       string
	MaxAttempts uint64
	RetryDelay  time.Duration
	MaxJitter   time.Duration
}

// Client is an HTTP client for the admin API.
type Client struct {
	cfg        Config
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

// StatusError is a non-2xx answer from the admin API.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("admin %s %s returned %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// New creates an admin API client. tokens may be nil when the admin API is unauthenticated.
func New(cfg Config, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: httpClient,
		logger:     logger.With("client", "admin"),
	}
}

// GetClient returns the configuration for clientID, or nil when the admin
// API does not know it.
func (c *Client) GetClient(ctx context.Context, clientID string) (*tenant.ClientConfig, error) {
	path := "/admin/clients/" + url.PathEscape(clientID)
	var cfg tenant.ClientConfig
	found, err := c.do(ctx, http.MethodGet, path, nil, &cfg)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if cfg.ClientID == "" {
		cfg.ClientID = clientID
	}
	return &cfg, nil
}

// WriteStatus upserts the tenant status record.
func (c *Client) WriteStatus(ctx context.Context, s tenant.Status) error {
	path := "/api/v1/status/" + url.PathEscape(s.ClientID) + "/client"
	_, err := c.do(ctx, http.MethodPut, path, s, nil)
	return err
}

type metricsBody struct {
	Items []tenant.Metric `json:"items"`
}

// WriteMetrics posts the per-resource counts of one run.
func (c *Client) WriteMetrics(ctx context.Context, clientID string, metrics []tenant.Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	path := "/api/v1/metrics/" + url.PathEscape(clientID) + "/client"
	_, err := c.do(ctx, http.MethodPost, path, metricsBody{Items: metrics}, nil)
	return err
}

// Heartbeat announces that this instance is alive for a client.
func (c *Client) Heartbeat(ctx context.Context, hb tenant.Heartbeat) error {
	path := "/api/v1/status/" + url.PathEscape(hb.ClientID) + "/client/heartbeat"
	_, err := c.do(ctx, http.MethodPost, path, hb, nil)
	return err
}

// backoff waits RetryDelay times the attempt number plus a random jitter.
func (c *Client) backoff() retry.Backoff {
	var attempt int64
	b := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		d := time.Duration(attempt) * c.cfg.RetryDelay
		if c.cfg.MaxJitter > 0 {
			d += time.Duration(rand.Int63n(int64(c.cfg.MaxJitter)))
		}
		return d, false
	})
	return retry.WithMaxRetries(c.cfg.MaxAttempts-1, b)
}

// do sends one request, retrying 429, 5xx and transport failures. A 404 on
// GET reports found=false instead of an error.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (bool, error) {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return false, fmt.Errorf("failed to encode admin request: %w", err)
		}
	}

	// One key for every retry of this logical write.
	idempotencyKey := uuid.NewString()
	found := true

	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		req, err := c.newRequest(ctx, method, path, body, idempotencyKey)
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("admin request failed, retrying", "method", method, "path", path, "error", err)
			return retry.RetryableError(fmt.Errorf("admin %s %s: %w", method, path, err))
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("failed to read admin response: %w", err))
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil && len(bytes.TrimSpace(raw)) > 0 {
				if err := json.Unmarshal(raw, out); err != nil {
					return fmt.Errorf("failed to decode admin response: %w", err)
				}
			}
			return nil
		case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
			found = false
			return nil
		}

		statusErr := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: truncate(string(raw), 500)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			c.logger.Warn("admin request rejected, retrying", "method", method, "path", path, "status", resp.StatusCode)
			return retry.RetryableError(statusErr)
		}
		return statusErr
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte, idempotencyKey string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build admin request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx, c.cfg.Scope)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire admin token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
