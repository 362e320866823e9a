// Package upstream sends FHIR resources to the configured upstream APIs.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
)

// ErrCircuitOpen is returned while a route's breaker rejects requests.
// Callers treat it like any other transport failure.
var ErrCircuitOpen = errors.New("upstream circuit open")

const maxResponseBytes = 1 << 20

// Method is the upstream verb.
type Method string

const (
	MethodGet    Method = http.MethodGet
	MethodPost   Method = http.MethodPost
	MethodPut    Method = http.MethodPut
	MethodDelete Method = http.MethodDelete
)

// MethodFor maps a record operation to the verb that transmits it.
func MethodFor(op records.Operation) Method {
	switch op {
	case records.OperationUpdate:
		return MethodPut
	case records.OperationDelete:
		return MethodDelete
	default:
		return MethodPost
	}
}

// Request is one upstream call.
type Request struct {
	Method        Method
	ResourceType  string
	ResourceID    string
	Payload       json.RawMessage
	CallbackURL   string
	RouteHint     string
	FacilityID    string
	TransactionID string
}

// TokenSource supplies bearer tokens per scope.
type TokenSource interface {
	Token(ctx context.Context, scope string) (string, error)
	Invalidate(scope string)
}

// Config holds client settings beyond routing.
type Config struct {
	Routing          RoutingConfig
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

// Client calls upstream APIs through per-route circuit breakers.
type Client struct {
	router     *Router
	tokens     TokenSource
	httpClient *http.Client
	breakers   map[string]*gobreaker.CircuitBreaker
	logger     *slog.Logger
}

type envelope struct {
	CallbackURL string          `json:"callbackUrl"`
	Data        json.RawMessage `json:"data"`
}

// serverError carries a 5xx result through the breaker so it counts as a failure.
type serverError struct {
	result *Result
}

func (e *serverError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.result.Code, e.result.Message)
}

// NewClient validates the routing config and creates a Client.
func NewClient(cfg Config, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	router, err := NewRouter(cfg.Routing)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	logger = logger.With("component", "upstream-client")
	c := &Client{
		router:     router,
		tokens:     tokens,
		httpClient: httpClient,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		logger:     logger,
	}

	threshold := cfg.BreakerThreshold
	for _, route := range router.Routes() {
		c.breakers[route.Name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        route.Name,
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					"route", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
	}

	return c, nil
}

// Router exposes the resolved routing table.
func (c *Client) Router() *Router {
	return c.router
}

// Send performs req against its resolved route. Upstream HTTP errors come
// back as a Result; only transport failures, open breakers and
// configuration problems return an error.
func (c *Client) Send(ctx context.Context, req Request) (*Result, error) {
	route, err := c.router.Resolve(req.ResourceType, req.RouteHint)
	if err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = MethodPost
	}
	target := resourceURL(route.BaseURL, req.ResourceType, req.ResourceID)

	var body []byte
	if method == MethodPost || method == MethodPut {
		callbackURL := req.CallbackURL
		if callbackURL == "" {
			callbackURL = c.router.CallbackURL(req.FacilityID, req.ResourceType, req.ResourceID, req.TransactionID)
		}
		data := req.Payload
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		body, err = json.Marshal(envelope{CallbackURL: callbackURL, Data: data})
		if err != nil {
			return nil, fmt.Errorf("failed to encode upstream envelope: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, route.Timeout)
	defer cancel()

	out, err := c.breakers[route.Name].Execute(func() (interface{}, error) {
		res, err := c.do(ctx, route, method, target, body)
		if err != nil {
			return nil, err
		}
		if res.Code >= http.StatusInternalServerError {
			return nil, &serverError{result: res}
		}
		return res, nil
	})
	if err != nil {
		var se *serverError
		if errors.As(err, &se) {
			return se.result, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: route %s", ErrCircuitOpen, route.Name)
		}
		return nil, err
	}

	return out.(*Result), nil
}

func (c *Client) do(ctx context.Context, route Route, method Method, target string, body []byte) (*Result, error) {
	token, err := c.tokens.Token(ctx, route.Scope)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire token for route %s: %w", route.Name, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, string(method), target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Correlation-Id", uuid.NewString())
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate(route.Scope)
	}

	c.logger.Debug("upstream call",
		"route", route.Name,
		"method", string(method),
		"url", target,
		"status", resp.StatusCode,
	)

	return normalize(resp.StatusCode, raw), nil
}
