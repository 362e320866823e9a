// Package callback delivers terminal status events to the EMR callback URL.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/clock"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
)

const (
	maxStoredResponse = 4000
	maxStoredError    = 500
)

// Config holds configuration for the dispatcher.
type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	MaxAttempts     int
	MissingURLDelay time.Duration
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
}

// Dispatcher polls the outbox for due callbacks and POSTs them to the EMR.
type Dispatcher struct {
	store      EventStore
	records    RecordLookup
	httpClient *http.Client
	config     Config
	wake       <-chan struct{}
	logger     *slog.Logger
}

// NewDispatcher creates a new dispatcher. records may be nil when events
// always carry their target URL.
func NewDispatcher(store EventStore, records RecordLookup, httpClient *http.Client, config Config, logger *slog.Logger) *Dispatcher {
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.MissingURLDelay <= 0 {
		config.MissingURLDelay = 10 * time.Minute
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = 30 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = time.Hour
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Dispatcher{
		store:      store,
		records:    records,
		httpClient: httpClient,
		config:     config,
		logger:     logger.With("component", "callback-dispatcher"),
	}
}

// WakeOn makes the dispatcher poll early whenever wake fires.
func (d *Dispatcher) WakeOn(wake <-chan struct{}) {
	d.wake = wake
}

// Start polls until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("starting callback dispatcher",
		"batch_size", d.config.BatchSize,
		"poll_interval", d.config.PollInterval,
	)

	timer := time.NewTimer(d.config.PollInterval)
	defer timer.Stop()

	d.RunOnce(ctx)

	wake := d.wake
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("callback dispatcher stopped")
			return nil

		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			d.RunOnce(ctx)
			timer.Reset(d.config.PollInterval)

		case <-timer.C:
			d.RunOnce(ctx)
			timer.Reset(d.config.PollInterval)
		}
	}
}

// RunOnce delivers one batch of due callbacks and returns how many were attempted.
func (d *Dispatcher) RunOnce(ctx context.Context) int {
	due, err := d.store.FetchDueCallbacks(ctx, clock.Now(), d.config.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("failed to fetch due callbacks", "error", err)
		}
		return 0
	}
	if len(due) > 0 {
		d.logger.Debug("fetched due callbacks", "count", len(due))
	}

	attempted := 0
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		if d.deliver(ctx, &due[i]) {
			attempted++
		}
	}
	return attempted
}

// deliver claims and sends one callback. It reports whether the event was claimed.
func (d *Dispatcher) deliver(ctx context.Context, ev *events.StatusEvent) bool {
	logger := d.logger.With("event_id", ev.ID, "transaction_id", ev.TransactionID)

	claimed, err := d.store.TryClaimCallback(ctx, ev.ID)
	if err != nil {
		logger.Error("failed to claim callback", "error", err)
		return false
	}
	if !claimed {
		logger.Debug("callback claimed elsewhere")
		return false
	}

	// The claim is held; record the outcome even if shutdown starts now.
	ctx = context.WithoutCancel(ctx)
	attempts := ev.CallbackAttempts + 1

	target := d.resolveTarget(ctx, logger, ev)
	if target == "" {
		logger.Warn("missing EMR callback URL, scheduling retry", "delay", d.config.MissingURLDelay)
		d.retry(ctx, logger, ev, attempts, d.config.MissingURLDelay, "missing EMR callback URL")
		return true
	}

	code, body, err := d.post(ctx, target, ev)
	now := clock.Now()
	switch {
	case err != nil:
		d.retry(ctx, logger, ev, attempts, Backoff(ev.CallbackAttempts, d.config.MinBackoff, d.config.MaxBackoff), err.Error())
	case code < 200 || code >= 300:
		d.retry(ctx, logger, ev, attempts, Backoff(ev.CallbackAttempts, d.config.MinBackoff, d.config.MaxBackoff),
			fmt.Sprintf("HTTP %d: %s", code, truncate(body, maxStoredError)))
	default:
		if err := d.store.MarkCallbackSucceeded(ctx, ev.ID, attempts, now, truncate(body, maxStoredResponse)); err != nil {
			logger.Error("failed to mark callback delivered", "error", err)
			return true
		}
		logger.Info("EMR callback delivered", "url", safeURL(target), "attempts", attempts)
	}
	return true
}

func (d *Dispatcher) resolveTarget(ctx context.Context, logger *slog.Logger, ev *events.StatusEvent) string {
	if ev.EMRTargetURL != "" {
		return ev.EMRTargetURL
	}
	if d.records == nil {
		return ""
	}
	rec, err := d.records.Get(ctx, ev.ResourceType, ev.RecordID)
	if err != nil {
		logger.Warn("failed to load originating record", "record_id", ev.RecordID, "error", err)
		return ""
	}
	if rec.EMRCallbackURL == "" {
		return ""
	}
	if err := d.store.SetCallbackTarget(ctx, ev.ID, rec.EMRCallbackURL); err != nil {
		logger.Warn("failed to cache callback target", "error", err)
	}
	return rec.EMRCallbackURL
}

func (d *Dispatcher) post(ctx context.Context, target string, ev *events.StatusEvent) (int, string, error) {
	body, err := json.Marshal(ev.CallbackPayload())
	if err != nil {
		return 0, "", fmt.Errorf("failed to encode callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Transaction-Id", ev.TransactionID)
	if ev.CorrelationID != "" {
		req.Header.Set("X-Correlation-Id", ev.CorrelationID)
	}
	if ev.ResourceType != "" {
		req.Header.Set("X-Fhir-Resource-Type", ev.ResourceType)
	}
	if ev.ResourceID != "" {
		req.Header.Set("X-Fhir-Resource-Id", ev.ResourceID)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("callback to %s: %w", safeURL(target), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxStoredResponse+1))
	if err != nil {
		return resp.StatusCode, "", nil
	}
	return resp.StatusCode, string(raw), nil
}

func (d *Dispatcher) retry(ctx context.Context, logger *slog.Logger, ev *events.StatusEvent, attempts int, delay time.Duration, lastErr string) {
	giveUp := d.config.MaxAttempts > 0 && attempts >= d.config.MaxAttempts
	r := events.CallbackRetry{
		Attempts:      attempts,
		NextAttemptAt: clock.Now().Add(delay),
		LastError:     lastErr,
		GiveUp:        giveUp,
	}
	if err := d.store.ScheduleCallbackRetry(ctx, ev.ID, r); err != nil {
		logger.Error("failed to reschedule callback", "error", err)
		return
	}
	if giveUp {
		logger.Error("EMR callback abandoned", "attempts", attempts, "error", lastErr)
		return
	}
	logger.Warn("EMR callback failed, retry scheduled",
		"attempts", attempts,
		"next_attempt_at", r.NextAttemptAt,
		"error", lastErr,
	)
}

// Backoff returns 2^attempts seconds clamped to [minDelay, maxDelay].
// The exponent is capped at 10.
func Backoff(attempts int, minDelay, maxDelay time.Duration) time.Duration {
	n := max(0, min(attempts, 10))
	d := time.Duration(1<<n) * time.Second
	return min(max(d, minDelay), maxDelay)
}

// safeURL strips the query and fragment before logging.
func safeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(invalid-url)"
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
