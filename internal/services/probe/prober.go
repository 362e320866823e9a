// Package probe reconciles status events that upstream never called back on.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cornjacket/ses-transmitter/internal/client/upstream"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/clock"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
)

// Config holds configuration for the prober.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Timeout      time.Duration
	MaxAttempts  int
}

// Prober asks upstream for the outcome of events left Pending too long.
type Prober struct {
	store  EventStore
	sender Sender
	config Config
	logger *slog.Logger
}

// NewProber creates a new prober.
func NewProber(store EventStore, sender Sender, config Config, logger *slog.Logger) *Prober {
	if config.PollInterval <= 0 {
		config.PollInterval = 30 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	return &Prober{
		store:  store,
		sender: sender,
		config: config,
		logger: logger.With("component", "status-prober"),
	}
}

// Start polls until ctx is cancelled.
func (p *Prober) Start(ctx context.Context) error {
	p.logger.Info("starting status prober",
		"poll_interval", p.config.PollInterval,
		"timeout", p.config.Timeout,
		"max_attempts", p.config.MaxAttempts,
	)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("status prober stopped")
			return nil
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce probes one batch of overdue events and returns how many were claimed.
func (p *Prober) RunOnce(ctx context.Context) int {
	now := clock.Now()
	due, err := p.store.FetchDueProbes(ctx, now.Add(-p.config.Timeout), now, p.config.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("failed to fetch due probes", "error", err)
		}
		return 0
	}

	claimed := 0
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		if p.probe(ctx, &due[i]) {
			claimed++
		}
	}
	return claimed
}

func (p *Prober) probe(ctx context.Context, ev *events.StatusEvent) bool {
	logger := p.logger.With("event_id", ev.ID, "transaction_id", ev.TransactionID)

	ok, err := p.store.TryClaimProbe(ctx, ev.ID)
	if err != nil {
		logger.Error("failed to claim probe", "error", err)
		return false
	}
	if !ok {
		return false
	}

	ctx = context.WithoutCancel(ctx)
	attempts := ev.ProbeAttempts + 1

	if ev.ResourceType == "" || ev.TransactionID == "" {
		p.reschedule(ctx, logger, ev, attempts, "missing resource type or transaction id", true)
		return true
	}

	res, err := p.sender.Send(ctx, upstream.Request{
		Method:       upstream.MethodGet,
		ResourceType: ev.ResourceType,
		ResourceID:   ev.TransactionID,
	})
	switch {
	case err != nil:
		p.reschedule(ctx, logger, ev, attempts, err.Error(), false)

	case res.NotFound():
		if err := p.store.MarkProbeNotFound(ctx, ev.ID, attempts); err != nil {
			logger.Error("failed to mark probe not found", "error", err)
			return true
		}
		logger.Info("upstream does not know the transaction, probing stopped")

	case res.Accepted():
		p.reschedule(ctx, logger, ev, attempts, "upstream still processing", false)

	case res.Succeeded():
		changed, err := p.store.ResolveProbe(ctx, ev.ID, attempts, res.Data)
		if err != nil {
			logger.Error("failed to resolve probed event", "error", err)
			return true
		}
		logger.Info("probe resolved event", "outcome_changed", changed)

	default:
		p.reschedule(ctx, logger, ev, attempts, fmt.Sprintf("upstream returned %d: %s", res.Code, res.Message), false)
	}
	return true
}

func (p *Prober) reschedule(ctx context.Context, logger *slog.Logger, ev *events.StatusEvent, attempts int, lastErr string, abandon bool) {
	giveUp := abandon || attempts >= p.config.MaxAttempts
	r := events.ProbeRetry{
		Attempts:      attempts,
		NextAttemptAt: clock.Now().Add(Delay(attempts)),
		LastError:     lastErr,
		GiveUp:        giveUp,
	}
	if err := p.store.ScheduleProbeRetry(ctx, ev.ID, r); err != nil {
		logger.Error("failed to reschedule probe", "error", err)
		return
	}
	if giveUp {
		logger.Warn("probe abandoned", "attempts", attempts, "error", lastErr)
		return
	}
	logger.Debug("probe retry scheduled", "attempts", attempts, "next_attempt_at", r.NextAttemptAt, "error", lastErr)
}

// Delay is the wait before the next probe: 5s per attempt, at most a minute.
func Delay(attempts int) time.Duration {
	return min(time.Duration(5*attempts)*time.Second, time.Minute)
}
