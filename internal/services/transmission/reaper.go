package transmission

import (
	"context"
	"log/slog"
	"time"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/clock"
)

// ReaperConfig holds configuration for the stale claim reaper.
type ReaperConfig struct {
	Interval      time.Duration
	StaleAfter    time.Duration
	ResourceTypes []string
}

// Reaper returns records stuck InFlight after a crash to Pending.
type Reaper struct {
	store  StaleRequeuer
	config ReaperConfig
	logger *slog.Logger
}

// NewReaper creates a new reaper.
func NewReaper(store StaleRequeuer, config ReaperConfig, logger *slog.Logger) *Reaper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	return &Reaper{
		store:  store,
		config: config,
		logger: logger.With("component", "stale-claim-reaper"),
	}
}

// Start runs the reaper until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) error {
	r.logger.Info("starting stale claim reaper",
		"interval", r.config.Interval,
		"stale_after", r.config.StaleAfter,
	)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stale claim reaper stopped")
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce requeues stale claims across every resource type and returns the count.
func (r *Reaper) RunOnce(ctx context.Context) int64 {
	staleBefore := clock.Now().Add(-r.config.StaleAfter)

	var total int64
	for _, rt := range r.config.ResourceTypes {
		n, err := r.store.RequeueStale(ctx, rt, staleBefore)
		if err != nil {
			r.logger.Error("failed to requeue stale records", "resource_type", rt, "error", err)
			continue
		}
		if n > 0 {
			r.logger.Warn("requeued stale claims", "resource_type", rt, "count", n)
		}
		total += n
	}
	return total
}
