// Package heartbeat tells the admin service that this instance is alive.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/clock"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/tenant"
)

// Sender posts heartbeats. This interface is satisfied by admin.Client.
type Sender interface {
	Heartbeat(ctx context.Context, hb tenant.Heartbeat) error
}

// Config holds configuration for the reporter.
type Config struct {
	ClientIDs []string
	Interval  time.Duration
	Hostname  string
	IPAddress string
	Version   string
}

// Reporter sends one heartbeat per client every interval.
type Reporter struct {
	sender Sender
	config Config
	logger *slog.Logger
}

// NewReporter creates a new reporter.
func NewReporter(sender Sender, config Config, logger *slog.Logger) *Reporter {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	return &Reporter{
		sender: sender,
		config: config,
		logger: logger.With("component", "heartbeat"),
	}
}

// Start sends heartbeats until ctx is cancelled.
func (r *Reporter) Start(ctx context.Context) error {
	r.logger.Info("starting heartbeat reporter", "interval", r.config.Interval, "clients", len(r.config.ClientIDs))

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.Beat(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("heartbeat reporter stopped")
			return nil
		case <-ticker.C:
			r.Beat(ctx)
		}
	}
}

// Beat sends a heartbeat for every client. Failures are logged only.
func (r *Reporter) Beat(ctx context.Context) {
	now := clock.Now()
	for _, id := range r.config.ClientIDs {
		hb := tenant.Heartbeat{
			ClientID:  id,
			Hostname:  r.config.Hostname,
			IPAddress: r.config.IPAddress,
			Version:   r.config.Version,
			SentAt:    now,
		}
		if err := r.sender.Heartbeat(ctx, hb); err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("failed to send heartbeat", "client_id", id, "error", err)
			}
		}
	}
}
