package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// StatusEventChannel is notified when a status event becomes callback-eligible.
const StatusEventChannel = "status_event_ready"

// Listener turns Postgres notifications on one channel into wake-ups.
// It holds a dedicated connection, not one from the pool.
type Listener struct {
	conn    *pgx.Conn
	channel string
	logger  *slog.Logger
}

// NewListener connects and subscribes to channel.
func NewListener(ctx context.Context, databaseURL, channel string, logger *slog.Logger) (*Listener, error) {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create LISTEN connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to LISTEN on %s: %w", channel, err)
	}
	return &Listener{
		conn:    conn,
		channel: channel,
		logger:  logger.With("component", "listener", "channel", channel),
	}, nil
}

// Run delivers a wake-up for every notification until ctx is cancelled.
// Bursts collapse into a single pending wake-up.
func (l *Listener) Run(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		for {
			n, err := l.conn.WaitForNotification(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return
				}
				l.logger.Error("error waiting for notification", "error", err)
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			l.logger.Debug("received NOTIFY", "payload", n.Payload)
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()
	return wake
}

// Close releases the connection.
func (l *Listener) Close(ctx context.Context) error {
	return l.conn.Close(ctx)
}
