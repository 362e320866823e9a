package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/tenant"
)


// TenantStatusRepo keeps the latest reported status per client and the metric history.
type TenantStatusRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewTenantStatusRepo creates a new TenantStatusRepo.
func NewTenantStatusRepo(pool *pgxpool.Pool, logger *slog.Logger) *TenantStatusRepo {
	return &TenantStatusRepo{
		pool:   pool,
		logger: logger.With("repository", "tenant_status"),
	}
}

// WriteStatus upserts the client status, only if it is not older than the stored one.
func (r *TenantStatusRepo) WriteStatus(ctx context.Context, s tenant.Status) error {
	query := `
		INSERT INTO tenant_status (client_id, status, last_check_in, last_synced_at, total_synced,
			total_failed, current_batch_id, last_error, ip_address, hostname, version, signature_hash, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (client_id) DO UPDATE
		SET status = EXCLUDED.status,
		    last_check_in = EXCLUDED.last_check_in,
		    last_synced_at = COALESCE(EXCLUDED.last_synced_at, tenant_status.last_synced_at),
		    total_synced = EXCLUDED.total_synced,
		    total_failed = EXCLUDED.total_failed,
		    current_batch_id = EXCLUDED.current_batch_id,
		    last_error = EXCLUDED.last_error,
		    ip_address = EXCLUDED.ip_address,
		    hostname = EXCLUDED.hostname,
		    version = EXCLUDED.version,
		    signature_hash = EXCLUDED.signature_hash,
		    updated_at = NOW()
		WHERE tenant_status.last_check_in <= EXCLUDED.last_check_in
	`

	result, err := r.pool.Exec(ctx, query,
		s.ClientID,
		string(s.Status),
		s.LastCheckIn,
		s.LastSyncedAt,
		s.TotalSynced,
		s.TotalFailed,
		s.CurrentBatchID,
		nullIfEmpty(s.LastError),
		nullIfEmpty(s.IPAddress),
		nullIfEmpty(s.Hostname),
		nullIfEmpty(s.Version),
		s.SignatureHash,
	)
	if err != nil {
		return fmt.Errorf("failed to write tenant status: %w", err)
	}

	if result.RowsAffected() == 0 {
		r.logger.Debug("tenant status not updated (stored status is newer)",
			"client_id", s.ClientID,
			"last_check_in", s.LastCheckIn,
		)
	}
	return nil
}

// GetStatus returns the stored status for a client.
func (r *TenantStatusRepo) GetStatus(ctx context.Context, clientID string) (*tenant.Status, error) {
	query := `
		SELECT client_id, status, last_check_in, last_synced_at, total_synced, total_failed,
		       current_batch_id, last_error, ip_address, hostname, version, signature_hash
		FROM tenant_status
		WHERE client_id = $1
	`

	var s tenant.Status
	var status string
	var lastErr, ip, host, version *string
	err := r.pool.QueryRow(ctx, query, clientID).Scan(
		&s.ClientID,
		&status,
		&s.LastCheckIn,
		&s.LastSyncedAt,
		&s.TotalSynced,
		&s.TotalFailed,
		&s.CurrentBatchID,
		&lastErr,
		&ip,
		&host,
		&version,
		&s.SignatureHash,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tenant.ErrStatusNotFound
		}
		return nil, fmt.Errorf("failed to get tenant status: %w", err)
	}

	s.Status = tenant.RunState(status)
	s.LastError = deref(lastErr)
	s.IPAddress = deref(ip)
	s.Hostname = deref(host)
	s.Version = deref(version)
	return &s, nil
}

// WriteMetrics appends one row per resource window.
func (r *TenantStatusRepo) WriteMetrics(ctx context.Context, clientID string, metrics []tenant.Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(metrics))
	for _, m := range metrics {
		rows = append(rows, []any{clientID, m.ResourceType, m.WindowStart, m.WindowEnd, m.CountSynced, m.CountFailed})
	}

	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"sync_metrics"},
		[]string{"client_id", "resource_type", "window_start", "window_end", "count_synced", "count_failed"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to write sync metrics: %w", err)
	}
	return nil
}
