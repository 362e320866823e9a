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

// ClientDirectoryRepo reads client configuration from the local client_configs table.
// The table is maintained by the admin system; the engine only reads it.
type ClientDirectoryRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewClientDirectoryRepo creates a new ClientDirectoryRepo.
func NewClientDirectoryRepo(pool *pgxpool.Pool, logger *slog.Logger) *ClientDirectoryRepo {
	return &ClientDirectoryRepo{
		pool:   pool,
		logger: logger.With("repository", "client_configs"),
	}
}

// GetClient returns the client configuration, or nil if the client is unknown.
func (r *ClientDirectoryRepo) GetClient(ctx context.Context, clientID string) (*tenant.ClientConfig, error) {
	query := `
		SELECT client_id, facility_id, client_name, is_active, enabled_resources
		FROM client_configs
		WHERE client_id = $1
	`

	var cfg tenant.ClientConfig
	var name *string
	err := r.pool.QueryRow(ctx, query, clientID).Scan(
		&cfg.ClientID,
		&cfg.FacilityID,
		&name,
		&cfg.IsActive,
		&cfg.EnabledResources,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get client config: %w", err)
	}
	cfg.ClientName = deref(name)

	return &cfg, nil
}
