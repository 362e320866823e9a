// Package directory answers tenant questions for the sync loop. Lookups
// fail closed: an unreachable or unknown client is treated as inactive.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/tenant"
)

// ErrUnknownClient is returned when the source has no entry for a client.
var ErrUnknownClient = errors.New("unknown client")

// Source loads client configuration. It returns nil, nil for unknown clients.
// This interface is satisfied by admin.Client and postgres.ClientDirectoryRepo.
type Source interface {
	GetClient(ctx context.Context, clientID string) (*tenant.ClientConfig, error)
}

// Directory wraps a Source with fail-closed semantics.
type Directory struct {
	source   Source
	registry *records.Registry
	logger   *slog.Logger
}

// New creates a Directory.
func New(source Source, registry *records.Registry, logger *slog.Logger) *Directory {
	return &Directory{
		source:   source,
		registry: registry,
		logger:   logger.With("component", "directory"),
	}
}

// IsActive reports whether clientID exists and is active.
func (d *Directory) IsActive(ctx context.Context, clientID string) bool {
	cfg, err := d.source.GetClient(ctx, clientID)
	if err != nil {
		d.logger.Warn("client lookup failed, treating as inactive", "client_id", clientID, "error", err)
		return false
	}
	if cfg == nil {
		d.logger.Warn("client not found, treating as inactive", "client_id", clientID)
		return false
	}
	return cfg.IsActive
}

// EnabledResources returns the client's enabled resource types that this
// engine knows how to store, canonically named and sorted.
func (d *Directory) EnabledResources(ctx context.Context, clientID string) []string {
	cfg, err := d.source.GetClient(ctx, clientID)
	if err != nil {
		d.logger.Warn("client lookup failed, no resources enabled", "client_id", clientID, "error", err)
		return nil
	}
	if cfg == nil {
		return nil
	}

	seen := make(map[string]struct{}, len(cfg.EnabledResources))
	out := make([]string, 0, len(cfg.EnabledResources))
	for _, rt := range cfg.EnabledResources {
		name, err := d.registry.Canonical(rt)
		if err != nil {
			d.logger.Warn("ignoring unsupported resource type", "client_id", clientID, "resource_type", rt)
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// FacilityID returns the facility the client belongs to.
func (d *Directory) FacilityID(ctx context.Context, clientID string) (string, error) {
	cfg, err := d.source.GetClient(ctx, clientID)
	if err != nil {
		return "", fmt.Errorf("failed to look up client %s: %w", clientID, err)
	}
	if cfg == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	return cfg.FacilityID, nil
}
