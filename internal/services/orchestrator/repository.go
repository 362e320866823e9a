package orchestrator

import (
	"context"

	"github.com/cornjacket/ses-transmitter/internal/services/transmission"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/tenant"
)

// Directory answers whether a tenant may sync and what.
// This interface is satisfied by directory.Directory.
type Directory interface {
	IsActive(ctx context.Context, clientID string) bool
	EnabledResources(ctx context.Context, clientID string) []string
}

// BatchProcessor works through one resource batch.
// This interface is satisfied by transmission.Processor.
type BatchProcessor interface {
	Process(ctx context.Context, b transmission.Batch) (transmission.Summary, error)
}

// StatusWriter receives tenant status reports.
// Satisfied by admin.Client, postgres.TenantStatusRepo and eventsink.Client.
type StatusWriter interface {
	WriteStatus(ctx context.Context, s tenant.Status) error
}

// MetricsWriter receives per-run sync counts.
// Satisfied by admin.Client, postgres.TenantStatusRepo and eventsink.Client.
type MetricsWriter interface {
	WriteMetrics(ctx context.Context, clientID string, metrics []tenant.Metric) error
}
