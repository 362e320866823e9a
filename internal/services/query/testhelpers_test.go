package query

import (
	"context"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/tenant"
)

// mockTenantStatusReader implements TenantStatusReader for testing.
type mockTenantStatusReader struct {
	GetStatusFn func(ctx context.Context, clientID string) (*tenant.Status, error)
}

func (m *mockTenantStatusReader) GetStatus(ctx context.Context, clientID string) (*tenant.Status, error) {
	return m.GetStatusFn(ctx, clientID)
}
