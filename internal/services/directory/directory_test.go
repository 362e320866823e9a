package directory

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/tenant"
)

type mockSource struct {
	GetClientFn func(ctx context.Context, clientID string) (*tenant.ClientConfig, error)
}

func (m *mockSource) GetClient(ctx context.Context, clientID string) (*tenant.ClientConfig, error) {
	return m.GetClientFn(ctx, clientID)
}

func sourceReturning(cfg *tenant.ClientConfig, err error) *mockSource {
	return &mockSource{GetClientFn: func(context.Context, string) (*tenant.ClientConfig, error) { return cfg, err }}
}

func TestDirectory_IsActive(t *testing.T) {
	tests := []struct {
		name   string
		source *mockSource
		want   bool
	}{
		{name: "active client", source: sourceReturning(&tenant.ClientConfig{ClientID: "c", IsActive: true}, nil), want: true},
		{name: "inactive client", source: sourceReturning(&tenant.ClientConfig{ClientID: "c"}, nil), want: false},
		{name: "unknown client", source: sourceReturning(nil, nil), want: false},
		{name: "lookup error fails closed", source: sourceReturning(nil, errors.New("connection refused")), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(tt.source, records.DefaultRegistry(), slog.Default())
			assert.Equal(t, tt.want, d.IsActive(context.Background(), "c"))
		})
	}
}

func TestDirectory_EnabledResources(t *testing.T) {
	src := sourceReturning(&tenant.ClientConfig{
		ClientID:         "c",
		IsActive:         true,
		EnabledResources: []string{"observation", "Patient", "PATIENT", "Spaceship", "Encounter"},
	}, nil)

	d := New(src, records.DefaultRegistry(), slog.Default())
	assert.Equal(t, []string{"Encounter", "Observation", "Patient"}, d.EnabledResources(context.Background(), "c"))
}

func TestDirectory_EnabledResources_FailsClosed(t *testing.T) {
	d := New(sourceReturning(nil, errors.New("boom")), records.DefaultRegistry(), slog.Default())
	assert.Empty(t, d.EnabledResources(context.Background(), "c"))

	d = New(sourceReturning(nil, nil), records.DefaultRegistry(), slog.Default())
	assert.Empty(t, d.EnabledResources(context.Background(), "c"))
}

func TestDirectory_FacilityID(t *testing.T) {
	d := New(sourceReturning(&tenant.ClientConfig{ClientID: "c", FacilityID: "fac-1"}, nil), records.DefaultRegistry(), slog.Default())
	id, err := d.FacilityID(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, "fac-1", id)

	d = New(sourceReturning(nil, nil), records.DefaultRegistry(), slog.Default())
	_, err = d.FacilityID(context.Background(), "c")
	require.ErrorIs(t, err, ErrUnknownClient)
}
