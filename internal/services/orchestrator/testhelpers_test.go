package orchestrator

import (
	"context"
	"sync"

	"github.com/cornjacket/ses-transmitter/internal/services/transmission"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/tenant"
)

// mockDirectory implements Directory for testing.
type mockDirectory struct {
	IsActiveFn         func(ctx context.Context, clientID string) bool
	EnabledResourcesFn func(ctx context.Context, clientID string) []string
}

func (m *mockDirectory) IsActive(ctx context.Context, clientID string) bool {
	return m.IsActiveFn(ctx, clientID)
}

func (m *mockDirectory) EnabledResources(ctx context.Context, clientID string) []string {
	return m.EnabledResourcesFn(ctx, clientID)
}

// mockProcessor implements BatchProcessor for testing.
type mockProcessor struct {
	ProcessFn func(ctx context.Context, b transmission.Batch) (transmission.Summary, error)
}

func (m *mockProcessor) Process(ctx context.Context, b transmission.Batch) (transmission.Summary, error) {
	return m.ProcessFn(ctx, b)
}

// recordingWriter captures status and metric writes.
type recordingWriter struct {
	mu       sync.Mutex
	statuses []tenant.Status
	metrics  [][]tenant.Metric
	err      error
}

func (w *recordingWriter) WriteStatus(_ context.Context, s tenant.Status) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.statuses = append(w.statuses, s)
	return w.err
}

func (w *recordingWriter) WriteMetrics(_ context.Context, _ string, m []tenant.Metric) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics = append(w.metrics, m)
	return w.err
}

func (w *recordingWriter) states() []tenant.RunState {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]tenant.RunState, len(w.statuses))
	for i, s := range w.statuses {
		out[i] = s.Status
	}
	return out
}

func (w *recordingWriter) last() tenant.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statuses[len(w.statuses)-1]
}
