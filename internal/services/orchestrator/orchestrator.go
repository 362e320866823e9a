// Package orchestrator runs the per-tenant sync loop.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cornjacket/ses-transmitter/internal/services/transmission"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/clock"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/tenant"
)

// Config holds the loop timings and the identity reported in status records.
type Config struct {
	ClientID             string
	Parallelism          int64
	LoopInterval         time.Duration
	InactivePollInterval time.Duration
	MonitorInterval      time.Duration
	ErrorBackoff         time.Duration
	Hostname             string
	IPAddress            string
	Version              string
}

func (c *Config) applyDefaults() {
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	if c.LoopInterval <= 0 {
		c.LoopInterval = time.Minute
	}
	if c.InactivePollInterval <= 0 {
		c.InactivePollInterval = 10 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 5 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 30 * time.Second
	}
}

// Orchestrator drives one tenant. It is not safe to Start twice.
type Orchestrator struct {
	directory Directory
	processor BatchProcessor
	statuses  []StatusWriter
	metrics   []MetricsWriter
	config    Config
	logger    *slog.Logger

	totalSynced  int64
	totalFailed  int64
	lastSyncedAt *time.Time
}

// New creates an orchestrator for cfg.ClientID.
func New(
	directory Directory,
	processor BatchProcessor,
	statuses []StatusWriter,
	metrics []MetricsWriter,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		directory: directory,
		processor: processor,
		statuses:  statuses,
		metrics:   metrics,
		config:    cfg,
		logger:    logger.With("component", "orchestrator", "client_id", cfg.ClientID),
	}
}

// RunResult describes one completed run.
type RunResult struct {
	BatchID     string
	Summary     transmission.Summary
	Deactivated bool
}

// Start runs the sync loop until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.logger.Info("starting orchestrator",
		"parallelism", o.config.Parallelism,
		"loop_interval", o.config.LoopInterval,
	)

	for {
		if ctx.Err() != nil {
			break
		}

		if !o.directory.IsActive(ctx, o.config.ClientID) {
			o.report(ctx, tenant.StateStopped, tenant.NoBatch, "")
			if !sleep(ctx, o.config.InactivePollInterval) {
				break
			}
			continue
		}

		res, err := o.RunOnce(ctx)
		if err != nil {
			o.logger.Error("sync run failed", "batch_id", res.BatchID, "error", err)
			if !sleep(ctx, o.config.ErrorBackoff) {
				break
			}
			continue
		}
		if res.Deactivated {
			continue
		}

		if !sleep(ctx, o.config.LoopInterval) {
			break
		}
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	o.report(stopCtx, tenant.StateStopped, tenant.NoBatch, "")
	o.logger.Info("orchestrator stopped")
	return nil
}

// RunOnce processes every enabled resource type once, at most
// Parallelism at a time. Deactivation during the run stops new batches;
// batches already started finish.
func (o *Orchestrator) RunOnce(ctx context.Context) (RunResult, error) {
	start := clock.Now()
	res := RunResult{BatchID: tenant.BatchID(start)}
	logger := o.logger.With("batch_id", res.BatchID)

	o.report(ctx, tenant.StateRunning, res.BatchID, "")

	resources := o.directory.EnabledResources(ctx, o.config.ClientID)
	if len(resources) == 0 {
		logger.Debug("no resources enabled")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var deactivated atomic.Bool
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		o.monitor(runCtx, cancel, &deactivated)
	}()

	sem := semaphore.NewWeighted(o.config.Parallelism)
	var wg sync.WaitGroup
	var mu sync.Mutex
	perResource := make(map[string]transmission.Summary, len(resources))
	var firstErr error

	for _, rt := range resources {
		if err := sem.Acquire(runCtx, 1); err != nil {
			logger.Info("run cancelled, not starting remaining batches", "resource_type", rt)
			break
		}
		wg.Add(1)
		go func(rt string) {
			defer wg.Done()
			defer sem.Release(1)

			sum, err := o.processor.Process(runCtx, transmission.Batch{ClientID: o.config.ClientID, ResourceType: rt})

			mu.Lock()
			defer mu.Unlock()
			perResource[rt] = sum
			res.Summary.Add(sum)
			if err != nil {
				logger.Error("batch failed", "resource_type", rt, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}(rt)
	}
	wg.Wait()
	cancel()
	<-monitorDone

	end := clock.Now()
	res.Deactivated = deactivated.Load()

	o.totalSynced += int64(res.Summary.Synced)
	o.totalFailed += int64(res.Summary.Failed)
	if res.Summary.Synced > 0 {
		o.lastSyncedAt = &end
	}

	o.writeMetrics(ctx, start, end, perResource)

	logger.Info("sync run complete",
		"resources", len(perResource),
		"synced", res.Summary.Synced,
		"failed", res.Summary.Failed,
		"retried", res.Summary.Retried,
		"deactivated", res.Deactivated,
		"duration", end.Sub(start),
	)

	switch {
	case res.Deactivated:
		o.report(ctx, tenant.StateStopped, tenant.NoBatch, "")
	case firstErr != nil:
		o.report(ctx, tenant.StateError, tenant.NoBatch, firstErr.Error())
		return res, firstErr
	default:
		o.report(ctx, tenant.StateRunning, tenant.NoBatch, "")
	}
	return res, nil
}

// monitor cancels the run when the tenant is deactivated.
func (o *Orchestrator) monitor(ctx context.Context, cancel context.CancelFunc, deactivated *atomic.Bool) {
	ticker := time.NewTicker(o.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !o.directory.IsActive(ctx, o.config.ClientID) {
				if ctx.Err() != nil {
					return
				}
				o.logger.Warn("client deactivated mid-run, stopping new batches")
				deactivated.Store(true)
				cancel()
				return
			}
		}
	}
}

func (o *Orchestrator) report(ctx context.Context, state tenant.RunState, batchID, lastErr string) {
	s := tenant.Status{
		ClientID:       o.config.ClientID,
		Status:         state,
		LastCheckIn:    clock.Now(),
		LastSyncedAt:   o.lastSyncedAt,
		TotalSynced:    o.totalSynced,
		TotalFailed:    o.totalFailed,
		CurrentBatchID: batchID,
		LastError:      lastErr,
		IPAddress:      o.config.IPAddress,
		Hostname:       o.config.Hostname,
		Version:        o.config.Version,
	}
	s.Sign()

	for _, w := range o.statuses {
		if err := w.WriteStatus(ctx, s); err != nil {
			o.logger.Warn("failed to write tenant status", "status", state, "error", err)
		}
	}
}

func (o *Orchestrator) writeMetrics(ctx context.Context, start, end time.Time, perResource map[string]transmission.Summary) {
	if len(o.metrics) == 0 || len(perResource) == 0 {
		return
	}

	items := make([]tenant.Metric, 0, len(perResource))
	for rt, sum := range perResource {
		if sum.Synced == 0 && sum.Failed == 0 {
			continue
		}
		items = append(items, tenant.Metric{
			ResourceType: rt,
			WindowStart:  start,
			WindowEnd:    end,
			CountSynced:  sum.Synced,
			CountFailed:  sum.Failed,
		})
	}
	if len(items) == 0 {
		return
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ResourceType < items[j].ResourceType })

	for _, w := range o.metrics {
		if err := w.WriteMetrics(ctx, o.config.ClientID, items); err != nil {
			o.logger.Warn("failed to write sync metrics", "error", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
