package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cornjacket/ses-transmitter/internal/client/admin"
	"github.com/cornjacket/ses-transmitter/internal/client/eventsink"
	"github.com/cornjacket/ses-transmitter/internal/client/upstream"
	"github.com/cornjacket/ses-transmitter/internal/services/callback"
	"github.com/cornjacket/ses-transmitter/internal/services/directory"
	"github.com/cornjacket/ses-transmitter/internal/services/heartbeat"
	"github.com/cornjacket/ses-transmitter/internal/services/ingestion"
	"github.com/cornjacket/ses-transmitter/internal/services/orchestrator"
	"github.com/cornjacket/ses-transmitter/internal/services/probe"
	"github.com/cornjacket/ses-transmitter/internal/services/query"
	"github.com/cornjacket/ses-transmitter/internal/services/transmission"
	"github.com/cornjacket/ses-transmitter/internal/shared/auth"
	"github.com/cornjacket/ses-transmitter/internal/shared/config"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
	"github.com/cornjacket/ses-transmitter/internal/shared/infra/postgres"
	"github.com/cornjacket/ses-transmitter/internal/shared/infra/redpanda"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the APIs and the sync workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServe(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before starting")
	return cmd
}

// worker is a background loop that blocks until its context is cancelled.
type worker struct {
	name  string
	start func(ctx context.Context) error
}

func runServe(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	hostname, ip := hostIdentity()
	slog.Info("starting transmitter",
		"version", version,
		"clients", cfg.ClientIDs,
		"ingestion_port", cfg.HTTP.IngestionPort,
		"query_port", cfg.HTTP.QueryPort,
		"directory_source", cfg.Directory.Source,
	)

	registry, err := records.DefaultRegistry().Restrict(cfg.ResourceTypes)
	if err != nil {
		return fmt.Errorf("invalid SES_RESOURCE_TYPES: %w", err)
	}

	if migrate {
		if err := postgres.RunMigrations(cfg.Database.URL, postgres.Migrations, postgres.MigrationsDir, postgres.MigrationsTable); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("migrations applied")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := postgres.NewClient(ctx, cfg.Database.URL, postgres.PoolConfig{
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pg.Close()

	recordRepo := postgres.NewRecordRepo(pg.Pool(), registry, logger)
	eventRepo := postgres.NewStatusEventRepo(pg.Pool(), logger)
	tenantStatusRepo := postgres.NewTenantStatusRepo(pg.Pool(), logger)

	statusWriters := []orchestrator.StatusWriter{tenantStatusRepo}
	metricsWriters := []orchestrator.MetricsWriter{tenantStatusRepo}

	var publisher transmission.EventPublisher
	if len(cfg.Redpanda.Brokers) > 0 {
		producer, err := redpanda.NewProducer(cfg.Redpanda.Brokers, cfg.Redpanda.ClientID, logger)
		if err != nil {
			return fmt.Errorf("failed to create Redpanda producer: %w", err)
		}
		defer producer.Close()

		sink := eventsink.New(producer, logger)
		publisher = sink
		statusWriters = append(statusWriters, sink)
		metricsWriters = append(metricsWriters, sink)
	}

	tokens := auth.NewTokenProvider(auth.Config{
		TokenURL:      cfg.Token.URL,
		ClientID:      cfg.Token.ClientID,
		ClientSecret:  cfg.Token.ClientSecret,
		GrantType:     cfg.Token.GrantType,
		Scope:         cfg.Token.Scope,
		RefreshMargin: cfg.Token.RefreshMargin,
		DefaultExpiry: cfg.Token.DefaultExpiry,
		MaxRetries:    cfg.Token.MaxRetries,
	}, nil, logger)

	upstreamClient, err := upstream.NewClient(upstream.Config{
		Routing:          cfg.Routing,
		BreakerThreshold: cfg.Breaker.Threshold,
		BreakerTimeout:   cfg.Breaker.Timeout,
	}, tokens, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to configure upstream client: %w", err)
	}

	var adminClient *admin.Client
	if cfg.AdminEnabled() {
		adminClient = admin.New(admin.Config{
			BaseURL:     cfg.Admin.BaseURL,
			Scope:       cfg.Admin.Scope,
			MaxAttempts: cfg.Admin.MaxAttempts,
			RetryDelay:  cfg.Admin.RetryDelay,
			MaxJitter:   cfg.Admin.MaxJitter,
		}, tokens, nil, logger)
		statusWriters = append(statusWriters, adminClient)
		metricsWriters = append(metricsWriters, adminClient)
	}

	var source directory.Source
	switch cfg.Directory.Source {
	case config.DirectorySourceDatabase:
		source = postgres.NewClientDirectoryRepo(pg.Pool(), logger)
	default:
		source = adminClient
	}
	dir := directory.New(source, registry, logger)

	processor := transmission.NewProcessor(recordRepo, eventRepo, publisher, upstreamClient, transmission.ProcessorConfig{
		BatchSize:   cfg.Processor.BatchSize,
		MaxRetries:  cfg.Processor.MaxRetries,
		BulkUpdates: cfg.Processor.BulkUpdates,
	}, logger)

	var workers []worker
	for _, clientID := range cfg.ClientIDs {
		orch := orchestrator.New(dir, processor, statusWriters, metricsWriters, orchestrator.Config{
			ClientID:             clientID,
			Parallelism:          cfg.Orchestrator.Parallelism,
			LoopInterval:         cfg.Orchestrator.LoopInterval,
			InactivePollInterval: cfg.Orchestrator.InactivePollInterval,
			MonitorInterval:      cfg.Orchestrator.MonitorInterval,
			ErrorBackoff:         cfg.Orchestrator.ErrorBackoff,
			Hostname:             hostname,
			IPAddress:            ip,
			Version:              version,
		}, logger)
		workers = append(workers, worker{name: "orchestrator:" + clientID, start: orch.Start})
	}

	dispatcher := callback.NewDispatcher(eventRepo, recordRepo, nil, callback.Config{
		PollInterval:    cfg.Callback.PollInterval,
		BatchSize:       cfg.Callback.BatchSize,
		MaxAttempts:     cfg.Callback.MaxAttempts,
		MissingURLDelay: cfg.Callback.MissingURLDelay,
	}, logger)
	if cfg.Callback.Listen {
		listener, err := postgres.NewListener(ctx, cfg.Database.URL, postgres.StatusEventChannel, logger)
		if err != nil {
			return err
		}
		defer listener.Close(context.Background())
		dispatcher.WakeOn(listener.Run(ctx))
	}
	workers = append(workers, worker{name: "callback-dispatcher", start: dispatcher.Start})

	prober := probe.NewProber(eventRepo, upstreamClient, probe.Config{
		PollInterval: cfg.Probe.PollInterval,
		BatchSize:    cfg.Probe.BatchSize,
		Timeout:      cfg.Probe.Timeout,
		MaxAttempts:  cfg.Probe.MaxAttempts,
	}, logger)
	workers = append(workers, worker{name: "status-prober", start: prober.Start})

	if cfg.ReaperEnabled() {
		reaper := transmission.NewReaper(recordRepo, transmission.ReaperConfig{
			Interval:      cfg.Reaper.Interval,
			StaleAfter:    cfg.Reaper.StaleAfter,
			ResourceTypes: registry.ResourceTypes(),
		}, logger)
		workers = append(workers, worker{name: "stale-claim-reaper", start: reaper.Start})
	}

	if cfg.Heartbeat.Enabled && adminClient != nil {
		reporter := heartbeat.NewReporter(adminClient, heartbeat.Config{
			ClientIDs: cfg.ClientIDs,
			Interval:  cfg.Heartbeat.Interval,
			Hostname:  hostname,
			IPAddress: ip,
			Version:   version,
		}, logger)
		workers = append(workers, worker{name: "heartbeat", start: reporter.Start})
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w worker) {
			defer wg.Done()
			if err := w.start(ctx); err != nil {
				slog.Error("worker error", "worker", w.name, "error", err)
			}
		}(w)
	}

	errorCh := make(chan error, 2)

	ingestionSvc, err := ingestion.Start(ctx, ingestion.Config{
		Port: cfg.HTTP.IngestionPort,
	}, recordRepo, eventRepo, registry, logger, errorCh)
	if err != nil {
		return fmt.Errorf("failed to start ingestion service: %w", err)
	}

	querySvc, err := query.Start(ctx, query.Config{
		Port: cfg.HTTP.QueryPort,
	}, recordRepo, eventRepo, tenantStatusRepo, logger, errorCh)
	if err != nil {
		return fmt.Errorf("failed to start query service: %w", err)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case runErr = <-errorCh:
		slog.Error("service failed", "error", runErr)
	}

	// Graceful shutdown (reverse order): stop intake, then let claimed
	// attempts finish before the pool closes.
	slog.Info("shutting down services...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := querySvc.Shutdown(shutdownCtx); err != nil {
		slog.Error("query service shutdown error", "error", err)
	}
	if err := ingestionSvc.Shutdown(shutdownCtx); err != nil {
		slog.Error("ingestion service shutdown error", "error", err)
	}

	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("workers did not stop before the shutdown deadline")
	}

	slog.Info("transmitter stopped")
	return runErr
}
