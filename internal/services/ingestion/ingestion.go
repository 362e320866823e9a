package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
)

// Config holds configuration for the ingestion service.
type Config struct {
	Port      int
	BodyLimit string
}

// RunningService represents a started ingestion service.
type RunningService struct {
	// Shutdown stops the HTTP server gracefully.
	Shutdown func(ctx context.Context) error
}

// NewServer builds the echo instance with middleware and routes.
func NewServer(recordWriter RecordWriter, resolver EventResolver, registry *records.Registry, bodyLimit string, logger *slog.Logger) *echo.Echo {
	if bodyLimit == "" {
		bodyLimit = "5M"
	}

	svc := NewService(recordWriter, resolver, registry, logger)
	handler := NewHandler(svc, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.BodyLimit(bodyLimit))
	handler.RegisterRoutes(e)
	return e
}

// Start starts the ingestion HTTP server.
func Start(ctx context.Context, cfg Config, recordWriter RecordWriter, resolver EventResolver, registry *records.Registry, logger *slog.Logger, errorCh chan<- error) (*RunningService, error) {
	logger = logger.With("service", "ingestion")

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewServer(recordWriter, resolver, registry, cfg.BodyLimit, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting ingestion server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ingestion server error", "error", err)
			errorCh <- fmt.Errorf("ingestion server failed: %w", err)
		}
	}()

	return &RunningService{
		Shutdown: func(shutdownCtx context.Context) error {
			logger.Info("shutting down ingestion service")
			return server.Shutdown(shutdownCtx)
		},
	}, nil
}
