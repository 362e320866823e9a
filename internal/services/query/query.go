package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// Config holds configuration for the query service.
type Config struct {
	Port int
}

// RunningService represents a started query service.
type RunningService struct {
	// Shutdown stops the HTTP server gracefully.
	Shutdown func(ctx context.Context) error
}

// NewServer builds the echo instance with middleware and routes.
func NewServer(recordReader RecordReader, eventReader EventReader, statuses TenantStatusReader, logger *slog.Logger) *echo.Echo {
	svc := NewService(recordReader, eventReader, statuses, logger)
	handler := NewHandler(svc, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	handler.RegisterRoutes(e)
	return e
}

// Start starts the query HTTP server.
func Start(ctx context.Context, cfg Config, recordReader RecordReader, eventReader EventReader, statuses TenantStatusReader, logger *slog.Logger, errorCh chan<- error) (*RunningService, error) {
	logger = logger.With("service", "query")

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewServer(recordReader, eventReader, statuses, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting query server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("query server error", "error", err)
			errorCh <- fmt.Errorf("query server failed: %w", err)
		}
	}()

	return &RunningService{
		Shutdown: func(shutdownCtx context.Context) error {
			logger.Info("shutting down query service")
			return server.Shutdown(shutdownCtx)
		},
	}, nil
}
