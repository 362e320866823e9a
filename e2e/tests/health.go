package tests

import (
	"context"
	"fmt"

	"github.com/cornjacket/ses-transmitter/e2e/client"
	"github.com/cornjacket/ses-transmitter/e2e/runner"
)

func init() {
	runner.Register(&runner.Test{
		Name:        "health",
		Description: "Ingestion and query APIs report healthy",
		Run:         runHealthTest,
	})
}

func runHealthTest(ctx context.Context, cfg *runner.Config) error {
	if err := client.CheckHealth(ctx, cfg.IngestionURL); err != nil {
		return fmt.Errorf("ingestion: %w", err)
	}
	if err := client.CheckHealth(ctx, cfg.QueryURL); err != nil {
		return fmt.Errorf("query: %w", err)
	}
	return nil
}
