package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cornjacket/ses-transmitter/e2e/runner"
	_ "github.com/cornjacket/ses-transmitter/e2e/tests" // Register all tests
)

func main() {
	var (
		env      string
		testName string
		list     bool
	)

	rootCmd := &cobra.Command{
		Use:           "e2e",
		Short:         "Run end-to-end tests against a running transmitter",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				runner.ListTests()
				return nil
			}
			return run(env, testName)
		},
	}
	rootCmd.Flags().StringVar(&env, "env", "local", "Environment (local, dev, staging)")
	rootCmd.Flags().StringVar(&testName, "test", "", "Specific test to run (runs all if empty)")
	rootCmd.Flags().BoolVar(&list, "list", false, "List available tests")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(env, testName string) error {
	cfg := runner.LoadConfig(env)
	if cfg.IngestionURL == "" || cfg.QueryURL == "" {
		return fmt.Errorf("SES_E2E_INGESTION_URL and SES_E2E_QUERY_URL are required for env %q", env)
	}

	fmt.Printf("E2E Test Runner\n")
	fmt.Printf("Environment: %s\n", cfg.Env)
	fmt.Printf("Ingestion:   %s\n", cfg.IngestionURL)
	fmt.Printf("Query:       %s\n", cfg.QueryURL)
	fmt.Printf("Client:      %s\n", cfg.ClientID)
	fmt.Println("─────────────────────────────────────────")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if testName != "" {
		result, err := runner.RunSingle(ctx, testName, cfg)
		if err != nil {
			return err
		}
		if !result.Passed {
			return fmt.Errorf("test %s failed", testName)
		}
		return nil
	}

	results := runner.RunAll(ctx, cfg)
	runner.PrintSummary(results)
	for _, r := range results {
		if !r.Passed {
			return fmt.Errorf("%d test(s) failed", countFailed(results))
		}
	}
	return nil
}

func countFailed(results []*runner.Result) int {
	n := 0
	for _, r := range results {
		if !r.Passed {
			n++
		}
	}
	return n
}
