package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cornjacket/ses-transmitter/internal/shared/config"
	"github.com/cornjacket/ses-transmitter/internal/shared/infra/postgres"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDatabase()
			if err != nil {
				return err
			}
			if err := postgres.RunMigrations(cfg.Database.URL, postgres.Migrations, postgres.MigrationsDir, postgres.MigrationsTable); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied successfully.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDatabase()
			if err != nil {
				return err
			}
			return postgres.MigrationStatus(cfg.Database.URL, postgres.Migrations, postgres.MigrationsDir, postgres.MigrationsTable)
		},
	})

	return cmd
}
