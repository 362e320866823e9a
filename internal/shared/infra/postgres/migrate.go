package postgres

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver for database/sql
	"github.com/pressly/goose/v3"
)

// Migrations holds the engine schema, applied with RunMigrations(url, Migrations, MigrationsDir, ...).
//
//go:embed migrations/*.sql
var Migrations embed.FS

const (
	// MigrationsDir is the directory inside Migrations that holds the SQL files.
	MigrationsDir = "migrations"

	// MigrationsTable tracks applied versions for this service.
	MigrationsTable = "goose_transmitter"
)

// RunMigrations applies pending migrations from an embedded filesystem.
// tableName keeps version tracking separate when several services share a database.
// goose requires database/sql, so a temporary connection is opened and closed here
// instead of borrowing from the pgxpool.
func RunMigrations(databaseURL string, fsys fs.FS, subdir, tableName string) error {
	db, err := openForMigration(databaseURL, fsys, tableName)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.Up(db, subdir); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// MigrationStatus logs the applied state of every migration through goose's logger.
func MigrationStatus(databaseURL string, fsys fs.FS, subdir, tableName string) error {
	db, err := openForMigration(databaseURL, fsys, tableName)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.Status(db, subdir); err != nil {
		return fmt.Errorf("failed to read migration status: %w", err)
	}

	return nil
}

func openForMigration(databaseURL string, fsys fs.FS, tableName string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database for migration: %w", err)
	}

	goose.SetBaseFS(fsys)
	goose.SetTableName(tableName)

	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return db, nil
}
