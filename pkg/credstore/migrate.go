// Copyright 2024-2026 Aiku AI

package credstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

//go:embed migrations
var migrations embed.FS

// MigrationsTable keeps the gateway's schema version apart from tables
// owned by other components sharing the database.
const MigrationsTable = "gateway_schema_migrations"

// migrator is the part of *migrate.Migrate that Migrate drives.
type migrator interface {
	Up() error
	Version() (version uint, dirty bool, err error)
	Close() (source error, database error)
}

// newMigrator builds a migrator for db. The postgres driver runs on a
// dedicated connection so that closing the migrator releases that connection
// and leaves db open. The sqlite3 driver closes db itself when closed, so its
// migrator must not be closed.
func newMigrator(db *sql.DB, dialect string) (*migrate.Migrate, error) {
	var (
		driver database.Driver
		err    error
	)
	switch dialect {
	case "postgres":
		ctx := context.Background()
		var conn *sql.Conn
		if conn, err = db.Conn(ctx); err != nil {
			return nil, fmt.Errorf("failed to get migration connection: %w", err)
		}
		driver, err = postgres.WithConnection(ctx, conn, &postgres.Config{MigrationsTable: MigrationsTable})
		if err != nil {
			_ = conn.Close()
		}
	case "sqlite3":
		driver, err = sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: MigrationsTable})
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s migration driver: %w", dialect, err)
	}

	source, err := iofs.New(migrations, "migrations/"+dialect)
	if err != nil {
		_ = closeDriver(driver, dialect)
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, dialect, driver)
	if err != nil {
		_ = closeDriver(driver, dialect)
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

func closeDriver(driver database.Driver, dialect string) error {
	if dialect != "postgres" {
		return nil
	}
	return driver.Close()
}

// Migrate applies every pending schema migration for the given dialect
// ("postgres" or "sqlite3"). Already applied migrations are skipped.
func Migrate(db *sql.DB, dialect string, log zerolog.Logger) error {
	m, err := newMigrator(db, dialect)
	if err != nil {
		return err
	}
	return runMigrations(m, dialect, log)
}

func runMigrations(m migrator, dialect string, log zerolog.Logger) (err error) {
	if dialect == "postgres" {
		defer func() {
			srcErr, dbErr := m.Close()
			if closeErr := errors.Join(srcErr, dbErr); closeErr != nil && err == nil {
				err = fmt.Errorf("failed to close migrator: %w", closeErr)
			}
		}()
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	if dirty {
		log.Warn().Uint("version", version).Msg("Database migration state is dirty")
	} else {
		log.Info().Uint("version", version).Msg("Database migrations complete")
	}
	return nil
}
