// Package migrations applies the embedded schema migrations to Postgres.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	dbmigrations "github.com/tradefab/execd/db/migrations"
	"github.com/tradefab/execd/internal/observability"
)

// Apply brings the database reachable via dsn up to the latest embedded
// schema version. Running against an up-to-date database is a no-op.
func Apply(ctx context.Context, dsn string) error {
	return withInstance(ctx, dsn, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				observability.Log().Info("database schema up-to-date")
				return nil
			}
			return fmt.Errorf("apply migrations: %w", err)
		}
		observability.Log().Info("database migrations applied")
		return nil
	})
}

// Rollback steps the schema back by the given number of migrations.
func Rollback(ctx context.Context, dsn string, steps int) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return withInstance(ctx, dsn, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				observability.Log().Info("no migrations to roll back")
				return nil
			}
			return fmt.Errorf("rollback migrations: %w", err)
		}
		observability.Log().Info("database migrations rolled back",
			observability.F("steps", steps))
		return nil
	})
}

func withInstance(ctx context.Context, dsn string, fn func(*migrate.Migrate) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			observability.Log().Warn("migrations connection close",
				observability.F("error", cerr.Error()))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			observability.Log().Warn("migrations source close",
				observability.F("error", sourceErr.Error()))
		}
		if dbErr != nil {
			observability.Log().Warn("migrations db close",
				observability.F("error", dbErr.Error()))
		}
	}()

	return fn(m)
}
