package database

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"area-automator-api/db/migrations"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// RunMigrations applies the embedded schema migrations when RUN_MIGRATIONS
// is "true". Already-applied versions are a no-op.
func RunMigrations(databaseURL string, log *zap.Logger) error {
	if !strings.EqualFold(os.Getenv("RUN_MIGRATIONS"), "true") {
		log.Info("skipping migrations (RUN_MIGRATIONS is not 'true')",
			zap.String("component", "migrations"))
		return nil
	}

	src, err := iofs.New(migrations.SQLFiles, ".")
	if err != nil {
		return fmt.Errorf("could not load embedded migrations: %w", err)
	}

	// golang-migrate selects its pgx driver by URL scheme.
	migrateURL := strings.Replace(databaseURL, "postgres://", "pgx5://", 1)
	migrateURL = strings.Replace(migrateURL, "postgresql://", "pgx5://", 1)

	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL)
	if err != nil {
		return fmt.Errorf("could not initialize migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("could not read migration version: %w", err)
	}

	log.Info("database migrations applied",
		zap.String("component", "migrations"),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty))
	return nil
}
