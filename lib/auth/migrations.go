package auth

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

const latestVersion = 1

func runMigrations(db *sql.DB, dialect string, newDriver func() (database.Driver, error)) error {
	driver, err := newDriver()
	if err != nil {
		return fmt.Errorf("auth: migration driver: %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations/"+dialect)
	if err != nil {
		return fmt.Errorf("auth: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, dialect, driver)
	if err != nil {
		return fmt.Errorf("auth: migrate: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("auth: schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("auth: schema version %d is dirty, refusing to start", version)
	}
	if version > latestVersion {
		return fmt.Errorf("auth: schema version %d is newer than supported %d, refusing to downgrade",
			version, latestVersion)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("auth: migrate up: %w", err)
	}
	return nil
}
