package storage

import (
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/lib/pq"
)

// NewPostgres opens the networked store given a postgres:// DSN.
func NewPostgres(dsn string) (Storage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: postgres unreachable: %w", err)
	}
	driver := func() (database.Driver, error) {
		return migratepostgres.WithInstance(db, &migratepostgres.Config{})
	}
	if err := runMigrations(db, "postgres", driver); err != nil {
		db.Close()
		return nil, err
	}
	return &sqlStorage{db: db, rebind: bindDollar}, nil
}
