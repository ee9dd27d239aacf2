package storage

import (
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4/database"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "modernc.org/sqlite"
)

// NewSqlite opens the embedded file backed store at path, creating the
// schema on first use.
func NewSqlite(path string) (Storage, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent transactions
	db.SetMaxOpenConns(1)
	driver := func() (database.Driver, error) {
		return migratesqlite.WithInstance(db, &migratesqlite.Config{})
	}
	if err := runMigrations(db, "sqlite", driver); err != nil {
		db.Close()
		return nil, err
	}
	return &sqlStorage{db: db, rebind: bindQuestion}, nil
}
