// Package peers pushes newly stored articles to configured peer
// servers on a cron schedule, tracking a per (peer, group) high-water
// mark so an article is not offered again once the mark has passed it.
package peers

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

const latestVersion = 1

// DB stores the last synced article number per (peer, group).
type DB struct {
	db     *sql.DB
	dollar bool
}

// Open connects to the peer state store chosen by URI scheme.
func Open(uri string) (*DB, error) {
	switch {
	case strings.HasPrefix(uri, "sqlite://"):
		path := strings.TrimPrefix(uri, "sqlite://")
		db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, fmt.Errorf("peers: open sqlite %s: %w", path, err)
		}
		db.SetMaxOpenConns(1)
		driver := func() (database.Driver, error) {
			return migratesqlite.WithInstance(db, &migratesqlite.Config{})
		}
		if err := runMigrations(db, "sqlite", driver); err != nil {
			db.Close()
			return nil, err
		}
		return &DB{db: db}, nil
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		db, err := sql.Open("postgres", uri)
		if err != nil {
			return nil, fmt.Errorf("peers: open postgres: %w", err)
		}
		driver := func() (database.Driver, error) {
			return migratepostgres.WithInstance(db, &migratepostgres.Config{})
		}
		if err := runMigrations(db, "postgres", driver); err != nil {
			db.Close()
			return nil, err
		}
		return &DB{db: db, dollar: true}, nil
	}
	return nil, fmt.Errorf("peers: unknown backend %q", uri)
}

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) rebind(q string) string {
	if !d.dollar {
		return q
	}
	n := 0
	var sb strings.Builder
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
		} else {
			sb.WriteByte(q[i])
		}
	}
	return sb.String()
}

// HighWater returns the last synced article number for (peer, group),
// 0 when the pair was never synced.
func (d *DB) HighWater(sitename, group string) (int64, error) {
	var hw int64
	err := d.db.QueryRow(d.rebind(
		"SELECT high_water FROM peer_groups WHERE sitename = ? AND group_name = ?"),
		sitename, group).Scan(&hw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return hw, err
}

// SetHighWater upserts the mark after a successful transfer batch.
func (d *DB) SetHighWater(sitename, group string, hw int64) error {
	res, err := d.db.Exec(d.rebind(
		"UPDATE peer_groups SET high_water = ? WHERE sitename = ? AND group_name = ?"),
		hw, sitename, group)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = d.db.Exec(d.rebind(
		"INSERT INTO peer_groups (sitename, group_name, high_water) VALUES (?, ?, ?)"),
		sitename, group, hw)
	return err
}

// RemovePeer drops all state for a peer removed from configuration.
func (d *DB) RemovePeer(sitename string) error {
	_, err := d.db.Exec(d.rebind("DELETE FROM peer_groups WHERE sitename = ?"), sitename)
	return err
}

func runMigrations(db *sql.DB, dialect string, newDriver func() (database.Driver, error)) error {
	driver, err := newDriver()
	if err != nil {
		return fmt.Errorf("peers: migration driver: %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations/"+dialect)
	if err != nil {
		return fmt.Errorf("peers: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, dialect, driver)
	if err != nil {
		return fmt.Errorf("peers: migrate: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("peers: schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("peers: schema version %d is dirty, refusing to start", version)
	}
	if version > latestVersion {
		return fmt.Errorf("peers: schema version %d is newer than supported %d, refusing to downgrade",
			version, latestVersion)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("peers: migrate up: %w", err)
	}
	return nil
}
