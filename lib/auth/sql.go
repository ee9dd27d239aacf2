package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/forever-august/renews/lib/wildmat"
)

type sqlAuth struct {
	db     *sql.DB
	rebind func(string) string
}

func bindQuestion(q string) string { return q }

func bindDollar(q string) string {
	var sb strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			sb.WriteString("$")
			sb.WriteString(strconv.Itoa(n))
		} else {
			sb.WriteByte(q[i])
		}
	}
	return sb.String()
}

// NewSqlite opens the embedded auth store at path.
func NewSqlite(path string) (Provider, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("auth: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	driver := func() (database.Driver, error) {
		return migratesqlite.WithInstance(db, &migratesqlite.Config{})
	}
	if err := runMigrations(db, "sqlite", driver); err != nil {
		db.Close()
		return nil, err
	}
	return &sqlAuth{db: db, rebind: bindQuestion}, nil
}

// NewPostgres opens the networked auth store.
func NewPostgres(dsn string) (Provider, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("auth: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("auth: postgres unreachable: %w", err)
	}
	driver := func() (database.Driver, error) {
		return migratepostgres.WithInstance(db, &migratepostgres.Config{})
	}
	if err := runMigrations(db, "postgres", driver); err != nil {
		db.Close()
		return nil, err
	}
	return &sqlAuth{db: db, rebind: bindDollar}, nil
}

func (s *sqlAuth) Close() error { return s.db.Close() }

func (s *sqlAuth) AddUser(username, password string) error {
	return s.AddUserWithKey(username, password, "")
}

func (s *sqlAuth) AddUserWithKey(username, password, pgpKey string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(s.rebind(
		"INSERT INTO users (username, password_hash, pgp_key) VALUES (?, ?, ?)"),
		username, hash, pgpKey)
	return err
}

func (s *sqlAuth) UpdatePassword(username, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(s.rebind(
		"UPDATE users SET password_hash = ? WHERE username = ?"), hash, username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSuchUser
	}
	return nil
}

func (s *sqlAuth) RemoveUser(username string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, q := range []string{
		"DELETE FROM moderators WHERE username = ?",
		"DELETE FROM admins WHERE username = ?",
		"DELETE FROM user_limits WHERE username = ?",
	} {
		if _, err = tx.Exec(s.rebind(q), username); err != nil {
			return err
		}
	}
	res, err := tx.Exec(s.rebind("DELETE FROM users WHERE username = ?"), username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSuchUser
	}
	return tx.Commit()
}

func (s *sqlAuth) VerifyUser(username, password string) (bool, error) {
	var hash string
	err := s.db.QueryRow(s.rebind(
		"SELECT password_hash FROM users WHERE username = ?"), username).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return VerifyPassword(password, hash), nil
}

func (s *sqlAuth) IsAdmin(username string) (bool, error) {
	var one int
	err := s.db.QueryRow(s.rebind(
		"SELECT 1 FROM admins WHERE username = ?"), username).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqlAuth) AddAdmin(username string) error {
	_, err := s.db.Exec(s.rebind("INSERT INTO admins (username) VALUES (?)"), username)
	return err
}

func (s *sqlAuth) RemoveAdmin(username string) error {
	res, err := s.db.Exec(s.rebind("DELETE FROM admins WHERE username = ?"), username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSuchUser
	}
	return nil
}

func (s *sqlAuth) AddModerator(username, pattern string) error {
	_, err := s.db.Exec(s.rebind(
		"INSERT INTO moderators (username, pattern) VALUES (?, ?)"), username, pattern)
	return err
}

func (s *sqlAuth) RemoveModerator(username, pattern string) error {
	res, err := s.db.Exec(s.rebind(
		"DELETE FROM moderators WHERE username = ? AND pattern = ?"), username, pattern)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSuchUser
	}
	return nil
}

func (s *sqlAuth) IsModerator(username, group string) (bool, error) {
	rows, err := s.db.Query(s.rebind(
		"SELECT pattern FROM moderators WHERE username = ?"), username)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var pattern string
		if err := rows.Scan(&pattern); err != nil {
			return false, err
		}
		if wildmat.Match(pattern, group) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// ModeratorsFor lists usernames whose pattern covers group, in
// insertion order.
func (s *sqlAuth) ModeratorsFor(group string) ([]string, error) {
	rows, err := s.db.Query("SELECT username, pattern FROM moderators ORDER BY rowid")
	if err != nil {
		// postgres has no rowid; fall back to insertion-agnostic order
		rows, err = s.db.Query("SELECT username, pattern FROM moderators ORDER BY username, pattern")
		if err != nil {
			return nil, err
		}
	}
	defer rows.Close()
	var out []string
	seen := map[string]bool{}
	for rows.Next() {
		var username, pattern string
		if err := rows.Scan(&username, &pattern); err != nil {
			return nil, err
		}
		if wildmat.Match(pattern, group) && !seen[username] {
			seen[username] = true
			out = append(out, username)
		}
	}
	return out, rows.Err()
}

func (s *sqlAuth) UpdatePGPKey(username, armored string) error {
	res, err := s.db.Exec(s.rebind(
		"UPDATE users SET pgp_key = ? WHERE username = ?"), armored, username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSuchUser
	}
	return nil
}

func (s *sqlAuth) GetPGPKey(username string) (string, error) {
	var key string
	err := s.db.QueryRow(s.rebind(
		"SELECT pgp_key FROM users WHERE username = ?"), username).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoSuchUser
	}
	return key, err
}

func (s *sqlAuth) SetUserLimits(username string, limits UserLimits) error {
	_, err := s.db.Exec(s.rebind(
		"DELETE FROM user_limits WHERE username = ?"), username)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(s.rebind(
		"INSERT INTO user_limits (username, max_connections, upload_bytes, download_bytes, window_secs)"+
			" VALUES (?, ?, ?, ?, ?)"),
		username, limits.MaxConnections, limits.UploadBytes, limits.DownloadBytes, limits.WindowSecs)
	return err
}

func (s *sqlAuth) GetUserLimits(username string) (UserLimits, error) {
	var l UserLimits
	err := s.db.QueryRow(s.rebind(
		"SELECT max_connections, upload_bytes, download_bytes, window_secs"+
			" FROM user_limits WHERE username = ?"), username).
		Scan(&l.MaxConnections, &l.UploadBytes, &l.DownloadBytes, &l.WindowSecs)
	if errors.Is(err, sql.ErrNoRows) {
		return UserLimits{}, nil
	}
	return l, err
}
