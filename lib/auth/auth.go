// Package auth stores users, roles and per-user limits, verifies
// credentials and discovers PGP keys for control message signatures.
package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// authentication was rejected
	ErrAuthRejected = errors.New("authentication rejected")
	// no such user
	ErrNoSuchUser = errors.New("no such user")
)

// per-user resource limits; zero values mean unlimited
type UserLimits struct {
	MaxConnections int
	UploadBytes    int64
	DownloadBytes  int64
	WindowSecs     int64
}

// Provider is the credential, role and key store consulted by the
// session engine and the control processor. Role lookups go to the
// backend every time so reloads and CLI edits take effect immediately.
type Provider interface {
	AddUser(username, password string) error
	AddUserWithKey(username, password, pgpKey string) error
	UpdatePassword(username, password string) error
	RemoveUser(username string) error
	// VerifyUser checks the password against the stored Argon2id hash.
	VerifyUser(username, password string) (bool, error)

	IsAdmin(username string) (bool, error)
	AddAdmin(username string) error
	RemoveAdmin(username string) error

	// moderators hold approval authority over groups matching their
	// wildmat pattern
	AddModerator(username, pattern string) error
	RemoveModerator(username, pattern string) error
	IsModerator(username, group string) (bool, error)
	ModeratorsFor(group string) ([]string, error)

	UpdatePGPKey(username, armored string) error
	GetPGPKey(username string) (string, error)

	SetUserLimits(username string, limits UserLimits) error
	GetUserLimits(username string) (UserLimits, error)

	Close() error
}

// Open connects to an auth backend chosen by URI scheme.
func Open(uri string) (Provider, error) {
	switch {
	case strings.HasPrefix(uri, "sqlite://"):
		return NewSqlite(strings.TrimPrefix(uri, "sqlite://"))
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		return NewPostgres(uri)
	}
	return nil, fmt.Errorf("auth: unknown backend %q", uri)
}
