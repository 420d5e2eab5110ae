// Package sqlite implements the external user-store and tunnel-lifecycle
// persistence collaborators of spec.md §6, backed by a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rishikesh-suvarna/tunl.cc/internal/auth"
	"github.com/rishikesh-suvarna/tunl.cc/internal/domain"
)

const (
	defaultMaxOpenConns = 10
	defaultMaxIdleConns = 10
)

const lookupUserByAPIKeyQuery = `
SELECT id, tunnel_limit, is_active FROM users WHERE api_key_hash = ? AND is_active = 1`

const activeTunnelCountQuery = `
SELECT COUNT(1) FROM tunnel_events WHERE user_id = ? AND closed_at IS NULL`

// Store persists the user records and tunnel lifecycle events that
// registry.UserStore and registry.EventSink need, but that the Tunnel
// Registry itself never touches directly.
type Store struct {
	db     *sql.DB
	pepper string

	lookupUserStmt  *sql.Stmt
	activeCountStmt *sql.Stmt
}

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for concurrent readers. pepper salts API key hashes,
// both when looking a presented key up and when CreateUser stores one.
func Open(path, pepper string) (*Store, error) {
	return OpenWithOptions(path, pepper, OpenOptions{})
}

// OpenWithOptions is like Open but lets the caller tune the pool.
func OpenWithOptions(path, pepper string, opts OpenOptions) (*Store, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db, pepper: pepper}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	var err error
	err = errors.Join(err, closeStmt(&s.lookupUserStmt))
	err = errors.Join(err, closeStmt(&s.activeCountStmt))
	return errors.Join(err, s.db.Close())
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.lookupUserStmt, err = s.db.PrepareContext(ctx, lookupUserByAPIKeyQuery); err != nil {
		return fmt.Errorf("prepare lookup user query: %w", err)
	}
	if s.activeCountStmt, err = s.db.PrepareContext(ctx, activeTunnelCountQuery); err != nil {
		closeErr := closeStmt(&s.lookupUserStmt)
		return errors.Join(fmt.Errorf("prepare active count query: %w", err), closeErr)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	api_key_hash TEXT NOT NULL UNIQUE,
	tunnel_limit INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS tunnel_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subdomain TEXT NOT NULL,
	user_id TEXT NULL,
	ip TEXT NULL,
	opened_at DATETIME NOT NULL,
	closed_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS request_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subdomain TEXT NOT NULL,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	logged_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tunnel_events_subdomain ON tunnel_events(subdomain);
CREATE INDEX IF NOT EXISTS idx_tunnel_events_user_open ON tunnel_events(user_id, closed_at);
CREATE INDEX IF NOT EXISTS idx_request_log_subdomain ON request_log(subdomain);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Lookup implements registry.UserStore. apiKey is the raw key presented
// by the client; it is hashed with the store's pepper before querying so
// the database never holds a plaintext key.
func (s *Store) Lookup(ctx context.Context, apiKey string) (domain.User, error) {
	row := s.lookupUserStmt.QueryRowContext(ctx, auth.HashAPIKey(apiKey, s.pepper))
	var u domain.User
	var isActive int
	if err := row.Scan(&u.UserID, &u.TunnelLimit, &isActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, domain.ErrInvalidAPIKey
		}
		return domain.User{}, err
	}
	u.IsActive = isActive == 1
	return u, nil
}

// ActiveTunnelCount implements registry.UserStore.
func (s *Store) ActiveTunnelCount(ctx context.Context, userID string) (int, error) {
	var count int
	if err := s.activeCountStmt.QueryRowContext(ctx, userID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// TunnelOpened implements registry.EventSink. It never returns an error:
// write failures are discarded and are not logged.
func (s *Store) TunnelOpened(ctx context.Context, t domain.Tunnel) {
	_, _ = s.db.ExecContext(ctx,
		`INSERT INTO tunnel_events (subdomain, user_id, ip, opened_at) VALUES (?, ?, ?, ?)`,
		t.Subdomain, nullableString(t.UserID), t.IP, t.ConnectedAt.UTC())
}

// TunnelClosed implements registry.EventSink.
func (s *Store) TunnelClosed(ctx context.Context, subdomain string) {
	_, _ = s.db.ExecContext(ctx,
		`UPDATE tunnel_events SET closed_at = ? WHERE subdomain = ? AND closed_at IS NULL`,
		time.Now().UTC(), subdomain)
}

// RequestLogged implements registry.EventSink.
func (s *Store) RequestLogged(ctx context.Context, subdomain, method, path string, statusCode int, durationMs int64) {
	_, _ = s.db.ExecContext(ctx,
		`INSERT INTO request_log (subdomain, method, path, status_code, duration_ms, logged_at) VALUES (?, ?, ?, ?, ?, ?)`,
		subdomain, method, path, statusCode, durationMs, time.Now().UTC())
}

// CreateUser inserts a new user row for the raw apiKey, for admin
// tooling. The key is hashed with the store's pepper before storage.
func (s *Store) CreateUser(ctx context.Context, id, apiKey string, tunnelLimit int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, api_key_hash, tunnel_limit, is_active, created_at) VALUES (?, ?, ?, 1, ?)`,
		id, auth.HashAPIKey(apiKey, s.pepper), tunnelLimit, time.Now().UTC())
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return errors.New("api key already registered")
	}
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
