// Package store is the data-access layer behind the sandbox: plugin catalog,
// installations and grants, sessions, and the user-scoped resources plugins
// may reach through the gateway.
//
// Every failure that originates in the database is returned as *DBError;
// rejected input is returned as *ValidationError; missing rows as
// ErrNotFound. Callers classify errors with errors.As / errors.Is.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// DBError wraps a failure reported by the database.
type DBError struct {
	Op  string
	Err error
}

func (e *DBError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *DBError) Unwrap() error { return e.Err }

// ValidationError reports input the store refused to persist.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DBError{Op: op, Err: err}
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	token_hash TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_expires_at ON sessions (expires_at);

CREATE TABLE IF NOT EXISTS store_plugins (
	plugin_id    TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	source_url   TEXT NOT NULL,
	permissions  TEXT NOT NULL DEFAULT '[]',
	author_id    TEXT NOT NULL DEFAULT '',
	is_published INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS plugin_installations (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	plugin_id    TEXT NOT NULL,
	is_active    INTEGER NOT NULL DEFAULT 1,
	installed_at INTEGER NOT NULL,
	UNIQUE (user_id, plugin_id)
);

CREATE TABLE IF NOT EXISTS plugin_permissions (
	user_id    TEXT NOT NULL,
	plugin_id  TEXT NOT NULL,
	permission TEXT NOT NULL,
	is_granted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, plugin_id, permission)
);

CREATE TABLE IF NOT EXISTS projects (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'active',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS projects_user_id ON projects (user_id);

CREATE TABLE IF NOT EXISTS revenues (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	project_id  TEXT NOT NULL DEFAULT '',
	amount      INTEGER NOT NULL,
	currency    TEXT NOT NULL,
	recorded_on TEXT NOT NULL,
	note        TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS revenues_user_id ON revenues (user_id);
`

// Store is a SQLite-backed data store. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, dbErr("open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, dbErr("ping", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, dbErr("migrate", err)
	}

	logger.Info("store opened", "path", path)
	return &Store{db: db, now: time.Now, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// affectedOne maps a zero-row update or delete to ErrNotFound.
func affectedOne(op string, res sql.Result, err error) error {
	if err != nil {
		return dbErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbErr(op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
