// Package sqlite provides the SQLite-backed entity store using the pure go
// modernc driver. The database runs in WAL mode with a busy timeout; lock
// contention that still surfaces is retried.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"entitycore/internal/infra/persistence/sqlstore"
)

// DefaultPath is used when no path is configured.
const DefaultPath = "entitycore.db"

// Dialect describes SQLite to the shared SQL map store.
var Dialect = sqlstore.Dialect{
	Name:        "sqlite",
	Schema:      []string{sqlstore.EntitiesTable("TEXT")},
	Placeholder: sqlstore.QuestionPlaceholder,
	IsTransient: IsTransient,
}

// Store persists entity documents in a single SQLite table.
type Store struct {
	*sqlstore.Store
	path string
}

// Open creates (or opens) the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(4)
	inner, err := sqlstore.New(ctx, db, Dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: inner, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func dsn(path string) string {
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
}

// IsTransient reports SQLite lock contention errors by driver result code.
func IsTransient(err error) bool {
	var e *sqlitedrv.Error
	if !errors.As(err, &e) {
		return false
	}
	switch code := e.Code(); {
	case code == sqlite3.SQLITE_IOERR_SHORT_READ:
		return true
	default:
		primary := code & 0xff
		return primary == sqlite3.SQLITE_BUSY || primary == sqlite3.SQLITE_LOCKED
	}
}
