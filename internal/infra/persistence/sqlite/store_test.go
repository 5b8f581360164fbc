package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"entitycore/internal/infra/persistence/document"
	"entitycore/internal/infra/persistence/sqlite"
	"entitycore/internal/infra/persistence/storetest"
	"entitycore/pkg/domain"
)

func openStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.TechnologyCompatibilityKit(t, func(t *testing.T) document.MapStore {
		return openStore(t, filepath.Join(t.TempDir(), "entities.db"))
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "entities.db")
	first, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	require.Equal(t, path, first.Path())

	doc := &domain.EntityDocument{Reference: "company-1", Type: "Company", Version: 1, Modified: 1000}
	require.NoError(t, first.ApplyChanges(ctx, []document.Change{{Kind: document.ChangeNew, Reference: doc.Reference, Document: doc}}))
	require.NoError(t, first.Close())

	second := openStore(t, path)
	got, err := second.Get(ctx, "company-1")
	require.NoError(t, err)
	require.Equal(t, "Company", got.Type)
	require.Equal(t, domain.Version(1), got.Version)
}

// busyError holds an exclusive lock on one connection and writes from
// another, returning the driver's SQLITE_BUSY error.
func busyError(t *testing.T) error {
	t.Helper()
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "busy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.ExecContext(ctx, "CREATE TABLE t (id INTEGER)")
	require.NoError(t, err)

	holder, err := db.Conn(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Close() })
	writer, err := db.Conn(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	_, err = holder.ExecContext(ctx, "BEGIN EXCLUSIVE")
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = holder.ExecContext(ctx, "ROLLBACK") })
	_, err = writer.ExecContext(ctx, "INSERT INTO t (id) VALUES (1)")
	require.Error(t, err)
	return err
}

func TestIsTransient(t *testing.T) {
	busy := busyError(t)
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy", busy, true},
		{"wrapped busy", fmt.Errorf("apply: %w", busy), true},
		{"plain text", errors.New("database is locked (5)"), false},
		{"conflict", domain.ConcurrentModificationError{References: []domain.EntityReference{"order(5)", "line(522)"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sqlite.IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
