// Package sqlstore provides a relational MapStore: one row per entity with
// the encoded document and its version. Version checks are folded into
// conditional UPDATE and DELETE statements so a batch either applies whole
// inside one transaction or not at all.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/untillpro/goutils/logger"

	"entitycore/internal/infra/persistence/document"
	"entitycore/pkg/domain"
)

// Compile-time contract assertion.
var _ document.MapStore = (*Store)(nil)

// Store implements document.MapStore over database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	stmts   statements
}

// New applies the dialect schema and returns a store over db.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	for _, ddl := range dialect.Schema {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return nil, fmt.Errorf("%s: apply schema: %w", dialect.Name, err)
		}
	}
	if dialect.Retry == (RetryConfig{}) {
		dialect.Retry = DefaultRetryConfig
	}
	return &Store{db: db, dialect: dialect, stmts: dialect.statements()}, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the configured dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Get reads one document.
func (s *Store) Get(ctx context.Context, ref domain.EntityReference) (*domain.EntityDocument, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.stmts.get, string(ref)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.EntityNotFoundError{Reference: ref}
	}
	if err != nil {
		return nil, domain.EntityStoreError{Op: s.dialect.Name + " get", Reference: ref, Err: err}
	}
	return domain.DecodeDocument(data)
}

// ApplyChanges writes the batch in one transaction, retrying transient
// failures.
func (s *Store) ApplyChanges(ctx context.Context, changes []document.Change) error {
	rows := make([]row, len(changes))
	for i, c := range changes {
		r, err := rowOf(c)
		if err != nil {
			return err
		}
		rows[i] = r
	}
	err := retryOp(ctx, s.dialect.Retry, s.dialect.IsTransient, func() error {
		return s.applyTx(ctx, changes, rows)
	})
	if err != nil {
		return domain.NewEntityStoreError(s.dialect.Name+" apply", "", err)
	}
	return nil
}

type row struct {
	typ      string
	version  int64
	modified int64
	state    string
}

func rowOf(c document.Change) (row, error) {
	if c.Kind == document.ChangeRemove {
		return row{}, nil
	}
	data, err := domain.EncodeDocument(c.Document)
	if err != nil {
		return row{}, err
	}
	return row{typ: c.Document.Type, version: int64(c.Document.Version), modified: c.Document.Modified, state: string(data)}, nil
}

func (s *Store) applyTx(ctx context.Context, changes []document.Change, rows []row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	var conflicts []domain.EntityReference
	for i, c := range changes {
		r := rows[i]
		var res sql.Result
		switch c.Kind {
		case document.ChangeNew:
			res, err = tx.ExecContext(ctx, s.stmts.insert, string(c.Reference), r.typ, r.version, r.modified, r.state)
		case document.ChangeUpdate:
			res, err = tx.ExecContext(ctx, s.stmts.update, r.typ, r.version, r.modified, r.state, string(c.Reference), int64(c.ExpectedVersion))
		case document.ChangeRemove:
			res, err = tx.ExecContext(ctx, s.stmts.remove, string(c.Reference), int64(c.ExpectedVersion))
		default:
			return fmt.Errorf("unknown change kind %d", c.Kind)
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", c.Kind, c.Reference, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s %s: rows affected: %w", c.Kind, c.Reference, err)
		}
		if n > 0 {
			continue
		}
		if c.Kind == document.ChangeNew {
			return domain.EntityAlreadyExistsError{Reference: c.Reference}
		}
		conflicts = append(conflicts, c.Reference)
	}
	if len(conflicts) > 0 {
		return domain.ConcurrentModificationError{References: domain.SortReferences(conflicts)}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	logger.Verbose(s.dialect.Name, "applied", len(changes), "changes")
	return nil
}

// Visit streams every document in reference order.
func (s *Store) Visit(ctx context.Context, fn func(*domain.EntityDocument) error) error {
	rows, err := s.db.QueryContext(ctx, s.stmts.visit)
	if err != nil {
		return domain.EntityStoreError{Op: s.dialect.Name + " visit", Err: err}
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return domain.EntityStoreError{Op: s.dialect.Name + " visit", Err: err}
		}
		doc, err := domain.DecodeDocument(data)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return domain.EntityStoreError{Op: s.dialect.Name + " visit", Err: err}
	}
	return nil
}
