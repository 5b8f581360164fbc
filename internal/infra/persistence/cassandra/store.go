// Package cassandra provides an entity store on Apache Cassandra. Each entity
// is one row; writes are lightweight transactions conditioned on the version
// checked before the batch. Rows live in separate partitions, so a batch is
// applied row by row and undone with compensating transactions when a later
// row fails.
package cassandra

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocql/gocql"
	"github.com/untillpro/goutils/logger"

	"entitycore/internal/infra/persistence/document"
	"entitycore/pkg/domain"
)

// Compile-time contract assertion.
var _ document.MapStore = (*Store)(nil)

const (
	selectStmt = `SELECT state FROM entities WHERE reference = ?`
	insertStmt = `INSERT INTO entities (reference, version, state) VALUES (?, ?, ?) IF NOT EXISTS`
	updateStmt = `UPDATE entities SET version = ?, state = ? WHERE reference = ? IF version = ?`
	deleteStmt = `DELETE FROM entities WHERE reference = ? IF version = ?`
	visitStmt  = `SELECT state FROM entities`
)

// Store implements document.MapStore on one keyspace.
type Store struct {
	session  *gocql.Session
	keyspace string
}

// Open connects, creating the keyspace and table when missing.
func Open(params Params) (*Store, error) {
	if len(params.hosts()) == 0 {
		return nil, errors.New("cassandra hosts required")
	}
	cluster, err := newCluster(params)
	if err != nil {
		return nil, err
	}
	keyspace := params.keyspace()
	admin, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect cassandra: %w", err)
	}
	err = admin.Query(fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = %s`, keyspace, params.replication())).Exec()
	admin.Close()
	if err != nil {
		return nil, fmt.Errorf("create keyspace %s: %w", keyspace, err)
	}
	cluster.Keyspace = keyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect keyspace %s: %w", keyspace, err)
	}
	err = session.Query(`CREATE TABLE IF NOT EXISTS entities (
		reference text PRIMARY KEY,
		version bigint,
		state text
	)`).Exec()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("create entities table: %w", err)
	}
	return &Store{session: session, keyspace: keyspace}, nil
}

// Keyspace returns the keyspace in use.
func (s *Store) Keyspace() string { return s.keyspace }

// Close closes the session.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

// Truncate removes every row; used by tests.
func (s *Store) Truncate(ctx context.Context) error {
	return s.session.Query(`TRUNCATE entities`).WithContext(ctx).Exec()
}

// Get reads one document.
func (s *Store) Get(ctx context.Context, ref domain.EntityReference) (*domain.EntityDocument, error) {
	var state string
	err := s.session.Query(selectStmt, string(ref)).WithContext(ctx).Scan(&state)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, domain.EntityNotFoundError{Reference: ref}
	}
	if err != nil {
		return nil, domain.EntityStoreError{Op: "cassandra get", Reference: ref, Err: err}
	}
	return domain.DecodeDocument([]byte(state))
}

type applied struct {
	change   document.Change
	previous *domain.EntityDocument
}

// ApplyChanges checks versions, then writes every change as a lightweight
// transaction.
func (s *Store) ApplyChanges(ctx context.Context, changes []document.Change) error {
	current := make(map[domain.EntityReference]*domain.EntityDocument, len(changes))
	err := document.CheckVersions(changes, func(ref domain.EntityReference) (domain.Version, bool, error) {
		doc, err := s.Get(ctx, ref)
		if domain.IsNotFound(err) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		current[ref] = doc
		return doc.Version, true, nil
	})
	if err != nil {
		return err
	}
	done := make([]applied, 0, len(changes))
	for _, c := range changes {
		ok, err := s.write(ctx, c)
		if err == nil && !ok {
			if c.Kind == document.ChangeNew {
				err = domain.EntityAlreadyExistsError{Reference: c.Reference}
			} else {
				err = domain.ConcurrentModificationError{References: []domain.EntityReference{c.Reference}}
			}
		}
		if err != nil {
			s.compensate(done)
			return domain.NewEntityStoreError("cassandra "+c.Kind.String(), c.Reference, err)
		}
		done = append(done, applied{change: c, previous: current[c.Reference]})
	}
	logger.Verbose("cassandra applied", len(changes), "changes")
	return nil
}

func (s *Store) write(ctx context.Context, c document.Change) (bool, error) {
	ref := string(c.Reference)
	if c.Kind == document.ChangeRemove {
		return s.cas(ctx, deleteStmt, ref, int64(c.ExpectedVersion))
	}
	state, err := domain.EncodeDocument(c.Document)
	if err != nil {
		return false, err
	}
	if c.Kind == document.ChangeNew {
		return s.cas(ctx, insertStmt, ref, int64(c.Document.Version), string(state))
	}
	return s.cas(ctx, updateStmt, int64(c.Document.Version), string(state), ref, int64(c.ExpectedVersion))
}

func (s *Store) cas(ctx context.Context, stmt string, values ...any) (bool, error) {
	return s.session.Query(stmt, values...).WithContext(ctx).MapScanCAS(map[string]any{})
}

// compensate undoes done in reverse order on a fresh context. Failures are
// logged.
func (s *Store) compensate(done []applied) {
	ctx := context.Background()
	for i := len(done) - 1; i >= 0; i-- {
		a := done[i]
		ref := string(a.change.Reference)
		var err error
		switch {
		case a.change.Kind == document.ChangeNew:
			_, err = s.cas(ctx, deleteStmt, ref, int64(a.change.Document.Version))
		case a.previous != nil:
			var state []byte
			state, err = domain.EncodeDocument(a.previous)
			if err != nil {
				break
			}
			if a.change.Kind == document.ChangeRemove {
				_, err = s.cas(ctx, insertStmt, ref, int64(a.previous.Version), string(state))
			} else {
				_, err = s.cas(ctx, updateStmt, int64(a.previous.Version), string(state), ref, int64(a.change.Document.Version))
			}
		}
		if err != nil {
			logger.Error("cassandra: compensating", a.change.Kind, ref, "failed:", err)
		}
	}
}

// Visit pages through the table.
func (s *Store) Visit(ctx context.Context, fn func(*domain.EntityDocument) error) error {
	iter := s.session.Query(visitStmt).WithContext(ctx).PageSize(visitPageSize).Iter()
	var state string
	for iter.Scan(&state) {
		doc, err := domain.DecodeDocument([]byte(state))
		if err == nil {
			err = fn(doc)
		}
		if err != nil {
			_ = iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return domain.EntityStoreError{Op: "cassandra visit", Err: err}
	}
	return nil
}
