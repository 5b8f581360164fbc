// Package memory provides an in-memory MapStore used for tests and ephemeral
// environments.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"entitycore/internal/infra/persistence/document"
	"entitycore/pkg/domain"
)

// Compile-time contract assertion.
var _ document.MapStore = (*Store)(nil)

// Store keeps encoded documents in a map guarded by a RWMutex. Documents are
// stored encoded so callers never share memory with the store.
type Store struct {
	mu   sync.RWMutex
	docs map[domain.EntityReference][]byte
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{docs: make(map[domain.EntityReference][]byte)}
}

// Get returns a private copy of the stored document.
func (s *Store) Get(_ context.Context, ref domain.EntityReference) (*domain.EntityDocument, error) {
	s.mu.RLock()
	data, ok := s.docs[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.EntityNotFoundError{Reference: ref}
	}
	return domain.DecodeDocument(data)
}

// ApplyChanges validates the whole batch and then applies it under one write
// lock, so readers see either none or all of it.
func (s *Store) ApplyChanges(_ context.Context, changes []document.Change) error {
	encoded := make([][]byte, len(changes))
	for i, c := range changes {
		if c.Kind == document.ChangeRemove {
			continue
		}
		data, err := domain.EncodeDocument(c.Document)
		if err != nil {
			return err
		}
		encoded[i] = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := document.CheckVersions(changes, func(ref domain.EntityReference) (domain.Version, bool, error) {
		data, ok := s.docs[ref]
		if !ok {
			return 0, false, nil
		}
		doc, err := domain.DecodeDocument(data)
		if err != nil {
			return 0, false, err
		}
		return doc.Version, true, nil
	})
	if err != nil {
		return err
	}
	for i, c := range changes {
		if c.Kind == document.ChangeRemove {
			delete(s.docs, c.Reference)
			continue
		}
		s.docs[c.Reference] = encoded[i]
	}
	return nil
}

// Visit walks a snapshot of the store in reference order.
func (s *Store) Visit(ctx context.Context, fn func(*domain.EntityDocument) error) error {
	s.mu.RLock()
	snapshot := maps.Clone(s.docs)
	s.mu.RUnlock()
	for _, ref := range slices.Sorted(maps.Keys(snapshot)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, err := domain.DecodeDocument(snapshot[ref])
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
