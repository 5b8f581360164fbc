// Package fs provides a filesystem entity store: one JSON file per entity
// under root/entities. A batch is first written to a journal file; the
// journal is removed once every file of the batch is in place and replayed
// by Open when a previous process stopped half way.
//
// Readers and writers are serialized within one process only; do not share
// a root between processes.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/untillpro/goutils/logger"

	"entitycore/internal/infra/persistence/document"
	"entitycore/pkg/domain"
)

// Compile-time contract assertion.
var _ document.MapStore = (*Store)(nil)

const (
	// DefaultRoot is used when no root is configured.
	DefaultRoot = "./entitydata"

	entitiesDir = "entities"
	journalFile = "journal.json"
	docSuffix   = ".json"
)

// Store implements document.MapStore on the local filesystem.
type Store struct {
	root string
	mu   sync.RWMutex
}

// Open returns a store rooted at root, creating it if needed and replaying
// any pending journal.
func Open(root string) (*Store, error) {
	if root == "" {
		root = DefaultRoot
	}
	if err := os.MkdirAll(filepath.Join(root, entitiesDir), 0o750); err != nil {
		return nil, err
	}
	s := &Store{root: root}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// fileName maps a reference to a file name that cannot escape the entities
// directory.
func fileName(ref domain.EntityReference) (string, error) {
	if strings.TrimSpace(string(ref)) == "" {
		return "", domain.ErrEmptyReference
	}
	return url.PathEscape(string(ref)) + docSuffix, nil
}

func (s *Store) pathFor(ref domain.EntityReference) (string, error) {
	name, err := fileName(ref)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, entitiesDir, name), nil
}

func (s *Store) journalPath() string { return filepath.Join(s.root, journalFile) }

// Get reads one document file. It never observes part of a batch.
func (s *Store) Get(ctx context.Context, ref domain.EntityReference) (*domain.EntityDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ref)
}

func (s *Store) get(ref domain.EntityReference) (*domain.EntityDocument, error) {
	path, err := s.pathFor(ref)
	if err != nil {
		return nil, err
	}
	return readDocument(path, ref)
}

func readDocument(path string, ref domain.EntityReference) (*domain.EntityDocument, error) {
	// #nosec G304 -- path is built from an escaped reference under root
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.EntityNotFoundError{Reference: ref}
	}
	if err != nil {
		return nil, domain.EntityStoreError{Op: "fs get", Reference: ref, Err: err}
	}
	return domain.DecodeDocument(data)
}

type journalEntry struct {
	Kind      string                 `json:"kind"`
	Reference domain.EntityReference `json:"reference"`
	Document  *domain.EntityDocument `json:"document,omitempty"`
}

type journal struct {
	Entries []journalEntry `json:"entries"`
}

// ApplyChanges checks versions, journals the batch, then writes it.
func (s *Store) ApplyChanges(ctx context.Context, changes []document.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := document.CheckVersions(changes, func(ref domain.EntityReference) (domain.Version, bool, error) {
		doc, err := s.get(ref)
		if domain.IsNotFound(err) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		return doc.Version, true, nil
	})
	if err != nil {
		return err
	}
	j := journal{Entries: make([]journalEntry, 0, len(changes))}
	for _, c := range changes {
		if _, err := fileName(c.Reference); err != nil {
			return domain.NewEntityStoreError("fs apply", c.Reference, err)
		}
		j.Entries = append(j.Entries, journalEntry{Kind: c.Kind.String(), Reference: c.Reference, Document: c.Document})
	}
	data, err := jsonMarshal(j)
	if err != nil {
		return domain.EntityStoreError{Op: "fs journal", Err: err}
	}
	if err := writeAtomic(s.journalPath(), data); err != nil {
		return domain.EntityStoreError{Op: "fs journal", Err: err}
	}
	if err := s.replay(j); err != nil {
		// the journal stays and is replayed on the next Open
		return domain.EntityStoreError{Op: "fs apply", Err: err}
	}
	if err := os.Remove(s.journalPath()); err != nil {
		return domain.EntityStoreError{Op: "fs journal", Err: err}
	}
	logger.Verbose("fs applied", len(changes), "changes")
	return nil
}

// replay makes the files match the journal. Every step is idempotent.
func (s *Store) replay(j journal) error {
	for _, e := range j.Entries {
		path, err := s.pathFor(e.Reference)
		if err != nil {
			return err
		}
		if e.Kind == document.ChangeRemove.String() {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			continue
		}
		if e.Document == nil {
			return fmt.Errorf("journal entry %s %s has no document", e.Kind, e.Reference)
		}
		data, err := domain.EncodeDocument(e.Document)
		if err != nil {
			return err
		}
		if err := writeAtomic(path, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) recover() error {
	// #nosec G304 -- fixed journal location under root
	data, err := os.ReadFile(s.journalPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var j journal
	if err := jsonUnmarshal(data, &j); err != nil {
		return fmt.Errorf("decode journal: %w", err)
	}
	logger.Warning("fs: replaying journal with", len(j.Entries), "entries")
	if err := s.replay(j); err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}
	return os.Remove(s.journalPath())
}

// Visit reads every document file in reference file order. The files are
// read under one lock so the walk sees whole batches; fn runs after it is
// released.
func (s *Store) Visit(ctx context.Context, fn func(*domain.EntityDocument) error) error {
	docs, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) snapshot(ctx context.Context) ([]*domain.EntityDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(filepath.Join(s.root, entitiesDir))
	if err != nil {
		return nil, domain.EntityStoreError{Op: "fs visit", Err: err}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	docs := make([]*domain.EntityDocument, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), docSuffix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		escaped := strings.TrimSuffix(entry.Name(), docSuffix)
		ref, err := url.PathUnescape(escaped)
		if err != nil {
			continue
		}
		doc, err := readDocument(filepath.Join(s.root, entitiesDir, entry.Name()), domain.EntityReference(ref))
		if domain.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// writeAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// isolate json usage so tests can inject failures.
var (
	jsonMarshal   = func(v any) ([]byte, error) { return json.MarshalIndent(v, "", "  ") }
	jsonUnmarshal = func(b []byte, v any) error { return json.Unmarshal(b, v) }
)
