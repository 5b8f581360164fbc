package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"entitycore/internal/infra/persistence/document"
	"entitycore/internal/infra/persistence/storetest"
	"entitycore/pkg/domain"
)

func openStore(t *testing.T, root string) *Store {
	t.Helper()
	s, err := Open(root)
	require.NoError(t, err)
	return s
}

func newDoc(ref domain.EntityReference, version domain.Version) *domain.EntityDocument {
	return &domain.EntityDocument{Reference: ref, Type: "Company", Version: version, Modified: 1000}
}

func TestFilesystemStore(t *testing.T) {
	storetest.TechnologyCompatibilityKit(t, func(t *testing.T) document.MapStore {
		return openStore(t, t.TempDir())
	})
}

func TestReferencesCannotEscapeRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := openStore(t, root)
	refs := []domain.EntityReference{"../outside", "a/b/c", "..", "with space"}
	var batch []document.Change
	for _, ref := range refs {
		batch = append(batch, document.Change{Kind: document.ChangeNew, Reference: ref, Document: newDoc(ref, 1)})
	}
	require.NoError(t, s.ApplyChanges(ctx, batch))

	entries, err := os.ReadDir(filepath.Join(root, entitiesDir))
	require.NoError(t, err)
	require.Len(t, entries, len(refs))
	_, err = os.Stat(filepath.Join(filepath.Dir(root), "outside.json"))
	require.True(t, errors.Is(err, os.ErrNotExist))

	for _, ref := range refs {
		got, err := s.Get(ctx, ref)
		require.NoError(t, err)
		require.Equal(t, ref, got.Reference)
	}
	var seen []domain.EntityReference
	require.NoError(t, s.Visit(ctx, func(doc *domain.EntityDocument) error {
		seen = append(seen, doc.Reference)
		return nil
	}))
	require.ElementsMatch(t, refs, seen)
}

func TestOpenReplaysPendingJournal(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := openStore(t, root)
	require.NoError(t, s.ApplyChanges(ctx, []document.Change{
		{Kind: document.ChangeNew, Reference: "gone", Document: newDoc("gone", 1)},
	}))

	pending := journal{Entries: []journalEntry{
		{Kind: document.ChangeNew.String(), Reference: "c1", Document: newDoc("c1", 1)},
		{Kind: document.ChangeRemove.String(), Reference: "gone"},
	}}
	data, err := jsonMarshal(pending)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, journalFile), data, 0o600))

	reopened := openStore(t, root)
	got, err := reopened.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, domain.Version(1), got.Version)
	_, err = reopened.Get(ctx, "gone")
	require.True(t, domain.IsNotFound(err))
	_, err = os.Stat(filepath.Join(root, journalFile))
	require.True(t, errors.Is(err, os.ErrNotExist), "journal must be removed after replay")
}

func TestOpenRejectsCorruptJournal(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, journalFile), []byte("{not json"), 0o600))
	_, err := Open(root)
	require.ErrorContains(t, err, "decode journal")
}

func TestJournalFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	prev := jsonMarshal
	jsonMarshal = func(any) ([]byte, error) { return nil, errors.New("marshal fail") }
	t.Cleanup(func() { jsonMarshal = prev })

	err := s.ApplyChanges(ctx, []document.Change{{Kind: document.ChangeNew, Reference: "c1", Document: newDoc("c1", 1)}})
	var storeErr domain.EntityStoreError
	require.ErrorAs(t, err, &storeErr)
	_, err = s.Get(ctx, "c1")
	require.True(t, domain.IsNotFound(err))
}

func TestEmptyReferenceRejected(t *testing.T) {
	s := openStore(t, t.TempDir())
	_, err := s.Get(context.Background(), " ")
	require.ErrorIs(t, err, domain.ErrEmptyReference)
}

func TestReadersNeverSeePartOfABatch(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	const n = 200
	batch := make([]document.Change, 0, n)
	for i := 0; i < n; i++ {
		ref := domain.EntityReference(fmt.Sprintf("e-%03d", i))
		batch = append(batch, document.Change{Kind: document.ChangeNew, Reference: ref, Document: newDoc(ref, 1)})
	}
	first, last := batch[0].Reference, batch[n-1].Reference

	done := make(chan error, 1)
	go func() { done <- s.ApplyChanges(ctx, batch) }()

	partial := 0
	for applied := false; !applied; {
		select {
		case err := <-done:
			require.NoError(t, err)
			applied = true
		default:
		}
		if _, err := s.Get(ctx, first); err == nil {
			if _, err := s.Get(ctx, last); domain.IsNotFound(err) {
				partial++
			}
		}
		count := 0
		require.NoError(t, s.Visit(ctx, func(*domain.EntityDocument) error {
			count++
			return nil
		}))
		if count != 0 && count != n {
			partial++
		}
	}
	require.Zero(t, partial)
}
