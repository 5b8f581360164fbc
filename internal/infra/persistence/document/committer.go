package document

import (
	"context"

	"github.com/untillpro/goutils/logger"

	"entitycore/pkg/domain"
)

type committer struct {
	store  *Store
	uow    *unitOfWork
	batch  []Change
	states []*domain.EntityState
	closed bool
}

func (c *committer) add(kind ChangeKind, st *domain.EntityState) {
	ch := Change{Kind: kind, Reference: st.Reference(), ExpectedVersion: st.Version()}
	if kind != ChangeRemove {
		doc := domain.NewEntityDocument(st, st.Version().Next(), c.uow.now)
		if c.store.appVersion != "" {
			doc.ApplicationVersion = c.store.appVersion
		}
		ch.Document = doc
	}
	c.batch = append(c.batch, ch)
	c.states = append(c.states, st)
}

// Commit applies the batch through the MapStore. On success the committed
// states take their new versions.
func (c *committer) Commit(ctx context.Context) error {
	if c.closed {
		return domain.ErrCommitterClosed
	}
	c.closed = true
	if len(c.batch) == 0 {
		return nil
	}
	s := c.store
	if err := s.backend.ApplyChanges(ctx, c.batch); err != nil {
		s.invalidate(References(c.batch))
		return domain.NewEntityStoreError("commit", "", err)
	}
	opts := c.uow.usecase.CacheOptions
	for i, ch := range c.batch {
		switch ch.Kind {
		case ChangeRemove:
			s.invalidate([]domain.EntityReference{ch.Reference})
			s.track(ch.Reference, committedVersion{removed: true})
		default:
			if s.cache != nil {
				cacheIt := opts.CacheOnWrite
				if ch.Kind == ChangeNew {
					cacheIt = opts.CacheOnNew
				}
				if cacheIt {
					s.cache.Add(ch.Reference, ch.Document)
				} else {
					s.cache.Remove(ch.Reference)
				}
			}
			s.track(ch.Reference, committedVersion{version: ch.Document.Version})
			c.states[i].Committed(ch.Document.Version, ch.Document.ModifiedTime())
		}
	}
	logger.Verbose("document store", s.name, "committed", len(c.batch), "changes for unit of work", c.uow.id)
	return nil
}

// Cancel drops the prepared batch. Nothing was written during prepare so
// there is nothing to undo.
func (c *committer) Cancel() {
	if c.closed {
		return
	}
	c.closed = true
	logger.Verbose("document store", c.store.name, "cancelled", len(c.batch), "changes for unit of work", c.uow.id)
}

func (s *Store) track(ref domain.EntityReference, v committedVersion) {
	if s.committed != nil {
		s.committed.Add(ref, v)
	}
}
