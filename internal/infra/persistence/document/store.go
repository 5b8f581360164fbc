// Package document provides the reference EntityStore: every entity is one
// serialized document in a MapStore, versions are checked at prepare time
// and re-checked atomically by the MapStore at commit time.
package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/untillpro/goutils/logger"

	"entitycore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.EntityStore = (*Store)(nil)

const (
	// DefaultCacheSize is the read cache size used unless WithCacheSize is given.
	DefaultCacheSize = 1024
	// committed versions remembered for eventually consistent backends
	trackedVersions = 1 << 16
)

// Store implements domain.EntityStore over a MapStore.
type Store struct {
	name        string
	backend     MapStore
	cacheSize   int
	cache       *lru.Cache[domain.EntityReference, *domain.EntityDocument]
	consistency Consistency
	appVersion  string
	migrator    Migrator
	ids         domain.IdentityGenerator
	committed   *lru.Cache[domain.EntityReference, committedVersion]
}

type committedVersion struct {
	version domain.Version
	removed bool
}

// New wraps backend in a document store.
func New(backend MapStore, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("document store: nil backend")
	}
	s := &Store{
		name:      "document",
		backend:   backend,
		cacheSize: DefaultCacheSize,
		ids:       domain.UUIDGenerator{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cacheSize > 0 {
		cache, err := lru.New[domain.EntityReference, *domain.EntityDocument](s.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("document store cache: %w", err)
		}
		s.cache = cache
	}
	if s.consistency == ConsistencyEventual {
		committed, err := lru.New[domain.EntityReference, committedVersion](trackedVersions)
		if err != nil {
			return nil, fmt.Errorf("document store version tracker: %w", err)
		}
		s.committed = committed
	}
	return s, nil
}

// Name returns the store label.
func (s *Store) Name() string { return s.name }

// Backend exposes the underlying MapStore.
func (s *Store) Backend() MapStore { return s.backend }

// Consistency returns the configured read consistency.
func (s *Store) Consistency() Consistency { return s.consistency }

// Close releases the backend when it holds resources.
func (s *Store) Close() error {
	if c, ok := s.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type unitOfWork struct {
	store   *Store
	id      string
	usecase domain.Usecase
	now     time.Time
}

func (u *unitOfWork) ID() string              { return u.id }
func (u *unitOfWork) Usecase() domain.Usecase { return u.usecase }
func (u *unitOfWork) CurrentTime() time.Time  { return u.now }

// NewUnitOfWork opens a logical session. No backend resources are held.
func (s *Store) NewUnitOfWork(_ context.Context, usecase domain.Usecase, now time.Time) (domain.StoreUnitOfWork, error) {
	id, err := s.ids.NextIdentity()
	if err != nil {
		return nil, domain.NewEntityStoreError("new unit of work", "", err)
	}
	return &unitOfWork{store: s, id: id, usecase: usecase, now: now}, nil
}

func (s *Store) session(uow domain.StoreUnitOfWork) (*unitOfWork, error) {
	u, ok := uow.(*unitOfWork)
	if !ok || u == nil || u.store != s {
		return nil, domain.EntityStoreError{Op: "session", Err: fmt.Errorf("unit of work %T does not belong to store %s", uow, s.name)}
	}
	return u, nil
}

// NewEntityState allocates NEW state stamped with the store's application version.
func (s *Store) NewEntityState(uow domain.StoreUnitOfWork, ref domain.EntityReference, descriptor domain.EntityDescriptor) (*domain.EntityState, error) {
	u, err := s.session(uow)
	if err != nil {
		return nil, err
	}
	if ref.IsEmpty() {
		return nil, domain.ErrEmptyReference
	}
	state := domain.NewEntityState(ref, descriptor, u.now)
	state.SetApplicationVersion(s.appVersion)
	return state, nil
}

// EntityStateOf loads ref. Documents written by another application version
// are migrated and returned as UPDATED state so the next commit rewrites them.
func (s *Store) EntityStateOf(ctx context.Context, uow domain.StoreUnitOfWork, ref domain.EntityReference) (*domain.EntityState, error) {
	u, err := s.session(uow)
	if err != nil {
		return nil, err
	}
	if s.knownRemoved(ref) {
		return nil, domain.EntityNotFoundError{Reference: ref}
	}
	doc, err := s.load(ctx, ref, u.usecase.CacheOptions.CacheOnRead)
	if err != nil {
		return nil, err
	}
	migrate := s.appVersion != "" && doc.ApplicationVersion != s.appVersion
	if migrate {
		from := doc.ApplicationVersion
		doc = doc.Clone()
		if s.migrator != nil {
			if err := s.migrator.Migrate(ctx, doc, from, s.appVersion); err != nil {
				return nil, domain.NewEntityStoreError("migrate", ref, err)
			}
		}
		logger.Verbose("document store", s.name, "migrated", ref, "from", from, "to", s.appVersion)
		doc.ApplicationVersion = s.appVersion
	}
	state, err := domain.LoadEntityState(doc)
	if err != nil {
		return nil, err
	}
	if migrate {
		state.MarkUpdated()
	}
	return state, nil
}

func (s *Store) load(ctx context.Context, ref domain.EntityReference, useCache bool) (*domain.EntityDocument, error) {
	if useCache && s.cache != nil {
		if doc, ok := s.cache.Get(ref); ok {
			return doc, nil
		}
	}
	doc, err := s.backend.Get(ctx, ref)
	if err != nil {
		return nil, domain.NewEntityStoreError("get", ref, err)
	}
	if useCache && s.cache != nil {
		s.cache.Add(ref, doc)
	}
	return doc, nil
}

// Prepare checks every touched reference against the backend, never the
// cache. All version conflicts are reported together.
func (s *Store) Prepare(ctx context.Context, uow domain.StoreUnitOfWork, changes domain.Changes) (domain.StateCommitter, error) {
	u, err := s.session(uow)
	if err != nil {
		return nil, err
	}
	c := &committer{store: s, uow: u}
	for _, st := range changes.New {
		if s.knownLive(st.Reference()) {
			s.invalidate([]domain.EntityReference{st.Reference()})
			return nil, domain.EntityAlreadyExistsError{Reference: st.Reference()}
		}
		_, err := s.backend.Get(ctx, st.Reference())
		switch {
		case err == nil:
			s.invalidate([]domain.EntityReference{st.Reference()})
			return nil, domain.EntityAlreadyExistsError{Reference: st.Reference()}
		case !domain.IsNotFound(err):
			return nil, domain.NewEntityStoreError("prepare", st.Reference(), err)
		}
		c.add(ChangeNew, st)
	}
	var conflicts []domain.EntityReference
	check := func(kind ChangeKind, states []*domain.EntityState) error {
		for _, st := range states {
			ok, err := s.versionMatches(ctx, st)
			if err != nil {
				return err
			}
			if !ok {
				conflicts = append(conflicts, st.Reference())
				continue
			}
			c.add(kind, st)
		}
		return nil
	}
	if err := check(ChangeUpdate, changes.Updated); err != nil {
		return nil, err
	}
	if err := check(ChangeRemove, changes.Removed); err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		// the next load must come from the backend
		s.invalidate(conflicts)
		conflicts = domain.SortReferences(conflicts)
		logger.Warning("document store", s.name, "unit of work", u.id, "conflicts on", conflicts)
		return nil, domain.ConcurrentModificationError{References: conflicts}
	}
	if logger.IsVerbose() {
		logger.Verbose("document store", s.name, "prepared", len(c.batch), "changes for unit of work", u.id)
	}
	return c, nil
}

func (s *Store) versionMatches(ctx context.Context, st *domain.EntityState) (bool, error) {
	current, err := s.backend.Get(ctx, st.Reference())
	if domain.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, domain.NewEntityStoreError("prepare", st.Reference(), err)
	}
	if current.Version != st.Version() {
		return false, nil
	}
	if s.committed != nil {
		if seen, ok := s.committed.Get(st.Reference()); ok && (seen.removed || current.Version < seen.version) {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) knownRemoved(ref domain.EntityReference) bool {
	if s.committed == nil {
		return false
	}
	seen, ok := s.committed.Get(ref)
	return ok && seen.removed
}

func (s *Store) knownLive(ref domain.EntityReference) bool {
	if s.committed == nil {
		return false
	}
	seen, ok := s.committed.Get(ref)
	return ok && !seen.removed
}

// VisitEntityStates walks every stored document as LOADED state.
func (s *Store) VisitEntityStates(ctx context.Context, visitor domain.StateVisitor) error {
	err := s.backend.Visit(ctx, func(doc *domain.EntityDocument) error {
		state, err := domain.LoadEntityState(doc)
		if err != nil {
			return err
		}
		return visitor(state)
	})
	if errors.Is(err, domain.ErrStopVisit) {
		return nil
	}
	return err
}

func (s *Store) invalidate(refs []domain.EntityReference) {
	if s.cache == nil {
		return
	}
	for _, ref := range refs {
		s.cache.Remove(ref)
	}
}
