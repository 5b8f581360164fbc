// Package storetest holds the compatibility kit every MapStore backend runs
// from its own tests.
package storetest

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"entitycore/internal/infra/persistence/document"
	"entitycore/pkg/domain"
)

// Factory returns an empty MapStore. It is called once per subtest.
type Factory func(t *testing.T) document.MapStore

var (
	companyType = domain.NewEntityDescriptor("Company")
	epoch       = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

// TechnologyCompatibilityKit runs the MapStore and EntityStore scenarios
// against stores produced by factory.
func TechnologyCompatibilityKit(t *testing.T, factory Factory) {
	t.Run("MapStore", func(t *testing.T) { testMapStore(t, factory) })
	for _, cacheSize := range []int{0, 16} {
		name := "EntityStore/uncached"
		if cacheSize > 0 {
			name = "EntityStore/cached"
		}
		t.Run(name, func(t *testing.T) {
			testEntityStore(t, func(t *testing.T) *document.Store {
				s, err := document.New(factory(t), document.WithCacheSize(cacheSize), document.WithIdentityGenerator(domain.NewSequenceGenerator("uow")))
				require.NoError(t, err)
				return s
			})
		})
	}
	t.Run("SharedBackend", func(t *testing.T) { testSharedBackend(t, factory) })
}

// testSharedBackend runs two cached document stores over one MapStore, the
// way two processes share a database.
func testSharedBackend(t *testing.T, factory Factory) {
	ctx := context.Background()
	backend := factory(t)
	newStore := func() *document.Store {
		s, err := document.New(backend, document.WithCacheSize(16), document.WithIdentityGenerator(domain.NewSequenceGenerator("uow")))
		require.NoError(t, err)
		return s
	}
	first, second := newStore(), newStore()
	rename := func(s *document.Store, name string) error {
		uow := open(t, s)
		st, err := s.EntityStateOf(ctx, uow, "company")
		if err != nil {
			return err
		}
		require.NoError(t, st.SetProperty("name", name))
		return apply(ctx, s, uow, domain.Changes{Updated: []*domain.EntityState{st}})
	}

	createCompany(t, first, "company")
	require.Equal(t, domain.Version(1), load(t, first, "company").Version())
	require.NoError(t, rename(second, "Jayway"))

	err := rename(first, "Stale")
	require.True(t, domain.IsConcurrentModification(err), "got %v", err)

	st := load(t, first, "company")
	require.Equal(t, domain.Version(2), st.Version())
	require.NoError(t, rename(first, "Fresh"))
	stored, err := backend.Get(ctx, "company")
	require.NoError(t, err)
	require.Equal(t, domain.Version(3), stored.Version)

	uow := open(t, first)
	dup, err := first.NewEntityState(uow, "other", companyType)
	require.NoError(t, err)
	createCompany(t, second, "other")
	err = apply(ctx, first, uow, domain.Changes{New: []*domain.EntityState{dup}})
	require.True(t, domain.IsAlreadyExists(err), "got %v", err)
	require.Equal(t, domain.Version(1), load(t, first, "other").Version())
}

func sampleDocument(ref domain.EntityReference, version domain.Version) *domain.EntityDocument {
	s := domain.NewEntityState(ref, companyType, epoch)
	_ = s.SetProperty("name", "A Company")
	_ = s.SetAssociation("owner", "person-1")
	m := s.ManyAssociation("departments")
	_, _ = m.Add(0, "d1")
	_, _ = m.Add(0, "d2")
	n := s.NamedAssociation("roles")
	_, _ = n.Put("ceo", "p1")
	_, _ = n.Put("cfo", "p2")
	_, _ = n.Put("cto", "p3")
	return domain.NewEntityDocument(s, version, epoch)
}

func testMapStore(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		ms := factory(t)
		_, err := ms.Get(ctx, "missing")
		require.True(t, domain.IsNotFound(err), "got %v", err)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		ms := factory(t)
		doc := sampleDocument("c1", 1)
		require.NoError(t, ms.ApplyChanges(ctx, []document.Change{{Kind: document.ChangeNew, Reference: "c1", Document: doc}}))
		got, err := ms.Get(ctx, "c1")
		require.NoError(t, err)
		require.Equal(t, doc.Version, got.Version)
		require.Equal(t, doc.Type, got.Type)
		require.Equal(t, doc.Modified, got.Modified)
		require.JSONEq(t, string(doc.Properties["name"]), string(got.Properties["name"]))
		require.Equal(t, []domain.EntityReference{"d2", "d1"}, got.ManyAssociations["departments"])
		require.Equal(t, doc.NamedAssociations["roles"], got.NamedAssociations["roles"])
		require.NotNil(t, got.Associations["owner"])
		require.Equal(t, domain.EntityReference("person-1"), *got.Associations["owner"])
	})

	t.Run("NewExistingRejectsWholeBatch", func(t *testing.T) {
		ms := factory(t)
		require.NoError(t, ms.ApplyChanges(ctx, []document.Change{{Kind: document.ChangeNew, Reference: "c1", Document: sampleDocument("c1", 1)}}))
		err := ms.ApplyChanges(ctx, []document.Change{
			{Kind: document.ChangeNew, Reference: "c2", Document: sampleDocument("c2", 1)},
			{Kind: document.ChangeNew, Reference: "c1", Document: sampleDocument("c1", 1)},
		})
		require.True(t, domain.IsAlreadyExists(err), "got %v", err)
		_, err = ms.Get(ctx, "c2")
		require.True(t, domain.IsNotFound(err), "batch must not be partially applied")
	})

	t.Run("VersionConflictsAggregate", func(t *testing.T) {
		ms := factory(t)
		require.NoError(t, ms.ApplyChanges(ctx, []document.Change{
			{Kind: document.ChangeNew, Reference: "c1", Document: sampleDocument("c1", 1)},
			{Kind: document.ChangeNew, Reference: "c2", Document: sampleDocument("c2", 1)},
			{Kind: document.ChangeNew, Reference: "c3", Document: sampleDocument("c3", 1)},
		}))
		err := ms.ApplyChanges(ctx, []document.Change{
			{Kind: document.ChangeUpdate, Reference: "c1", ExpectedVersion: 1, Document: sampleDocument("c1", 2)},
			{Kind: document.ChangeUpdate, Reference: "c2", ExpectedVersion: 7, Document: sampleDocument("c2", 8)},
			{Kind: document.ChangeRemove, Reference: "c3", ExpectedVersion: 5},
		})
		var cm domain.ConcurrentModificationError
		require.ErrorAs(t, err, &cm)
		require.Equal(t, []domain.EntityReference{"c2", "c3"}, cm.References)
		got, err := ms.Get(ctx, "c1")
		require.NoError(t, err)
		require.Equal(t, domain.Version(1), got.Version, "valid change in a failed batch must not be applied")
		_, err = ms.Get(ctx, "c3")
		require.NoError(t, err)
	})

	t.Run("UpdateMissingConflicts", func(t *testing.T) {
		ms := factory(t)
		err := ms.ApplyChanges(ctx, []document.Change{{Kind: document.ChangeUpdate, Reference: "ghost", ExpectedVersion: 1, Document: sampleDocument("ghost", 2)}})
		require.True(t, domain.IsConcurrentModification(err), "got %v", err)
	})

	t.Run("UpdateAndRemove", func(t *testing.T) {
		ms := factory(t)
		require.NoError(t, ms.ApplyChanges(ctx, []document.Change{{Kind: document.ChangeNew, Reference: "c1", Document: sampleDocument("c1", 1)}}))
		updated := sampleDocument("c1", 2)
		updated.Properties["name"] = []byte(`"Jayway"`)
		require.NoError(t, ms.ApplyChanges(ctx, []document.Change{{Kind: document.ChangeUpdate, Reference: "c1", ExpectedVersion: 1, Document: updated}}))
		got, err := ms.Get(ctx, "c1")
		require.NoError(t, err)
		require.Equal(t, domain.Version(2), got.Version)
		require.JSONEq(t, `"Jayway"`, string(got.Properties["name"]))

		require.NoError(t, ms.ApplyChanges(ctx, []document.Change{{Kind: document.ChangeRemove, Reference: "c1", ExpectedVersion: 2}}))
		_, err = ms.Get(ctx, "c1")
		require.True(t, domain.IsNotFound(err))
	})

	t.Run("Visit", func(t *testing.T) {
		ms := factory(t)
		var batch []document.Change
		for _, ref := range []domain.EntityReference{"v3", "v1", "v2"} {
			batch = append(batch, document.Change{Kind: document.ChangeNew, Reference: ref, Document: sampleDocument(ref, 1)})
		}
		require.NoError(t, ms.ApplyChanges(ctx, batch))
		var seen []domain.EntityReference
		require.NoError(t, ms.Visit(ctx, func(doc *domain.EntityDocument) error {
			seen = append(seen, doc.Reference)
			return nil
		}))
		slices.Sort(seen)
		require.Equal(t, []domain.EntityReference{"v1", "v2", "v3"}, seen)

		stop := errors.New("stop")
		err := ms.Visit(ctx, func(*domain.EntityDocument) error { return stop })
		require.ErrorIs(t, err, stop)
	})
}

type storeFactory func(t *testing.T) *document.Store

func open(t *testing.T, s *document.Store) domain.StoreUnitOfWork {
	t.Helper()
	uow, err := s.NewUnitOfWork(context.Background(), domain.DefaultUsecase, epoch.Add(time.Hour))
	require.NoError(t, err)
	return uow
}

func apply(ctx context.Context, s *document.Store, uow domain.StoreUnitOfWork, changes domain.Changes) error {
	c, err := s.Prepare(ctx, uow, changes)
	if err != nil {
		return err
	}
	if err := c.Commit(ctx); err != nil {
		return err
	}
	return nil
}

func createCompany(t *testing.T, s *document.Store, ref domain.EntityReference) *domain.EntityState {
	t.Helper()
	ctx := context.Background()
	uow := open(t, s)
	st, err := s.NewEntityState(uow, ref, companyType)
	require.NoError(t, err)
	require.NoError(t, st.SetProperty("name", "A Company"))
	require.NoError(t, st.SetAssociation("owner", "person-1"))
	_, err = st.ManyAssociation("departments").Add(0, "d1")
	require.NoError(t, err)
	_, err = st.NamedAssociation("roles").Put("ceo", "p1")
	require.NoError(t, err)
	require.NoError(t, apply(ctx, s, uow, domain.Changes{New: []*domain.EntityState{st}}))
	return st
}

func load(t *testing.T, s *document.Store, ref domain.EntityReference) *domain.EntityState {
	t.Helper()
	st, err := s.EntityStateOf(context.Background(), open(t, s), ref)
	require.NoError(t, err)
	return st
}

func countStates(t *testing.T, s *document.Store) int {
	t.Helper()
	n := 0
	require.NoError(t, s.VisitEntityStates(context.Background(), func(*domain.EntityState) error {
		n++
		return nil
	}))
	return n
}

func testEntityStore(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	t.Run("CreateThenFind", func(t *testing.T) {
		s := factory(t)
		created := createCompany(t, s, "company")
		require.Equal(t, domain.Version(1), created.Version())
		require.Equal(t, domain.StatusLoaded, created.Status())

		st := load(t, s, "company")
		require.Equal(t, domain.StatusLoaded, st.Status())
		require.Equal(t, domain.Version(1), st.Version())
		name, ok, err := domain.PropertyOf[string](st, "name")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "A Company", name)
		owner, ok := st.Association("owner")
		require.True(t, ok)
		require.Equal(t, domain.EntityReference("person-1"), owner)
		require.Equal(t, []domain.EntityReference{"d1"}, st.ManyAssociation("departments").References())
		require.Equal(t, []string{"ceo"}, st.NamedAssociation("roles").NameList())
	})

	t.Run("MissingEntityNotFound", func(t *testing.T) {
		s := factory(t)
		_, err := s.EntityStateOf(ctx, open(t, s), "nobody")
		require.True(t, domain.IsNotFound(err), "got %v", err)
	})

	t.Run("RemovedEntityCannotBeFound", func(t *testing.T) {
		s := factory(t)
		createCompany(t, s, "company")
		uow := open(t, s)
		st, err := s.EntityStateOf(ctx, uow, "company")
		require.NoError(t, err)
		st.Remove()
		require.NoError(t, apply(ctx, s, uow, domain.Changes{Removed: []*domain.EntityState{st}}))
		_, err = s.EntityStateOf(ctx, open(t, s), "company")
		require.True(t, domain.IsNotFound(err), "got %v", err)
	})

	t.Run("UnmodifiedEntityKeepsVersion", func(t *testing.T) {
		s := factory(t)
		createCompany(t, s, "company")
		uow := open(t, s)
		_, err := s.EntityStateOf(ctx, uow, "company")
		require.NoError(t, err)
		require.NoError(t, apply(ctx, s, uow, domain.Changes{}))
		require.Equal(t, domain.Version(1), load(t, s, "company").Version())
	})

	t.Run("ModifiedPropertyAdvancesVersion", func(t *testing.T) {
		s := factory(t)
		createCompany(t, s, "company")
		for want := domain.Version(2); want <= 4; want++ {
			uow := open(t, s)
			st, err := s.EntityStateOf(ctx, uow, "company")
			require.NoError(t, err)
			require.NoError(t, st.SetProperty("name", "Jayway "+want.String()))
			require.Equal(t, domain.StatusUpdated, st.Status())
			require.NoError(t, apply(ctx, s, uow, domain.Changes{Updated: []*domain.EntityState{st}}))
			require.Equal(t, want, st.Version())
			require.Equal(t, want, load(t, s, "company").Version())
		}
		name, _, err := domain.PropertyOf[string](load(t, s, "company"), "name")
		require.NoError(t, err)
		require.Equal(t, "Jayway 4", name)
	})

	t.Run("AssociationChangesPersist", func(t *testing.T) {
		s := factory(t)
		createCompany(t, s, "company")
		uow := open(t, s)
		st, err := s.EntityStateOf(ctx, uow, "company")
		require.NoError(t, err)
		require.NoError(t, st.SetAssociation("owner", ""))
		m := st.ManyAssociation("departments")
		_, err = m.Add(0, "d0")
		require.NoError(t, err)
		_, err = m.Add(5, "d9")
		require.NoError(t, err)
		n := st.NamedAssociation("roles")
		_, err = n.Put("cfo", "p2")
		require.NoError(t, err)
		_, err = n.Put("ceo", "p9")
		require.NoError(t, err)
		require.NoError(t, apply(ctx, s, uow, domain.Changes{Updated: []*domain.EntityState{st}}))

		got := load(t, s, "company")
		_, ok := got.Association("owner")
		require.False(t, ok)
		require.Equal(t, []domain.EntityReference{"d0", "d1", "d9"}, got.ManyAssociation("departments").References())
		require.Equal(t, []string{"cfo", "ceo"}, got.NamedAssociation("roles").NameList())
		ref, _ := got.NamedAssociation("roles").Get("ceo")
		require.Equal(t, domain.EntityReference("p9"), ref)

		uow = open(t, s)
		st, err = s.EntityStateOf(ctx, uow, "company")
		require.NoError(t, err)
		require.NoError(t, st.ManyAssociation("departments").Clear())
		require.NoError(t, st.NamedAssociation("roles").Clear())
		require.NoError(t, apply(ctx, s, uow, domain.Changes{Updated: []*domain.EntityState{st}}))
		got = load(t, s, "company")
		require.Zero(t, got.ManyAssociation("departments").Count())
		require.Zero(t, got.NamedAssociation("roles").Count())
	})

	t.Run("ConcurrentModificationDetected", func(t *testing.T) {
		s := factory(t)
		createCompany(t, s, "company")
		createCompany(t, s, "other")

		uowA := open(t, s)
		a, err := s.EntityStateOf(ctx, uowA, "company")
		require.NoError(t, err)
		a2, err := s.EntityStateOf(ctx, uowA, "other")
		require.NoError(t, err)

		uowB := open(t, s)
		b, err := s.EntityStateOf(ctx, uowB, "company")
		require.NoError(t, err)
		b2, err := s.EntityStateOf(ctx, uowB, "other")
		require.NoError(t, err)
		require.NoError(t, b.SetProperty("name", "B"))
		b2.Remove()
		require.NoError(t, apply(ctx, s, uowB, domain.Changes{Updated: []*domain.EntityState{b}, Removed: []*domain.EntityState{b2}}))

		require.NoError(t, a.SetProperty("name", "A"))
		require.NoError(t, a2.SetProperty("name", "A2"))
		_, err = s.Prepare(ctx, uowA, domain.Changes{Updated: []*domain.EntityState{a, a2}})
		var cm domain.ConcurrentModificationError
		require.ErrorAs(t, err, &cm)
		require.Equal(t, []domain.EntityReference{"company", "other"}, cm.References)

		name, _, err := domain.PropertyOf[string](load(t, s, "company"), "name")
		require.NoError(t, err)
		require.Equal(t, "B", name)
	})

	t.Run("RaceBetweenPrepareAndCommit", func(t *testing.T) {
		s := factory(t)
		createCompany(t, s, "company")

		uowA := open(t, s)
		a, err := s.EntityStateOf(ctx, uowA, "company")
		require.NoError(t, err)
		require.NoError(t, a.SetProperty("name", "A"))
		fresh, err := s.NewEntityState(uowA, "fresh", companyType)
		require.NoError(t, err)
		committer, err := s.Prepare(ctx, uowA, domain.Changes{New: []*domain.EntityState{fresh}, Updated: []*domain.EntityState{a}})
		require.NoError(t, err)

		uowB := open(t, s)
		b, err := s.EntityStateOf(ctx, uowB, "company")
		require.NoError(t, err)
		require.NoError(t, b.SetProperty("name", "B"))
		require.NoError(t, apply(ctx, s, uowB, domain.Changes{Updated: []*domain.EntityState{b}}))

		err = committer.Commit(ctx)
		require.True(t, domain.IsConcurrentModification(err), "got %v", err)
		_, err = s.EntityStateOf(ctx, open(t, s), "fresh")
		require.True(t, domain.IsNotFound(err), "failed batch must leave no trace")
		require.Equal(t, domain.Version(2), load(t, s, "company").Version())
	})

	t.Run("NewEntityAlreadyExists", func(t *testing.T) {
		s := factory(t)
		createCompany(t, s, "company")
		uow := open(t, s)
		dup, err := s.NewEntityState(uow, "company", companyType)
		require.NoError(t, err)
		_, err = s.Prepare(ctx, uow, domain.Changes{New: []*domain.EntityState{dup}})
		require.True(t, domain.IsAlreadyExists(err), "got %v", err)
	})

	t.Run("CancelDoesNotStore", func(t *testing.T) {
		s := factory(t)
		uow := open(t, s)
		st, err := s.NewEntityState(uow, "company", companyType)
		require.NoError(t, err)
		c, err := s.Prepare(ctx, uow, domain.Changes{New: []*domain.EntityState{st}})
		require.NoError(t, err)
		c.Cancel()
		c.Cancel()
		require.ErrorIs(t, c.Commit(ctx), domain.ErrCommitterClosed)
		_, err = s.EntityStateOf(ctx, open(t, s), "company")
		require.True(t, domain.IsNotFound(err))
	})

	t.Run("EntityStatesCount", func(t *testing.T) {
		s := factory(t)
		require.Equal(t, 0, countStates(t, s))
		createCompany(t, s, "company")
		require.Equal(t, 1, countStates(t, s))

		uow := open(t, s)
		st, err := s.EntityStateOf(ctx, uow, "company")
		require.NoError(t, err)
		st.Remove()
		require.NoError(t, apply(ctx, s, uow, domain.Changes{Removed: []*domain.EntityState{st}}))
		require.Equal(t, 0, countStates(t, s))
	})

	t.Run("VisitStops", func(t *testing.T) {
		s := factory(t)
		createCompany(t, s, "c1")
		createCompany(t, s, "c2")
		calls := 0
		require.NoError(t, s.VisitEntityStates(ctx, func(*domain.EntityState) error {
			calls++
			return domain.ErrStopVisit
		}))
		require.Equal(t, 1, calls)
	})
}
