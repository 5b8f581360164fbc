package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"entitycore/pkg/domain"
)

func TestCompanyRenamedAcrossUnitsOfWork(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFactory(t)
	createCompany(t, f, "company-1", "A Company")

	u2 := openUnitOfWork(t, f)
	st, err := u2.Get(ctx, companyType, "company-1")
	require.NoError(t, err)
	created := st.Version()
	require.NoError(t, st.SetProperty("name", "Jayway"))
	require.Equal(t, domain.StatusUpdated, st.Status())
	require.NoError(t, u2.Complete(ctx))
	require.Equal(t, UnitOfWorkCommitted, u2.Status())

	u3 := openUnitOfWork(t, f)
	defer u3.Discard()
	st, err = u3.Get(ctx, companyType, "company-1")
	require.NoError(t, err)
	require.Equal(t, "Jayway", stringProperty(t, st, "name"))
	require.Equal(t, created.Next(), st.Version())
	require.Equal(t, fixedNow, st.LastModified())
}

func TestConcurrentUpdateConflicts(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFactory(t)
	createCompany(t, f, "c1", "Initial")

	u1 := openUnitOfWork(t, f)
	u2 := openUnitOfWork(t, f)
	s1, err := u1.Get(ctx, companyType, "c1")
	require.NoError(t, err)
	s2, err := u2.Get(ctx, companyType, "c1")
	require.NoError(t, err)
	require.NoError(t, s1.SetProperty("name", "First"))
	require.NoError(t, s2.SetProperty("name", "Second"))

	require.NoError(t, u1.Complete(ctx))
	err = u2.Complete(ctx)
	require.Error(t, err)
	var completion domain.UnitOfWorkCompletionError
	require.ErrorAs(t, err, &completion)
	require.Equal(t, u2.ID(), completion.UnitOfWorkID)
	var conflict domain.ConcurrentEntityModificationError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, []domain.EntityReference{"c1"}, conflict.References)
	require.True(t, domain.IsConcurrentModification(err))

	// the loser stays open for inspection
	require.True(t, u2.IsOpen())
	require.Equal(t, "Second", stringProperty(t, s2, "name"))
	u2.Discard()
	require.Equal(t, UnitOfWorkDiscarded, u2.Status())

	u3 := openUnitOfWork(t, f)
	defer u3.Discard()
	st, err := u3.Get(ctx, companyType, "c1")
	require.NoError(t, err)
	require.Equal(t, "First", stringProperty(t, st, "name"))
}

func TestConflictsAggregatedAcrossStores(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFactory(t)
	people, _ := newDocumentStore(t)
	f.Register(personType.Type, people)

	setup := openUnitOfWork(t, f)
	_, err := setup.NewEntity(ctx, companyType, "c1")
	require.NoError(t, err)
	_, err = setup.NewEntity(ctx, personType, "p1")
	require.NoError(t, err)
	require.NoError(t, setup.Complete(ctx))

	load := func(u *UnitOfWork) []*domain.EntityState {
		c, err := u.Get(ctx, companyType, "c1")
		require.NoError(t, err)
		p, err := u.Get(ctx, personType, "p1")
		require.NoError(t, err)
		return []*domain.EntityState{c, p}
	}
	loser := openUnitOfWork(t, f)
	stale := load(loser)
	winner := openUnitOfWork(t, f)
	for _, st := range load(winner) {
		require.NoError(t, st.SetProperty("touched", true))
	}
	require.NoError(t, winner.Complete(ctx))

	for _, st := range stale {
		require.NoError(t, st.SetProperty("touched", false))
	}
	err = loser.Complete(ctx)
	require.Equal(t, []domain.EntityReference{"c1", "p1"}, domain.ConflictingReferences(err))
	loser.Discard()
}

func TestFailedBatchWritesNothing(t *testing.T) {
	ctx := context.Background()
	f, backend := newTestFactory(t)
	createCompany(t, f, "c1", "Initial")

	stale := openUnitOfWork(t, f)
	st, err := stale.Get(ctx, companyType, "c1")
	require.NoError(t, err)

	bump := openUnitOfWork(t, f)
	other, err := bump.Get(ctx, companyType, "c1")
	require.NoError(t, err)
	require.NoError(t, other.SetProperty("name", "Bumped"))
	require.NoError(t, bump.Complete(ctx))

	_, err = stale.NewEntity(ctx, companyType, "c2")
	require.NoError(t, err)
	require.NoError(t, st.SetProperty("name", "Stale"))
	require.Error(t, stale.Complete(ctx))
	stale.Discard()

	require.Equal(t, 1, backend.Len())
	check := openUnitOfWork(t, f)
	defer check.Discard()
	_, err = check.Get(ctx, companyType, "c2")
	require.True(t, domain.IsNotFound(err))
}

func TestNewEntityReferences(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFactory(t, WithIdentityGenerator(domain.NewSequenceGenerator("id")))
	uow := openUnitOfWork(t, f)
	require.Equal(t, "id-1", uow.ID())

	st, err := uow.NewEntity(ctx, companyType, "")
	require.NoError(t, err)
	require.Equal(t, domain.EntityReference("id-2"), st.Reference())
	require.Equal(t, domain.StatusNew, st.Status())
	require.Equal(t, domain.Version(0), st.Version())

	_, err = uow.NewEntity(ctx, companyType, "id-2")
	var exists domain.EntityAlreadyExistsError
	require.ErrorAs(t, err, &exists)
	require.Equal(t, domain.EntityReference("id-2"), exists.Reference)

	_, err = uow.NewEntity(ctx, companyType, "   ")
	require.ErrorIs(t, err, domain.ErrEmptyReference)
	require.NoError(t, uow.Complete(ctx))
}

func TestNewEntityOverStoredReference(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFactory(t)
	createCompany(t, f, "c1", "Initial")

	uow := openUnitOfWork(t, f)
	_, err := uow.NewEntity(ctx, companyType, "c1")
	require.NoError(t, err)
	err = uow.Complete(ctx)
	require.True(t, domain.IsAlreadyExists(err))
	require.False(t, domain.IsConcurrentModification(err))
	require.True(t, uow.IsOpen())
	uow.Discard()
}

func TestRemoveEntity(t *testing.T) {
	ctx := context.Background()
	f, backend := newTestFactory(t)
	createCompany(t, f, "c1", "Initial")

	uow := openUnitOfWork(t, f)
	require.NoError(t, uow.Remove(ctx, companyType, "c1"))
	_, err := uow.Get(ctx, companyType, "c1")
	require.True(t, domain.IsNotFound(err))
	require.True(t, domain.IsNotFound(uow.Remove(ctx, companyType, "c1")))
	require.NoError(t, uow.Complete(ctx))
	require.Equal(t, 0, backend.Len())

	after := openUnitOfWork(t, f)
	defer after.Discard()
	_, err = after.Get(ctx, companyType, "c1")
	var nf domain.EntityNotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, domain.EntityReference("c1"), nf.Reference)
}

func TestCreatedThenRemovedIsNeverWritten(t *testing.T) {
	ctx := context.Background()
	audit := &captureAuditRecorder{}
	f, backend := newTestFactory(t, WithAuditRecorder(audit))

	uow := openUnitOfWork(t, f)
	st, err := uow.NewEntity(ctx, companyType, "temp")
	require.NoError(t, err)
	st.Remove()
	require.NoError(t, uow.Complete(ctx))

	require.Equal(t, 0, backend.Len())
	entry := audit.last()
	require.Equal(t, "complete", entry.Operation)
	require.Equal(t, AuditStatusSuccess, entry.Status)
	require.Zero(t, entry.New+entry.Updated+entry.Removed)
}

func TestClosedUnitOfWorkRejectsUse(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFactory(t)
	uow := openUnitOfWork(t, f)
	require.NoError(t, uow.Complete(ctx))

	_, err := uow.NewEntity(ctx, companyType, "c1")
	require.ErrorIs(t, err, domain.ErrUnitOfWorkClosed)
	_, err = uow.Get(ctx, companyType, "c1")
	require.ErrorIs(t, err, domain.ErrUnitOfWorkClosed)
	require.ErrorIs(t, uow.Remove(ctx, companyType, "c1"), domain.ErrUnitOfWorkClosed)
	_, err = uow.Refresh(ctx, "c1")
	require.ErrorIs(t, err, domain.ErrUnitOfWorkClosed)
	require.ErrorIs(t, uow.Complete(ctx), domain.ErrUnitOfWorkClosed)
	require.ErrorIs(t, uow.Apply(ctx), domain.ErrUnitOfWorkClosed)
	require.ErrorIs(t, uow.AddCallback(CallbackFuncs{}), domain.ErrUnitOfWorkClosed)
	_, err = uow.NewEntityBuilder(companyType).NewInstance(ctx)
	require.ErrorIs(t, err, domain.ErrUnitOfWorkClosed)

	uow.Discard()
	require.Equal(t, UnitOfWorkCommitted, uow.Status())
}

func TestDiscardIsIdempotent(t *testing.T) {
	ctx := context.Background()
	metrics := &captureMetricsRecorder{}
	f, backend := newTestFactory(t, WithMetricsRecorder(metrics))
	uow := openUnitOfWork(t, f)
	var discarded int
	require.NoError(t, uow.AddCallback(CallbackFuncs{After: func(s CallbackStatus) {
		require.Equal(t, CallbackDiscarded, s)
		discarded++
	}}))
	_, err := uow.NewEntity(ctx, companyType, "c1")
	require.NoError(t, err)

	uow.Discard()
	uow.Discard()
	require.Equal(t, 1, discarded)
	require.Equal(t, UnitOfWorkDiscarded, uow.Status())
	require.Empty(t, uow.Tracked())
	require.Equal(t, 0, backend.Len())
	require.Len(t, metrics.calls, 1)
	require.True(t, metrics.has("discard", true))
}

func TestCallbacks(t *testing.T) {
	ctx := context.Background()
	f, backend := newTestFactory(t)
	uow := openUnitOfWork(t, f)
	_, err := uow.NewEntity(ctx, companyType, "c1")
	require.NoError(t, err)

	veto := errors.New("not yet")
	var before int
	var after []CallbackStatus
	require.NoError(t, uow.AddCallback(CallbackFuncs{
		Before: func() error {
			before++
			if before == 1 {
				return veto
			}
			return nil
		},
		After: func(s CallbackStatus) { after = append(after, s) },
	}))
	require.NoError(t, uow.AddCallback(nil))

	err = uow.Complete(ctx)
	require.ErrorIs(t, err, veto)
	var completion domain.UnitOfWorkCompletionError
	require.ErrorAs(t, err, &completion)
	require.True(t, uow.IsOpen())
	require.Equal(t, 0, backend.Len())
	require.Empty(t, after)

	require.NoError(t, uow.Complete(ctx))
	require.Equal(t, 2, before)
	require.Equal(t, []CallbackStatus{CallbackCompleted}, after)
	require.Equal(t, 1, backend.Len())
	require.Equal(t, "completed", CallbackCompleted.String())
	require.Equal(t, "discarded", CallbackDiscarded.String())
}

func TestApplyKeepsUnitOfWorkOpen(t *testing.T) {
	ctx := context.Background()
	var afterCalls int
	f, backend := newTestFactory(t)
	uow := openUnitOfWork(t, f)
	require.NoError(t, uow.AddCallback(CallbackFuncs{After: func(CallbackStatus) { afterCalls++ }}))

	st, err := uow.NewEntity(ctx, companyType, "c1")
	require.NoError(t, err)
	require.NoError(t, st.SetProperty("name", "v1"))
	require.NoError(t, uow.Apply(ctx))
	require.True(t, uow.IsOpen())
	require.Equal(t, domain.StatusLoaded, st.Status())
	require.Equal(t, domain.Version(1), st.Version())

	require.NoError(t, st.SetProperty("name", "v2"))
	require.NoError(t, uow.Apply(ctx))
	require.Equal(t, domain.Version(2), st.Version())

	// a stored entity removed after Apply is a real removal
	st.Remove()
	require.NoError(t, uow.Apply(ctx))
	require.Empty(t, uow.Tracked())
	require.Equal(t, 0, backend.Len())
	require.Zero(t, afterCalls)

	require.NoError(t, uow.Complete(ctx))
	require.Equal(t, 1, afterCalls)
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFactory(t)
	createCompany(t, f, "c1", "Initial")

	uow := openUnitOfWork(t, f)
	defer uow.Discard()
	st, err := uow.Get(ctx, companyType, "c1")
	require.NoError(t, err)
	require.NoError(t, st.SetProperty("name", "Local"))

	other := openUnitOfWork(t, f)
	o, err := other.Get(ctx, companyType, "c1")
	require.NoError(t, err)
	require.NoError(t, o.SetProperty("name", "Remote"))
	require.NoError(t, other.Complete(ctx))

	fresh, err := uow.Refresh(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "Remote", stringProperty(t, fresh, "name"))
	require.Equal(t, domain.StatusLoaded, fresh.Status())
	got, err := uow.Get(ctx, companyType, "c1")
	require.NoError(t, err)
	require.Same(t, fresh, got)

	created, err := uow.NewEntity(ctx, companyType, "c2")
	require.NoError(t, err)
	same, err := uow.Refresh(ctx, "c2")
	require.NoError(t, err)
	require.Same(t, created, same)

	_, err = uow.Refresh(ctx, "unknown")
	require.True(t, domain.IsNotFound(err))
	created.Remove()
	_, err = uow.Refresh(ctx, "c2")
	require.True(t, domain.IsNotFound(err))
}

func TestRefreshDropsEntityRemovedElsewhere(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFactory(t)
	createCompany(t, f, "c1", "Initial")

	uow := openUnitOfWork(t, f)
	defer uow.Discard()
	_, err := uow.Get(ctx, companyType, "c1")
	require.NoError(t, err)

	other := openUnitOfWork(t, f)
	require.NoError(t, other.Remove(ctx, companyType, "c1"))
	require.NoError(t, other.Complete(ctx))

	_, err = uow.Refresh(ctx, "c1")
	require.True(t, domain.IsNotFound(err))
	require.Empty(t, uow.Tracked())
}

func TestStoreFailureDiscardsUnitOfWork(t *testing.T) {
	ctx := context.Background()
	store, _ := newDocumentStore(t)
	broken := &failingStore{EntityStore: store, prepareErr: errors.New("disk full")}
	f := NewUnitOfWorkFactory(broken, WithLogger(nil))

	uow := openUnitOfWork(t, f)
	var after []CallbackStatus
	require.NoError(t, uow.AddCallback(CallbackFuncs{After: func(s CallbackStatus) { after = append(after, s) }}))
	_, err := uow.NewEntity(ctx, companyType, "c1")
	require.NoError(t, err)

	err = uow.Complete(ctx)
	require.ErrorContains(t, err, "disk full")
	require.False(t, domain.IsConcurrentModification(err))
	require.Equal(t, UnitOfWorkDiscarded, uow.Status())
	require.Equal(t, []CallbackStatus{CallbackDiscarded}, after)
	uow.Discard()
	require.Len(t, after, 1)
}

func TestCommitConflictIsReported(t *testing.T) {
	ctx := context.Background()
	store, backend := newDocumentStore(t)
	racy := &failingStore{EntityStore: store, commitErr: domain.ConcurrentModificationError{References: []domain.EntityReference{"c1"}}}
	metrics := &captureMetricsRecorder{}
	f := NewUnitOfWorkFactory(racy, WithLogger(nil), WithMetricsRecorder(metrics))

	uow := openUnitOfWork(t, f)
	_, err := uow.NewEntity(ctx, companyType, "c1")
	require.NoError(t, err)
	err = uow.Complete(ctx)
	var conflict domain.ConcurrentEntityModificationError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, []domain.EntityReference{"c1"}, conflict.References)
	require.True(t, uow.IsOpen())
	require.Equal(t, 1, racy.cancelled)
	require.Equal(t, 0, backend.Len())
	require.Equal(t, 1, metrics.conflicts)
	require.True(t, metrics.has("complete", false))
	uow.Discard()
}

func TestUnroutedEntityType(t *testing.T) {
	ctx := context.Background()
	store, _ := newDocumentStore(t)
	f := NewUnitOfWorkFactory(nil, WithLogger(nil))
	f.Register(personType.Type, store)

	uow := openUnitOfWork(t, f)
	defer uow.Discard()
	_, err := uow.NewEntity(ctx, companyType, "c1")
	require.ErrorIs(t, err, domain.ErrNoEntityStore)
	_, err = uow.Get(ctx, companyType, "c1")
	require.ErrorIs(t, err, domain.ErrNoEntityStore)
	_, err = uow.NewEntity(ctx, personType, "p1")
	require.NoError(t, err)

	f.Register(personType.Type, nil)
	_, err = uow.NewEntity(ctx, personType, "p2")
	require.ErrorIs(t, err, domain.ErrNoEntityStore)
}

func TestUnitOfWorkAccessors(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFactory(t)
	uow, err := f.NewUnitOfWork(ctx, domain.Usecase{})
	require.NoError(t, err)
	defer uow.Discard()
	require.Equal(t, domain.DefaultUsecase, uow.Usecase())
	require.Equal(t, fixedNow, uow.CurrentTime())
	require.NotEmpty(t, uow.ID())
	require.Equal(t, "open", uow.Status().String())
	require.Equal(t, "status(9)", UnitOfWorkStatus(9).String())

	for _, ref := range []domain.EntityReference{"b", "a", "c"} {
		_, err := uow.NewEntity(ctx, companyType, ref)
		require.NoError(t, err)
	}
	var refs []domain.EntityReference
	for _, st := range uow.Tracked() {
		refs = append(refs, st.Reference())
	}
	require.Equal(t, []domain.EntityReference{"b", "a", "c"}, refs)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = f.NewUnitOfWork(cancelled, domain.DefaultUsecase)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEntityBuilder(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFactory(t)
	uow := openUnitOfWork(t, f)

	st, err := uow.NewEntityBuilder(personType).
		WithReference("p1").
		Set("name", "Ada").
		Set("age", 36).
		Associate("employer", "c1").
		NewInstance(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.EntityReference("p1"), st.Reference())
	require.Equal(t, "Ada", stringProperty(t, st, "name"))
	employer, ok := st.Association("employer")
	require.True(t, ok)
	require.Equal(t, domain.EntityReference("c1"), employer)

	_, err = uow.NewEntityBuilder(personType).
		WithReference("p2").
		Set("bad", make(chan int)).
		NewInstance(ctx)
	require.Error(t, err)
	require.Len(t, uow.Tracked(), 1)
	require.NoError(t, uow.Complete(ctx))
}
