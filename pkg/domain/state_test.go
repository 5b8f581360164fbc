package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"entitycore/pkg/domain"
)

func TestNewEntityStateStartsNew(t *testing.T) {
	now := time.Unix(100, 0)
	s := domain.NewEntityState("e1", domain.NewEntityDescriptor("T"), now)
	require.Equal(t, domain.StatusNew, s.Status())
	require.Equal(t, domain.Version(0), s.Version())
	require.Equal(t, now, s.LastModified())
	require.Empty(t, s.PropertyNames())
	require.Empty(t, s.ManyAssociationNames())
	require.True(t, s.IsChanged())

	require.NoError(t, s.SetProperty("x", 1))
	require.Equal(t, domain.StatusNew, s.Status(), "setting a property keeps new state new")
}

func TestPropertyMutationTransitions(t *testing.T) {
	s := loadedState(t)
	require.False(t, s.IsChanged())
	_, ok := s.Property("missing")
	require.False(t, ok)

	require.NoError(t, s.SetProperty("name", "Jayway"))
	require.Equal(t, domain.StatusUpdated, s.Status())
	raw, ok := s.Property("name")
	require.True(t, ok)
	require.JSONEq(t, `"Jayway"`, string(raw))

	require.NoError(t, s.SetProperty("raw", json.RawMessage(`{"a":1}`)))
	require.Error(t, s.SetProperty("bad", json.RawMessage(`{`)))
	require.Error(t, s.SetProperty("chan", make(chan int)))
}

func TestRemovedStateIsFrozen(t *testing.T) {
	s := loadedState(t)
	require.NoError(t, s.SetProperty("name", "before"))
	s.Remove()
	require.Equal(t, domain.StatusRemoved, s.Status())

	require.ErrorIs(t, s.SetProperty("name", "after"), domain.ErrEntityRemoved)
	require.ErrorIs(t, s.SetAssociation("a", "x"), domain.ErrEntityRemoved)
	name, _, err := domain.PropertyOf[string](s, "name")
	require.NoError(t, err)
	require.Equal(t, "before", name)

	s.Remove()
	require.Equal(t, domain.StatusRemoved, s.Status())
}

func TestCommittedResetsStatus(t *testing.T) {
	s := loadedState(t)
	require.NoError(t, s.SetProperty("p", true))
	at := time.Unix(500, 0)
	s.Committed(s.Version().Next(), at)
	require.Equal(t, domain.StatusLoaded, s.Status())
	require.Equal(t, domain.Version(4), s.Version())
	require.Equal(t, at, s.LastModified())
}

func TestPropertyValueDecodeFailure(t *testing.T) {
	s := loadedState(t)
	require.NoError(t, domain.SetPropertyOf(s, "count", "not-a-number"))
	_, ok, err := domain.PropertyOf[int](s, "count")
	require.True(t, ok)
	var se domain.EntityStoreError
	require.ErrorAs(t, err, &se)
}

func TestAssociationView(t *testing.T) {
	s := loadedState(t)
	v := domain.AssociationView(s, "parent")
	_, ok := v.Get()
	require.False(t, ok)
	require.NoError(t, v.Set("p1"))
	ref, ok := v.Get()
	require.True(t, ok)
	require.Equal(t, domain.EntityReference("p1"), ref)
	require.NoError(t, v.Clear())
	_, ok = v.Get()
	require.False(t, ok)
}

func TestEntityReferenceValidation(t *testing.T) {
	_, err := domain.NewEntityReference("  ")
	require.ErrorIs(t, err, domain.ErrEmptyReference)
	ref, err := domain.NewEntityReference("abc")
	require.NoError(t, err)
	require.Equal(t, "abc", ref.String())
}

func TestSequenceGenerator(t *testing.T) {
	gen := domain.NewSequenceGenerator("uow")
	a, err := gen.NextIdentity()
	require.NoError(t, err)
	b, err := gen.NextIdentity()
	require.NoError(t, err)
	require.Equal(t, "uow-1", a)
	require.Equal(t, "uow-2", b)

	id, err := domain.UUIDGenerator{}.NextIdentity()
	require.NoError(t, err)
	require.Len(t, id, 36)
}
