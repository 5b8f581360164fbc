package domain_test

import (
	"math/rand"
	"slices"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"

	"entitycore/pkg/domain"
)

func newState(t *testing.T) *domain.EntityState {
	t.Helper()
	return domain.NewEntityState("entity-1", domain.NewEntityDescriptor("Test"), time.Unix(0, 0))
}

func loadedState(t *testing.T) *domain.EntityState {
	t.Helper()
	doc := domain.NewEntityDocument(newState(t), 3, time.Unix(10, 0))
	s, err := domain.LoadEntityState(doc)
	require.NoError(t, err)
	require.Equal(t, domain.StatusLoaded, s.Status())
	return s
}

func TestManyAssociationInsertAtZeroPrepends(t *testing.T) {
	m := newState(t).ManyAssociation("children")
	added, err := m.Add(0, "first")
	require.NoError(t, err)
	require.True(t, added)
	added, err = m.Add(0, "second")
	require.NoError(t, err)
	require.True(t, added)

	require.Equal(t, []domain.EntityReference{"second", "first"}, slices.Collect(m.All()))
	require.Equal(t, 2, m.Count())
}

func TestManyAssociationRejectsDuplicates(t *testing.T) {
	m := newState(t).ManyAssociation("children")
	_, err := m.Add(0, "a")
	require.NoError(t, err)
	_, err = m.Add(1, "b")
	require.NoError(t, err)

	added, err := m.Add(0, "b")
	require.NoError(t, err)
	require.False(t, added)
	require.Equal(t, 2, m.Count())
	require.Equal(t, []domain.EntityReference{"a", "b"}, m.References())
}

func TestManyAssociationIndexHandling(t *testing.T) {
	m := newState(t).ManyAssociation("children")
	_, err := m.Add(0, "a")
	require.NoError(t, err)

	added, err := m.Add(99, "z")
	require.NoError(t, err)
	require.True(t, added)
	last, err := m.Get(1)
	require.NoError(t, err)
	require.Equal(t, domain.EntityReference("z"), last)

	_, err = m.Get(2)
	var oor domain.IndexOutOfRangeError
	require.ErrorAs(t, err, &oor)
	require.Equal(t, 2, oor.Count)

	_, err = m.Get(-1)
	require.ErrorAs(t, err, &oor)

	_, err = m.Add(-1, "neg")
	require.ErrorAs(t, err, &oor)
	require.False(t, m.Contains("neg"))
}

func TestManyAssociationRemovePreservesOrder(t *testing.T) {
	m := newState(t).ManyAssociation("children")
	for i, r := range []domain.EntityReference{"a", "b", "c", "d"} {
		_, err := m.Add(i, r)
		require.NoError(t, err)
	}
	removed, err := m.Remove("b")
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = m.Remove("missing")
	require.NoError(t, err)
	require.False(t, removed)
	require.Equal(t, []domain.EntityReference{"a", "c", "d"}, m.References())
}

func TestNamedAssociationInsertionOrder(t *testing.T) {
	n := newState(t).NamedAssociation("roles")
	for _, kv := range [][2]string{{"foo", "r0"}, {"bar", "r1"}, {"bazar", "r2"}} {
		added, err := n.Put(kv[0], domain.EntityReference(kv[1]))
		require.NoError(t, err)
		require.True(t, added)
	}
	require.Equal(t, []string{"foo", "bar", "bazar"}, slices.Collect(n.Names()))

	removed, err := n.Remove("bar")
	require.NoError(t, err)
	require.True(t, removed)
	_, err = n.Put("bar", "r1")
	require.NoError(t, err)
	require.Equal(t, []string{"foo", "bazar", "bar"}, n.NameList())

	ref, ok := n.Get("bar")
	require.True(t, ok)
	require.Equal(t, domain.EntityReference("r1"), ref)
	require.True(t, n.ContainsName("foo"))
	require.False(t, n.ContainsName("nope"))
}

func TestNamedAssociationRePutMovesToEnd(t *testing.T) {
	n := newState(t).NamedAssociation("roles")
	_, _ = n.Put("a", "r1")
	_, _ = n.Put("b", "r2")

	added, err := n.Put("a", "r3")
	require.NoError(t, err)
	require.False(t, added)
	require.Equal(t, []string{"b", "a"}, n.NameList())
	ref, _ := n.Get("a")
	require.Equal(t, domain.EntityReference("r3"), ref)
	require.Equal(t, 2, n.Count())
}

func TestAssociationMutationMarksLoadedStateUpdated(t *testing.T) {
	s := loadedState(t)
	_, err := s.ManyAssociation("m").Add(0, "x")
	require.NoError(t, err)
	require.Equal(t, domain.StatusUpdated, s.Status())

	s = loadedState(t)
	_, err = s.NamedAssociation("n").Remove("absent")
	require.NoError(t, err)
	require.Equal(t, domain.StatusLoaded, s.Status(), "no-op removal keeps state loaded")
}

func TestRemovedStateRejectsAssociationMutation(t *testing.T) {
	s := loadedState(t)
	m := s.ManyAssociation("m")
	n := s.NamedAssociation("n")
	s.Remove()

	_, err := m.Add(0, "x")
	require.ErrorIs(t, err, domain.ErrEntityRemoved)
	_, err = m.Remove("x")
	require.ErrorIs(t, err, domain.ErrEntityRemoved)
	_, err = n.Put("k", "x")
	require.ErrorIs(t, err, domain.ErrEntityRemoved)
	require.ErrorIs(t, n.Clear(), domain.ErrEntityRemoved)
	require.Zero(t, m.Count())
	require.Zero(t, n.Count())
}

type associationOp struct {
	Remove bool
	Index  uint8
	Ref    uint8
}

// TestManyAssociationMatchesModel replays random add/remove sequences against
// a plain slice model.
func TestManyAssociationMatchesModel(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		var ops []associationOp
		fuzz.New().NilChance(0).NumElements(10, 80).RandSource(rand.NewSource(seed)).Fuzz(&ops)

		m := newState(t).ManyAssociation("m")
		var model []domain.EntityReference
		for _, op := range ops {
			ref := domain.EntityReference(string(rune('a' + op.Ref%12)))
			if op.Remove {
				idx := slices.Index(model, ref)
				removed, err := m.Remove(ref)
				require.NoError(t, err)
				require.Equal(t, idx >= 0, removed)
				if idx >= 0 {
					model = slices.Delete(model, idx, idx+1)
				}
				continue
			}
			i := int(op.Index % 16)
			added, err := m.Add(i, ref)
			require.NoError(t, err)
			require.Equal(t, !slices.Contains(model, ref), added)
			if added {
				model = slices.Insert(model, min(i, len(model)), ref)
			}
		}
		require.Equal(t, len(model), m.Count(), "seed %d", seed)
		require.True(t, slices.Equal(model, m.References()), "seed %d: want %v got %v", seed, model, m.References())
	}
}
