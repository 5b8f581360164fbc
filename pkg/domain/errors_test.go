package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"entitycore/pkg/domain"
)

func TestCompletionErrorUnwrapsConflict(t *testing.T) {
	cause := domain.ConcurrentEntityModificationError{References: []domain.EntityReference{"a", "b"}}
	err := fmt.Errorf("run: %w", domain.UnitOfWorkCompletionError{UnitOfWorkID: "u1", Cause: cause})

	var completion domain.UnitOfWorkCompletionError
	require.ErrorAs(t, err, &completion)
	var cem domain.ConcurrentEntityModificationError
	require.ErrorAs(t, err, &cem)
	require.True(t, domain.IsConcurrentModification(err))
	require.Equal(t, []domain.EntityReference{"a", "b"}, domain.ConflictingReferences(err))
	require.Contains(t, err.Error(), "[a, b]")
}

func TestNewEntityStoreErrorKeepsSpecificKinds(t *testing.T) {
	nf := domain.EntityNotFoundError{Reference: "x"}
	require.Equal(t, error(nf), domain.NewEntityStoreError("get", "x", nf))

	cm := domain.ConcurrentModificationError{References: []domain.EntityReference{"x"}}
	require.Equal(t, error(cm), domain.NewEntityStoreError("apply", "", cm))

	wrapped := domain.NewEntityStoreError("apply", "x", errors.New("disk full"))
	var se domain.EntityStoreError
	require.ErrorAs(t, wrapped, &se)
	require.Equal(t, "apply", se.Op)
	require.Nil(t, domain.NewEntityStoreError("apply", "x", nil))
	require.Equal(t, wrapped, domain.NewEntityStoreError("again", "", wrapped))
}

func TestSortReferencesDeduplicates(t *testing.T) {
	refs := domain.SortReferences([]domain.EntityReference{"c", "a", "c", "b", "a"})
	require.Equal(t, []domain.EntityReference{"a", "b", "c"}, refs)
}

func TestErrorMessages(t *testing.T) {
	require.Equal(t, "entity x not found", domain.EntityNotFoundError{Reference: "x"}.Error())
	require.Equal(t, "entity x already exists", domain.EntityAlreadyExistsError{Reference: "x"}.Error())
	require.Equal(t, "index 3 out of range [0,2)", domain.IndexOutOfRangeError{Index: 3, Count: 2}.Error())
	require.False(t, domain.IsNotFound(errors.New("other")))
	require.True(t, domain.IsAlreadyExists(fmt.Errorf("w: %w", domain.EntityAlreadyExistsError{Reference: "x"})))
}
