package document

import (
	"context"

	"entitycore/pkg/domain"
)

// ChangeKind classifies one write of a batch.
type ChangeKind int

const (
	ChangeNew ChangeKind = iota
	ChangeUpdate
	ChangeRemove
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeNew:
		return "new"
	case ChangeUpdate:
		return "update"
	case ChangeRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is one document write. ExpectedVersion is the version the writer
// loaded; Document is nil for removals.
type Change struct {
	Kind            ChangeKind
	Reference       domain.EntityReference
	ExpectedVersion domain.Version
	Document        *domain.EntityDocument
}

// MapStore is the storage medium under the document store: a map from
// reference to document.
//
// ApplyChanges must be atomic with respect to readers and must re-check every
// expected version as part of the write. A new document whose reference
// exists fails with EntityAlreadyExistsError; version mismatches and missing
// documents for updates or removals fail with one ConcurrentModificationError
// naming every conflicting reference. Other failures are EntityStoreError.
type MapStore interface {
	// Get returns the stored document or EntityNotFoundError.
	Get(ctx context.Context, ref domain.EntityReference) (*domain.EntityDocument, error)
	ApplyChanges(ctx context.Context, changes []Change) error
	// Visit calls fn for every stored document.
	Visit(ctx context.Context, fn func(*domain.EntityDocument) error) error
}

// References returns the references touched by changes.
func References(changes []Change) []domain.EntityReference {
	out := make([]domain.EntityReference, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Reference)
	}
	return out
}

// CheckVersions validates changes against the current versions reported by
// lookup, which returns false for absent references. It is shared by map
// stores that check inside their own transaction.
func CheckVersions(changes []Change, lookup func(domain.EntityReference) (domain.Version, bool, error)) error {
	var conflicts []domain.EntityReference
	for _, c := range changes {
		current, ok, err := lookup(c.Reference)
		if err != nil {
			return domain.NewEntityStoreError("check version", c.Reference, err)
		}
		switch c.Kind {
		case ChangeNew:
			if ok {
				return domain.EntityAlreadyExistsError{Reference: c.Reference}
			}
		default:
			if !ok || current != c.ExpectedVersion {
				conflicts = append(conflicts, c.Reference)
			}
		}
	}
	if len(conflicts) > 0 {
		return domain.ConcurrentModificationError{References: domain.SortReferences(conflicts)}
	}
	return nil
}
