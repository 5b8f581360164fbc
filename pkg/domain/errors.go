package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrEmptyReference is returned when an identity string is blank.
	ErrEmptyReference = errors.New("entitycore: empty entity reference")
	// ErrEntityRemoved is returned when mutating state that has been marked removed.
	ErrEntityRemoved = errors.New("entitycore: entity state is removed")
	// ErrUnitOfWorkClosed is returned when a completed or discarded unit of work is used.
	ErrUnitOfWorkClosed = errors.New("entitycore: unit of work is closed")
	// ErrNoEntityStore is returned when no store is registered for an entity type.
	ErrNoEntityStore = errors.New("entitycore: no entity store for type")
	// ErrCommitterClosed is returned when a committer is used after commit or cancel.
	ErrCommitterClosed = errors.New("entitycore: state committer already closed")
	// ErrStopVisit stops VisitEntityStates without reporting an error.
	ErrStopVisit = errors.New("entitycore: stop visit")
)

// EntityNotFoundError reports a reference that does not resolve in a store.
type EntityNotFoundError struct {
	Reference EntityReference
}

func (e EntityNotFoundError) Error() string {
	return fmt.Sprintf("entity %s not found", e.Reference)
}

// EntityAlreadyExistsError reports a new entity whose reference is already stored.
type EntityAlreadyExistsError struct {
	Reference EntityReference
}

func (e EntityAlreadyExistsError) Error() string {
	return fmt.Sprintf("entity %s already exists", e.Reference)
}

// ConcurrentModificationError is returned by a store when the stored versions
// of one or more references no longer match the versions a unit of work loaded.
type ConcurrentModificationError struct {
	References []EntityReference
}

func (e ConcurrentModificationError) Error() string {
	return "concurrent modification of " + joinReferences(e.References)
}

// ConcurrentEntityModificationError is the unit-of-work level conflict naming
// every conflicting entity across all stores touched by the unit of work.
type ConcurrentEntityModificationError struct {
	References []EntityReference
}

func (e ConcurrentEntityModificationError) Error() string {
	return "concurrent entity modification of " + joinReferences(e.References)
}

// EntityStoreError wraps backend I/O, serialization and invariant failures.
type EntityStoreError struct {
	Op        string
	Reference EntityReference
	Err       error
}

func (e EntityStoreError) Error() string {
	if e.Reference != "" {
		return fmt.Sprintf("entity store %s %s: %v", e.Op, e.Reference, e.Err)
	}
	return fmt.Sprintf("entity store %s: %v", e.Op, e.Err)
}

func (e EntityStoreError) Unwrap() error { return e.Err }

// NewEntityStoreError wraps err unless it already carries a more specific kind
// (not found, already exists, conflict, store error) which is returned as is.
func NewEntityStoreError(op string, ref EntityReference, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) || IsAlreadyExists(err) || IsConcurrentModification(err) {
		return err
	}
	var se EntityStoreError
	if errors.As(err, &se) {
		return err
	}
	return EntityStoreError{Op: op, Reference: ref, Err: err}
}

// IndexOutOfRangeError reports association access outside [0, Count).
type IndexOutOfRangeError struct {
	Index int
	Count int
}

func (e IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("index %d out of range [0,%d)", e.Index, e.Count)
}

// UnitOfWorkCompletionError is returned by Complete and Apply when completion
// fails. Cause carries the specific failure.
type UnitOfWorkCompletionError struct {
	UnitOfWorkID string
	Cause        error
}

func (e UnitOfWorkCompletionError) Error() string {
	return fmt.Sprintf("unit of work %s: completion failed: %v", e.UnitOfWorkID, e.Cause)
}

func (e UnitOfWorkCompletionError) Unwrap() error { return e.Cause }

// IsNotFound reports whether err is or wraps an EntityNotFoundError.
func IsNotFound(err error) bool {
	var nf EntityNotFoundError
	return errors.As(err, &nf)
}

// IsAlreadyExists reports whether err is or wraps an EntityAlreadyExistsError.
func IsAlreadyExists(err error) bool {
	var ae EntityAlreadyExistsError
	return errors.As(err, &ae)
}

// IsConcurrentModification reports whether err carries a version conflict at
// either the store or the unit-of-work level.
func IsConcurrentModification(err error) bool {
	var cm ConcurrentModificationError
	if errors.As(err, &cm) {
		return true
	}
	var cem ConcurrentEntityModificationError
	return errors.As(err, &cem)
}

// ConflictingReferences extracts the conflicting references carried by err.
func ConflictingReferences(err error) []EntityReference {
	var cem ConcurrentEntityModificationError
	if errors.As(err, &cem) {
		return cem.References
	}
	var cm ConcurrentModificationError
	if errors.As(err, &cm) {
		return cm.References
	}
	return nil
}

// SortReferences orders refs in place and drops duplicates.
func SortReferences(refs []EntityReference) []EntityReference {
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	out := refs[:0]
	for i, r := range refs {
		if i > 0 && r == refs[i-1] {
			continue
		}
		out = append(out, r)
	}
	return out
}

func joinReferences(refs []EntityReference) string {
	parts := make([]string, len(refs))
	for i, r := range refs {
		parts[i] = string(r)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
