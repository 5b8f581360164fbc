package domain

import (
	"context"
	"time"
)

// CacheOptions controls whether a store may cache entity state read, written
// or created in a unit of work.
type CacheOptions struct {
	CacheOnRead  bool
	CacheOnWrite bool
	CacheOnNew   bool
}

var (
	// CacheAlways enables every cache path.
	CacheAlways = CacheOptions{CacheOnRead: true, CacheOnWrite: true, CacheOnNew: true}
	// CacheNever bypasses the cache, e.g. for bulk maintenance.
	CacheNever = CacheOptions{}
)

// Usecase labels a unit of work and carries its caching policy.
type Usecase struct {
	Name         string
	CacheOptions CacheOptions
}

// NewUsecase returns a usecase named name that caches everything.
func NewUsecase(name string) Usecase {
	return Usecase{Name: name, CacheOptions: CacheAlways}
}

// DefaultUsecase is used when a caller does not name one.
var DefaultUsecase = NewUsecase("default")

// StoreUnitOfWork is the opaque per-store session token of a unit of work.
type StoreUnitOfWork interface {
	ID() string
	Usecase() Usecase
	CurrentTime() time.Time
}

// Changes is the batch a unit of work hands to one store for application.
// Removed carries whole states so the store can check the versions they
// were loaded with.
type Changes struct {
	New     []*EntityState
	Updated []*EntityState
	Removed []*EntityState
}

// IsEmpty reports whether the batch holds nothing.
func (c Changes) IsEmpty() bool {
	return len(c.New) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// RemovedReferences returns the references scheduled for removal.
func (c Changes) RemovedReferences() []EntityReference {
	out := make([]EntityReference, 0, len(c.Removed))
	for _, s := range c.Removed {
		out = append(out, s.Reference())
	}
	return out
}

// StateVisitor receives every stored state during VisitEntityStates.
// Returning ErrStopVisit ends the walk without error.
type StateVisitor func(*EntityState) error

// StateCommitter is the second phase of a prepared batch.
type StateCommitter interface {
	// Commit makes the batch durable. Readers never observe part of it.
	Commit(ctx context.Context) error
	// Cancel abandons the batch. It never fails.
	Cancel()
}

// EntityStore abstracts a storage medium. Stores hold no per-unit-of-work
// locks; consistency is enforced at Prepare by comparing versions.
type EntityStore interface {
	NewUnitOfWork(ctx context.Context, usecase Usecase, now time.Time) (StoreUnitOfWork, error)
	// NewEntityState allocates NEW state that is not visible to other readers.
	NewEntityState(uow StoreUnitOfWork, ref EntityReference, descriptor EntityDescriptor) (*EntityState, error)
	// EntityStateOf loads state, returning EntityNotFoundError when ref does not resolve.
	EntityStateOf(ctx context.Context, uow StoreUnitOfWork, ref EntityReference) (*EntityState, error)
	// Prepare validates the batch without making it durable.
	Prepare(ctx context.Context, uow StoreUnitOfWork, changes Changes) (StateCommitter, error)
	// VisitEntityStates streams every stored state. The walk may be a weakly
	// consistent snapshot.
	VisitEntityStates(ctx context.Context, visitor StateVisitor) error
}
