package core

import (
	"context"
	"sync"

	"entitycore/pkg/domain"
)

// UnitOfWorkFactory opens units of work and routes entity types to stores.
type UnitOfWorkFactory struct {
	mu           sync.RWMutex
	defaultStore domain.EntityStore
	stores       map[string]domain.EntityStore
	opts         options
}

// NewUnitOfWorkFactory returns a factory whose unregistered entity types use
// defaultStore. defaultStore may be nil when every type is registered.
func NewUnitOfWorkFactory(defaultStore domain.EntityStore, opts ...Option) *UnitOfWorkFactory {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &UnitOfWorkFactory{
		defaultStore: defaultStore,
		stores:       make(map[string]domain.EntityStore),
		opts:         o,
	}
}

// Register routes entities of type entityType to store.
func (f *UnitOfWorkFactory) Register(entityType string, store domain.EntityStore) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if store == nil {
		delete(f.stores, entityType)
		return
	}
	f.stores[entityType] = store
}

func (f *UnitOfWorkFactory) storeFor(desc domain.EntityDescriptor) (domain.EntityStore, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if s, ok := f.stores[desc.Type]; ok {
		return s, nil
	}
	if f.defaultStore == nil {
		return nil, domain.ErrNoEntityStore
	}
	return f.defaultStore, nil
}

// MaxRetries returns the conflict retry bound used by RunInUnitOfWork.
func (f *UnitOfWorkFactory) MaxRetries() int { return f.opts.maxRetries }

// NewUnitOfWork opens a unit of work stamped with the factory clock.
func (f *UnitOfWorkFactory) NewUnitOfWork(ctx context.Context, usecase domain.Usecase) (*UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := f.opts.ids.NextIdentity()
	if err != nil {
		return nil, err
	}
	if usecase.Name == "" {
		usecase = domain.DefaultUsecase
	}
	uow := &UnitOfWork{
		factory:  f,
		id:       id,
		usecase:  usecase,
		now:      f.opts.clock.Now(),
		status:   UnitOfWorkOpen,
		tracked:  make(map[domain.EntityReference]*tracked),
		sessions: make(map[domain.EntityStore]domain.StoreUnitOfWork),
	}
	f.opts.logger.Debug("unit of work opened", "id", id, "usecase", usecase.Name)
	return uow, nil
}
