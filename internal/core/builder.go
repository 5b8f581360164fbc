package core

import (
	"context"

	"entitycore/pkg/domain"
)

// EntityBuilder collects the initial properties and associations of a new
// entity. Nothing is tracked until NewInstance.
type EntityBuilder struct {
	uow   *UnitOfWork
	desc  domain.EntityDescriptor
	ref   domain.EntityReference
	steps []func(*domain.EntityState) error
}

// NewEntityBuilder starts a builder for an entity of type desc.
func (u *UnitOfWork) NewEntityBuilder(desc domain.EntityDescriptor) *EntityBuilder {
	return &EntityBuilder{uow: u, desc: desc}
}

// WithReference fixes the reference; otherwise one is generated.
func (b *EntityBuilder) WithReference(ref domain.EntityReference) *EntityBuilder {
	b.ref = ref
	return b
}

// Set records a property value.
func (b *EntityBuilder) Set(name string, value any) *EntityBuilder {
	b.steps = append(b.steps, func(s *domain.EntityState) error {
		return s.SetProperty(name, value)
	})
	return b
}

// Associate records a single-valued association.
func (b *EntityBuilder) Associate(name string, ref domain.EntityReference) *EntityBuilder {
	b.steps = append(b.steps, func(s *domain.EntityState) error {
		return s.SetAssociation(name, ref)
	})
	return b
}

// NewInstance creates the entity in the unit of work. If a recorded value
// cannot be applied the entity is not tracked.
func (b *EntityBuilder) NewInstance(ctx context.Context) (*domain.EntityState, error) {
	u := b.uow
	if err := u.checkOpen(); err != nil {
		return nil, err
	}
	state, err := u.NewEntity(ctx, b.desc, b.ref)
	if err != nil {
		return nil, err
	}
	for _, step := range b.steps {
		if err := step(state); err != nil {
			u.untrack(state.Reference())
			return nil, err
		}
	}
	return state, nil
}
