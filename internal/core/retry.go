package core

import (
	"context"

	"entitycore/pkg/domain"
)

// RunInUnitOfWork runs fn in a fresh unit of work and completes it. When
// completion hits a version conflict the whole operation is retried in a new
// unit of work, up to MaxRetries times. Any other error is returned at once.
func (f *UnitOfWorkFactory) RunInUnitOfWork(ctx context.Context, usecase domain.Usecase, fn func(context.Context, *UnitOfWork) error) error {
	for attempt := 0; ; attempt++ {
		uow, err := f.NewUnitOfWork(ctx, usecase)
		if err != nil {
			return err
		}
		err = fn(ctx, uow)
		if err == nil {
			err = uow.Complete(ctx)
		}
		if err == nil {
			return nil
		}
		uow.Discard()
		if !domain.IsConcurrentModification(err) || attempt >= f.opts.maxRetries || ctx.Err() != nil {
			return err
		}
		f.opts.logger.Warn("retrying unit of work", "usecase", uow.Usecase().Name, "attempt", attempt+1, "references", domain.ConflictingReferences(err))
	}
}
