package core

import (
	"context"
	"strconv"
	"time"

	"entitycore/pkg/domain"
)

// UnitOfWorkStatus is the lifecycle position of a UnitOfWork.
type UnitOfWorkStatus int

const (
	UnitOfWorkOpen UnitOfWorkStatus = iota
	UnitOfWorkCompleting
	UnitOfWorkCommitted
	UnitOfWorkDiscarded
)

func (s UnitOfWorkStatus) String() string {
	switch s {
	case UnitOfWorkOpen:
		return "open"
	case UnitOfWorkCompleting:
		return "completing"
	case UnitOfWorkCommitted:
		return "committed"
	case UnitOfWorkDiscarded:
		return "discarded"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

type tracked struct {
	state *domain.EntityState
	store domain.EntityStore
	// created in this unit of work and never stored
	created bool
}

// UnitOfWork tracks the entity states read, created and removed by one
// logical operation and commits them atomically across stores. A UnitOfWork
// is not safe for concurrent use.
type UnitOfWork struct {
	factory   *UnitOfWorkFactory
	id        string
	usecase   domain.Usecase
	now       time.Time
	status    UnitOfWorkStatus
	tracked   map[domain.EntityReference]*tracked
	order     []domain.EntityReference
	sessions  map[domain.EntityStore]domain.StoreUnitOfWork
	stores    []domain.EntityStore
	callbacks []UnitOfWorkCallback
}

func (u *UnitOfWork) ID() string               { return u.id }
func (u *UnitOfWork) Usecase() domain.Usecase  { return u.usecase }
func (u *UnitOfWork) CurrentTime() time.Time   { return u.now }
func (u *UnitOfWork) Status() UnitOfWorkStatus { return u.status }
func (u *UnitOfWork) IsOpen() bool             { return u.status == UnitOfWorkOpen }

// Tracked returns the tracked states in the order they entered the unit of work.
func (u *UnitOfWork) Tracked() []*domain.EntityState {
	out := make([]*domain.EntityState, 0, len(u.order))
	for _, ref := range u.order {
		out = append(out, u.tracked[ref].state)
	}
	return out
}

func (u *UnitOfWork) checkOpen() error {
	if u.status != UnitOfWorkOpen {
		return domain.ErrUnitOfWorkClosed
	}
	return nil
}

func (u *UnitOfWork) session(ctx context.Context, store domain.EntityStore) (domain.StoreUnitOfWork, error) {
	if s, ok := u.sessions[store]; ok {
		return s, nil
	}
	s, err := store.NewUnitOfWork(ctx, u.usecase, u.now)
	if err != nil {
		return nil, err
	}
	u.sessions[store] = s
	u.stores = append(u.stores, store)
	return s, nil
}

func (u *UnitOfWork) track(ref domain.EntityReference, t *tracked) {
	if _, ok := u.tracked[ref]; !ok {
		u.order = append(u.order, ref)
	}
	u.tracked[ref] = t
}

func (u *UnitOfWork) untrack(ref domain.EntityReference) {
	delete(u.tracked, ref)
	for i, r := range u.order {
		if r == ref {
			u.order = append(u.order[:i], u.order[i+1:]...)
			return
		}
	}
}

// NewEntity creates NEW state of type desc. An empty ref is replaced by a
// generated identity.
func (u *UnitOfWork) NewEntity(ctx context.Context, desc domain.EntityDescriptor, ref domain.EntityReference) (*domain.EntityState, error) {
	if err := u.checkOpen(); err != nil {
		return nil, err
	}
	var err error
	if ref == "" {
		ref, err = domain.NewReference(u.factory.opts.ids)
	} else {
		ref, err = domain.NewEntityReference(string(ref))
	}
	if err != nil {
		return nil, err
	}
	if _, ok := u.tracked[ref]; ok {
		return nil, domain.EntityAlreadyExistsError{Reference: ref}
	}
	store, err := u.factory.storeFor(desc)
	if err != nil {
		return nil, err
	}
	sess, err := u.session(ctx, store)
	if err != nil {
		return nil, err
	}
	state, err := store.NewEntityState(sess, ref, desc)
	if err != nil {
		return nil, err
	}
	u.track(ref, &tracked{state: state, store: store, created: true})
	return state, nil
}

// Get returns the state of ref, loading it from the store desc routes to
// unless the unit of work already tracks it.
func (u *UnitOfWork) Get(ctx context.Context, desc domain.EntityDescriptor, ref domain.EntityReference) (*domain.EntityState, error) {
	if err := u.checkOpen(); err != nil {
		return nil, err
	}
	if t, ok := u.tracked[ref]; ok {
		if t.state.Status() == domain.StatusRemoved {
			return nil, domain.EntityNotFoundError{Reference: ref}
		}
		return t.state, nil
	}
	store, err := u.factory.storeFor(desc)
	if err != nil {
		return nil, err
	}
	sess, err := u.session(ctx, store)
	if err != nil {
		return nil, err
	}
	state, err := store.EntityStateOf(ctx, sess, ref)
	if err != nil {
		return nil, err
	}
	u.track(ref, &tracked{state: state, store: store})
	return state, nil
}

// Remove schedules ref for removal at completion.
func (u *UnitOfWork) Remove(ctx context.Context, desc domain.EntityDescriptor, ref domain.EntityReference) error {
	state, err := u.Get(ctx, desc, ref)
	if err != nil {
		return err
	}
	state.Remove()
	return nil
}

// Refresh reloads a tracked state from its store, dropping local changes.
// NEW states are returned as they are.
func (u *UnitOfWork) Refresh(ctx context.Context, ref domain.EntityReference) (*domain.EntityState, error) {
	if err := u.checkOpen(); err != nil {
		return nil, err
	}
	t, ok := u.tracked[ref]
	if !ok || t.state.Status() == domain.StatusRemoved {
		return nil, domain.EntityNotFoundError{Reference: ref}
	}
	if t.state.Status() == domain.StatusNew {
		return t.state, nil
	}
	sess, err := u.session(ctx, t.store)
	if err != nil {
		return nil, err
	}
	state, err := t.store.EntityStateOf(ctx, sess, ref)
	if err != nil {
		if domain.IsNotFound(err) {
			u.untrack(ref)
		}
		return nil, err
	}
	t.state = state
	return state, nil
}

// AddCallback registers cb for the completion of this unit of work.
func (u *UnitOfWork) AddCallback(cb UnitOfWorkCallback) error {
	if err := u.checkOpen(); err != nil {
		return err
	}
	if cb != nil {
		u.callbacks = append(u.callbacks, cb)
	}
	return nil
}

// Complete commits every change and closes the unit of work. On a version
// conflict the unit of work stays open so the caller can inspect it before
// discarding; any other store failure discards it.
func (u *UnitOfWork) Complete(ctx context.Context) error {
	return u.finish(ctx, "complete", true)
}

// Apply commits every change and keeps the unit of work open. Surviving
// states continue as LOADED at their new versions.
func (u *UnitOfWork) Apply(ctx context.Context) error {
	return u.finish(ctx, "apply", false)
}

// Discard abandons the unit of work. It is a no-op once the unit of work
// is closed.
func (u *UnitOfWork) Discard() {
	if u.status == UnitOfWorkCommitted || u.status == UnitOfWorkDiscarded {
		return
	}
	ctx := context.Background()
	ctx, span := u.factory.opts.tracer.Start(ctx, "discard")
	started := time.Now()
	u.discard()
	span.End(nil)
	u.factory.opts.metrics.Observe(ctx, "discard", true, time.Since(started))
	u.audit(ctx, "discard", nil, nil)
}

func (u *UnitOfWork) discard() {
	u.status = UnitOfWorkDiscarded
	u.release()
	for _, cb := range u.callbacks {
		cb.AfterCompletion(CallbackDiscarded)
	}
	u.factory.opts.logger.Debug("unit of work discarded", "id", u.id)
}

func (u *UnitOfWork) release() {
	u.tracked = make(map[domain.EntityReference]*tracked)
	u.order = nil
	u.sessions = make(map[domain.EntityStore]domain.StoreUnitOfWork)
	u.stores = nil
}

type batch struct {
	store   domain.EntityStore
	session domain.StoreUnitOfWork
	changes domain.Changes
}

// pending groups the tracked changes per store in first-touch order.
// States created and removed in this unit of work are skipped.
func (u *UnitOfWork) pending() []batch {
	byStore := make(map[domain.EntityStore]*domain.Changes, len(u.stores))
	for _, ref := range u.order {
		t := u.tracked[ref]
		c, ok := byStore[t.store]
		if !ok {
			c = &domain.Changes{}
			byStore[t.store] = c
		}
		switch t.state.Status() {
		case domain.StatusNew:
			c.New = append(c.New, t.state)
		case domain.StatusUpdated:
			c.Updated = append(c.Updated, t.state)
		case domain.StatusRemoved:
			if !t.created {
				c.Removed = append(c.Removed, t.state)
			}
		}
	}
	out := make([]batch, 0, len(byStore))
	for _, store := range u.stores {
		c, ok := byStore[store]
		if !ok || c.IsEmpty() {
			continue
		}
		out = append(out, batch{store: store, session: u.sessions[store], changes: *c})
	}
	return out
}

func (u *UnitOfWork) finish(ctx context.Context, operation string, closing bool) (err error) {
	if err := u.checkOpen(); err != nil {
		return err
	}
	o := u.factory.opts
	ctx, span := o.tracer.Start(ctx, operation)
	started := time.Now()
	var batches []batch
	defer func() {
		span.End(err)
		o.metrics.Observe(ctx, operation, err == nil, time.Since(started))
		u.audit(ctx, operation, batches, err)
	}()

	u.status = UnitOfWorkCompleting
	if closing {
		for _, cb := range u.callbacks {
			if cbErr := cb.BeforeCompletion(); cbErr != nil {
				u.status = UnitOfWorkOpen
				return domain.UnitOfWorkCompletionError{UnitOfWorkID: u.id, Cause: cbErr}
			}
		}
	}
	batches = u.pending()
	if commitErr := u.commit(ctx, batches); commitErr != nil {
		if domain.IsConcurrentModification(commitErr) || domain.IsAlreadyExists(commitErr) {
			u.status = UnitOfWorkOpen
			if refs := domain.ConflictingReferences(commitErr); len(refs) > 0 {
				o.logger.Warn("unit of work conflict", "id", u.id, "references", refs)
				if obs, ok := o.metrics.(ConflictObserver); ok {
					obs.ObserveConflict(ctx, len(refs))
				}
			}
		} else {
			o.logger.Error("unit of work failed", "id", u.id, "error", commitErr)
			u.discard()
		}
		return domain.UnitOfWorkCompletionError{UnitOfWorkID: u.id, Cause: commitErr}
	}

	if !closing {
		u.status = UnitOfWorkOpen
		u.settle()
		o.logger.Debug("unit of work applied", "id", u.id, "stores", len(batches))
		return nil
	}
	u.status = UnitOfWorkCommitted
	u.release()
	for _, cb := range u.callbacks {
		cb.AfterCompletion(CallbackCompleted)
	}
	o.logger.Debug("unit of work completed", "id", u.id, "stores", len(batches))
	return nil
}

// commit prepares every batch before committing any. Conflicts from all
// stores are collected into one error.
func (u *UnitOfWork) commit(ctx context.Context, batches []batch) error {
	committers := make([]domain.StateCommitter, 0, len(batches))
	cancelAll := func() {
		for _, c := range committers {
			c.Cancel()
		}
	}
	var conflicts []domain.EntityReference
	for _, b := range batches {
		c, err := b.store.Prepare(ctx, b.session, b.changes)
		if err != nil {
			if domain.IsConcurrentModification(err) {
				conflicts = append(conflicts, domain.ConflictingReferences(err)...)
				continue
			}
			cancelAll()
			return err
		}
		committers = append(committers, c)
	}
	if len(conflicts) > 0 {
		cancelAll()
		return domain.ConcurrentEntityModificationError{References: domain.SortReferences(conflicts)}
	}
	for i, c := range committers {
		if err := c.Commit(ctx); err != nil {
			cancelAll()
			if i > 0 {
				u.factory.opts.logger.Error("unit of work partially committed", "id", u.id, "committed_stores", i, "stores", len(committers))
			}
			if domain.IsConcurrentModification(err) {
				return domain.ConcurrentEntityModificationError{References: domain.ConflictingReferences(err)}
			}
			return err
		}
	}
	return nil
}

// settle drops removed states after Apply; the rest are now stored.
func (u *UnitOfWork) settle() {
	order := u.order[:0]
	for _, ref := range u.order {
		t := u.tracked[ref]
		if t.state.Status() == domain.StatusRemoved {
			delete(u.tracked, ref)
			continue
		}
		t.created = false
		order = append(order, ref)
	}
	u.order = order
}

func (u *UnitOfWork) audit(ctx context.Context, operation string, batches []batch, err error) {
	entry := AuditEntry{
		Operation:    operation,
		UnitOfWorkID: u.id,
		Usecase:      u.usecase.Name,
		Status:       AuditStatusSuccess,
		At:           u.factory.opts.clock.Now(),
	}
	for _, b := range batches {
		entry.New += len(b.changes.New)
		entry.Updated += len(b.changes.Updated)
		entry.Removed += len(b.changes.Removed)
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	u.factory.opts.audit.Record(ctx, entry)
}
