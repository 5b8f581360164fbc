package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"entitycore/internal/infra/persistence/document"
	"entitycore/internal/infra/persistence/memory"
	"entitycore/pkg/domain"
)

var (
	companyType = domain.NewEntityDescriptor("Company")
	personType  = domain.NewEntityDescriptor("Person")
	fixedNow    = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
)

func newDocumentStore(t *testing.T, opts ...document.Option) (*document.Store, *memory.Store) {
	t.Helper()
	backend := memory.NewStore()
	store, err := document.New(backend, opts...)
	require.NoError(t, err)
	return store, backend
}

func newTestFactory(t *testing.T, opts ...Option) (*UnitOfWorkFactory, *memory.Store) {
	t.Helper()
	store, backend := newDocumentStore(t)
	all := append([]Option{WithLogger(nil), WithClock(ClockFunc(func() time.Time { return fixedNow }))}, opts...)
	return NewUnitOfWorkFactory(store, all...), backend
}

func openUnitOfWork(t *testing.T, f *UnitOfWorkFactory) *UnitOfWork {
	t.Helper()
	uow, err := f.NewUnitOfWork(context.Background(), domain.DefaultUsecase)
	require.NoError(t, err)
	return uow
}

func createCompany(t *testing.T, f *UnitOfWorkFactory, ref domain.EntityReference, name string) {
	t.Helper()
	ctx := context.Background()
	uow := openUnitOfWork(t, f)
	st, err := uow.NewEntity(ctx, companyType, ref)
	require.NoError(t, err)
	require.NoError(t, st.SetProperty("name", name))
	require.NoError(t, uow.Complete(ctx))
}

func stringProperty(t *testing.T, st *domain.EntityState, name string) string {
	t.Helper()
	var v string
	ok, err := st.PropertyValue(name, &v)
	require.NoError(t, err)
	require.True(t, ok, "property %s missing", name)
	return v
}

type captureAuditRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *captureAuditRecorder) last() AuditEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[len(c.entries)-1]
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	calls     []metricsCall
	conflicts int
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

func (c *captureMetricsRecorder) ObserveConflict(_ context.Context, references int) {
	c.conflicts += references
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type captureTracer struct {
	ended []spanRecord
}

type spanRecord struct {
	op  string
	err error
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	return ctx, &captureSpan{tracer: c, op: op}
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, err: err})
}

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *captureLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+" "+line(msg, args))
}

func (l *captureLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.add("error", msg, args) }

// failingStore wraps an EntityStore and fails Prepare or Commit on demand.
type failingStore struct {
	domain.EntityStore
	prepareErr error
	commitErr  error
	cancelled  int
}

func (s *failingStore) Prepare(ctx context.Context, uow domain.StoreUnitOfWork, changes domain.Changes) (domain.StateCommitter, error) {
	if s.prepareErr != nil {
		return nil, s.prepareErr
	}
	c, err := s.EntityStore.Prepare(ctx, uow, changes)
	if err != nil {
		return nil, err
	}
	return &failingCommitter{StateCommitter: c, store: s}, nil
}

type failingCommitter struct {
	domain.StateCommitter
	store *failingStore
}

func (c *failingCommitter) Commit(ctx context.Context) error {
	if c.store.commitErr != nil {
		return c.store.commitErr
	}
	return c.StateCommitter.Commit(ctx)
}

func (c *failingCommitter) Cancel() {
	c.store.cancelled++
	c.StateCommitter.Cancel()
}
