package core

import (
	"context"
	"fmt"
	"time"

	"github.com/untillpro/goutils/logger"

	"entitycore/pkg/domain"
)

// Clock supplies the current time of new units of work.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock. A nil ClockFunc uses the system
// clock. Times are returned in UTC.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time {
	if f == nil {
		return time.Now().UTC()
	}
	return f().UTC()
}

// Logger is the structured logger used by the unit-of-work coordinator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// GoutilsLogger forwards to the process-wide goutils logger; Debug maps to
// Verbose. Args are key/value pairs.
type GoutilsLogger struct{}

func (GoutilsLogger) Debug(msg string, args ...any) { logger.Verbose(line(msg, args)) }
func (GoutilsLogger) Info(msg string, args ...any)  { logger.Info(line(msg, args)) }
func (GoutilsLogger) Warn(msg string, args ...any)  { logger.Warning(line(msg, args)) }
func (GoutilsLogger) Error(msg string, args ...any) { logger.Error(line(msg, args)) }

func line(msg string, args []any) string {
	out := msg
	for i := 0; i+1 < len(args); i += 2 {
		out += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}
	if len(args)%2 == 1 {
		out += fmt.Sprintf(" %v", args[len(args)-1])
	}
	return out
}

// MetricsRecorder observes unit-of-work operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// ConflictObserver is implemented by recorders that count version conflicts.
type ConflictObserver interface {
	ObserveConflict(ctx context.Context, references int)
}

// Tracer starts a span per unit-of-work operation.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended with the operation result.
type TraceSpan interface {
	End(err error)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// AuditStatus is the outcome recorded in an AuditEntry.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one completed, applied or discarded unit of work.
type AuditEntry struct {
	Operation    string
	UnitOfWorkID string
	Usecase      string
	Status       AuditStatus
	New          int
	Updated      int
	Removed      int
	Error        string
	At           time.Time
}

// AuditRecorder receives an entry per finished unit-of-work operation.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

// DefaultMaxRetries bounds RunInUnitOfWork retries on version conflicts.
const DefaultMaxRetries = 3

type options struct {
	clock      Clock
	logger     Logger
	metrics    MetricsRecorder
	tracer     Tracer
	audit      AuditRecorder
	ids        domain.IdentityGenerator
	maxRetries int
}

func defaultOptions() options {
	return options{
		clock:      ClockFunc(nil),
		logger:     GoutilsLogger{},
		metrics:    noopMetrics{},
		tracer:     noopTracer{},
		audit:      noopAudit{},
		ids:        domain.UUIDGenerator{},
		maxRetries: DefaultMaxRetries,
	}
}

// Option configures a UnitOfWorkFactory.
type Option func(*options)

// WithClock overrides the clock stamping new units of work.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger overrides the logger. A nil logger silences logging.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l == nil {
			l = noopLogger{}
		}
		o.logger = l
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithAuditRecorder sets the audit sink.
func WithAuditRecorder(a AuditRecorder) Option {
	return func(o *options) {
		if a != nil {
			o.audit = a
		}
	}
}

// WithIdentityGenerator sets the generator for unit-of-work ids and for
// references of entities created without one.
func WithIdentityGenerator(g domain.IdentityGenerator) Option {
	return func(o *options) {
		if g != nil {
			o.ids = g
		}
	}
}

// WithMaxRetries bounds RunInUnitOfWork retries; negative values are
// treated as zero.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n < 0 {
			n = 0
		}
		o.maxRetries = n
	}
}
