package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsRecorder exports unit-of-work outcomes, durations and
// version conflicts. Metrics live in the recorder's own registry unless
// one is supplied.
type PrometheusMetricsRecorder struct {
	registry  *prometheus.Registry
	total     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	conflicts prometheus.Counter
}

// NewPrometheusMetricsRecorder registers the collectors with reg, or with a
// fresh registry when reg is nil.
func NewPrometheusMetricsRecorder(reg *prometheus.Registry) (*PrometheusMetricsRecorder, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &PrometheusMetricsRecorder{
		registry: reg,
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entitycore",
			Name:      "unit_of_work_total",
			Help:      "Unit-of-work operations by outcome.",
		}, []string{"operation", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "entitycore",
			Name:      "unit_of_work_duration_seconds",
			Help:      "Unit-of-work operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "entitycore",
			Name:      "concurrent_modifications_total",
			Help:      "Entity references reported in version conflicts.",
		}),
	}
	for _, c := range []prometheus.Collector{r.total, r.duration, r.conflicts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Registry returns the registry holding the recorder's collectors.
func (r *PrometheusMetricsRecorder) Registry() *prometheus.Registry { return r.registry }

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := string(AuditStatusError)
	if success {
		status = string(AuditStatusSuccess)
	}
	r.total.WithLabelValues(operation, status).Inc()
	r.duration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveConflict implements ConflictObserver.
func (r *PrometheusMetricsRecorder) ObserveConflict(_ context.Context, references int) {
	if references > 0 {
		r.conflicts.Add(float64(references))
	}
}
