package main

import (
	"fmt"
	"io"
	"os"

	"github.com/prometheus/common/expfmt"

	"entitycore/internal/core"
)

// observers holds the optional metrics recorder and tracer of a copy.
type observers struct {
	metrics *core.PrometheusMetricsRecorder
	trace   *os.File
	tracer  *core.JSONTraceTracer
}

func newObservers(metrics bool, tracePath string) (*observers, error) {
	o := &observers{}
	if metrics {
		rec, err := core.NewPrometheusMetricsRecorder(nil)
		if err != nil {
			return nil, err
		}
		o.metrics = rec
	}
	if tracePath != "" {
		// #nosec G304 -- path is given by the operator
		f, err := os.Create(tracePath)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		o.trace = f
		o.tracer = core.NewJSONTracer(f)
	}
	return o, nil
}

func (o *observers) options() []core.Option {
	var opts []core.Option
	if o.metrics != nil {
		opts = append(opts, core.WithMetricsRecorder(o.metrics))
	}
	if o.tracer != nil {
		opts = append(opts, core.WithTracer(o.tracer))
	}
	return opts
}

// report writes the gathered metric families, if metrics are enabled.
func (o *observers) report(w io.Writer) error {
	if o.metrics == nil {
		return nil
	}
	families, err := o.metrics.Registry().Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func (o *observers) Close() error {
	if o.trace == nil {
		return nil
	}
	return o.trace.Close()
}
