// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package prometheus exposes the latest reading of every counter as a
// Prometheus gauge.
package prometheus

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kkeirstead/diagnostics/internal/counters"
)

const (
	sinkName = "prometheus"

	namespace = "countermon"
)

// Sink mirrors readings into gauges registered on a caller-supplied
// registerer. Metric and rate readings set the value; histogram readings set
// one series per quantile; Ended readings drop the counter's series.
type Sink struct {
	values *prometheus.GaugeVec
	errors *prometheus.CounterVec

	readings    atomic.Uint64
	errorsCount atomic.Uint64
	lastError   atomic.Pointer[error]
}

// NewSink registers the sink's collectors on reg.
func NewSink(reg prometheus.Registerer) (*Sink, error) {
	s := &Sink{
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "counter_value",
			Help:      "Latest value reported for a counter or instrument.",
		}, []string{"provider", "counter", "kind", "units", "quantile"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_errors_total",
			Help:      "Error readings reported for a counter or instrument.",
		}, []string{"provider", "counter"}),
	}

	for _, c := range []prometheus.Collector{s.values, s.errors} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register prometheus sink collectors: %w", err)
		}
	}
	return s, nil
}

func (s *Sink) Name() string {
	return sinkName
}

func (s *Sink) OnPipelineStarted(ctx context.Context) error {
	return nil
}

func (s *Sink) OnReading(r counters.Reading) error {
	switch v := r.Value.(type) {
	case counters.Metric:
		s.values.WithLabelValues(r.Provider, r.Name, r.Kind().String(), r.DisplayUnits, "").Set(v.Value)
	case counters.Rate:
		s.values.WithLabelValues(r.Provider, r.Name, r.Kind().String(), r.DisplayUnits, "").Set(v.Value)
	case counters.Histogram:
		for _, q := range v.Quantiles {
			s.values.WithLabelValues(r.Provider, r.Name, r.Kind().String(), r.DisplayUnits,
				strconv.FormatFloat(q.Percentile/100, 'f', -1, 64)).Set(q.Value)
		}
	case counters.Error:
		s.errors.WithLabelValues(r.Provider, r.Name).Inc()
	case counters.Ended:
		s.forget(r.Provider, r.Name)
	default:
		err := fmt.Errorf("%s: unsupported reading kind %s", sinkName, r.Kind())
		s.errorsCount.Add(1)
		s.lastError.Store(&err)
		return err
	}
	s.readings.Add(1)
	return nil
}

// OnPipelineStopped keeps the last values so scrapes after a run still see
// them.
func (s *Sink) OnPipelineStopped(ctx context.Context) error {
	return nil
}

// Reset removes every series.
func (s *Sink) Reset() {
	s.values.Reset()
	s.errors.Reset()
}

func (s *Sink) forget(provider, name string) {
	s.values.DeletePartialMatch(prometheus.Labels{"provider": provider, "counter": name})
}

func (s *Sink) Health() counters.SinkHealth {
	var lastErr error
	if errPtr := s.lastError.Load(); errPtr != nil {
		lastErr = *errPtr
	}
	return counters.SinkHealth{
		Healthy:       true,
		LastError:     lastErr,
		ReadingsCount: s.readings.Load(),
		ErrorsCount:   s.errorsCount.Load(),
	}
}

var (
	_ counters.Sink           = (*Sink)(nil)
	_ counters.HealthReporter = (*Sink)(nil)
)
