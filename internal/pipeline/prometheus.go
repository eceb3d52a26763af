// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipeline

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kkeirstead/diagnostics/internal/counters"
	"github.com/kkeirstead/diagnostics/internal/session"
)

const metricsNamespace = "countermon"

// PrometheusObserver exports pipeline activity as Prometheus metrics.
type PrometheusObserver struct {
	subscriptions      prometheus.Gauge
	runActive          prometheus.Gauge
	removed            *prometheus.CounterVec
	runs               *prometheus.CounterVec
	delivered          *prometheus.CounterVec
	sinkFailures       *prometheus.CounterVec
	extractionFailures prometheus.Counter
}

// NewPrometheusObserver creates a PrometheusObserver and registers its
// collectors on reg.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "subscriptions",
			Help:      "Number of registered subscriptions.",
		}),
		runActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "run_active",
			Help:      "Whether a pipeline run is in progress.",
		}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "subscriptions_removed_total",
			Help:      "Subscriptions removed, by reason.",
		}, []string{"reason"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Completed pipeline runs, by result.",
		}, []string{"result"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "readings_delivered_total",
			Help:      "Readings accepted by sinks, by sink and reading kind.",
		}, []string{"sink", "kind"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "sink_failures_total",
			Help:      "Sink calls that returned an error or panicked.",
		}, []string{"sink"}),
		extractionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "extraction_failures_total",
			Help:      "Events dropped because their payload was malformed.",
		}),
	}

	for _, c := range []prometheus.Collector{
		o.subscriptions, o.runActive, o.removed, o.runs,
		o.delivered, o.sinkFailures, o.extractionFailures,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
		}
	}
	return o, nil
}

func (o *PrometheusObserver) SubscriptionAdded(SubscriptionInfo) {
	o.subscriptions.Inc()
}

func (o *PrometheusObserver) SubscriptionRemoved(_ string, reason RemovalReason) {
	o.subscriptions.Dec()
	o.removed.WithLabelValues(string(reason)).Inc()
}

func (o *PrometheusObserver) RunStarted(session.Configuration) {
	o.runActive.Set(1)
}

func (o *PrometheusObserver) RunEnded(err error) {
	o.runActive.Set(0)
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.runs.WithLabelValues(result).Inc()
}

func (o *PrometheusObserver) ReadingDelivered(_, sink string, r counters.Reading) {
	o.delivered.WithLabelValues(sink, r.Kind().String()).Inc()
}

func (o *PrometheusObserver) ExtractionFailed(string, session.TraceEvent, error) {
	o.extractionFailures.Inc()
}

func (o *PrometheusObserver) SinkFailed(_, sink string, _ error) {
	o.sinkFailures.WithLabelValues(sink).Inc()
}
