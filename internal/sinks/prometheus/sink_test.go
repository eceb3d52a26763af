// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package prometheus

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkeirstead/diagnostics/internal/counters"
)

func reading(name string, v counters.Value) counters.Reading {
	return counters.Reading{
		Timestamp:    time.Now(),
		Provider:     "System.Runtime",
		Name:         name,
		DisplayUnits: "ms",
		Interval:     time.Second,
		Value:        v,
	}
}

func TestSink_OnReading(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewSink(reg)
	require.NoError(t, err)
	require.NoError(t, sink.OnPipelineStarted(context.Background()))

	require.NoError(t, sink.OnReading(reading("cpu-usage", counters.Metric{Value: 12.5})))
	require.NoError(t, sink.OnReading(reading("cpu-usage", counters.Metric{Value: 40})))
	require.NoError(t, sink.OnReading(reading("alloc-rate", counters.Rate{Value: 3})))
	require.NoError(t, sink.OnReading(reading("latency", counters.Histogram{
		Quantiles: []counters.Quantile{{Percentile: 50, Value: 5}, {Percentile: 99, Value: 80}},
	})))
	require.NoError(t, sink.OnReading(reading("gc", counters.Error{Message: "boom"})))

	assert.Equal(t, 40.0, testutil.ToFloat64(sink.values.WithLabelValues("System.Runtime", "cpu-usage", "metric", "ms", "")))
	assert.Equal(t, 3.0, testutil.ToFloat64(sink.values.WithLabelValues("System.Runtime", "alloc-rate", "rate", "ms", "")))
	assert.Equal(t, 80.0, testutil.ToFloat64(sink.values.WithLabelValues("System.Runtime", "latency", "histogram", "ms", "0.99")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.errors.WithLabelValues("System.Runtime", "gc")))
	assert.Equal(t, 4, testutil.CollectAndCount(sink.values))

	require.NoError(t, sink.OnReading(reading("latency", counters.Ended{Reason: "instrument removed"})))
	assert.Equal(t, 2, testutil.CollectAndCount(sink.values))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := []string{}
	for _, mf := range mfs {
		names = append(names, mf.GetName())
	}
	assert.ElementsMatch(t, []string{"countermon_counter_value", "countermon_counter_errors_total"}, names)

	assert.Equal(t, uint64(6), sink.Health().ReadingsCount)

	sink.Reset()
	assert.Equal(t, 0, testutil.CollectAndCount(sink.values))
}

func TestNewSink_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewSink(reg)
	require.NoError(t, err)
	_, err = NewSink(reg)
	assert.Error(t, err)
}
