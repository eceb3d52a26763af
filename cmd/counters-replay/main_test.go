// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kkeirstead/diagnostics/internal/counters"
	"github.com/kkeirstead/diagnostics/internal/trigger"
)

func TestParseProviders(t *testing.T) {
	assert.Empty(t, parseProviders(""))
	assert.Equal(t, []counters.ProviderSpec{
		{Name: "System.Runtime", Counters: []string{"cpu-usage", "working-set"}},
		{Name: "Shop.Orders"},
	}, parseProviders(" System.Runtime=cpu-usage| working-set , Shop.Orders,"))
}

func TestReadingOutput(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	out := readingOutput(counters.Reading{
		Timestamp:    ts,
		Provider:     "System.Runtime",
		Name:         "cpu-usage",
		DisplayUnits: "%",
		Value:        counters.Metric{Value: 42},
	})
	assert.Equal(t, "metric", out.Kind)
	require.NotNil(t, out.Value)
	assert.Equal(t, 42.0, *out.Value)

	out = readingOutput(counters.Reading{
		Timestamp: ts,
		Provider:  "Shop",
		Name:      "latency",
		Value: counters.Histogram{Quantiles: []counters.Quantile{
			{Percentile: 50, Value: 10}, {Percentile: 99.9, Value: 80},
		}},
	})
	assert.Equal(t, map[string]float64{"p50": 10, "p99.9": 80}, out.Quantiles)

	out = readingOutput(counters.Reading{Timestamp: ts, Value: counters.Error{Message: "boom"}})
	assert.Equal(t, "error", out.Kind)
	assert.Equal(t, "boom", out.Message)
	assert.Nil(t, out.Value)
}

func TestLoadTrigger(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cpu.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`kind: Trigger
name: cpu-hot
spec:
  eventCounter:
    providerName: System.Runtime
    counterName: cpu-usage
    greaterThan: 90
    slidingWindowDuration: 10s
    counterInterval: 1s
`), 0644))

	logger := zapr.NewLogger(zaptest.NewLogger(t))
	noop := func(context.Context, trigger.Notification) {}
	sink, err := loadTrigger(path, logger, noop)
	require.NoError(t, err)
	assert.Equal(t, "trigger/cpu-hot", sink.Name())
	assert.Equal(t, time.Second, sink.FilterSpec().Interval)

	subPath := filepath.Join(dir, "sub.yaml")
	require.NoError(t, os.WriteFile(subPath, []byte(`{kind: Subscription, name: s, spec: {filter: {interval: 1s}}}`), 0644))
	_, err = loadTrigger(subPath, logger, noop)
	assert.Error(t, err)

	_, err = loadTrigger(filepath.Join(dir, "missing.yaml"), logger, noop)
	assert.Error(t, err)
}
