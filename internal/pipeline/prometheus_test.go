// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipeline

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkeirstead/diagnostics/internal/counters"
	"github.com/kkeirstead/diagnostics/internal/session"
)

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewPrometheusObserver(reg)
	require.NoError(t, err)

	o.SubscriptionAdded(SubscriptionInfo{ID: "a"})
	o.SubscriptionAdded(SubscriptionInfo{ID: "b"})
	o.SubscriptionRemoved("a", ReasonExpired)
	assert.Equal(t, 1.0, testutil.ToFloat64(o.subscriptions))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.removed.WithLabelValues("expired")))

	o.RunStarted(session.Configuration{})
	assert.Equal(t, 1.0, testutil.ToFloat64(o.runActive))
	o.RunEnded(errors.New("dropped"))
	assert.Equal(t, 0.0, testutil.ToFloat64(o.runActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.runs.WithLabelValues("error")))

	o.ReadingDelivered("b", "debug", counters.Reading{Value: counters.Rate{Value: 1}})
	o.ReadingDelivered("b", "debug", counters.Reading{Value: counters.Rate{Value: 2}})
	assert.Equal(t, 2.0, testutil.ToFloat64(o.delivered.WithLabelValues("debug", counters.KindRate.String())))

	o.SinkFailed("b", "kafka", errors.New("broker down"))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.sinkFailures.WithLabelValues("kafka")))

	o.ExtractionFailed("b", session.TraceEvent{}, counters.ErrMalformedPayload)
	assert.Equal(t, 1.0, testutil.ToFloat64(o.extractionFailures))

	_, err = NewPrometheusObserver(reg)
	assert.Error(t, err, "registering twice must fail")
}
