// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package counters_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkeirstead/diagnostics/internal/counters"
	"github.com/kkeirstead/diagnostics/internal/session"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func counterEvent(provider string, fields map[string]any) session.TraceEvent {
	base := map[string]any{
		"Series":       "Interval=1",
		"Name":         "cpu-usage",
		"Metadata":     "",
		"IntervalSec":  1.0,
		"DisplayName":  "CPU Usage",
		"DisplayUnits": "%",
		"CounterType":  "Mean",
		"Mean":         42.5,
	}
	for k, v := range fields {
		if v == nil {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	return session.TraceEvent{
		ProviderName: provider,
		EventName:    counters.EventCountersEventName,
		Timestamp:    testTime,
		Payload:      map[string]any{"Payload": base},
	}
}

func instrumentEvent(name string, payload map[string]any) session.TraceEvent {
	return session.TraceEvent{
		ProviderName: session.MetricsProviderName,
		EventName:    name,
		Timestamp:    testTime,
		Payload:      payload,
	}
}

func TestExtract_EventCounterMean(t *testing.T) {
	f := mustFilter(t, counters.FilterSpec{
		Interval:  time.Second,
		Providers: []counters.ProviderSpec{{Name: "System.Runtime"}},
	})

	r, ok, err := counters.Extract(counterEvent("System.Runtime", map[string]any{
		"Metadata": "pod:web-0,ns:prod",
	}), f, counters.InstrumentSession{})
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, testTime, r.Timestamp)
	assert.Equal(t, "System.Runtime", r.Provider)
	assert.Equal(t, "cpu-usage", r.Name)
	assert.Equal(t, "CPU Usage", r.DisplayName)
	assert.Equal(t, "%", r.DisplayUnits)
	assert.Equal(t, time.Second, r.Interval)
	assert.Equal(t, counters.KindMetric, r.Kind())
	assert.Equal(t, counters.Metric{Value: 42.5}, r.Value)
	assert.Equal(t, []counters.Label{{Key: "pod", Value: "web-0"}, {Key: "ns", Value: "prod"}}, r.Metadata())
}

func TestExtract_EventCounterSum(t *testing.T) {
	f := mustFilter(t, counters.FilterSpec{Interval: time.Second})

	r, ok, err := counters.Extract(counterEvent("MyApp", map[string]any{
		"Name":         "requests",
		"CounterType":  "Sum",
		"Increment":    7.0,
		"DisplayUnits": "",
		"Mean":         nil,
	}), f, counters.InstrumentSession{})
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, counters.KindRate, r.Kind())
	assert.Equal(t, counters.Rate{Value: 7}, r.Value)
	assert.Equal(t, "count", r.DisplayUnits)
}

func TestExtract_MalformedMetadataStillExtracts(t *testing.T) {
	f := mustFilter(t, counters.FilterSpec{Interval: time.Second})

	r, ok, err := counters.Extract(counterEvent("MyApp", map[string]any{
		"Metadata": "url:http://host,b:1",
	}), f, counters.InstrumentSession{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, r.Metadata())
	assert.Equal(t, counters.Metric{Value: 42.5}, r.Value)
}

func TestExtract_NotApplicable(t *testing.T) {
	f := mustFilter(t, counters.FilterSpec{
		Interval:  time.Second,
		Providers: []counters.ProviderSpec{{Name: "System.Runtime", Counters: []string{"cpu-usage"}}},
	})

	tests := []struct {
		name string
		ev   session.TraceEvent
	}{
		{
			name: "other event name",
			ev:   session.TraceEvent{ProviderName: "System.Runtime", EventName: "GCStart"},
		},
		{
			name: "interval mismatch",
			ev:   counterEvent("System.Runtime", map[string]any{"Series": "Interval=5"}),
		},
		{
			name: "series without interval",
			ev:   counterEvent("System.Runtime", map[string]any{"Series": "session-a"}),
		},
		{
			name: "unselected counter",
			ev:   counterEvent("System.Runtime", map[string]any{"Name": "gc-heap-size"}),
		},
		{
			name: "unregistered provider",
			ev:   counterEvent("Other", nil),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := counters.Extract(tt.ev, f, counters.InstrumentSession{})
			assert.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestExtract_MalformedPayload(t *testing.T) {
	f := mustFilter(t, counters.FilterSpec{Interval: time.Second})

	tests := []struct {
		name string
		ev   session.TraceEvent
	}{
		{
			name: "missing nested payload",
			ev: session.TraceEvent{
				ProviderName: "MyApp",
				EventName:    counters.EventCountersEventName,
				Payload:      map[string]any{},
			},
		},
		{
			name: "nested payload wrong type",
			ev: session.TraceEvent{
				ProviderName: "MyApp",
				EventName:    counters.EventCountersEventName,
				Payload:      map[string]any{"Payload": "oops"},
			},
		},
		{
			name: "missing name",
			ev:   counterEvent("MyApp", map[string]any{"Name": nil}),
		},
		{
			name: "mean of wrong type",
			ev:   counterEvent("MyApp", map[string]any{"Mean": []int{1}}),
		},
		{
			name: "unknown counter type",
			ev:   counterEvent("MyApp", map[string]any{"CounterType": "Max"}),
		},
		{
			name: "missing interval",
			ev:   counterEvent("MyApp", map[string]any{"IntervalSec": nil}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := counters.Extract(tt.ev, f, counters.InstrumentSession{})
			assert.ErrorIs(t, err, counters.ErrMalformedPayload)
			assert.False(t, ok)
		})
	}
}

func TestExtract_ProviderRestrictedToInstruments(t *testing.T) {
	f := mustFilter(t, counters.FilterSpec{
		Interval:  time.Second,
		Providers: []counters.ProviderSpec{{Name: "MyApp", Type: counters.MetricsTypeInstrument}},
	})

	_, ok, err := counters.Extract(counterEvent("MyApp", nil), f, counters.InstrumentSession{})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestExtract_Instruments(t *testing.T) {
	const sessionID = "3f1c"
	f := mustFilter(t, counters.FilterSpec{
		Interval:  2 * time.Second,
		Providers: []counters.ProviderSpec{{Name: "Shop.Orders", Type: counters.MetricsTypeInstrument}},
	})
	instruments := counters.InstrumentSession{ID: sessionID, RefreshInterval: 2 * time.Second}

	t.Run("gauge", func(t *testing.T) {
		r, ok, err := counters.Extract(instrumentEvent(counters.GaugeValuePublishedEvent, map[string]any{
			"sessionId":      sessionID,
			"meterName":      "Shop.Orders",
			"instrumentName": "queue-depth",
			"unit":           "items",
			"tags":           "region=eu,tier=gold",
			"lastValue":      "12.5",
		}), f, instruments)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "Shop.Orders", r.Provider)
		assert.Equal(t, "queue-depth", r.Name)
		assert.Equal(t, "items", r.DisplayUnits)
		assert.Equal(t, 2*time.Second, r.Interval)
		assert.Equal(t, counters.Metric{Value: 12.5}, r.Value)
		assert.Equal(t, map[string]string{"region": "eu", "tier": "gold"}, r.MetadataMap())
	})

	t.Run("counter rate", func(t *testing.T) {
		r, ok, err := counters.Extract(instrumentEvent(counters.CounterRateValuePublishedEvent, map[string]any{
			"sessionId":      sessionID,
			"meterName":      "shop.orders",
			"instrumentName": "orders-placed",
			"rate":           3.0,
		}), f, instruments)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, counters.Rate{Value: 3}, r.Value)
		assert.Equal(t, "count", r.DisplayUnits)
	})

	t.Run("histogram", func(t *testing.T) {
		r, ok, err := counters.Extract(instrumentEvent(counters.HistogramValuePublishedEvent, map[string]any{
			"sessionId":      sessionID,
			"meterName":      "Shop.Orders",
			"instrumentName": "checkout-latency",
			"unit":           "ms",
			"quantiles":      "0.5=150;0.95=420;0.99=600",
		}), f, instruments)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, counters.KindHistogram, r.Kind())

		h := r.Value.(counters.Histogram)
		assert.Equal(t, []counters.Quantile{
			{Percentile: 50, Value: 150},
			{Percentile: 95, Value: 420},
			{Percentile: 99, Value: 600},
		}, h.Quantiles)
		p99, ok := h.Quantile(99)
		assert.True(t, ok)
		assert.Equal(t, 600.0, p99)

		value, ok := r.MetadataValue(counters.PercentileLabel)
		assert.True(t, ok)
		assert.Equal(t, "50", value)
	})

	t.Run("other session ignored", func(t *testing.T) {
		_, ok, err := counters.Extract(instrumentEvent(counters.GaugeValuePublishedEvent, map[string]any{
			"sessionId":      "someone-else",
			"meterName":      "Shop.Orders",
			"instrumentName": "queue-depth",
			"lastValue":      "1",
		}), f, instruments)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("gauge without value ignored", func(t *testing.T) {
		_, ok, err := counters.Extract(instrumentEvent(counters.GaugeValuePublishedEvent, map[string]any{
			"sessionId":      sessionID,
			"meterName":      "Shop.Orders",
			"instrumentName": "queue-depth",
			"lastValue":      "",
		}), f, instruments)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unselected meter", func(t *testing.T) {
		_, ok, err := counters.Extract(instrumentEvent(counters.GaugeValuePublishedEvent, map[string]any{
			"sessionId":      sessionID,
			"meterName":      "Other",
			"instrumentName": "x",
			"lastValue":      "1",
		}), f, instruments)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("error payload", func(t *testing.T) {
		r, ok, err := counters.Extract(instrumentEvent(counters.ErrorPayloadEvent, map[string]any{
			"sessionId":    sessionID,
			"errorMessage": "boom",
		}), f, instruments)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, counters.Error{Message: "boom"}, r.Value)
	})

	t.Run("limit reached", func(t *testing.T) {
		r, ok, err := counters.Extract(instrumentEvent(counters.TimeSeriesLimitReachedEvent, map[string]any{
			"sessionId": sessionID,
		}), f, instruments)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, counters.KindEnded, r.Kind())
	})

	t.Run("bad quantiles", func(t *testing.T) {
		_, _, err := counters.Extract(instrumentEvent(counters.HistogramValuePublishedEvent, map[string]any{
			"sessionId":      sessionID,
			"meterName":      "Shop.Orders",
			"instrumentName": "checkout-latency",
			"quantiles":      "0.5=abc",
		}), f, instruments)
		assert.ErrorIs(t, err, counters.ErrMalformedPayload)
	})
}

func TestExtract_InstrumentRefreshInterval(t *testing.T) {
	f := mustFilter(t, counters.FilterSpec{
		Interval:  5 * time.Second,
		Providers: []counters.ProviderSpec{{Name: "Shop.Orders"}},
	})
	gauge := instrumentEvent(counters.GaugeValuePublishedEvent, map[string]any{
		"sessionId":      "s",
		"meterName":      "Shop.Orders",
		"instrumentName": "queue-depth",
		"lastValue":      "7",
	})

	tests := []struct {
		name     string
		refresh  time.Duration
		wantOK   bool
		interval time.Duration
	}{
		{name: "same interval", refresh: 5 * time.Second, wantOK: true, interval: 5 * time.Second},
		{name: "faster session", refresh: time.Second, wantOK: false},
		{name: "slower session", refresh: 10 * time.Second, wantOK: false},
		{name: "unset uses filter interval", refresh: 0, wantOK: true, interval: 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok, err := counters.Extract(gauge, f, counters.InstrumentSession{ID: "s", RefreshInterval: tt.refresh})
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.interval, r.Interval)
			}
		})
	}

	t.Run("session events carry the refresh interval", func(t *testing.T) {
		r, ok, err := counters.Extract(instrumentEvent(counters.ErrorPayloadEvent, map[string]any{
			"sessionId":    "s",
			"errorMessage": "boom",
		}), f, counters.InstrumentSession{ID: "s", RefreshInterval: time.Second})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, time.Second, r.Interval)
	})
}

func TestSessionFor(t *testing.T) {
	assert.Equal(t, counters.InstrumentSession{}, counters.SessionFor(session.Configuration{
		Providers: []session.Provider{session.EventCounterProvider("System.Runtime", time.Second)},
	}))

	cfg := session.Configuration{
		SessionID: "s",
		Providers: []session.Provider{
			session.MetricsProvider("s", []string{"Shop.Orders"}, 3*time.Second, session.Limits{}),
		},
	}
	assert.Equal(t, counters.InstrumentSession{ID: "s", RefreshInterval: 3 * time.Second}, counters.SessionFor(cfg))
}

func TestExtract_InstrumentsNeedSession(t *testing.T) {
	f := mustFilter(t, counters.FilterSpec{Interval: time.Second})

	_, ok, err := counters.Extract(instrumentEvent(counters.GaugeValuePublishedEvent, map[string]any{
		"sessionId":      "",
		"meterName":      "m",
		"instrumentName": "i",
		"lastValue":      "1",
	}), f, counters.InstrumentSession{})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestExtract_SessionEventsRespectMetricsType(t *testing.T) {
	f := mustFilter(t, counters.FilterSpec{
		Interval:  time.Second,
		Providers: []counters.ProviderSpec{{Name: "System.Runtime", Type: counters.MetricsTypeEventCounter}},
	})

	_, ok, err := counters.Extract(instrumentEvent(counters.ErrorPayloadEvent, map[string]any{
		"sessionId":    "s",
		"errorMessage": "boom",
	}), f, counters.InstrumentSession{ID: "s"})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestReading_MetadataIsCopied(t *testing.T) {
	r := counters.Reading{Name: "x"}.WithMetadata(counters.Label{Key: "a", Value: "1"})

	md := r.Metadata()
	md[0].Value = "changed"

	value, ok := r.MetadataValue("a")
	assert.True(t, ok)
	assert.Equal(t, "1", value)
}
