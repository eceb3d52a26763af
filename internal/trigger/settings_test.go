// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trigger_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kkeirstead/diagnostics/internal/trigger"
)

func validSettings() trigger.Settings {
	return scalarSettings(10*time.Second, ptr(100.0), nil)
}

func messages(t *testing.T, err error) []string {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, trigger.ErrInvalidSettings)

	var verr *trigger.ValidationError
	require.True(t, errors.As(err, &verr))
	out := make([]string, 0, len(verr.Errors))
	for _, e := range verr.Errors {
		out = append(out, e.Message)
	}
	return out
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *trigger.Settings)
		want   []string
	}{
		{
			name:   "valid",
			mutate: func(s *trigger.Settings) {},
		},
		{
			name:   "missing provider",
			mutate: func(s *trigger.Settings) { s.ProviderName = "" },
			want:   []string{"The ProviderName field is required."},
		},
		{
			name:   "missing instrument",
			mutate: func(s *trigger.Settings) { s.InstrumentName = "" },
			want:   []string{"The InstrumentName field is required."},
		},
		{
			name:   "no thresholds",
			mutate: func(s *trigger.Settings) { s.GreaterThan = nil },
			want:   []string{trigger.EitherGreaterThanLessThanMessage},
		},
		{
			name: "inverted range",
			mutate: func(s *trigger.Settings) {
				s.GreaterThan = ptr(10.0)
				s.LessThan = ptr(5.0)
			},
			want: []string{trigger.GreaterThanMustBeLessThanLessThanMessage},
		},
		{
			name: "equal range",
			mutate: func(s *trigger.Settings) {
				s.GreaterThan = ptr(5.0)
				s.LessThan = ptr(5.0)
			},
			want: []string{trigger.GreaterThanMustBeLessThanLessThanMessage},
		},
		{
			name: "histogram mode without percentiles",
			mutate: func(s *trigger.Settings) {
				s.GreaterThan = nil
				s.HistogramMode = ptr(trigger.HistogramGreaterThan)
			},
			want: []string{trigger.MissingHistogramModeOrPercentilesMessage},
		},
		{
			name: "percentiles without histogram mode",
			mutate: func(s *trigger.Settings) {
				s.GreaterThan = nil
				s.HistogramPercentiles = map[string]float64{"95": 10}
			},
			want: []string{trigger.MissingHistogramModeOrPercentilesMessage},
		},
		{
			name: "histogram and scalar thresholds",
			mutate: func(s *trigger.Settings) {
				s.HistogramMode = ptr(trigger.HistogramLessThan)
				s.HistogramPercentiles = map[string]float64{"95": 10}
			},
			want: []string{trigger.MixedThresholdsMessage},
		},
		{
			name: "bad percentile",
			mutate: func(s *trigger.Settings) {
				s.GreaterThan = nil
				s.HistogramMode = ptr(trigger.HistogramLessThan)
				s.HistogramPercentiles = map[string]float64{"150": 10}
			},
			want: []string{trigger.InvalidPercentileMessage},
		},
		{
			name: "unknown histogram mode",
			mutate: func(s *trigger.Settings) {
				s.GreaterThan = nil
				s.HistogramMode = ptr(trigger.HistogramMode("sideways"))
				s.HistogramPercentiles = map[string]float64{"95": 10}
			},
			want: []string{"The HistogramMode field must be one of: greater-than less-than."},
		},
		{
			name:   "window too short",
			mutate: func(s *trigger.Settings) { s.SlidingWindowDuration = 500 * time.Millisecond },
			want:   []string{"The SlidingWindowDuration field must be at least 1s."},
		},
		{
			name:   "window too long",
			mutate: func(s *trigger.Settings) { s.SlidingWindowDuration = 25 * time.Hour },
			want:   []string{"The SlidingWindowDuration field must be at most 24h."},
		},
		{
			name:   "fractional interval",
			mutate: func(s *trigger.Settings) { s.CounterInterval = 1500 * time.Millisecond },
			want:   []string{trigger.WholeSecondsIntervalMessage},
		},
		{
			name:   "interval missing",
			mutate: func(s *trigger.Settings) { s.CounterInterval = 0 },
			want:   []string{"The CounterInterval field must be at least 1s."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			tt.mutate(&s)
			err := s.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.want, messages(t, err))
		})
	}
}

func TestEventCounterSettings_Validate(t *testing.T) {
	s := trigger.EventCounterSettings{
		ProviderName:          "System.Runtime",
		CounterName:           "cpu-usage",
		SlidingWindowDuration: time.Minute,
		CounterInterval:       5 * time.Second,
	}
	assert.Equal(t, []string{trigger.EitherGreaterThanLessThanMessage}, messages(t, s.Validate()))

	s.GreaterThan = ptr(80.0)
	assert.NoError(t, s.Validate())

	s.CounterName = ""
	assert.Equal(t, []string{"The CounterName field is required."}, messages(t, s.Validate()))
}

func TestSettings_YAML(t *testing.T) {
	var s trigger.Settings
	require.NoError(t, yaml.Unmarshal([]byte(`
providerName: Shop.Orders
instrumentName: request-latency
histogramMode: greater-than
histogramPercentiles:
  "50": 200
  "99": 900
slidingWindowDuration: 1m
counterInterval: 5s
`), &s))

	require.NoError(t, s.Validate())
	assert.True(t, s.IsHistogram())
	assert.Equal(t, time.Minute, s.SlidingWindowDuration)
	assert.Equal(t, 5*time.Second, s.CounterInterval)
	assert.Equal(t, map[string]float64{"50": 200, "99": 900}, s.HistogramPercentiles)
}
