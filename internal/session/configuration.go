// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package session

import (
	"strconv"
	"strings"
	"time"
)

// Arguments understood by the structured instrument provider.
const (
	SessionIDArgument       = "SessionId"
	MetricsArgument         = "Metrics"
	RefreshIntervalArgument = "RefreshInterval"
	MaxTimeSeriesArgument   = "MaxTimeSeries"
	MaxHistogramsArgument   = "MaxHistograms"
)

// Limits caps the number of concurrently tracked instrument series.
type Limits struct {
	MaxHistograms int
	MaxTimeSeries int
}

// EventCounterProvider returns the entry requesting event counters from name
// every interval.
func EventCounterProvider(name string, interval time.Duration) Provider {
	return Provider{
		Name:     name,
		Level:    LevelInformational,
		Keywords: 0,
		Arguments: map[string]string{
			EventCounterIntervalArgument: formatSeconds(interval),
		},
	}
}

// MetricsProvider returns the entry requesting structured instruments from
// meters, correlated by sessionID.
func MetricsProvider(sessionID string, meters []string, refresh time.Duration, limits Limits) Provider {
	return Provider{
		Name:     MetricsProviderName,
		Level:    LevelInformational,
		Keywords: TimeSeriesValuesKeyword,
		Arguments: map[string]string{
			SessionIDArgument:       sessionID,
			MetricsArgument:         strings.Join(meters, ","),
			RefreshIntervalArgument: formatSeconds(refresh),
			MaxTimeSeriesArgument:   strconv.Itoa(limits.MaxTimeSeries),
			MaxHistogramsArgument:   strconv.Itoa(limits.MaxHistograms),
		},
	}
}

// EventCounterInterval returns the interval requested by an event counter
// provider entry.
func (p Provider) EventCounterInterval() (time.Duration, bool) {
	return p.secondsArgument(EventCounterIntervalArgument)
}

// RefreshInterval returns the interval requested by a structured instrument
// provider entry.
func (p Provider) RefreshInterval() (time.Duration, bool) {
	return p.secondsArgument(RefreshIntervalArgument)
}

func (p Provider) secondsArgument(key string) (time.Duration, bool) {
	raw, ok := p.Arguments[key]
	if !ok {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
