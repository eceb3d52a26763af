// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package counters

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kkeirstead/diagnostics/internal/session"
)

// Event names understood by the extractor.
const (
	EventCountersEventName = "EventCounters"

	GaugeValuePublishedEvent               = "GaugeValuePublished"
	CounterRateValuePublishedEvent         = "CounterRateValuePublished"
	HistogramValuePublishedEvent           = "HistogramValuePublished"
	ErrorPayloadEvent                      = "ErrorPayload"
	ObservableInstrumentCallbackErrorEvent = "ObservableInstrumentCallbackError"
	MultipleSessionsNotSupportedEvent      = "MultipleSessionsNotSupportedError"
	TimeSeriesLimitReachedEvent            = "TimeSeriesLimitReached"
	HistogramLimitReachedEvent             = "HistogramLimitReached"
)

const (
	counterTypeMean = "Mean"
	counterTypeSum  = "Sum"

	defaultRateUnits = "count"

	// PercentileLabel names the metadata entries listing a histogram's
	// percentiles.
	PercentileLabel = "Percentile"
)

// ErrMalformedPayload is returned when an event of a known kind does not have
// the expected payload shape.
var ErrMalformedPayload = errors.New("malformed counter payload")

// InstrumentSession identifies the structured instrument session a
// subscription reads from. RefreshInterval is the interval the session
// publishes instrument values at; zero means it publishes at the filter's
// own interval.
type InstrumentSession struct {
	ID              string
	RefreshInterval time.Duration
}

// SessionFor returns the instrument session requested by cfg. The result has
// an empty ID when cfg requests no structured instruments.
func SessionFor(cfg session.Configuration) InstrumentSession {
	p, ok := cfg.Provider(session.MetricsProviderName)
	if !ok || cfg.SessionID == "" {
		return InstrumentSession{}
	}
	refresh, _ := p.RefreshInterval()
	return InstrumentSession{ID: cfg.SessionID, RefreshInterval: refresh}
}

func (s InstrumentSession) interval(filter *Filter) time.Duration {
	if s.RefreshInterval > 0 {
		return s.RefreshInterval
	}
	return filter.Interval()
}

// Extractor turns raw events into readings for one subscription.
type Extractor struct {
	filter      *Filter
	instruments InstrumentSession
}

// NewExtractor returns an Extractor for filter. instruments correlates
// structured instrument events; an empty ID ignores them.
func NewExtractor(filter *Filter, instruments InstrumentSession) *Extractor {
	return &Extractor{filter: filter, instruments: instruments}
}

// Filter returns the extractor's filter.
func (e *Extractor) Filter() *Filter {
	return e.filter
}

// SessionID returns the session correlation token.
func (e *Extractor) SessionID() string {
	return e.instruments.ID
}

// Extract returns the reading carried by ev. ok is false when the event is
// not a counter event or is rejected by the filter.
func (e *Extractor) Extract(ev session.TraceEvent) (Reading, bool, error) {
	return Extract(ev, e.filter, e.instruments)
}

// Extract returns the reading carried by ev for filter. ok is false when the
// event is not a counter event or is rejected by filter. Instrument values
// published at a refresh interval other than the filter's are rejected. A
// non-nil error reports a known event whose payload could not be read.
func Extract(ev session.TraceEvent, filter *Filter, instruments InstrumentSession) (r Reading, ok bool, err error) {
	// Payload values come from decoded trace records; a type mismatch must
	// not escape the extractor.
	defer func() {
		if p := recover(); p != nil {
			r, ok = Reading{}, false
			err = fmt.Errorf("%w: %v", ErrMalformedPayload, p)
		}
	}()

	if ev.EventName == EventCountersEventName {
		return extractEventCounter(ev, filter)
	}
	if strings.EqualFold(ev.ProviderName, session.MetricsProviderName) {
		return extractInstrument(ev, filter, instruments)
	}
	return Reading{}, false, nil
}

func extractEventCounter(ev session.TraceEvent, filter *Filter) (Reading, bool, error) {
	fields, err := nestedPayload(ev.Payload)
	if err != nil {
		return Reading{}, false, err
	}

	series, err := stringField(fields, "Series", true)
	if err != nil {
		return Reading{}, false, err
	}
	name, err := stringField(fields, "Name", true)
	if err != nil {
		return Reading{}, false, err
	}
	metadata, err := stringField(fields, "Metadata", false)
	if err != nil {
		return Reading{}, false, err
	}

	labels, parsed := ParseMetadata(metadata)
	if !parsed {
		labels = nil
	}

	if !filter.IsProviderMetricsType(MetricsTypeEventCounter, ev.ProviderName) {
		return Reading{}, false, nil
	}
	if !filter.IsIncluded(ev.ProviderName, name, ParseSeriesInterval(series)) {
		return Reading{}, false, nil
	}

	intervalSec, err := floatField(fields, "IntervalSec")
	if err != nil {
		return Reading{}, false, err
	}
	displayName, err := stringField(fields, "DisplayName", false)
	if err != nil {
		return Reading{}, false, err
	}
	displayUnits, err := stringField(fields, "DisplayUnits", false)
	if err != nil {
		return Reading{}, false, err
	}
	counterType, err := stringField(fields, "CounterType", true)
	if err != nil {
		return Reading{}, false, err
	}

	var value Value
	switch counterType {
	case counterTypeMean:
		mean, err := floatField(fields, "Mean")
		if err != nil {
			return Reading{}, false, err
		}
		value = Metric{Value: mean}
	case counterTypeSum:
		increment, err := floatField(fields, "Increment")
		if err != nil {
			return Reading{}, false, err
		}
		value = Rate{Value: increment}
		if displayUnits == "" {
			displayUnits = defaultRateUnits
		}
	default:
		return Reading{}, false, fmt.Errorf("%w: unknown counter type %q", ErrMalformedPayload, counterType)
	}

	r := Reading{
		Timestamp:    ev.Timestamp,
		Provider:     ev.ProviderName,
		Name:         name,
		DisplayName:  displayName,
		DisplayUnits: displayUnits,
		Interval:     secondsToDuration(intervalSec),
		Value:        value,
	}
	return r.WithMetadata(labels...), true, nil
}

func extractInstrument(ev session.TraceEvent, filter *Filter, instruments InstrumentSession) (Reading, bool, error) {
	if instruments.ID == "" {
		return Reading{}, false, nil
	}
	eventSession, err := stringField(ev.Payload, "sessionId", false)
	if err != nil {
		return Reading{}, false, err
	}
	if eventSession != instruments.ID {
		return Reading{}, false, nil
	}

	switch ev.EventName {
	case GaugeValuePublishedEvent, CounterRateValuePublishedEvent, HistogramValuePublishedEvent:
		return extractInstrumentValue(ev, filter, instruments.interval(filter))
	case ErrorPayloadEvent, ObservableInstrumentCallbackErrorEvent, MultipleSessionsNotSupportedEvent:
		if !filter.IsMetricsType(MetricsTypeInstrument) {
			return Reading{}, false, nil
		}
		message, err := stringField(ev.Payload, "errorMessage", false)
		if err != nil {
			return Reading{}, false, err
		}
		if message == "" {
			message = ev.EventName
		}
		return sessionReading(ev, instruments.interval(filter), Error{Message: message}), true, nil
	case TimeSeriesLimitReachedEvent, HistogramLimitReachedEvent:
		if !filter.IsMetricsType(MetricsTypeInstrument) {
			return Reading{}, false, nil
		}
		return sessionReading(ev, instruments.interval(filter), Ended{Reason: ev.EventName}), true, nil
	default:
		return Reading{}, false, nil
	}
}

func extractInstrumentValue(ev session.TraceEvent, filter *Filter, interval time.Duration) (Reading, bool, error) {
	meter, err := stringField(ev.Payload, "meterName", true)
	if err != nil {
		return Reading{}, false, err
	}
	instrument, err := stringField(ev.Payload, "instrumentName", true)
	if err != nil {
		return Reading{}, false, err
	}
	if !filter.IsProviderMetricsType(MetricsTypeInstrument, meter) || !filter.IsIncluded(meter, instrument, interval) {
		return Reading{}, false, nil
	}

	unit, err := stringField(ev.Payload, "unit", false)
	if err != nil {
		return Reading{}, false, err
	}
	tags, err := stringField(ev.Payload, "tags", false)
	if err != nil {
		return Reading{}, false, err
	}
	labels := ParseTags(tags)

	var value Value
	switch ev.EventName {
	case GaugeValuePublishedEvent:
		v, present, err := optionalFloatField(ev.Payload, "lastValue")
		if err != nil || !present {
			return Reading{}, false, err
		}
		value = Metric{Value: v}
	case CounterRateValuePublishedEvent:
		v, present, err := optionalFloatField(ev.Payload, "rate")
		if err != nil || !present {
			return Reading{}, false, err
		}
		value = Rate{Value: v}
		if unit == "" {
			unit = defaultRateUnits
		}
	case HistogramValuePublishedEvent:
		raw, err := stringField(ev.Payload, "quantiles", false)
		if err != nil {
			return Reading{}, false, err
		}
		quantiles, err := parseQuantiles(raw)
		if err != nil {
			return Reading{}, false, err
		}
		if len(quantiles) == 0 {
			return Reading{}, false, nil
		}
		for _, q := range quantiles {
			labels = append(labels, Label{Key: PercentileLabel, Value: strconv.FormatFloat(q.Percentile, 'f', -1, 64)})
		}
		value = Histogram{Quantiles: quantiles}
	}

	r := Reading{
		Timestamp:    ev.Timestamp,
		Provider:     meter,
		Name:         instrument,
		DisplayName:  instrument,
		DisplayUnits: unit,
		Interval:     interval,
		Value:        value,
	}
	return r.WithMetadata(labels...), true, nil
}

// sessionReading builds a reading for events that concern the whole session
// rather than a single instrument.
func sessionReading(ev session.TraceEvent, interval time.Duration, v Value) Reading {
	return Reading{
		Timestamp:   ev.Timestamp,
		Provider:    session.MetricsProviderName,
		Name:        ev.EventName,
		DisplayName: ev.EventName,
		Interval:    interval,
		Value:       v,
	}
}

// parseQuantiles parses "0.5=12;0.95=30" into percentiles in [0, 100].
func parseQuantiles(s string) ([]Quantile, error) {
	if s == "" {
		return nil, nil
	}
	var out []Quantile
	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		k, v, found := strings.Cut(part, "=")
		if !found {
			return nil, fmt.Errorf("%w: quantile %q", ErrMalformedPayload, part)
		}
		q, err := strconv.ParseFloat(k, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: quantile %q: %v", ErrMalformedPayload, part, err)
		}
		value, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: quantile %q: %v", ErrMalformedPayload, part, err)
		}
		out = append(out, Quantile{Percentile: q * 100, Value: value})
	}
	return out, nil
}

func nestedPayload(payload map[string]any) (map[string]any, error) {
	raw, ok := payload["Payload"]
	if !ok {
		return nil, fmt.Errorf("%w: missing Payload", ErrMalformedPayload)
	}
	fields, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: Payload is %T", ErrMalformedPayload, raw)
	}
	return fields, nil
}

func stringField(fields map[string]any, key string, required bool) (string, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		if required {
			return "", fmt.Errorf("%w: missing %s", ErrMalformedPayload, key)
		}
		return "", nil
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return "", fmt.Errorf("%w: %s is %T", ErrMalformedPayload, key, raw)
	}
}

func floatField(fields map[string]any, key string) (float64, error) {
	v, present, err := optionalFloatField(fields, key)
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformedPayload, key)
	}
	return v, nil
}

// optionalFloatField reads a number that may be encoded as a string. An
// absent key or empty string reports present=false.
func optionalFloatField(fields map[string]any, key string) (float64, bool, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, true, nil
	case float32:
		return float64(v), true, nil
	case int:
		return float64(v), true, nil
	case int32:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	case uint32:
		return float64(v), true, nil
	case uint64:
		return float64(v), true, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, key, err)
		}
		return f, true, nil
	case string:
		if v == "" {
			return 0, false, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, key, err)
		}
		return f, true, nil
	default:
		return 0, false, fmt.Errorf("%w: %s is %T", ErrMalformedPayload, key, raw)
	}
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
