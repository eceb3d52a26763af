// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package counters

import (
	"fmt"
	"math"
	"time"
)

// Kind identifies the variant carried by a Reading.
type Kind int

const (
	KindMetric Kind = iota
	KindRate
	KindHistogram
	KindError
	KindEnded
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindMetric:
		return "metric"
	case KindRate:
		return "rate"
	case KindHistogram:
		return "histogram"
	case KindError:
		return "error"
	case KindEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Value is the payload of a Reading. The set of implementations is closed:
// Metric, Rate, Histogram, Error and Ended.
type Value interface {
	Kind() Kind
	isValue()
}

// Metric is a point-in-time value such as an averaged counter or a gauge.
type Metric struct {
	Value float64
}

// Rate is the increment observed over the reading's interval.
type Rate struct {
	Value float64
}

// Histogram carries percentile/value pairs for a single instrument.
type Histogram struct {
	Quantiles []Quantile
}

// Error reports that the upstream source failed to produce this series.
type Error struct {
	Message string
}

// Ended reports that the upstream source stopped producing this series.
type Ended struct {
	Reason string
}

func (Metric) Kind() Kind    { return KindMetric }
func (Rate) Kind() Kind      { return KindRate }
func (Histogram) Kind() Kind { return KindHistogram }
func (Error) Kind() Kind     { return KindError }
func (Ended) Kind() Kind     { return KindEnded }

func (Metric) isValue()    {}
func (Rate) isValue()      {}
func (Histogram) isValue() {}
func (Error) isValue()     {}
func (Ended) isValue()     {}

const percentileTolerance = 1e-9

// Quantile is a single percentile of a histogram. Percentile is expressed in
// the range [0, 100].
type Quantile struct {
	Percentile float64
	Value      float64
}

// Quantile returns the value recorded for percentile p.
func (h Histogram) Quantile(p float64) (float64, bool) {
	for _, q := range h.Quantiles {
		if math.Abs(q.Percentile-p) < percentileTolerance {
			return q.Value, true
		}
	}
	return 0, false
}

// Label is a single metadata entry attached to a Reading.
type Label struct {
	Key   string
	Value string
}

// Reading is one typed observation of a counter or instrument. Readings are
// values: they are never mutated once constructed.
type Reading struct {
	Timestamp    time.Time
	Provider     string
	Name         string
	DisplayName  string
	DisplayUnits string
	// Interval is the nominal sampling interval the reading belongs to.
	Interval time.Duration
	Value    Value

	metadata []Label
}

// Kind returns the kind of the reading's value.
func (r Reading) Kind() Kind {
	if r.Value == nil {
		return KindMetric
	}
	return r.Value.Kind()
}

// WithMetadata returns a copy of r carrying labels as its metadata.
func (r Reading) WithMetadata(labels ...Label) Reading {
	r.metadata = append([]Label(nil), labels...)
	return r
}

// Metadata returns a copy of the reading's metadata in insertion order.
func (r Reading) Metadata() []Label {
	return append([]Label(nil), r.metadata...)
}

// MetadataValue returns the value of the first metadata entry named key.
func (r Reading) MetadataValue(key string) (string, bool) {
	for _, l := range r.metadata {
		if l.Key == key {
			return l.Value, true
		}
	}
	return "", false
}

// MetadataMap returns the reading's metadata as a map. Later duplicate keys
// win.
func (r Reading) MetadataMap() map[string]string {
	m := make(map[string]string, len(r.metadata))
	for _, l := range r.metadata {
		m[l.Key] = l.Value
	}
	return m
}

// Scalar returns the numeric value of Metric and Rate readings.
func (r Reading) Scalar() (float64, bool) {
	switch v := r.Value.(type) {
	case Metric:
		return v.Value, true
	case Rate:
		return v.Value, true
	default:
		return 0, false
	}
}
