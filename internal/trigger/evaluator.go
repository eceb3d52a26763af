// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trigger

import (
	"time"

	"github.com/kkeirstead/diagnostics/internal/counters"
)

// gapFactor bounds the spacing of consecutive readings, in nominal
// intervals, before the series is considered broken.
const gapFactor = 1.5

// State is a snapshot of an Evaluator's sliding window. Target is zero while
// the evaluator is idle.
type State struct {
	Latest time.Time `json:"latest,omitempty"`
	Target time.Time `json:"target,omitempty"`
}

// Accumulating reports whether a window is in progress.
func (s State) Accumulating() bool {
	return !s.Target.IsZero()
}

// Satisfied reports whether the window in progress has covered its target.
func (s State) Satisfied() bool {
	return s.Accumulating() && !s.Latest.Before(s.Target)
}

// Evaluator decides whether a condition has held continuously over a sliding
// window of readings of a single series. It is not safe for concurrent use.
type Evaluator struct {
	interval time.Duration
	window   time.Duration

	scalar      func(v float64) bool
	histogram   []percentileThreshold
	histogramGT bool

	state State
}

// NewEvaluator creates an Evaluator for settings.
func NewEvaluator(settings Settings) (*Evaluator, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	e := &Evaluator{
		interval: settings.CounterInterval,
		window:   settings.SlidingWindowDuration,
	}
	if settings.IsHistogram() {
		// Validate already checked the keys.
		e.histogram, _ = settings.percentiles()
		e.histogramGT = *settings.HistogramMode == HistogramGreaterThan
	} else {
		e.scalar = scalarPredicate(settings.GreaterThan, settings.LessThan)
	}
	return e, nil
}

// NewEventCounterEvaluator creates an Evaluator for event counter settings.
func NewEventCounterEvaluator(settings EventCounterSettings) (*Evaluator, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{
		interval: settings.CounterInterval,
		window:   settings.SlidingWindowDuration,
		scalar:   scalarPredicate(settings.GreaterThan, settings.LessThan),
	}, nil
}

func scalarPredicate(greaterThan, lessThan *float64) func(float64) bool {
	switch {
	case greaterThan != nil && lessThan != nil:
		lo, hi := *greaterThan, *lessThan
		return func(v float64) bool { return v > lo && v < hi }
	case greaterThan != nil:
		lo := *greaterThan
		return func(v float64) bool { return v > lo }
	default:
		hi := *lessThan
		return func(v float64) bool { return v < hi }
	}
}

// HasSatisfiedCondition feeds r into the window and reports whether the
// condition has now held for at least the window duration.
func (e *Evaluator) HasSatisfiedCondition(r counters.Reading) bool {
	if !e.passes(r) {
		e.state = State{}
		return false
	}

	ts := r.Timestamp
	switch {
	case !e.state.Accumulating():
		e.restart(r)
	case e.state.Latest.Add(time.Duration(gapFactor * float64(e.interval))).Before(ts):
		e.restart(r)
	default:
		e.state.Latest = ts
	}

	return e.state.Satisfied()
}

// restart makes r the first passing reading of a new window. The window is
// deemed to have opened at the start of the interval that produced r.
func (e *Evaluator) restart(r counters.Reading) {
	interval := r.Interval
	if interval <= 0 {
		interval = e.interval
	}
	e.state = State{
		Latest: r.Timestamp,
		Target: r.Timestamp.Add(-interval).Add(e.window),
	}
}

func (e *Evaluator) passes(r counters.Reading) bool {
	switch v := r.Value.(type) {
	case counters.Metric:
		return e.scalar != nil && e.scalar(v.Value)
	case counters.Rate:
		return e.scalar != nil && e.scalar(v.Value)
	case counters.Histogram:
		if len(e.histogram) == 0 {
			return false
		}
		for _, pt := range e.histogram {
			q, ok := v.Quantile(pt.percentile)
			if !ok {
				return false
			}
			if e.histogramGT && q <= pt.threshold {
				return false
			}
			if !e.histogramGT && q >= pt.threshold {
				return false
			}
		}
		return true
	default:
		// Error and Ended readings always break the series.
		return false
	}
}

// State returns a snapshot of the window.
func (e *Evaluator) State() State {
	return e.state
}

// Reset returns the evaluator to idle.
func (e *Evaluator) Reset() {
	e.state = State{}
}
