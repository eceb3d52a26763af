// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trigger

import (
	"errors"
	"fmt"

	"github.com/kkeirstead/diagnostics/internal/counters"
	"github.com/kkeirstead/diagnostics/internal/pipeline"
	"github.com/kkeirstead/diagnostics/internal/session"
)

// ErrEmptySessionID is returned when an instrument trigger has no session to
// correlate its readings with.
var ErrEmptySessionID = errors.New("session id cannot be empty")

// FilterSpec returns the filter selecting the monitored instrument.
func (s Settings) FilterSpec() counters.FilterSpec {
	return counters.FilterSpec{
		Interval: s.CounterInterval,
		Providers: []counters.ProviderSpec{{
			Name:     s.ProviderName,
			Counters: []string{s.InstrumentName},
			Type:     counters.MetricsTypeInstrument,
		}},
	}
}

// FilterSpec returns the filter selecting the monitored counter.
func (s EventCounterSettings) FilterSpec() counters.FilterSpec {
	return counters.FilterSpec{
		Interval: s.CounterInterval,
		Providers: []counters.ProviderSpec{{
			Name:     s.ProviderName,
			Counters: []string{s.CounterName},
			Type:     counters.MetricsTypeEventCounter,
		}},
	}
}

// Trigger evaluates raw trace events for a single instrument or counter.
type Trigger struct {
	providerName string
	eventCounter bool
	extractor    *counters.Extractor
	evaluator    *Evaluator
}

// New creates a Trigger over a structured instrument. Readings are only
// considered when they belong to sessionID.
func New(settings Settings, sessionID string) (*Trigger, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	evaluator, err := NewEvaluator(settings)
	if err != nil {
		return nil, err
	}
	filter, err := counters.NewFilter(settings.FilterSpec())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return &Trigger{
		providerName: settings.ProviderName,
		extractor: counters.NewExtractor(filter, counters.InstrumentSession{
			ID:              sessionID,
			RefreshInterval: settings.CounterInterval,
		}),
		evaluator:    evaluator,
	}, nil
}

// NewEventCounter creates a Trigger over a classic event counter.
func NewEventCounter(settings EventCounterSettings) (*Trigger, error) {
	evaluator, err := NewEventCounterEvaluator(settings)
	if err != nil {
		return nil, err
	}
	filter, err := counters.NewFilter(settings.FilterSpec())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return &Trigger{
		providerName: settings.ProviderName,
		eventCounter: true,
		extractor:    counters.NewExtractor(filter, counters.InstrumentSession{}),
		evaluator:    evaluator,
	}, nil
}

// HasSatisfiedCondition reports whether ev completes the trigger's window.
// Events that do not carry the monitored series, or whose payload is
// malformed, leave the window untouched.
func (t *Trigger) HasSatisfiedCondition(ev session.TraceEvent) bool {
	r, ok, err := t.extractor.Extract(ev)
	if err != nil || !ok {
		return false
	}
	return t.evaluator.HasSatisfiedCondition(r)
}

// ProviderEventMap returns the events, per provider, the trigger needs to
// see. A nil event list means every event of the provider.
func (t *Trigger) ProviderEventMap() map[string][]string {
	if t.eventCounter {
		return map[string][]string{t.providerName: {counters.EventCountersEventName}}
	}
	return map[string][]string{session.MetricsProviderName: nil}
}

// State returns a snapshot of the trigger's window.
func (t *Trigger) State() State {
	return t.evaluator.State()
}

// Configuration returns the session configuration a standalone instrument
// trigger needs.
func Configuration(settings Settings, sessionID string) (session.Configuration, error) {
	if err := settings.Validate(); err != nil {
		return session.Configuration{}, err
	}
	if sessionID == "" {
		return session.Configuration{}, ErrEmptySessionID
	}

	limits := session.Limits{
		MaxHistograms: settings.MaxHistograms,
		MaxTimeSeries: settings.MaxTimeSeries,
	}
	if limits.MaxHistograms == 0 {
		limits.MaxHistograms = pipeline.DefaultMaxHistograms
	}
	if limits.MaxTimeSeries == 0 {
		limits.MaxTimeSeries = pipeline.DefaultMaxTimeSeries
	}

	return session.Configuration{
		SessionID: sessionID,
		Providers: []session.Provider{
			session.MetricsProvider(sessionID, []string{settings.ProviderName}, settings.CounterInterval, limits),
		},
	}, nil
}

// EventCounterConfiguration returns the session configuration a standalone
// event counter trigger needs.
func EventCounterConfiguration(settings EventCounterSettings) (session.Configuration, error) {
	if err := settings.Validate(); err != nil {
		return session.Configuration{}, err
	}
	return session.Configuration{
		Providers: []session.Provider{
			session.EventCounterProvider(settings.ProviderName, settings.CounterInterval),
		},
	}, nil
}
