// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package counters

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	// ErrInvalidInterval is returned when a filter is built without a positive
	// whole-second interval.
	ErrInvalidInterval = errors.New("filter interval must be a positive whole number of seconds")
	// ErrEmptyProviderName is returned when a provider entry has no name.
	ErrEmptyProviderName = errors.New("provider name cannot be empty")
	// ErrInvalidMetricsType is returned when a metrics type cannot be parsed.
	ErrInvalidMetricsType = errors.New("metrics type must be 'eventcounter' or 'instrument'")
)

// MetricsType distinguishes classic event counters from structured
// instruments that share the same transport.
type MetricsType int

const (
	// MetricsTypeAny places no constraint on the source style.
	MetricsTypeAny MetricsType = iota
	MetricsTypeEventCounter
	MetricsTypeInstrument
)

// String returns the string representation of the metrics type
func (t MetricsType) String() string {
	switch t {
	case MetricsTypeAny:
		return "any"
	case MetricsTypeEventCounter:
		return "eventcounter"
	case MetricsTypeInstrument:
		return "instrument"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t MetricsType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *MetricsType) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "any":
		*t = MetricsTypeAny
	case "eventcounter", "event-counter", "eventcounters":
		*t = MetricsTypeEventCounter
	case "instrument", "instruments", "metrics", "systemdiagnosticsmetrics":
		*t = MetricsTypeInstrument
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMetricsType, string(text))
	}
	return nil
}

// ProviderSpec selects counters from a single provider. An empty Counters
// list selects every counter of the provider.
type ProviderSpec struct {
	Name     string      `json:"name" yaml:"name"`
	Counters []string    `json:"counters,omitempty" yaml:"counters,omitempty"`
	Type     MetricsType `json:"type,omitempty" yaml:"type,omitempty"`
}

// FilterSpec is the configuration of a Filter.
type FilterSpec struct {
	Providers []ProviderSpec `json:"providers" yaml:"providers"`
	Interval  time.Duration  `json:"interval" yaml:"interval"`
}

type providerFilter struct {
	name        string
	counters    []string
	metricsType MetricsType
}

// Filter decides which readings belong to a subscription. Provider names are
// matched case-insensitively and counter names case-sensitively. A Filter is
// immutable once built and safe for concurrent use.
type Filter struct {
	interval  time.Duration
	providers map[string]*providerFilter
	order     []string
}

// NewFilter builds a Filter from spec.
func NewFilter(spec FilterSpec) (*Filter, error) {
	if spec.Interval <= 0 || spec.Interval%time.Second != 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, spec.Interval)
	}

	f := &Filter{
		interval:  spec.Interval,
		providers: make(map[string]*providerFilter, len(spec.Providers)),
	}

	for _, p := range spec.Providers {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, ErrEmptyProviderName
		}
		key := strings.ToLower(name)

		existing, ok := f.providers[key]
		if !ok {
			f.providers[key] = &providerFilter{
				name:        name,
				counters:    slices.Clone(p.Counters),
				metricsType: p.Type,
			}
			f.order = append(f.order, name)
			continue
		}

		// Repeated entries widen the selection.
		if len(existing.counters) == 0 || len(p.Counters) == 0 {
			existing.counters = nil
		} else {
			for _, c := range p.Counters {
				if !slices.Contains(existing.counters, c) {
					existing.counters = append(existing.counters, c)
				}
			}
		}
		if existing.metricsType != p.Type {
			existing.metricsType = MetricsTypeAny
		}
	}

	return f, nil
}

// Interval returns the sampling interval readings must carry.
func (f *Filter) Interval() time.Duration {
	return f.interval
}

// Providers returns the registered providers in registration order, with the
// casing used at registration.
func (f *Filter) Providers() []string {
	return slices.Clone(f.order)
}

// Counters returns the counters selected for provider. A nil result with ok
// set means every counter is selected.
func (f *Filter) Counters(provider string) ([]string, bool) {
	p, ok := f.providers[strings.ToLower(provider)]
	if !ok {
		return nil, false
	}
	return slices.Clone(p.counters), true
}

// Spec returns a FilterSpec equivalent to f.
func (f *Filter) Spec() FilterSpec {
	spec := FilterSpec{Interval: f.interval}
	for _, name := range f.order {
		p := f.providers[strings.ToLower(name)]
		spec.Providers = append(spec.Providers, ProviderSpec{
			Name:     p.name,
			Counters: slices.Clone(p.counters),
			Type:     p.metricsType,
		})
	}
	return spec
}

// IsIncluded reports whether the counter of provider sampled at interval
// belongs to the filter.
func (f *Filter) IsIncluded(provider, counter string, interval time.Duration) bool {
	if interval != f.interval {
		return false
	}
	return f.Matches(provider, counter)
}

// Matches reports whether the counter of provider is selected, ignoring the
// interval.
func (f *Filter) Matches(provider, counter string) bool {
	if len(f.providers) == 0 {
		return true
	}

	p, ok := f.providers[strings.ToLower(provider)]
	if !ok {
		return false
	}
	if len(p.counters) == 0 {
		return true
	}
	return slices.Contains(p.counters, counter)
}

// IsMetricsType reports whether any registered provider accepts sources of
// type t. A filter with no providers accepts everything.
func (f *Filter) IsMetricsType(t MetricsType) bool {
	if len(f.providers) == 0 {
		return true
	}
	for _, p := range f.providers {
		if p.metricsType == MetricsTypeAny || p.metricsType == t {
			return true
		}
	}
	return false
}

// IsProviderMetricsType reports whether provider accepts sources of type t.
// Providers that are not registered carry no constraint.
func (f *Filter) IsProviderMetricsType(t MetricsType, provider string) bool {
	p, ok := f.providers[strings.ToLower(provider)]
	if !ok {
		return true
	}
	return p.metricsType == MetricsTypeAny || p.metricsType == t
}
