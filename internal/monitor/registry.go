// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package monitor

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/kkeirstead/diagnostics/internal/counters"
)

var (
	ErrUnknownSink   = errors.New("unknown sink")
	ErrDuplicateSink = errors.New("sink already registered")
	ErrNoDefaultSink = errors.New("no default sinks registered")
)

// Registry resolves the sink names used in subscription configs. Sinks are
// shared: every subscription naming a sink receives the same instance.
type Registry struct {
	mu       sync.RWMutex
	sinks    map[string]counters.Sink
	defaults []string
}

func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]counters.Sink)}
}

// Register adds sink under name. Default sinks are used by subscriptions that
// name none.
func (r *Registry) Register(name string, sink counters.Sink, isDefault bool) error {
	if name == "" || sink == nil {
		return fmt.Errorf("sink name and sink are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sinks[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSink, name)
	}
	r.sinks[name] = sink
	if isDefault {
		r.defaults = append(r.defaults, name)
	}
	return nil
}

// Resolve returns the sinks named by names, or the default sinks when names
// is empty. Repeated names resolve once.
func (r *Registry) Resolve(names []string) ([]counters.Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		if len(r.defaults) == 0 {
			return nil, ErrNoDefaultSink
		}
		names = r.defaults
	}

	var (
		out  []counters.Sink
		seen []string
	)
	for _, name := range names {
		if slices.Contains(seen, name) {
			continue
		}
		sink, ok := r.sinks[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSink, name)
		}
		seen = append(seen, name)
		out = append(out, sink)
	}
	return out, nil
}

// Names returns the registered sink names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health reports the health of every registered sink that tracks it.
func (r *Registry) Health() map[string]counters.SinkHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]counters.SinkHealth)
	for name, sink := range r.sinks {
		if hr, ok := sink.(counters.HealthReporter); ok {
			out[name] = hr.Health()
		}
	}
	return out
}
