// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipeline

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kkeirstead/diagnostics/internal/counters"
	"github.com/kkeirstead/diagnostics/internal/session"
)

const (
	DefaultMaxHistograms = 10
	DefaultMaxTimeSeries = 1000
)

// DefaultProviders are requested when no subscription names a provider.
var DefaultProviders = []string{
	"System.Runtime",
	"Microsoft.AspNetCore.Hosting",
	"Grpc.AspNetCore.Server",
}

type providerInterval struct {
	name     string
	interval time.Duration
}

// BuildConfiguration computes the union of the sources requested by filters.
// Each event counter provider is requested once at the smallest interval any
// filter asks for it. Meters are requested through a single structured
// instrument provider refreshed at the smallest instrument interval. A
// subscription whose interval differs from the interval a source is
// requested at receives no readings from that source.
func BuildConfiguration(filters []*counters.Filter, sessionID string, limits session.Limits, defaults []string) session.Configuration {
	var (
		eventCounters []*providerInterval
		byName        = map[string]*providerInterval{}
		meters        []string
		seenMeters    = map[string]bool{}
		refresh       time.Duration
		minInterval   time.Duration
	)

	for _, f := range filters {
		interval := f.Interval()
		if minInterval == 0 || interval < minInterval {
			minInterval = interval
		}

		for _, p := range f.Spec().Providers {
			key := strings.ToLower(p.Name)

			if p.Type != counters.MetricsTypeInstrument {
				if existing, ok := byName[key]; ok {
					existing.interval = min(existing.interval, interval)
				} else {
					pi := &providerInterval{name: p.Name, interval: interval}
					byName[key] = pi
					eventCounters = append(eventCounters, pi)
				}
			}

			if p.Type != counters.MetricsTypeEventCounter {
				if !seenMeters[key] {
					seenMeters[key] = true
					meters = append(meters, p.Name)
				}
				if refresh == 0 || interval < refresh {
					refresh = interval
				}
			}
		}
	}

	cfg := session.Configuration{SessionID: sessionID}

	if len(eventCounters) == 0 && len(meters) == 0 {
		for _, name := range defaults {
			cfg.Providers = append(cfg.Providers, session.EventCounterProvider(name, minInterval))
		}
		return cfg
	}

	for _, p := range eventCounters {
		cfg.Providers = append(cfg.Providers, session.EventCounterProvider(p.name, p.interval))
	}
	if len(meters) > 0 {
		cfg.Providers = append(cfg.Providers, session.MetricsProvider(sessionID, meters, refresh, limits))
	}
	return cfg
}

func newSessionID() string {
	return uuid.NewString()
}
