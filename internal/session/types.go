// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package session defines the boundary to the diagnostic session that
// delivers raw trace events from a monitored process.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// MetricsProviderName is the provider that publishes structured
	// instrument events.
	MetricsProviderName = "System.Diagnostics.Metrics"

	// EventCounterIntervalArgument carries the requested event counter
	// interval in seconds.
	EventCounterIntervalArgument = "EventCounterIntervalSec"

	// TimeSeriesValuesKeyword enables value publication on the metrics
	// provider.
	TimeSeriesValuesKeyword int64 = 0x2
)

var (
	// ErrSessionEnded is returned when operating on a source that has
	// already finished.
	ErrSessionEnded = errors.New("session has ended")
	// ErrNoProviders is returned when a session is started without providers.
	ErrNoProviders = errors.New("session configuration has no providers")
)

// EventLevel is the minimum verbosity requested from a provider.
type EventLevel int

const (
	LevelLogAlways EventLevel = iota
	LevelCritical
	LevelError
	LevelWarning
	LevelInformational
	LevelVerbose
)

// String returns the string representation of the event level
func (l EventLevel) String() string {
	switch l {
	case LevelLogAlways:
		return "LogAlways"
	case LevelCritical:
		return "Critical"
	case LevelError:
		return "Error"
	case LevelWarning:
		return "Warning"
	case LevelInformational:
		return "Informational"
	case LevelVerbose:
		return "Verbose"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// TraceEvent is a raw event already decoded into a named event with a
// key/value payload.
type TraceEvent struct {
	ProviderName string         `json:"provider"`
	EventName    string         `json:"event"`
	Timestamp    time.Time      `json:"timestamp"`
	Payload      map[string]any `json:"payload"`
}

// Provider is one entry of a session configuration.
type Provider struct {
	Name      string            `json:"name"`
	Level     EventLevel        `json:"level"`
	Keywords  int64             `json:"keywords"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// Configuration is the full set of providers requested from a session. It
// cannot be changed once the session has started.
type Configuration struct {
	Providers []Provider `json:"providers"`
	// SessionID correlates structured instrument events with this
	// configuration. Empty when no instruments were requested.
	SessionID string `json:"sessionId,omitempty"`
}

// Provider returns the configured provider with the given name.
func (c Configuration) Provider(name string) (Provider, bool) {
	for _, p := range c.Providers {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Provider{}, false
}

// Session establishes event delivery from a monitored process.
type Session interface {
	// Start opens a session for cfg. Events are delivered on the returned
	// source until it ends or ctx is cancelled.
	Start(ctx context.Context, cfg Configuration) (EventSource, error)
}

// EventSource is a running session.
type EventSource interface {
	// Events delivers raw events one at a time. The channel is closed when
	// the source ends.
	Events() <-chan TraceEvent
	// Started is closed once the session is established.
	Started() <-chan struct{}
	// Err returns the error that ended the source, if any. It is only
	// meaningful after Events has been closed.
	Err() error
	// Stop asks the source to end gracefully. It returns when the source
	// acknowledged the request or ctx is done.
	Stop(ctx context.Context) error
}
