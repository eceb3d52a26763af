// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kkeirstead/diagnostics/internal/counters"
	"github.com/kkeirstead/diagnostics/internal/session"
)

// ErrSinkPanic wraps a panic recovered from a sink.
var ErrSinkPanic = errors.New("sink panicked")

// RemovalReason describes why a subscription stopped receiving readings.
type RemovalReason string

const (
	ReasonRemoved  RemovalReason = "removed"
	ReasonExpired  RemovalReason = "expired"
	ReasonRunEnded RemovalReason = "run-ended"
)

// SubscriptionInfo is a snapshot of a registered subscription.
type SubscriptionInfo struct {
	ID         string        `json:"id"`
	Providers  []string      `json:"providers"`
	Interval   time.Duration `json:"interval"`
	Sinks      []string      `json:"sinks"`
	Registered time.Time     `json:"registered"`
	// Expiry is zero for unbounded subscriptions and for bounded ones that
	// have not been started yet.
	Expiry   time.Time     `json:"expiry,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Active   bool          `json:"active"`
}

// subscription holds everything that belongs to one subscriber. Removing it
// removes its filter, sinks and lifetime together.
type subscription struct {
	id         string
	filter     *counters.Filter
	sinks      []counters.Sink
	duration   time.Duration
	registered time.Time

	// mu serializes dispatch to this subscription against its removal.
	mu        sync.Mutex
	expiry    time.Time
	extractor *counters.Extractor
	active    bool
	removed   bool
}

func (s *subscription) info() SubscriptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.sinks))
	for _, sink := range s.sinks {
		names = append(names, sink.Name())
	}
	return SubscriptionInfo{
		ID:         s.id,
		Providers:  s.filter.Providers(),
		Interval:   s.filter.Interval(),
		Sinks:      names,
		Registered: s.registered,
		Expiry:     s.expiry,
		Duration:   s.duration,
		Active:     s.active,
	}
}

// activate prepares the subscription for a run of cfg. The expiry of a
// bounded subscription is fixed the first time it is activated.
func (s *subscription) activate(now time.Time, cfg session.Configuration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.duration > 0 && s.expiry.IsZero() {
		s.expiry = now.Add(s.duration)
	}
	s.extractor = counters.NewExtractor(s.filter, counters.SessionFor(cfg))
}

func (s *subscription) expiryTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiry
}

func (s *subscription) expiredAt(now time.Time) bool {
	exp := s.expiryTime()
	return !exp.IsZero() && !now.Before(exp)
}

// startSubscription notifies the sinks that readings are about to flow.
func (m *Manager) startSubscription(ctx context.Context, s *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed || s.active {
		return
	}
	s.active = true
	for _, sink := range s.sinks {
		m.callSink(s.id, sink, func() error { return sink.OnPipelineStarted(ctx) })
	}
}

// stopSubscription marks s inactive and notifies its sinks. remove also
// retires the record so that no later run can revive it. Sinks are notified
// outside of s.mu, after any in-flight delivery has finished.
func (m *Manager) stopSubscription(s *subscription, remove bool, reason RemovalReason) {
	s.mu.Lock()
	wasActive := s.active
	s.active = false
	if remove {
		s.removed = true
	}
	s.extractor = nil
	s.mu.Unlock()

	if wasActive {
		ctx, cancel := context.WithTimeout(context.Background(), m.stopTimeout)
		defer cancel()
		for _, sink := range s.sinks {
			m.callSink(s.id, sink, func() error { return sink.OnPipelineStopped(ctx) })
		}
	}

	if remove {
		m.observer.SubscriptionRemoved(s.id, reason)
	}
}

// dispatch extracts ev through the subscription's own filter and hands the
// reading to each sink in registration order.
func (m *Manager) dispatch(s *subscription, ev session.TraceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed || !s.active || s.extractor == nil {
		return
	}

	r, ok, err := s.extractor.Extract(ev)
	if err != nil {
		m.observer.ExtractionFailed(s.id, ev, err)
		return
	}
	if !ok {
		return
	}

	for _, sink := range s.sinks {
		if m.callSink(s.id, sink, func() error { return sink.OnReading(r) }) {
			m.observer.ReadingDelivered(s.id, sink.Name(), r)
		}
	}
}

// callSink runs fn and reports failures to the observer. A sink that panics
// or fails never affects its siblings. It reports whether fn succeeded.
func (m *Manager) callSink(id string, sink counters.Sink, fn func() error) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			m.observer.SinkFailed(id, sink.Name(), fmt.Errorf("%w: %v", ErrSinkPanic, p))
			ok = false
		}
	}()

	if err := fn(); err != nil {
		if !errors.Is(err, counters.ErrSinkClosed) {
			m.observer.SinkFailed(id, sink.Name(), err)
		}
		return false
	}
	return true
}
