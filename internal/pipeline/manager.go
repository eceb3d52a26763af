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
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/kkeirstead/diagnostics/internal/counters"
	"github.com/kkeirstead/diagnostics/internal/session"
)

var (
	// ErrNoSinks is returned when a subscription is added without sinks
	ErrNoSinks = errors.New("subscription requires at least one sink")
	// ErrSessionActive is returned when a subscription is added after the
	// session configuration has been captured by a run
	ErrSessionActive = errors.New("cannot add subscriptions once the session has started")
	// ErrUnknownSubscription is returned for ids that are not registered
	ErrUnknownSubscription = errors.New("unknown subscription")
	// ErrNoSubscriptions is returned by Start when nothing is registered
	ErrNoSubscriptions = errors.New("no subscriptions registered")
	// ErrAlreadyRunning is returned by Start while a run is in progress
	ErrAlreadyRunning = errors.New("pipeline is already running")
)

const defaultStopTimeout = 5 * time.Second

// Option configures a Manager.
type Option func(m *Manager)

// WithLogger configures the Manager logger.
func WithLogger(logger logr.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithObserver adds an Observer notified of pipeline activity. Observers are
// notified in the order they were added, after the Manager's own logging.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observers = append(m.observers, o)
	}
}

// WithMaxHistograms caps the histograms tracked by the structured instrument
// provider.
func WithMaxHistograms(n int) Option {
	return func(m *Manager) {
		m.limits.MaxHistograms = n
	}
}

// WithMaxTimeSeries caps the time series tracked by the structured
// instrument provider.
func WithMaxTimeSeries(n int) Option {
	return func(m *Manager) {
		m.limits.MaxTimeSeries = n
	}
}

// WithDefaultProviders replaces the providers requested when no
// subscription names any.
func WithDefaultProviders(providers ...string) Option {
	return func(m *Manager) {
		m.defaultProviders = slices.Clone(providers)
	}
}

// WithStopTimeout bounds how long sinks and the session are given to stop.
func WithStopTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.stopTimeout = d
	}
}

// Manager multiplexes subscriptions over a single diagnostic session. Each
// subscription owns its filter, sinks and lifetime. Subscriptions can be
// removed at any time; they can only be added while no run holds the
// session configuration.
//
// Readings are delivered from a single goroutine per run. A sink must not
// remove its own subscription synchronously from one of its callbacks.
type Manager struct {
	session          session.Session
	logger           logr.Logger
	observers        []Observer
	observer         Observer
	limits           session.Limits
	defaultProviders []string
	stopTimeout      time.Duration

	mu     sync.Mutex
	subs   []*subscription
	config *session.Configuration
	run    *Run
	wake   chan struct{}
}

// NewManager creates a new Manager reading events from s.
func NewManager(s session.Session, opts ...Option) (*Manager, error) {
	if s == nil {
		return nil, errors.New("session cannot be nil")
	}

	m := &Manager{
		session: s,
		logger:  logr.Discard(),
		limits: session.Limits{
			MaxHistograms: DefaultMaxHistograms,
			MaxTimeSeries: DefaultMaxTimeSeries,
		},
		defaultProviders: DefaultProviders,
		stopTimeout:      defaultStopTimeout,
		wake:             make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithName("pipeline")
	m.observer = append(MultiObserver{NewLogObserver(m.logger)}, m.observers...)

	return m, nil
}

// AddSubscription registers a subscription selecting readings with spec and
// delivering them to sinks in order. It returns the subscription id.
//
// A positive duration bounds the subscription's lifetime. The clock starts
// when the subscription is activated by the first run it takes part in, not
// when it is registered, so time spent waiting for a run does not count.
// The resulting expiry is absolute: removing or expiring other
// subscriptions never moves it. Registration is rejected with
// ErrSessionActive while a run holds the session configuration.
func (m *Manager) AddSubscription(spec counters.FilterSpec, sinks []counters.Sink, duration time.Duration) (string, error) {
	if len(sinks) == 0 {
		return "", ErrNoSinks
	}
	for _, sink := range sinks {
		if sink == nil {
			return "", errors.New("sink cannot be nil")
		}
	}

	filter, err := counters.NewFilter(spec)
	if err != nil {
		return "", fmt.Errorf("invalid subscription filter: %w", err)
	}

	s := &subscription{
		id:         uuid.NewString(),
		filter:     filter,
		sinks:      slices.Clone(sinks),
		duration:   max(duration, 0),
		registered: time.Now(),
	}

	m.mu.Lock()
	if m.config != nil {
		m.mu.Unlock()
		return "", ErrSessionActive
	}
	m.subs = append(m.subs, s)
	m.mu.Unlock()

	m.observer.SubscriptionAdded(s.info())
	return s.id, nil
}

// RemoveSubscription removes the subscription with id. Its sinks are told
// the pipeline stopped if they had been started. Other subscriptions are not
// affected.
func (m *Manager) RemoveSubscription(id string) error {
	m.mu.Lock()
	idx := slices.IndexFunc(m.subs, func(s *subscription) bool { return s.id == id })
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}
	s := m.subs[idx]
	m.subs = slices.Delete(m.subs, idx, idx+1)
	m.mu.Unlock()

	m.stopSubscription(s, true, ReasonRemoved)
	m.signal()
	return nil
}

// Subscriptions returns a snapshot of the registered subscriptions in
// registration order.
func (m *Manager) Subscriptions() []SubscriptionInfo {
	subs := m.snapshot()
	infos := make([]SubscriptionInfo, 0, len(subs))
	for _, s := range subs {
		infos = append(infos, s.info())
	}
	return infos
}

// Configuration returns the session configuration captured by the current
// run.
func (m *Manager) Configuration() (session.Configuration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config == nil {
		return session.Configuration{}, false
	}
	return *m.config, true
}

// Running reports whether a run is in progress.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run != nil
}

// Start computes the union of every subscription's sources, starts the
// session and begins delivering readings. It returns once the session is
// established or the run has ended, whichever comes first. Cancelling ctx
// ends the run.
func (m *Manager) Start(ctx context.Context) (*Run, error) {
	m.mu.Lock()
	if m.run != nil {
		m.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	if len(m.subs) == 0 {
		m.mu.Unlock()
		return nil, ErrNoSubscriptions
	}

	subs := slices.Clone(m.subs)
	filters := make([]*counters.Filter, 0, len(subs))
	for _, s := range subs {
		filters = append(filters, s.filter)
	}
	cfg := BuildConfiguration(filters, newSessionID(), m.limits, m.defaultProviders)
	m.config = &cfg

	runCtx, cancel := context.WithCancel(ctx)
	run := newRun(cancel)
	m.run = run
	m.mu.Unlock()

	now := time.Now()
	for _, s := range subs {
		s.activate(now, cfg)
	}
	for _, s := range subs {
		m.startSubscription(runCtx, s)
	}

	src, err := m.session.Start(runCtx, cfg)
	if err != nil {
		err = fmt.Errorf("failed to start session: %w", err)
		m.finishRun(run, err)
		return nil, err
	}

	m.observer.RunStarted(cfg)
	go m.deliver(runCtx, run, src)

	select {
	case <-run.Started():
		return run, nil
	case <-run.Done():
		return run, run.Err()
	case <-ctx.Done():
		return run, ctx.Err()
	}
}

// Stop requests the current run to stop and waits for it to end. If ctx is
// done first the run is cancelled without waiting for the session.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	run := m.run
	m.mu.Unlock()
	if run == nil {
		return nil
	}

	run.requestStop()
	select {
	case <-run.Done():
		return nil
	case <-ctx.Done():
		run.cancel()
		return ctx.Err()
	}
}

func (m *Manager) deliver(ctx context.Context, run *Run, src session.EventSource) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	m.resetExpiryTimer(timer)

	started := src.Started()
	stopRequest := run.stop
	var stopped chan error

	stopSource := func() {
		if stopped != nil {
			return
		}
		stopped = make(chan error, 1)
		go func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), m.stopTimeout)
			defer cancel()
			stopped <- src.Stop(stopCtx)
		}()
	}

	for {
		if len(m.snapshot()) == 0 {
			stopSource()
		}

		select {
		case <-ctx.Done():
			stopSource()
			m.finishRun(run, nil)
			return

		case <-started:
			started = nil
			run.markStarted()

		case <-stopRequest:
			stopRequest = nil
			stopSource()

		case err := <-stopped:
			if err != nil {
				m.logger.Error(err, "session did not stop in time")
			}
			// The source may still close its events; the run is over either way.
			m.finishRun(run, nil)
			return

		case ev, ok := <-src.Events():
			if !ok {
				m.finishRun(run, src.Err())
				return
			}
			for _, s := range m.snapshot() {
				m.dispatch(s, ev)
			}

		case now := <-timer.C:
			m.expire(now)
			m.resetExpiryTimer(timer)

		case <-m.wake:
			m.resetExpiryTimer(timer)
		}
	}
}

func (m *Manager) snapshot() []*subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.subs)
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// expire removes every subscription whose lifetime ended at or before now.
func (m *Manager) expire(now time.Time) {
	m.mu.Lock()
	var expired []*subscription
	m.subs = slices.DeleteFunc(m.subs, func(s *subscription) bool {
		if s.expiredAt(now) {
			expired = append(expired, s)
			return true
		}
		return false
	})
	m.mu.Unlock()

	for _, s := range expired {
		m.stopSubscription(s, true, ReasonExpired)
	}
}

func (m *Manager) resetExpiryTimer(timer *time.Timer) {
	var next time.Time
	for _, s := range m.snapshot() {
		exp := s.expiryTime()
		if exp.IsZero() {
			continue
		}
		if next.IsZero() || exp.Before(next) {
			next = exp
		}
	}

	timer.Stop()
	if !next.IsZero() {
		timer.Reset(max(time.Until(next), 0))
	}
}

// finishRun stops the sinks of every subscription that took part in run,
// drops the subscriptions whose lifetime has ended and releases the session
// configuration so that subscriptions can be added again.
func (m *Manager) finishRun(run *Run, err error) {
	m.mu.Lock()
	if m.run != run {
		m.mu.Unlock()
		run.finish(err)
		return
	}
	now := time.Now()
	var expired []*subscription
	m.subs = slices.DeleteFunc(m.subs, func(s *subscription) bool {
		if s.expiredAt(now) {
			expired = append(expired, s)
			return true
		}
		return false
	})
	remaining := slices.Clone(m.subs)
	m.mu.Unlock()

	for _, s := range expired {
		m.stopSubscription(s, true, ReasonExpired)
	}
	for _, s := range remaining {
		m.stopSubscription(s, false, ReasonRunEnded)
	}

	m.mu.Lock()
	m.config = nil
	m.run = nil
	m.mu.Unlock()

	m.observer.RunEnded(err)
	run.finish(err)
}
