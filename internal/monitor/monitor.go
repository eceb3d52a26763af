// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package monitor keeps a pipeline in sync with the subscriptions and
// triggers declared in config.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/kkeirstead/diagnostics/internal/config"
	"github.com/kkeirstead/diagnostics/internal/counters"
	"github.com/kkeirstead/diagnostics/internal/pipeline"
	"github.com/kkeirstead/diagnostics/internal/trigger"
)

const (
	defaultRestartDelay = 2 * time.Second
	stopTimeout         = 10 * time.Second
)

var ErrLoaderClosed = errors.New("config loader is closed")

// Option configures a Monitor.
type Option func(m *Monitor)

// WithLogger configures the Monitor logger
func WithLogger(logger logr.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithRestartDelay sets how long config changes are batched before the
// pipeline is restarted to pick them up.
func WithRestartDelay(d time.Duration) Option {
	return func(m *Monitor) {
		m.restartDelay = d
	}
}

// WithAction adds an action run whenever any trigger fires.
func WithAction(action trigger.Action) Option {
	return func(m *Monitor) {
		m.actions = append(m.actions, action)
	}
}

// entry is a config instance that has been applied to the pipeline.
type entry struct {
	kind           config.Kind
	name           string
	version        string
	subscriptionID string
	trigger        *trigger.Sink
}

// Monitor implements controller-runtime's manager.Runnable interface. It
// watches Subscription and Trigger configs and applies them to a pipeline.
//
// Removals take effect immediately. Additions and updates need a new
// session configuration, so they are batched and applied by restarting the
// pipeline.
type Monitor struct {
	pipeline     *pipeline.Manager
	loader       config.Loader
	registry     *Registry
	logger       logr.Logger
	restartDelay time.Duration
	actions      []trigger.Action

	mu      sync.RWMutex
	entries map[string]*entry
	pending map[string]config.Instance
}

func NewMonitor(pm *pipeline.Manager, loader config.Loader, registry *Registry, opts ...Option) (*Monitor, error) {
	if pm == nil || loader == nil || registry == nil {
		return nil, fmt.Errorf("pipeline, loader and registry are required")
	}

	m := &Monitor{
		pipeline:     pm,
		loader:       loader,
		registry:     registry,
		restartDelay: defaultRestartDelay,
		entries:      make(map[string]*entry),
		pending:      make(map[string]config.Instance),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithName("monitor")

	return m, nil
}

// Start implements manager.Runnable interface.
// It blocks until ctx is cancelled and then stops the pipeline.
func (m *Monitor) Start(ctx context.Context) error {
	instances := m.loader.Watch(config.Options{
		Filters: config.Filters{Kinds: []config.Kind{config.KindSubscription, config.KindTrigger}},
	})
	if instances == nil {
		return ErrLoaderClosed
	}

	m.logger.Info("starting monitor", "restart_delay", m.restartDelay)

	timer := time.NewTimer(m.restartDelay)
	timer.Stop()
	defer timer.Stop()

	var runDone <-chan struct{}
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil

		case inst, ok := <-instances:
			if !ok {
				m.logger.Info("config watch closed")
				instances = nil
				continue
			}
			if m.apply(inst) {
				timer.Reset(m.restartDelay)
			}

		case <-timer.C:
			if done := m.restart(ctx); done != nil {
				runDone = done
			}

		case <-runDone:
			runDone = nil
			m.logger.Info("pipeline run ended", "subscriptions", len(m.pipeline.Subscriptions()))
		}
	}
}

// NeedLeaderElection implements manager.LeaderElectionRunnable.
func (m *Monitor) NeedLeaderElection() bool {
	return false
}

// Triggers returns the status of every active trigger ordered by name.
func (m *Monitor) Triggers() []trigger.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]trigger.Status, 0, len(m.entries))
	for _, e := range m.entries {
		if e.trigger != nil {
			out = append(out, e.trigger.Status())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// apply records inst and reports whether a restart is needed to pick it up.
func (m *Monitor) apply(inst config.Instance) bool {
	key := string(inst.Kind) + "/" + inst.Name

	m.mu.Lock()
	defer m.mu.Unlock()

	if inst.Expired {
		delete(m.pending, key)
		if e, ok := m.entries[key]; ok {
			m.remove(e)
			delete(m.entries, key)
			m.logger.Info("config expired", "kind", inst.Kind, "name", inst.Name)
		}
		return false
	}

	if inst.Version != "" {
		if e, ok := m.entries[key]; ok && e.version == inst.Version {
			return false
		}
		if p, ok := m.pending[key]; ok && p.Version == inst.Version {
			return false
		}
	}

	m.pending[key] = inst
	m.logger.V(1).Info("config change pending", "kind", inst.Kind, "name", inst.Name, "version", inst.Version)
	return true
}

// restart applies pending changes and starts a new run. It returns the
// run's done channel when one was started. The pipeline is stopped and
// started without holding m.mu, so Triggers never waits on the session.
func (m *Monitor) restart(ctx context.Context) <-chan struct{} {
	m.mu.RLock()
	n := len(m.pending)
	m.mu.RUnlock()
	if n == 0 {
		return nil
	}

	if m.pipeline.Running() {
		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		err := m.pipeline.Stop(stopCtx)
		cancel()
		if err != nil {
			m.logger.Error(err, "failed to stop pipeline for reconfiguration")
		}
	}

	m.applyPending()

	if len(m.pipeline.Subscriptions()) == 0 {
		return nil
	}

	run, err := m.pipeline.Start(ctx)
	if err != nil {
		m.logger.Error(err, "failed to start pipeline")
	}
	if run == nil {
		return nil
	}
	return run.Done()
}

// applyPending replaces the entries of every pending instance while the
// pipeline is stopped.
func (m *Monitor) applyPending() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prune()

	keys := make([]string, 0, len(m.pending))
	for key := range m.pending {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		inst := m.pending[key]
		if old, ok := m.entries[key]; ok {
			m.remove(old)
			delete(m.entries, key)
		}

		e, err := m.build(inst)
		if err != nil {
			m.logger.Error(err, "failed to apply config", "kind", inst.Kind, "name", inst.Name)
			continue
		}
		m.entries[key] = e
		m.logger.Info("config applied", "kind", inst.Kind, "name", inst.Name,
			"version", inst.Version, "subscription", e.subscriptionID)
	}
	clear(m.pending)
}

func (m *Monitor) build(inst config.Instance) (*entry, error) {
	e := &entry{kind: inst.Kind, name: inst.Name, version: inst.Version}

	var (
		spec     counters.FilterSpec
		sinks    []counters.Sink
		duration time.Duration
		err      error
	)

	switch obj := inst.Object.(type) {
	case *config.SubscriptionConfig:
		sinks, err = m.registry.Resolve(obj.Sinks)
		if err != nil {
			return nil, err
		}
		spec, duration = obj.Filter, obj.Duration

	case *config.TriggerConfig:
		opts := []trigger.SinkOption{trigger.WithSinkLogger(m.logger)}
		if obj.Instrument != nil {
			e.trigger, err = trigger.NewSink(inst.Name, *obj.Instrument, m.fire, opts...)
		} else {
			e.trigger, err = trigger.NewEventCounterSink(inst.Name, *obj.EventCounter, m.fire, opts...)
		}
		if err != nil {
			return nil, err
		}
		spec, sinks, duration = e.trigger.FilterSpec(), []counters.Sink{e.trigger}, obj.Duration

	default:
		return nil, fmt.Errorf("unsupported config object %T", inst.Object)
	}

	e.subscriptionID, err = m.pipeline.AddSubscription(spec, sinks, duration)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// remove detaches e from the pipeline. Subscriptions that already expired
// are gone.
func (m *Monitor) remove(e *entry) {
	err := m.pipeline.RemoveSubscription(e.subscriptionID)
	if err != nil && !errors.Is(err, pipeline.ErrUnknownSubscription) {
		m.logger.Error(err, "failed to remove subscription", "kind", e.kind, "name", e.name)
	}
}

// prune forgets entries whose subscriptions the pipeline expired.
func (m *Monitor) prune() {
	live := make(map[string]bool)
	for _, info := range m.pipeline.Subscriptions() {
		live[info.ID] = true
	}
	for key, e := range m.entries {
		if !live[e.subscriptionID] {
			delete(m.entries, key)
		}
	}
}

func (m *Monitor) fire(ctx context.Context, n trigger.Notification) {
	m.logger.Info("trigger fired",
		"trigger", n.Trigger,
		"provider", n.Reading.Provider,
		"counter", n.Reading.Name,
		"window_target", n.State.Target,
		"fired_at", n.FiredAt)
	for _, action := range m.actions {
		action(ctx, n)
	}
}

func (m *Monitor) shutdown() {
	m.logger.Info("monitor stopping due to context cancellation")
	if !m.pipeline.Running() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := m.pipeline.Stop(ctx); err != nil {
		m.logger.Error(err, "failed to stop pipeline")
	}
}
