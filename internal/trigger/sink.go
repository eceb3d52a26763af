// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/kkeirstead/diagnostics/internal/counters"
)

// Notification describes a trigger whose condition became satisfied.
type Notification struct {
	Trigger string
	Reading counters.Reading
	State   State
	FiredAt time.Time
}

// Action is run when a trigger's condition becomes satisfied. It runs on the
// pipeline delivery path and must not block.
type Action func(ctx context.Context, n Notification)

// Status is a point-in-time view of a trigger sink.
type Status struct {
	Name      string    `json:"name"`
	Satisfied bool      `json:"satisfied"`
	Fired     uint64    `json:"fired"`
	LastFired time.Time `json:"lastFired,omitempty"`
	Readings  uint64    `json:"readings"`
	State     State     `json:"state"`
}

// SinkOption configures a Sink.
type SinkOption func(s *Sink)

// WithSinkLogger configures the Sink logger.
func WithSinkLogger(logger logr.Logger) SinkOption {
	return func(s *Sink) {
		s.logger = logger
	}
}

// Sink feeds the readings of a pipeline subscription into an Evaluator and
// runs an Action each time the condition becomes satisfied. It fires once
// per satisfied window and re-arms when the condition resets.
type Sink struct {
	name   string
	spec   counters.FilterSpec
	action Action
	logger logr.Logger

	mu        sync.Mutex
	evaluator *Evaluator
	ctx       context.Context
	armed     bool
	satisfied bool
	fired     uint64
	lastFired time.Time
	readings  uint64
}

// NewSink creates a Sink for an instrument trigger.
func NewSink(name string, settings Settings, action Action, opts ...SinkOption) (*Sink, error) {
	evaluator, err := NewEvaluator(settings)
	if err != nil {
		return nil, err
	}
	return newSink(name, settings.FilterSpec(), evaluator, action, opts...)
}

// NewEventCounterSink creates a Sink for an event counter trigger.
func NewEventCounterSink(name string, settings EventCounterSettings, action Action, opts ...SinkOption) (*Sink, error) {
	evaluator, err := NewEventCounterEvaluator(settings)
	if err != nil {
		return nil, err
	}
	return newSink(name, settings.FilterSpec(), evaluator, action, opts...)
}

func newSink(name string, spec counters.FilterSpec, evaluator *Evaluator, action Action, opts ...SinkOption) (*Sink, error) {
	if name == "" {
		return nil, errors.New("trigger name cannot be empty")
	}
	if action == nil {
		return nil, errors.New("trigger action cannot be nil")
	}

	s := &Sink{
		name:      name,
		spec:      spec,
		action:    action,
		logger:    logr.Discard(),
		evaluator: evaluator,
		ctx:       context.Background(),
		armed:     true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithName("trigger").WithValues("trigger", name)
	return s, nil
}

// FilterSpec returns the subscription filter the sink must be registered
// with.
func (s *Sink) FilterSpec() counters.FilterSpec {
	return s.spec
}

// Name implements counters.Sink.
func (s *Sink) Name() string {
	return "trigger/" + s.name
}

// OnPipelineStarted implements counters.Sink.
func (s *Sink) OnPipelineStarted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx = ctx
	s.evaluator.Reset()
	s.armed = true
	s.satisfied = false
	return nil
}

// OnReading implements counters.Sink.
func (s *Sink) OnReading(r counters.Reading) error {
	s.mu.Lock()
	s.readings++
	satisfied := s.evaluator.HasSatisfiedCondition(r)
	s.satisfied = satisfied

	if !satisfied {
		s.armed = true
		s.mu.Unlock()
		return nil
	}
	if !s.armed {
		s.mu.Unlock()
		return nil
	}

	s.armed = false
	s.fired++
	now := time.Now()
	s.lastFired = now
	n := Notification{
		Trigger: s.name,
		Reading: r,
		State:   s.evaluator.State(),
		FiredAt: now,
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.logger.Info("trigger condition satisfied", "provider", r.Provider, "name", r.Name)
	s.action(ctx, n)
	return nil
}

// OnPipelineStopped implements counters.Sink.
func (s *Sink) OnPipelineStopped(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.satisfied = false
	s.evaluator.Reset()
	return nil
}

// Status returns a point-in-time view of the sink.
func (s *Sink) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		Name:      s.name,
		Satisfied: s.satisfied,
		Fired:     s.fired,
		LastFired: s.lastFired,
		Readings:  s.readings,
		State:     s.evaluator.State(),
	}
}
