// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package session

import (
	"context"
	"sync"
)

// MemoryOption configures a MemorySession.
type MemoryOption func(s *MemorySession)

// WithStartError makes every Start call fail with err.
func WithStartError(err error) MemoryOption {
	return func(s *MemorySession) {
		s.startErr = err
	}
}

// WithManualStart keeps sources unestablished until MarkStarted is called.
func WithManualStart() MemoryOption {
	return func(s *MemorySession) {
		s.manualStart = true
	}
}

// MemorySession is a Session whose events are published by the caller. It is
// used to drive pipelines in tests and embedding programs.
type MemorySession struct {
	mu          sync.Mutex
	startErr    error
	manualStart bool
	sources     []*MemorySource
	configs     []Configuration
	notify      chan struct{}
}

// NewMemorySession creates a new MemorySession.
func NewMemorySession(opts ...MemoryOption) *MemorySession {
	s := &MemorySession{notify: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start implements Session.
func (s *MemorySession) Start(ctx context.Context, cfg Configuration) (EventSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.configs = append(s.configs, cfg)
	if s.startErr != nil {
		return nil, s.startErr
	}

	src := newMemorySource(ctx, cfg)
	if !s.manualStart {
		src.MarkStarted()
	}
	s.sources = append(s.sources, src)

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return src, nil
}

// Configurations returns every configuration passed to Start.
func (s *MemorySession) Configurations() []Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Configuration(nil), s.configs...)
}

// Sources returns every source created by Start.
func (s *MemorySession) Sources() []*MemorySource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*MemorySource(nil), s.sources...)
}

// Latest returns the most recently started source.
func (s *MemorySession) Latest() *MemorySource {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sources) == 0 {
		return nil
	}
	return s.sources[len(s.sources)-1]
}

// WaitForSource blocks until at least n sources have been started or ctx is
// done.
func (s *MemorySession) WaitForSource(ctx context.Context, n int) (*MemorySource, error) {
	for {
		s.mu.Lock()
		if len(s.sources) >= n {
			src := s.sources[n-1]
			s.mu.Unlock()
			return src, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// MemorySource is the EventSource returned by MemorySession.
type MemorySource struct {
	config Configuration

	in      chan TraceEvent
	events  chan TraceEvent
	started chan struct{}
	stop    chan struct{}
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	mu  sync.Mutex
	err error
}

func newMemorySource(ctx context.Context, cfg Configuration) *MemorySource {
	src := &MemorySource{
		config:  cfg,
		in:      make(chan TraceEvent),
		events:  make(chan TraceEvent),
		started: make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go src.run(ctx)
	return src
}

func (s *MemorySource) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case ev := <-s.in:
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}
}

// Configuration returns the configuration the source was started with.
func (s *MemorySource) Configuration() Configuration {
	return s.config
}

// Publish hands ev to the source. It returns ErrSessionEnded once the source
// has ended.
func (s *MemorySource) Publish(ev TraceEvent) error {
	select {
	case s.in <- ev:
		return nil
	case <-s.done:
		return ErrSessionEnded
	}
}

// MarkStarted signals that the session has been established.
func (s *MemorySource) MarkStarted() {
	s.startOnce.Do(func() { close(s.started) })
}

// End finishes the source. A non-nil err is reported by Err.
func (s *MemorySource) End(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed once the source has ended.
func (s *MemorySource) Done() <-chan struct{} {
	return s.done
}

// Events implements EventSource.
func (s *MemorySource) Events() <-chan TraceEvent {
	return s.events
}

// Started implements EventSource.
func (s *MemorySource) Started() <-chan struct{} {
	return s.started
}

// Err implements EventSource.
func (s *MemorySource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop implements EventSource.
func (s *MemorySource) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
