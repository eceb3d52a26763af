// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package callback adapts plain functions and channels into counters.Sink
// implementations.
package callback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kkeirstead/diagnostics/internal/counters"
)

var (
	// ErrChannelFull is returned when a channel sink has no room for a reading.
	ErrChannelFull = errors.New("channel sink is full")
)

// Func handles a single reading.
type Func func(r counters.Reading) error

// NewSink adapts fn into a sink.
func NewSink(name string, fn Func) counters.Sink {
	if name == "" {
		name = "callback"
	}
	return &funcSink{name: name, fn: fn}
}

type funcSink struct {
	name string
	fn   Func
}

func (s *funcSink) Name() string { return s.name }

func (s *funcSink) OnPipelineStarted(context.Context) error { return nil }

func (s *funcSink) OnReading(r counters.Reading) error {
	if s.fn == nil {
		return fmt.Errorf("callback sink %q: nil handler", s.name)
	}
	return s.fn(r)
}

func (s *funcSink) OnPipelineStopped(context.Context) error { return nil }

// ChannelSink exposes readings on a buffered channel. Readings that do not fit
// are rejected with ErrChannelFull rather than blocking delivery.
type ChannelSink struct {
	name string
	ch   chan counters.Reading

	mu     sync.Mutex
	closed bool
}

// NewChannelSink returns a sink whose readings are received from C.
func NewChannelSink(name string, buffer int) *ChannelSink {
	if name == "" {
		name = "channel"
	}
	return &ChannelSink{
		name: name,
		ch:   make(chan counters.Reading, max(buffer, 0)),
	}
}

// C returns the channel readings are delivered on. It is closed by Close.
func (s *ChannelSink) C() <-chan counters.Reading { return s.ch }

func (s *ChannelSink) Name() string { return s.name }

func (s *ChannelSink) OnPipelineStarted(context.Context) error { return nil }

func (s *ChannelSink) OnReading(r counters.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return counters.ErrSinkClosed
	}

	select {
	case s.ch <- r:
		return nil
	default:
		return ErrChannelFull
	}
}

func (s *ChannelSink) OnPipelineStopped(context.Context) error { return nil }

// Close closes the channel. Later readings are rejected with
// counters.ErrSinkClosed.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

var _ counters.Sink = (*ChannelSink)(nil)
