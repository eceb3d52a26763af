// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// ErrNoReplayFiles is returned when a replay session has nothing to read.
var ErrNoReplayFiles = errors.New("no replay files configured")

const maxReplayLineSize = 1024 * 1024

// ReplayOption configures a ReplaySession.
type ReplayOption func(s *ReplaySession)

// WithReplayLogger configures the ReplaySession logger.
func WithReplayLogger(logger logr.Logger) ReplayOption {
	return func(s *ReplaySession) {
		s.logger = logger
	}
}

// WithPace replays events spaced by their recorded timestamps, divided by
// speed. A speed of zero or less replays as fast as possible.
func WithPace(speed float64) ReplayOption {
	return func(s *ReplaySession) {
		s.speed = speed
	}
}

// ReplaySession replays trace events recorded as newline-delimited JSON.
// Files are read concurrently and merged into a single ordered delivery
// path. Events from providers that are not part of the session
// configuration are not delivered, and structured instrument events are
// rewritten to carry the configuration's session id.
type ReplaySession struct {
	paths  []string
	speed  float64
	logger logr.Logger
}

// NewReplaySession creates a new ReplaySession over paths.
func NewReplaySession(paths []string, opts ...ReplayOption) (*ReplaySession, error) {
	if len(paths) == 0 {
		return nil, ErrNoReplayFiles
	}

	s := &ReplaySession{paths: append([]string(nil), paths...)}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithName("replay")
	return s, nil
}

// Start implements Session.
func (s *ReplaySession) Start(ctx context.Context, cfg Configuration) (EventSource, error) {
	if len(cfg.Providers) == 0 {
		return nil, ErrNoProviders
	}

	files := make([]*os.File, 0, len(s.paths))
	for _, path := range s.paths {
		f, err := os.Open(path)
		if err != nil {
			for _, opened := range files {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("failed to open replay file: %w", err)
		}
		files = append(files, f)
	}

	runCtx, cancel := context.WithCancel(ctx)
	src := &replaySource{
		events:  make(chan TraceEvent),
		started: make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	close(src.started)

	s.logger.Info("starting replay", "files", len(files), "providers", len(cfg.Providers))

	go func() {
		defer close(src.done)
		defer close(src.events)
		defer cancel()

		g, gctx := errgroup.WithContext(runCtx)
		clock := newReplayClock(s.speed)
		for _, f := range files {
			f := f
			g.Go(func() error {
				defer f.Close()
				return s.readFile(gctx, f, cfg, clock, src.events)
			})
		}

		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		src.setErr(err)
		s.logger.Info("replay finished", "error", err)
	}()

	return src, nil
}

func (s *ReplaySession) readFile(ctx context.Context, f *os.File, cfg Configuration, clock *replayClock, out chan<- TraceEvent) error {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxReplayLineSize)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var ev TraceEvent
		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		if err := dec.Decode(&ev); err != nil {
			return fmt.Errorf("%s:%d: failed to decode event: %w", f.Name(), line, err)
		}

		if _, ok := cfg.Provider(ev.ProviderName); !ok {
			s.logger.V(2).Info("skipping event from unconfigured provider", "provider", ev.ProviderName)
			continue
		}
		if cfg.SessionID != "" && strings.EqualFold(ev.ProviderName, MetricsProviderName) && ev.Payload != nil {
			if _, ok := ev.Payload["sessionId"]; ok {
				ev.Payload["sessionId"] = cfg.SessionID
			}
		}

		if err := clock.wait(ctx, ev.Timestamp); err != nil {
			return err
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s: failed to read: %w", f.Name(), err)
	}
	return nil
}

// replayClock maps recorded timestamps onto wall-clock time. It is shared by
// every file of a replay so that their events interleave by timestamp.
type replayClock struct {
	speed float64

	mu    sync.Mutex
	first time.Time
	start time.Time
}

func newReplayClock(speed float64) *replayClock {
	return &replayClock{speed: speed}
}

func (c *replayClock) wait(ctx context.Context, ts time.Time) error {
	if c.speed <= 0 || ts.IsZero() {
		return nil
	}

	c.mu.Lock()
	if c.first.IsZero() {
		c.first = ts
		c.start = time.Now()
	}
	due := c.start.Add(time.Duration(float64(ts.Sub(c.first)) / c.speed))
	c.mu.Unlock()

	delay := time.Until(due)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type replaySource struct {
	events  chan TraceEvent
	started chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *replaySource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *replaySource) Events() <-chan TraceEvent { return s.events }

func (s *replaySource) Started() <-chan struct{} { return s.started }

func (s *replaySource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *replaySource) Stop(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
