// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipeline

import (
	"context"
	"sync"
)

// Run is the completion handle of a started pipeline.
type Run struct {
	started chan struct{}
	stop    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	startOnce  sync.Once
	stopOnce   sync.Once
	finishOnce sync.Once

	mu  sync.Mutex
	err error
}

func newRun(cancel context.CancelFunc) *Run {
	return &Run{
		started: make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
}

// Started is closed once the diagnostic session has been established.
func (r *Run) Started() <-chan struct{} {
	return r.started
}

// Done is closed once the run has ended and every started sink has been
// notified.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Err returns the error that ended the run. It is nil while the run is in
// progress and for runs that ended by cancellation, Stop or expiry.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait blocks until the run ends or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) markStarted() {
	r.startOnce.Do(func() { close(r.started) })
}

func (r *Run) requestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Run) finish(err error) {
	r.finishOnce.Do(func() {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		r.cancel()
		close(r.done)
	})
}
