// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import "sync"

// Matches reports whether instance passes filters. A zero Status matches
// every status.
func Matches(instance Instance, filters Filters) bool {
	if filters.Status != 0 && (instance.Status&filters.Status) == 0 {
		return false
	}

	if len(filters.Kinds) == 0 {
		return true
	}

	for _, k := range filters.Kinds {
		if k == instance.Kind {
			return true
		}
	}
	return false
}

type watcher struct {
	ch      chan Instance
	filters Filters
}

// watchers fans instances out to every Watch channel.
type watchers struct {
	mu     sync.RWMutex
	subs   []watcher
	closed bool
}

func (w *watchers) add(filters Filters) chan Instance {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	if filters.Status == 0 {
		filters.Status = StatusOK
	}

	ch := make(chan Instance, 10)
	w.subs = append(w.subs, watcher{
		ch:      ch,
		filters: filters,
	})
	return ch
}

// send blocks until every matching watcher has room.
func (w *watchers) send(instances ...Instance) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	for _, sub := range w.subs {
		for _, instance := range instances {
			if Matches(instance, sub.filters) {
				sub.ch <- instance.Copy()
			}
		}
	}
}

func (w *watchers) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	for _, sub := range w.subs {
		close(sub.ch)
	}
	w.closed = true
}
