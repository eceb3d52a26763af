// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipeline

import (
	"github.com/go-logr/logr"

	"github.com/kkeirstead/diagnostics/internal/counters"
	"github.com/kkeirstead/diagnostics/internal/session"
)

// Observer is notified of pipeline activity. Implementations are called from
// the delivery goroutine and must not block.
type Observer interface {
	SubscriptionAdded(info SubscriptionInfo)
	SubscriptionRemoved(id string, reason RemovalReason)
	RunStarted(cfg session.Configuration)
	RunEnded(err error)
	ReadingDelivered(id, sink string, r counters.Reading)
	ExtractionFailed(id string, ev session.TraceEvent, err error)
	SinkFailed(id, sink string, err error)
}

// LogObserver reports pipeline activity through a logr.Logger.
type LogObserver struct {
	logger logr.Logger
}

// NewLogObserver creates a new LogObserver.
func NewLogObserver(logger logr.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) SubscriptionAdded(info SubscriptionInfo) {
	o.logger.Info("subscription added", "id", info.ID, "providers", info.Providers,
		"interval", info.Interval, "sinks", info.Sinks, "duration", info.Duration)
}

func (o *LogObserver) SubscriptionRemoved(id string, reason RemovalReason) {
	o.logger.Info("subscription removed", "id", id, "reason", reason)
}

func (o *LogObserver) RunStarted(cfg session.Configuration) {
	names := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		names = append(names, p.Name)
	}
	o.logger.Info("pipeline run started", "sessionId", cfg.SessionID, "providers", names)
}

func (o *LogObserver) RunEnded(err error) {
	if err != nil {
		o.logger.Error(err, "pipeline run failed")
		return
	}
	o.logger.Info("pipeline run ended")
}

func (o *LogObserver) ReadingDelivered(id, sink string, r counters.Reading) {
	o.logger.V(2).Info("reading delivered", "id", id, "sink", sink,
		"provider", r.Provider, "name", r.Name, "kind", r.Kind())
}

func (o *LogObserver) ExtractionFailed(id string, ev session.TraceEvent, err error) {
	o.logger.V(1).Info("dropping malformed event", "id", id,
		"provider", ev.ProviderName, "event", ev.EventName, "error", err.Error())
}

func (o *LogObserver) SinkFailed(id, sink string, err error) {
	o.logger.Error(err, "sink failed", "id", id, "sink", sink)
}

// MultiObserver fans notifications out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) SubscriptionAdded(info SubscriptionInfo) {
	for _, o := range m {
		o.SubscriptionAdded(info)
	}
}

func (m MultiObserver) SubscriptionRemoved(id string, reason RemovalReason) {
	for _, o := range m {
		o.SubscriptionRemoved(id, reason)
	}
}

func (m MultiObserver) RunStarted(cfg session.Configuration) {
	for _, o := range m {
		o.RunStarted(cfg)
	}
}

func (m MultiObserver) RunEnded(err error) {
	for _, o := range m {
		o.RunEnded(err)
	}
}

func (m MultiObserver) ReadingDelivered(id, sink string, r counters.Reading) {
	for _, o := range m {
		o.ReadingDelivered(id, sink, r)
	}
}

func (m MultiObserver) ExtractionFailed(id string, ev session.TraceEvent, err error) {
	for _, o := range m {
		o.ExtractionFailed(id, ev, err)
	}
}

func (m MultiObserver) SinkFailed(id, sink string, err error) {
	for _, o := range m {
		o.SinkFailed(id, sink, err)
	}
}
