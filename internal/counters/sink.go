// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package counters

import (
	"context"
	"errors"
)

// ErrSinkClosed is returned by sinks that have already been disposed. The
// pipeline treats it as a normal outcome.
var ErrSinkClosed = errors.New("sink is closed")

// Sink receives the readings of one subscription.
// Each sink sees OnPipelineStarted before its first reading and
// OnPipelineStopped once its subscription stops receiving readings.
type Sink interface {
	// Name identifies the sink in logs and health reports
	Name() string

	// OnPipelineStarted is called before the first reading is delivered
	OnPipelineStarted(ctx context.Context) error

	// OnReading handles a single reading. It runs on the delivery path shared
	// by every subscription and must not block.
	OnReading(r Reading) error

	// OnPipelineStopped is called once no further readings will be delivered
	OnPipelineStopped(ctx context.Context) error
}

// SinkHealth is a point-in-time view of a sink's health.
type SinkHealth struct {
	Healthy       bool
	LastError     error
	ReadingsCount uint64
	ErrorsCount   uint64
}

// HealthReporter is implemented by sinks that track their own health.
type HealthReporter interface {
	Health() SinkHealth
}
