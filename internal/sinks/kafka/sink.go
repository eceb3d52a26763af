// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kafka publishes readings as JSON records to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/segmentio/kafka-go"

	"github.com/kkeirstead/diagnostics/internal/counters"
)

const sinkName = "kafka"

// Writer is the subset of *kafka.Writer used by the sink.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Record is the JSON document published for each reading.
type Record struct {
	Timestamp   time.Time          `json:"timestamp"`
	Provider    string             `json:"provider"`
	Name        string             `json:"name"`
	DisplayName string             `json:"displayName,omitempty"`
	Units       string             `json:"units,omitempty"`
	IntervalSec float64            `json:"intervalSec,omitempty"`
	Kind        string             `json:"kind"`
	Value       *float64           `json:"value,omitempty"`
	Quantiles   map[string]float64 `json:"quantiles,omitempty"`
	Message     string             `json:"message,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

// NewRecord converts r into its published form.
func NewRecord(r counters.Reading) Record {
	rec := Record{
		Timestamp:   r.Timestamp,
		Provider:    r.Provider,
		Name:        r.Name,
		DisplayName: r.DisplayName,
		Units:       r.DisplayUnits,
		IntervalSec: r.Interval.Seconds(),
		Kind:        r.Kind().String(),
	}
	if md := r.MetadataMap(); len(md) > 0 {
		rec.Metadata = md
	}

	switch v := r.Value.(type) {
	case counters.Metric:
		rec.Value = &v.Value
	case counters.Rate:
		rec.Value = &v.Value
	case counters.Histogram:
		rec.Quantiles = make(map[string]float64, len(v.Quantiles))
		for _, q := range v.Quantiles {
			rec.Quantiles[fmt.Sprintf("%g", q.Percentile)] = q.Value
		}
	case counters.Error:
		rec.Message = v.Message
	case counters.Ended:
		rec.Message = v.Reason
	}
	return rec
}

// Option configures a Sink.
type Option func(*Sink)

// WithWriter publishes through w instead of a writer built from the config.
func WithWriter(w Writer) Option {
	return func(s *Sink) {
		s.writer = w
	}
}

// Sink publishes readings keyed by provider and counter name. The default
// writer is asynchronous so OnReading never waits on the brokers; delivery
// failures surface through Health.
type Sink struct {
	config Config
	logger logr.Logger
	writer Writer

	healthy   atomic.Bool
	lastError atomic.Pointer[error]

	published   atomic.Uint64
	errorsCount atomic.Uint64
}

func NewSink(config Config, logger logr.Logger, opts ...Option) (*Sink, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Sink{
		config: config,
		logger: logger.WithName("kafka-sink"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.writer == nil {
		s.writer = &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Topic:        config.Topic,
			Balancer:     &kafka.LeastBytes{},
			BatchSize:    config.BatchSize,
			BatchTimeout: config.BatchTimeout,
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			Completion:   s.completed,
		}
	}

	s.healthy.Store(true)
	return s, nil
}

func (s *Sink) Name() string {
	return sinkName
}

func (s *Sink) OnPipelineStarted(ctx context.Context) error {
	s.logger.V(1).Info("Publishing readings", "topic", s.config.Topic, "brokers", s.config.Brokers)
	return nil
}

func (s *Sink) OnReading(r counters.Reading) error {
	value, err := json.Marshal(NewRecord(r))
	if err != nil {
		err = fmt.Errorf("failed to encode reading: %w", err)
		s.recordError(err)
		return err
	}

	msg := kafka.Message{
		Key:   []byte(r.Provider + "/" + r.Name),
		Value: value,
		Time:  r.Timestamp,
	}
	if err := s.writer.WriteMessages(context.Background(), msg); err != nil {
		err = fmt.Errorf("failed to publish reading: %w", err)
		s.recordError(err)
		return err
	}
	return nil
}

func (s *Sink) OnPipelineStopped(ctx context.Context) error {
	return nil
}

// Close flushes buffered messages and closes the writer.
func (s *Sink) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	s.logger.Info("Kafka sink stopped",
		"published", s.published.Load(),
		"errors", s.errorsCount.Load())
	return nil
}

// completed is the async writer's delivery callback.
func (s *Sink) completed(messages []kafka.Message, err error) {
	if err != nil {
		s.logger.Error(err, "Failed to deliver readings", "count", len(messages))
		s.recordError(err)
		s.healthy.Store(false)
		return
	}
	s.published.Add(uint64(len(messages)))
	s.healthy.Store(true)
}

func (s *Sink) recordError(err error) {
	s.errorsCount.Add(1)
	s.lastError.Store(&err)
}

func (s *Sink) Health() counters.SinkHealth {
	var lastErr error
	if errPtr := s.lastError.Load(); errPtr != nil {
		lastErr = *errPtr
	}
	return counters.SinkHealth{
		Healthy:       s.healthy.Load(),
		LastError:     lastErr,
		ReadingsCount: s.published.Load(),
		ErrorsCount:   s.errorsCount.Load(),
	}
}

var (
	_ counters.Sink           = (*Sink)(nil)
	_ counters.HealthReporter = (*Sink)(nil)
)
