// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	metricSDK "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kkeirstead/diagnostics/internal/counters"
)

const (
	sinkName = "opentelemetry"

	meterName = "github.com/kkeirstead/diagnostics/countermon"
)

var (
	// ErrNegativeRate is returned for rate readings that cannot be added to a
	// monotonic counter.
	ErrNegativeRate = errors.New("rate is negative")
)

// Option configures a Sink.
type Option func(*Sink)

// WithMeterProvider records into mp instead of an OTLP exporter. The sink
// does not shut mp down.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Sink) {
		s.external = mp
	}
}

// Sink records readings as OpenTelemetry instruments:
// metrics and histogram quantiles as gauges, rates as counters.
// A single Sink may be attached to any number of subscriptions.
type Sink struct {
	config Config
	logger logr.Logger

	external metric.MeterProvider

	initMu   sync.Mutex
	provider *metricSDK.MeterProvider
	meter    metric.Meter

	instrumentsMutex sync.RWMutex
	instruments      map[string]any

	healthy   atomic.Bool
	lastError atomic.Pointer[error]

	readingsRecorded atomic.Uint64
	readingsSkipped  atomic.Uint64
	errorsCount      atomic.Uint64
	startTime        time.Time
}

// NewSink creates a new OpenTelemetry sink. The exporter is created on the
// first OnPipelineStarted.
func NewSink(config Config, logger logr.Logger, opts ...Option) (*Sink, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Sink{
		config:      config,
		logger:      logger.WithName("otel-sink"),
		instruments: make(map[string]any),
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.healthy.Store(true)
	return s, nil
}

// initOpenTelemetry initializes the OpenTelemetry components
func (s *Sink) initOpenTelemetry(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.meter != nil {
		return nil
	}

	if s.external != nil {
		s.meter = s.external.Meter(meterName)
		return nil
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(s.config.Endpoint),
		otlpmetricgrpc.WithTimeout(s.config.Timeout),
	}

	if s.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	if len(s.config.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(s.config.Headers))
	}

	if s.config.Compression == CompressionGZip {
		opts = append(opts, otlpmetricgrpc.WithCompressor(s.config.Compression.String()))
	}

	if s.config.RetryConfig.Enabled {
		maxElapsed := s.config.RetryConfig.MaxBackoff
		if s.config.RetryConfig.MaxRetries > 0 {
			maxElapsed = time.Duration(min(s.config.RetryConfig.MaxRetries, 100)) * s.config.RetryConfig.MaxBackoff
		}
		opts = append(opts, otlpmetricgrpc.WithRetry(otlpmetricgrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: s.config.RetryConfig.InitialBackoff,
			MaxInterval:     s.config.RetryConfig.MaxBackoff,
			MaxElapsedTime:  maxElapsed,
		}))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res := resource.NewWithAttributes("", resourceAttributes(s.config)...)

	s.provider = metricSDK.NewMeterProvider(
		metricSDK.WithReader(metricSDK.NewPeriodicReader(
			exporter,
			metricSDK.WithInterval(s.config.ExportInterval),
		)),
		metricSDK.WithResource(res),
	)
	s.meter = s.provider.Meter(meterName, metric.WithInstrumentationVersion(s.config.ServiceVersion))

	s.logger.Info("OpenTelemetry exporter initialized",
		"endpoint", s.config.Endpoint,
		"service_name", s.config.ServiceName,
		"compression", s.config.Compression)
	return nil
}

func (s *Sink) Name() string {
	return sinkName
}

func (s *Sink) OnPipelineStarted(ctx context.Context) error {
	if err := s.initOpenTelemetry(ctx); err != nil {
		s.recordError(err)
		s.healthy.Store(false)
		return err
	}
	return nil
}

// OnReading records r. Error and Ended readings carry no value and are
// skipped.
func (s *Sink) OnReading(r counters.Reading) error {
	s.initMu.Lock()
	meter := s.meter
	s.initMu.Unlock()
	if meter == nil {
		return fmt.Errorf("%s: reading delivered before pipeline start", sinkName)
	}

	if err := s.record(context.Background(), r); err != nil {
		s.recordError(err)
		return err
	}
	return nil
}

// OnPipelineStopped flushes pending data points. The exporter stays up for
// other subscriptions; Shutdown releases it.
func (s *Sink) OnPipelineStopped(ctx context.Context) error {
	s.initMu.Lock()
	provider := s.provider
	s.initMu.Unlock()

	if provider == nil {
		return nil
	}
	if err := provider.ForceFlush(ctx); err != nil {
		s.logger.V(1).Info("Flush failed", "error", err.Error())
	}
	return nil
}

// Shutdown flushes and closes the exporter created by the sink.
func (s *Sink) Shutdown(ctx context.Context) error {
	s.initMu.Lock()
	provider := s.provider
	s.provider = nil
	s.meter = nil
	s.initMu.Unlock()

	s.instrumentsMutex.Lock()
	s.instruments = make(map[string]any)
	s.instrumentsMutex.Unlock()

	if provider != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(err, "Error shutting down meter provider")
			return err
		}
	}

	s.logger.Info("OpenTelemetry sink stopped",
		"readings_recorded", s.readingsRecorded.Load(),
		"errors", s.errorsCount.Load(),
		"uptime", time.Since(s.startTime))
	return nil
}

func (s *Sink) Health() counters.SinkHealth {
	var lastErr error
	if errPtr := s.lastError.Load(); errPtr != nil {
		lastErr = *errPtr
	}

	return counters.SinkHealth{
		Healthy:       s.healthy.Load(),
		LastError:     lastErr,
		ReadingsCount: s.readingsRecorded.Load(),
		ErrorsCount:   s.errorsCount.Load(),
	}
}

func (s *Sink) recordError(err error) {
	s.errorsCount.Add(1)
	s.lastError.Store(&err)
}

func (s *Sink) record(ctx context.Context, r counters.Reading) error {
	name := InstrumentName(r.Provider, r.Name)
	attrs := []attribute.KeyValue{
		attribute.String("provider", r.Provider),
		attribute.String("counter", r.Name),
	}
	for _, l := range r.Metadata() {
		attrs = append(attrs, attribute.String(l.Key, l.Value))
	}

	switch v := r.Value.(type) {
	case counters.Metric:
		gauge, err := s.getOrCreateFloat64Gauge(name, r.DisplayName, r.DisplayUnits)
		if err != nil {
			return err
		}
		gauge.Record(ctx, v.Value, metric.WithAttributes(attrs...))

	case counters.Rate:
		if v.Value < 0 {
			return fmt.Errorf("%w: %s %g", ErrNegativeRate, name, v.Value)
		}
		counter, err := s.getOrCreateFloat64Counter(name, r.DisplayName, r.DisplayUnits)
		if err != nil {
			return err
		}
		counter.Add(ctx, v.Value, metric.WithAttributes(attrs...))

	case counters.Histogram:
		gauge, err := s.getOrCreateFloat64Gauge(name, r.DisplayName, r.DisplayUnits)
		if err != nil {
			return err
		}
		for _, q := range v.Quantiles {
			gauge.Record(ctx, q.Value, metric.WithAttributes(
				append(attrs, attribute.Float64("quantile", q.Percentile/100))...))
		}

	default:
		s.readingsSkipped.Add(1)
		return nil
	}

	s.readingsRecorded.Add(1)
	return nil
}

// getOrCreateFloat64Gauge gets or creates a Float64Gauge instrument
func (s *Sink) getOrCreateFloat64Gauge(name, description, unit string) (metric.Float64Gauge, error) {
	inst, err := s.getOrCreate("f64_gauge_"+name, func() (any, error) {
		return s.meter.Float64Gauge(name,
			metric.WithDescription(description),
			metric.WithUnit(unit))
	})
	if err != nil {
		return nil, err
	}
	return inst.(metric.Float64Gauge), nil
}

// getOrCreateFloat64Counter gets or creates a Float64Counter instrument
func (s *Sink) getOrCreateFloat64Counter(name, description, unit string) (metric.Float64Counter, error) {
	inst, err := s.getOrCreate("f64_counter_"+name, func() (any, error) {
		return s.meter.Float64Counter(name,
			metric.WithDescription(description),
			metric.WithUnit(unit))
	})
	if err != nil {
		return nil, err
	}
	return inst.(metric.Float64Counter), nil
}

func (s *Sink) getOrCreate(key string, create func() (any, error)) (any, error) {
	s.instrumentsMutex.RLock()
	if inst, exists := s.instruments[key]; exists {
		s.instrumentsMutex.RUnlock()
		return inst, nil
	}
	s.instrumentsMutex.RUnlock()

	s.instrumentsMutex.Lock()
	defer s.instrumentsMutex.Unlock()

	// Double-check after acquiring write lock
	if inst, exists := s.instruments[key]; exists {
		return inst, nil
	}

	inst, err := create()
	if err != nil {
		return nil, fmt.Errorf("failed to create instrument %s: %w", key, err)
	}

	if len(s.instruments) >= s.config.MaxInstruments {
		s.logger.V(1).Info("Instrument cache size limit reached",
			"current_size", len(s.instruments), "limit", s.config.MaxInstruments)
		return inst, nil
	}
	s.instruments[key] = inst
	return inst, nil
}

func resourceAttributes(config Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	id := config.Identity
	if id.NodeName != "" {
		attrs = append(attrs, semconv.HostName(id.NodeName))
	}
	if id.ClusterName != "" {
		attrs = append(attrs, semconv.K8SClusterName(id.ClusterName))
	}
	if id.Pod != nil {
		attrs = append(attrs, semconv.K8SPodName(id.Pod.Name))
		if id.Pod.Namespace != "" {
			attrs = append(attrs, semconv.K8SNamespaceName(id.Pod.Namespace))
		}
		if id.Pod.UID != "" {
			attrs = append(attrs, semconv.K8SPodUID(id.Pod.UID))
		}
	}
	return attrs
}

// InstrumentName derives a valid OpenTelemetry instrument name from a
// provider and counter name.
func InstrumentName(provider, name string) string {
	full := name
	if provider != "" {
		full = provider + "." + name
	}

	var b strings.Builder
	b.Grow(len(full))
	for i, c := range full {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case (c >= '0' && c <= '9') || c == '_' || c == '.' || c == '-' || c == '/':
			if i == 0 {
				b.WriteString("m_")
			}
		default:
			if i == 0 {
				b.WriteString("m_")
			}
			c = '_'
		}
		b.WriteRune(c)
	}

	out := b.String()
	if len(out) > 255 {
		out = out[:255]
	}
	return out
}

var (
	_ counters.Sink           = (*Sink)(nil)
	_ counters.HealthReporter = (*Sink)(nil)
)
