// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/kkeirstead/diagnostics/internal/counters"
)

const (
	sinkName = "debug"
)

// Sink logs every reading it receives. It never fails a delivery for a
// reading it chooses to skip.
type Sink struct {
	config Config
	logger logr.Logger

	// Runtime state
	healthy   atomic.Bool
	lastError atomic.Pointer[error]

	readingsProcessed atomic.Uint64
	errorsCount       atomic.Uint64
	startTime         time.Time

	readingsByKind     map[string]*atomic.Uint64
	readingsByProvider map[string]*atomic.Uint64
	statsMutex         sync.RWMutex
}

func NewSink(config Config, logger logr.Logger) (*Sink, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	sink := &Sink{
		config:             config,
		logger:             logger.WithName("debug-sink"),
		startTime:          time.Now(),
		readingsByKind:     make(map[string]*atomic.Uint64),
		readingsByProvider: make(map[string]*atomic.Uint64),
	}

	sink.healthy.Store(true)
	return sink, nil
}

func (s *Sink) Name() string {
	return sinkName
}

func (s *Sink) OnPipelineStarted(ctx context.Context) error {
	s.logger.Info("Debug sink attached",
		"log_level", s.config.LogLevel.String(),
		"log_format", s.config.LogFormat.String())
	return nil
}

// OnReading logs r synchronously.
func (s *Sink) OnReading(r counters.Reading) error {
	if err := s.processReading(r); err != nil {
		s.logger.Error(err, "Failed to log reading",
			"provider", r.Provider,
			"name", r.Name)
		s.errorsCount.Add(1)
		s.lastError.Store(&err)
		return err
	}
	return nil
}

func (s *Sink) OnPipelineStopped(ctx context.Context) error {
	s.logStatsText()
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
		ReadingsCount: s.readingsProcessed.Load(),
		ErrorsCount:   s.errorsCount.Load(),
	}
}

// Stats returns the sink's running statistics.
func (s *Sink) Stats() *SinkStats {
	s.statsMutex.RLock()
	defer s.statsMutex.RUnlock()

	byKind := make(map[string]uint64, len(s.readingsByKind))
	for k, counter := range s.readingsByKind {
		byKind[k] = counter.Load()
	}

	byProvider := make(map[string]uint64, len(s.readingsByProvider))
	for p, counter := range s.readingsByProvider {
		byProvider[p] = counter.Load()
	}

	return &SinkStats{
		ReadingsProcessed:  s.readingsProcessed.Load(),
		ErrorsCount:        s.errorsCount.Load(),
		Uptime:             time.Since(s.startTime),
		ReadingsByKind:     byKind,
		ReadingsByProvider: byProvider,
	}
}

func (s *Sink) processReading(r counters.Reading) error {
	kind := r.Kind().String()
	if !s.config.ShouldLogKind(kind) || !s.config.ShouldLogProvider(r.Provider) {
		return nil
	}

	s.updateStats(kind, r.Provider)
	processed := s.readingsProcessed.Add(1)
	withStats := s.config.StatsEvery > 0 && processed%s.config.StatsEvery == 0

	if s.config.LogFormat == LogFormatJSON {
		return s.logReadingJSON(r, withStats)
	}
	s.logReadingText(r, withStats)
	return nil
}

func (s *Sink) updateStats(kind, provider string) {
	s.statsMutex.Lock()
	defer s.statsMutex.Unlock()

	increment(s.readingsByKind, kind)
	increment(s.readingsByProvider, provider)
}

func increment(m map[string]*atomic.Uint64, key string) {
	if counter, exists := m[key]; exists {
		counter.Add(1)
		return
	}
	counter := &atomic.Uint64{}
	counter.Store(1)
	m[key] = counter
}

// logReadingJSON logs a reading in JSON format
func (s *Sink) logReadingJSON(r counters.Reading, withStats bool) error {
	entry := LogEntry{
		Level:   "INFO",
		Sink:    sinkName,
		Message: "Reading received",
		Reading: s.summarize(r),
	}

	if s.config.IncludeTimestamp {
		entry.Timestamp = time.Now()
	}

	if s.config.LogLevel >= LogLevelVerbose {
		if md := r.MetadataMap(); len(md) > 0 {
			entry.Metadata = md
		}
	}

	if withStats {
		entry.Stats = s.Stats()
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	s.logger.Info(s.truncate(string(jsonBytes)))
	return nil
}

// logReadingText logs a reading in human-readable text format
func (s *Sink) logReadingText(r counters.Reading, withStats bool) {
	var parts []string

	parts = append(parts, fmt.Sprintf("%s: %s", r.Kind(), r.Name))
	parts = append(parts, fmt.Sprintf("Value: %s", formatValue(r.Value)))

	if s.config.LogLevel >= LogLevelDetails {
		if r.Provider != "" {
			parts = append(parts, fmt.Sprintf("Provider: %s", r.Provider))
		}
		if r.DisplayUnits != "" {
			parts = append(parts, fmt.Sprintf("Units: %s", r.DisplayUnits))
		}
		if r.Interval > 0 {
			parts = append(parts, fmt.Sprintf("Interval: %s", r.Interval))
		}
	}

	if s.config.LogLevel >= LogLevelVerbose {
		if md := r.Metadata(); len(md) > 0 {
			labels := make([]string, 0, len(md))
			for _, l := range md {
				labels = append(labels, l.Key+"="+l.Value)
			}
			parts = append(parts, fmt.Sprintf("Metadata: %s", strings.Join(labels, ",")))
		}
	}

	message := s.truncate(strings.Join(parts, " | "))

	if s.config.IncludeTimestamp {
		timestamp := r.Timestamp.Format("2006-01-02 15:04:05.000")
		message = fmt.Sprintf("[%s] %s", timestamp, message)
	}

	s.logger.Info(message)

	if withStats {
		s.logStatsText()
	}
}

func (s *Sink) summarize(r counters.Reading) *ReadingSummary {
	summary := &ReadingSummary{
		Kind:     r.Kind().String(),
		Name:     r.Name,
		Recorded: r.Timestamp,
	}
	if s.config.LogLevel >= LogLevelDetails {
		summary.Provider = r.Provider
		summary.Units = r.DisplayUnits
		if r.Interval > 0 {
			summary.Interval = r.Interval.String()
		}
	}

	switch v := r.Value.(type) {
	case counters.Metric:
		summary.Value = &v.Value
	case counters.Rate:
		summary.Value = &v.Value
	case counters.Histogram:
		summary.Quantiles = make(map[string]float64, len(v.Quantiles))
		for _, q := range v.Quantiles {
			summary.Quantiles[formatPercentile(q.Percentile)] = q.Value
		}
	case counters.Error:
		summary.Message = v.Message
	case counters.Ended:
		summary.Message = v.Reason
	}
	return summary
}

// truncate shortens messages longer than MaxDataLength
func (s *Sink) truncate(msg string) string {
	if s.config.MaxDataLength == 0 || len(msg) <= s.config.MaxDataLength {
		return msg
	}
	return fmt.Sprintf("%s... (truncated from %d chars)", msg[:s.config.MaxDataLength], len(msg))
}

func (s *Sink) logStatsText() {
	stats := s.Stats()
	s.logger.Info("Debug sink stats",
		"readings_processed", stats.ReadingsProcessed,
		"errors", stats.ErrorsCount,
		"uptime", stats.Uptime,
		"kinds", len(stats.ReadingsByKind),
		"providers", len(stats.ReadingsByProvider))
}

func formatValue(v counters.Value) string {
	switch v := v.(type) {
	case counters.Metric:
		return strconv.FormatFloat(v.Value, 'g', -1, 64)
	case counters.Rate:
		return strconv.FormatFloat(v.Value, 'g', -1, 64)
	case counters.Histogram:
		parts := make([]string, 0, len(v.Quantiles))
		for _, q := range v.Quantiles {
			parts = append(parts, fmt.Sprintf("%s=%s", formatPercentile(q.Percentile),
				strconv.FormatFloat(q.Value, 'g', -1, 64)))
		}
		return strings.Join(parts, ",")
	case counters.Error:
		return "error: " + v.Message
	case counters.Ended:
		return "ended: " + v.Reason
	default:
		return "<none>"
	}
}

func formatPercentile(p float64) string {
	return "p" + strconv.FormatFloat(p, 'f', -1, 64)
}

var (
	_ counters.Sink           = (*Sink)(nil)
	_ counters.HealthReporter = (*Sink)(nil)
)
