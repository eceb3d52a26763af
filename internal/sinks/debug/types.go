// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package debug

import "time"

// LogEntry represents a structured log entry for JSON output
type LogEntry struct {
	Timestamp time.Time         `json:"timestamp,omitempty"`
	Level     string            `json:"level"`
	Sink      string            `json:"sink"`
	Message   string            `json:"message"`
	Reading   *ReadingSummary   `json:"reading,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Stats     *SinkStats        `json:"stats,omitempty"`
}

// ReadingSummary provides a condensed view of a reading for logging
type ReadingSummary struct {
	Kind      string             `json:"kind"`
	Provider  string             `json:"provider,omitempty"`
	Name      string             `json:"name"`
	Units     string             `json:"units,omitempty"`
	Interval  string             `json:"interval,omitempty"`
	Value     *float64           `json:"value,omitempty"`
	Quantiles map[string]float64 `json:"quantiles,omitempty"`
	Message   string             `json:"message,omitempty"`
	Recorded  time.Time          `json:"recorded"`
}

// SinkStats provides runtime statistics for the debug sink
type SinkStats struct {
	ReadingsProcessed  uint64            `json:"readings_processed"`
	ErrorsCount        uint64            `json:"errors_count"`
	Uptime             time.Duration     `json:"uptime"`
	ReadingsByKind     map[string]uint64 `json:"readings_by_kind"`
	ReadingsByProvider map[string]uint64 `json:"readings_by_provider"`
}
