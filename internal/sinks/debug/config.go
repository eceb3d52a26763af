// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package debug

import (
	"fmt"
	"strings"
)

// LogLevel determines the verbosity of debug output
type LogLevel int

const (
	LogLevelBasic   LogLevel = 0 // counter name and value only
	LogLevelDetails LogLevel = 1 // include provider, units and interval
	LogLevelVerbose LogLevel = 2 // include metadata
)

// Common errors
var (
	ErrInvalidLogLevel  = fmt.Errorf("log level must be basic (%d), details (%d), or verbose (%d)", LogLevelBasic, LogLevelDetails, LogLevelVerbose)
	ErrInvalidLogFormat = fmt.Errorf("log format must be '%s' or '%s'", LogFormatJSON, LogFormatText)
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelBasic:
		return "basic"
	case LogLevelDetails:
		return "details"
	case LogLevelVerbose:
		return "verbose"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// ParseLogLevel parses the name or number of a log level.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "basic", "0":
		return LogLevelBasic, nil
	case "details", "1":
		return LogLevelDetails, nil
	case "verbose", "2":
		return LogLevelVerbose, nil
	default:
		return 0, ErrInvalidLogLevel
	}
}

// LogFormat determines the output format
type LogFormat string

const (
	LogFormatJSON LogFormat = "json" // structured JSON output
	LogFormatText LogFormat = "text" // human-readable text format
)

// String returns the string representation of the log format
func (f LogFormat) String() string {
	return string(f)
}

// IsValid checks if the log format is valid
func (f LogFormat) IsValid() bool {
	return f == LogFormatJSON || f == LogFormatText
}

type Config struct {
	// LogLevel determines the verbosity of debug output
	LogLevel LogLevel

	// LogFormat determines the output format
	LogFormat LogFormat

	IncludeTimestamp bool
	MaxDataLength    int

	// KindFilter only logs readings of these kinds (empty = all)
	KindFilter []string

	// ProviderFilter only logs readings from these providers (empty = all)
	ProviderFilter []string

	// StatsEvery logs running statistics every N readings (0 = never)
	StatsEvery uint64
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		LogLevel:         LogLevelDetails,
		LogFormat:        LogFormatText,
		IncludeTimestamp: true,
		MaxDataLength:    1000,
		KindFilter:       []string{},
		ProviderFilter:   []string{},
		StatsEvery:       1000,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.LogLevel < LogLevelBasic || c.LogLevel > LogLevelVerbose {
		return ErrInvalidLogLevel
	}

	if !c.LogFormat.IsValid() {
		return ErrInvalidLogFormat
	}

	if c.MaxDataLength < 0 {
		c.MaxDataLength = 0
	}

	return nil
}

func (c *Config) ShouldLogKind(kind string) bool {
	if len(c.KindFilter) == 0 {
		return true
	}

	for _, filter := range c.KindFilter {
		if filter == kind {
			return true
		}
	}
	return false
}

// ShouldLogProvider matches provider names case-insensitively.
func (c *Config) ShouldLogProvider(provider string) bool {
	if len(c.ProviderFilter) == 0 {
		return true
	}

	for _, filter := range c.ProviderFilter {
		if strings.EqualFold(filter, provider) {
			return true
		}
	}
	return false
}
