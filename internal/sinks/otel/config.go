// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package otel

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kkeirstead/diagnostics/internal/environment"
)

// CompressionType represents the compression type for OTLP exports
type CompressionType string

const (
	CompressionGZip CompressionType = "gzip" // GZIP compression
	CompressionNone CompressionType = "none" // No compression

	// Upper bound on cached instruments; readings beyond it still record but
	// recreate their instrument on every call.
	MaxSafeInstruments = 10000
)

// Command-line flag variables (populated by init())
var (
	flagEnabled *bool
)

func init() {
	// All other configuration comes from standard OTEL environment variables
	flagEnabled = flag.Bool("enable-otel", false, "Export readings as OpenTelemetry metrics (configure via OTEL_* environment variables)")
}

// String returns the string representation of the compression type
func (c CompressionType) String() string {
	return string(c)
}

// IsValid checks if the compression type is valid
func (c CompressionType) IsValid() bool {
	return c == CompressionGZip || c == CompressionNone
}

type Config struct {
	// OTLP gRPC configuration
	Endpoint string // OTLP gRPC endpoint (default: localhost:4317)
	Insecure bool   // Disable TLS (default: false)

	// Headers for gRPC metadata
	Headers map[string]string

	Compression CompressionType

	// Timeout for export operations
	Timeout time.Duration

	RetryConfig RetryConfig

	// Resource attributes
	ServiceName    string // Service name (default: countermon)
	ServiceVersion string
	// Identity adds host and Kubernetes attributes to the resource
	Identity environment.Identity

	// ExportInterval is the period of the metric reader
	ExportInterval time.Duration

	// MaxInstruments bounds the instrument cache
	MaxInstruments int
}

// RetryConfig configures retry behavior for failed exports
type RetryConfig struct {
	Enabled        bool          // Enable retry logic
	MaxRetries     int           // Maximum number of retries
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		Endpoint:    "localhost:4317",
		Insecure:    false,
		Headers:     make(map[string]string),
		Compression: CompressionGZip,
		Timeout:     30 * time.Second,
		RetryConfig: RetryConfig{
			Enabled:        true,
			MaxRetries:     3,
			InitialBackoff: 1 * time.Second,
			MaxBackoff:     30 * time.Second,
		},
		ServiceName:    "countermon",
		ExportInterval: 10 * time.Second,
		MaxInstruments: 1000,
	}
}

// ApplyEnvironmentVariables applies standard OTLP environment variables to the configuration.
func (c *Config) ApplyEnvironmentVariables() {
	if endpoint := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Endpoint = endpoint
	}

	if insecure := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_INSECURE", "OTEL_EXPORTER_OTLP_INSECURE"); insecure != "" {
		if parsed, err := strconv.ParseBool(insecure); err == nil {
			c.Insecure = parsed
		}
	}

	if headers := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_HEADERS", "OTEL_EXPORTER_OTLP_HEADERS"); headers != "" {
		c.Headers = parseHeaders(headers)
	}

	if compression := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_COMPRESSION", "OTEL_EXPORTER_OTLP_COMPRESSION"); compression != "" {
		compressionType := CompressionType(compression)
		if compressionType.IsValid() {
			c.Compression = compressionType
		}
	}

	if timeout := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_TIMEOUT", "OTEL_EXPORTER_OTLP_TIMEOUT"); timeout != "" {
		if duration, err := time.ParseDuration(timeout); err == nil {
			c.Timeout = duration
		}
	}

	if serviceName := os.Getenv("OTEL_SERVICE_NAME"); serviceName != "" {
		c.ServiceName = serviceName
	}

	if serviceVersion := os.Getenv("OTEL_SERVICE_VERSION"); serviceVersion != "" {
		c.ServiceVersion = serviceVersion
	}

	// OTEL_METRIC_EXPORT_INTERVAL is expressed in milliseconds
	if interval := os.Getenv("OTEL_METRIC_EXPORT_INTERVAL"); interval != "" {
		if ms, err := strconv.Atoi(interval); err == nil && ms > 0 {
			c.ExportInterval = time.Duration(ms) * time.Millisecond
		}
	}
}

// getEnvVar returns the first non-empty environment variable from the list
func getEnvVar(names ...string) string {
	for _, name := range names {
		if value := os.Getenv(name); value != "" {
			return value
		}
	}
	return ""
}

// parseHeaders parses comma-separated key=value pairs into a map
func parseHeaders(headers string) map[string]string {
	result := make(map[string]string)

	for _, pair := range strings.Split(headers, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			if key != "" {
				result[key] = value
			}
		}
	}

	return result
}

// Validate ensures the configuration is valid and sets reasonable defaults.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return ErrEndpointRequired
	}

	if c.Compression != "" && !c.Compression.IsValid() {
		return ErrInvalidCompressionType
	}

	if c.Compression == "" {
		c.Compression = CompressionGZip
	}

	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}

	if c.ExportInterval <= 0 {
		c.ExportInterval = 10 * time.Second
	}

	if c.MaxInstruments <= 0 {
		c.MaxInstruments = 1000
	} else if c.MaxInstruments > MaxSafeInstruments {
		return ErrTooManyInstruments
	}

	if c.ServiceName == "" {
		c.ServiceName = "countermon"
	}

	if c.RetryConfig.MaxRetries < 0 {
		c.RetryConfig.MaxRetries = 0
	}

	if c.RetryConfig.InitialBackoff <= 0 {
		c.RetryConfig.InitialBackoff = 1 * time.Second
	}

	if c.RetryConfig.MaxBackoff <= 0 {
		c.RetryConfig.MaxBackoff = 30 * time.Second
	}

	return nil
}

// GetConfigFromEnvironment builds a Config from environment variables
func GetConfigFromEnvironment() Config {
	config := DefaultConfig()
	config.ApplyEnvironmentVariables()
	config.Identity = environment.GetIdentity()
	return config
}

// IsEnabled returns whether OpenTelemetry export is enabled via flags
func IsEnabled() bool {
	return flagEnabled != nil && *flagEnabled
}

// Common errors
var (
	ErrEndpointRequired       = fmt.Errorf("OTLP endpoint is required when OpenTelemetry is enabled")
	ErrInvalidCompressionType = fmt.Errorf("compression type must be '%s' or '%s'", CompressionGZip, CompressionNone)
	ErrTooManyInstruments     = fmt.Errorf("instrument cache cannot exceed %d", MaxSafeInstruments)
)
