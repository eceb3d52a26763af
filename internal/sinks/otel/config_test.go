// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package otel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "localhost:4317", config.Endpoint)
	assert.Equal(t, CompressionGZip, config.Compression)
	assert.Equal(t, 10*time.Second, config.ExportInterval)
	assert.Equal(t, "countermon", config.ServiceName)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{
			name:   "defaults filled",
			config: Config{Endpoint: "collector:4317"},
		},
		{
			name:    "missing endpoint",
			config:  Config{},
			wantErr: ErrEndpointRequired,
		},
		{
			name:    "bad compression",
			config:  Config{Endpoint: "collector:4317", Compression: "zstd"},
			wantErr: ErrInvalidCompressionType,
		},
		{
			name:    "too many instruments",
			config:  Config{Endpoint: "collector:4317", MaxInstruments: MaxSafeInstruments + 1},
			wantErr: ErrTooManyInstruments,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, CompressionGZip, tt.config.Compression)
			assert.Equal(t, 30*time.Second, tt.config.Timeout)
			assert.Equal(t, 1000, tt.config.MaxInstruments)
			assert.Equal(t, "countermon", tt.config.ServiceName)
		})
	}
}

func TestApplyEnvironmentVariables(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "generic:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "metrics:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "api-key=secret, tenant = a ,bogus")
	t.Setenv("OTEL_EXPORTER_OTLP_COMPRESSION", "none")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT", "5s")
	t.Setenv("OTEL_SERVICE_NAME", "svc")
	t.Setenv("OTEL_METRIC_EXPORT_INTERVAL", "2500")

	config := GetConfigFromEnvironment()

	assert.Equal(t, "metrics:4317", config.Endpoint)
	assert.True(t, config.Insecure)
	assert.Equal(t, map[string]string{"api-key": "secret", "tenant": "a"}, config.Headers)
	assert.Equal(t, CompressionNone, config.Compression)
	assert.Equal(t, 5*time.Second, config.Timeout)
	assert.Equal(t, "svc", config.ServiceName)
	assert.Equal(t, 2500*time.Millisecond, config.ExportInterval)
}
