// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkeirstead/diagnostics/internal/config"
)

// subscriptionJSON creates a JSON Subscription document
func subscriptionJSON(name, version string) string {
	return fmt.Sprintf(`{"kind":"Subscription","name":%q,"version":%q,"spec":{"filter":{"providers":[{"name":"System.Runtime"}],"interval":"5s"},"sinks":["debug"]}}`, name, version)
}

// subscriptionYAML creates a YAML Subscription document
func subscriptionYAML(name, version string) string {
	return `kind: Subscription
name: ` + name + `
version: "` + version + `"
spec:
  filter:
    providers:
      - name: System.Runtime
        counters: [cpu-usage, working-set]
    interval: 5s
  duration: 1m
`
}

func triggerYAML(name string) string {
	return `kind: Trigger
name: ` + name + `
spec:
  instrument:
    providerName: Shop.Orders
    instrumentName: latency
    greaterThan: 100
    slidingWindowDuration: 30s
    counterInterval: 5s
`
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func receive(t *testing.T, ch <-chan config.Instance) config.Instance {
	t.Helper()
	select {
	case instance := <-ch:
		return instance
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for instance")
		return config.Instance{}
	}
}

func TestFSLoader_Watch(t *testing.T) {
	tests := []struct {
		name         string
		filename     string
		content      string
		expectObject bool
		expectName   string
		expectKind   config.Kind
	}{
		{
			name:         "valid JSON config",
			filename:     "config.json",
			content:      subscriptionJSON("test-json-object", "1"),
			expectObject: true,
			expectName:   "test-json-object",
			expectKind:   config.KindSubscription,
		},
		{
			name:         "valid YAML config",
			filename:     "config.yaml",
			content:      subscriptionYAML("test-yaml-object", "1"),
			expectObject: true,
			expectName:   "test-yaml-object",
			expectKind:   config.KindSubscription,
		},
		{
			name:         "valid YML trigger",
			filename:     "trigger.yml",
			content:      triggerYAML("test-yml-object"),
			expectObject: true,
			expectName:   "test-yml-object",
			expectKind:   config.KindTrigger,
		},
		{
			name:         "case insensitive JSON",
			filename:     "Config.JSON",
			content:      subscriptionJSON("test-object", "1"),
			expectObject: true,
			expectName:   "test-object",
			expectKind:   config.KindSubscription,
		},
		{
			name:     "invalid JSON",
			filename: "invalid.json",
			content:  `{"invalid": json`,
		},
		{
			name:     "invalid YAML",
			filename: "invalid.yaml",
			content: `invalid: yaml
  - with: bad
    indentation`,
		},
		{
			name:     "empty YAML file",
			filename: "empty.yaml",
			content:  "",
		},
		{
			name:     "non-config file",
			filename: "test.txt",
			content:  "some text content",
		},
		{
			name:         "subdirectory YAML config",
			filename:     "subdir/nested.yaml",
			content:      subscriptionYAML("nested-object", "1"),
			expectObject: true,
			expectName:   "nested-object",
			expectKind:   config.KindSubscription,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tempDir := t.TempDir()
			writeFile(t, filepath.Join(tempDir, tt.filename), tt.content)

			fl, err := config.NewFSLoader(tempDir, testr.New(t))
			require.NoError(t, err)
			defer fl.Close()

			instanceCh := fl.Watch(config.Options{})

			if tt.expectObject {
				instance := receive(t, instanceCh)
				assert.Equal(t, tt.expectName, instance.Name)
				assert.Equal(t, tt.expectKind, instance.Kind)
				assert.Equal(t, config.StatusOK, instance.Status)
				assert.NotNil(t, instance.Object)
				return
			}

			select {
			case instance := <-instanceCh:
				t.Fatalf("unexpected instance received: %+v", instance)
			case <-time.After(500 * time.Millisecond):
			}
		})
	}
}

func TestFSLoader_ListConfigs(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	writeFile(t, filepath.Join(tempDir, "a.json"), subscriptionJSON("a", "1"))
	writeFile(t, filepath.Join(tempDir, "b.yaml"), subscriptionYAML("b", "1"))
	writeFile(t, filepath.Join(tempDir, "t.yaml"), triggerYAML("t"))

	fl, err := config.NewFSLoader(tempDir, testr.New(t))
	require.NoError(t, err)
	defer fl.Close()

	configs, err := fl.ListConfigs(config.Options{})
	require.NoError(t, err)
	assert.Len(t, configs, 2)
	assert.Len(t, configs[config.KindSubscription], 2)
	assert.Len(t, configs[config.KindTrigger], 1)

	configs, err = fl.ListConfigs(config.Options{
		Filters: config.Filters{Kinds: []config.Kind{config.KindTrigger}},
	})
	require.NoError(t, err)
	assert.Len(t, configs, 1)
	assert.Contains(t, configs, config.KindTrigger)
}

func TestFSLoader_GetConfig(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	writeFile(t, filepath.Join(tempDir, "runtime.yaml"), subscriptionYAML("runtime", "1"))

	fl, err := config.NewFSLoader(tempDir, testr.New(t))
	require.NoError(t, err)
	defer fl.Close()

	instance, err := fl.GetConfig(config.KindSubscription, "runtime")
	require.NoError(t, err)
	assert.Equal(t, "runtime", instance.Name)

	sub, ok := instance.Object.(*config.SubscriptionConfig)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, sub.Filter.Interval)
	assert.Equal(t, []string{"cpu-usage", "working-set"}, sub.Filter.Providers[0].Counters)
	assert.Equal(t, time.Minute, sub.Duration)

	// Returned instances are copies.
	sub.Filter.Providers[0].Counters[0] = "mutated"
	again, err := fl.GetConfig(config.KindSubscription, "runtime")
	require.NoError(t, err)
	assert.Equal(t, "cpu-usage", again.Object.(*config.SubscriptionConfig).Filter.Providers[0].Counters[0])

	_, err = fl.GetConfig(config.KindSubscription, "nonexistent")
	assert.Error(t, err)

	_, err = fl.GetConfig(config.KindTrigger, "runtime")
	assert.Error(t, err)
}

func TestFSLoader_FileChangeSubscription(t *testing.T) {
	tests := []struct {
		name          string
		filters       config.Filters
		updatedConfig string
		expectStatus  config.Status
		expectVersion string
	}{
		{
			name:          "valid config update",
			updatedConfig: subscriptionJSON("config1", "2"),
			expectStatus:  config.StatusOK,
			expectVersion: "2",
		},
		{
			name:          "invalid spec",
			filters:       config.Filters{Status: config.StatusOK | config.StatusInvalid},
			updatedConfig: `{"kind":"Subscription","name":"config1","version":"2","spec":{"filter":{"interval":"0s"}}}`,
			expectStatus:  config.StatusInvalid,
		},
		{
			name:          "unknown kind",
			filters:       config.Filters{Status: config.StatusOK | config.StatusInvalid},
			updatedConfig: `{"kind":"Dashboard","name":"config1","version":"2","spec":{}}`,
			expectStatus:  config.StatusInvalid,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tempDir := t.TempDir()
			configFile := filepath.Join(tempDir, "config1.json")
			writeFile(t, configFile, subscriptionJSON("config1", "1"))

			fl, err := config.NewFSLoader(tempDir, testr.New(t))
			require.NoError(t, err)
			defer fl.Close()

			instanceCh := fl.Watch(config.Options{Filters: tt.filters})

			// Drain initial config (loaded at startup)
			receive(t, instanceCh)

			writeFile(t, configFile, tt.updatedConfig)

			// A truncating write may surface an empty-file event first.
			deadline := time.After(2 * time.Second)
			for {
				select {
				case instance := <-instanceCh:
					if instance.Name == "" {
						continue
					}
					assert.Equal(t, tt.expectStatus, instance.Status)
					if tt.expectStatus == config.StatusOK {
						assert.Equal(t, tt.expectVersion, instance.Version)
						assert.NotNil(t, instance.Object)
					}
					return
				case <-deadline:
					t.Fatal("timeout waiting for config update")
				}
			}
		})
	}
}

func TestFSLoader_RemoveExpires(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "runtime.yaml")
	writeFile(t, configFile, subscriptionYAML("runtime", "1"))

	fl, err := config.NewFSLoader(tempDir, testr.New(t))
	require.NoError(t, err)
	defer fl.Close()

	instanceCh := fl.Watch(config.Options{})
	assert.False(t, receive(t, instanceCh).Expired)

	require.NoError(t, os.Remove(configFile))

	instance := receive(t, instanceCh)
	assert.Equal(t, "runtime", instance.Name)
	assert.True(t, instance.Expired)

	_, err = fl.GetConfig(config.KindSubscription, "runtime")
	assert.Error(t, err)
}

func TestFSLoader_IgnoresOlderVersion(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	writeFile(t, filepath.Join(tempDir, "a.yaml"), subscriptionYAML("runtime", "5"))
	writeFile(t, filepath.Join(tempDir, "b.yaml"), subscriptionYAML("runtime", "3"))

	fl, err := config.NewFSLoader(tempDir, testr.New(t))
	require.NoError(t, err)
	defer fl.Close()

	instance, err := fl.GetConfig(config.KindSubscription, "runtime")
	require.NoError(t, err)
	assert.Equal(t, "5", instance.Version)
}

func TestFSLoader_Close(t *testing.T) {
	fl, err := config.NewFSLoader(t.TempDir(), testr.New(t))
	require.NoError(t, err)

	ch := fl.Watch(config.Options{})
	require.NoError(t, fl.Close())

	_, open := <-ch
	assert.False(t, open)
	assert.Nil(t, fl.Watch(config.Options{}))
}
