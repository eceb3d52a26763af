// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package environment_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkeirstead/diagnostics/internal/environment"
)

func TestGetNodeName(t *testing.T) {
	t.Setenv("NODE_NAME", "worker-1")
	name, err := environment.GetNodeName()
	require.NoError(t, err)
	assert.Equal(t, "worker-1", name)

	t.Setenv("NODE_NAME", "")
	hostname, err := os.Hostname()
	require.NoError(t, err)
	name, err = environment.GetNodeName()
	require.NoError(t, err)
	assert.Equal(t, hostname, name)
}

func TestGetPodMetadata(t *testing.T) {
	tests := []struct {
		name      string
		podName   string
		namespace string
		expected  *environment.PodMetadata
	}{
		{name: "not in a pod"},
		{
			name:      "valid pod",
			podName:   "countermon-7d9f8",
			namespace: "monitoring",
			expected:  &environment.PodMetadata{Name: "countermon-7d9f8", Namespace: "monitoring", UID: "uid-1"},
		},
		{name: "invalid pod name", podName: "Countermon_Pod", namespace: "monitoring"},
		{name: "invalid namespace", podName: "countermon", namespace: "Monitoring!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("POD_NAME", tt.podName)
			t.Setenv("POD_NAMESPACE", tt.namespace)
			t.Setenv("POD_UID", "uid-1")
			assert.Equal(t, tt.expected, environment.GetPodMetadata())
		})
	}
}

func TestGetIdentity(t *testing.T) {
	t.Setenv("NODE_NAME", "worker-2")
	t.Setenv("CLUSTER_NAME", "prod")
	t.Setenv("POD_NAME", "")

	id := environment.GetIdentity()
	assert.Equal(t, "worker-2", id.NodeName)
	assert.Equal(t, "prod", id.ClusterName)
	assert.Nil(t, id.Pod)
}
