// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package environment describes where countermon is running, from
// environment variables.
package environment

import (
	"os"

	"k8s.io/apimachinery/pkg/util/validation"
)

// Identity is what countermon knows about the host it runs on.
type Identity struct {
	NodeName    string
	ClusterName string
	Pod         *PodMetadata
}

// PodMetadata contains Kubernetes pod metadata from downward API
type PodMetadata struct {
	Name      string // Pod name
	Namespace string // Pod namespace
	UID       string // Pod UID
}

// GetIdentity collects node, cluster and pod identity. Missing values are
// left empty.
func GetIdentity() Identity {
	nodeName, _ := GetNodeName()
	return Identity{
		NodeName:    nodeName,
		ClusterName: GetClusterName(),
		Pod:         GetPodMetadata(),
	}
}

// GetNodeName returns the node name from NODE_NAME environment variable,
// falling back to hostname if not set.
func GetNodeName() (string, error) {
	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return "", err
		}
		nodeName = hostname
	}
	return nodeName, nil
}

// GetClusterName returns the cluster name from CLUSTER_NAME environment variable.
// Returns empty string if not set.
func GetClusterName() string {
	return os.Getenv("CLUSTER_NAME")
}

// GetPodMetadata returns pod metadata from environment variables set by Kubernetes downward API.
// Returns nil if POD_NAME is not set or if metadata fails validation.
func GetPodMetadata() *PodMetadata {
	podName := os.Getenv("POD_NAME")
	if podName == "" {
		return nil
	}

	if errs := validation.IsDNS1123Subdomain(podName); len(errs) > 0 {
		return nil
	}

	namespace := os.Getenv("POD_NAMESPACE")
	if namespace != "" {
		if errs := validation.IsDNS1123Label(namespace); len(errs) > 0 {
			return nil
		}
	}

	return &PodMetadata{
		Name:      podName,
		Namespace: namespace,
		UID:       os.Getenv("POD_UID"),
	}
}
