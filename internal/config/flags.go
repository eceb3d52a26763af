// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt
package config

import (
	"flag"

	"github.com/go-logr/logr"
)

var (
	defaultFSPath string
)

func init() {
	flag.StringVar(&defaultFSPath, "config-fs-path", "/etc/countermon",
		"Path to the directory of subscription and trigger definitions")
}

func getDefaultLoader(logger logr.Logger) (Loader, error) {
	return NewFSLoader(defaultFSPath, logger.WithName("config.fs"))
}
