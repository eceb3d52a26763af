// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package debug

import (
	"flag"
	"strings"
)

// Command-line flag variables (populated by init())
var (
	flagEnabled   *bool
	flagLevel     *string
	flagFormat    *string
	flagKinds     *string
	flagProviders *string
)

func init() {
	flagEnabled = flag.Bool("enable-debug-sink", false, "Log every reading of every subscription")
	flagLevel = flag.String("debug-sink-level", "details", "Debug sink verbosity: basic, details or verbose")
	flagFormat = flag.String("debug-sink-format", string(LogFormatText), "Debug sink output format: text or json")
	flagKinds = flag.String("debug-sink-kinds", "", "Comma-separated reading kinds to log (empty = all)")
	flagProviders = flag.String("debug-sink-providers", "", "Comma-separated providers to log (empty = all)")
}

// IsEnabled returns whether the debug sink is enabled via flags
func IsEnabled() bool {
	return flagEnabled != nil && *flagEnabled
}

// GetConfigFromFlags builds a Config from the package's command-line flags
func GetConfigFromFlags() (Config, error) {
	config := DefaultConfig()

	if flagLevel != nil && *flagLevel != "" {
		level, err := ParseLogLevel(*flagLevel)
		if err != nil {
			return config, err
		}
		config.LogLevel = level
	}
	if flagFormat != nil && *flagFormat != "" {
		config.LogFormat = LogFormat(strings.ToLower(*flagFormat))
	}
	if flagKinds != nil {
		config.KindFilter = splitList(*flagKinds)
	}
	if flagProviders != nil {
		config.ProviderFilter = splitList(*flagProviders)
	}

	return config, config.Validate()
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
