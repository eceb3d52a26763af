// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package session

import (
	"flag"
	"strings"

	"github.com/go-logr/logr"
)

var (
	replayFiles string
	replayPace  float64
)

func init() {
	flag.StringVar(&replayFiles, "replay-files", "",
		"Comma-separated NDJSON trace files replayed as the event session")
	flag.Float64Var(&replayPace, "replay-pace", 0,
		"Replay speed relative to recorded timestamps. Zero replays as fast as possible")
}

// GetReplayFromFlags builds the ReplaySession selected by command line flags.
func GetReplayFromFlags(logger logr.Logger) (*ReplaySession, error) {
	var paths []string
	for _, p := range strings.Split(replayFiles, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return NewReplaySession(paths, WithReplayLogger(logger), WithPace(replayPace))
}
