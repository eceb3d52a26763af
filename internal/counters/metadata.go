// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package counters

import (
	"strconv"
	"strings"
	"time"
)

const seriesIntervalPrefix = "interval="

// ParseMetadata parses a comma-joined list of key:value pairs. Keys never
// contain ':' or ','; values may contain ',' and extend up to the last ','
// that precedes the next key's ':'. ok is false and the result empty when the
// string is malformed.
func ParseMetadata(s string) (labels []Label, ok bool) {
	rest := s
	for len(rest) > 0 {
		colon := strings.IndexByte(rest, ':')
		if colon <= 0 {
			return nil, false
		}
		key := rest[:colon]
		if strings.IndexByte(key, ',') >= 0 {
			return nil, false
		}
		rest = rest[colon+1:]

		next := strings.IndexByte(rest, ':')
		if next < 0 {
			labels = append(labels, Label{Key: key, Value: rest})
			break
		}

		comma := strings.LastIndexByte(rest[:next], ',')
		if comma < 0 {
			// a ':' inside the value before any separator
			return nil, false
		}
		labels = append(labels, Label{Key: key, Value: rest[:comma]})
		rest = rest[comma+1:]
	}
	return labels, true
}

// FormatMetadata joins labels into the key:value form read by ParseMetadata.
func FormatMetadata(labels []Label) string {
	var b strings.Builder
	for i, l := range labels {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l.Key)
		b.WriteByte(':')
		b.WriteString(l.Value)
	}
	return b.String()
}

// ParseTags parses comma-joined key=value pairs as published with structured
// instruments. Entries without '=' are skipped.
func ParseTags(s string) []Label {
	if s == "" {
		return nil
	}
	var labels []Label
	for _, pair := range strings.Split(s, ",") {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			continue
		}
		labels = append(labels, Label{Key: key, Value: value})
	}
	return labels
}

// ParseSeriesInterval returns the sampling interval named by a series tag of
// the form "Interval=<seconds>". Other tags yield zero.
func ParseSeriesInterval(series string) time.Duration {
	if len(series) < len(seriesIntervalPrefix) ||
		!strings.EqualFold(series[:len(seriesIntervalPrefix)], seriesIntervalPrefix) {
		return 0
	}
	seconds, err := strconv.Atoi(series[len(seriesIntervalPrefix):])
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
