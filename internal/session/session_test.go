// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkeirstead/diagnostics/internal/session"
)

func TestEventCounterProvider(t *testing.T) {
	p := session.EventCounterProvider("System.Runtime", 5*time.Second)

	assert.Equal(t, "System.Runtime", p.Name)
	assert.Equal(t, session.LevelInformational, p.Level)
	assert.Equal(t, "5", p.Arguments[session.EventCounterIntervalArgument])

	interval, ok := p.EventCounterInterval()
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, interval)
}

func TestMetricsProvider(t *testing.T) {
	p := session.MetricsProvider("abc", []string{"Shop.Orders", "Shop.Payments"}, 2*time.Second,
		session.Limits{MaxHistograms: 10, MaxTimeSeries: 1000})

	assert.Equal(t, session.MetricsProviderName, p.Name)
	assert.Equal(t, session.TimeSeriesValuesKeyword, p.Keywords)
	assert.Equal(t, map[string]string{
		session.SessionIDArgument:       "abc",
		session.MetricsArgument:         "Shop.Orders,Shop.Payments",
		session.RefreshIntervalArgument: "2",
		session.MaxTimeSeriesArgument:   "1000",
		session.MaxHistogramsArgument:   "10",
	}, p.Arguments)

	_, ok := p.EventCounterInterval()
	assert.False(t, ok)
}

func TestConfiguration_ProviderLookup(t *testing.T) {
	cfg := session.Configuration{Providers: []session.Provider{
		session.EventCounterProvider("System.Runtime", time.Second),
	}}

	_, ok := cfg.Provider("system.runtime")
	assert.True(t, ok)
	_, ok = cfg.Provider("Other")
	assert.False(t, ok)
}

func TestMemorySession_PublishAndEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := session.NewMemorySession()
	src, err := s.Start(ctx, session.Configuration{SessionID: "x"})
	require.NoError(t, err)

	select {
	case <-src.Started():
	case <-ctx.Done():
		t.Fatal("source never started")
	}

	mem := s.Latest()
	require.NotNil(t, mem)
	assert.Equal(t, "x", mem.Configuration().SessionID)

	go func() {
		_ = mem.Publish(session.TraceEvent{EventName: "a"})
		_ = mem.Publish(session.TraceEvent{EventName: "b"})
		mem.End(errors.New("transport dropped"))
	}()

	var names []string
	for ev := range src.Events() {
		names = append(names, ev.EventName)
	}
	assert.Equal(t, []string{"a", "b"}, names)
	assert.EqualError(t, src.Err(), "transport dropped")
	assert.ErrorIs(t, mem.Publish(session.TraceEvent{}), session.ErrSessionEnded)
}

func TestMemorySession_StartError(t *testing.T) {
	boom := errors.New("boom")
	s := session.NewMemorySession(session.WithStartError(boom))

	_, err := s.Start(context.Background(), session.Configuration{})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, s.Configurations(), 1)
}

func TestMemorySession_ManualStartAndStop(t *testing.T) {
	s := session.NewMemorySession(session.WithManualStart())
	src, err := s.Start(context.Background(), session.Configuration{})
	require.NoError(t, err)

	select {
	case <-src.Started():
		t.Fatal("source started before MarkStarted")
	default:
	}

	s.Latest().MarkStarted()
	<-src.Started()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, src.Stop(ctx))
	_, open := <-src.Events()
	assert.False(t, open)
	assert.NoError(t, src.Err())
}

func writeNDJSON(t *testing.T, dir, name string, events []session.TraceEvent) string {
	t.Helper()
	var lines []string
	for _, ev := range events {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		lines = append(lines, string(data))
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

func TestReplaySession_FiltersAndRewrites(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	path := writeNDJSON(t, dir, "trace.ndjson", []session.TraceEvent{
		{ProviderName: "System.Runtime", EventName: "EventCounters", Timestamp: base,
			Payload: map[string]any{"Payload": map[string]any{"Name": "cpu-usage", "Mean": 3}}},
		{ProviderName: "Unrequested", EventName: "EventCounters", Timestamp: base},
		{ProviderName: session.MetricsProviderName, EventName: "GaugeValuePublished", Timestamp: base,
			Payload: map[string]any{"sessionId": "recorded", "lastValue": "1"}},
	})

	s, err := session.NewReplaySession([]string{path}, session.WithReplayLogger(testr.New(t)))
	require.NoError(t, err)

	cfg := session.Configuration{
		SessionID: "live",
		Providers: []session.Provider{
			session.EventCounterProvider("System.Runtime", time.Second),
			session.MetricsProvider("live", []string{"m"}, time.Second, session.Limits{}),
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	src, err := s.Start(ctx, cfg)
	require.NoError(t, err)
	<-src.Started()

	var got []session.TraceEvent
	for ev := range src.Events() {
		got = append(got, ev)
	}
	require.NoError(t, src.Err())
	require.Len(t, got, 2)

	assert.Equal(t, "System.Runtime", got[0].ProviderName)
	nested, ok := got[0].Payload["Payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, json.Number("3"), nested["Mean"])

	assert.Equal(t, "live", got[1].Payload["sessionId"])
}

func TestReplaySession_Errors(t *testing.T) {
	_, err := session.NewReplaySession(nil)
	assert.ErrorIs(t, err, session.ErrNoReplayFiles)

	s, err := session.NewReplaySession([]string{filepath.Join(t.TempDir(), "missing.ndjson")})
	require.NoError(t, err)

	_, err = s.Start(context.Background(), session.Configuration{})
	assert.ErrorIs(t, err, session.ErrNoProviders)

	_, err = s.Start(context.Background(), session.Configuration{
		Providers: []session.Provider{session.EventCounterProvider("A", time.Second)},
	})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReplaySession_DecodeError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.ndjson")
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n"), 0644))

	s, err := session.NewReplaySession([]string{path})
	require.NoError(t, err)

	src, err := s.Start(context.Background(), session.Configuration{
		Providers: []session.Provider{session.EventCounterProvider("A", time.Second)},
	})
	require.NoError(t, err)

	for range src.Events() {
	}
	assert.Error(t, src.Err())
}

func TestReplaySession_StopWhilePaced(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	path := writeNDJSON(t, dir, "slow.ndjson", []session.TraceEvent{
		{ProviderName: "A", EventName: "x", Timestamp: base},
		{ProviderName: "A", EventName: "y", Timestamp: base.Add(time.Hour)},
	})

	s, err := session.NewReplaySession([]string{path}, session.WithPace(1))
	require.NoError(t, err)

	src, err := s.Start(context.Background(), session.Configuration{
		Providers: []session.Provider{session.EventCounterProvider("A", time.Second)},
	})
	require.NoError(t, err)

	first := <-src.Events()
	assert.Equal(t, "x", first.EventName)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, src.Stop(ctx))
	assert.NoError(t, src.Err())
}
