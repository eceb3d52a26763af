// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kkeirstead/diagnostics/internal/config"
	"github.com/kkeirstead/diagnostics/internal/counters"
	"github.com/kkeirstead/diagnostics/internal/pipeline"
	"github.com/kkeirstead/diagnostics/internal/session"
	"github.com/kkeirstead/diagnostics/internal/sinks/callback"
	"github.com/kkeirstead/diagnostics/internal/trigger"
)

var (
	files       string
	providers   string
	interval    time.Duration
	duration    time.Duration
	pace        float64
	outputFile  string
	triggerFile string
	verbose     bool
)

func init() {
	flag.StringVar(&files, "files", "", "Comma-separated NDJSON trace files to replay")
	flag.StringVar(&providers, "providers", "",
		"Comma-separated providers to subscribe to, each optionally followed by =counter|counter")
	flag.DurationVar(&interval, "interval", time.Second, "Counter interval requested from the session")
	flag.DurationVar(&duration, "duration", 0, "Stop after this long (0 replays until the files end)")
	flag.Float64Var(&pace, "pace", 0, "Replay speed relative to recorded timestamps (0 is as fast as possible)")
	flag.StringVar(&outputFile, "output", "", "Output file for readings (JSON lines, stdout if empty)")
	flag.StringVar(&triggerFile, "trigger", "", "Trigger definition (YAML or JSON) evaluated during the replay")
	flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
}

// parseProviders reads "System.Runtime=cpu-usage|working-set,Shop.Orders".
func parseProviders(s string) []counters.ProviderSpec {
	var specs []counters.ProviderSpec
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, list, _ := strings.Cut(entry, "=")
		spec := counters.ProviderSpec{Name: strings.TrimSpace(name)}
		for _, c := range strings.Split(list, "|") {
			if c = strings.TrimSpace(c); c != "" {
				spec.Counters = append(spec.Counters, c)
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

func loadTrigger(path string, logger logr.Logger, action trigger.Action) (*trigger.Sink, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc := &config.Document{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	instance, err := config.Parse(doc)
	if err != nil {
		return nil, err
	}
	tc, ok := instance.Object.(*config.TriggerConfig)
	if !ok {
		return nil, fmt.Errorf("%s defines a %s, not a %s", path, instance.Kind, config.KindTrigger)
	}

	opts := []trigger.SinkOption{trigger.WithSinkLogger(logger)}
	if tc.Instrument != nil {
		return trigger.NewSink(instance.Name, *tc.Instrument, action, opts...)
	}
	return trigger.NewEventCounterSink(instance.Name, *tc.EventCounter, action, opts...)
}

// output is a line printed for every reading and trigger notification.
type output struct {
	Timestamp time.Time          `json:"timestamp"`
	Kind      string             `json:"kind"`
	Provider  string             `json:"provider,omitempty"`
	Name      string             `json:"name,omitempty"`
	Units     string             `json:"units,omitempty"`
	Value     *float64           `json:"value,omitempty"`
	Quantiles map[string]float64 `json:"quantiles,omitempty"`
	Message   string             `json:"message,omitempty"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
	Trigger   string             `json:"trigger,omitempty"`
}

func readingOutput(r counters.Reading) output {
	out := output{
		Timestamp: r.Timestamp,
		Kind:      r.Kind().String(),
		Provider:  r.Provider,
		Name:      r.Name,
		Units:     r.DisplayUnits,
		Metadata:  r.MetadataMap(),
	}
	if v, ok := r.Scalar(); ok {
		out.Value = &v
	}
	switch v := r.Value.(type) {
	case counters.Histogram:
		out.Quantiles = make(map[string]float64, len(v.Quantiles))
		for _, q := range v.Quantiles {
			out.Quantiles[fmt.Sprintf("p%g", q.Percentile)] = q.Value
		}
	case counters.Error:
		out.Message = v.Message
	case counters.Ended:
		out.Message = v.Reason
	}
	return out
}

func main() {
	flag.Parse()

	// Setup logging
	var logger logr.Logger
	if verbose {
		zapLog, _ := zap.NewDevelopment()
		logger = zapr.NewLogger(zapLog)
	} else {
		logger = logr.Discard()
	}

	paths := strings.Split(files, ",")
	if files == "" {
		fmt.Fprintf(os.Stderr, "Error: --files is required\n")
		os.Exit(1)
	}

	replay, err := session.NewReplaySession(paths,
		session.WithReplayLogger(logger), session.WithPace(pace))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating replay session: %v\n", err)
		os.Exit(1)
	}

	pm, err := pipeline.NewManager(replay, pipeline.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating pipeline: %v\n", err)
		os.Exit(1)
	}

	var out *os.File
	if outputFile != "" {
		out, err = os.Create(outputFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating output file: %v\n", err)
			os.Exit(1)
		}
		defer out.Close()
	} else {
		out = os.Stdout
	}

	// Write readings as JSON Lines
	var (
		mu       sync.Mutex
		encoder  = json.NewEncoder(out)
		readings int
		fired    int
	)
	write := func(o output, count *int) error {
		mu.Lock()
		defer mu.Unlock()
		*count++
		return encoder.Encode(o)
	}

	if providers != "" {
		sink := callback.NewSink("output", func(r counters.Reading) error {
			return write(readingOutput(r), &readings)
		})
		spec := counters.FilterSpec{Providers: parseProviders(providers), Interval: interval}
		if _, err := pm.AddSubscription(spec, []counters.Sink{sink}, duration); err != nil {
			fmt.Fprintf(os.Stderr, "Error adding subscription: %v\n", err)
			os.Exit(1)
		}
	}

	if triggerFile != "" {
		sink, err := loadTrigger(triggerFile, logger, func(_ context.Context, n trigger.Notification) {
			o := readingOutput(n.Reading)
			o.Kind, o.Trigger, o.Timestamp = "trigger", n.Trigger, n.FiredAt
			if err := write(o, &fired); err != nil {
				fmt.Fprintf(os.Stderr, "Error writing notification: %v\n", err)
			}
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading trigger: %v\n", err)
			os.Exit(1)
		}
		if _, err := pm.AddSubscription(sink.FilterSpec(), []counters.Sink{sink}, duration); err != nil {
			fmt.Fprintf(os.Stderr, "Error adding trigger: %v\n", err)
			os.Exit(1)
		}
	}

	// Setup context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startTime := time.Now()
	run, err := pm.Start(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting replay: %v\n", err)
		os.Exit(1)
	}
	if err := run.Wait(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Replay failed: %v\n", err)
		os.Exit(1)
	}

	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(os.Stderr, "Replayed %d readings in %v, %d trigger notifications\n",
		readings, time.Since(startTime).Round(time.Millisecond), fired)
}
