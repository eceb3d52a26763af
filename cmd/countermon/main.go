// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/kkeirstead/diagnostics/internal/api"
	"github.com/kkeirstead/diagnostics/internal/config"
	"github.com/kkeirstead/diagnostics/internal/monitor"
	"github.com/kkeirstead/diagnostics/internal/pipeline"
	"github.com/kkeirstead/diagnostics/internal/session"
	"github.com/kkeirstead/diagnostics/internal/sinks/debug"
	"github.com/kkeirstead/diagnostics/internal/sinks/kafka"
	"github.com/kkeirstead/diagnostics/internal/sinks/otel"
	"github.com/kkeirstead/diagnostics/internal/sinks/prometheus"
	"github.com/kkeirstead/diagnostics/internal/version"
)

const sinkShutdownTimeout = 10 * time.Second

var (
	setupLog logr.Logger

	// CLI Options (alphabetical order)
	apiAddr       string
	enableHTTP2   bool
	maxHistograms int
	maxTimeSeries int
	metricsAddr   string
	pprofAddr     string
	probeAddr     string
	restartDelay  time.Duration
)

func init() {
	flag.StringVar(&apiAddr, "api-bind-address", ":8090",
		"The address the subscription API binds to. Set this to '0' to disable the API server")
	flag.BoolVar(&enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics server")
	flag.IntVar(&maxHistograms, "max-histograms", pipeline.DefaultMaxHistograms,
		"Maximum number of histograms tracked by the instrument provider")
	flag.IntVar(&maxTimeSeries, "max-time-series", pipeline.DefaultMaxTimeSeries,
		"Maximum number of time series tracked by the instrument provider")
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080",
		"The address the metric endpoint binds to. Set this to '0' to disable the metrics server")
	flag.StringVar(&pprofAddr, "pprof-address", "0",
		"The address the pprof server binds to. Set this to '0' to disable the pprof server")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081",
		"The address the probe endpoint binds to. Set this to '0' to disable the probe server")
	flag.DurationVar(&restartDelay, "restart-delay", 2*time.Second,
		"How long config changes are batched before the session is restarted to apply them")

	opts := zap.Options{}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
	setupLog = ctrl.Log.WithName("setup")
}

func createManager() (manager.Manager, error) {
	// if the enable-http2 flag is false (the default), http/2 should be disabled
	// due to its vulnerabilities. More specifically, disabling http/2 will
	// prevent from being vulnerable to the HTTP/2 Stream Cancelation and
	// Rapid Reset CVEs. For more information see:
	// - https://github.com/advisories/GHSA-qppj-fm5r-hxr3
	// - https://github.com/advisories/GHSA-4374-p667-p6c8
	disableHTTP2 := func(c *tls.Config) {
		setupLog.Info("disabling http/2")
		c.NextProtos = []string{"http/1.1"}
	}

	tlsOpts := []func(*tls.Config){}
	if !enableHTTP2 {
		tlsOpts = append(tlsOpts, disableHTTP2)
	}

	// countermon never talks to a cluster, so the manager runs standalone
	// with an empty rest config and no leader election.
	return manager.New(&rest.Config{}, manager.Options{
		Metrics: metricsserver.Options{
			BindAddress: metricsAddr,
			TLSOpts:     tlsOpts,
		},
		HealthProbeBindAddress: probeAddr,
		PprofBindAddress:       pprofAddr,
		LeaderElection:         false,
	})
}

// closer releases what a sink holds once the manager has stopped.
type closer func(ctx context.Context) error

func registerSinks(logger logr.Logger, registry *monitor.Registry) ([]closer, error) {
	var closers []closer

	promSink, err := prometheus.NewSink(ctrlmetrics.Registry)
	if err != nil {
		return nil, err
	}
	if err := registry.Register("prometheus", promSink, true); err != nil {
		return nil, err
	}

	if debug.IsEnabled() {
		debugConfig, err := debug.GetConfigFromFlags()
		if err != nil {
			return nil, err
		}
		debugSink, err := debug.NewSink(debugConfig, logger)
		if err != nil {
			return nil, err
		}
		if err := registry.Register("debug", debugSink, true); err != nil {
			return nil, err
		}
		setupLog.Info("debug sink registered")
	}

	if otel.IsEnabled() {
		otelConfig := otel.GetConfigFromEnvironment()
		otelConfig.ServiceVersion = version.Version()
		otelSink, err := otel.NewSink(otelConfig, logger)
		if err != nil {
			return nil, err
		}
		if err := registry.Register("otel", otelSink, true); err != nil {
			return nil, err
		}
		closers = append(closers, otelSink.Shutdown)
		setupLog.Info("OpenTelemetry sink registered", "endpoint", otelConfig.Endpoint)
	}

	if kafka.IsEnabled() {
		kafkaConfig := kafka.GetConfigFromFlags()
		kafkaSink, err := kafka.NewSink(kafkaConfig, logger)
		if err != nil {
			return nil, err
		}
		if err := registry.Register("kafka", kafkaSink, true); err != nil {
			return nil, err
		}
		closers = append(closers, func(context.Context) error { return kafkaSink.Close() })
		setupLog.Info("Kafka sink registered", "brokers", kafkaConfig.Brokers, "topic", kafkaConfig.Topic)
	}

	return closers, nil
}

func main() {
	ctx := ctrl.SetupSignalHandler()

	setupLog.Info("starting countermon", "version", version.Version(), "rev", version.Rev())

	mgr, err := createManager()
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	// Setup Config Manager
	configMgr, err := config.NewManager(
		config.WithLogger(mgr.GetLogger()),
	)
	if err != nil {
		setupLog.Error(err, "unable to create config manager")
		os.Exit(1)
	}
	if err := mgr.Add(configMgr); err != nil {
		setupLog.Error(err, "unable to register config manager")
		os.Exit(1)
	}

	// Setup Session
	replay, err := session.GetReplayFromFlags(mgr.GetLogger().WithName("session"))
	if err != nil {
		setupLog.Error(err, "unable to create event session")
		os.Exit(1)
	}

	// Setup Pipeline
	promObserver, err := pipeline.NewPrometheusObserver(ctrlmetrics.Registry)
	if err != nil {
		setupLog.Error(err, "unable to create pipeline metrics")
		os.Exit(1)
	}
	pm, err := pipeline.NewManager(replay,
		pipeline.WithLogger(mgr.GetLogger()),
		pipeline.WithObserver(promObserver),
		pipeline.WithMaxHistograms(maxHistograms),
		pipeline.WithMaxTimeSeries(maxTimeSeries),
	)
	if err != nil {
		setupLog.Error(err, "unable to create pipeline manager")
		os.Exit(1)
	}

	// Setup Sinks
	registry := monitor.NewRegistry()
	closers, err := registerSinks(mgr.GetLogger().WithName("sinks"), registry)
	if err != nil {
		setupLog.Error(err, "unable to set up sinks")
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), sinkShutdownTimeout)
		defer cancel()
		for _, c := range closers {
			if err := c(shutdownCtx); err != nil {
				setupLog.Error(err, "unable to shut down sink")
			}
		}
	}()

	// Setup Monitor
	mon, err := monitor.NewMonitor(pm, configMgr, registry,
		monitor.WithLogger(mgr.GetLogger()),
		monitor.WithRestartDelay(restartDelay),
	)
	if err != nil {
		setupLog.Error(err, "unable to create monitor")
		os.Exit(1)
	}
	if err := mgr.Add(mon); err != nil {
		setupLog.Error(err, "unable to register monitor")
		os.Exit(1)
	}

	// Setup API Server
	if apiAddr != "0" {
		apiServer, err := api.NewServer(apiAddr, pm,
			api.WithLogger(mgr.GetLogger()),
			api.WithTriggers(mon),
			api.WithSinks(registry),
		)
		if err != nil {
			setupLog.Error(err, "unable to create API server")
			os.Exit(1)
		}
		if err := mgr.Add(apiServer); err != nil {
			setupLog.Error(err, "unable to register API server")
			os.Exit(1)
		}
	}

	// Final setup and start Manager
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
