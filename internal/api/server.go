// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package api serves a read-mostly HTTP view of a running pipeline.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	"github.com/kkeirstead/diagnostics/internal/counters"
	"github.com/kkeirstead/diagnostics/internal/pipeline"
	"github.com/kkeirstead/diagnostics/internal/session"
	"github.com/kkeirstead/diagnostics/internal/trigger"
)

const shutdownTimeout = 5 * time.Second

// Pipeline is the part of pipeline.Manager the API exposes.
type Pipeline interface {
	Subscriptions() []pipeline.SubscriptionInfo
	RemoveSubscription(id string) error
	Configuration() (session.Configuration, bool)
	Running() bool
}

// TriggerLister reports the state of active triggers.
type TriggerLister interface {
	Triggers() []trigger.Status
}

// SinkLister reports the health of registered sinks.
type SinkLister interface {
	Names() []string
	Health() map[string]counters.SinkHealth
}

// Option configures a Server.
type Option func(s *Server)

// WithLogger configures the Server logger
func WithLogger(logger logr.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTriggers exposes trigger state under /api/v1/triggers.
func WithTriggers(t TriggerLister) Option {
	return func(s *Server) {
		s.triggers = t
	}
}

// WithSinks exposes sink health under /api/v1/sinks.
func WithSinks(l SinkLister) Option {
	return func(s *Server) {
		s.sinks = l
	}
}

// Server implements controller-runtime's manager.Runnable interface.
type Server struct {
	addr     string
	pipeline Pipeline
	triggers TriggerLister
	sinks    SinkLister
	logger   logr.Logger
	router   chi.Router
}

func NewServer(addr string, p Pipeline, opts ...Option) (*Server, error) {
	if addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if p == nil {
		return nil, fmt.Errorf("pipeline is required")
	}

	s := &Server{addr: addr, pipeline: p}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithName("api")
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", s.listSubscriptions)
			r.Delete("/{id}", s.deleteSubscription)
		})
		r.Get("/session", s.getSession)
		r.Get("/triggers", s.listTriggers)
		r.Get("/sinks", s.listSinks)
	})
	return r
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start implements manager.Runnable interface.
// It serves until ctx is cancelled and then shuts the listener down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "address", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(err, "failed to shut down API server")
		}
		return nil
	}
}

// NeedLeaderElection implements manager.LeaderElectionRunnable.
func (s *Server) NeedLeaderElection() bool {
	return false
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.V(1).Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
