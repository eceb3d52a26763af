// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kkeirstead/diagnostics/internal/pipeline"
	"github.com/kkeirstead/diagnostics/internal/session"
	"github.com/kkeirstead/diagnostics/internal/trigger"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status        string `json:"status"`
	Running       bool   `json:"running"`
	Subscriptions int    `json:"subscriptions"`
}

// SessionResponse describes the union configuration of the current run.
type SessionResponse struct {
	Running       bool                   `json:"running"`
	Configuration *session.Configuration `json:"configuration,omitempty"`
}

// SinkResponse is the health of one registered sink.
type SinkResponse struct {
	Name          string `json:"name"`
	TracksHealth  bool   `json:"tracksHealth"`
	Healthy       bool   `json:"healthy"`
	LastError     string `json:"lastError,omitempty"`
	ReadingsCount uint64 `json:"readings"`
	ErrorsCount   uint64 `json:"errors"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Running:       s.pipeline.Running(),
		Subscriptions: len(s.pipeline.Subscriptions()),
	})
}

func (s *Server) listSubscriptions(w http.ResponseWriter, _ *http.Request) {
	subs := s.pipeline.Subscriptions()
	if subs == nil {
		subs = []pipeline.SubscriptionInfo{}
	}
	sendJSON(w, http.StatusOK, subs)
}

func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.pipeline.RemoveSubscription(id)
	switch {
	case errors.Is(err, pipeline.ErrUnknownSubscription):
		sendError(w, r, http.StatusNotFound, err)
	case err != nil:
		s.logger.Error(err, "failed to remove subscription", "id", id)
		sendError(w, r, http.StatusInternalServerError, err)
	default:
		s.logger.Info("subscription removed", "id", id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) getSession(w http.ResponseWriter, _ *http.Request) {
	resp := SessionResponse{Running: s.pipeline.Running()}
	if cfg, ok := s.pipeline.Configuration(); ok {
		resp.Configuration = &cfg
	}
	sendJSON(w, http.StatusOK, resp)
}

func (s *Server) listTriggers(w http.ResponseWriter, _ *http.Request) {
	out := []trigger.Status{}
	if s.triggers != nil {
		out = append(out, s.triggers.Triggers()...)
	}
	sendJSON(w, http.StatusOK, out)
}

func (s *Server) listSinks(w http.ResponseWriter, _ *http.Request) {
	out := []SinkResponse{}
	if s.sinks == nil {
		sendJSON(w, http.StatusOK, out)
		return
	}

	health := s.sinks.Health()
	for _, name := range s.sinks.Names() {
		resp := SinkResponse{Name: name, Healthy: true}
		if h, ok := health[name]; ok {
			resp.TracksHealth = true
			resp.Healthy = h.Healthy
			resp.ReadingsCount = h.ReadingsCount
			resp.ErrorsCount = h.ErrorsCount
			if h.LastError != nil {
				resp.LastError = h.LastError.Error()
			}
		}
		out = append(out, resp)
	}
	sendJSON(w, http.StatusOK, out)
}

func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func sendError(w http.ResponseWriter, r *http.Request, status int, err error) {
	sendJSON(w, status, ErrorResponse{
		Error:     err.Error(),
		RequestID: middleware.GetReqID(r.Context()),
	})
}
