// Copyright 2026 Tapestry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the engine's HTTP surface: direct pattern
// endpoints (sync and streaming), design execution, and deployment
// trigger/poll endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/tapestry-ai/tapestry/pkg/deploy"
	"github.com/tapestry-ai/tapestry/pkg/design"
	"github.com/tapestry-ai/tapestry/pkg/pattern"
	"github.com/tapestry-ai/tapestry/pkg/store"
)

// Config configures the HTTP server.
type Config struct {
	Addr string

	// Executor runs direct (non-design) pattern blocks.
	Executor *pattern.Executor

	// Workspace provides cwds for direct pattern blocks.
	Workspace design.Workspace

	// Deploy owns design executions and their lifecycle.
	Deploy *deploy.Executor

	// Registry resolves designs and deployments.
	Registry *deploy.Registry

	// Store persists executions and events.
	Store *store.Store

	Logger *zap.Logger
}

// Server is the HTTP frontier of the engine.
type Server struct {
	executor  *pattern.Executor
	workspace design.Workspace
	deploy    *deploy.Executor
	registry  *deploy.Registry
	store     *store.Store
	logger    *zap.Logger

	sse  *sse.Server
	http *http.Server
}

// New creates the server and its routes.
func New(config Config) *Server {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	events := sse.New()
	// Replay the stream's full history to late subscribers; joined
	// mid-execution means snapshot plus live tail.
	events.AutoReplay = true
	events.AutoStream = false

	s := &Server{
		executor:  config.Executor,
		workspace: config.Workspace,
		deploy:    config.Deploy,
		registry:  config.Registry,
		store:     config.Store,
		logger:    config.Logger,
		sse:       events,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /patterns/{pattern}", s.handlePattern)
	mux.HandleFunc("POST /patterns/{pattern}/stream", s.handlePatternStream)

	mux.HandleFunc("POST /designs/{id}/execute", s.handleDesignExecute)
	mux.HandleFunc("GET /executions/{id}", s.handleExecutionStatus)
	mux.HandleFunc("POST /executions/{id}/cancel", s.handleExecutionCancel)
	mux.HandleFunc("GET /executions/{id}/events", s.handleExecutionEvents)

	mux.HandleFunc("GET /deployed/{path...}", s.handleDeployedTrigger)
	mux.HandleFunc("POST /deployed/{path...}", s.handleDeployedTrigger)
	mux.HandleFunc("GET /deployments/{id}/logs", s.handleDeploymentLogs)
	mux.HandleFunc("GET /deployments/{id}/logs/{log_id}", s.handleDeploymentLog)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.http = &http.Server{
		Addr:              config.Addr,
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// corsMiddleware adds permissive CORS headers and answers preflight
// requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sse.Close()
	return s.http.Shutdown(ctx)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// notFound is a convenience for missing resources.
func notFound(w http.ResponseWriter, kind, id string) {
	writeError(w, http.StatusNotFound, fmt.Errorf("%s %q not found", kind, id))
}
