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

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/tapestry-ai/tapestry/pkg/events"
)

// executeRequest is the body of a design execution trigger.
type executeRequest struct {
	Task string `json:"task,omitempty"`
}

// handleDesignExecute triggers an asynchronous design run.
func (s *Server) handleDesignExecute(w http.ResponseWriter, r *http.Request) {
	designID := r.PathValue("id")
	if _, ok := s.registry.Design(designID); !ok {
		notFound(w, "design", designID)
		return
	}

	var req executeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}

	execID, err := s.deploy.Trigger(r.Context(), designID, req.Task)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": execID,
		"status_url":   "/executions/" + execID,
	})
}

// handleExecutionStatus returns an execution snapshot, including
// partial results while in progress.
func (s *Server) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	execID := r.PathValue("id")
	ex, err := s.deploy.Status(r.Context(), execID)
	if err != nil {
		notFound(w, "execution", execID)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// handleExecutionCancel cancels a running execution. Cancelling a
// terminal execution succeeds as a no-op.
func (s *Server) handleExecutionCancel(w http.ResponseWriter, r *http.Request) {
	execID := r.PathValue("id")
	if err := s.deploy.Cancel(r.Context(), execID); err != nil {
		notFound(w, "execution", execID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"execution_id": execID,
		"status":       "cancelling",
	})
}

// handleExecutionEvents serves an execution's event stream over SSE.
// Late subscribers get the full history replayed before the live
// tail.
func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	execID := r.PathValue("id")
	if _, err := s.deploy.Status(r.Context(), execID); err != nil {
		notFound(w, "execution", execID)
		return
	}

	s.ensureEventStream(execID)

	q := r.URL.Query()
	q.Set("stream", execID)
	r.URL.RawQuery = q.Encode()
	s.sse.ServeHTTP(w, r)
}

// ensureEventStream creates the SSE stream for an execution and pumps
// the bus (or the persisted log, for finished executions) into it.
func (s *Server) ensureEventStream(execID string) {
	if s.sse.StreamExists(execID) {
		return
	}
	s.sse.CreateStream(execID)

	go func() {
		snapshot, tail, unsubscribe, err := s.deploy.Subscribe(context.Background(), execID)
		if err != nil {
			s.logger.Warn("Event subscription failed",
				zap.String("execution_id", execID), zap.Error(err))
			return
		}
		defer unsubscribe()

		publish := func(ev events.Event) {
			payload, err := json.Marshal(ev)
			if err != nil {
				return
			}
			s.sse.Publish(execID, &sse.Event{
				Event: []byte(ev.Kind),
				Data:  payload,
			})
		}

		for _, ev := range snapshot {
			publish(ev)
		}
		if tail == nil {
			return
		}
		for ev := range tail {
			publish(ev)
		}
	}()
}
