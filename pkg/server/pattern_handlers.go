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
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tapestry-ai/tapestry/pkg/agent"
	"github.com/tapestry-ai/tapestry/pkg/events"
	"github.com/tapestry-ai/tapestry/pkg/pattern"
)

// patternRequest is the body of a direct pattern invocation.
type patternRequest struct {
	Task            string        `json:"task"`
	Agents          []agent.Agent `json:"agents"`
	Rounds          int           `json:"rounds,omitempty"`
	Aggregator      string        `json:"aggregator,omitempty"`
	Manager         string        `json:"manager,omitempty"`
	Router          string        `json:"router,omitempty"`
	ParallelWorkers bool          `json:"parallel_workers,omitempty"`
	GitRepo         string        `json:"git_repo,omitempty"`
	Model           string        `json:"model,omitempty"`
}

func (req *patternRequest) toBlock(p pattern.Pattern) pattern.Block {
	return pattern.Block{
		ID:              string(p),
		Pattern:         p,
		Agents:          req.Agents,
		Task:            req.Task,
		GitRepo:         req.GitRepo,
		Model:           req.Model,
		Rounds:          req.Rounds,
		Aggregator:      req.Aggregator,
		Manager:         req.Manager,
		Router:          req.Router,
		ParallelWorkers: req.ParallelWorkers,
	}
}

// patternResponse is the non-streaming pattern result envelope.
type patternResponse struct {
	Pattern     string               `json:"pattern"`
	ExecutionID string               `json:"execution_id"`
	Status      string               `json:"status"`
	Result      *pattern.BlockResult `json:"result,omitempty"`
	Error       string               `json:"error,omitempty"`
	DurationMs  int64                `json:"duration_ms"`
	CreatedAt   time.Time            `json:"created_at"`
}

// handlePattern runs one block synchronously and returns its result.
func (s *Server) handlePattern(w http.ResponseWriter, r *http.Request) {
	block, ok := s.decodePatternRequest(w, r)
	if !ok {
		return
	}

	execID := uuid.NewString()
	createdAt := time.Now().UTC()
	if err := s.store.CreateExecution(r.Context(), execID, ""); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	bus := events.NewBus(execID, s.store, s.logger)
	result, err := s.runPattern(r, block, execID, bus)
	bus.Close()

	if err != nil {
		writeJSON(w, httpStatusFor(err), patternResponse{
			Pattern:     string(block.Pattern),
			ExecutionID: execID,
			Status:      "failed",
			Result:      result,
			Error:       err.Error(),
			DurationMs:  durationOf(result),
			CreatedAt:   createdAt,
		})
		return
	}

	writeJSON(w, http.StatusOK, patternResponse{
		Pattern:     string(block.Pattern),
		ExecutionID: execID,
		Status:      "completed",
		Result:      result,
		DurationMs:  result.DurationMs,
		CreatedAt:   createdAt,
	})
}

// handlePatternStream runs one block and streams its events as
// server-sent messages, terminated by complete or error.
func (s *Server) handlePatternStream(w http.ResponseWriter, r *http.Request) {
	block, ok := s.decodePatternRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	execID := uuid.NewString()
	if err := s.store.CreateExecution(r.Context(), execID, ""); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	bus := events.NewBus(execID, s.store, s.logger)
	snapshot, tail, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	go func() {
		_, _ = s.runPattern(r, block, execID, bus)
		bus.Close()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	write := func(ev events.Event) bool {
		payload, err := json.Marshal(ev)
		if err != nil {
			return true
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
		flusher.Flush()
		return !ev.IsTerminal()
	}

	for _, ev := range snapshot {
		if !write(ev) {
			return
		}
	}
	for {
		select {
		case ev, open := <-tail:
			if !open {
				return
			}
			if !write(ev) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// decodePatternRequest parses and validates the request, writing a 400
// on failure.
func (s *Server) decodePatternRequest(w http.ResponseWriter, r *http.Request) (*pattern.Block, bool) {
	p := pattern.Pattern(r.PathValue("pattern"))

	var req patternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return nil, false
	}

	block := req.toBlock(p)
	if err := block.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	return &block, true
}

// runPattern is the shared body of both pattern endpoints: workspace
// acquisition, execution, and persistence.
func (s *Server) runPattern(r *http.Request, block *pattern.Block, execID string, bus *events.Bus) (*pattern.BlockResult, error) {
	ctx := r.Context()

	if err := s.store.SetStatus(ctx, execID, "running", ""); err != nil {
		s.logger.Warn("Status update failed", zap.String("execution_id", execID), zap.Error(err))
	}
	bus.Emit(events.Start())

	cwd := ""
	if s.workspace != nil {
		var release func()
		var err error
		cwd, release, err = s.workspace.Acquire(ctx, block.GitRepo)
		if err != nil {
			werr := agent.NewError(agent.KindWorkspace, "", err)
			bus.Emit(events.Error(werr.Error()))
			s.finishExecution(execID, "failed", werr.Error())
			return nil, werr
		}
		defer release()
	}

	result, err := s.executor.Execute(ctx, block, pattern.Input{}, cwd, bus.Emit)
	if err != nil {
		bus.Emit(events.Error(err.Error()))
		status := "failed"
		if agent.KindOf(err) == agent.KindCancelled {
			status = "cancelled"
		}
		s.finishExecution(execID, status, err.Error())
		return result, err
	}

	bus.Emit(events.BlockComplete(block.ID, result))
	if err := s.store.SaveBlockResult(ctx, execID, result); err != nil {
		s.logger.Warn("Block result persistence failed", zap.String("execution_id", execID), zap.Error(err))
	}
	bus.Emit(events.Complete(result))
	s.finishExecution(execID, "completed", "")
	return result, nil
}

func (s *Server) finishExecution(execID, status, errMsg string) {
	if err := s.store.SetStatus(context.Background(), execID, status, errMsg); err != nil {
		s.logger.Warn("Terminal status update failed",
			zap.String("execution_id", execID),
			zap.Error(err))
	}
}

// httpStatusFor maps the error taxonomy onto HTTP codes.
func httpStatusFor(err error) int {
	switch agent.KindOf(err) {
	case agent.KindUnavailable:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func durationOf(result *pattern.BlockResult) int64 {
	if result == nil {
		return 0
	}
	return result.DurationMs
}
