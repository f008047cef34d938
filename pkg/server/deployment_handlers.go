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
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// handleDeployedTrigger triggers a deployment by path and returns the
// polling URLs immediately.
func (s *Server) handleDeployedTrigger(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	dep, ok := s.registry.DeploymentByPath(path)
	if !ok {
		notFound(w, "deployment", path)
		return
	}

	task := dep.Task
	if r.Method == http.MethodPost && r.Body != nil && r.ContentLength != 0 {
		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
		if req.Task != "" {
			task = req.Task
		}
	}

	execID, err := s.deploy.Trigger(r.Context(), dep.DesignID, task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": execID,
		"log_id":       execID,
		"status_url":   fmt.Sprintf("/deployments/%s/logs/%s", dep.ID, execID),
		"all_logs_url": fmt.Sprintf("/deployments/%s/logs", dep.ID),
	})
}

// handleDeploymentLog returns one execution snapshot for a deployment,
// including partial results while in progress.
func (s *Server) handleDeploymentLog(w http.ResponseWriter, r *http.Request) {
	depID := r.PathValue("id")
	logID := r.PathValue("log_id")
	if _, ok := s.registry.Deployment(depID); !ok {
		notFound(w, "deployment", depID)
		return
	}

	ex, err := s.deploy.Status(r.Context(), logID)
	if err != nil {
		notFound(w, "execution", logID)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// handleDeploymentLogs lists a deployment's recent executions.
func (s *Server) handleDeploymentLogs(w http.ResponseWriter, r *http.Request) {
	depID := r.PathValue("id")
	dep, ok := s.registry.Deployment(depID)
	if !ok {
		notFound(w, "deployment", depID)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	logs, err := s.store.ListExecutions(r.Context(), dep.DesignID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment_id": depID,
		"logs":          logs,
	})
}
