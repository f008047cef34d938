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
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tapestry-ai/tapestry/pkg/agent"
	"github.com/tapestry-ai/tapestry/pkg/deploy"
	"github.com/tapestry-ai/tapestry/pkg/design"
	"github.com/tapestry-ai/tapestry/pkg/llm"
	"github.com/tapestry-ai/tapestry/pkg/pattern"
	"github.com/tapestry-ai/tapestry/pkg/store"
)

// stubProvider answers every call with a fixed response.
type stubProvider struct {
	response string
	delay    time.Duration

	mu    sync.Mutex
	calls int
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Chat(ctx context.Context, model string, messages []llm.Message) (*llm.Response, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &llm.Response{Content: p.response, StopReason: "end_turn"}, nil
}

// newTestServer wires the full stack behind the HTTP surface: agent
// client, pattern executor, design runner, deployment executor, store.
func newTestServer(t *testing.T, provider *stubProvider) *Server {
	t.Helper()

	logger := zaptest.NewLogger(t)
	s, err := store.Open(filepath.Join(t.TempDir(), "server.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	client := agent.NewClient(agent.Config{Provider: provider, Logger: logger})
	executor := pattern.NewExecutor(pattern.Config{Client: client, Logger: logger})
	runner := design.NewRunner(design.Config{Executor: executor, Logger: logger})

	dir := t.TempDir()
	require.NoError(t, writeTestConfig(dir))
	registry := deploy.NewRegistry(dir, logger)
	require.NoError(t, registry.Load())

	dep := deploy.NewExecutor(deploy.ExecutorConfig{
		Runner:   runner,
		Registry: registry,
		Store:    s,
		Logger:   logger,
	})

	return New(Config{
		Executor: executor,
		Deploy:   dep,
		Registry: registry,
		Store:    s,
		Logger:   logger,
	})
}

func writeTestConfig(dir string) error {
	config := `
designs:
  - id: review
    name: Code Review
    blocks:
      - id: analyze
        pattern: sequential
        task: analyze the code
        agents:
          - name: reviewer
            system_prompt: You review code.
deployments:
  - id: nightly-review
    path: reviews/nightly
    design_id: review
`
	return os.WriteFile(filepath.Join(dir, "review.yaml"), []byte(config), 0o644)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubProvider{response: "ok"})
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_PatternSync(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubProvider{response: "the answer"})
	body := `{"task": "explain", "agents": [{"name": "solo", "system_prompt": "You explain things."}]}`
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/patterns/sequential", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp patternResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "sequential", resp.Pattern)
	assert.Equal(t, "completed", resp.Status)
	assert.NotEmpty(t, resp.ExecutionID)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "the answer", resp.Result.FinalOutput)
}

func TestServer_PatternInvalidBody(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubProvider{response: "ok"})
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/patterns/sequential", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PatternUnknownName(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubProvider{response: "ok"})
	body := `{"task": "t", "agents": [{"name": "a", "system_prompt": "p"}]}`
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/patterns/tournament", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown pattern")
}

func TestServer_PatternValidationFailure(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubProvider{response: "ok"})
	// Debate needs two participants.
	body := `{"task": "t", "agents": [{"name": "only", "system_prompt": "p"}]}`
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/patterns/debate", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PatternStreamEndsWithTerminalEvent(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubProvider{response: "streamed"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := `{"task": "explain", "agents": [{"name": "solo", "system_prompt": "You explain things."}]}`
	resp, err := http.Post(ts.URL+"/patterns/sequential/stream", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, "start", kinds[0])
	assert.Equal(t, "complete", kinds[len(kinds)-1])
	assert.Contains(t, kinds, "chunk")
}

func TestServer_DesignExecuteAndPoll(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubProvider{response: "reviewed"})
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/designs/review/execute", `{"task": "review this"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var trigger map[string]string
	decodeBody(t, rec, &trigger)
	execID := trigger["execution_id"]
	require.NotEmpty(t, execID)
	assert.Equal(t, "/executions/"+execID, trigger["status_url"])

	var ex store.Execution
	require.Eventually(t, func() bool {
		rec := doJSON(t, h, http.MethodGet, "/executions/"+execID, "")
		if rec.Code != http.StatusOK {
			return false
		}
		decodeBody(t, rec, &ex)
		return ex.Status == "completed"
	}, 10*time.Second, 10*time.Millisecond)

	require.Contains(t, ex.ResultData.Results, "analyze")
	assert.Equal(t, "reviewed", ex.ResultData.Results["analyze"].FinalOutput)
}

func TestServer_DesignExecuteUnknownDesign(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubProvider{response: "ok"})
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/designs/no-such/execute", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ExecutionCancel(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubProvider{response: "ok", delay: 30 * time.Second})
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/designs/review/execute", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var trigger map[string]string
	decodeBody(t, rec, &trigger)
	execID := trigger["execution_id"]

	require.Eventually(t, func() bool {
		rec := doJSON(t, h, http.MethodGet, "/executions/"+execID, "")
		var ex store.Execution
		decodeBody(t, rec, &ex)
		return ex.Status == "running"
	}, 10*time.Second, 10*time.Millisecond)

	rec = doJSON(t, h, http.MethodPost, "/executions/"+execID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cancelling")

	require.Eventually(t, func() bool {
		rec := doJSON(t, h, http.MethodGet, "/executions/"+execID, "")
		var ex store.Execution
		decodeBody(t, rec, &ex)
		return ex.Status == "cancelled"
	}, 10*time.Second, 10*time.Millisecond)
}

func TestServer_ExecutionStatusUnknown(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubProvider{response: "ok"})
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/executions/no-such", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ExecutionEventsReplayFinishedRun(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubProvider{response: "done"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/designs/review/execute", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var trigger map[string]string
	decodeBody(t, rec, &trigger)
	execID := trigger["execution_id"]

	require.Eventually(t, func() bool {
		rec := doJSON(t, srv.Handler(), http.MethodGet, "/executions/"+execID, "")
		var ex store.Execution
		decodeBody(t, rec, &ex)
		return ex.Status == "completed"
	}, 10*time.Second, 10*time.Millisecond)

	// SSE connections stay open; read until the terminal event shows up,
	// then abandon the stream.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/executions/"+execID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sawComplete := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "event:") && strings.Contains(scanner.Text(), "complete") {
			sawComplete = true
			break
		}
	}
	assert.True(t, sawComplete)
}

func TestServer_DeployedTriggerByPath(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubProvider{response: "nightly result"})
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/deployed/reviews/nightly", `{"task": "tonight's run"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var trigger map[string]string
	decodeBody(t, rec, &trigger)
	execID := trigger["execution_id"]
	require.NotEmpty(t, execID)
	assert.Equal(t, execID, trigger["log_id"])
	assert.Equal(t, "/deployments/nightly-review/logs/"+execID, trigger["status_url"])

	require.Eventually(t, func() bool {
		rec := doJSON(t, h, http.MethodGet, trigger["status_url"], "")
		if rec.Code != http.StatusOK {
			return false
		}
		var ex store.Execution
		decodeBody(t, rec, &ex)
		return ex.Status == "completed"
	}, 10*time.Second, 10*time.Millisecond)
}

func TestServer_DeployedTriggerUnknownPath(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubProvider{response: "ok"})
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/deployed/no/such/path", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_DeploymentLogs(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubProvider{response: "ok"})
	h := srv.Handler()

	for i := 0; i < 3; i++ {
		rec := doJSON(t, h, http.MethodPost, "/deployed/reviews/nightly", "")
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	require.Eventually(t, func() bool {
		rec := doJSON(t, h, http.MethodGet, "/deployments/nightly-review/logs?limit=2", "")
		if rec.Code != http.StatusOK {
			return false
		}
		var resp struct {
			DeploymentID string             `json:"deployment_id"`
			Logs         []*store.Execution `json:"logs"`
		}
		decodeBody(t, rec, &resp)
		if len(resp.Logs) != 2 {
			return false
		}
		for _, ex := range resp.Logs {
			if ex.Status != "completed" {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)
}

func TestServer_DeploymentLogsInvalidLimit(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubProvider{response: "ok"})
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/deployments/nightly-review/logs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
