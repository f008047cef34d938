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

package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tapestry-ai/tapestry/pkg/llm"
)

// mockProvider scripts one response per call, optionally streamed in
// fixed-size chunks with a per-chunk delay.
type mockProvider struct {
	mu        sync.Mutex
	responses []string
	calls     int
	err       error
	chunkSize int
	delay     time.Duration
	lastCall  []llm.Message
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) next(messages []llm.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCall = messages
	if m.err != nil {
		return "", m.err
	}
	if len(m.responses) == 0 {
		return "default response", nil
	}
	resp := m.responses[m.calls%len(m.responses)]
	m.calls++
	return resp, nil
}

func (m *mockProvider) Chat(ctx context.Context, model string, messages []llm.Message) (*llm.Response, error) {
	resp, err := m.next(messages)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Content: resp, StopReason: "end_turn"}, nil
}

func (m *mockProvider) ChatStream(ctx context.Context, model string, messages []llm.Message, callback llm.TokenCallback) (*llm.Response, error) {
	resp, err := m.next(messages)
	if err != nil {
		return nil, err
	}

	size := m.chunkSize
	if size <= 0 {
		size = 4
	}
	for i := 0; i < len(resp); i += size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if m.delay > 0 {
			select {
			case <-time.After(m.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		end := i + size
		if end > len(resp) {
			end = len(resp)
		}
		if callback != nil {
			callback(resp[i:end])
		}
	}
	return &llm.Response{Content: resp, StopReason: "end_turn"}, nil
}

func TestClient_StreamsChunksInOrder(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []string{"hello streaming world"}, chunkSize: 5}
	client := NewClient(Config{Provider: provider, Logger: zaptest.NewLogger(t)})

	stream := client.Run(context.Background(), Call{
		Agent: Agent{Name: "echo"},
		Task:  "say hello",
	})

	var chunks []string
	for chunk := range stream.Chunks() {
		chunks = append(chunks, chunk)
	}
	result, err := stream.Wait()

	require.NoError(t, err)
	assert.Equal(t, "hello streaming world", result.Text)
	assert.Equal(t, result.Text, strings.Join(chunks, ""))
	assert.Greater(t, len(chunks), 1)
}

func TestClient_EstimatesUsageWhenProviderReportsNone(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []string{"four words of output"}}
	client := NewClient(Config{Provider: provider, Logger: zaptest.NewLogger(t)})

	stream := client.Run(context.Background(), Call{Agent: Agent{Name: "a"}, Task: "count"})
	for range stream.Chunks() {
	}
	result, err := stream.Wait()

	require.NoError(t, err)
	assert.Greater(t, result.Usage.InputTokens, 0)
	assert.Greater(t, result.Usage.OutputTokens, 0)
	assert.Equal(t, result.Usage.InputTokens+result.Usage.OutputTokens, result.Usage.TotalTokens)
}

func TestClient_ContextRidesAfterTask(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{}
	client := NewClient(Config{Provider: provider, Logger: zaptest.NewLogger(t)})

	stream := client.Run(context.Background(), Call{
		Agent:   Agent{Name: "b", SystemPrompt: "be terse"},
		Task:    "the task",
		Context: "the context",
	})
	for range stream.Chunks() {
	}
	_, err := stream.Wait()
	require.NoError(t, err)

	require.Len(t, provider.lastCall, 2)
	assert.Equal(t, "system", provider.lastCall[0].Role)
	assert.Equal(t, "be terse", provider.lastCall[0].Content)
	assert.Equal(t, "the task\n\nthe context", provider.lastCall[1].Content)
}

func TestClient_ClassifiesCancellation(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []string{strings.Repeat("x", 400)}, delay: 20 * time.Millisecond}
	client := NewClient(Config{Provider: provider, Logger: zaptest.NewLogger(t)})

	ctx, cancel := context.WithCancel(context.Background())
	stream := client.Run(ctx, Call{Agent: Agent{Name: "slow"}, Task: "go"})

	time.Sleep(30 * time.Millisecond)
	cancel()
	for range stream.Chunks() {
	}
	_, err := stream.Wait()

	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
}

func TestClient_ClassifiesTimeout(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []string{strings.Repeat("x", 400)}, delay: 20 * time.Millisecond}
	client := NewClient(Config{
		Provider:    provider,
		CallTimeout: 40 * time.Millisecond,
		Logger:      zaptest.NewLogger(t),
	})

	stream := client.Run(context.Background(), Call{Agent: Agent{Name: "slow"}, Task: "go"})
	for range stream.Chunks() {
	}
	_, err := stream.Wait()

	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestClient_ClassifiesMissingCredentials(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{err: fmt.Errorf("no key: %w", llm.ErrUnavailable)}
	client := NewClient(Config{Provider: provider, Logger: zaptest.NewLogger(t)})

	stream := client.Run(context.Background(), Call{Agent: Agent{Name: "a"}, Task: "go"})
	for range stream.Chunks() {
	}
	_, err := stream.Wait()

	require.Error(t, err)
	assert.Equal(t, KindUnavailable, KindOf(err))
}

type failingRestorer struct{}

func (failingRestorer) Restore(ctx context.Context) error {
	return fmt.Errorf("profile store offline")
}

func TestClient_RestoreFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{}
	client := NewClient(Config{
		Provider: provider,
		Restorer: failingRestorer{},
		Logger:   zaptest.NewLogger(t),
	})

	stream := client.Run(context.Background(), Call{Agent: Agent{Name: "a"}, Task: "go"})
	for range stream.Chunks() {
	}
	_, err := stream.Wait()

	require.Error(t, err)
	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.Equal(t, int64(0), client.CallsStarted())
}

type countingRestorer struct {
	calls int
	mu    sync.Mutex
}

func (r *countingRestorer) Restore(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func TestClient_RestorePrecedesEveryCall(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{}
	restorer := &countingRestorer{}
	client := NewClient(Config{Provider: provider, Restorer: restorer, Logger: zaptest.NewLogger(t)})

	for i := 0; i < 3; i++ {
		stream := client.Run(context.Background(), Call{Agent: Agent{Name: "a"}, Task: "go"})
		for range stream.Chunks() {
		}
		_, err := stream.Wait()
		require.NoError(t, err)
	}

	assert.Equal(t, 3, restorer.calls)
}

func TestClient_NoNewCallsAfterCancel(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []string{"zzzz"}, delay: 50 * time.Millisecond}
	client := NewClient(Config{
		Provider:    provider,
		MaxParallel: 1,
		Logger:      zaptest.NewLogger(t),
	})

	ctx, cancel := context.WithCancel(context.Background())

	// First call occupies the only slot.
	first := client.Run(ctx, Call{Agent: Agent{Name: "one"}, Task: "go"})
	time.Sleep(10 * time.Millisecond)

	// Second call queues on the gate, then the token trips.
	second := client.Run(ctx, Call{Agent: Agent{Name: "two"}, Task: "go"})
	time.Sleep(10 * time.Millisecond)
	cancel()

	for range first.Chunks() {
	}
	for range second.Chunks() {
	}
	_, _ = first.Wait()
	_, err := second.Wait()

	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.Equal(t, int64(1), client.CallsStarted())
}
