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

package pattern

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tapestry-ai/tapestry/pkg/agent"
	"github.com/tapestry-ai/tapestry/pkg/events"
)

func TestExecute_AbandonedStragglersCannotEmitAfterReturn(t *testing.T) {
	t.Parallel()

	// The vendor never acknowledges cancellation, so the workers are
	// abandoned after the grace window and keep running past Execute.
	provider := &scriptedProvider{delay: 300 * time.Millisecond, ignoreCancel: true}
	client := agent.NewClient(agent.Config{Provider: provider, Logger: zaptest.NewLogger(t)})
	exec := NewExecutor(Config{
		Client:      client,
		CancelGrace: 20 * time.Millisecond,
		Logger:      zaptest.NewLogger(t),
	})

	block := &Block{
		ID:      "par",
		Pattern: Parallel,
		Task:    "produce",
		Agents: []agent.Agent{
			{Name: "a", SystemPrompt: "a"},
			{Name: "b", SystemPrompt: "b"},
			{Name: "c", SystemPrompt: "c"},
		},
	}

	var mu sync.Mutex
	var emitted []events.Event
	emit := func(ev events.Event) {
		mu.Lock()
		emitted = append(emitted, ev)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := exec.Execute(ctx, block, Input{}, "", emit)
	require.Error(t, err)
	assert.Equal(t, agent.KindCancelled, agent.KindOf(err))

	mu.Lock()
	n := len(emitted)
	mu.Unlock()

	// The stragglers finish their ignored delays well after Execute
	// returned; none of what they relay may reach the caller, or a
	// chunk could land behind the caller's terminal event.
	time.Sleep(500 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, n, len(emitted))
}

func TestExecute_BlockTimeoutFailsWithTimeoutKind(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{delay: 10 * time.Second}
	client := agent.NewClient(agent.Config{Provider: provider, Logger: zaptest.NewLogger(t)})
	exec := NewExecutor(Config{
		Client:       client,
		BlockTimeout: 50 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})

	block := &Block{
		ID:      "par",
		Pattern: Parallel,
		Task:    "produce",
		Agents: []agent.Agent{
			{Name: "a", SystemPrompt: "a"},
			{Name: "b", SystemPrompt: "b"},
		},
	}

	start := time.Now()
	_, err := exec.Execute(context.Background(), block, Input{}, "", nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, agent.KindTimeout, agent.KindOf(err))
	assert.Less(t, elapsed, 5*time.Second)
}

func TestExecute_BlockDeadlineDerivedFromAgentTimeout(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{delay: 10 * time.Second}
	client := agent.NewClient(agent.Config{Provider: provider, Logger: zaptest.NewLogger(t)})
	exec := NewExecutor(Config{
		Client:       client,
		AgentTimeout: 40 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})

	block := &Block{
		ID:      "seq",
		Pattern: Sequential,
		Task:    "t",
		Agents:  []agent.Agent{{Name: "a", SystemPrompt: "a"}},
	}

	_, err := exec.Execute(context.Background(), block, Input{}, "", nil)
	require.Error(t, err)
	assert.Equal(t, agent.KindTimeout, agent.KindOf(err))
}
