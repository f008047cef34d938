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
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapestry-ai/tapestry/pkg/agent"
)

func TestParallel_AggregatorRunsOverSurvivors(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{
		respond: func(call providerCall) (string, error) {
			switch call.System {
			case "X":
				return "X-OUT", nil
			case "Y":
				return "", fmt.Errorf("vendor protocol error")
			case "Z":
				return "synthesis of survivors", nil
			}
			return "", fmt.Errorf("unexpected agent %q", call.System)
		},
	}
	exec := newTestExecutor(t, provider)

	block := &Block{
		ID:         "par",
		Pattern:    Parallel,
		Task:       "produce",
		Aggregator: "Z",
		Agents: []agent.Agent{
			{Name: "X", SystemPrompt: "X"},
			{Name: "Y", SystemPrompt: "Y"},
			{Name: "Z", SystemPrompt: "Z"},
		},
	}

	result, err := exec.Execute(context.Background(), block, Input{}, "", nil)
	require.NoError(t, err)

	// Y's failure is recorded but does not abort the block.
	xOut, ok := result.OutputOf("X")
	require.True(t, ok)
	assert.Equal(t, "X-OUT", xOut)
	_, ok = result.OutputOf("Y")
	assert.False(t, ok)

	// The aggregator saw the survivor's labelled output and none of
	// Y's error text.
	zCalls := provider.callsTo("Z")
	require.Len(t, zCalls, 1)
	assert.Contains(t, zCalls[0].User, "=== From X ===\nX-OUT")
	assert.NotContains(t, zCalls[0].User, "vendor protocol error")
	assert.NotContains(t, zCalls[0].User, "Y")

	assert.Equal(t, "synthesis of survivors", result.FinalOutput)
}

func TestParallel_AggregatorInputOrderedByDeclaration(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{
		respond: func(call providerCall) (string, error) {
			if call.System == "agg" {
				return "done", nil
			}
			return call.System + "-out", nil
		},
	}
	exec := newTestExecutor(t, provider)

	block := &Block{
		ID:         "par",
		Pattern:    Parallel,
		Task:       "produce",
		Aggregator: "agg",
		Agents: []agent.Agent{
			{Name: "w1", SystemPrompt: "w1"},
			{Name: "w2", SystemPrompt: "w2"},
			{Name: "w3", SystemPrompt: "w3"},
			{Name: "agg", SystemPrompt: "agg"},
		},
	}

	_, err := exec.Execute(context.Background(), block, Input{}, "", nil)
	require.NoError(t, err)

	aggCalls := provider.callsTo("agg")
	require.Len(t, aggCalls, 1)
	i1 := strings.Index(aggCalls[0].User, "=== From w1 ===")
	i2 := strings.Index(aggCalls[0].User, "=== From w2 ===")
	i3 := strings.Index(aggCalls[0].User, "=== From w3 ===")
	require.True(t, i1 >= 0 && i2 >= 0 && i3 >= 0)
	assert.Less(t, i1, i2)
	assert.Less(t, i2, i3)
}

func TestParallel_WithoutAggregatorJoinsOutputs(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{
		respond: func(call providerCall) (string, error) {
			return call.System + "-out", nil
		},
	}
	exec := newTestExecutor(t, provider)

	block := &Block{
		ID:      "par",
		Pattern: Parallel,
		Task:    "produce",
		Agents: []agent.Agent{
			{Name: "a", SystemPrompt: "a"},
			{Name: "b", SystemPrompt: "b"},
		},
	}

	result, err := exec.Execute(context.Background(), block, Input{}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "=== From a ===\na-out\n\n=== From b ===\nb-out", result.FinalOutput)
}

func TestParallel_AllFailedFailsBlock(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{
		respond: func(call providerCall) (string, error) {
			return "", fmt.Errorf("down")
		},
	}
	exec := newTestExecutor(t, provider)

	block := &Block{
		ID:      "par",
		Pattern: Parallel,
		Task:    "produce",
		Agents: []agent.Agent{
			{Name: "a", SystemPrompt: "a"},
			{Name: "b", SystemPrompt: "b"},
		},
	}

	result, err := exec.Execute(context.Background(), block, Input{}, "", nil)
	require.Error(t, err)
	require.Len(t, result.AgentOutputs, 2)
	assert.True(t, result.AgentOutputs[0].Failed())
	assert.True(t, result.AgentOutputs[1].Failed())
}

func TestParallel_CancellationReachesAllAgents(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{delay: 10 * time.Second}
	exec := newTestExecutor(t, provider)

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

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := exec.Execute(ctx, block, Input{}, "", nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, agent.KindCancelled, agent.KindOf(err))
	// Returned within the grace window, not after the 10s delay.
	assert.Less(t, elapsed, 5*time.Second)
	assert.Equal(t, 3, provider.callCount())
}
