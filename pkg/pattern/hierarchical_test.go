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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapestry-ai/tapestry/pkg/agent"
)

func hierarchicalBlock() *Block {
	return &Block{
		ID:      "hier",
		Pattern: Hierarchical,
		Task:    "build the report",
		Agents: []agent.Agent{
			{Name: "mgr", SystemPrompt: "mgr", Role: agent.RoleManager},
			{Name: "w1", SystemPrompt: "w1", Role: agent.RoleWorker},
			{Name: "w2", SystemPrompt: "w2", Role: agent.RoleWorker},
		},
	}
}

func TestHierarchical_DelegationAndSynthesis(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{
		respond: func(call providerCall) (string, error) {
			switch call.System {
			case "mgr":
				if strings.Contains(call.User, "Synthesize") {
					return "SYNTHESIS", nil
				}
				return "w1: gather data\nw2: write summary", nil
			case "w1":
				return "data gathered", nil
			case "w2":
				return "summary written", nil
			}
			return "", fmt.Errorf("unexpected agent %q", call.System)
		},
	}
	exec := newTestExecutor(t, provider)

	result, err := exec.Execute(context.Background(), hierarchicalBlock(), Input{}, "", nil)
	require.NoError(t, err)

	// Workers received their subtasks, not the original task.
	w1Calls := provider.callsTo("w1")
	require.Len(t, w1Calls, 1)
	assert.True(t, strings.HasPrefix(w1Calls[0].User, "gather data"))
	w2Calls := provider.callsTo("w2")
	require.Len(t, w2Calls, 1)
	assert.True(t, strings.HasPrefix(w2Calls[0].User, "write summary"))

	// The synthesis pass saw both workers' labelled outputs.
	mgrCalls := provider.callsTo("mgr")
	require.Len(t, mgrCalls, 2)
	assert.Contains(t, mgrCalls[1].User, "=== From w1 ===\ndata gathered")
	assert.Contains(t, mgrCalls[1].User, "=== From w2 ===\nsummary written")

	assert.Equal(t, "SYNTHESIS", result.FinalOutput)
}

func TestHierarchical_UnknownWorkerIsManagerError(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{
		respond: func(call providerCall) (string, error) {
			return "ghost: do something", nil
		},
	}
	exec := newTestExecutor(t, provider)

	_, err := exec.Execute(context.Background(), hierarchicalBlock(), Input{}, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
	assert.Contains(t, err.Error(), "mgr")

	// No worker was ever invoked.
	assert.Empty(t, provider.callsTo("w1"))
	assert.Empty(t, provider.callsTo("w2"))
}

func TestHierarchical_DuplicateDelegationsRunIndependently(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{
		respond: func(call providerCall) (string, error) {
			switch call.System {
			case "mgr":
				if strings.Contains(call.User, "Synthesize") {
					return "done", nil
				}
				return "w1: first pass\nw1: second pass", nil
			default:
				return call.User, nil
			}
		},
	}
	exec := newTestExecutor(t, provider)

	result, err := exec.Execute(context.Background(), hierarchicalBlock(), Input{}, "", nil)
	require.NoError(t, err)

	calls := provider.callsTo("w1")
	require.Len(t, calls, 2)
	assert.True(t, strings.HasPrefix(calls[0].User, "first pass"))
	assert.True(t, strings.HasPrefix(calls[1].User, "second pass"))

	// Both invocations appear in the result.
	count := 0
	for _, o := range result.AgentOutputs {
		if o.Agent == "w1" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestHierarchical_ProseLinesInPlanAreSkipped(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{
		respond: func(call providerCall) (string, error) {
			switch call.System {
			case "mgr":
				if strings.Contains(call.User, "Synthesize") {
					return "done", nil
				}
				return "Here is my plan:\n- w1: the real work\nNote that this should be quick.", nil
			default:
				return "ok", nil
			}
		},
	}
	exec := newTestExecutor(t, provider)

	_, err := exec.Execute(context.Background(), hierarchicalBlock(), Input{}, "", nil)
	require.NoError(t, err)
	require.Len(t, provider.callsTo("w1"), 1)
	assert.Empty(t, provider.callsTo("w2"))
}
