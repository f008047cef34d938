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

	"github.com/tapestry-ai/tapestry/pkg/agent"
	"github.com/tapestry-ai/tapestry/pkg/events"
)

// runRouting has the router pick exactly one specialist, which then
// runs the task (possibly reformulated by the router). Single hop: the
// specialist's output is the block's final output.
func (e *Executor) runRouting(ctx context.Context, b *Block, in Input, cwd string, emit EmitFunc, result *BlockResult) error {
	router := b.routerAgent()
	specialists := make(map[string]agent.Agent, len(b.Agents))
	var names []string
	for _, ag := range b.Agents {
		if ag.Name == router.Name {
			continue
		}
		specialists[ag.Name] = ag
		names = append(names, ag.Name)
	}

	emit(events.Status(b.ID, "running router "+router.Name))
	routeTask := fmt.Sprintf(
		"%s\n\nChoose the one specialist best suited to this task: %s.\nRespond on the first line with either:\nspecialist_name\nor:\nspecialist_name: reformulated task",
		b.Task, strings.Join(names, ", "))

	decision, usage, err := e.callAgent(ctx, b, router, routeTask, in.contextFor(router.Name, e.compose), cwd, emit)
	if err != nil {
		result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: router.Name, Error: err.Error()})
		return err
	}
	result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: router.Name, Output: decision, Usage: usage})
	result.addUsage(usage)

	name, task := parseRoute(decision)
	chosen, ok := specialists[name]
	if !ok {
		// A route to a nonexistent specialist is the router's failure.
		cerr := agent.NewError(agent.KindInternal, router.Name,
			fmt.Errorf("router selected unknown specialist %q", name))
		result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: router.Name, Error: cerr.Error()})
		return cerr
	}
	if task == "" {
		task = b.Task
	}

	emit(events.Status(b.ID, "routing to "+chosen.Name))
	output, usage, err := e.callAgent(ctx, b, chosen, task, in.contextFor(chosen.Name, e.compose), cwd, emit)
	if err != nil {
		result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: chosen.Name, Error: err.Error()})
		return err
	}

	result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: chosen.Name, Output: output, Usage: usage})
	result.addUsage(usage)
	result.FinalOutput = output
	return nil
}

// parseRoute extracts (specialist, optional reformulated task) from
// the first non-empty line of a route decision.
func parseRoute(decision string) (string, string) {
	for _, line := range strings.Split(decision, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, task := line, ""
		if idx := strings.Index(line, ":"); idx >= 0 {
			name = strings.TrimSpace(line[:idx])
			task = strings.TrimSpace(line[idx+1:])
		}
		name = strings.Trim(name, "\"'`")
		return name, task
	}
	return "", ""
}
