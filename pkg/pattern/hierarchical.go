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

// delegation is one (worker, subtask) pair parsed from a manager plan.
type delegation struct {
	worker  string
	subtask string
}

// runHierarchical has the manager produce a delegation plan, invokes
// the named workers on their subtasks (sequentially by default), and
// returns the workers' outputs to the manager for a synthesis pass.
func (e *Executor) runHierarchical(ctx context.Context, b *Block, in Input, cwd string, emit EmitFunc, result *BlockResult) error {
	manager := b.managerAgent()
	workers := make(map[string]agent.Agent, len(b.Agents))
	var workerNames []string
	for _, ag := range b.Agents {
		if ag.Name == manager.Name {
			continue
		}
		workers[ag.Name] = ag
		workerNames = append(workerNames, ag.Name)
	}

	emit(events.Status(b.ID, "running manager "+manager.Name))
	planTask := fmt.Sprintf(
		"%s\n\nDelegate this work among your workers: %s.\nRespond with one delegation per line, in the form:\nworker_name: subtask",
		b.Task, strings.Join(workerNames, ", "))

	plan, usage, err := e.callAgent(ctx, b, manager, planTask, in.contextFor(manager.Name, e.compose), cwd, emit)
	if err != nil {
		result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: manager.Name, Error: err.Error()})
		return err
	}
	result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: manager.Name, Output: plan, Usage: usage})
	result.addUsage(usage)

	delegations, err := parsePlan(plan, workers)
	if err != nil {
		// A malformed plan is the manager's failure, not the engine's.
		cerr := agent.NewError(agent.KindInternal, manager.Name, err)
		result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: manager.Name, Error: cerr.Error()})
		return cerr
	}

	workerOutputs := make([]AgentOutput, len(delegations))
	if b.ParallelWorkers {
		ch := make(chan collected, len(delegations))
		for i, d := range delegations {
			go func(i int, d delegation) {
				ag := workers[d.worker]
				emit(events.Status(b.ID, "running worker "+ag.Name))
				output, u, err := e.callAgent(ctx, b, ag, d.subtask, in.contextFor(ag.Name, e.compose), cwd, emit)
				if err != nil {
					ch <- collected{index: i, output: AgentOutput{Agent: ag.Name, Error: err.Error()}, err: err}
					return
				}
				ch <- collected{index: i, output: AgentOutput{Agent: ag.Name, Output: output, Usage: u}}
			}(i, d)
		}
		gathered, _ := e.gather(ctx, ch, len(delegations))
		if cerr := ctx.Err(); cerr != nil {
			return agent.Classify("", cerr)
		}
		for i, r := range gathered {
			workerOutputs[i] = r.output
			if r.err != nil && err == nil {
				err = r.err
			}
		}
	} else {
		for i, d := range delegations {
			ag := workers[d.worker]
			emit(events.Status(b.ID, "running worker "+ag.Name))
			output, u, werr := e.callAgent(ctx, b, ag, d.subtask, in.contextFor(ag.Name, e.compose), cwd, emit)
			if werr != nil {
				workerOutputs[i] = AgentOutput{Agent: ag.Name, Error: werr.Error()}
				err = werr
				break
			}
			workerOutputs[i] = AgentOutput{Agent: ag.Name, Output: output, Usage: u}
		}
	}

	for _, o := range workerOutputs {
		if o.Agent == "" {
			continue
		}
		result.AgentOutputs = append(result.AgentOutputs, o)
		result.addUsage(o.Usage)
	}
	if err != nil {
		return err
	}

	emit(events.Status(b.ID, "running synthesis "+manager.Name))
	synthTask := fmt.Sprintf("Synthesize your workers' results into a final answer to the original task.\n\nOriginal task: %s", b.Task)
	synthesis, usage, err := e.callAgent(ctx, b, manager, synthTask, joinOutputs(workerOutputs), cwd, emit)
	if err != nil {
		result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: manager.Name, Error: err.Error()})
		return err
	}

	result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: manager.Name, Output: synthesis, Usage: usage})
	result.addUsage(usage)
	result.FinalOutput = synthesis
	return nil
}

// parsePlan extracts (worker, subtask) pairs from a free-form plan.
// A line delegates when the text before the first colon, after list
// markers are stripped, is exactly one known token. A single-token
// prefix naming no declared worker is an error; prose lines are
// skipped. Duplicate workers produce independent invocations.
func parsePlan(plan string, workers map[string]agent.Agent) ([]delegation, error) {
	var out []delegation
	for _, line := range strings.Split(plan, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-* \t")
		if line == "" || !strings.Contains(line, ":") {
			continue
		}

		idx := strings.Index(line, ":")
		candidate := strings.TrimSpace(line[:idx])
		subtask := strings.TrimSpace(line[idx+1:])
		if candidate == "" || strings.ContainsAny(candidate, " \t") || subtask == "" {
			continue
		}

		if _, ok := workers[candidate]; !ok {
			return nil, fmt.Errorf("delegation plan names unknown worker %q", candidate)
		}
		out = append(out, delegation{worker: candidate, subtask: subtask})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("delegation plan contains no delegations")
	}
	return out, nil
}
