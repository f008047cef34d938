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

	"github.com/tapestry-ai/tapestry/pkg/agent"
	"github.com/tapestry-ai/tapestry/pkg/events"
)

// runParallel fans all workers out concurrently on the same task with
// no cross-visibility. A single agent failure is recorded but does not
// abort peers; the block fails only when every worker failed. The
// optional aggregator synthesizes the survivors' outputs.
func (e *Executor) runParallel(ctx context.Context, b *Block, in Input, cwd string, emit EmitFunc, result *BlockResult) error {
	workers := make([]agent.Agent, 0, len(b.Agents))
	for _, ag := range b.Agents {
		if b.Aggregator != "" && ag.Name == b.Aggregator {
			continue
		}
		workers = append(workers, ag)
	}

	ch := make(chan collected, len(workers))
	for i, ag := range workers {
		go func(i int, ag agent.Agent) {
			emit(events.Status(b.ID, "running agent "+ag.Name))
			output, usage, err := e.callAgent(ctx, b, ag, b.Task, in.contextFor(ag.Name, e.compose), cwd, emit)
			if err != nil {
				ch <- collected{index: i, output: AgentOutput{Agent: ag.Name, Error: err.Error()}, err: err}
				return
			}
			ch <- collected{index: i, output: AgentOutput{Agent: ag.Name, Output: output, Usage: usage}}
		}(i, ag)
	}

	gathered, _ := e.gather(ctx, ch, len(workers))
	if err := ctx.Err(); err != nil {
		return agent.Classify("", err)
	}

	var firstErr error
	succeeded := 0
	for _, r := range gathered {
		result.AgentOutputs = append(result.AgentOutputs, r.output)
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		result.addUsage(r.output.Usage)
		succeeded++
	}

	if succeeded == 0 {
		return firstErr
	}

	if b.Aggregator == "" {
		result.FinalOutput = joinOutputs(result.AgentOutputs)
		return nil
	}

	aggregator, _ := b.FindAgent(b.Aggregator)
	emit(events.Status(b.ID, "running aggregator "+aggregator.Name))

	task := fmt.Sprintf("Synthesize the following responses into a single coherent answer to the original task.\n\nOriginal task: %s", b.Task)
	output, usage, err := e.callAgent(ctx, b, aggregator, task, joinOutputs(result.AgentOutputs), cwd, emit)
	if err != nil {
		result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: aggregator.Name, Error: err.Error()})
		return err
	}

	result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: aggregator.Name, Output: output, Usage: usage})
	result.addUsage(usage)
	result.FinalOutput = output
	return nil
}
