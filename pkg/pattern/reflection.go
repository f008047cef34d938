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

	"github.com/tapestry-ai/tapestry/pkg/events"
)

// runReflection runs a draft-critique-revise loop: the first agent
// drafts, the second critiques, and the first revises, for Rounds
// critique cycles. The final output is the worker's last revision.
func (e *Executor) runReflection(ctx context.Context, b *Block, in Input, cwd string, emit EmitFunc, result *BlockResult) error {
	worker := b.Agents[0]
	critic := b.Agents[1]
	rounds := b.Rounds
	if rounds <= 0 {
		rounds = 1
	}

	emit(events.Status(b.ID, "running draft "+worker.Name))
	draft, usage, err := e.callAgent(ctx, b, worker, b.Task, in.contextFor(worker.Name, e.compose), cwd, emit)
	if err != nil {
		result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: worker.Name, Error: err.Error()})
		return err
	}
	result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: worker.Name, Output: draft, Usage: usage})
	result.addUsage(usage)

	current := draft
	for round := 1; round <= rounds; round++ {
		emit(events.Status(b.ID, fmt.Sprintf("critique round %d of %d", round, rounds)))
		critiqueTask := fmt.Sprintf("Critique the following response to the task. Point out concrete weaknesses.\n\nTask: %s", b.Task)
		critique, usage, err := e.callAgent(ctx, b, critic, critiqueTask, current, cwd, emit)
		if err != nil {
			result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: critic.Name, Error: err.Error()})
			return err
		}
		result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: critic.Name, Output: critique, Usage: usage})
		result.addUsage(usage)

		emit(events.Status(b.ID, "running revision "+worker.Name))
		reviseContext := fmt.Sprintf("Your previous response:\n%s\n\nCritique to address:\n%s", current, critique)
		revised, usage, err := e.callAgent(ctx, b, worker, b.Task, reviseContext, cwd, emit)
		if err != nil {
			result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: worker.Name, Error: err.Error()})
			return err
		}
		result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: worker.Name, Output: revised, Usage: usage})
		result.addUsage(usage)
		current = revised
	}

	result.FinalOutput = current
	return nil
}
