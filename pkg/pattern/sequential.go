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

	"github.com/tapestry-ai/tapestry/pkg/events"
)

// runSequential executes agents strictly in declared order. Each agent
// after the first sees its predecessor's output as context; the first
// sees the block's incoming context. One failure aborts the block.
func (e *Executor) runSequential(ctx context.Context, b *Block, in Input, cwd string, emit EmitFunc, result *BlockResult) error {
	carry := ""
	for i, ag := range b.Agents {
		emit(events.Status(b.ID, "running agent "+ag.Name))

		// Every agent sees its incoming edge context (agent-level
		// override or the block-level aggregate); agents after the
		// first additionally see their predecessor's output, which is
		// the point of the pattern.
		callContext := in.contextFor(ag.Name, e.compose)
		if i > 0 {
			callContext = prependContext(callContext, carry)
		}

		output, usage, err := e.callAgent(ctx, b, ag, b.Task, callContext, cwd, emit)
		if err != nil {
			result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: ag.Name, Error: err.Error()})
			return err
		}

		result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: ag.Name, Output: output, Usage: usage})
		result.addUsage(usage)
		carry = output
	}

	result.FinalOutput = carry
	return nil
}
