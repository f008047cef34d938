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

// runDebate iterates rounds over the participants. In round r each
// participant sees its own round r-1 statement and the joined
// statements of the others. Rounds run concurrently but collect in
// declaration order, so transcripts are deterministic. The moderator,
// when present, closes with a summary after the final round.
func (e *Executor) runDebate(ctx context.Context, b *Block, in Input, cwd string, emit EmitFunc, result *BlockResult) error {
	participants := b.participants()
	rounds := b.Rounds
	if rounds <= 0 {
		rounds = 1
	}

	// statements[i] is participant i's statement from the last
	// completed round.
	statements := make([]string, len(participants))

	for round := 1; round <= rounds; round++ {
		emit(events.Status(b.ID, fmt.Sprintf("debate round %d of %d", round, rounds)))

		ch := make(chan collected, len(participants))
		for i, ag := range participants {
			go func(i int, ag agent.Agent) {
				callContext := in.contextFor(ag.Name, e.compose)
				if round > 1 {
					callContext = debateContext(i, participants, statements)
				}
				output, usage, err := e.callAgent(ctx, b, ag, b.Task, callContext, cwd, emit)
				if err != nil {
					ch <- collected{index: i, output: AgentOutput{Agent: ag.Name, Error: err.Error()}, err: err}
					return
				}
				ch <- collected{index: i, output: AgentOutput{Agent: ag.Name, Output: output, Usage: usage}}
			}(i, ag)
		}

		gathered, _ := e.gather(ctx, ch, len(participants))
		if cerr := ctx.Err(); cerr != nil {
			return agent.Classify("", cerr)
		}

		for i, r := range gathered {
			result.AgentOutputs = append(result.AgentOutputs, r.output)
			if r.err != nil {
				// A debate cannot proceed with a silent participant.
				return r.err
			}
			result.addUsage(r.output.Usage)
			statements[i] = r.output.Output
		}
	}

	finalRound := make([]AgentOutput, len(participants))
	for i, ag := range participants {
		finalRound[i] = AgentOutput{Agent: ag.Name, Output: statements[i]}
	}

	moderator, hasModerator := b.moderatorAgent()
	if !hasModerator {
		result.FinalOutput = joinOutputs(finalRound)
		return nil
	}

	emit(events.Status(b.ID, "running moderator "+moderator.Name))
	task := fmt.Sprintf("Write a closing summary of this debate, weighing each participant's position.\n\nDebate topic: %s", b.Task)
	output, usage, err := e.callAgent(ctx, b, moderator, task, joinOutputs(finalRound), cwd, emit)
	if err != nil {
		result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: moderator.Name, Error: err.Error()})
		return err
	}

	result.AgentOutputs = append(result.AgentOutputs, AgentOutput{Agent: moderator.Name, Output: output, Usage: usage})
	result.addUsage(usage)
	result.FinalOutput = output
	return nil
}

// debateContext builds participant i's view of the previous round.
func debateContext(i int, participants []agent.Agent, statements []string) string {
	var others []string
	for j, ag := range participants {
		if j == i {
			continue
		}
		others = append(others, Label(ag.Name, statements[j]))
	}
	return fmt.Sprintf("Your previous statement:\n%s\n\nThe other participants said:\n\n%s",
		statements[i], JoinLabelled(others))
}
