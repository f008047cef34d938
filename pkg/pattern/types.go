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

// Package pattern composes agent clients into the block-level
// interaction patterns: sequential, parallel, hierarchical, debate,
// routing, and reflection. A block is the unit of isolation; the
// executor receives its working directory from the broker and relays
// every agent's chunk stream through the caller's event sink.
package pattern

import (
	"fmt"
	"strings"

	"github.com/tapestry-ai/tapestry/pkg/agent"
	"github.com/tapestry-ai/tapestry/pkg/events"
	"github.com/tapestry-ai/tapestry/pkg/llm"
)

// Pattern identifies how the agents in a block interact.
type Pattern string

const (
	Sequential   Pattern = "sequential"
	Parallel     Pattern = "parallel"
	Hierarchical Pattern = "hierarchical"
	Debate       Pattern = "debate"
	Routing      Pattern = "routing"
	Reflection   Pattern = "reflection"
)

// knownPatterns is the closed set accepted at validation time.
var knownPatterns = map[Pattern]struct{}{
	Sequential:   {},
	Parallel:     {},
	Hierarchical: {},
	Debate:       {},
	Routing:      {},
	Reflection:   {},
}

// Block is one unit of orchestration: an ordered set of agents run
// under a single pattern, with per-block credential and workspace
// isolation. Pattern-specific options are plain fields; unknown agent
// references fail at validation, not at invocation.
type Block struct {
	// ID is unique within a design.
	ID string `json:"id" yaml:"id"`

	// Pattern governs how the agents interact.
	Pattern Pattern `json:"pattern" yaml:"pattern"`

	// Agents is the ordered agent list.
	Agents []agent.Agent `json:"agents" yaml:"agents"`

	// Task is the prompt fed to the block.
	Task string `json:"task" yaml:"task"`

	// GitRepo, when set, is shallow-cloned into an ephemeral working
	// directory for the duration of the block.
	GitRepo string `json:"git_repo,omitempty" yaml:"git_repo,omitempty"`

	// Model overrides the engine's default model for this block.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// Rounds is the iteration count for debate and reflection.
	Rounds int `json:"rounds,omitempty" yaml:"rounds,omitempty"`

	// Aggregator names the parallel block's synthesis agent (optional).
	Aggregator string `json:"aggregator,omitempty" yaml:"aggregator,omitempty"`

	// Manager names the hierarchical block's manager. Defaults to the
	// first agent with the manager role.
	Manager string `json:"manager,omitempty" yaml:"manager,omitempty"`

	// Router names the routing block's router. Defaults to the first
	// agent with the manager role, else the first agent.
	Router string `json:"router,omitempty" yaml:"router,omitempty"`

	// ParallelWorkers runs hierarchical workers concurrently instead
	// of sequentially.
	ParallelWorkers bool `json:"parallel_workers,omitempty" yaml:"parallel_workers,omitempty"`
}

// Validate checks the block declaration: known pattern, at least one
// agent, unique agent names, and pattern-specific references that
// resolve. Everything an executor looks up by name is checked here.
func (b *Block) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("block id is required")
	}
	if _, ok := knownPatterns[b.Pattern]; !ok {
		return fmt.Errorf("block %s: unknown pattern %q", b.ID, b.Pattern)
	}
	if len(b.Agents) == 0 {
		return fmt.Errorf("block %s: at least one agent is required", b.ID)
	}

	seen := make(map[string]struct{}, len(b.Agents))
	for _, ag := range b.Agents {
		if err := ag.Validate(); err != nil {
			return fmt.Errorf("block %s: %w", b.ID, err)
		}
		if _, dup := seen[ag.Name]; dup {
			return fmt.Errorf("block %s: duplicate agent name %q", b.ID, ag.Name)
		}
		seen[ag.Name] = struct{}{}
	}

	if b.Aggregator != "" {
		if _, ok := b.FindAgent(b.Aggregator); !ok {
			return fmt.Errorf("block %s: aggregator %q not declared", b.ID, b.Aggregator)
		}
	}
	if b.Manager != "" {
		if _, ok := b.FindAgent(b.Manager); !ok {
			return fmt.Errorf("block %s: manager %q not declared", b.ID, b.Manager)
		}
	}
	if b.Router != "" {
		if _, ok := b.FindAgent(b.Router); !ok {
			return fmt.Errorf("block %s: router %q not declared", b.ID, b.Router)
		}
	}

	switch b.Pattern {
	case Debate:
		if len(b.participants()) < 2 {
			return fmt.Errorf("block %s: debate requires at least 2 participants", b.ID)
		}
	case Hierarchical:
		if len(b.Agents) < 2 {
			return fmt.Errorf("block %s: hierarchical requires a manager and at least one worker", b.ID)
		}
	case Routing:
		if len(b.Agents) < 2 {
			return fmt.Errorf("block %s: routing requires a router and at least one specialist", b.ID)
		}
	case Reflection:
		if len(b.Agents) < 2 {
			return fmt.Errorf("block %s: reflection requires a worker and a critic", b.ID)
		}
	}
	return nil
}

// FindAgent resolves an agent by name.
func (b *Block) FindAgent(name string) (agent.Agent, bool) {
	for _, ag := range b.Agents {
		if ag.Name == name {
			return ag, true
		}
	}
	return agent.Agent{}, false
}

// managerAgent resolves the hierarchical manager: the Manager field,
// else the first agent with the manager role, else the first agent.
func (b *Block) managerAgent() agent.Agent {
	if b.Manager != "" {
		ag, _ := b.FindAgent(b.Manager)
		return ag
	}
	for _, ag := range b.Agents {
		if ag.Role == agent.RoleManager {
			return ag
		}
	}
	return b.Agents[0]
}

// routerAgent resolves the routing block's router the same way.
func (b *Block) routerAgent() agent.Agent {
	if b.Router != "" {
		ag, _ := b.FindAgent(b.Router)
		return ag
	}
	for _, ag := range b.Agents {
		if ag.Role == agent.RoleManager {
			return ag
		}
	}
	return b.Agents[0]
}

// moderatorAgent resolves the debate moderator, if any.
func (b *Block) moderatorAgent() (agent.Agent, bool) {
	for _, ag := range b.Agents {
		if ag.Role == agent.RoleModerator {
			return ag, true
		}
	}
	return agent.Agent{}, false
}

// participants returns the debate participants in declaration order
// (everyone except the moderator).
func (b *Block) participants() []agent.Agent {
	var out []agent.Agent
	for _, ag := range b.Agents {
		if ag.Role != agent.RoleModerator {
			out = append(out, ag)
		}
	}
	return out
}

// AgentOutput is one agent's contribution to a block result. Failures
// are captured as values; the error text never leaks into peer
// contexts.
type AgentOutput struct {
	Agent  string    `json:"agent"`
	Output string    `json:"output,omitempty"`
	Error  string    `json:"error,omitempty"`
	Usage  llm.Usage `json:"usage"`
}

// Failed reports whether this agent's call failed.
func (o AgentOutput) Failed() bool {
	return o.Error != ""
}

// BlockResult is the structured outcome of one block execution.
type BlockResult struct {
	BlockID      string        `json:"block_id"`
	Pattern      Pattern       `json:"pattern"`
	AgentOutputs []AgentOutput `json:"agent_outputs"`
	FinalOutput  string        `json:"final_output"`
	DurationMs   int64         `json:"duration_ms"`
	Usage        llm.Usage     `json:"usage"`
}

// OutputOf returns the recorded output of the named agent. When an
// agent ran more than once (debate rounds, duplicate delegations) the
// last output wins.
func (r *BlockResult) OutputOf(name string) (string, bool) {
	for i := len(r.AgentOutputs) - 1; i >= 0; i-- {
		if r.AgentOutputs[i].Agent == name && !r.AgentOutputs[i].Failed() {
			return r.AgentOutputs[i].Output, true
		}
	}
	return "", false
}

// addUsage accumulates an agent call's usage into the block total.
func (r *BlockResult) addUsage(u llm.Usage) {
	r.Usage.InputTokens += u.InputTokens
	r.Usage.OutputTokens += u.OutputTokens
	r.Usage.TotalTokens += u.TotalTokens
	r.Usage.CostUSD += u.CostUSD
}

// Input carries the context assembled for a block by the design
// runner: the block-level aggregate plus agent-level overrides.
type Input struct {
	// BlockContext is the labelled concatenation of upstream block
	// outputs, or empty for root blocks.
	BlockContext string

	// AgentContext maps agent names to agent-level edge contexts.
	// An entry overrides BlockContext for that agent only.
	AgentContext map[string]string
}

// contextFor resolves the context for one agent, honoring agent-level
// overrides. In compose mode both contexts are concatenated instead.
func (in Input) contextFor(name string, compose bool) string {
	override, ok := in.AgentContext[name]
	if !ok {
		return in.BlockContext
	}
	if compose && in.BlockContext != "" {
		return strings.Join([]string{in.BlockContext, override}, "\n\n")
	}
	return override
}

// EmitFunc is the event sink patterns stream into.
type EmitFunc func(events.Event)

// Label formats one source's content for inclusion in a downstream
// context. Shared by patterns and the design runner.
func Label(source, content string) string {
	return fmt.Sprintf("=== From %s ===\n%s", source, content)
}

// JoinLabelled joins labelled sections with blank lines.
func JoinLabelled(sections []string) string {
	return strings.Join(sections, "\n\n")
}
