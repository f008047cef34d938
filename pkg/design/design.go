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

// Package design models a DAG of pattern blocks with block-level and
// agent-level connections, and runs it: topological scheduling with a
// parallelism cap, context propagation along edges, and failure
// isolation between independent branches.
package design

import (
	"fmt"

	"github.com/tapestry-ai/tapestry/pkg/pattern"
)

// ErrDesignCyclic is returned when a design's connections contain a
// cycle. Detected before any block starts.
var ErrDesignCyclic = fmt.Errorf("design connections contain a cycle")

// Connection is a directed edge between blocks. When SourceAgent and
// TargetAgent are empty, the edge is block-level: the target block
// receives the source block's final output as context. When both are
// set, the edge is agent-level: the named target agent receives the
// named source agent's individual output instead.
type Connection struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`

	SourceAgent string `json:"source_agent,omitempty" yaml:"source_agent,omitempty"`
	TargetAgent string `json:"target_agent,omitempty" yaml:"target_agent,omitempty"`
}

// AgentLevel reports whether this edge rewires individual agents.
func (c Connection) AgentLevel() bool {
	return c.SourceAgent != "" || c.TargetAgent != ""
}

// Design is a named DAG of blocks.
type Design struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Blocks      []pattern.Block `json:"blocks" yaml:"blocks"`
	Connections []Connection    `json:"connections,omitempty" yaml:"connections,omitempty"`
}

// Validate checks structural invariants: unique block ids, valid
// blocks, edges whose endpoints exist, agent-level edges naming
// declared agents on both sides, and acyclicity.
func (d *Design) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("design id is required")
	}
	if len(d.Blocks) == 0 {
		return fmt.Errorf("design %s: at least one block is required", d.ID)
	}

	blocks := make(map[string]*pattern.Block, len(d.Blocks))
	for i := range d.Blocks {
		b := &d.Blocks[i]
		if _, dup := blocks[b.ID]; dup {
			return fmt.Errorf("design %s: duplicate block id %q", d.ID, b.ID)
		}
		if err := b.Validate(); err != nil {
			return fmt.Errorf("design %s: %w", d.ID, err)
		}
		blocks[b.ID] = b
	}

	for _, c := range d.Connections {
		src, ok := blocks[c.Source]
		if !ok {
			return fmt.Errorf("design %s: connection source %q not declared", d.ID, c.Source)
		}
		dst, ok := blocks[c.Target]
		if !ok {
			return fmt.Errorf("design %s: connection target %q not declared", d.ID, c.Target)
		}
		if c.Source == c.Target {
			return fmt.Errorf("design %s: connection %s -> %s is a self-loop", d.ID, c.Source, c.Target)
		}
		if c.AgentLevel() {
			if c.SourceAgent == "" || c.TargetAgent == "" {
				return fmt.Errorf("design %s: agent-level connection %s -> %s must name both agents", d.ID, c.Source, c.Target)
			}
			if _, ok := src.FindAgent(c.SourceAgent); !ok {
				return fmt.Errorf("design %s: connection source agent %s.%s not declared", d.ID, c.Source, c.SourceAgent)
			}
			if _, ok := dst.FindAgent(c.TargetAgent); !ok {
				return fmt.Errorf("design %s: connection target agent %s.%s not declared", d.ID, c.Target, c.TargetAgent)
			}
		}
	}

	if cyclic(d) {
		return fmt.Errorf("design %s: %w", d.ID, ErrDesignCyclic)
	}
	return nil
}

// Block resolves a block by id.
func (d *Design) Block(id string) (*pattern.Block, bool) {
	for i := range d.Blocks {
		if d.Blocks[i].ID == id {
			return &d.Blocks[i], true
		}
	}
	return nil, false
}

// predecessors maps each block id to the set of its upstream block
// ids. Agent-level edges count as dependencies too; the target cannot
// start before the source completes.
func (d *Design) predecessors() map[string]map[string]struct{} {
	preds := make(map[string]map[string]struct{}, len(d.Blocks))
	for _, b := range d.Blocks {
		preds[b.ID] = make(map[string]struct{})
	}
	for _, c := range d.Connections {
		preds[c.Target][c.Source] = struct{}{}
	}
	return preds
}

// successors maps each block id to its downstream block ids.
func (d *Design) successors() map[string][]string {
	succs := make(map[string][]string, len(d.Blocks))
	for _, c := range d.Connections {
		succs[c.Source] = append(succs[c.Source], c.Target)
	}
	return succs
}

// cyclic runs Kahn's algorithm over the block graph.
func cyclic(d *Design) bool {
	indegree := make(map[string]int, len(d.Blocks))
	for _, b := range d.Blocks {
		indegree[b.ID] = 0
	}
	succs := make(map[string]map[string]struct{})
	for _, c := range d.Connections {
		if succs[c.Source] == nil {
			succs[c.Source] = make(map[string]struct{})
		}
		// Parallel edges (block-level plus agent-level between the
		// same pair) count once for the topology.
		if _, seen := succs[c.Source][c.Target]; seen {
			continue
		}
		succs[c.Source][c.Target] = struct{}{}
		indegree[c.Target]++
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for succ := range succs[id] {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	return visited != len(d.Blocks)
}
