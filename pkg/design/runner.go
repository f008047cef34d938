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

package design

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/tapestry-ai/tapestry/pkg/agent"
	"github.com/tapestry-ai/tapestry/pkg/events"
	"github.com/tapestry-ai/tapestry/pkg/llm"
	"github.com/tapestry-ai/tapestry/pkg/pattern"
)

// Workspace acquires a working directory for one block and pairs it
// with a release. Release runs on every exit path.
type Workspace interface {
	Acquire(ctx context.Context, gitRepo string) (cwd string, release func(), err error)
}

// BlockStatus is the lifecycle state of one block within a run.
type BlockStatus string

const (
	BlockPending   BlockStatus = "pending"
	BlockRunning   BlockStatus = "running"
	BlockCompleted BlockStatus = "completed"
	BlockFailed    BlockStatus = "failed"
	// BlockSkipped marks a block whose predecessor failed.
	BlockSkipped   BlockStatus = "skipped"
	BlockCancelled BlockStatus = "cancelled"
)

// Status is the terminal state of a whole run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Result is the outcome of one design run: per-block results for every
// block that completed, statuses for all, and aggregate usage. Partial
// results survive failures.
type Result struct {
	Status Status                          `json:"status"`
	Blocks map[string]*pattern.BlockResult `json:"blocks"`
	States map[string]BlockStatus          `json:"states"`
	Errors map[string]string               `json:"errors,omitempty"`
	Usage  llm.Usage                       `json:"usage"`
}

// Config configures the runner.
type Config struct {
	// Executor runs individual blocks.
	Executor *pattern.Executor

	// Workspace provides per-block working directories.
	Workspace Workspace

	// MaxParallelBlocks caps concurrent blocks per run. 0 means
	// unlimited.
	MaxParallelBlocks int

	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

// Runner executes designs: topological scheduling of ready blocks with
// a parallelism cap, context propagation along block-level and
// agent-level connections, and dependent skipping on failure.
type Runner struct {
	executor    *pattern.Executor
	workspace   Workspace
	maxParallel int
	logger      *zap.Logger
}

// NewRunner creates a design runner.
func NewRunner(config Config) *Runner {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Runner{
		executor:    config.Executor,
		workspace:   config.Workspace,
		maxParallel: config.MaxParallelBlocks,
		logger:      config.Logger,
	}
}

// blockDone carries one finished block back to the scheduling loop.
type blockDone struct {
	id     string
	result *pattern.BlockResult
	err    error
}

// Run validates the design and executes it to a terminal state. The
// returned Result always carries whatever blocks completed; err is
// non-nil only for validation failures, so callers distinguish "could
// not start" from "ran and failed".
func (r *Runner) Run(ctx context.Context, d *Design, task string, emit pattern.EmitFunc) (*Result, error) {
	if emit == nil {
		emit = func(events.Event) {}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	res := &Result{
		Blocks: make(map[string]*pattern.BlockResult, len(d.Blocks)),
		States: make(map[string]BlockStatus, len(d.Blocks)),
		Errors: make(map[string]string),
	}
	for _, b := range d.Blocks {
		res.States[b.ID] = BlockPending
	}

	preds := d.predecessors()
	succs := d.successors()
	done := make(chan blockDone)
	running := 0

	ready := func() []string {
		var out []string
		for _, b := range d.Blocks {
			if res.States[b.ID] != BlockPending {
				continue
			}
			ok := true
			for p := range preds[b.ID] {
				if res.States[p] != BlockCompleted {
					ok = false
					break
				}
			}
			if ok {
				out = append(out, b.ID)
			}
		}
		return out
	}

	// skip marks a failed block's dependents (transitively) skipped.
	var skip func(id string)
	skip = func(id string) {
		for _, succ := range succs[id] {
			if res.States[succ] != BlockPending {
				continue
			}
			res.States[succ] = BlockSkipped
			emit(events.Status(succ, "skipped: upstream block failed"))
			skip(succ)
		}
	}

	launch := func(id string) {
		res.States[id] = BlockRunning
		src, _ := d.Block(id)
		// Copy so a blank per-block task can default to the invocation
		// task without mutating the design.
		b := *src
		if b.Task == "" {
			b.Task = task
		}
		in := r.assembleInput(d, &b, res)
		running++
		go func() {
			result, err := r.runBlock(ctx, &b, in, emit)
			done <- blockDone{id: id, result: result, err: err}
		}()
	}

	cancelled := false
	for {
		if !cancelled && ctx.Err() != nil {
			// No new blocks start after cancellation; in-flight blocks
			// observe it through their own context.
			cancelled = true
		}

		if !cancelled {
			for _, id := range ready() {
				if r.maxParallel > 0 && running >= r.maxParallel {
					break
				}
				launch(id)
			}
		}

		if running == 0 {
			break
		}

		d2 := <-done
		running--
		if d2.result != nil {
			res.Blocks[d2.id] = d2.result
			res.Usage.InputTokens += d2.result.Usage.InputTokens
			res.Usage.OutputTokens += d2.result.Usage.OutputTokens
			res.Usage.TotalTokens += d2.result.Usage.TotalTokens
			res.Usage.CostUSD += d2.result.Usage.CostUSD
		}
		if d2.err != nil {
			if agent.KindOf(d2.err) == agent.KindCancelled {
				res.States[d2.id] = BlockCancelled
			} else {
				res.States[d2.id] = BlockFailed
			}
			res.Errors[d2.id] = d2.err.Error()
			emit(events.Status(d2.id, "block failed: "+d2.err.Error()))
			skip(d2.id)
			continue
		}

		res.States[d2.id] = BlockCompleted
		emit(events.BlockComplete(d2.id, d2.result))
	}

	res.Status = finalStatus(ctx, res)
	r.logger.Info("Design run finished",
		zap.String("design_id", d.ID),
		zap.String("status", string(res.Status)))
	return res, nil
}

// runBlock wraps one block execution in workspace acquisition.
func (r *Runner) runBlock(ctx context.Context, b *pattern.Block, in pattern.Input, emit pattern.EmitFunc) (*pattern.BlockResult, error) {
	cwd := ""
	if r.workspace != nil {
		var release func()
		var err error
		cwd, release, err = r.workspace.Acquire(ctx, b.GitRepo)
		if err != nil {
			return nil, agent.NewError(agent.KindWorkspace, "",
				fmt.Errorf("block %s: %w", b.ID, err))
		}
		defer release()
	}
	emit(events.Status(b.ID, "block started"))
	return r.executor.Execute(ctx, b, in, cwd, emit)
}

// assembleInput builds a block's context from its incoming edges.
// Block-level edges contribute the source's final output, labelled and
// joined in source-id order. Agent-level edges collect into a per-agent
// override map. Root blocks run on the invocation task alone.
func (r *Runner) assembleInput(d *Design, b *pattern.Block, res *Result) pattern.Input {
	var incoming []Connection
	for _, c := range d.Connections {
		if c.Target == b.ID {
			incoming = append(incoming, c)
		}
	}
	sort.SliceStable(incoming, func(i, j int) bool {
		return incoming[i].Source < incoming[j].Source
	})

	in := pattern.Input{AgentContext: make(map[string]string)}
	var sections []string
	for _, c := range incoming {
		src, ok := res.Blocks[c.Source]
		if !ok {
			continue
		}
		if !c.AgentLevel() {
			sections = append(sections, pattern.Label(c.Source, src.FinalOutput))
			continue
		}
		output, ok := src.OutputOf(c.SourceAgent)
		if !ok {
			continue
		}
		labelled := pattern.Label(c.Source+"."+c.SourceAgent, output)
		if prev, exists := in.AgentContext[c.TargetAgent]; exists {
			labelled = pattern.JoinLabelled([]string{prev, labelled})
		}
		in.AgentContext[c.TargetAgent] = labelled
	}
	in.BlockContext = pattern.JoinLabelled(sections)
	return in
}

// finalStatus derives the run's terminal state: cancelled beats
// failed, failed beats completed.
func finalStatus(ctx context.Context, res *Result) Status {
	if ctx.Err() != nil {
		return StatusCancelled
	}
	for _, st := range res.States {
		if st == BlockCancelled {
			return StatusCancelled
		}
	}
	for _, st := range res.States {
		if st == BlockFailed {
			return StatusFailed
		}
	}
	return StatusCompleted
}
