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
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tapestry-ai/tapestry/pkg/agent"
	"github.com/tapestry-ai/tapestry/pkg/events"
	"github.com/tapestry-ai/tapestry/pkg/llm"
)

// defaultCancelGrace bounds how long a cancelled pattern waits for
// in-flight agent calls to acknowledge before abandoning them.
const defaultCancelGrace = 5 * time.Second

// Config configures the pattern executor.
type Config struct {
	// Client executes individual agent turns.
	Client *agent.Client

	// ComposeContexts concatenates the block-level context before an
	// agent-level override instead of replacing it.
	ComposeContexts bool

	// CancelGrace is the wait for stragglers after cancellation.
	// Defaults to 5s.
	CancelGrace time.Duration

	// AgentTimeout mirrors the client's per-call deadline. Used to
	// derive the block deadline when BlockTimeout is unset.
	AgentTimeout time.Duration

	// BlockTimeout bounds one block execution. 0 derives it as the
	// block's agent count times AgentTimeout; when both are 0 the
	// block has no deadline.
	BlockTimeout time.Duration

	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

// Executor runs one block under its declared pattern. All patterns
// share the same contract: agents inherit the block's cwd and
// cancellation, chunks are relayed verbatim through emit, and the
// outcome is a structured BlockResult.
type Executor struct {
	client       *agent.Client
	compose      bool
	grace        time.Duration
	agentTimeout time.Duration
	blockTimeout time.Duration
	logger       *zap.Logger
}

// NewExecutor creates a pattern executor.
func NewExecutor(config Config) *Executor {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.CancelGrace <= 0 {
		config.CancelGrace = defaultCancelGrace
	}
	return &Executor{
		client:       config.Client,
		compose:      config.ComposeContexts,
		grace:        config.CancelGrace,
		agentTimeout: config.AgentTimeout,
		blockTimeout: config.BlockTimeout,
		logger:       config.Logger,
	}
}

// Execute runs the block and returns its result. A returned error is
// a classified *agent.Error (or a validation error); the result still
// carries whatever per-agent outputs were collected before the
// failure.
func (e *Executor) Execute(ctx context.Context, b *Block, in Input, cwd string, emit EmitFunc) (*BlockResult, error) {
	if emit == nil {
		emit = func(events.Event) {}
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}

	// Sever the relay path on return. Stragglers abandoned after the
	// cancellation grace window still drain their streams, but nothing
	// they relay can land after the caller's terminal event.
	gate := &emitGate{next: emit}
	defer gate.seal()
	emit = gate.emit

	if d := e.blockDeadline(b); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	e.logger.Debug("Executing block",
		zap.String("block_id", b.ID),
		zap.String("pattern", string(b.Pattern)),
		zap.Int("agents", len(b.Agents)))

	start := time.Now()
	result := &BlockResult{BlockID: b.ID, Pattern: b.Pattern}

	var err error
	switch b.Pattern {
	case Sequential:
		err = e.runSequential(ctx, b, in, cwd, emit, result)
	case Parallel:
		err = e.runParallel(ctx, b, in, cwd, emit, result)
	case Hierarchical:
		err = e.runHierarchical(ctx, b, in, cwd, emit, result)
	case Debate:
		err = e.runDebate(ctx, b, in, cwd, emit, result)
	case Routing:
		err = e.runRouting(ctx, b, in, cwd, emit, result)
	case Reflection:
		err = e.runReflection(ctx, b, in, cwd, emit, result)
	}

	result.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		return result, err
	}
	return result, nil
}

// blockDeadline is the configured block timeout, or the agent count
// times the per-agent timeout when only that is set.
func (e *Executor) blockDeadline(b *Block) time.Duration {
	if e.blockTimeout > 0 {
		return e.blockTimeout
	}
	if e.agentTimeout > 0 {
		return time.Duration(len(b.Agents)) * e.agentTimeout
	}
	return 0
}

// emitGate forwards events until sealed. Seal waits for in-flight
// forwards, so once it returns no further event reaches the caller.
type emitGate struct {
	mu     sync.RWMutex
	sealed bool
	next   EmitFunc
}

func (g *emitGate) emit(ev events.Event) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.sealed {
		return
	}
	g.next(ev)
}

func (g *emitGate) seal() {
	g.mu.Lock()
	g.sealed = true
	g.mu.Unlock()
}

// callAgent runs one agent turn, relaying its chunk stream through
// emit, and returns the drained completion.
func (e *Executor) callAgent(ctx context.Context, b *Block, ag agent.Agent, task, callContext, cwd string, emit EmitFunc) (string, llm.Usage, error) {
	stream := e.client.Run(ctx, agent.Call{
		Agent:   ag,
		Task:    task,
		Context: callContext,
		Cwd:     cwd,
		Model:   b.Model,
	})

	for chunk := range stream.Chunks() {
		emit(events.Chunk(b.ID, ag.Name, chunk))
	}

	res, err := stream.Wait()
	if err != nil {
		return "", llm.Usage{}, err
	}
	return res.Text, res.Usage, nil
}

// collected is one agent's outcome tagged with its fan-out slot.
type collected struct {
	index  int
	output AgentOutput
	err    error
}

// gather drains n results from ch, preserving slot order. On
// cancellation it keeps collecting for the grace window, then
// abandons the stragglers. The second return is how many results
// actually arrived.
func (e *Executor) gather(ctx context.Context, ch <-chan collected, n int) ([]collected, int) {
	out := make([]collected, n)
	received := 0
	for received < n {
		select {
		case r := <-ch:
			out[r.index] = r
			received++
		case <-ctx.Done():
			timer := time.NewTimer(e.grace)
			for received < n {
				select {
				case r := <-ch:
					out[r.index] = r
					received++
				case <-timer.C:
					e.logger.Warn("Abandoning unacknowledged agent calls after cancellation",
						zap.Int("pending", n-received))
					return out, received
				}
			}
			timer.Stop()
		}
	}
	return out, received
}

// joinOutputs concatenates successful outputs labelled by agent name,
// in the given order.
func joinOutputs(outputs []AgentOutput) string {
	var sections []string
	for _, o := range outputs {
		if !o.Failed() {
			sections = append(sections, Label(o.Agent, o.Output))
		}
	}
	return JoinLabelled(sections)
}

// prependContext joins an optional leading context before content.
func prependContext(leading, content string) string {
	if leading == "" {
		return content
	}
	return strings.Join([]string{leading, content}, "\n\n")
}
