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

package agent

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/tapestry-ai/tapestry/pkg/llm"
)

// chunkBuffer bounds the per-call chunk channel. When the consumer
// stops draining, the producing goroutine blocks on the send instead
// of buffering the vendor stream unboundedly.
const chunkBuffer = 16

// CredentialRestorer materializes the selected credential profile
// before a call. Must be idempotent; the client invokes it on every
// Run so a profile switch between calls takes effect.
type CredentialRestorer interface {
	Restore(ctx context.Context) error
}

// Config configures the agent client.
type Config struct {
	// Provider is the LLM backend.
	Provider llm.Provider

	// Restorer is the credential-restore hook (optional).
	Restorer CredentialRestorer

	// MaxParallel caps concurrent agent calls across the process,
	// to respect vendor rate limits. 0 means unlimited.
	MaxParallel int

	// CallTimeout is the per-call deadline. 0 means none.
	CallTimeout time.Duration

	// DefaultModel is used when a call omits a model id.
	DefaultModel string

	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

// Client executes one agent turn at a time: send the prompt, stream
// the completion back, account usage. Single-agent correctness is the
// vendor's job; the client's contribution is streaming, cancellation,
// and accounting.
type Client struct {
	provider llm.Provider
	restorer CredentialRestorer
	gate     *semaphore.Weighted
	timeout  time.Duration
	model    string
	logger   *zap.Logger

	callsStarted atomic.Int64
}

// NewClient creates a new agent client.
func NewClient(config Config) *Client {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	var gate *semaphore.Weighted
	if config.MaxParallel > 0 {
		gate = semaphore.NewWeighted(int64(config.MaxParallel))
	}

	return &Client{
		provider: config.Provider,
		restorer: config.Restorer,
		gate:     gate,
		timeout:  config.CallTimeout,
		model:    config.DefaultModel,
		logger:   config.Logger,
	}
}

// Call describes one agent turn.
type Call struct {
	// Agent is the configuration to run.
	Agent Agent

	// Task is the prompt for this turn.
	Task string

	// Context is optional accumulated context, appended after the task.
	Context string

	// Cwd is the working directory for any tool use the agent issues.
	// Isolation is the broker's responsibility, not this client's.
	Cwd string

	// Model overrides the client's default model id.
	Model string
}

// Result is the terminal outcome of a drained stream.
type Result struct {
	// Text is the full completion, equal to the concatenation of all
	// streamed chunks.
	Text string

	// Usage is token and cost accounting for the call.
	Usage llm.Usage
}

// Stream is a lazy stream of completion chunks for one call.
type Stream struct {
	chunks chan string
	done   chan struct{}
	result *Result
	err    error
}

// Chunks returns the ordered chunk channel. It closes on completion
// or error; consumers must drain it.
func (s *Stream) Chunks() <-chan string {
	return s.chunks
}

// Wait blocks until the stream has terminated and returns the final
// result. The error, if any, is a classified *Error.
func (s *Stream) Wait() (*Result, error) {
	<-s.done
	return s.result, s.err
}

// CallsStarted reports how many provider calls have been issued.
// Used by tests to verify that cancellation stops new calls.
func (c *Client) CallsStarted() int64 {
	return c.callsStarted.Load()
}

// Run executes one agent turn. It returns immediately; chunks arrive
// on the stream and the final result via Wait. Failures are surfaced
// as classified errors from Wait, never panics.
func (c *Client) Run(ctx context.Context, call Call) *Stream {
	s := &Stream{
		chunks: make(chan string, chunkBuffer),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.chunks)
		s.result, s.err = c.run(ctx, call, s.chunks)
	}()

	return s
}

func (c *Client) run(ctx context.Context, call Call, chunks chan<- string) (*Result, error) {
	// Credential restore precedes every call so the process-local
	// credential file reflects the currently selected profile.
	if c.restorer != nil {
		if err := c.restorer.Restore(ctx); err != nil {
			return nil, NewError(KindUnavailable, call.Agent.Name, err)
		}
	}

	if c.gate != nil {
		if err := c.gate.Acquire(ctx, 1); err != nil {
			return nil, Classify(call.Agent.Name, err)
		}
		defer c.gate.Release(1)
	}

	if err := ctx.Err(); err != nil {
		return nil, Classify(call.Agent.Name, err)
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	model := call.Model
	if model == "" {
		model = c.model
	}

	messages := buildMessages(call)

	c.callsStarted.Add(1)
	c.logger.Debug("Starting agent call",
		zap.String("agent", call.Agent.Name),
		zap.String("model", model),
		zap.String("cwd", call.Cwd))

	relay := func(token string) {
		select {
		case chunks <- token:
		case <-callCtx.Done():
		}
	}

	var resp *llm.Response
	var err error
	if sp, ok := c.provider.(llm.StreamingProvider); ok {
		resp, err = sp.ChatStream(callCtx, model, messages, relay)
	} else {
		resp, err = c.provider.Chat(callCtx, model, messages)
		if err == nil && resp.Content != "" {
			relay(resp.Content)
		}
	}
	if err != nil {
		return nil, Classify(call.Agent.Name, err)
	}

	usage := resp.Usage
	if usage.TotalTokens == 0 {
		// Provider reported nothing; estimate so cost accounting
		// stays monotonic across mixed providers.
		for _, m := range messages {
			usage.InputTokens += EstimateTokens(m.Content)
		}
		usage.OutputTokens = EstimateTokens(resp.Content)
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	c.logger.Debug("Agent call completed",
		zap.String("agent", call.Agent.Name),
		zap.Int("input_tokens", usage.InputTokens),
		zap.Int("output_tokens", usage.OutputTokens))

	return &Result{Text: resp.Content, Usage: usage}, nil
}

// buildMessages assembles the conversation for one turn. The agent's
// context rides after its task, matching how sequential patterns feed
// a successor the predecessor's output.
func buildMessages(call Call) []llm.Message {
	var messages []llm.Message
	if call.Agent.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: call.Agent.SystemPrompt})
	}

	content := call.Task
	if call.Context != "" {
		content = call.Task + "\n\n" + call.Context
	}
	messages = append(messages, llm.Message{Role: "user", Content: content})
	return messages
}
