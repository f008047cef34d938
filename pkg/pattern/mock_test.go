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
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/tapestry-ai/tapestry/pkg/agent"
	"github.com/tapestry-ai/tapestry/pkg/llm"
)

// providerCall is one recorded provider invocation. System carries the
// agent's system prompt, which tests use as the agent's identity.
type providerCall struct {
	System string
	User   string
}

// scriptedProvider answers calls through a test-supplied function and
// records every call.
type scriptedProvider struct {
	mu      sync.Mutex
	respond func(call providerCall) (string, error)
	calls   []providerCall
	delay   time.Duration

	// ignoreCancel sleeps through the delay regardless of the context,
	// imitating a vendor call that never acknowledges cancellation.
	ignoreCancel bool
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) do(ctx context.Context, messages []llm.Message) (string, error) {
	call := providerCall{}
	for _, m := range messages {
		switch m.Role {
		case "system":
			call.System = m.Content
		default:
			call.User = m.Content
		}
	}

	p.mu.Lock()
	p.calls = append(p.calls, call)
	respond := p.respond
	p.mu.Unlock()

	if p.delay > 0 {
		if p.ignoreCancel {
			time.Sleep(p.delay)
		} else {
			select {
			case <-time.After(p.delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	if respond == nil {
		return "ok", nil
	}
	return respond(call)
}

func (p *scriptedProvider) Chat(ctx context.Context, model string, messages []llm.Message) (*llm.Response, error) {
	resp, err := p.do(ctx, messages)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Content: resp, StopReason: "end_turn"}, nil
}

// callCount returns how many provider calls were issued.
func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// callsTo returns the recorded calls for one agent identity.
func (p *scriptedProvider) callsTo(system string) []providerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []providerCall
	for _, c := range p.calls {
		if c.System == system {
			out = append(out, c)
		}
	}
	return out
}

// newTestExecutor wires a scripted provider into a pattern executor.
func newTestExecutor(t *testing.T, provider *scriptedProvider) *Executor {
	t.Helper()
	client := agent.NewClient(agent.Config{
		Provider: provider,
		Logger:   zaptest.NewLogger(t),
	})
	return NewExecutor(Config{
		Client:      client,
		CancelGrace: 2 * time.Second,
		Logger:      zaptest.NewLogger(t),
	})
}
