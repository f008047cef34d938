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

// Package llm defines the provider interface the engine speaks to
// language models through. Providers are pluggable; the engine treats
// the vendor wire protocol as opaque.
package llm

import (
	"context"
	"errors"
)

// ErrUnavailable marks errors caused by missing or rejected
// credentials. Providers wrap it so callers can classify failures
// without knowing the vendor.
var ErrUnavailable = errors.New("llm: provider unavailable")

// Message is a single turn in a conversation.
type Message struct {
	// Role is the message sender (system, user, assistant)
	Role string

	// Content is the message text
	Content string
}

// Usage tracks token usage and estimated cost for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CostUSD      float64
}

// Response is a completed LLM turn.
type Response struct {
	// Content is the full text of the completion
	Content string

	// StopReason indicates why the model stopped
	StopReason string

	// Usage tracks token usage for this call
	Usage Usage
}

// Provider defines the interface for LLM providers.
type Provider interface {
	// Chat sends a conversation to the LLM and returns the response.
	Chat(ctx context.Context, model string, messages []Message) (*Response, error)

	// Name returns the provider name.
	Name() string
}

// TokenCallback is called for each text chunk during streaming.
// Implementations should be lightweight; a blocking callback stalls
// the stream (this is how backpressure propagates to the vendor read).
type TokenCallback func(token string)

// StreamingProvider extends Provider with chunk streaming support.
type StreamingProvider interface {
	Provider

	// ChatStream streams text chunks as they are generated, calling
	// callback for each one, and returns the complete response after
	// the stream finishes.
	ChatStream(ctx context.Context, model string, messages []Message, callback TokenCallback) (*Response, error)
}

// SupportsStreaming reports whether a provider implements StreamingProvider.
func SupportsStreaming(p Provider) bool {
	_, ok := p.(StreamingProvider)
	return ok
}
