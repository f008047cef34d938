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

package anthropic

// MessagesRequest is the request body for the Anthropic Messages API.
type MessagesRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Message is a single conversation turn in Anthropic format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessagesResponse is the non-streaming response body.
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      APIUsage       `json:"usage"`
	Error      *APIError      `json:"error,omitempty"`
}

// ContentBlock is one piece of response content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// APIUsage is token accounting as reported by the API.
type APIUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// APIError is the error payload returned on non-200 responses.
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StreamEvent is one server-sent event from the streaming API.
type StreamEvent struct {
	Type    string       `json:"type"`
	Index   int          `json:"index,omitempty"`
	Delta   *StreamDelta `json:"delta,omitempty"`
	Message *StreamStart `json:"message,omitempty"`
	Usage   *APIUsage    `json:"usage,omitempty"`
	Error   *APIError    `json:"error,omitempty"`
}

// StreamDelta carries incremental content or stop metadata.
type StreamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// StreamStart is the message_start payload with initial usage.
type StreamStart struct {
	Usage APIUsage `json:"usage"`
}
