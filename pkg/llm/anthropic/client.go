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

// Package anthropic implements the llm.Provider interface against
// Anthropic's Messages API, including token-by-token streaming.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tapestry-ai/tapestry/pkg/llm"
)

const (
	// DefaultModel is the default Claude model.
	DefaultModel = "claude-sonnet-4-5"
	// DefaultEndpoint is the default Anthropic API endpoint.
	DefaultEndpoint = "https://api.anthropic.com/v1/messages"
	// DefaultMaxTokens is the default maximum tokens per request.
	DefaultMaxTokens = 4096
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second
)

// ErrNoCredentials is returned when no API key could be resolved at
// call time, from either the credentials file or the environment.
// Wraps llm.ErrUnavailable so callers can classify it.
var ErrNoCredentials = fmt.Errorf("anthropic: no API key available: %w", llm.ErrUnavailable)

// KeyResolver returns the API key to use for a call. Resolved on every
// call so that a credential restore between calls takes effect.
type KeyResolver func() (string, error)

// FileKeyResolver reads the key from the JSON credentials file the
// broker materializes ({"api_key": "..."}), falling back to the
// ANTHROPIC_API_KEY environment variable.
func FileKeyResolver(path string) KeyResolver {
	return func() (string, error) {
		data, err := os.ReadFile(path)
		if err == nil {
			var creds struct {
				APIKey string `json:"api_key"`
			}
			if jsonErr := json.Unmarshal(data, &creds); jsonErr == nil && creds.APIKey != "" {
				return creds.APIKey, nil
			}
		}
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			return key, nil
		}
		return "", ErrNoCredentials
	}
}

// Client implements llm.StreamingProvider for Anthropic's Claude API.
type Client struct {
	resolveKey KeyResolver
	endpoint   string
	httpClient *http.Client
	maxTokens  int
}

// Config holds configuration for the Anthropic client.
type Config struct {
	KeyResolver KeyResolver
	Endpoint    string // Default: https://api.anthropic.com/v1/messages
	Timeout     time.Duration
	MaxTokens   int // Default: 4096
}

// NewClient creates a new Anthropic client.
func NewClient(config Config) *Client {
	if config.Endpoint == "" {
		if envEndpoint := os.Getenv("ANTHROPIC_API_ENDPOINT"); envEndpoint != "" {
			config.Endpoint = envEndpoint
		} else {
			config.Endpoint = DefaultEndpoint
		}
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	if config.KeyResolver == nil {
		config.KeyResolver = func() (string, error) {
			if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
				return key, nil
			}
			return "", ErrNoCredentials
		}
	}

	return &Client{
		resolveKey: config.KeyResolver,
		endpoint:   config.Endpoint,
		maxTokens:  config.MaxTokens,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "anthropic"
}

// Chat sends a conversation to Claude and returns the response.
func (c *Client) Chat(ctx context.Context, model string, messages []llm.Message) (*llm.Response, error) {
	return c.ChatStream(ctx, model, messages, nil)
}

// ChatStream streams text chunks as Claude generates them. The
// callback is invoked synchronously per chunk; a blocking callback
// stalls the HTTP body read, which is the intended backpressure path.
func (c *Client) ChatStream(ctx context.Context, model string, messages []llm.Message, callback llm.TokenCallback) (*llm.Response, error) {
	if model == "" {
		model = DefaultModel
	}

	systemPrompt, apiMessages := convertMessages(messages)

	req := &MessagesRequest{
		Model:     model,
		Messages:  apiMessages,
		System:    systemPrompt,
		MaxTokens: c.maxTokens,
		Stream:    true,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	key, err := c.resolveKey()
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		return nil, fmt.Errorf("%w: API rejected key (status %d)", ErrNoCredentials, httpResp.StatusCode)
	}
	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	return c.readStream(ctx, httpResp.Body, callback)
}

// readStream consumes the SSE body and assembles the final response.
func (c *Client) readStream(ctx context.Context, body io.Reader, callback llm.TokenCallback) (*llm.Response, error) {
	var contentBuffer strings.Builder
	usage := llm.Usage{}
	var stopReason string

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		// SSE format: "event: <type>" / "data: <json>"
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		jsonData := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event StreamEvent
		if err := json.Unmarshal([]byte(jsonData), &event); err != nil {
			// Skip malformed events but continue processing
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				contentBuffer.WriteString(event.Delta.Text)
				if callback != nil {
					callback(event.Delta.Text)
				}
			}

		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			if event.Usage != nil {
				if event.Usage.InputTokens > 0 {
					usage.InputTokens = event.Usage.InputTokens
				}
				if event.Usage.OutputTokens > 0 {
					usage.OutputTokens = event.Usage.OutputTokens
				}
			}

		case "error":
			if event.Error != nil {
				return nil, fmt.Errorf("API stream error: %s: %s", event.Error.Type, event.Error.Message)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read failed: %w", err)
	}

	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	usage.CostUSD = calculateCost(usage.InputTokens, usage.OutputTokens)

	return &llm.Response{
		Content:    contentBuffer.String(),
		StopReason: stopReason,
		Usage:      usage,
	}, nil
}

// convertMessages splits out system turns (the Messages API takes them
// as a separate field) and converts the rest to Anthropic format.
func convertMessages(messages []llm.Message) (string, []Message) {
	var systemPrompts []string
	var apiMessages []Message

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if msg.Content != "" {
				systemPrompts = append(systemPrompts, msg.Content)
			}
		default:
			role := msg.Role
			if role != "assistant" {
				role = "user"
			}
			apiMessages = append(apiMessages, Message{Role: role, Content: msg.Content})
		}
	}

	return strings.Join(systemPrompts, "\n\n"), apiMessages
}

// calculateCost estimates the cost in USD based on token usage.
// Claude Sonnet pricing: $3 per million input, $15 per million output.
func calculateCost(inputTokens, outputTokens int) float64 {
	inputCost := float64(inputTokens) * 3.0 / 1_000_000
	outputCost := float64(outputTokens) * 15.0 / 1_000_000
	return inputCost + outputCost
}
