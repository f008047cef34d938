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

// Package events carries the append-only event stream of an execution:
// one producer side (the runner and pattern executors), two consumer
// sides (the persistent store and live subscribers).
package events

import (
	"encoding/json"
	"time"
)

// Kind identifies an event type.
type Kind string

const (
	KindStart         Kind = "start"
	KindStatus        Kind = "status"
	KindChunk         Kind = "chunk"
	KindBlockComplete Kind = "block_complete"
	KindComplete      Kind = "complete"
	KindError         Kind = "error"
)

// Event is one append-only record in an execution's stream.
type Event struct {
	// Kind is the event type.
	Kind Kind `json:"type"`

	// BlockID identifies the block this event belongs to, if any.
	BlockID string `json:"block_id,omitempty"`

	// Agent identifies the agent this event belongs to, if any.
	Agent string `json:"agent,omitempty"`

	// Data carries chunk text or a status message.
	Data string `json:"data,omitempty"`

	// Error carries the failure message for error events.
	Error string `json:"error,omitempty"`

	// Result carries the structured payload of block_complete and
	// complete events.
	Result json.RawMessage `json:"result,omitempty"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`
}

// IsTerminal reports whether this event ends a stream.
func (e Event) IsTerminal() bool {
	return e.Kind == KindComplete || e.Kind == KindError
}

// Start builds a start event.
func Start() Event {
	return Event{Kind: KindStart, Timestamp: time.Now()}
}

// Status builds a status event.
func Status(blockID, msg string) Event {
	return Event{Kind: KindStatus, BlockID: blockID, Data: msg, Timestamp: time.Now()}
}

// Chunk builds a chunk event relaying one text fragment.
func Chunk(blockID, agentName, text string) Event {
	return Event{Kind: KindChunk, BlockID: blockID, Agent: agentName, Data: text, Timestamp: time.Now()}
}

// BlockComplete builds a block_complete event. The result is
// marshalled to JSON; a marshal failure degrades to an empty payload
// rather than dropping the event.
func BlockComplete(blockID string, result any) Event {
	payload, err := json.Marshal(result)
	if err != nil {
		payload = nil
	}
	return Event{Kind: KindBlockComplete, BlockID: blockID, Result: payload, Timestamp: time.Now()}
}

// Complete builds the terminal success event.
func Complete(result any) Event {
	payload, err := json.Marshal(result)
	if err != nil {
		payload = nil
	}
	return Event{Kind: KindComplete, Result: payload, Timestamp: time.Now()}
}

// Error builds the terminal failure event.
func Error(msg string) Event {
	return Event{Kind: KindError, Error: msg, Timestamp: time.Now()}
}
