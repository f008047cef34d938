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
	"errors"
	"fmt"

	"github.com/tapestry-ai/tapestry/pkg/llm"
)

// Kind classifies an agent call failure.
type Kind string

const (
	// KindUnavailable: no credentials, or the vendor rejected auth.
	KindUnavailable Kind = "agent_unavailable"
	// KindTimeout: the call exceeded its deadline.
	KindTimeout Kind = "agent_timeout"
	// KindCancelled: the call's context was cancelled.
	KindCancelled Kind = "agent_cancelled"
	// KindInternal: a protocol error from the vendor.
	KindInternal Kind = "agent_internal"
	// KindWorkspace: workspace acquisition failed before any call.
	KindWorkspace Kind = "workspace_unavailable"
)

// Error is a classified agent call failure. Errors are values attached
// to events; they never crash the engine.
type Error struct {
	Kind  Kind
	Agent string
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Agent == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: agent %s: %v", e.Kind, e.Agent, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error.
func NewError(kind Kind, agentName string, err error) *Error {
	return &Error{Kind: kind, Agent: agentName, Err: err}
}

// Classify maps an arbitrary failure from a provider call to the error
// taxonomy. Context errors are checked before provider sentinels so a
// cancelled call is never misreported as a vendor failure.
func Classify(agentName string, err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Agent: agentName, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCancelled, Agent: agentName, Err: err}
	case errors.Is(err, llm.ErrUnavailable):
		return &Error{Kind: KindUnavailable, Agent: agentName, Err: err}
	default:
		return &Error{Kind: KindInternal, Agent: agentName, Err: err}
	}
}

// KindOf extracts the Kind from an error chain, or KindInternal when
// the error carries no classification.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}
