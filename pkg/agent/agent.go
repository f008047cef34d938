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

// Package agent executes single LLM agent turns: one streaming call
// with cancellation, backpressure, and usage accounting. Patterns in
// pkg/pattern compose these calls; this package knows nothing about
// blocks or designs.
package agent

import (
	"fmt"
)

// Role describes how a pattern interprets an agent. Roles are data,
// not a type hierarchy.
type Role string

const (
	RoleManager    Role = "manager"
	RoleWorker     Role = "worker"
	RoleSpecialist Role = "specialist"
	RoleModerator  Role = "moderator"
)

// validRoles is the closed set accepted at validation time.
var validRoles = map[Role]struct{}{
	RoleManager:    {},
	RoleWorker:     {},
	RoleSpecialist: {},
	RoleModerator:  {},
	"":             {}, // role is optional; patterns default to worker
}

// Agent is a named LLM configuration executing one turn at a time
// within a block. Immutable during execution.
type Agent struct {
	// Name is the agent identifier, unique within its block.
	Name string `json:"name" yaml:"name"`

	// SystemPrompt is the agent's system prompt.
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`

	// Role is how patterns interpret this agent.
	Role Role `json:"role,omitempty" yaml:"role,omitempty"`
}

// Validate checks the agent declaration.
func (a Agent) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if _, ok := validRoles[a.Role]; !ok {
		return fmt.Errorf("agent %s: unknown role %q", a.Name, a.Role)
	}
	return nil
}
