/*
 * Copyright 2025 Cong Wang
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/a2ahub/a2a-engine/internal/types"
)

// Status is the lifecycle state of a workflow
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether no further mutation is permitted
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Step is one agent action in a workflow. Agent may be empty, in which case
// the agent is resolved by Capability when the step runs.
type Step struct {
	Number      int              `json:"step"`
	Agent       string           `json:"agent,omitempty"`
	Capability  types.Capability `json:"capability,omitempty"`
	Action      string           `json:"action"`
	Description string           `json:"description,omitempty"`
	Parameters  json.RawMessage  `json:"parameters,omitempty"`
}

// StepResult records the outcome of one executed step
type StepResult struct {
	Step        int             `json:"step"`
	Agent       string          `json:"agent"`
	Action      string          `json:"action"`
	Success     bool            `json:"success"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Code        string          `json:"code,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Workflow is a sequence of steps and the results gathered so far
type Workflow struct {
	ID                  string                 `json:"workflow_id"`
	Type                string                 `json:"type"`
	TenantID            string                 `json:"tenant_id,omitempty"`
	ParticipatingAgents []string               `json:"participating_agents"`
	Steps               []Step                 `json:"steps"`
	CurrentStep         int                    `json:"current_step"`
	Status              Status                 `json:"status"`
	Results             map[string]*StepResult `json:"results"`
	Input               json.RawMessage        `json:"input,omitempty"`
	Error               string                 `json:"error,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty"`
}

// StepKey is the results key for step n
func StepKey(n int) string {
	return fmt.Sprintf("step_%d", n)
}

// Clone returns a deep copy safe to hand to callers
func (w *Workflow) Clone() *Workflow {
	out := *w
	out.ParticipatingAgents = append([]string(nil), w.ParticipatingAgents...)
	out.Steps = append([]Step(nil), w.Steps...)
	out.Results = make(map[string]*StepResult, len(w.Results))
	for k, r := range w.Results {
		cp := *r
		out.Results[k] = &cp
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// StepRequest is the parameter object sent to the agent running a step
type StepRequest struct {
	WorkflowID string                     `json:"workflow_id"`
	Step       int                        `json:"step"`
	Parameters json.RawMessage            `json:"parameters,omitempty"`
	Input      json.RawMessage            `json:"input,omitempty"`
	Previous   map[string]json.RawMessage `json:"previous,omitempty"`
}
