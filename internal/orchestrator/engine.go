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

// Package orchestrator runs multi-step workflows across agents. Steps run
// strictly in order and a workflow halts on its first failed step.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a2ahub/a2a-engine/internal/config"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/messaging"
	"github.com/a2ahub/a2a-engine/internal/metrics"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// DefaultTimeout bounds a workflow run when the config leaves it unset
const DefaultTimeout = 300 * time.Second

// StepSender sends a step request to an agent; *client.Client satisfies it
type StepSender interface {
	Send(ctx context.Context, recipient, action string, params interface{}, opts ...messaging.MessageOption) (*types.Message, error)
}

// AgentFinder picks an agent for a capability; *discovery.Service
// satisfies it
type AgentFinder interface {
	FindBestAgent(ctx context.Context, capability types.Capability) (*types.AgentRecord, error)
}

// CreateRequest describes a workflow to create. Steps, when set, define a
// custom workflow; otherwise Type selects a built-in template.
type CreateRequest struct {
	Type     string          `json:"type"`
	TenantID string          `json:"tenant_id,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	// Agents pins capabilities to agent IDs, e.g. {"COMPLIANCE": "audit-bot"}
	Agents map[string]string `json:"agents,omitempty"`
	Steps  []Step            `json:"steps,omitempty"`
}

// ListFilter narrows List results
type ListFilter struct {
	TenantID string
	Status   Status
}

// Engine creates, runs and tracks workflows in memory
type Engine struct {
	sender  StepSender
	finder  AgentFinder
	timeout time.Duration
	logger  *logging.Logger
	metrics metrics.MetricsProvider
	now     func() time.Time

	mu        sync.RWMutex
	workflows map[string]*Workflow
	runs      map[string]context.CancelFunc
	started   map[string]time.Time

	wg sync.WaitGroup
}

// Option configures an Engine
type Option func(*Engine)

// WithFinder resolves step agents by capability
func WithFinder(f AgentFinder) Option {
	return func(e *Engine) { e.finder = f }
}

// WithMetrics records workflow outcomes
func WithMetrics(m metrics.MetricsProvider) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine that sends step requests through sender
func NewEngine(sender StepSender, cfg config.WorkflowConfig, logger *logging.Logger, opts ...Option) *Engine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	e := &Engine{
		sender:    sender,
		timeout:   timeout,
		logger:    logger.WithComponent("orchestrator"),
		metrics:   metrics.NoopMetrics{},
		now:       time.Now,
		workflows: make(map[string]*Workflow),
		runs:      make(map[string]context.CancelFunc),
		started:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateWorkflow expands the request into a workflow in the created state
func (e *Engine) CreateWorkflow(req CreateRequest) (*Workflow, error) {
	var steps []Step
	wfType := req.Type
	if len(req.Steps) > 0 {
		if wfType == "" {
			wfType = TypeCustom
		}
		for i, s := range req.Steps {
			if s.Action == "" {
				return nil, a2aerrors.Newf(a2aerrors.ErrValidationFailed, "step %d has no action", i+1)
			}
			if s.Agent == "" && s.Capability == "" {
				return nil, a2aerrors.Newf(a2aerrors.ErrValidationFailed, "step %d names neither agent nor capability", i+1)
			}
			if s.Capability != "" && !s.Capability.Valid() {
				return nil, a2aerrors.Newf(a2aerrors.ErrValidationFailed, "step %d has unknown capability %q", i+1, s.Capability)
			}
		}
		steps = number(req.Steps)
	} else {
		tpl, ok := Template(wfType)
		if !ok {
			return nil, a2aerrors.Newf(a2aerrors.ErrValidationFailed, "unknown workflow type %q", req.Type).
				WithDetail("supported", Types())
		}
		steps = tpl
	}

	participants := []string{}
	seen := map[string]bool{}
	for i := range steps {
		if steps[i].Agent == "" {
			steps[i].Agent = req.Agents[string(steps[i].Capability)]
		}
		if a := steps[i].Agent; a != "" && !seen[a] {
			seen[a] = true
			participants = append(participants, a)
		}
	}

	if len(req.Input) > 0 && !json.Valid(req.Input) {
		return nil, a2aerrors.New(a2aerrors.ErrValidationFailed, "input is not valid JSON")
	}

	now := e.now().UTC()
	wf := &Workflow{
		ID:                  uuid.NewString(),
		Type:                wfType,
		TenantID:            req.TenantID,
		ParticipatingAgents: participants,
		Steps:               steps,
		Status:              StatusCreated,
		Results:             make(map[string]*StepResult),
		Input:               req.Input,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.mu.Unlock()

	e.logger.WithFields(map[string]interface{}{
		"workflow_id": wf.ID,
		"type":        wf.Type,
		"steps":       len(steps),
	}).Info("Workflow created")
	return wf.Clone(), nil
}

// Get returns a snapshot of the workflow
func (e *Engine) Get(id string) (*Workflow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[id]
	if !ok {
		return nil, a2aerrors.NewNotFoundError("workflow " + id)
	}
	return wf.Clone(), nil
}

// List returns snapshots of matching workflows, oldest first
func (e *Engine) List(filter ListFilter) []*Workflow {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		if filter.TenantID != "" && wf.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && wf.Status != filter.Status {
			continue
		}
		out = append(out, wf.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Execute runs a created workflow to completion, failure, timeout or
// cancellation and returns its final snapshot
func (e *Engine) Execute(ctx context.Context, id string) (*Workflow, error) {
	runCtx, from, err := e.begin(ctx, id, StatusCreated)
	if err != nil {
		return nil, err
	}
	e.run(ctx, runCtx, id, from)
	return e.Get(id)
}

// Start is Execute in the background. The run is bounded by the workflow
// timeout and by Cancel; use Wait to drain runs on shutdown.
func (e *Engine) Start(id string) error {
	return e.background(id, StatusCreated)
}

// StartResume is Resume in the background
func (e *Engine) StartResume(id string) error {
	return e.background(id, StatusPaused)
}

func (e *Engine) background(id string, want Status) error {
	runCtx, from, err := e.begin(context.Background(), id, want)
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(context.Background(), runCtx, id, from)
	}()
	return nil
}

// Resume continues a paused workflow from its current step
func (e *Engine) Resume(ctx context.Context, id string) (*Workflow, error) {
	runCtx, from, err := e.begin(ctx, id, StatusPaused)
	if err != nil {
		return nil, err
	}
	e.run(ctx, runCtx, id, from)
	return e.Get(id)
}

// Pause stops a running workflow before its next step. The step in flight
// finishes and its result is kept.
func (e *Engine) Pause(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, err := e.mutable(id)
	if err != nil {
		return err
	}
	if wf.Status != StatusRunning {
		return a2aerrors.Newf(a2aerrors.ErrInvalidState, "workflow %s is %s, not running", id, wf.Status)
	}
	wf.Status = StatusPaused
	wf.UpdatedAt = e.now().UTC()
	e.logger.WithField("workflow_id", id).Info("Workflow paused")
	return nil
}

// Cancel ends a workflow that has not reached a terminal state
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, err := e.mutable(id)
	if err != nil {
		return err
	}
	e.finishLocked(wf, StatusCancelled, "cancelled by request")
	if cancel, ok := e.runs[id]; ok {
		cancel()
	}
	return nil
}

// Wait blocks until background runs finish or ctx ends
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mutable returns the workflow if it may still change. Callers hold mu.
func (e *Engine) mutable(id string) (*Workflow, error) {
	wf, ok := e.workflows[id]
	if !ok {
		return nil, a2aerrors.NewNotFoundError("workflow " + id)
	}
	if wf.Status.Terminal() {
		return nil, a2aerrors.Newf(a2aerrors.ErrInvalidState, "workflow %s is already %s", id, wf.Status).
			WithDetail("status", string(wf.Status))
	}
	return wf, nil
}

// begin moves a workflow from want to running and returns the run context
// and first step to execute
func (e *Engine) begin(ctx context.Context, id string, want Status) (context.Context, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf, err := e.mutable(id)
	if err != nil {
		return nil, 0, err
	}
	if wf.Status != want {
		return nil, 0, a2aerrors.Newf(a2aerrors.ErrInvalidState, "workflow %s is %s, expected %s", id, wf.Status, want)
	}

	from := 1
	if want == StatusPaused && wf.CurrentStep > 0 {
		from = wf.CurrentStep
	}
	if _, ok := e.started[id]; !ok {
		e.started[id] = e.now()
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	e.runs[id] = cancel
	wf.Status = StatusRunning
	wf.UpdatedAt = e.now().UTC()
	return runCtx, from, nil
}

func (e *Engine) run(parent, runCtx context.Context, id string, from int) {
	defer func() {
		e.mu.Lock()
		if cancel, ok := e.runs[id]; ok {
			cancel()
			delete(e.runs, id)
		}
		e.mu.Unlock()
	}()

	log := e.logger.WithField("workflow_id", id)

	for n := from; ; n++ {
		e.mu.Lock()
		wf := e.workflows[id]
		if wf.Status != StatusRunning {
			if wf.Status == StatusPaused {
				wf.CurrentStep = n
			}
			e.mu.Unlock()
			return
		}
		if n > len(wf.Steps) {
			e.finishLocked(wf, StatusCompleted, "")
			e.mu.Unlock()
			log.Info("Workflow completed")
			return
		}
		if err := runCtx.Err(); err != nil {
			e.finishLocked(wf, interruptedStatus(parent, runCtx), err.Error())
			e.mu.Unlock()
			return
		}
		wf.CurrentStep = n
		step := wf.Steps[n-1]
		snapshot := wf.Clone()
		e.mu.Unlock()

		result := e.runStep(runCtx, snapshot, step)

		e.mu.Lock()
		if wf.Status.Terminal() {
			e.mu.Unlock()
			return
		}
		wf.Results[StepKey(n)] = result
		wf.UpdatedAt = e.now().UTC()
		if result.Agent != "" && !contains(wf.ParticipatingAgents, result.Agent) {
			wf.ParticipatingAgents = append(wf.ParticipatingAgents, result.Agent)
		}
		if !result.Success {
			status := StatusFailed
			if runCtx.Err() != nil {
				status = interruptedStatus(parent, runCtx)
			}
			e.finishLocked(wf, status, result.Error)
			e.mu.Unlock()
			log.WithFields(map[string]interface{}{
				"step":   n,
				"action": step.Action,
				"status": status,
			}).Warnf("Workflow halted: %s", result.Error)
			return
		}
		if wf.Status == StatusPaused && n == len(wf.Steps) {
			e.finishLocked(wf, StatusCompleted, "")
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
	}
}

// runStep resolves the step's agent and sends it the step request
func (e *Engine) runStep(ctx context.Context, wf *Workflow, step Step) *StepResult {
	res := &StepResult{
		Step:      step.Number,
		Agent:     step.Agent,
		Action:    step.Action,
		StartedAt: e.now().UTC(),
	}
	fail := func(err error) *StepResult {
		res.CompletedAt = e.now().UTC()
		res.Code = string(a2aerrors.CodeOf(err))
		if a2aErr, ok := a2aerrors.AsA2AError(err); ok {
			res.Error = a2aErr.Message
		} else {
			res.Error = err.Error()
		}
		return res
	}

	if res.Agent == "" {
		if e.finder == nil {
			return fail(a2aerrors.Newf(a2aerrors.ErrUnknownAgent, "no agent for capability %s", step.Capability))
		}
		rec, err := e.finder.FindBestAgent(ctx, step.Capability)
		if err != nil {
			return fail(err)
		}
		res.Agent = rec.AgentID
	}

	previous := make(map[string]json.RawMessage, len(wf.Results))
	for k, r := range wf.Results {
		if r.Success {
			previous[k] = r.Result
		}
	}
	req := StepRequest{
		WorkflowID: wf.ID,
		Step:       step.Number,
		Parameters: step.Parameters,
		Input:      wf.Input,
		Previous:   previous,
	}

	resp, err := e.sender.Send(ctx, res.Agent, step.Action, req, messaging.WithWorkflow(wf.ID, StepKey(step.Number)))
	if err != nil {
		return fail(err)
	}
	res.Success = true
	res.CompletedAt = e.now().UTC()
	if resp != nil {
		res.Result = resp.Payload
	}
	return res
}

// finishLocked moves wf to a terminal status. Callers hold mu.
func (e *Engine) finishLocked(wf *Workflow, status Status, reason string) {
	now := e.now().UTC()
	wf.Status = status
	wf.Error = reason
	wf.UpdatedAt = now
	wf.CompletedAt = &now

	var elapsed time.Duration
	if start, ok := e.started[wf.ID]; ok {
		elapsed = e.now().Sub(start)
		delete(e.started, wf.ID)
	}
	e.metrics.RecordWorkflow(wf.Type, string(status), elapsed)
}

func interruptedStatus(parent, runCtx context.Context) Status {
	if parent.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return StatusTimeout
	}
	if errors.Is(parent.Err(), context.DeadlineExceeded) {
		return StatusTimeout
	}
	return StatusCancelled
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
