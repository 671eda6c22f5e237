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

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/a2ahub/a2a-engine/internal/auth"
	"github.com/a2ahub/a2a-engine/internal/discovery"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/mcpsign"
	"github.com/a2ahub/a2a-engine/internal/middleware"
	"github.com/a2ahub/a2a-engine/internal/orchestrator"
	"github.com/a2ahub/a2a-engine/internal/security"
	"github.com/a2ahub/a2a-engine/internal/storage"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// scopeTenant is the tenant the request was admitted for. Empty means the
// request is not tenant-scoped (admin, or anonymous on an open node).
func scopeTenant(c *gin.Context) string {
	return c.GetString(middleware.KeyTenant)
}

func visible(c *gin.Context, tenant string) bool {
	scope := scopeTenant(c)
	return scope == "" || scope == tenant
}

// bindTenant fills an omitted tenant from the request scope and rejects a
// tenant outside it
func bindTenant(c *gin.Context, requested string) (string, error) {
	scope := scopeTenant(c)
	if requested == "" {
		return scope, nil
	}
	if scope != "" && requested != scope {
		return "", a2aerrors.NewCrossTenantError(scope, requested)
	}
	return requested, nil
}

func badRequest(err error) *a2aerrors.A2AError {
	return a2aerrors.Wrap(a2aerrors.ErrInvalidRequestFormat, "invalid request body", err).
		WithDetail("parse_error", err.Error())
}

// handleRegisterAgent handles POST /v1/agents
func (s *Server) handleRegisterAgent(c *gin.Context) {
	var req types.RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondWithError(c, badRequest(err))
		return
	}

	tenant, err := bindTenant(c, req.TenantID)
	if err != nil {
		s.respondWithError(c, err)
		return
	}

	// IDs of agents this node holds keys for are not open to registration
	ctx := c.Request.Context()
	local, err := s.rt.Identities.HasLocal(ctx, req.AgentID)
	if err != nil {
		s.respondWithError(c, err)
		return
	}
	if _, hosted := s.rt.Agents.Agent(req.AgentID); hosted || local {
		s.respondWithError(c, a2aerrors.Newf(a2aerrors.ErrForbidden, "agent %s is hosted by this node", req.AgentID))
		return
	}
	if existing, err := s.rt.Registry.GetAgent(req.AgentID); err == nil && existing.TenantID != tenant {
		s.respondWithError(c, a2aerrors.Newf(a2aerrors.ErrCrossTenantAccess,
			"agent %s is registered to another tenant", req.AgentID).
			WithDetail("agent_id", req.AgentID))
		return
	}

	if pemCert := req.Metadata[types.MetadataCertificate]; pemCert != "" {
		if err := s.importCertificate(ctx, req.AgentID, pemCert, req.Metadata[types.MetadataCertificateProof]); err != nil {
			s.respondWithError(c, err)
			return
		}
	}

	rec := &types.AgentRecord{
		AgentID:      req.AgentID,
		TenantID:     tenant,
		Capabilities: req.Capabilities,
		Services:     req.Services,
		Metadata:     req.Metadata,
		Status:       types.AgentStateActive,
	}
	if err := s.rt.Discovery.Register(ctx, rec); err != nil {
		s.respondWithError(c, err)
		return
	}
	s.recordActivity(c, security.ActivityCreate)

	registered, err := s.rt.Registry.GetAgent(req.AgentID)
	if err != nil {
		s.respondWithError(c, err)
		return
	}
	s.respondWithSuccess(c, http.StatusCreated, gin.H{
		"message": "Agent registered successfully",
		"agent":   registered,
	})
}

// importCertificate trusts a registering agent's certificate. Policy
// refusals from the identity manager keep their code; anything else is a
// bad certificate.
func (s *Server) importCertificate(ctx context.Context, agentID, pemCert, proof string) error {
	var rawProof []byte
	if proof != "" {
		decoded, err := base64.StdEncoding.DecodeString(proof)
		if err != nil {
			return a2aerrors.Wrap(a2aerrors.ErrValidationFailed, "certificate proof is not base64", err)
		}
		rawProof = decoded
	}
	err := s.rt.Identities.ImportPeer(ctx, agentID, []byte(pemCert), rawProof)
	if err == nil || a2aerrors.IsCode(err, a2aerrors.ErrForbidden) {
		return err
	}
	return a2aerrors.Wrap(a2aerrors.ErrValidationFailed, "invalid agent certificate", err)
}

// handleUnregisterAgent handles DELETE /v1/agents/:id. Agents hosted by
// this node are stopped as well.
func (s *Server) handleUnregisterAgent(c *gin.Context) {
	agentID := c.Param("id")

	rec, err := s.rt.Registry.GetAgent(agentID)
	if err != nil {
		s.respondWithError(c, err)
		return
	}
	if !visible(c, rec.TenantID) {
		s.respondWithError(c, a2aerrors.Newf(a2aerrors.ErrUnknownAgent, "unknown agent: %s", agentID))
		return
	}

	if _, hosted := s.rt.Agents.Agent(agentID); hosted {
		if agentID == s.config.Server.AgentID {
			s.respondWithError(c, a2aerrors.New(a2aerrors.ErrInvalidState, "the node agent cannot be unregistered"))
			return
		}
		err = s.rt.Agents.RemoveAgent(c.Request.Context(), agentID)
	} else {
		err = s.rt.Discovery.Unregister(c.Request.Context(), agentID)
	}
	if err != nil {
		s.respondWithError(c, err)
		return
	}

	s.respondWithSuccess(c, http.StatusOK, gin.H{
		"message":  "Agent unregistered successfully",
		"agent_id": agentID,
	})
}

// handleHeartbeat handles POST /v1/agents/:id/heartbeat
func (s *Server) handleHeartbeat(c *gin.Context) {
	agentID := c.Param("id")

	rec, err := s.rt.Registry.GetAgent(agentID)
	if err != nil {
		s.respondWithError(c, err)
		return
	}
	if !visible(c, rec.TenantID) {
		s.respondWithError(c, a2aerrors.Newf(a2aerrors.ErrUnknownAgent, "unknown agent: %s", agentID))
		return
	}
	if err := s.rt.Registry.Heartbeat(c.Request.Context(), agentID); err != nil {
		s.respondWithError(c, err)
		return
	}

	s.respondWithSuccess(c, http.StatusOK, gin.H{
		"agent_id":  agentID,
		"last_seen": time.Now().UTC(),
	})
}

// handleListAgents handles GET /v1/agents. It only reads the local
// registry so federated nodes never query each other in a loop.
func (s *Server) handleListAgents(c *gin.Context) {
	var capability types.Capability
	if raw := c.Query("capability"); raw != "" {
		parsed, err := types.ParseCapability(raw)
		if err != nil {
			s.respondWithError(c, a2aerrors.Wrap(a2aerrors.ErrValidationFailed, err.Error(), err))
			return
		}
		capability = parsed
	}
	service := c.Query("service")
	tenant := c.Query("tenant_id")

	agents := make([]*types.AgentRecord, 0)
	for _, rec := range s.rt.Registry.ListAgents() {
		if capability != "" && !rec.HasCapability(capability) {
			continue
		}
		if service != "" && !hasService(rec, service) {
			continue
		}
		if tenant != "" && rec.TenantID != tenant {
			continue
		}
		agents = append(agents, rec)
	}

	s.respondWithSuccess(c, http.StatusOK, types.ListAgentsResponse{
		Agents: agents,
		Count:  len(agents),
	})
}

func hasService(rec *types.AgentRecord, service string) bool {
	for _, have := range rec.Services {
		if have == service {
			return true
		}
	}
	return false
}

// handleDiscover handles GET /v1/discovery
func (s *Server) handleDiscover(c *gin.Context) {
	query := discovery.Query{Service: c.Query("service")}
	if raw := c.Query("capability"); raw != "" {
		parsed, err := types.ParseCapability(raw)
		if err != nil {
			s.respondWithError(c, a2aerrors.Wrap(a2aerrors.ErrValidationFailed, err.Error(), err))
			return
		}
		query.Capability = parsed
	}
	if raw := c.Query("min_agents"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.respondWithError(c, a2aerrors.Newf(a2aerrors.ErrValidationFailed, "invalid min_agents: %q", raw))
			return
		}
		query.MinAgents = n
	}

	agents, err := s.rt.Discovery.Discover(c.Request.Context(), query)
	if err != nil {
		s.respondWithError(c, err)
		return
	}

	s.respondWithSuccess(c, http.StatusOK, gin.H{
		"agents":    agents,
		"count":     len(agents),
		"query":     query,
		"timestamp": time.Now().UTC(),
	})
}

type createWorkflowRequest struct {
	Type     string              `json:"type"`
	TenantID string              `json:"tenant_id,omitempty"`
	Input    json.RawMessage     `json:"input,omitempty"`
	Agents   map[string]string   `json:"agents,omitempty"`
	Steps    []orchestrator.Step `json:"steps,omitempty"`
}

// handleCreateWorkflow handles POST /v1/workflows. The workflow starts in
// the background; poll GET /v1/workflows/:id for its outcome.
func (s *Server) handleCreateWorkflow(c *gin.Context) {
	var req createWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondWithError(c, badRequest(err))
		return
	}

	tenant, err := bindTenant(c, req.TenantID)
	if err != nil {
		s.respondWithError(c, err)
		return
	}

	wf, err := s.rt.Orchestrator.CreateWorkflow(orchestrator.CreateRequest{
		Type:     req.Type,
		TenantID: tenant,
		Input:    req.Input,
		Agents:   req.Agents,
		Steps:    req.Steps,
	})
	if err != nil {
		s.respondWithError(c, err)
		return
	}
	if err := s.rt.Orchestrator.Start(wf.ID); err != nil {
		s.respondWithError(c, err)
		return
	}
	s.recordActivity(c, security.ActivityCreate)

	s.respondWithSuccess(c, http.StatusAccepted, gin.H{
		"workflow_id": wf.ID,
		"status":      orchestrator.StatusRunning,
		"workflow":    wf,
	})
}

// workflow loads a workflow the caller may see. Workflows of other tenants
// are reported as missing.
func (s *Server) workflow(c *gin.Context) (*orchestrator.Workflow, bool) {
	wf, err := s.rt.Orchestrator.Get(c.Param("id"))
	if err == nil && !visible(c, wf.TenantID) {
		err = a2aerrors.NewNotFoundError("workflow")
	}
	if err != nil {
		s.respondWithError(c, err)
		return nil, false
	}
	return wf, true
}

// handleGetWorkflow handles GET /v1/workflows/:id
func (s *Server) handleGetWorkflow(c *gin.Context) {
	if wf, ok := s.workflow(c); ok {
		s.respondWithSuccess(c, http.StatusOK, wf)
	}
}

// handleListWorkflows handles GET /v1/workflows
func (s *Server) handleListWorkflows(c *gin.Context) {
	filter := orchestrator.ListFilter{
		TenantID: scopeTenant(c),
		Status:   orchestrator.Status(c.Query("status")),
	}
	if filter.TenantID == "" {
		filter.TenantID = c.Query("tenant_id")
	}

	workflows := s.rt.Orchestrator.List(filter)
	s.respondWithSuccess(c, http.StatusOK, gin.H{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

// handleCancelWorkflow handles POST /v1/workflows/:id/cancel
func (s *Server) handleCancelWorkflow(c *gin.Context) {
	s.transition(c, s.rt.Orchestrator.Cancel)
}

// handlePauseWorkflow handles POST /v1/workflows/:id/pause
func (s *Server) handlePauseWorkflow(c *gin.Context) {
	s.transition(c, s.rt.Orchestrator.Pause)
}

// handleResumeWorkflow handles POST /v1/workflows/:id/resume
func (s *Server) handleResumeWorkflow(c *gin.Context) {
	s.transition(c, s.rt.Orchestrator.StartResume)
}

func (s *Server) transition(c *gin.Context, fn func(id string) error) {
	wf, ok := s.workflow(c)
	if !ok {
		return
	}
	if err := fn(wf.ID); err != nil {
		s.respondWithError(c, err)
		return
	}
	updated, err := s.rt.Orchestrator.Get(wf.ID)
	if err != nil {
		s.respondWithError(c, err)
		return
	}
	s.respondWithSuccess(c, http.StatusOK, updated)
}

type issueTokenRequest struct {
	Subject      string             `json:"subject"`
	AgentID      string             `json:"agent_id,omitempty"`
	TenantID     string             `json:"tenant_id,omitempty"`
	SessionID    string             `json:"session_id,omitempty"`
	Capabilities []types.Capability `json:"capabilities,omitempty"`
	Scopes       []string           `json:"scopes,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	TTLSeconds   int                `json:"ttl_seconds,omitempty"`
}

// handleIssueToken handles POST /v1/tokens
func (s *Server) handleIssueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondWithError(c, badRequest(err))
		return
	}
	if req.TTLSeconds < 0 {
		s.respondWithError(c, a2aerrors.New(a2aerrors.ErrValidationFailed, "ttl_seconds must not be negative"))
		return
	}

	token, claims, err := s.rt.Auth.Issue(auth.IssueRequest{
		Subject:      req.Subject,
		AgentID:      req.AgentID,
		TenantID:     req.TenantID,
		SessionID:    req.SessionID,
		Capabilities: req.Capabilities,
		Scopes:       req.Scopes,
		Metadata:     req.Metadata,
		TTL:          time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		s.respondWithError(c, err)
		return
	}

	s.respondWithSuccess(c, http.StatusCreated, gin.H{
		"token":      token,
		"token_type": "Bearer",
		"expires_at": claims.ExpiresAt.Time,
		"claims":     claims,
	})
}

// handleListTenants handles GET /v1/tenants
func (s *Server) handleListTenants(c *gin.Context) {
	tenants := s.rt.Tenancy.Tenants()
	s.respondWithSuccess(c, http.StatusOK, gin.H{
		"tenants": tenants,
		"count":   len(tenants),
	})
}

// handleAddTenant handles POST /v1/tenants
func (s *Server) handleAddTenant(c *gin.Context) {
	var req struct {
		TenantID string `json:"tenant_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondWithError(c, badRequest(err))
		return
	}
	tenant := strings.TrimSpace(req.TenantID)
	if tenant == "" || tenant == "*" {
		s.respondWithError(c, a2aerrors.New(a2aerrors.ErrValidationFailed, "tenant_id must name a concrete tenant"))
		return
	}

	s.rt.Tenancy.AddTenant(tenant)
	s.respondWithSuccess(c, http.StatusCreated, gin.H{"tenant_id": tenant})
}

// handleIssueMCPKey handles POST /v1/mcp/keys
func (s *Server) handleIssueMCPKey(c *gin.Context) {
	var req struct {
		AgentID    string `json:"agent_id"`
		Algorithm  string `json:"algorithm,omitempty"`
		TTLSeconds int    `json:"ttl_seconds,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondWithError(c, badRequest(err))
		return
	}
	if req.AgentID == "" {
		s.respondWithError(c, a2aerrors.New(a2aerrors.ErrValidationFailed, "agent_id is required"))
		return
	}
	alg := mcpsign.Algorithm(req.Algorithm)
	if alg == "" {
		alg = mcpsign.Algorithm(s.config.MCP.DefaultAlgorithm)
	}

	key, err := s.rt.MCP.IssueKey(req.AgentID, alg, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.respondWithError(c, err)
		return
	}
	s.respondWithSuccess(c, http.StatusCreated, key)
}

// handleRotateMCPKeys handles POST /v1/mcp/keys/:agent/rotate
func (s *Server) handleRotateMCPKeys(c *gin.Context) {
	keys, err := s.rt.MCP.Rotate(c.Param("agent"))
	if err != nil {
		s.respondWithError(c, err)
		return
	}
	s.respondWithSuccess(c, http.StatusOK, gin.H{
		"keys":  keys,
		"count": len(keys),
	})
}

// handleListAlerts handles GET /v1/security/alerts
func (s *Server) handleListAlerts(c *gin.Context) {
	alerts := s.rt.Security.Alerts(c.Query("unresolved") == "true")
	s.respondWithSuccess(c, http.StatusOK, gin.H{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// handleResolveAlert handles POST /v1/security/alerts/:id/resolve
func (s *Server) handleResolveAlert(c *gin.Context) {
	if err := s.rt.Security.ResolveAlert(c.Param("id")); err != nil {
		s.respondWithError(c, err)
		return
	}
	s.respondWithSuccess(c, http.StatusOK, gin.H{
		"alert_id": c.Param("id"),
		"resolved": true,
	})
}

// handleSecurityStats handles GET /v1/security/stats
func (s *Server) handleSecurityStats(c *gin.Context) {
	tenancyStats, err := s.rt.Tenancy.Stats(c.Request.Context())
	if err != nil {
		s.respondWithError(c, err)
		return
	}
	s.respondWithSuccess(c, http.StatusOK, gin.H{
		"security":      s.rt.Security.Stats(),
		"tenancy":       tenancyStats,
		"registry":      s.rt.Registry.Stats(),
		"blocked_users": s.rt.Security.BlockedUsers(),
	})
}

// handleAudit handles GET /v1/tenancy/audit
func (s *Server) handleAudit(c *gin.Context) {
	filter := storage.AuditFilter{
		Kind:       c.Query("kind"),
		Principal:  c.Query("principal"),
		Tenant:     c.Query("tenant_id"),
		DeniedOnly: c.Query("denied") == "true",
		Reason:     c.Query("reason"),
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.respondWithError(c, a2aerrors.Newf(a2aerrors.ErrValidationFailed, "since must be RFC 3339: %q", raw))
			return
		}
		filter.Since = &since
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.respondWithError(c, a2aerrors.Newf(a2aerrors.ErrValidationFailed, "invalid limit: %q", raw))
			return
		}
		filter.Limit = n
	}

	attempts, err := s.rt.Tenancy.Attempts(c.Request.Context(), filter)
	if err != nil {
		s.respondWithError(c, err)
		return
	}
	s.respondWithSuccess(c, http.StatusOK, gin.H{
		"attempts": attempts,
		"count":    len(attempts),
	})
}
