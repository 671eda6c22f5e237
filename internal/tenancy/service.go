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

// Package tenancy is the policy decision point for tenant isolation. Every
// decision, allowed or denied, is written to the audit sink before it is
// returned.
package tenancy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/a2ahub/a2a-engine/internal/auth"
	"github.com/a2ahub/a2a-engine/internal/config"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/metrics"
	"github.com/a2ahub/a2a-engine/internal/storage"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// Decision reasons recorded in the audit trail
const (
	ReasonGranted         = "granted"
	ReasonUnauthenticated = "unauthenticated"
	ReasonBlocked         = "principal_blocked"
	ReasonUnknownTenant   = "unknown_tenant"
	ReasonCrossTenant     = "cross_tenant"
	ReasonMissingScope    = "missing_scope"
	ReasonUnknownAgent    = "unknown_agent"
	ReasonAgentTenant     = "agent_tenant_not_allowed"
	ReasonToolNotAllowed  = "tool_not_allowed"
)

// Severities attached to audit records
const (
	SeverityInfo   = "info"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// BlockList reports principals that must be denied outright
type BlockList interface {
	IsUserBlocked(principal string) bool
}

// Option configures a Service
type Option func(*Service)

// WithBlockList consults an external block list in addition to Block
func WithBlockList(b BlockList) Option {
	return func(s *Service) { s.blockList = b }
}

// WithMetrics records decisions to a metrics provider
func WithMetrics(m metrics.MetricsProvider) Option {
	return func(s *Service) { s.metrics = m }
}

// WithObserver is called with every decision after it has been audited
func WithObserver(fn func(types.AccessAttempt)) Option {
	return func(s *Service) { s.observers = append(s.observers, fn) }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service evaluates tenant and MCP access requests
type Service struct {
	audit     storage.AuditSink
	logger    *logging.Logger
	metrics   metrics.MetricsProvider
	blockList BlockList
	observers []func(types.AccessAttempt)
	now       func() time.Time

	mu           sync.RWMutex
	tenants      map[string]struct{}
	agentTenants map[string]map[string]struct{}
	agentTools   map[string]map[string]struct{}
	blocked      map[string]struct{}
}

// NewService creates a tenancy service seeded from configuration
func NewService(cfg config.TenancyConfig, audit storage.AuditSink, logger *logging.Logger, opts ...Option) *Service {
	s := &Service{
		audit:        audit,
		logger:       logger.WithComponent("tenancy"),
		metrics:      metrics.NoopMetrics{},
		now:          time.Now,
		tenants:      make(map[string]struct{}),
		agentTenants: make(map[string]map[string]struct{}),
		agentTools:   make(map[string]map[string]struct{}),
		blocked:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, t := range cfg.Tenants {
		s.tenants[t] = struct{}{}
	}
	for agent, tenants := range cfg.AgentTenants {
		s.agentTenants[agent] = toSet(tenants)
	}
	for agent, tools := range cfg.AgentTools {
		s.agentTools[agent] = toSet(tools)
	}
	return s
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// AddTenant makes tenant known to the policy engine
func (s *Service) AddTenant(tenant string) {
	if tenant == "" {
		return
	}
	s.mu.Lock()
	s.tenants[tenant] = struct{}{}
	s.mu.Unlock()
}

// Tenants lists known tenants
func (s *Service) Tenants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tenants))
	for t := range s.tenants {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// AllowAgentTenant lets agent act within tenant for service-to-service calls
func (s *Service) AllowAgentTenant(agentID, tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentTenants[agentID] == nil {
		s.agentTenants[agentID] = make(map[string]struct{})
	}
	s.agentTenants[agentID][tenant] = struct{}{}
}

// HasAgentPolicy reports whether any agent has a tenant allowlist, which
// puts every service-to-service call under ValidateMCPAccess
func (s *Service) HasAgentPolicy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agentTenants) > 0
}

// AllowTool lets agent invoke tool. The tool "*" permits every tool.
func (s *Service) AllowTool(agentID, tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentTools[agentID] == nil {
		s.agentTools[agentID] = make(map[string]struct{})
	}
	s.agentTools[agentID][tool] = struct{}{}
}

// Block denies every future request from principal
func (s *Service) Block(principal string) {
	s.mu.Lock()
	s.blocked[principal] = struct{}{}
	s.mu.Unlock()
	s.logger.WithField("principal", principal).Warn("Principal blocked")
}

// Unblock lifts a Block
func (s *Service) Unblock(principal string) {
	s.mu.Lock()
	delete(s.blocked, principal)
	s.mu.Unlock()
}

func (s *Service) isBlocked(principal string) bool {
	s.mu.RLock()
	_, blocked := s.blocked[principal]
	s.mu.RUnlock()
	if blocked {
		return true
	}
	return s.blockList != nil && s.blockList.IsUserBlocked(principal)
}

func (s *Service) knownTenant(tenant string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tenants[tenant]
	return ok
}

// ValidateAccess decides whether claims may perform domain:op within tenant
// and session. The bound-tenant check runs before every other check.
func (s *Service) ValidateAccess(ctx context.Context, claims *auth.Claims, tenant, session string, domain auth.Domain, op auth.Operation) error {
	required := auth.NewScope(domain, op, tenant, session)
	attempt := &types.AccessAttempt{
		Kind:            types.AuditKindTenant,
		RequestedTenant: tenant,
		SessionID:       session,
		Operation:       string(domain) + ":" + string(op),
	}

	if claims == nil {
		attempt.Principal = "anonymous"
		s.record(ctx, attempt, false, ReasonUnauthenticated, SeverityMedium)
		return a2aerrors.New(a2aerrors.ErrUnauthorized, "authentication required")
	}
	attempt.Principal = claims.Principal()
	attempt.PrincipalTenant = claims.TenantID

	// a bound principal gets the cross-tenant denial for every other tenant,
	// known or not
	if claims.TenantID != "" && claims.TenantID != tenant {
		s.record(ctx, attempt, false, ReasonCrossTenant, SeverityHigh)
		return a2aerrors.NewCrossTenantError(claims.TenantID, tenant)
	}

	if s.isBlocked(attempt.Principal) {
		s.record(ctx, attempt, false, ReasonBlocked, SeverityHigh)
		return a2aerrors.Newf(a2aerrors.ErrPrincipalBlocked, "principal %s is blocked", attempt.Principal)
	}

	if tenant == "" || !s.knownTenant(tenant) {
		s.record(ctx, attempt, false, ReasonUnknownTenant, SeverityMedium)
		return a2aerrors.Newf(a2aerrors.ErrUnknownTenant, "unknown tenant %q", tenant).
			WithDetail("requested_tenant", tenant)
	}

	if !auth.HasScope(claims, required) {
		s.record(ctx, attempt, false, ReasonMissingScope, SeverityMedium)
		return a2aerrors.Newf(a2aerrors.ErrTenantIsolation, "missing scope %s", required).
			WithDetail("required_scope", required.String()).
			WithDetail("requested_tenant", tenant)
	}

	s.record(ctx, attempt, true, ReasonGranted, SeverityInfo)
	return nil
}

// GetAccessibleTenants lists the concrete tenants named by the claims'
// scopes. Wildcards are not expanded; a bound principal only ever sees its
// own tenant.
func (s *Service) GetAccessibleTenants(claims *auth.Claims) []string {
	if claims == nil {
		return nil
	}
	set := make(map[string]struct{})
	global := false
	for _, sc := range claims.ParsedScopes() {
		if sc.Global() {
			global = true
			continue
		}
		set[sc.Tenant] = struct{}{}
	}

	if claims.TenantID != "" {
		if _, named := set[claims.TenantID]; named || global {
			return []string{claims.TenantID}
		}
		return []string{}
	}

	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// MCPRequest describes a service-to-service call
type MCPRequest struct {
	Caller       string
	CallerTenant string
	TargetAgent  string
	TargetTenant string
	Tool         string
}

// ValidateMCPAccess applies the agent tenant allowlist in both directions
// and the caller's tool allowlist.
func (s *Service) ValidateMCPAccess(ctx context.Context, req MCPRequest) error {
	attempt := &types.AccessAttempt{
		Kind:            types.AuditKindMCP,
		Principal:       req.Caller,
		PrincipalTenant: req.CallerTenant,
		RequestedTenant: req.TargetTenant,
		TargetAgent:     req.TargetAgent,
		Tool:            req.Tool,
		Operation:       "mcp:call",
	}

	if s.isBlocked(req.Caller) {
		s.record(ctx, attempt, false, ReasonBlocked, SeverityHigh)
		return a2aerrors.Newf(a2aerrors.ErrPrincipalBlocked, "agent %s is blocked", req.Caller)
	}

	if req.CallerTenant != req.TargetTenant {
		s.record(ctx, attempt, false, ReasonCrossTenant, SeverityHigh)
		return a2aerrors.NewCrossTenantError(req.CallerTenant, req.TargetTenant)
	}

	for _, t := range []string{req.CallerTenant, req.TargetTenant} {
		if t == "" || !s.knownTenant(t) {
			s.record(ctx, attempt, false, ReasonUnknownTenant, SeverityMedium)
			return a2aerrors.Newf(a2aerrors.ErrUnknownTenant, "unknown tenant %q", t).
				WithDetail("requested_tenant", t)
		}
	}

	s.mu.RLock()
	callerTenants, callerKnown := s.agentTenants[req.Caller]
	targetTenants, targetKnown := s.agentTenants[req.TargetAgent]
	tools := s.agentTools[req.Caller]
	s.mu.RUnlock()

	if !callerKnown || !targetKnown {
		missing := req.Caller
		if callerKnown {
			missing = req.TargetAgent
		}
		s.record(ctx, attempt, false, ReasonUnknownAgent, SeverityMedium)
		return a2aerrors.Newf(a2aerrors.ErrUnknownAgent, "agent %s has no tenant allowlist", missing)
	}
	if _, ok := callerTenants[req.CallerTenant]; !ok {
		s.record(ctx, attempt, false, ReasonAgentTenant, SeverityHigh)
		return a2aerrors.Newf(a2aerrors.ErrTenantIsolation, "agent %s may not act within tenant %s", req.Caller, req.CallerTenant).
			WithDetail("principal_tenant", req.CallerTenant)
	}
	if _, ok := targetTenants[req.TargetTenant]; !ok {
		s.record(ctx, attempt, false, ReasonAgentTenant, SeverityHigh)
		return a2aerrors.Newf(a2aerrors.ErrTenantIsolation, "agent %s does not serve tenant %s", req.TargetAgent, req.TargetTenant).
			WithDetail("requested_tenant", req.TargetTenant)
	}

	if req.Tool != "" {
		_, exact := tools[req.Tool]
		_, wildcard := tools[auth.Wildcard]
		if !exact && !wildcard {
			s.record(ctx, attempt, false, ReasonToolNotAllowed, SeverityMedium)
			return a2aerrors.Newf(a2aerrors.ErrToolNotAllowed, "agent %s may not call tool %s", req.Caller, req.Tool).
				WithDetail("tool", req.Tool)
		}
	}

	s.record(ctx, attempt, true, ReasonGranted, SeverityInfo)
	return nil
}

func (s *Service) record(ctx context.Context, attempt *types.AccessAttempt, allowed bool, reason, severity string) {
	attempt.Allowed = allowed
	attempt.Reason = reason
	attempt.Severity = severity
	attempt.Timestamp = s.now().UTC()

	if err := s.audit.Append(ctx, attempt); err != nil {
		s.logger.Error("Failed to write audit record", err)
	}
	s.metrics.RecordAccessDecision(attempt.Kind, allowed, reason)
	s.logger.WithContext(ctx).LogAccessDecision(attempt.Principal, attempt.RequestedTenant, attempt.Operation, allowed, reason)
	for _, fn := range s.observers {
		fn(*attempt)
	}
}

// Attempts returns audit records matching filter, newest first
func (s *Service) Attempts(ctx context.Context, filter storage.AuditFilter) ([]types.AccessAttempt, error) {
	return s.audit.Query(ctx, filter)
}

// Violations returns cross-tenant denials recorded since the given time
func (s *Service) Violations(ctx context.Context, since time.Time) ([]types.AccessAttempt, error) {
	return s.audit.Query(ctx, storage.AuditFilter{
		DeniedOnly: true,
		Reason:     ReasonCrossTenant,
		Since:      &since,
	})
}

// Stats summarizes decisions
type Stats struct {
	storage.AuditStats
	Tenants        int `json:"tenants"`
	BlockedCount   int `json:"blocked"`
	AllowlistCount int `json:"allowlisted_agents"`
}

// Stats returns decision counters and policy sizes
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	auditStats, err := s.audit.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		AuditStats:     auditStats,
		Tenants:        len(s.tenants),
		BlockedCount:   len(s.blocked),
		AllowlistCount: len(s.agentTenants),
	}, nil
}
