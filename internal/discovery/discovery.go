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

package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/a2ahub/a2a-engine/internal/config"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/metrics"
	"github.com/a2ahub/a2a-engine/internal/registry"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// Query selects agents by capability and/or service name
type Query struct {
	Capability types.Capability `json:"capability,omitempty"`
	Service    string           `json:"service,omitempty"`
	MinAgents  int              `json:"min_agents,omitempty"`
}

func (q Query) cacheKey() string {
	return string(q.Capability) + "|" + q.Service
}

// Service answers discovery queries from the local registry and, when the
// local result is short, from an external registry over HTTP.
type Service struct {
	registry   *registry.Registry
	cfg        config.DiscoveryConfig
	httpClient *http.Client
	logger     *logging.Logger
	metrics    metrics.MetricsProvider
	now        func() time.Time

	cache      map[string]*cacheEntry
	cacheMutex sync.RWMutex
}

type cacheEntry struct {
	agents    []*types.AgentRecord
	expiresAt time.Time
}

// Option configures a Service
type Option func(*Service)

// WithHTTPClient replaces the external registry client
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// WithMetrics records lookups
func WithMetrics(m metrics.MetricsProvider) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a discovery service over reg
func NewService(reg *registry.Registry, cfg config.DiscoveryConfig, logger *logging.Logger, opts ...Option) *Service {
	timeout := cfg.ExternalTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &Service{
		registry:   reg,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.WithComponent("discovery"),
		metrics:    metrics.NoopMetrics{},
		now:        time.Now,
		cache:      make(map[string]*cacheEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the local registry
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Register adds or refreshes a local agent
func (s *Service) Register(ctx context.Context, rec *types.AgentRecord) error {
	return s.registry.RegisterAgent(ctx, rec)
}

// Unregister removes a local agent
func (s *Service) Unregister(ctx context.Context, agentID string) error {
	return s.registry.UnregisterAgent(ctx, agentID)
}

// Discover returns agents matching q. Local matches come first; the
// external registry is consulted only when fewer than q.MinAgents were
// found locally. External failures are logged and the local result returned.
func (s *Service) Discover(ctx context.Context, q Query) ([]*types.AgentRecord, error) {
	if q.Capability != "" && !q.Capability.Valid() {
		return nil, a2aerrors.Newf(a2aerrors.ErrValidationFailed, "unknown capability %q", q.Capability)
	}
	start := s.now()

	result := s.local(q)
	if len(result) >= q.MinAgents || s.cfg.ExternalRegistry == "" {
		s.metrics.RecordDiscovery("local", "success", s.now().Sub(start), false)
		return result, nil
	}

	external, hit, err := s.external(ctx, q)
	if err != nil {
		s.metrics.RecordDiscovery("external", "failure", s.now().Sub(start), false)
		s.logger.WithFields(map[string]interface{}{
			"capability": q.Capability,
			"service":    q.Service,
		}).Warnf("External registry query failed: %v", err)
		return result, nil
	}
	s.metrics.RecordDiscovery("external", "success", s.now().Sub(start), hit)

	return merge(result, external), nil
}

func (s *Service) local(q Query) []*types.AgentRecord {
	var ids []string
	switch {
	case q.Capability == "" && q.Service == "":
		return s.registry.ListAgents()
	case q.Service == "":
		ids = s.registry.FindByCapability(q.Capability)
	case q.Capability == "":
		ids = s.registry.FindByService(q.Service)
	default:
		ids = append(s.registry.FindByCapability(q.Capability), s.registry.FindByService(q.Service)...)
	}

	seen := make(map[string]struct{}, len(ids))
	out := make([]*types.AgentRecord, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		rec, err := s.registry.GetAgent(id)
		if err != nil {
			// unregistered between index read and lookup
			continue
		}
		out = append(out, rec)
	}
	return out
}

func merge(local, external []*types.AgentRecord) []*types.AgentRecord {
	seen := make(map[string]struct{}, len(local))
	for _, rec := range local {
		seen[rec.AgentID] = struct{}{}
	}
	for _, rec := range external {
		if _, dup := seen[rec.AgentID]; dup {
			continue
		}
		seen[rec.AgentID] = struct{}{}
		local = append(local, rec)
	}
	return local
}

// external queries the external registry, serving from cache while fresh.
// The bool reports a cache hit.
func (s *Service) external(ctx context.Context, q Query) ([]*types.AgentRecord, bool, error) {
	key := q.cacheKey()
	if cached := s.getCached(key); cached != nil {
		return cached, true, nil
	}

	agents, err := s.fetchExternal(ctx, q)
	if err != nil {
		return nil, false, err
	}
	s.cacheAgents(key, agents)
	return cloneAll(agents), false, nil
}

func (s *Service) fetchExternal(ctx context.Context, q Query) ([]*types.AgentRecord, error) {
	params := url.Values{}
	if q.Capability != "" {
		params.Set("capability", string(q.Capability))
	}
	if q.Service != "" {
		params.Set("service", q.Service)
	}
	endpoint := strings.TrimRight(s.cfg.ExternalRegistry, "/") + "/v1/agents"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create external registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrDiscoveryFailed, "external registry request failed", err)
	}
	defer func() {
		_ = resp.Body.Close() // nolint:errcheck
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, a2aerrors.Newf(a2aerrors.ErrDiscoveryFailed, "external registry returned status %d", resp.StatusCode)
	}

	var body types.ListAgentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrDiscoveryFailed, "failed to decode external registry response", err)
	}

	out := make([]*types.AgentRecord, 0, len(body.Agents))
	for _, rec := range body.Agents {
		if rec == nil || rec.AgentID == "" {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// getCached retrieves cached agents if still valid
func (s *Service) getCached(key string) []*types.AgentRecord {
	s.cacheMutex.RLock()
	defer s.cacheMutex.RUnlock()

	entry, exists := s.cache[key]
	if !exists || s.now().After(entry.expiresAt) {
		return nil
	}
	return cloneAll(entry.agents)
}

// cacheAgents stores agents in cache
func (s *Service) cacheAgents(key string, agents []*types.AgentRecord) {
	ttl := s.cfg.CacheTTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}

	s.cacheMutex.Lock()
	defer s.cacheMutex.Unlock()
	s.cache[key] = &cacheEntry{
		agents:    agents,
		expiresAt: s.now().Add(ttl),
	}
}

func cloneAll(in []*types.AgentRecord) []*types.AgentRecord {
	out := make([]*types.AgentRecord, len(in))
	for i, rec := range in {
		out[i] = rec.Clone()
	}
	return out
}

// InvalidateCache drops every cached external result
func (s *Service) InvalidateCache() {
	s.cacheMutex.Lock()
	s.cache = make(map[string]*cacheEntry)
	s.cacheMutex.Unlock()
}

// Resolve finds a single agent by ID, locally first and then among cached
// external results.
func (s *Service) Resolve(agentID string) (*types.AgentRecord, error) {
	if rec, err := s.registry.GetAgent(agentID); err == nil {
		return rec, nil
	}

	s.cacheMutex.RLock()
	defer s.cacheMutex.RUnlock()
	now := s.now()
	for _, entry := range s.cache {
		if now.After(entry.expiresAt) {
			continue
		}
		for _, rec := range entry.agents {
			if rec.AgentID == agentID {
				return rec.Clone(), nil
			}
		}
	}
	return nil, a2aerrors.Newf(a2aerrors.ErrUnknownAgent, "agent not found: %s", agentID)
}

// FindBestAgent picks the first ACTIVE agent with capability.
// TODO: weigh candidates by ConnectionManager latency once transport stats
// are fed back into discovery.
func (s *Service) FindBestAgent(ctx context.Context, capability types.Capability) (*types.AgentRecord, error) {
	agents, err := s.Discover(ctx, Query{Capability: capability, MinAgents: 1})
	if err != nil {
		return nil, err
	}
	for _, rec := range agents {
		if rec.Status == types.AgentStateActive {
			return rec, nil
		}
	}
	return nil, a2aerrors.Newf(a2aerrors.ErrUnknownAgent, "no active agent with capability %s", capability)
}

// SweepExpired removes stale local agents and expired cache entries
func (s *Service) SweepExpired(ctx context.Context) []string {
	maxAge := s.cfg.MaxAgentAge
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	removed := s.registry.SweepExpired(ctx, maxAge)

	now := s.now()
	s.cacheMutex.Lock()
	for key, entry := range s.cache {
		if now.After(entry.expiresAt) {
			delete(s.cache, key)
		}
	}
	s.cacheMutex.Unlock()
	return removed
}

// Run sweeps on every tick until ctx is cancelled
func (s *Service) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepExpired(ctx)
		}
	}
}

// CacheStats reports cache occupancy
func (s *Service) CacheStats() map[string]interface{} {
	s.cacheMutex.RLock()
	defer s.cacheMutex.RUnlock()

	now := s.now()
	fresh := 0
	for _, entry := range s.cache {
		if !now.After(entry.expiresAt) {
			fresh++
		}
	}
	return map[string]interface{}{
		"entries":       len(s.cache),
		"fresh_entries": fresh,
		"ttl_seconds":   s.cfg.CacheTTL.Seconds(),
	}
}
