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

package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/storage"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// Registry holds agent records indexed by capability and service name.
// Records are written through to a storage.RegistryStore.
type Registry struct {
	store  storage.RegistryStore
	logger *logging.Logger
	now    func() time.Time

	mu           sync.RWMutex
	agents       map[string]*types.AgentRecord
	byCapability map[types.Capability]map[string]struct{}
	byService    map[string]map[string]struct{}
}

// Option configures a Registry
type Option func(*Registry)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry backed by store
func NewRegistry(store storage.RegistryStore, logger *logging.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:        store,
		logger:       logger.WithComponent("registry"),
		now:          time.Now,
		agents:       make(map[string]*types.AgentRecord),
		byCapability: make(map[types.Capability]map[string]struct{}),
		byService:    make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load rebuilds the in-memory index from the store
func (r *Registry) Load(ctx context.Context) (int, error) {
	records, err := r.store.ListAgents(ctx)
	if err != nil {
		return 0, a2aerrors.Wrap(a2aerrors.ErrServiceUnavailable, "failed to load agents", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		if old, ok := r.agents[rec.AgentID]; ok {
			r.unindex(old)
		}
		r.agents[rec.AgentID] = rec
		r.index(rec)
	}
	return len(records), nil
}

// RegisterAgent inserts or replaces a record and refreshes its last-seen
// time. The original registration time survives re-registration, and a
// record never moves to a different tenant.
func (r *Registry) RegisterAgent(ctx context.Context, record *types.AgentRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	rec := record.Clone()
	rec.Capabilities = dedupeCapabilities(rec.Capabilities)
	rec.Services = dedupeStrings(rec.Services)
	now := r.now().UTC()
	rec.LastSeen = now
	if rec.Status == "" {
		rec.Status = types.AgentStateActive
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.agents[rec.AgentID]
	if exists && old.TenantID != rec.TenantID {
		return a2aerrors.Newf(a2aerrors.ErrCrossTenantAccess,
			"agent %s is registered to another tenant", rec.AgentID).
			WithDetail("agent_id", rec.AgentID)
	}
	if exists {
		rec.RegisteredAt = old.RegisteredAt
	} else {
		rec.RegisteredAt = now
	}

	if err := r.store.PutAgent(ctx, rec); err != nil {
		return a2aerrors.Wrap(a2aerrors.ErrServiceUnavailable, "failed to persist agent", err)
	}

	if exists {
		r.unindex(old)
	}
	r.agents[rec.AgentID] = rec
	r.index(rec)

	r.logger.WithFields(map[string]interface{}{
		"agent_id":     rec.AgentID,
		"capabilities": rec.Capabilities,
		"services":     rec.Services,
		"reregistered": exists,
	}).Info("Agent registered")
	return nil
}

// UnregisterAgent removes the record and prunes empty index buckets
func (r *Registry) UnregisterAgent(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return a2aerrors.Newf(a2aerrors.ErrUnknownAgent, "agent not found: %s", agentID)
	}
	if err := r.store.DeleteAgent(ctx, agentID); err != nil && !errors.Is(err, storage.ErrAgentNotFound) {
		return a2aerrors.Wrap(a2aerrors.ErrServiceUnavailable, "failed to delete agent", err)
	}

	r.unindex(rec)
	delete(r.agents, agentID)
	r.logger.WithField("agent_id", agentID).Info("Agent unregistered")
	return nil
}

// GetAgent returns a copy of the record
func (r *Registry) GetAgent(agentID string) (*types.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return nil, a2aerrors.Newf(a2aerrors.ErrUnknownAgent, "agent not found: %s", agentID)
	}
	return rec.Clone(), nil
}

// ListAgents returns copies of every record, ordered by agent ID
func (r *Registry) ListAgents() []*types.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// FindByCapability returns the IDs of agents advertising capability
func (r *Registry) FindByCapability(capability types.Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byCapability[capability])
}

// FindByService returns the IDs of agents offering service
func (r *Registry) FindByService(service string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byService[service])
}

// Heartbeat refreshes last-seen. An OFFLINE agent comes back ACTIVE.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	return r.mutate(ctx, agentID, func(rec *types.AgentRecord) {
		rec.LastSeen = r.now().UTC()
		if rec.Status == types.AgentStateOffline {
			rec.Status = types.AgentStateActive
		}
	})
}

// UpdateStatus sets the agent state
func (r *Registry) UpdateStatus(ctx context.Context, agentID string, state types.AgentState) error {
	if !state.Valid() {
		return a2aerrors.Newf(a2aerrors.ErrValidationFailed, "invalid agent state %q", state)
	}
	return r.mutate(ctx, agentID, func(rec *types.AgentRecord) {
		rec.Status = state
	})
}

func (r *Registry) mutate(ctx context.Context, agentID string, fn func(*types.AgentRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.agents[agentID]
	if !ok {
		return a2aerrors.Newf(a2aerrors.ErrUnknownAgent, "agent not found: %s", agentID)
	}
	next := cur.Clone()
	fn(next)
	if err := r.store.PutAgent(ctx, next); err != nil {
		return a2aerrors.Wrap(a2aerrors.ErrServiceUnavailable, "failed to persist agent", err)
	}
	r.agents[agentID] = next
	return nil
}

// SweepExpired removes agents not seen within maxAge and returns their IDs
func (r *Registry) SweepExpired(ctx context.Context, maxAge time.Duration) []string {
	cutoff := r.now().UTC().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, rec := range r.agents {
		if !rec.LastSeen.Before(cutoff) {
			continue
		}
		if err := r.store.DeleteAgent(ctx, id); err != nil && !errors.Is(err, storage.ErrAgentNotFound) {
			r.logger.WithField("agent_id", id).Error("Failed to delete expired agent", err)
			continue
		}
		r.unindex(rec)
		delete(r.agents, id)
		removed = append(removed, id)
	}
	sort.Strings(removed)

	if len(removed) > 0 {
		r.logger.WithField("removed", removed).Info("Swept expired agents")
	}
	return removed
}

// Stats summarizes registry contents
type Stats struct {
	TotalAgents  int            `json:"total_agents"`
	ByStatus     map[string]int `json:"by_status"`
	Capabilities map[string]int `json:"capabilities"`
	Services     map[string]int `json:"services"`
	OldestSeen   *time.Time     `json:"oldest_seen,omitempty"`
	IndexBuckets map[string]int `json:"index_buckets"`
}

// Stats returns registry counters
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{
		TotalAgents:  len(r.agents),
		ByStatus:     make(map[string]int),
		Capabilities: make(map[string]int, len(r.byCapability)),
		Services:     make(map[string]int, len(r.byService)),
		IndexBuckets: map[string]int{
			"capability": len(r.byCapability),
			"service":    len(r.byService),
		},
	}
	for _, rec := range r.agents {
		st.ByStatus[string(rec.Status)]++
		if st.OldestSeen == nil || rec.LastSeen.Before(*st.OldestSeen) {
			seen := rec.LastSeen
			st.OldestSeen = &seen
		}
	}
	for c, ids := range r.byCapability {
		st.Capabilities[string(c)] = len(ids)
	}
	for s, ids := range r.byService {
		st.Services[s] = len(ids)
	}
	return st
}

// HealthCheck checks the backing store
func (r *Registry) HealthCheck(ctx context.Context) error {
	return r.store.HealthCheck(ctx)
}

// index must be called with r.mu held
func (r *Registry) index(rec *types.AgentRecord) {
	for _, c := range rec.Capabilities {
		if r.byCapability[c] == nil {
			r.byCapability[c] = make(map[string]struct{})
		}
		r.byCapability[c][rec.AgentID] = struct{}{}
	}
	for _, s := range rec.Services {
		if r.byService[s] == nil {
			r.byService[s] = make(map[string]struct{})
		}
		r.byService[s][rec.AgentID] = struct{}{}
	}
}

// unindex must be called with r.mu held
func (r *Registry) unindex(rec *types.AgentRecord) {
	for _, c := range rec.Capabilities {
		if ids, ok := r.byCapability[c]; ok {
			delete(ids, rec.AgentID)
			if len(ids) == 0 {
				delete(r.byCapability, c)
			}
		}
	}
	for _, s := range rec.Services {
		if ids, ok := r.byService[s]; ok {
			delete(ids, rec.AgentID)
			if len(ids) == 0 {
				delete(r.byService, s)
			}
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func dedupeCapabilities(in []types.Capability) []types.Capability {
	seen := make(map[types.Capability]struct{}, len(in))
	out := in[:0]
	for _, c := range in {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func validateRecord(rec *types.AgentRecord) error {
	if rec == nil || rec.AgentID == "" {
		return a2aerrors.New(a2aerrors.ErrValidationFailed, "agent id is required")
	}
	if !IsValidAgentID(rec.AgentID) {
		return a2aerrors.Newf(a2aerrors.ErrValidationFailed,
			"invalid agent id '%s': only letters, numbers, hyphens, underscores, and dots allowed", rec.AgentID)
	}
	for _, c := range rec.Capabilities {
		if !c.Valid() {
			return a2aerrors.Newf(a2aerrors.ErrValidationFailed, "unknown capability %q", c)
		}
	}
	if rec.Status != "" && !rec.Status.Valid() {
		return a2aerrors.Newf(a2aerrors.ErrValidationFailed, "invalid agent state %q", rec.Status)
	}
	return nil
}

// IsValidAgentID reports whether id follows agent naming conventions
func IsValidAgentID(id string) bool {
	if len(id) == 0 || len(id) > 64 {
		return false
	}

	for _, char := range id {
		if (char < 'a' || char > 'z') &&
			(char < 'A' || char > 'Z') &&
			(char < '0' || char > '9') &&
			char != '-' && char != '_' && char != '.' {
			return false
		}
	}

	// Cannot start or end with special characters
	first, last := id[0], id[len(id)-1]
	return first != '-' && first != '_' && first != '.' &&
		last != '-' && last != '_' && last != '.'
}
