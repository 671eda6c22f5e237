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

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/a2ahub/a2a-engine/internal/types"
)

// ErrAgentNotFound is returned when a registry lookup misses
var ErrAgentNotFound = errors.New("agent not found")

// RegistryStore persists agent records. Indexing is the registry's job; the
// store only keeps records by agent ID.
type RegistryStore interface {
	PutAgent(ctx context.Context, record *types.AgentRecord) error
	GetAgent(ctx context.Context, agentID string) (*types.AgentRecord, error)
	DeleteAgent(ctx context.Context, agentID string) error
	ListAgents(ctx context.Context) ([]*types.AgentRecord, error)

	Close() error
	HealthCheck(ctx context.Context) error
}

// AuditSink is an append-only log of access decisions
type AuditSink interface {
	// Append assigns the attempt an ID and stores it
	Append(ctx context.Context, attempt *types.AccessAttempt) error
	// Query returns matching attempts, newest first
	Query(ctx context.Context, filter AuditFilter) ([]types.AccessAttempt, error)
	Stats(ctx context.Context) (AuditStats, error)
}

// AuditFilter defines filtering criteria for audit queries
type AuditFilter struct {
	Kind       string
	Principal  string
	Tenant     string // matches requested or principal tenant
	DeniedOnly bool
	Reason     string
	Since      *time.Time
	Limit      int
}

// Matches reports whether attempt satisfies the filter
func (f AuditFilter) Matches(a *types.AccessAttempt) bool {
	if f.Kind != "" && a.Kind != f.Kind {
		return false
	}
	if f.Principal != "" && a.Principal != f.Principal {
		return false
	}
	if f.Tenant != "" && a.RequestedTenant != f.Tenant && a.PrincipalTenant != f.Tenant {
		return false
	}
	if f.DeniedOnly && a.Allowed {
		return false
	}
	if f.Reason != "" && a.Reason != f.Reason {
		return false
	}
	if f.Since != nil && a.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}

// AuditStats summarizes the audit log
type AuditStats struct {
	Total    int64            `json:"total"`
	Allowed  int64            `json:"allowed"`
	Denied   int64            `json:"denied"`
	ByReason map[string]int64 `json:"by_reason"`
}
