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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/a2ahub/a2a-engine/internal/types"
)

// MemoryRegistryStore implements RegistryStore using an in-memory map
type MemoryRegistryStore struct {
	mu        sync.RWMutex
	agents    map[string]*types.AgentRecord
	createdAt time.Time
}

// NewMemoryRegistryStore creates a new in-memory registry store
func NewMemoryRegistryStore() *MemoryRegistryStore {
	return &MemoryRegistryStore{
		agents:    make(map[string]*types.AgentRecord),
		createdAt: time.Now().UTC(),
	}
}

// PutAgent inserts or replaces a record
func (ms *MemoryRegistryStore) PutAgent(ctx context.Context, record *types.AgentRecord) error {
	if record == nil {
		return fmt.Errorf("agent record cannot be nil")
	}
	if record.AgentID == "" {
		return fmt.Errorf("agent ID cannot be empty")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.agents[record.AgentID] = record.Clone()
	return nil
}

// GetAgent retrieves a record by agent ID
func (ms *MemoryRegistryStore) GetAgent(ctx context.Context, agentID string) (*types.AgentRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	record, exists := ms.agents[agentID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return record.Clone(), nil
}

// DeleteAgent removes a record
func (ms *MemoryRegistryStore) DeleteAgent(ctx context.Context, agentID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.agents[agentID]; !exists {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	delete(ms.agents, agentID)
	return nil
}

// ListAgents returns every record ordered by agent ID
func (ms *MemoryRegistryStore) ListAgents(ctx context.Context) ([]*types.AgentRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]*types.AgentRecord, 0, len(ms.agents))
	for _, record := range ms.agents {
		out = append(out, record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// Close is a no-op for memory storage
func (ms *MemoryRegistryStore) Close() error {
	return nil
}

// HealthCheck always succeeds for memory storage
func (ms *MemoryRegistryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// RingAuditSink keeps the most recent attempts in a fixed-size ring buffer.
// The oldest record is evicted once capacity is reached.
type RingAuditSink struct {
	mu       sync.RWMutex
	buf      []types.AccessAttempt
	next     int // write position
	full     bool
	seq      uint64
	total    int64
	allowed  int64
	byReason map[string]int64
}

// NewRingAuditSink creates a ring buffer sink holding up to capacity records
func NewRingAuditSink(capacity int) *RingAuditSink {
	if capacity <= 0 {
		capacity = 10000
	}
	return &RingAuditSink{
		buf:      make([]types.AccessAttempt, capacity),
		byReason: make(map[string]int64),
	}
}

// Append stores attempt, evicting the oldest record when full
func (rs *RingAuditSink) Append(ctx context.Context, attempt *types.AccessAttempt) error {
	if attempt == nil {
		return fmt.Errorf("access attempt cannot be nil")
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.seq++
	attempt.ID = rs.seq
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = time.Now().UTC()
	}

	rs.buf[rs.next] = *attempt
	rs.next = (rs.next + 1) % len(rs.buf)
	if rs.next == 0 {
		rs.full = true
	}

	// counters are lifetime totals, not just what the ring still holds
	rs.total++
	if attempt.Allowed {
		rs.allowed++
	} else {
		rs.byReason[attempt.Reason]++
	}
	return nil
}

// Len returns the number of records currently held
func (rs *RingAuditSink) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if rs.full {
		return len(rs.buf)
	}
	return rs.next
}

// Query returns matching attempts, newest first
func (rs *RingAuditSink) Query(ctx context.Context, filter AuditFilter) ([]types.AccessAttempt, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	n := rs.next
	if rs.full {
		n = len(rs.buf)
	}

	var out []types.AccessAttempt
	for i := 0; i < n; i++ {
		idx := (rs.next - 1 - i + len(rs.buf)) % len(rs.buf)
		a := rs.buf[idx]
		if !filter.Matches(&a) {
			continue
		}
		out = append(out, a)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Stats returns lifetime counters
func (rs *RingAuditSink) Stats(ctx context.Context) (AuditStats, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	stats := AuditStats{
		Total:    rs.total,
		Allowed:  rs.allowed,
		Denied:   rs.total - rs.allowed,
		ByReason: make(map[string]int64, len(rs.byReason)),
	}
	for k, v := range rs.byReason {
		stats.ByReason[k] = v
	}
	return stats, nil
}
