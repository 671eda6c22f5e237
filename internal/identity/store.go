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

package identity

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrRecordNotFound is returned by stores when no record matches
var ErrRecordNotFound = errors.New("identity record not found")

// Record is the persisted form of an identity. Key and certificate are PEM encoded.
type Record struct {
	AgentID     string
	Fingerprint string
	KeyPEM      []byte
	CertPEM     []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Status      Status
}

// Store persists identities keyed by agent ID
type Store interface {
	// Save inserts a new record
	Save(ctx context.Context, rec *Record) error
	// Active returns the active record for agentID
	Active(ctx context.Context, agentID string) (*Record, error)
	// History returns every record for agentID, oldest first
	History(ctx context.Context, agentID string) ([]*Record, error)
	// SetStatus updates the status of the record with fingerprint
	SetStatus(ctx context.Context, agentID, fingerprint string, status Status) error
	// ListActive returns every active record
	ListActive(ctx context.Context) ([]*Record, error)
	Close() error
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]*Record
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]*Record)}
}

func copyRecord(r *Record) *Record {
	out := *r
	out.KeyPEM = append([]byte(nil), r.KeyPEM...)
	out.CertPEM = append([]byte(nil), r.CertPEM...)
	return &out
}

// Save inserts a new record
func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.AgentID] = append(s.records[rec.AgentID], copyRecord(rec))
	return nil
}

// Active returns the active record for agentID
func (s *MemoryStore) Active(ctx context.Context, agentID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[agentID]
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Status == StatusActive {
			return copyRecord(recs[i]), nil
		}
	}
	return nil, ErrRecordNotFound
}

// History returns every record for agentID, oldest first
func (s *MemoryStore) History(ctx context.Context, agentID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records[agentID]))
	for _, r := range s.records[agentID] {
		out = append(out, copyRecord(r))
	}
	return out, nil
}

// SetStatus updates the status of the record with fingerprint
func (s *MemoryStore) SetStatus(ctx context.Context, agentID, fingerprint string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records[agentID] {
		if r.Fingerprint == fingerprint {
			r.Status = status
			return nil
		}
	}
	return ErrRecordNotFound
}

// ListActive returns every active record
func (s *MemoryStore) ListActive(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, recs := range s.records {
		for _, r := range recs {
			if r.Status == StatusActive {
				out = append(out, copyRecord(r))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error { return nil }
