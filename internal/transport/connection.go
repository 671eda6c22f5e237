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

package transport

import (
	"sort"
	"sync"
	"time"
)

// PeerStatus is the health classification of a peer connection
type PeerStatus string

const (
	PeerHealthy   PeerStatus = "healthy"
	PeerDegraded  PeerStatus = "degraded"
	PeerUnhealthy PeerStatus = "unhealthy"
)

// DefaultFailureThreshold is the number of consecutive failures that marks a
// peer unhealthy
const DefaultFailureThreshold = 3

// PeerStats is a snapshot of one peer's connection health
type PeerStats struct {
	PeerID              string     `json:"peer_id"`
	Status              PeerStatus `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalRequests       int64      `json:"total_requests"`
	FailedRequests      int64      `json:"failed_requests"`
	AvgResponseMs       float64    `json:"avg_response_ms"`
	LastSeen            time.Time  `json:"last_seen,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	LastProtocol        string     `json:"last_protocol,omitempty"`
}

type peerState struct {
	consecutiveFailures int
	totalRequests       int64
	failedRequests      int64
	totalLatency        time.Duration
	lastSeen            time.Time
	lastError           string
	lastProtocol        string
}

// ConnectionManager tracks per-peer health. It never closes connections
// itself; idle connections are left to keepalive and explicit shutdown.
type ConnectionManager struct {
	threshold int
	now       func() time.Time

	mu    sync.RWMutex
	peers map[string]*peerState
}

// NewConnectionManager creates a connection manager. A threshold of zero
// or less uses DefaultFailureThreshold.
func NewConnectionManager(threshold int) *ConnectionManager {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &ConnectionManager{
		threshold: threshold,
		now:       time.Now,
		peers:     make(map[string]*peerState),
	}
}

// Record updates the peer's counters after a send. Latency is averaged over
// successful and failed requests alike.
func (cm *ConnectionManager) Record(peerID, protocol string, latency time.Duration, err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	p, ok := cm.peers[peerID]
	if !ok {
		p = &peerState{}
		cm.peers[peerID] = p
	}

	p.totalRequests++
	p.totalLatency += latency
	p.lastProtocol = protocol
	if err != nil {
		p.failedRequests++
		p.consecutiveFailures++
		p.lastError = err.Error()
		return
	}
	p.consecutiveFailures = 0
	p.lastError = ""
	p.lastSeen = cm.now()
}

// Peer returns the stats for one peer
func (cm *ConnectionManager) Peer(peerID string) (PeerStats, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	p, ok := cm.peers[peerID]
	if !ok {
		return PeerStats{}, false
	}
	return cm.snapshot(peerID, p), true
}

// Status returns the peer's health; unknown peers are healthy
func (cm *ConnectionManager) Status(peerID string) PeerStatus {
	stats, ok := cm.Peer(peerID)
	if !ok {
		return PeerHealthy
	}
	return stats.Status
}

// Stats returns a snapshot of every tracked peer, sorted by peer ID
func (cm *ConnectionManager) Stats() []PeerStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]PeerStats, 0, len(cm.peers))
	for id, p := range cm.peers {
		out = append(out, cm.snapshot(id, p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Summary aggregates stats across peers
func (cm *ConnectionManager) Summary() map[string]interface{} {
	stats := cm.Stats()
	byStatus := map[PeerStatus]int{PeerHealthy: 0, PeerDegraded: 0, PeerUnhealthy: 0}
	var total, failed int64
	for _, s := range stats {
		byStatus[s.Status]++
		total += s.TotalRequests
		failed += s.FailedRequests
	}
	return map[string]interface{}{
		"peers":           len(stats),
		"healthy":         byStatus[PeerHealthy],
		"degraded":        byStatus[PeerDegraded],
		"unhealthy":       byStatus[PeerUnhealthy],
		"total_requests":  total,
		"failed_requests": failed,
	}
}

// Forget drops a peer's history
func (cm *ConnectionManager) Forget(peerID string) {
	cm.mu.Lock()
	delete(cm.peers, peerID)
	cm.mu.Unlock()
}

func (cm *ConnectionManager) snapshot(id string, p *peerState) PeerStats {
	s := PeerStats{
		PeerID:              id,
		ConsecutiveFailures: p.consecutiveFailures,
		TotalRequests:       p.totalRequests,
		FailedRequests:      p.failedRequests,
		LastSeen:            p.lastSeen,
		LastError:           p.lastError,
		LastProtocol:        p.lastProtocol,
	}
	if p.totalRequests > 0 {
		s.AvgResponseMs = float64(p.totalLatency.Microseconds()) / 1000 / float64(p.totalRequests)
	}

	switch {
	case p.consecutiveFailures >= cm.threshold:
		s.Status = PeerUnhealthy
	case p.consecutiveFailures > 0:
		s.Status = PeerDegraded
	default:
		s.Status = PeerHealthy
	}
	return s
}
