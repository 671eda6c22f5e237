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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionManagerStatusTransitions(t *testing.T) {
	cm := NewConnectionManager(0)
	boom := errors.New("connection refused")

	assert.Equal(t, PeerHealthy, cm.Status("agent-a"), "unknown peers are healthy")

	cm.Record("agent-a", ProtocolHTTP, 10*time.Millisecond, nil)
	assert.Equal(t, PeerHealthy, cm.Status("agent-a"))

	cm.Record("agent-a", ProtocolHTTP, 10*time.Millisecond, boom)
	assert.Equal(t, PeerDegraded, cm.Status("agent-a"))
	cm.Record("agent-a", ProtocolHTTP, 10*time.Millisecond, boom)
	assert.Equal(t, PeerDegraded, cm.Status("agent-a"))
	cm.Record("agent-a", ProtocolHTTP, 10*time.Millisecond, boom)
	assert.Equal(t, PeerUnhealthy, cm.Status("agent-a"))

	stats, ok := cm.Peer("agent-a")
	require.True(t, ok)
	assert.Equal(t, 3, stats.ConsecutiveFailures)
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.Equal(t, int64(3), stats.FailedRequests)
	assert.Equal(t, "connection refused", stats.LastError)

	cm.Record("agent-a", ProtocolWebSocket, 10*time.Millisecond, nil)
	stats, _ = cm.Peer("agent-a")
	assert.Equal(t, PeerHealthy, stats.Status)
	assert.Zero(t, stats.ConsecutiveFailures)
	assert.Empty(t, stats.LastError)
	assert.Equal(t, ProtocolWebSocket, stats.LastProtocol)
	assert.False(t, stats.LastSeen.IsZero())
}

func TestConnectionManagerAverageLatency(t *testing.T) {
	cm := NewConnectionManager(3)
	cm.Record("p", ProtocolHTTP, 10*time.Millisecond, nil)
	cm.Record("p", ProtocolHTTP, 30*time.Millisecond, errors.New("x"))

	stats, ok := cm.Peer("p")
	require.True(t, ok)
	assert.InDelta(t, 20.0, stats.AvgResponseMs, 0.001)
}

func TestConnectionManagerStatsAndSummary(t *testing.T) {
	cm := NewConnectionManager(1)
	cm.Record("c", ProtocolHTTP, time.Millisecond, nil)
	cm.Record("a", ProtocolHTTP, time.Millisecond, errors.New("down"))
	cm.Record("b", ProtocolHTTP, time.Millisecond, nil)

	stats := cm.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{stats[0].PeerID, stats[1].PeerID, stats[2].PeerID})
	assert.Equal(t, PeerUnhealthy, stats[0].Status)

	summary := cm.Summary()
	assert.Equal(t, 3, summary["peers"])
	assert.Equal(t, 2, summary["healthy"])
	assert.Equal(t, 1, summary["unhealthy"])
	assert.Equal(t, int64(1), summary["failed_requests"])

	cm.Forget("a")
	_, ok := cm.Peer("a")
	assert.False(t, ok)
}

func TestConnectionManagerConcurrentRecord(t *testing.T) {
	cm := NewConnectionManager(3)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cm.Record("shared", ProtocolHTTP, time.Millisecond, nil)
			_ = cm.Stats()
		}()
	}
	wg.Wait()

	stats, ok := cm.Peer("shared")
	require.True(t, ok)
	assert.Equal(t, int64(50), stats.TotalRequests)
}
