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

package metrics

import (
	"encoding/json"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// SimpleMetrics provides a simple in-memory metrics implementation
type SimpleMetrics struct {
	mu sync.RWMutex

	// HTTP metrics
	httpRequests  map[string]int64
	httpDurations map[string][]float64
	httpInFlight  int64

	// Message metrics
	messages         map[string]int64
	messageDurations map[string][]float64
	messageSizes     map[string][]float64

	// Crypto metrics
	crypto          map[string]int64
	cryptoDurations map[string][]float64

	// Transport metrics
	transport          map[string]int64
	transportDurations map[string][]float64

	// Discovery metrics
	discoveries        map[string]int64
	discoveryDurations map[string][]float64
	discoveryCacheHits int64

	// Policy metrics
	accessDecisions map[string]int64
	rateLimits      map[string]int64

	// Workflow metrics
	workflows         map[string]int64
	workflowDurations map[string][]float64

	connectionsActive float64

	// Error metrics
	errors map[string]int64

	// Timestamps
	startTime  time.Time
	lastUpdate time.Time
}

// NewSimpleMetrics creates a new simple metrics instance
func NewSimpleMetrics() *SimpleMetrics {
	return &SimpleMetrics{
		httpRequests:       make(map[string]int64),
		httpDurations:      make(map[string][]float64),
		messages:           make(map[string]int64),
		messageDurations:   make(map[string][]float64),
		messageSizes:       make(map[string][]float64),
		crypto:             make(map[string]int64),
		cryptoDurations:    make(map[string][]float64),
		transport:          make(map[string]int64),
		transportDurations: make(map[string][]float64),
		discoveries:        make(map[string]int64),
		discoveryDurations: make(map[string][]float64),
		accessDecisions:    make(map[string]int64),
		rateLimits:         make(map[string]int64),
		workflows:          make(map[string]int64),
		workflowDurations:  make(map[string][]float64),
		errors:             make(map[string]int64),
		startTime:          time.Now(),
		lastUpdate:         time.Now(),
	}
}

// RecordHTTPRequest records HTTP request metrics
func (m *SimpleMetrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := method + ":" + path + ":" + strconv.Itoa(statusCode)
	m.httpRequests[key]++
	m.httpDurations[key] = append(m.httpDurations[key], duration.Seconds())
	m.lastUpdate = time.Now()
}

// IncHTTPRequestsInFlight increments in-flight HTTP requests
func (m *SimpleMetrics) IncHTTPRequestsInFlight() {
	atomic.AddInt64(&m.httpInFlight, 1)
}

// DecHTTPRequestsInFlight decrements in-flight HTTP requests
func (m *SimpleMetrics) DecHTTPRequestsInFlight() {
	atomic.AddInt64(&m.httpInFlight, -1)
}

// RecordMessage records message metrics
func (m *SimpleMetrics) RecordMessage(direction, messageType, status string, duration time.Duration, sizeBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := direction + ":" + messageType + ":" + status
	m.messages[key]++
	m.messageDurations[key] = append(m.messageDurations[key], duration.Seconds())

	if sizeBytes > 0 {
		m.messageSizes[direction] = append(m.messageSizes[direction], float64(sizeBytes))
	}
	m.lastUpdate = time.Now()
}

// RecordCrypto records a cryptographic operation
func (m *SimpleMetrics) RecordCrypto(operation string, success bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := operation + ":" + status(success)
	m.crypto[key]++
	m.cryptoDurations[operation] = append(m.cryptoDurations[operation], duration.Seconds())
	m.lastUpdate = time.Now()
}

// RecordTransport records an outbound send
func (m *SimpleMetrics) RecordTransport(peer, protocol string, success bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := peer + ":" + protocol + ":" + status(success)
	m.transport[key]++
	m.transportDurations[peer] = append(m.transportDurations[peer], duration.Seconds())
	m.lastUpdate = time.Now()
}

// RecordDiscovery records discovery metrics
func (m *SimpleMetrics) RecordDiscovery(method, status string, duration time.Duration, cacheHit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := method + ":" + status
	m.discoveries[key]++
	m.discoveryDurations[key] = append(m.discoveryDurations[key], duration.Seconds())

	if cacheHit {
		m.discoveryCacheHits++
	}
	m.lastUpdate = time.Now()
}

// RecordAccessDecision records a tenant or MCP policy decision
func (m *SimpleMetrics) RecordAccessDecision(kind string, allowed bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accessDecisions[kind+":"+decision(allowed)+":"+reason]++
	m.lastUpdate = time.Now()
}

// RecordRateLimit records a rate limit check
func (m *SimpleMetrics) RecordRateLimit(scope string, allowed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rateLimits[scope+":"+decision(allowed)]++
	m.lastUpdate = time.Now()
}

// RecordWorkflow records a finished workflow
func (m *SimpleMetrics) RecordWorkflow(workflowType, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workflowType + ":" + status
	m.workflows[key]++
	m.workflowDurations[workflowType] = append(m.workflowDurations[workflowType], duration.Seconds())
	m.lastUpdate = time.Now()
}

// SetConnectionsActive sets the number of tracked connections
func (m *SimpleMetrics) SetConnectionsActive(count float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectionsActive = count
	m.lastUpdate = time.Now()
}

// RecordError records error metrics
func (m *SimpleMetrics) RecordError(component, errorCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.errors[component+":"+errorCode]++
	m.lastUpdate = time.Now()
}

// Count returns a counter value by family and key, mostly for tests
func (m *SimpleMetrics) Count(family, key string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch family {
	case "http":
		return m.httpRequests[key]
	case "messages":
		return m.messages[key]
	case "crypto":
		return m.crypto[key]
	case "transport":
		return m.transport[key]
	case "discovery":
		return m.discoveries[key]
	case "access":
		return m.accessDecisions[key]
	case "rate_limit":
		return m.rateLimits[key]
	case "workflows":
		return m.workflows[key]
	case "errors":
		return m.errors[key]
	}
	return 0
}

// ToJSON exports metrics as JSON
func (m *SimpleMetrics) ToJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	data := map[string]interface{}{
		"timestamp":      m.lastUpdate.Unix(),
		"uptime_seconds": time.Since(m.startTime).Seconds(),
		"http": map[string]interface{}{
			"requests":  m.httpRequests,
			"durations": m.calculateStats(m.httpDurations),
			"in_flight": atomic.LoadInt64(&m.httpInFlight),
		},
		"messages": map[string]interface{}{
			"total":     m.messages,
			"durations": m.calculateStats(m.messageDurations),
			"sizes":     m.calculateStats(m.messageSizes),
		},
		"crypto": map[string]interface{}{
			"total":     m.crypto,
			"durations": m.calculateStats(m.cryptoDurations),
		},
		"transport": map[string]interface{}{
			"total":              m.transport,
			"latency":            m.calculateStats(m.transportDurations),
			"connections_active": m.connectionsActive,
		},
		"discovery": map[string]interface{}{
			"total":      m.discoveries,
			"durations":  m.calculateStats(m.discoveryDurations),
			"cache_hits": m.discoveryCacheHits,
		},
		"policy": map[string]interface{}{
			"access_decisions": m.accessDecisions,
			"rate_limits":      m.rateLimits,
		},
		"workflows": map[string]interface{}{
			"total":     m.workflows,
			"durations": m.calculateStats(m.workflowDurations),
		},
		"system": map[string]interface{}{
			"memory_usage_bytes": memStats.Alloc,
			"memory_total_bytes": memStats.TotalAlloc,
			"goroutines_active":  runtime.NumGoroutine(),
			"gc_cycles":          memStats.NumGC,
		},
		"errors": m.errors,
	}

	return json.Marshal(data)
}

// calculateStats calculates basic statistics for duration/size arrays
func (m *SimpleMetrics) calculateStats(data map[string][]float64) map[string]interface{} {
	stats := make(map[string]interface{})

	for key, values := range data {
		if len(values) == 0 {
			continue
		}

		sum := 0.0
		min := values[0]
		max := values[0]

		for _, v := range values {
			sum += v
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}

		stats[key] = map[string]interface{}{
			"count": len(values),
			"sum":   sum,
			"avg":   sum / float64(len(values)),
			"min":   min,
			"max":   max,
		}
	}

	return stats
}
