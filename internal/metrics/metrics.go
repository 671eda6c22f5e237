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
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsProvider is implemented by every metrics backend
type MetricsProvider interface {
	RecordHTTPRequest(method, path string, statusCode int, duration time.Duration)
	IncHTTPRequestsInFlight()
	DecHTTPRequestsInFlight()
	RecordMessage(direction, messageType, status string, duration time.Duration, sizeBytes int64)
	RecordCrypto(operation string, success bool, duration time.Duration)
	RecordTransport(peer, protocol string, success bool, duration time.Duration)
	RecordDiscovery(method, status string, duration time.Duration, cacheHit bool)
	RecordAccessDecision(kind string, allowed bool, reason string)
	RecordRateLimit(scope string, allowed bool)
	RecordWorkflow(workflowType, status string, duration time.Duration)
	SetConnectionsActive(count float64)
	RecordError(component, errorCode string)
}

// NewMetricsProvider returns the default in-memory provider
func NewMetricsProvider() MetricsProvider {
	return NewSimpleMetrics()
}

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Message metrics
	MessagesTotal             *prometheus.CounterVec
	MessageProcessingDuration *prometheus.HistogramVec
	MessageSizeBytes          *prometheus.HistogramVec

	// Crypto metrics
	CryptoOperationsTotal *prometheus.CounterVec
	CryptoDuration        *prometheus.HistogramVec

	// Transport metrics
	TransportSendsTotal *prometheus.CounterVec
	TransportLatency    *prometheus.HistogramVec
	ConnectionsActive   prometheus.Gauge

	// Discovery metrics
	DiscoveryTotal     *prometheus.CounterVec
	DiscoveryDuration  *prometheus.HistogramVec
	DiscoveryCacheHits prometheus.Counter

	// Policy metrics
	AccessDecisionsTotal *prometheus.CounterVec
	RateLimitTotal       *prometheus.CounterVec

	// Workflow metrics
	WorkflowsTotal   *prometheus.CounterVec
	WorkflowDuration *prometheus.HistogramVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics on a dedicated registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "a2a_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "a2a_http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		MessagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_messages_total",
				Help: "Total number of messages sent or received",
			},
			[]string{"direction", "message_type", "status"},
		),
		MessageProcessingDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "a2a_message_processing_duration_seconds",
				Help:    "Message processing duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"direction", "message_type"},
		),
		MessageSizeBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "a2a_message_size_bytes",
				Help:    "Message size in bytes",
				Buckets: []float64{1024, 10240, 102400, 1048576, 10485760}, // 1KB to 10MB
			},
			[]string{"direction"},
		),

		CryptoOperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_crypto_operations_total",
				Help: "Total number of cryptographic operations",
			},
			[]string{"operation", "status"},
		),
		CryptoDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "a2a_crypto_duration_seconds",
				Help:    "Cryptographic operation duration in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation"},
		),

		TransportSendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_transport_sends_total",
				Help: "Total number of outbound transport sends",
			},
			[]string{"peer", "protocol", "status"},
		),
		TransportLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "a2a_transport_latency_seconds",
				Help:    "Outbound transport latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"peer", "protocol"},
		),
		ConnectionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "a2a_connections_active",
				Help: "Number of tracked peer connections",
			},
		),

		DiscoveryTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_discovery_total",
				Help: "Total number of discovery lookups",
			},
			[]string{"method", "status"},
		),
		DiscoveryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "a2a_discovery_duration_seconds",
				Help:    "Discovery lookup duration in seconds",
				Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"method", "status"},
		),
		DiscoveryCacheHits: f.NewCounter(
			prometheus.CounterOpts{
				Name: "a2a_discovery_cache_hits_total",
				Help: "Total number of external discovery cache hits",
			},
		),

		AccessDecisionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_access_decisions_total",
				Help: "Total number of tenant and MCP access decisions",
			},
			[]string{"kind", "decision", "reason"},
		),
		RateLimitTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_rate_limit_checks_total",
				Help: "Total number of rate limit checks",
			},
			[]string{"scope", "decision"},
		),

		WorkflowsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_workflows_total",
				Help: "Total number of finished workflows",
			},
			[]string{"type", "status"},
		),
		WorkflowDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "a2a_workflow_duration_seconds",
				Help:    "Workflow execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"type"},
		),

		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_errors_total",
				Help: "Total number of errors",
			},
			[]string{"component", "error_code"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func decision(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// IncHTTPRequestsInFlight increments in-flight HTTP requests
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements in-flight HTTP requests
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}

// RecordMessage records message metrics
func (m *Metrics) RecordMessage(direction, messageType, status string, duration time.Duration, sizeBytes int64) {
	m.MessagesTotal.WithLabelValues(direction, messageType, status).Inc()
	m.MessageProcessingDuration.WithLabelValues(direction, messageType).Observe(duration.Seconds())

	if sizeBytes > 0 {
		m.MessageSizeBytes.WithLabelValues(direction).Observe(float64(sizeBytes))
	}
}

// RecordCrypto records a cryptographic operation
func (m *Metrics) RecordCrypto(operation string, success bool, duration time.Duration) {
	m.CryptoOperationsTotal.WithLabelValues(operation, status(success)).Inc()
	m.CryptoDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTransport records an outbound send
func (m *Metrics) RecordTransport(peer, protocol string, success bool, duration time.Duration) {
	m.TransportSendsTotal.WithLabelValues(peer, protocol, status(success)).Inc()
	m.TransportLatency.WithLabelValues(peer, protocol).Observe(duration.Seconds())
}

// RecordDiscovery records discovery metrics
func (m *Metrics) RecordDiscovery(method, status string, duration time.Duration, cacheHit bool) {
	m.DiscoveryTotal.WithLabelValues(method, status).Inc()
	m.DiscoveryDuration.WithLabelValues(method, status).Observe(duration.Seconds())

	if cacheHit {
		m.DiscoveryCacheHits.Inc()
	}
}

// RecordAccessDecision records a tenant or MCP policy decision
func (m *Metrics) RecordAccessDecision(kind string, allowed bool, reason string) {
	m.AccessDecisionsTotal.WithLabelValues(kind, decision(allowed), reason).Inc()
}

// RecordRateLimit records a rate limit check
func (m *Metrics) RecordRateLimit(scope string, allowed bool) {
	m.RateLimitTotal.WithLabelValues(scope, decision(allowed)).Inc()
}

// RecordWorkflow records a finished workflow
func (m *Metrics) RecordWorkflow(workflowType, status string, duration time.Duration) {
	m.WorkflowsTotal.WithLabelValues(workflowType, status).Inc()
	m.WorkflowDuration.WithLabelValues(workflowType).Observe(duration.Seconds())
}

// SetConnectionsActive sets the number of tracked connections
func (m *Metrics) SetConnectionsActive(count float64) {
	m.ConnectionsActive.Set(count)
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorCode string) {
	m.ErrorsTotal.WithLabelValues(component, errorCode).Inc()
}

// NoopMetrics discards everything
type NoopMetrics struct{}

func (NoopMetrics) RecordHTTPRequest(string, string, int, time.Duration) {}
func (NoopMetrics) IncHTTPRequestsInFlight() {}
func (NoopMetrics) DecHTTPRequestsInFlight() {}
func (NoopMetrics) RecordMessage(string, string, string, time.Duration, int64) {}
func (NoopMetrics) RecordCrypto(string, bool, time.Duration) {}
func (NoopMetrics) RecordTransport(string, string, bool, time.Duration) {}
func (NoopMetrics) RecordDiscovery(string, string, time.Duration, bool) {}
func (NoopMetrics) RecordAccessDecision(string, bool, string) {}
func (NoopMetrics) RecordRateLimit(string, bool) {}
func (NoopMetrics) RecordWorkflow(string, string, time.Duration) {}
func (NoopMetrics) SetConnectionsActive(float64) {}
func (NoopMetrics) RecordError(string, string) {}

// Timer provides a convenient way to time operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed duration
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveHistogram observes the elapsed time in a histogram
func (t *Timer) ObserveHistogram(histogram prometheus.Observer) {
	histogram.Observe(t.Duration().Seconds())
}

// WithTimer executes a function and measures its duration
func WithTimer(fn func() error, observer prometheus.Observer) error {
	timer := NewTimer()
	err := fn()
	observer.Observe(timer.Duration().Seconds())
	return err
}
