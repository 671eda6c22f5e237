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
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/a2ahub/a2a-engine/internal/config"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/metrics"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// Protocols
const (
	ProtocolHTTP      = "http"
	ProtocolWebSocket = "websocket"
)

// Endpoint paths served by Server and targeted by Layer
const (
	MessagePath = "/a2a/message"
	HealthPath  = "/a2a/health"
	WSPath      = "/a2a/ws"
)

// DefaultSendTimeout applies when neither the call nor the config sets one
const DefaultSendTimeout = 30 * time.Second

// Resolver maps an agent ID to its registry record; *discovery.Service
// satisfies it.
type Resolver interface {
	Resolve(agentID string) (*types.AgentRecord, error)
}

// SendOptions tunes a single send
type SendOptions struct {
	Protocol string        // "" uses the configured preference
	Timeout  time.Duration // 0 uses the message timeout
	Headers  http.Header   // extra HTTP headers, e.g. MCP headers
}

// SendResult reports the outcome of a send
type SendResult struct {
	Success    bool            `json:"success"`
	Response   *types.Envelope `json:"response,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Protocol   string          `json:"protocol"`
	StatusCode int             `json:"status_code,omitempty"`
	Latency    time.Duration   `json:"latency"`
}

// HeaderSigner builds the headers attached to an outbound envelope, such as
// the sender's signed MCP headers. A nil header adds nothing.
type HeaderSigner func(env types.Envelope) (http.Header, error)

// Layer sends envelopes to peers over HTTP or WebSocket and records the
// outcome of every send in its ConnectionManager.
type Layer struct {
	cfg         config.TransportConfig
	sendTimeout time.Duration
	maxSize     int64
	resolver    Resolver
	conns       *ConnectionManager
	logger      *logging.Logger
	metrics     metrics.MetricsProvider
	signer      HeaderSigner

	initOnce   sync.Once
	httpClient *http.Client
	dialer     *websocket.Dialer

	wsMu    sync.Mutex
	wsPeers map[string]*wsClient
}

// Option configures a Layer
type Option func(*Layer)

// WithResolver resolves peers not listed in the static peer map
func WithResolver(r Resolver) Option {
	return func(l *Layer) { l.resolver = r }
}

// WithMetrics records per-peer transport metrics
func WithMetrics(m metrics.MetricsProvider) Option {
	return func(l *Layer) { l.metrics = m }
}

// WithHeaderSigner attaches signer's headers to every send
func WithHeaderSigner(signer HeaderSigner) Option {
	return func(l *Layer) { l.signer = signer }
}

// WithHTTPClient replaces the pooled client built by Initialize
func WithHTTPClient(c *http.Client) Option {
	return func(l *Layer) { l.httpClient = c }
}

// WithConnectionManager shares health tracking with other components
func WithConnectionManager(cm *ConnectionManager) Option {
	return func(l *Layer) { l.conns = cm }
}

// NewLayer creates a transport layer. Call Initialize before sending; Send
// initializes lazily otherwise.
func NewLayer(cfg config.TransportConfig, msgCfg config.MessageConfig, logger *logging.Logger, opts ...Option) *Layer {
	l := &Layer{
		cfg:         cfg,
		sendTimeout: msgCfg.Timeout,
		maxSize:     msgCfg.MaxSize,
		logger:      logger.WithComponent("transport"),
		metrics:     metrics.NoopMetrics{},
		wsPeers:     make(map[string]*wsClient),
	}
	if l.sendTimeout <= 0 {
		l.sendTimeout = DefaultSendTimeout
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.conns == nil {
		l.conns = NewConnectionManager(DefaultFailureThreshold)
	}
	return l
}

// Initialize builds the pooled HTTP client and WebSocket dialer. It is safe
// to call more than once.
func (l *Layer) Initialize() {
	l.initOnce.Do(func() {
		connectTimeout := l.cfg.ConnectionTimeout
		if connectTimeout <= 0 {
			connectTimeout = 10 * time.Second
		}
		maxConns := l.cfg.MaxConnections
		if maxConns <= 0 {
			maxConns = 1000
		}

		var tlsConfig *tls.Config
		if l.cfg.InsecureSkipVerify {
			tlsConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in for test meshes
		}

		if l.httpClient == nil {
			transport := &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   connectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        maxConns,
				MaxIdleConnsPerHost: maxConns / 4,
				MaxConnsPerHost:     maxConns,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: connectTimeout,
				TLSClientConfig:     tlsConfig,
			}
			l.httpClient = &http.Client{
				Transport: transport,
				CheckRedirect: func(req *http.Request, via []*http.Request) error {
					if len(via) >= 3 {
						return fmt.Errorf("too many redirects")
					}
					return nil
				},
			}
		}

		l.dialer = &websocket.Dialer{
			HandshakeTimeout: connectTimeout,
			TLSClientConfig:  tlsConfig,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		}
		l.logger.Debug("Transport initialized")
	})
}

// Connections returns the health tracker
func (l *Layer) Connections() *ConnectionManager {
	return l.conns
}

// Stats returns the per-peer health snapshot
func (l *Layer) Stats() []PeerStats {
	return l.conns.Stats()
}

// SendMessage delivers env to targetID and waits for the peer's response.
// The peer's health is updated whatever the outcome. A non-nil error is
// always an *errors.A2AError; TRANSPORT_TIMEOUT when the deadline passed.
func (l *Layer) SendMessage(ctx context.Context, targetID string, env types.Envelope, opts SendOptions) (*SendResult, error) {
	l.Initialize()

	protocol := opts.Protocol
	if protocol == "" {
		protocol = l.cfg.PreferredProtocol
	}
	if protocol == "" {
		protocol = ProtocolHTTP
	}

	result := &SendResult{Protocol: protocol}

	base, err := l.endpoint(targetID)
	if err != nil {
		result.Error = err.Error()
		result.ErrorCode = string(a2aerrors.CodeOf(err))
		return result, err
	}
	if strings.HasPrefix(base, "ws://") || strings.HasPrefix(base, "wss://") {
		protocol = ProtocolWebSocket
		result.Protocol = protocol
	}

	headers, err := l.outboundHeaders(env, opts.Headers)
	if err != nil {
		result.Error = err.Error()
		result.ErrorCode = string(a2aerrors.CodeOf(err))
		return result, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = l.sendTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var resp *types.Envelope
	switch protocol {
	case ProtocolHTTP:
		resp, result.StatusCode, err = l.sendHTTP(ctx, base, env, headers)
	case ProtocolWebSocket:
		resp, err = l.sendWS(ctx, targetID, base, env, headers)
	default:
		err = a2aerrors.Newf(a2aerrors.ErrValidationFailed, "unsupported protocol: %s", protocol)
	}
	result.Latency = time.Since(start)

	if err != nil && ctx.Err() == context.DeadlineExceeded && !a2aerrors.IsCode(err, a2aerrors.ErrTransportTimeout) {
		err = a2aerrors.Wrapf(a2aerrors.ErrTransportTimeout, err, "send to %s timed out after %s", targetID, timeout)
	}

	// a peer rejecting the message answered, so only transport faults and
	// server errors count against its health
	l.conns.Record(targetID, protocol, result.Latency, healthError(err))
	l.metrics.RecordTransport(targetID, protocol, err == nil, result.Latency)

	logger := l.logger.WithFields(map[string]interface{}{
		"peer":       targetID,
		"protocol":   protocol,
		"message_id": env.Header().MessageID,
	})
	if err != nil {
		result.Error = err.Error()
		result.ErrorCode = string(a2aerrors.CodeOf(err))
		logger.Warnf("Send failed: %v", err)
		return result, err
	}

	result.Success = true
	result.Response = resp
	logger.Debug("Send succeeded")
	return result, nil
}

// outboundHeaders merges the signer's headers over extra
func (l *Layer) outboundHeaders(env types.Envelope, extra http.Header) (http.Header, error) {
	if l.signer == nil {
		return extra, nil
	}
	signed, err := l.signer(env)
	if err != nil {
		if _, ok := a2aerrors.AsA2AError(err); ok {
			return nil, err
		}
		return nil, a2aerrors.Wrap(a2aerrors.ErrCryptoFailed, "failed to sign outbound headers", err)
	}
	if len(signed) == 0 {
		return extra, nil
	}
	out := extra.Clone()
	if out == nil {
		out = make(http.Header, len(signed))
	}
	for k, vs := range signed {
		out[k] = append([]string(nil), vs...)
	}
	return out, nil
}

// healthError keeps err only when it says something about the peer's
// health: a network fault, a timeout or a 5xx answer
func healthError(err error) error {
	a2aErr, ok := a2aerrors.AsA2AError(err)
	if !ok {
		return err
	}
	switch a2aErr.Code {
	case a2aerrors.ErrTransportError, a2aerrors.ErrTransportTimeout, a2aerrors.ErrInternalError:
		return err
	}
	if status, ok := a2aErr.Details["status_code"].(int); ok && status >= 500 {
		return err
	}
	return nil
}

// endpoint returns the base URL for targetID: the static peer map first,
// then the resolver's metadata.endpoint.
func (l *Layer) endpoint(targetID string) (string, error) {
	if base, ok := l.cfg.Peers[targetID]; ok && base != "" {
		return strings.TrimRight(base, "/"), nil
	}
	if l.resolver == nil {
		return "", a2aerrors.Newf(a2aerrors.ErrUnknownAgent, "no endpoint known for agent %s", targetID)
	}

	rec, err := l.resolver.Resolve(targetID)
	if err != nil {
		return "", err
	}
	base := rec.Endpoint()
	if base == "" {
		return "", a2aerrors.Newf(a2aerrors.ErrUnknownAgent, "agent %s has no advertised endpoint", targetID)
	}
	if _, err := url.Parse(base); err != nil {
		return "", a2aerrors.Wrapf(a2aerrors.ErrUnknownAgent, err, "agent %s has an invalid endpoint", targetID)
	}
	return strings.TrimRight(base, "/"), nil
}

func (l *Layer) sendHTTP(ctx context.Context, base string, env types.Envelope, headers http.Header) (*types.Envelope, int, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, 0, a2aerrors.Wrap(a2aerrors.ErrMessageValidationFailed, "failed to encode envelope", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+MessagePath, bytes.NewReader(body))
	if err != nil {
		return nil, 0, a2aerrors.Wrap(a2aerrors.ErrTransportError, "failed to create request", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-A2A-Protocol-Version", types.ProtocolVersion)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, 0, classifyNetError(err)
	}
	defer func() {
		_ = resp.Body.Close() // nolint:errcheck
	}()

	reader := io.Reader(resp.Body)
	if l.maxSize > 0 {
		reader = io.LimitReader(resp.Body, l.maxSize+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, resp.StatusCode, classifyNetError(err)
	}
	if l.maxSize > 0 && int64(len(data)) > l.maxSize {
		return nil, resp.StatusCode, a2aerrors.Newf(a2aerrors.ErrMessageTooLarge, "peer response exceeds %d bytes", l.maxSize).
			WithDetail("status_code", resp.StatusCode)
	}

	if resp.StatusCode >= 300 {
		return nil, resp.StatusCode, peerError(resp.StatusCode, data)
	}
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(data)) == 0 {
		return nil, resp.StatusCode, nil
	}

	var out types.Envelope
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, resp.StatusCode, a2aerrors.Wrap(a2aerrors.ErrTransportError, "peer returned an invalid envelope", err)
	}
	return &out, resp.StatusCode, nil
}

// peerError turns a non-2xx response into an error, keeping the peer's
// machine code when it sent one.
func peerError(status int, body []byte) error {
	var er types.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Code != "" {
		return a2aerrors.New(a2aerrors.ErrorCode(er.Error.Code), er.Error.Message).
			WithDetail("status_code", status)
	}
	return a2aerrors.Newf(a2aerrors.ErrTransportError, "peer returned status %d", status).
		WithDetail("status_code", status)
}

func classifyNetError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return a2aerrors.Wrap(a2aerrors.ErrTransportTimeout, "request timed out", err)
	}
	return a2aerrors.Wrap(a2aerrors.ErrTransportError, "request failed", err)
}

// Close closes pooled WebSocket connections and idle HTTP connections
func (l *Layer) Close() error {
	l.wsMu.Lock()
	peers := l.wsPeers
	l.wsPeers = make(map[string]*wsClient)
	l.wsMu.Unlock()

	for _, c := range peers {
		c.close()
	}
	if l.httpClient != nil {
		l.httpClient.CloseIdleConnections()
	}
	return nil
}
