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

// Package client composes messaging, transport and discovery into the
// per-agent send, broadcast and inbound dispatch primitives.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/a2ahub/a2a-engine/internal/discovery"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/messaging"
	"github.com/a2ahub/a2a-engine/internal/metrics"
	"github.com/a2ahub/a2a-engine/internal/transport"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// DefaultBroadcastConcurrency bounds broadcast fan-out when unset
const DefaultBroadcastConcurrency = 10

// Sender delivers envelopes; *transport.Layer satisfies it
type Sender interface {
	SendMessage(ctx context.Context, targetID string, env types.Envelope, opts transport.SendOptions) (*transport.SendResult, error)
}

// Discoverer answers discovery queries; *discovery.Service satisfies it
type Discoverer interface {
	Discover(ctx context.Context, q discovery.Query) ([]*types.AgentRecord, error)
}

// Keys resolves identities for encryption and trusts peer certificates;
// *identity.Manager satisfies it
type Keys interface {
	messaging.KeySource
	ImportPeer(ctx context.Context, agentID string, certPEM, proof []byte) error
}

// Inbound describes a trusted, decrypted inbound message for an InboundGate
type Inbound struct {
	Message *types.Message
	Action  string // empty for messages without a request payload
	// AgentID and TenantID identify the receiving agent
	AgentID  string
	TenantID string
}

// InboundGate admits or rejects an inbound message before it is
// dispatched. A returned error is answered as a transport error.
type InboundGate func(ctx context.Context, in Inbound) error

// Config identifies the agent a client acts for
type Config struct {
	AgentID              string
	TenantID             string
	BroadcastConcurrency int
	// SecureByDefault makes Send encrypt and sign like SendSecure
	SecureByDefault bool
}

// Client sends requests for one agent and dispatches inbound requests to
// registered action handlers
type Client struct {
	cfg       Config
	messages  *messaging.Manager
	sender    Sender
	discovery Discoverer
	keys      Keys
	logger    *logging.Logger
	metrics   metrics.MetricsProvider
	gate      InboundGate

	mu       sync.RWMutex
	handlers map[string]handler
}

// Option configures a Client
type Option func(*Client)

// WithDiscovery enables Discover and capability broadcasts
func WithDiscovery(d Discoverer) Option {
	return func(c *Client) { c.discovery = d }
}

// WithKeys enables SendSecure and decryption of inbound messages
func WithKeys(k Keys) Option {
	return func(c *Client) { c.keys = k }
}

// WithMetrics records outbound message metrics
func WithMetrics(m metrics.MetricsProvider) Option {
	return func(c *Client) { c.metrics = m }
}

// WithInboundGate checks every inbound message before dispatch
func WithInboundGate(g InboundGate) Option {
	return func(c *Client) { c.gate = g }
}

// New creates a client for cfg.AgentID
func New(cfg Config, messages *messaging.Manager, sender Sender, logger *logging.Logger, opts ...Option) *Client {
	if cfg.BroadcastConcurrency <= 0 {
		cfg.BroadcastConcurrency = DefaultBroadcastConcurrency
	}
	c := &Client{
		cfg:      cfg,
		messages: messages,
		sender:   sender,
		logger:   logger.WithComponent("client").WithField("agent_id", cfg.AgentID),
		metrics:  metrics.NoopMetrics{},
		handlers: make(map[string]handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AgentID returns the agent the client acts for
func (c *Client) AgentID() string {
	return c.cfg.AgentID
}

// TenantID returns the tenant the agent acts within
func (c *Client) TenantID() string {
	return c.cfg.TenantID
}

// Messages returns the message manager the client builds and checks
// messages with
func (c *Client) Messages() *messaging.Manager {
	return c.messages
}

// Send sends a request for action to recipient and returns the peer's
// response message, or nil when the peer only acknowledged it. A failure
// response from the peer is returned together with an error carrying the
// peer's code.
func (c *Client) Send(ctx context.Context, recipient, action string, params interface{}, opts ...messaging.MessageOption) (*types.Message, error) {
	msg, err := c.NewRequest(recipient, action, params, opts...)
	if err != nil {
		return nil, err
	}
	return c.Deliver(ctx, msg, c.cfg.SecureByDefault)
}

// SendSecure is Send with the request encrypted for the recipient and
// signed with this agent's identity
func (c *Client) SendSecure(ctx context.Context, recipient, action string, params interface{}, opts ...messaging.MessageOption) (*types.Message, error) {
	msg, err := c.NewRequest(recipient, action, params, opts...)
	if err != nil {
		return nil, err
	}
	return c.Deliver(ctx, msg, true)
}

// NewRequest builds a REQUEST message carrying action and params
func (c *Client) NewRequest(recipient, action string, params interface{}, opts ...messaging.MessageOption) (*types.Message, error) {
	if action == "" {
		return nil, a2aerrors.New(a2aerrors.ErrValidationFailed, "action is required")
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrValidationFailed, "failed to encode parameters", err)
	}
	payload := types.RequestPayload{
		Action:     action,
		Parameters: raw,
		SenderID:   c.cfg.AgentID,
		Timestamp:  time.Now().UTC(),
	}
	return c.messages.CreateMessage(c.cfg.AgentID, recipient, types.MessageTypeRequest, payload, opts...)
}

// Deliver sends a prepared message, sealing it first when secure is set
func (c *Client) Deliver(ctx context.Context, msg *types.Message, secure bool) (*types.Message, error) {
	start := time.Now()

	outbound, err := c.messages.Compress(msg)
	if err != nil {
		return nil, err
	}

	env := types.NewEnvelope(outbound)
	if secure {
		if c.keys == nil {
			return nil, a2aerrors.New(a2aerrors.ErrEncryptionFailed, "no identity configured for secure send")
		}
		sealed, err := c.messages.SealFor(ctx, c.keys, outbound)
		if err != nil {
			return nil, err
		}
		env = types.NewEnvelope(sealed)
	}

	result, err := c.sender.SendMessage(ctx, msg.Header.RecipientID, env, transport.SendOptions{})
	c.metrics.RecordMessage("outbound", string(msg.Header.MessageType), outcome(err), time.Since(start), msg.Size())
	if err != nil {
		return nil, err
	}
	if result.Response == nil {
		return nil, nil
	}

	resp, err := c.unwrap(ctx, *result.Response)
	if err != nil {
		return nil, err
	}
	if failure := failureOf(resp); failure != nil {
		return resp, failure
	}
	return resp, nil
}

// unwrap decrypts and decompresses a received envelope
func (c *Client) unwrap(ctx context.Context, env types.Envelope) (*types.Message, error) {
	var msg *types.Message
	switch body := env.Body.(type) {
	case *types.Message:
		msg = body
	case *types.EncryptedMessage:
		if c.keys == nil {
			return nil, a2aerrors.New(a2aerrors.ErrDecryptionFailed, "no identity configured to decrypt message")
		}
		if err := c.messages.Validator().ValidateEncrypted(body); err != nil {
			return nil, err
		}
		c.trustSender(ctx, body.Header.SenderID)
		opened, err := c.messages.Open(ctx, c.keys, body)
		if err != nil {
			return nil, err
		}
		msg = opened
	default:
		return nil, a2aerrors.New(a2aerrors.ErrInvalidRequestFormat, "envelope has no body")
	}
	return c.messages.Decompress(msg)
}

// failureOf returns the error described by a failed response payload
func failureOf(msg *types.Message) error {
	if msg.Header.MessageType != types.MessageTypeResponse && msg.Header.MessageType != types.MessageTypeError {
		return nil
	}
	var body struct {
		Success           *bool  `json:"success"`
		Error             string `json:"error"`
		Code              string `json:"code"`
		OriginalRequestID string `json:"originalRequestId"`
	}
	if err := json.Unmarshal(msg.Payload, &body); err != nil || body.Success == nil || *body.Success || body.OriginalRequestID == "" {
		return nil
	}
	code := a2aerrors.ErrHandlerFailed
	if body.Code != "" {
		code = a2aerrors.ErrorCode(body.Code)
	}
	return a2aerrors.New(code, body.Error).WithDetail("original_request_id", body.OriginalRequestID)
}

// BroadcastResult is the outcome of one recipient of a broadcast
type BroadcastResult struct {
	Recipient string         `json:"recipient"`
	Response  *types.Message `json:"response,omitempty"`
	Error     error          `json:"-"`
}

// Broadcast sends the same request to every recipient with bounded
// concurrency. Results are in recipient order; one failure does not stop
// the others.
func (c *Client) Broadcast(ctx context.Context, recipients []string, action string, params interface{}) []BroadcastResult {
	results := make([]BroadcastResult, len(recipients))

	sem := semaphore.NewWeighted(int64(c.cfg.BroadcastConcurrency))
	var wg sync.WaitGroup
	for i, recipient := range recipients {
		results[i].Recipient = recipient
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i].Error = a2aerrors.Wrap(a2aerrors.ErrTransportTimeout, "broadcast cancelled", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			resp, err := c.Send(ctx, recipient, action, params)
			results[i].Response = resp
			results[i].Error = err
		}()
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Error != nil {
			failed++
		}
	}
	c.logger.WithFields(map[string]interface{}{
		"action":     action,
		"recipients": len(recipients),
		"failed":     failed,
	}).Info("Broadcast complete")
	return results
}

// BroadcastCapability discovers every agent with capability and broadcasts
// the request to them, skipping this agent
func (c *Client) BroadcastCapability(ctx context.Context, capability types.Capability, action string, params interface{}) ([]BroadcastResult, error) {
	agents, err := c.Discover(ctx, capability)
	if err != nil {
		return nil, err
	}
	recipients := make([]string, 0, len(agents))
	for _, a := range agents {
		if a.AgentID != c.cfg.AgentID {
			recipients = append(recipients, a.AgentID)
		}
	}
	return c.Broadcast(ctx, recipients, action, params), nil
}

// Discover returns agents advertising capability. Certificates published
// in their records are trusted for secure sends.
func (c *Client) Discover(ctx context.Context, capability types.Capability) ([]*types.AgentRecord, error) {
	if c.discovery == nil {
		return nil, a2aerrors.New(a2aerrors.ErrDiscoveryFailed, "discovery is not configured")
	}
	agents, err := c.discovery.Discover(ctx, discovery.Query{Capability: capability, MinAgents: 1})
	if err != nil {
		return nil, err
	}
	if c.keys != nil {
		for _, a := range agents {
			if a.AgentID != c.cfg.AgentID {
				c.trustRecord(ctx, a)
			}
		}
	}
	return agents, nil
}

// trustSender imports the sender's published certificate when its key is
// not yet known and discovery can resolve the agent
func (c *Client) trustSender(ctx context.Context, agentID string) {
	if _, err := c.keys.PublicKey(ctx, agentID); err == nil {
		return
	}
	resolver, ok := c.discovery.(transport.Resolver)
	if !ok {
		return
	}
	rec, err := resolver.Resolve(agentID)
	if err != nil {
		return
	}
	c.trustRecord(ctx, rec)
}

// trustRecord imports the certificate published in rec, with its
// replacement proof when present
func (c *Client) trustRecord(ctx context.Context, rec *types.AgentRecord) {
	pem := rec.Metadata[types.MetadataCertificate]
	if pem == "" {
		return
	}
	var proof []byte
	if raw := rec.Metadata[types.MetadataCertificateProof]; raw != "" {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			c.logger.WithField("peer", rec.AgentID).Warnf("Ignoring malformed certificate proof: %v", err)
			return
		}
		proof = decoded
	}
	if err := c.keys.ImportPeer(ctx, rec.AgentID, []byte(pem), proof); err != nil {
		c.logger.WithField("peer", rec.AgentID).Warnf("Ignoring published certificate: %v", err)
	}
}

func outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}
