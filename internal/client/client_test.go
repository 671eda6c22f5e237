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

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a2ahub/a2a-engine/internal/config"
	"github.com/a2ahub/a2a-engine/internal/discovery"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/identity"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/mcpsign"
	"github.com/a2ahub/a2a-engine/internal/messaging"
	"github.com/a2ahub/a2a-engine/internal/metrics"
	"github.com/a2ahub/a2a-engine/internal/registry"
	"github.com/a2ahub/a2a-engine/internal/storage"
	"github.com/a2ahub/a2a-engine/internal/transport"
	"github.com/a2ahub/a2a-engine/internal/types"
)

type node struct {
	client *Client
	agent  *Agent
	ids    *identity.Manager
	url    string
}

func newRegistry() *registry.Registry {
	return registry.NewRegistry(storage.NewMemoryRegistryStore(), logging.Discard())
}

// startNode runs an agent behind its own HTTP server, registered in reg
func startNode(t *testing.T, reg *registry.Registry, agentID, tenant string, caps ...types.Capability) *node {
	t.Helper()

	ids := identity.NewManager(identity.NewMemoryStore(), config.IdentityConfig{}, logging.Discard())
	disc := discovery.NewService(reg, config.DiscoveryConfig{}, logging.Discard())
	layer := transport.NewLayer(config.TransportConfig{}, config.MessageConfig{Timeout: 10 * time.Second},
		logging.Discard(), transport.WithResolver(disc))
	t.Cleanup(func() { _ = layer.Close() })

	msgs := messaging.NewManager(config.MessageConfig{}, logging.Discard())
	c := New(Config{AgentID: agentID, TenantID: tenant}, msgs, layer, logging.Discard(),
		WithDiscovery(disc), WithKeys(ids))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	transport.NewServer(c.HandleInbound, layer, 1<<20, logging.Discard(), nil).RegisterRoutes(router)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	a := NewAgent(c, reg, ids, AgentConfig{Capabilities: caps, Endpoint: ts.URL, HeartbeatInterval: time.Hour})
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	return &node{client: c, agent: a, ids: ids, url: ts.URL}
}

type analyzeParams struct {
	X int `json:"x"`
}

type analyzeResult struct {
	Result int `json:"result"`
}

func TestSecureRequestResponseEndToEnd(t *testing.T) {
	reg := newRegistry()
	a := startNode(t, reg, "agent-a", "acme", types.CapabilityAnalysis)
	b := startNode(t, reg, "agent-b", "acme", types.CapabilityReporting)

	var sawEncrypted atomic.Bool
	require.NoError(t, Handle(a.client, "analyze", func(ctx context.Context, req Request[analyzeParams]) (analyzeResult, error) {
		sawEncrypted.Store(req.Encrypted)
		assert.Equal(t, "agent-b", req.SenderID)
		return analyzeResult{Result: req.Params.X * 42}, nil
	}))

	agents, err := b.client.Discover(context.Background(), types.CapabilityAnalysis)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-a", agents[0].AgentID)

	req, err := b.client.NewRequest("agent-a", "analyze", analyzeParams{X: 1})
	require.NoError(t, err)
	resp, err := b.client.Deliver(context.Background(), req, true)
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.True(t, sawEncrypted.Load())
	assert.Equal(t, types.MessageTypeResponse, resp.Header.MessageType)
	assert.Equal(t, "agent-a", resp.Header.SenderID)
	assert.Equal(t, "agent-b", resp.Header.RecipientID)
	assert.Equal(t, req.Header.MessageID, resp.Header.CorrelationID)

	var out analyzeResult
	require.NoError(t, json.Unmarshal(resp.Payload, &out))
	assert.Equal(t, 42, out.Result)
}

func TestSendPlaintextFailureResponse(t *testing.T) {
	reg := newRegistry()
	a := startNode(t, reg, "agent-a", "acme", types.CapabilityAnalysis)
	b := startNode(t, reg, "agent-b", "acme")

	require.NoError(t, Handle(a.client, "reject", func(ctx context.Context, req Request[map[string]any]) (any, error) {
		return nil, a2aerrors.New(a2aerrors.ErrForbidden, "not today")
	}))
	require.NoError(t, Handle(a.client, "crash", func(ctx context.Context, req Request[map[string]any]) (any, error) {
		return nil, errors.New("nil pointer in ledger 7")
	}))

	resp, err := b.client.Send(context.Background(), "agent-a", "reject", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrForbidden))
	assert.Contains(t, err.Error(), "not today")

	_, err = b.client.Send(context.Background(), "agent-a", "crash", nil)
	require.Error(t, err)
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrHandlerFailed))
	assert.NotContains(t, err.Error(), "ledger 7")

	_, err = b.client.Send(context.Background(), "agent-a", "missing", nil)
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrUnknownAction))
}

func TestSendUnknownRecipient(t *testing.T) {
	reg := newRegistry()
	b := startNode(t, reg, "agent-b", "acme")

	_, err := b.client.Send(context.Background(), "agent-z", "analyze", nil)
	require.Error(t, err)
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrUnknownAgent))
}

func TestBroadcastCapability(t *testing.T) {
	reg := newRegistry()
	var calls atomic.Int32
	for _, id := range []string{"worker-1", "worker-2", "worker-3"} {
		n := startNode(t, reg, id, "acme", types.CapabilityDataProcessing)
		require.NoError(t, Handle(n.client, "process", func(ctx context.Context, req Request[map[string]int]) (map[string]string, error) {
			calls.Add(1)
			return map[string]string{"worker": n.client.AgentID()}, nil
		}))
	}
	sender := startNode(t, reg, "worker-0", "acme", types.CapabilityDataProcessing)

	results, err := sender.client.BroadcastCapability(context.Background(), types.CapabilityDataProcessing, "process", map[string]int{"n": 1})
	require.NoError(t, err)
	require.Len(t, results, 3, "sender is excluded")
	for _, r := range results {
		assert.NoError(t, r.Error)
		require.NotNil(t, r.Response)
		assert.Equal(t, r.Recipient, r.Response.Header.SenderID)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestBroadcastPartialFailure(t *testing.T) {
	reg := newRegistry()
	ok := startNode(t, reg, "agent-ok", "acme")
	require.NoError(t, Handle(ok.client, "ping", func(ctx context.Context, req Request[struct{}]) (string, error) {
		return "pong", nil
	}))
	sender := startNode(t, reg, "agent-s", "acme")

	results := sender.client.Broadcast(context.Background(), []string{"agent-ok", "agent-gone"}, "ping", nil)
	require.Len(t, results, 2)
	assert.Equal(t, "agent-ok", results[0].Recipient)
	assert.NoError(t, results[0].Error)
	assert.Equal(t, "agent-gone", results[1].Recipient)
	assert.Error(t, results[1].Error)
}

func TestBroadcastCancelled(t *testing.T) {
	reg := newRegistry()
	sender := startNode(t, reg, "agent-s", "acme")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := sender.client.Broadcast(ctx, []string{"agent-a", "agent-b"}, "ping", nil)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Error(t, r.Error, r.Recipient)
		assert.Nil(t, r.Response)
	}
}

func TestHandleInboundGate(t *testing.T) {
	msgs := messaging.NewManager(config.MessageConfig{}, logging.Discard())
	var seen []Inbound
	c := New(Config{AgentID: "agent-a", TenantID: "acme"}, msgs, nil, logging.Discard(),
		WithInboundGate(func(ctx context.Context, in Inbound) error {
			seen = append(seen, in)
			if in.Action == "forbidden" {
				return a2aerrors.New(a2aerrors.ErrToolNotAllowed, "no")
			}
			return nil
		}))
	require.NoError(t, Handle(c, "double", func(ctx context.Context, req Request[analyzeParams]) (analyzeResult, error) {
		return analyzeResult{Result: req.Params.X * 2}, nil
	}))

	out, err := c.HandleInbound(context.Background(), request(t, msgs, "agent-a", "double", analyzeParams{X: 2}))
	require.NoError(t, err)
	require.NotNil(t, out)

	_, err = c.HandleInbound(context.Background(), request(t, msgs, "agent-a", "forbidden", nil))
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrToolNotAllowed), "got %v", err)

	require.Len(t, seen, 2)
	assert.Equal(t, "double", seen[0].Action)
	assert.Equal(t, "agent-a", seen[0].AgentID)
	assert.Equal(t, "acme", seen[0].TenantID)
	assert.Equal(t, "agent-b", seen[0].Message.Header.SenderID)
}

func TestHandleInboundBindsCallerToSender(t *testing.T) {
	c, msgs := inboundClient(t)

	ctx := mcpsign.WithHeaders(context.Background(), mcpsign.NewHeaders("acme", "agent-x"))
	_, err := c.HandleInbound(ctx, request(t, msgs, "agent-a", "double", analyzeParams{X: 1}))
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrForbidden), "got %v", err)

	ctx = mcpsign.WithHeaders(context.Background(), mcpsign.NewHeaders("acme", "agent-b"))
	out, err := c.HandleInbound(ctx, request(t, msgs, "agent-a", "double", analyzeParams{X: 1}))
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestHandleRejectsDuplicates(t *testing.T) {
	c := New(Config{AgentID: "agent-a"}, messaging.NewManager(config.MessageConfig{}, logging.Discard()), nil, logging.Discard())
	fn := func(ctx context.Context, req Request[struct{}]) (struct{}, error) { return struct{}{}, nil }

	require.NoError(t, Handle(c, "one", fn))
	assert.Error(t, Handle(c, "one", fn))
	assert.Error(t, Handle(c, "", fn))
	assert.Equal(t, []string{"one"}, c.Actions())
}

func inboundClient(t *testing.T) (*Client, *messaging.Manager) {
	t.Helper()
	msgs := messaging.NewManager(config.MessageConfig{}, logging.Discard())
	c := New(Config{AgentID: "agent-a"}, msgs, nil, logging.Discard())
	require.NoError(t, Handle(c, "double", func(ctx context.Context, req Request[analyzeParams]) (analyzeResult, error) {
		return analyzeResult{Result: req.Params.X * 2}, nil
	}))
	return c, msgs
}

func request(t *testing.T, msgs *messaging.Manager, recipient, action string, params any, opts ...messaging.MessageOption) types.Envelope {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	msg, err := msgs.CreateMessage("agent-b", recipient, types.MessageTypeRequest,
		types.RequestPayload{Action: action, Parameters: raw, SenderID: "agent-b", Timestamp: time.Now()}, opts...)
	require.NoError(t, err)
	return types.NewEnvelope(msg)
}

func TestHandleInbound(t *testing.T) {
	c, msgs := inboundClient(t)

	t.Run("dispatches request", func(t *testing.T) {
		out, err := c.HandleInbound(context.Background(), request(t, msgs, "agent-a", "double", analyzeParams{X: 21}))
		require.NoError(t, err)
		require.NotNil(t, out)
		resp := out.Body.(*types.Message)
		assert.JSONEq(t, `{"result":42}`, string(resp.Payload))
	})

	t.Run("invalid parameters answer with failure", func(t *testing.T) {
		out, err := c.HandleInbound(context.Background(), request(t, msgs, "agent-a", "double", map[string]string{"x": "NaN"}))
		require.NoError(t, err)
		var p types.ErrorPayload
		require.NoError(t, json.Unmarshal(out.Body.(*types.Message).Payload, &p))
		assert.False(t, p.Success)
		assert.Equal(t, string(a2aerrors.ErrValidationFailed), p.Code)
	})

	t.Run("wrong recipient", func(t *testing.T) {
		_, err := c.HandleInbound(context.Background(), request(t, msgs, "agent-c", "double", nil))
		assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrUnknownAgent))
	})

	t.Run("replay rejected", func(t *testing.T) {
		env := request(t, msgs, "agent-a", "double", analyzeParams{X: 1})
		_, err := c.HandleInbound(context.Background(), env)
		require.NoError(t, err)
		_, err = c.HandleInbound(context.Background(), env)
		assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrMessageValidationFailed))
	})

	t.Run("expired", func(t *testing.T) {
		env := request(t, msgs, "agent-a", "double", nil, messaging.WithTTL(1))
		env.Body.(*types.Message).Header.Timestamp = time.Now().Add(-time.Minute)
		_, err := c.HandleInbound(context.Background(), env)
		assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrMessageExpired))
	})

	t.Run("heartbeat accepted", func(t *testing.T) {
		msg, err := msgs.CreateMessage("agent-b", "agent-a", types.MessageTypeHeartbeat, nil)
		require.NoError(t, err)
		out, err := c.HandleInbound(context.Background(), types.NewEnvelope(msg))
		require.NoError(t, err)
		assert.Nil(t, out)
	})

	t.Run("encrypted without keys", func(t *testing.T) {
		enc := &types.EncryptedMessage{Header: request(t, msgs, "agent-a", "double", nil).Header()}
		_, err := c.HandleInbound(context.Background(), types.NewEnvelope(enc))
		assert.Error(t, err)
	})
}

func TestDeliverRecordsMetrics(t *testing.T) {
	reg := newRegistry()
	a := startNode(t, reg, "agent-a", "acme")
	require.NoError(t, Handle(a.client, "ping", func(ctx context.Context, req Request[struct{}]) (string, error) {
		return "pong", nil
	}))

	sm := metrics.NewSimpleMetrics()
	disc := discovery.NewService(reg, config.DiscoveryConfig{}, logging.Discard())
	layer := transport.NewLayer(config.TransportConfig{}, config.MessageConfig{}, logging.Discard(), transport.WithResolver(disc))
	c := New(Config{AgentID: "agent-m"}, messaging.NewManager(config.MessageConfig{}, logging.Discard()), layer,
		logging.Discard(), WithMetrics(sm))

	_, err := c.Send(context.Background(), "agent-a", "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sm.Count("messages", "outbound:REQUEST:success"))
}

func TestAgentLifecycle(t *testing.T) {
	reg := newRegistry()
	n := startNode(t, reg, "agent-l", "acme", types.CapabilityCompliance)

	rec, err := reg.GetAgent("agent-l")
	require.NoError(t, err)
	assert.Equal(t, "acme", rec.TenantID)
	assert.Equal(t, n.url, rec.Endpoint())
	assert.Contains(t, rec.Metadata[types.MetadataCertificate], "BEGIN CERTIFICATE")

	assert.True(t, a2aerrors.IsCode(n.agent.Start(context.Background()), a2aerrors.ErrInvalidState))

	require.NoError(t, n.agent.Stop(context.Background()))
	_, err = reg.GetAgent("agent-l")
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrUnknownAgent))
	require.NoError(t, n.agent.Stop(context.Background()), "stop is idempotent")
}
