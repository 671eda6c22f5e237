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

package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/a2ahub/a2a-engine/internal/client"
	"github.com/a2ahub/a2a-engine/internal/config"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/mcpsign"
	"github.com/a2ahub/a2a-engine/internal/messaging"
	"github.com/a2ahub/a2a-engine/internal/metrics"
	"github.com/a2ahub/a2a-engine/internal/transport"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// ProtocolLocal is the protocol label for in-process deliveries
const ProtocolLocal = "local"

// Keyring provisions local identities and trusts peers; *identity.Manager
// satisfies it
type Keyring interface {
	client.Keys
	client.Identities
}

// AgentSpec describes a local agent to host
type AgentSpec struct {
	AgentID      string             `json:"agent_id"`
	TenantID     string             `json:"tenant_id,omitempty"`
	Capabilities []types.Capability `json:"capabilities"`
	Services     []string           `json:"services,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
}

// ProtocolManager hosts the agents of one node. Envelopes between local
// agents are handed over in process; everything else goes to the remote
// sender.
type ProtocolManager struct {
	msgCfg    config.MessageConfig
	remote    client.Sender
	registrar client.Registrar
	discovery client.Discoverer
	keys      Keyring
	endpoint  string
	heartbeat time.Duration
	logger    *logging.Logger
	metrics   metrics.MetricsProvider
	gate      client.InboundGate

	mu     sync.RWMutex
	agents map[string]*client.Agent
}

// ProtocolOption configures a ProtocolManager
type ProtocolOption func(*ProtocolManager)

// WithKeyring gives hosted agents identities for secure messaging
func WithKeyring(k Keyring) ProtocolOption {
	return func(pm *ProtocolManager) { pm.keys = k }
}

// WithInboundGate admits inbound messages for every hosted agent
func WithInboundGate(g client.InboundGate) ProtocolOption {
	return func(pm *ProtocolManager) { pm.gate = g }
}

// WithDiscoverer lets hosted agents discover peers
func WithDiscoverer(d client.Discoverer) ProtocolOption {
	return func(pm *ProtocolManager) { pm.discovery = d }
}

// WithEndpoint is the transport URL advertised for hosted agents
func WithEndpoint(url string) ProtocolOption {
	return func(pm *ProtocolManager) { pm.endpoint = url }
}

// WithHeartbeatInterval sets how often hosted agents refresh the registry
func WithHeartbeatInterval(d time.Duration) ProtocolOption {
	return func(pm *ProtocolManager) { pm.heartbeat = d }
}

// WithProtocolMetrics records local deliveries and hosted agent traffic
func WithProtocolMetrics(m metrics.MetricsProvider) ProtocolOption {
	return func(pm *ProtocolManager) { pm.metrics = m }
}

// NewProtocolManager creates a manager. Each hosted agent gets its own
// message manager built from msgCfg. remote may be nil for a node that only
// relays between its own agents.
func NewProtocolManager(msgCfg config.MessageConfig, remote client.Sender, registrar client.Registrar, logger *logging.Logger, opts ...ProtocolOption) *ProtocolManager {
	pm := &ProtocolManager{
		msgCfg:    msgCfg,
		remote:    remote,
		registrar: registrar,
		logger:    logger.WithComponent("protocol"),
		metrics:   metrics.NoopMetrics{},
		agents:    make(map[string]*client.Agent),
	}
	for _, opt := range opts {
		opt(pm)
	}
	return pm
}

// CreateAgent builds, registers and starts a hosted agent
func (pm *ProtocolManager) CreateAgent(ctx context.Context, spec AgentSpec) (*client.Agent, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, exists := pm.agents[spec.AgentID]; exists {
		return nil, a2aerrors.Newf(a2aerrors.ErrInvalidState, "agent %s is already hosted", spec.AgentID)
	}

	opts := []client.Option{client.WithMetrics(pm.metrics)}
	if pm.gate != nil {
		opts = append(opts, client.WithInboundGate(pm.gate))
	}
	if pm.discovery != nil {
		opts = append(opts, client.WithDiscovery(pm.discovery))
	}
	var identities client.Identities
	if pm.keys != nil {
		opts = append(opts, client.WithKeys(pm.keys))
		identities = pm.keys
	}

	messages := messaging.NewManager(pm.msgCfg, pm.logger, messaging.WithMetrics(pm.metrics))
	c := client.New(client.Config{AgentID: spec.AgentID, TenantID: spec.TenantID}, messages, pm, pm.logger, opts...)
	agent := client.NewAgent(c, pm.registrar, identities, client.AgentConfig{
		Capabilities:      spec.Capabilities,
		Services:          spec.Services,
		Endpoint:          pm.endpoint,
		Metadata:          spec.Metadata,
		HeartbeatInterval: pm.heartbeat,
	})
	if err := agent.Start(ctx); err != nil {
		return nil, err
	}
	pm.agents[spec.AgentID] = agent
	return agent, nil
}

// RemoveAgent stops and unregisters a hosted agent
func (pm *ProtocolManager) RemoveAgent(ctx context.Context, agentID string) error {
	pm.mu.Lock()
	agent, ok := pm.agents[agentID]
	delete(pm.agents, agentID)
	pm.mu.Unlock()
	if !ok {
		return a2aerrors.Newf(a2aerrors.ErrUnknownAgent, "agent %s is not hosted here", agentID)
	}
	return agent.Stop(ctx)
}

// Agent returns a hosted agent
func (pm *ProtocolManager) Agent(agentID string) (*client.Agent, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	a, ok := pm.agents[agentID]
	return a, ok
}

// Agents lists hosted agent IDs
func (pm *ProtocolManager) Agents() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]string, 0, len(pm.agents))
	for id := range pm.agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SendMessage delivers env to a hosted agent in process, or through the
// remote sender. It lets hosted clients use the manager as their sender.
func (pm *ProtocolManager) SendMessage(ctx context.Context, targetID string, env types.Envelope, opts transport.SendOptions) (*transport.SendResult, error) {
	agent, local := pm.Agent(targetID)
	if !local {
		if pm.remote == nil {
			return nil, a2aerrors.Newf(a2aerrors.ErrUnknownAgent, "no route to agent %s", targetID)
		}
		return pm.remote.SendMessage(ctx, targetID, env, opts)
	}

	// the peer call being handled, if any, is not this message's origin
	ctx = mcpsign.WithHeaders(transport.WithoutPeer(ctx), nil)

	start := time.Now()
	resp, err := agent.HandleInbound(ctx, env)
	pm.metrics.RecordTransport(targetID, ProtocolLocal, err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	return &transport.SendResult{
		Success:  true,
		Response: resp,
		Protocol: ProtocolLocal,
		Latency:  time.Since(start),
	}, nil
}

// Relay is the inbound handler for a node hosting several agents. It
// routes by recipient; BROADCAST envelopes reach every hosted agent except
// the sender.
func (pm *ProtocolManager) Relay(ctx context.Context, env types.Envelope) (*types.Envelope, error) {
	h := env.Header()
	if h.RecipientID == types.BroadcastRecipient {
		pm.mu.RLock()
		targets := make([]*client.Agent, 0, len(pm.agents))
		for id, a := range pm.agents {
			if id != h.SenderID {
				targets = append(targets, a)
			}
		}
		pm.mu.RUnlock()

		for _, a := range targets {
			if _, err := a.HandleInbound(ctx, env); err != nil {
				pm.logger.WithField("agent_id", a.AgentID()).Warnf("Broadcast delivery failed: %v", err)
			}
		}
		return nil, nil
	}

	agent, ok := pm.Agent(h.RecipientID)
	if !ok {
		return nil, a2aerrors.Newf(a2aerrors.ErrUnknownAgent, "agent %s is not hosted here", h.RecipientID)
	}
	return agent.HandleInbound(ctx, env)
}

// CleanupSeen drops elapsed replay entries of every hosted agent
func (pm *ProtocolManager) CleanupSeen() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	removed := 0
	for _, a := range pm.agents {
		removed += a.Messages().CleanupSeen()
	}
	return removed
}

// Shutdown stops every hosted agent
func (pm *ProtocolManager) Shutdown(ctx context.Context) error {
	pm.mu.Lock()
	agents := pm.agents
	pm.agents = make(map[string]*client.Agent)
	pm.mu.Unlock()

	var firstErr error
	for id, a := range agents {
		if err := a.Stop(ctx); err != nil {
			pm.logger.WithField("agent_id", id).Error("Failed to stop agent", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
