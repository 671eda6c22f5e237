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
	"encoding/base64"
	"sync"
	"time"

	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/identity"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// DefaultHeartbeatInterval is the registry refresh period when unset
const DefaultHeartbeatInterval = 30 * time.Second

// Registrar records agent presence; *registry.Registry satisfies it
type Registrar interface {
	RegisterAgent(ctx context.Context, rec *types.AgentRecord) error
	UnregisterAgent(ctx context.Context, agentID string) error
	Heartbeat(ctx context.Context, agentID string) error
}

// Identities provisions the agent's own identity; *identity.Manager
// satisfies it
type Identities interface {
	Ensure(ctx context.Context, agentID string) (*identity.Identity, error)
}

// AgentConfig describes how an agent advertises itself
type AgentConfig struct {
	Capabilities      []types.Capability
	Services          []string
	Endpoint          string
	Metadata          map[string]string
	HeartbeatInterval time.Duration
}

// Agent is a Client that keeps itself registered while running
type Agent struct {
	*Client

	cfg        AgentConfig
	registrar  Registrar
	identities Identities

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewAgent wraps c. identities may be nil when the agent does not publish
// a certificate.
func NewAgent(c *Client, registrar Registrar, identities Identities, cfg AgentConfig) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Agent{
		Client:     c,
		cfg:        cfg,
		registrar:  registrar,
		identities: identities,
	}
}

// Record builds the registry record the agent advertises
func (a *Agent) Record(ctx context.Context) (*types.AgentRecord, error) {
	meta := make(map[string]string, len(a.cfg.Metadata)+2)
	for k, v := range a.cfg.Metadata {
		meta[k] = v
	}
	if a.cfg.Endpoint != "" {
		meta[types.MetadataEndpoint] = a.cfg.Endpoint
	}
	if a.identities != nil {
		id, err := a.identities.Ensure(ctx, a.AgentID())
		if err != nil {
			return nil, err
		}
		meta[types.MetadataCertificate] = string(id.CertPEM)
		if len(id.ReplacementProof) > 0 {
			meta[types.MetadataCertificateProof] = base64.StdEncoding.EncodeToString(id.ReplacementProof)
		}
	}
	return &types.AgentRecord{
		AgentID:      a.AgentID(),
		TenantID:     a.Client.cfg.TenantID,
		Capabilities: a.cfg.Capabilities,
		Services:     a.cfg.Services,
		Metadata:     meta,
		Status:       types.AgentStateActive,
	}, nil
}

// Refresh re-registers the agent's current record, publishing a rotated
// certificate
func (a *Agent) Refresh(ctx context.Context) error {
	rec, err := a.Record(ctx)
	if err != nil {
		return err
	}
	return a.registrar.RegisterAgent(ctx, rec)
}

// Start registers the agent and begins heartbeating until Stop
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return a2aerrors.Newf(a2aerrors.ErrInvalidState, "agent %s already started", a.AgentID())
	}

	rec, err := a.Record(ctx)
	if err != nil {
		return err
	}
	if err := a.registrar.RegisterAgent(ctx, rec); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	a.started = true
	go a.heartbeat(runCtx, a.done)

	a.logger.WithField("capabilities", a.cfg.Capabilities).Info("Agent started")
	return nil
}

func (a *Agent) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.registrar.Heartbeat(ctx, a.AgentID()); err != nil {
				if !a2aerrors.IsCode(err, a2aerrors.ErrNotFound) && !a2aerrors.IsCode(err, a2aerrors.ErrUnknownAgent) {
					a.logger.Warnf("Heartbeat failed: %v", err)
					continue
				}
				// swept while idle; register again
				rec, err := a.Record(ctx)
				if err == nil {
					err = a.registrar.RegisterAgent(ctx, rec)
				}
				if err != nil {
					a.logger.Warnf("Re-registration failed: %v", err)
				}
			}
		}
	}
}

// Stop ends heartbeating and unregisters the agent
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.cancel()
	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.started = false

	if err := a.registrar.UnregisterAgent(ctx, a.AgentID()); err != nil && !a2aerrors.IsCode(err, a2aerrors.ErrUnknownAgent) && !a2aerrors.IsCode(err, a2aerrors.ErrNotFound) {
		return err
	}
	a.logger.Info("Agent stopped")
	return nil
}
