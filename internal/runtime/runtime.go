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

// Package runtime builds every engine component from one configuration and
// supervises the node's background loops.
package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/a2ahub/a2a-engine/internal/auth"
	"github.com/a2ahub/a2a-engine/internal/client"
	"github.com/a2ahub/a2a-engine/internal/config"
	"github.com/a2ahub/a2a-engine/internal/discovery"
	"github.com/a2ahub/a2a-engine/internal/identity"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/mcpsign"
	"github.com/a2ahub/a2a-engine/internal/metrics"
	"github.com/a2ahub/a2a-engine/internal/middleware"
	"github.com/a2ahub/a2a-engine/internal/orchestrator"
	"github.com/a2ahub/a2a-engine/internal/registry"
	"github.com/a2ahub/a2a-engine/internal/security"
	"github.com/a2ahub/a2a-engine/internal/storage"
	"github.com/a2ahub/a2a-engine/internal/tenancy"
	"github.com/a2ahub/a2a-engine/internal/transport"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// Idle client IPs are forgotten by the limiter after this long
const ipLimiterIdle = 10 * time.Minute

// Runtime owns the components of one node
type Runtime struct {
	Config  *config.Config
	Logger  *logging.Logger
	Metrics metrics.MetricsProvider
	// Prometheus is nil when metrics are disabled
	Prometheus *metrics.Metrics

	Stores       *storage.Stores
	Identities   *identity.Manager
	Auth         *auth.Manager
	MCP          *mcpsign.Service
	Security     *security.Service
	Tenancy      *tenancy.Service
	Registry     *registry.Registry
	Discovery    *discovery.Service
	Transport    *transport.Layer
	Agents       *orchestrator.ProtocolManager
	Node         *client.Agent
	Orchestrator *orchestrator.Engine
	Heartbeat    *transport.HeartbeatSender
	IPLimiter    *middleware.IPLimiter
	Inbound      *transport.Server

	identityStore identity.Store

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds a runtime from cfg. Components that open resources are closed
// again when a later step fails.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (rt *Runtime, err error) {
	rt = &Runtime{
		Config:  cfg,
		Logger:  logger.WithComponent("runtime"),
		Metrics: metrics.NoopMetrics{},
	}
	defer func() {
		if err != nil {
			rt.closeResources()
			rt = nil
		}
	}()

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		rt.Prometheus = metrics.NewMetrics()
		rt.Metrics = rt.Prometheus
	}

	rt.Stores, err = storage.NewStores(ctx, cfg.Storage, cfg.Tenancy.AuditCapacity)
	if err != nil {
		return rt, fmt.Errorf("failed to create storage: %w", err)
	}

	rt.identityStore, err = openIdentityStore(cfg.Identity)
	if err != nil {
		return rt, err
	}
	rt.Identities = identity.NewManager(rt.identityStore, cfg.Identity, logger)

	rt.Auth, err = auth.NewManager(cfg.Auth, logger)
	if err != nil {
		return rt, fmt.Errorf("failed to create auth manager: %w", err)
	}
	rt.MCP = mcpsign.NewService(cfg.MCP, logger)

	windows, err := security.NewWindowStore(ctx, cfg.Security, cfg.Redis)
	if err != nil {
		return rt, fmt.Errorf("failed to create rate limit store: %w", err)
	}
	rt.Security = security.NewService(cfg.Security, logger,
		security.WithWindowStore(windows),
		security.WithMetrics(rt.Metrics))

	rt.Tenancy = tenancy.NewService(cfg.Tenancy, rt.Stores.Audit, logger,
		tenancy.WithBlockList(rt.Security),
		tenancy.WithObserver(rt.Security.ObserveAccess),
		tenancy.WithMetrics(rt.Metrics))
	if cfg.Server.TenantID != "" {
		rt.Tenancy.AddTenant(cfg.Server.TenantID)
	}

	rt.Registry = registry.NewRegistry(rt.Stores.Registry, logger)
	loaded, err := rt.Registry.Load(ctx)
	if err != nil {
		return rt, fmt.Errorf("failed to load registry: %w", err)
	}
	if loaded > 0 {
		rt.Logger.Infof("Loaded %d agents from the registry store", loaded)
	}
	rt.Discovery = discovery.NewService(rt.Registry, cfg.Discovery, logger, discovery.WithMetrics(rt.Metrics))

	rt.Transport = transport.NewLayer(cfg.Transport, cfg.Message, logger,
		transport.WithResolver(rt.Discovery),
		transport.WithMetrics(rt.Metrics),
		transport.WithHeaderSigner(rt.outboundHeaders))

	rt.Agents = orchestrator.NewProtocolManager(cfg.Message, rt.Transport, rt.Registry, logger,
		orchestrator.WithKeyring(rt.Identities),
		orchestrator.WithDiscoverer(rt.Discovery),
		orchestrator.WithEndpoint(cfg.Server.PublicURL),
		orchestrator.WithHeartbeatInterval(cfg.Heartbeat.Interval),
		orchestrator.WithProtocolMetrics(rt.Metrics),
		orchestrator.WithInboundGate(rt.admitInbound))

	rt.Node, err = rt.Agents.CreateAgent(ctx, orchestrator.AgentSpec{
		AgentID:      cfg.Server.AgentID,
		TenantID:     cfg.Server.TenantID,
		Capabilities: []types.Capability{types.CapabilityOrchestration},
		Services:     []string{"workflow"},
	})
	if err != nil {
		return rt, fmt.Errorf("failed to start node agent %s: %w", cfg.Server.AgentID, err)
	}

	rt.Orchestrator = orchestrator.NewEngine(rt.Node.Client, cfg.Workflow, logger,
		orchestrator.WithFinder(rt.Discovery),
		orchestrator.WithMetrics(rt.Metrics))

	rt.Heartbeat = transport.NewHeartbeatSender(cfg.Server.AgentID, rt.Transport, rt.Node.Messages(),
		cfg.Heartbeat, rt.heartbeatPeers, logger)
	rt.IPLimiter = middleware.NewIPLimiter(cfg.Security.IPRate, cfg.Security.IPBurst)
	rt.Inbound = transport.NewServer(rt.Agents.Relay, rt.Transport, cfg.Message.MaxSize, logger, rt.Metrics)

	return rt, nil
}

func openIdentityStore(cfg config.IdentityConfig) (identity.Store, error) {
	switch strings.ToLower(cfg.Store) {
	case "", "memory":
		return identity.NewMemoryStore(), nil
	case "sqlite":
		store, err := identity.OpenSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open identity store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported identity store: %s", cfg.Store)
	}
}

// heartbeatPeers lists the statically configured peers and every registered
// agent hosted elsewhere that advertises an endpoint
func (rt *Runtime) heartbeatPeers() []string {
	set := make(map[string]struct{})
	for id := range rt.Config.Transport.Peers {
		set[id] = struct{}{}
	}
	for _, rec := range rt.Registry.ListAgents() {
		if rec.Endpoint() == "" {
			continue
		}
		if _, local := rt.Agents.Agent(rec.AgentID); local {
			continue
		}
		set[rec.AgentID] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Start launches the background loops. They stop when ctx is cancelled or
// Shutdown is called.
func (rt *Runtime) Start(ctx context.Context) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		return
	}
	rt.started = true

	ctx, rt.cancel = context.WithCancel(ctx)

	rt.spawn(ctx, "discovery", rt.Discovery.Run)
	rt.spawn(ctx, "heartbeat", rt.Heartbeat.Run)
	rt.every(ctx, "token-cleanup", rt.Config.Auth.CleanupInterval, func(ctx context.Context) error {
		if n := rt.Auth.CleanupExpired(); n > 0 {
			rt.Logger.Debugf("Purged %d expired tokens", n)
		}
		return nil
	})
	rt.every(ctx, "identity", rt.Config.Identity.CheckInterval, rt.checkIdentities)
	rt.every(ctx, "housekeeping", time.Minute, func(ctx context.Context) error {
		keys := rt.MCP.Cleanup()
		seen := rt.Agents.CleanupSeen()
		windows := rt.Security.Cleanup()
		ips := rt.IPLimiter.Cleanup(ipLimiterIdle)
		if keys+seen+windows+ips > 0 {
			rt.Logger.WithFields(map[string]interface{}{
				"mcp_keys":      keys,
				"seen_messages": seen,
				"activity":      windows,
				"client_ips":    ips,
			}).Debug("Housekeeping removed stale entries")
		}
		return nil
	})

	rt.Logger.WithField("agent_id", rt.Config.Server.AgentID).Info("Runtime started")
}

func (rt *Runtime) checkIdentities(ctx context.Context) error {
	rotated, err := rt.Identities.RotateDue(ctx)
	if err != nil {
		return fmt.Errorf("rotation check failed: %w", err)
	}
	for _, id := range rotated {
		rt.Logger.WithField("agent_id", id).Info("Rotated identity ahead of certificate expiry")
		if agent, ok := rt.Agents.Agent(id); ok {
			// publish the new certificate with its replacement proof
			if err := agent.Refresh(ctx); err != nil {
				rt.Logger.WithField("agent_id", id).Error("Failed to publish rotated certificate", err)
			}
		}
	}
	expired, err := rt.Identities.CleanupExpired(ctx)
	if err != nil {
		return fmt.Errorf("expiry cleanup failed: %w", err)
	}
	if expired > 0 {
		rt.Logger.Infof("Marked %d identities expired", expired)
	}
	return nil
}

func (rt *Runtime) spawn(ctx context.Context, name string, run func(context.Context)) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.Logger.WithField("loop", name).Debug("Loop started")
		run(ctx)
	}()
}

// every runs fn on each tick. Errors are logged and the loop keeps going.
func (rt *Runtime) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		interval = time.Minute
	}
	logger := rt.Logger.WithField("loop", name)
	rt.spawn(ctx, name, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					logger.Error("Background task failed", err)
				}
			}
		}
	})
}

// Shutdown stops the loops, waits for running workflows and releases every
// resource. It returns the first error encountered.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.mu.Unlock()

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		rt.Logger.Warn("Timed out waiting for background loops")
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := rt.Orchestrator.Wait(ctx); err != nil {
		rt.Logger.Warnf("Workflows still running at shutdown: %v", err)
		keep(err)
	}
	keep(rt.Agents.Shutdown(ctx))
	keep(rt.closeResources())

	rt.Logger.Info("Runtime stopped")
	return firstErr
}

func (rt *Runtime) closeResources() error {
	var firstErr error
	closeOne := func(name string, fn func() error) {
		if err := fn(); err != nil {
			rt.Logger.WithField("resource", name).Error("Failed to close", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if rt.Transport != nil {
		closeOne("transport", rt.Transport.Close)
	}
	if rt.Security != nil {
		closeOne("security", rt.Security.Close)
	}
	if rt.Stores != nil {
		closeOne("storage", rt.Stores.Close)
	}
	if rt.identityStore != nil {
		closeOne("identity", rt.identityStore.Close)
	}
	return firstErr
}
