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

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/a2ahub/a2a-engine/internal/auth"
	"github.com/a2ahub/a2a-engine/internal/config"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/metrics"
	"github.com/a2ahub/a2a-engine/internal/middleware"
	"github.com/a2ahub/a2a-engine/internal/runtime"
)

// Server is the node's HTTP front: the agent transport plus the node API
type Server struct {
	config     *config.Config
	rt         *runtime.Runtime
	httpServer *http.Server
	router     *gin.Engine
	logger     *logging.Logger
	metrics    metrics.MetricsProvider
}

// New creates the HTTP server for a built runtime
func New(rt *runtime.Runtime) (*Server, error) {
	cfg := rt.Config

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		config:  cfg,
		rt:      rt,
		router:  gin.New(),
		logger:  rt.Logger.WithComponent("server"),
		metrics: rt.Metrics,
	}

	server.setupMiddleware()
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.TLS.Enabled {
		server.httpServer.TLSConfig = server.createTLSConfig()
	}

	return server, nil
}

// Start serves until Shutdown. http.ErrServerClosed is reported as nil.
func (s *Server) Start() error {
	s.logger.WithFields(map[string]interface{}{
		"address":  s.config.Server.Address,
		"tls":      s.config.TLS.Enabled,
		"agent_id": s.config.Server.AgentID,
	}).Info("Starting A2A node")

	var err error
	if s.config.TLS.Enabled {
		err = s.httpServer.ListenAndServeTLS(s.config.TLS.CertFile, s.config.TLS.KeyFile)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GetRouter returns the Gin router for testing purposes
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

// setupMiddleware installs the middleware shared by every route. Auth and
// tenant checks are attached to the /v1 group only; agent transport
// messages carry their own signatures.
func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.rt.Logger, s.metrics))
	s.router.Use(middleware.CORS())
	s.router.Use(middleware.SecurityHeaders())
	s.router.Use(middleware.RateLimit(s.rt.IPLimiter))
	s.router.Use(middleware.RequestSizeLimit(s.config.Message.MaxSize))
	s.router.Use(middleware.ProtocolVersion(s.config.Protocol.Version))
}

// setupRoutes configures routes for the server
func (s *Server) setupRoutes() {
	server := s

	server.router.GET("/health", server.handleHealth)
	server.router.GET("/ready", server.handleReady)
	if server.rt.Prometheus != nil {
		server.router.GET("/metrics", gin.WrapH(server.rt.Prometheus.Handler()))
	}

	// Agent transport
	a2a := server.router.Group("", middleware.MCPVerify(server.rt.MCP, server.config.MCP.MaxSignatureAge, server.config.MCP.RequireSignature))
	server.rt.Inbound.RegisterRoutes(a2a)

	// Registry listing doubles as the federation endpoint other nodes
	// query, so discovery stays public
	public := server.router.Group("/v1")
	public.Use(middleware.PrincipalRateLimit(server.rt.Security))
	{
		public.GET("/agents", server.handleListAgents)
		public.GET("/discovery", server.handleDiscover)
	}

	v1 := server.router.Group("/v1")
	v1.Use(middleware.Auth(server.config.Auth, server.rt.Auth))
	v1.Use(middleware.PrincipalRateLimit(server.rt.Security))
	{
		v1.POST("/agents", server.guard(auth.DomainRegistry, auth.OpWrite), server.handleRegisterAgent)
		v1.DELETE("/agents/:id", server.guard(auth.DomainRegistry, auth.OpDelete), server.handleUnregisterAgent)
		v1.POST("/agents/:id/heartbeat", server.guard(auth.DomainRegistry, auth.OpWrite), server.handleHeartbeat)

		v1.POST("/workflows", server.guard(auth.DomainWorkflow, auth.OpExecute), server.handleCreateWorkflow)
		v1.GET("/workflows", server.guard(auth.DomainWorkflow, auth.OpRead), server.handleListWorkflows)
		v1.GET("/workflows/:id", server.guard(auth.DomainWorkflow, auth.OpRead), server.handleGetWorkflow)
		v1.POST("/workflows/:id/cancel", server.guard(auth.DomainWorkflow, auth.OpExecute), server.handleCancelWorkflow)
		v1.POST("/workflows/:id/pause", server.guard(auth.DomainWorkflow, auth.OpExecute), server.handlePauseWorkflow)
		v1.POST("/workflows/:id/resume", server.guard(auth.DomainWorkflow, auth.OpExecute), server.handleResumeWorkflow)
	}

	// Admin routes accept either an admin key or an admin-scoped token, so
	// the bearer token is optional here and AdminAuth decides
	optional := server.config.Auth
	optional.RequireAuth = false
	admin := server.router.Group("/v1")
	admin.Use(middleware.Auth(optional, server.rt.Auth))
	admin.Use(middleware.AdminAuth(server.config.Auth))
	{
		admin.POST("/tokens", server.handleIssueToken)
		admin.GET("/tenants", server.handleListTenants)
		admin.POST("/tenants", server.handleAddTenant)
		admin.POST("/mcp/keys", server.handleIssueMCPKey)
		admin.POST("/mcp/keys/:agent/rotate", server.handleRotateMCPKeys)
		admin.GET("/security/alerts", server.handleListAlerts)
		admin.POST("/security/alerts/:id/resolve", server.handleResolveAlert)
		admin.GET("/security/stats", server.handleSecurityStats)
		admin.GET("/tenancy/audit", server.handleAudit)
	}
}

// guard enforces tenant isolation for domain:op. Anonymous callers pass
// through when authentication is not required; a presented token is always
// checked. Tokens holding the admin scope act unscoped.
func (s *Server) guard(domain auth.Domain, op auth.Operation) gin.HandlerFunc {
	tenantGuard := middleware.TenantGuard(s.rt.Tenancy, domain, op)
	adminScope := auth.NewScope(auth.DomainAdmin, auth.OpAdmin, auth.Wildcard, auth.Wildcard)
	return func(c *gin.Context) {
		claims, ok := middleware.ClaimsFrom(c)
		if !ok && !s.config.Auth.RequireAuth {
			c.Next()
			return
		}
		if ok && auth.HasScope(claims, adminScope) {
			c.Set(middleware.KeyAdmin, true)
		}
		tenantGuard(c)
	}
}

// createTLSConfig creates TLS configuration
func (s *Server) createTLSConfig() *tls.Config {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}

	// cipher suites only apply to TLS 1.2; 1.3 suites are fixed by Go
	switch s.config.TLS.MinVersion {
	case "1.2":
		tlsConfig.MinVersion = tls.VersionTLS12
	default:
		tlsConfig.MinVersion = tls.VersionTLS13
	}

	return tlsConfig
}

// handleHealth handles health check requests (liveness)
func (s *Server) handleHealth(c *gin.Context) {
	health := s.checkHealth()

	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, health)
}

// handleReady handles readiness check requests (readiness)
func (s *Server) handleReady(c *gin.Context) {
	readiness := s.checkReadiness(c.Request.Context())

	statusCode := http.StatusOK
	if !readiness.Ready {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, readiness)
}

// HealthStatus represents the health status of the node
type HealthStatus struct {
	Status     string            `json:"status"`
	Healthy    bool              `json:"healthy"`
	Timestamp  time.Time         `json:"timestamp"`
	Version    string            `json:"version"`
	AgentID    string            `json:"agent_id"`
	Components map[string]string `json:"components"`
}

// ReadinessStatus represents the readiness status of the node
type ReadinessStatus struct {
	Status       string            `json:"status"`
	Ready        bool              `json:"ready"`
	Timestamp    time.Time         `json:"timestamp"`
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies"`
}

// checkHealth performs basic health checks (liveness)
func (s *Server) checkHealth() HealthStatus {
	healthy := true
	components := make(map[string]string)

	check := func(name string, ok bool) {
		if ok {
			components[name] = "healthy"
			return
		}
		healthy = false
		components[name] = "not_initialized"
	}
	check("router", s.router != nil)
	check("registry", s.rt.Registry != nil)
	check("discovery", s.rt.Discovery != nil)
	check("transport", s.rt.Transport != nil)
	check("orchestrator", s.rt.Orchestrator != nil)
	check("identity", s.rt.Identities != nil)

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthStatus{
		Status:     status,
		Healthy:    healthy,
		Timestamp:  time.Now().UTC(),
		Version:    s.config.Protocol.Version,
		AgentID:    s.config.Server.AgentID,
		Components: components,
	}
}

// checkReadiness checks the backing stores and the node agent
func (s *Server) checkReadiness(ctx context.Context) ReadinessStatus {
	ready := true
	dependencies := make(map[string]string)

	if err := s.rt.Registry.HealthCheck(ctx); err != nil {
		ready = false
		dependencies["registry_store"] = "unavailable"
		s.logger.Warnf("Registry store not ready: %v", err)
	} else {
		dependencies["registry_store"] = "ready"
	}

	if _, err := s.rt.Identities.Load(ctx, s.config.Server.AgentID); err != nil {
		ready = false
		dependencies["node_identity"] = "unavailable"
	} else {
		dependencies["node_identity"] = "ready"
	}

	if _, ok := s.rt.Agents.Agent(s.config.Server.AgentID); ok {
		dependencies["node_agent"] = "ready"
	} else {
		ready = false
		dependencies["node_agent"] = "not_running"
	}

	if s.config.Discovery.ExternalRegistry != "" {
		dependencies["external_registry"] = "configured"
	} else {
		dependencies["external_registry"] = "not_configured"
	}

	status := "ready"
	if !ready {
		status = "not_ready"
	}

	return ReadinessStatus{
		Status:       status,
		Ready:        ready,
		Timestamp:    time.Now().UTC(),
		Version:      s.config.Protocol.Version,
		Dependencies: dependencies,
	}
}
