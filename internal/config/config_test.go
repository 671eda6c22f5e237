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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Address != ":8443" {
		t.Errorf("Expected default address :8443, got %s", cfg.Server.Address)
	}
	if cfg.Message.MaxSize != 10*1024*1024 {
		t.Errorf("Expected 10MB max size, got %d", cfg.Message.MaxSize)
	}
	if cfg.Message.Timeout != 30*time.Second {
		t.Errorf("Expected 30s message timeout, got %s", cfg.Message.Timeout)
	}
	if cfg.Transport.ConnectionTimeout != 10*time.Second {
		t.Errorf("Expected 10s connection timeout, got %s", cfg.Transport.ConnectionTimeout)
	}
	if cfg.Transport.MaxConnections != 1000 {
		t.Errorf("Expected 1000 max connections, got %d", cfg.Transport.MaxConnections)
	}
	if cfg.Discovery.CacheTTL != 300*time.Second {
		t.Errorf("Expected 300s discovery cache ttl, got %s", cfg.Discovery.CacheTTL)
	}
	if cfg.Heartbeat.Interval != 60*time.Second || cfg.Heartbeat.FailureThreshold != 3 {
		t.Errorf("Unexpected heartbeat defaults: %+v", cfg.Heartbeat)
	}
	if cfg.Identity.KeyRotationInterval != 90*24*time.Hour {
		t.Errorf("Expected 90 day key rotation, got %s", cfg.Identity.KeyRotationInterval)
	}
	if cfg.Identity.CertRotationThreshold != 30*24*time.Hour {
		t.Errorf("Expected 30 day cert rotation threshold, got %s", cfg.Identity.CertRotationThreshold)
	}
	if cfg.MCP.MaxSignatureAge != 300*time.Second {
		t.Errorf("Expected 300s max signature age, got %s", cfg.MCP.MaxSignatureAge)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tempDir := t.TempDir()
	keysFile := filepath.Join(tempDir, "admin_keys.txt")
	if err := os.WriteFile(keysFile, []byte("admin-key-1\n"), 0600); err != nil {
		t.Fatalf("Failed to write keys file: %v", err)
	}

	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "defaults",
			mutate: func(c *Config) {},
		},
		{
			name:        "invalid agent id",
			mutate:      func(c *Config) { c.Server.AgentID = "bad agent/id" },
			expectError: true,
			errorMsg:    "invalid agent id",
		},
		{
			name:        "tls without files",
			mutate:      func(c *Config) { c.TLS.Enabled = true },
			expectError: true,
			errorMsg:    "TLS cert and key files are required",
		},
		{
			name:        "unknown protocol",
			mutate:      func(c *Config) { c.Transport.PreferredProtocol = "carrier-pigeon" },
			expectError: true,
			errorMsg:    "unsupported preferred protocol",
		},
		{
			name:        "sqlite store without path",
			mutate:      func(c *Config) { c.Identity.Store = "sqlite" },
			expectError: true,
			errorMsg:    "identity path is required",
		},
		{
			name:        "unsupported signing method",
			mutate:      func(c *Config) { c.Auth.SigningMethod = "none" },
			expectError: true,
			errorMsg:    "unsupported signing method",
		},
		{
			name:        "database storage without dsn",
			mutate:      func(c *Config) { c.Storage.Type = "database" },
			expectError: true,
			errorMsg:    "database dsn is required",
		},
		{
			name:        "missing admin key file",
			mutate:      func(c *Config) { c.Auth.AdminKeyFile = filepath.Join(tempDir, "missing.txt") },
			expectError: true,
			errorMsg:    "admin key file not found",
		},
		{
			name:   "existing admin key file",
			mutate: func(c *Config) { c.Auth.AdminKeyFile = keysFile },
		},
		{
			name:        "unknown mcp algorithm",
			mutate:      func(c *Config) { c.MCP.DefaultAlgorithm = "md5" },
			expectError: true,
			errorMsg:    "unsupported MCP algorithm",
		},
		{
			name: "mcp key without secret",
			mutate: func(c *Config) {
				c.MCP.Keys = []MCPKeyConfig{{KeyID: "k1", AgentID: "node-1", Algorithm: "hmac-sha256"}}
			},
			expectError: true,
			errorMsg:    "needs a secret",
		},
		{
			name: "shared mcp key",
			mutate: func(c *Config) {
				c.MCP.Keys = []MCPKeyConfig{{KeyID: "k1", AgentID: "node-1", Algorithm: "hmac-sha256", Secret: "00ff"}}
			},
		},
		{
			name:        "required signature without tenant",
			mutate:      func(c *Config) { c.MCP.RequireSignature = true },
			expectError: true,
			errorMsg:    "server tenant id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error message to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("A2A_AGENT_ID", "agent-env")
	t.Setenv("A2A_MESSAGE_TIMEOUT", "12s")
	t.Setenv("A2A_TRANSPORT_PEERS", "agent-a=http://a:8443, agent-b=http://b:8443")
	t.Setenv("A2A_TENANTS", "acme, globex")
	t.Setenv("A2A_AGENT_TENANTS", `{"agent-a":["acme"]}`)
	t.Setenv("A2A_RATE_LIMIT", "120")
	t.Setenv("A2A_METRICS_ENABLED", "true")

	cfg := DefaultConfig()
	loadFromEnv(cfg)

	if cfg.Server.AgentID != "agent-env" {
		t.Errorf("Expected agent-env, got %s", cfg.Server.AgentID)
	}
	if cfg.Message.Timeout != 12*time.Second {
		t.Errorf("Expected 12s timeout, got %s", cfg.Message.Timeout)
	}
	if cfg.Transport.Peers["agent-b"] != "http://b:8443" {
		t.Errorf("Expected peer agent-b, got %v", cfg.Transport.Peers)
	}
	if len(cfg.Tenancy.Tenants) != 2 || cfg.Tenancy.Tenants[1] != "globex" {
		t.Errorf("Unexpected tenants %v", cfg.Tenancy.Tenants)
	}
	if cfg.Tenancy.AgentTenants["agent-a"][0] != "acme" {
		t.Errorf("Unexpected agent tenants %v", cfg.Tenancy.AgentTenants)
	}
	if cfg.Security.RateLimit != 120 {
		t.Errorf("Expected rate limit 120, got %d", cfg.Security.RateLimit)
	}
	if cfg.Metrics == nil || !cfg.Metrics.Enabled {
		t.Error("Expected metrics to be enabled")
	}
}

func TestLoadArgs_EnvOverridesYAML(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "config.yaml")
	configContent := `server:
  agent_id: "yaml-agent"
  address: ":9000"
tenancy:
  tenants: ["acme"]
  agent_tools:
    agent-a: ["search"]
discovery:
  cache_ttl: 60s
`
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("A2A_SERVER_ADDRESS", ":9100")

	cfg, err := LoadArgs([]string{"-config", configFile})
	if err != nil {
		t.Fatalf("LoadArgs failed: %v", err)
	}

	if cfg.Server.AgentID != "yaml-agent" {
		t.Errorf("Expected YAML agent id, got %s", cfg.Server.AgentID)
	}
	if cfg.Server.Address != ":9100" {
		t.Errorf("Expected env address to override YAML, got %s", cfg.Server.Address)
	}
	if cfg.Discovery.CacheTTL != time.Minute {
		t.Errorf("Expected 60s cache ttl from YAML, got %s", cfg.Discovery.CacheTTL)
	}
	if cfg.Tenancy.AgentTools["agent-a"][0] != "search" {
		t.Errorf("Unexpected agent tools %v", cfg.Tenancy.AgentTools)
	}
	// untouched defaults survive a partial file
	if cfg.Message.MaxSize != 10*1024*1024 {
		t.Errorf("Expected default max size, got %d", cfg.Message.MaxSize)
	}
}

func TestLoadArgs_MissingFile(t *testing.T) {
	_, err := LoadArgs([]string{"-config", filepath.Join(t.TempDir(), "nope.yaml")})
	if err == nil {
		t.Fatal("Expected error for missing config file")
	}
}

func TestParsePairs(t *testing.T) {
	got := parsePairs("a=1,broken, b = 2 ,")
	if len(got) != 2 || got["a"] != "1" || got["b"] != "2" {
		t.Errorf("Unexpected pairs %v", got)
	}
}
