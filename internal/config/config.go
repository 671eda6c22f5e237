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
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the node configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	TLS       TLSConfig       `yaml:"tls"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Message   MessageConfig   `yaml:"message"`
	Transport TransportConfig `yaml:"transport"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Identity  IdentityConfig  `yaml:"identity"`
	Auth      AuthConfig      `yaml:"auth"`
	MCP       MCPConfig       `yaml:"mcp"`
	Tenancy   TenancyConfig   `yaml:"tenancy"`
	Security  SecurityConfig  `yaml:"security"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   *MetricsConfig  `yaml:"metrics,omitempty"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address         string        `yaml:"address"`
	AgentID         string        `yaml:"agent_id"`
	TenantID        string        `yaml:"tenant_id"`
	PublicURL       string        `yaml:"public_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version"`
}

// ProtocolConfig holds protocol-level settings
type ProtocolConfig struct {
	Version string `yaml:"version"`
}

// MessageConfig holds message processing configuration
type MessageConfig struct {
	MaxSize              int64         `yaml:"max_size"`
	Timeout              time.Duration `yaml:"timeout"`
	DefaultTTL           int           `yaml:"default_ttl"` // seconds
	CompressionThreshold int           `yaml:"compression_threshold"`
	BatchConcurrency     int           `yaml:"batch_concurrency"`
}

// TransportConfig holds outbound transport configuration
type TransportConfig struct {
	ConnectionTimeout   time.Duration     `yaml:"connection_timeout"`
	MaxConnections      int               `yaml:"max_connections"`
	HealthCheckInterval time.Duration     `yaml:"health_check_interval"`
	PreferredProtocol   string            `yaml:"preferred_protocol"` // "http" or "websocket"
	Peers               map[string]string `yaml:"peers"`              // agent ID -> base URL
	InsecureSkipVerify  bool              `yaml:"insecure_skip_verify"`
}

// DiscoveryConfig holds registry and discovery configuration
type DiscoveryConfig struct {
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	MaxAgentAge      time.Duration `yaml:"max_agent_age"`
	ExternalRegistry string        `yaml:"external_registry"`
	ExternalTimeout  time.Duration `yaml:"external_timeout"`
}

// HeartbeatConfig holds peer heartbeat configuration
type HeartbeatConfig struct {
	Interval         time.Duration `yaml:"interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// WorkflowConfig holds orchestrator configuration
type WorkflowConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// IdentityConfig holds agent identity configuration
type IdentityConfig struct {
	Validity              time.Duration `yaml:"validity"`
	KeyRotationInterval   time.Duration `yaml:"key_rotation_interval"`
	CertRotationThreshold time.Duration `yaml:"cert_rotation_threshold"`
	CheckInterval         time.Duration `yaml:"check_interval"`
	Organization          string        `yaml:"organization"`
	Store                 string        `yaml:"store"` // "memory" or "sqlite"
	Path                  string        `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	RequireAuth       bool          `yaml:"require_auth"`
	Issuer            string        `yaml:"issuer"`
	Audience          string        `yaml:"audience"`
	SigningMethod     string        `yaml:"signing_method"` // "HS256" or "RS256"
	Secret            string        `yaml:"secret"`
	TokenTTL          time.Duration `yaml:"token_ttl"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	AdminKeyFile      string        `yaml:"admin_key_file"`
	AdminAPIKeyHeader string        `yaml:"admin_api_key_header"`
}

// MCPConfig holds MCP header signing configuration
type MCPConfig struct {
	MaxSignatureAge  time.Duration `yaml:"max_signature_age"`
	KeyTTL           time.Duration `yaml:"key_ttl"` // 0 = keys never expire
	DefaultAlgorithm string        `yaml:"default_algorithm"`
	RequireSignature bool          `yaml:"require_signature"`

	// Keys are shared across nodes so a peer can verify what this node signs
	Keys []MCPKeyConfig `yaml:"keys"`
}

// MCPKeyConfig is a pre-shared MCP signing key. HMAC keys set Secret;
// Ed25519 keys set PrivateKey to sign or only PublicKey to verify. All
// values are hex.
type MCPKeyConfig struct {
	KeyID      string `yaml:"key_id"`
	AgentID    string `yaml:"agent_id"`
	Algorithm  string `yaml:"algorithm"`
	Secret     string `yaml:"secret"`
	PrivateKey string `yaml:"private_key"`
	PublicKey  string `yaml:"public_key"`
}

// TenancyConfig holds tenant isolation policy
type TenancyConfig struct {
	Tenants       []string            `yaml:"tenants"`
	AgentTenants  map[string][]string `yaml:"agent_tenants"`
	AgentTools    map[string][]string `yaml:"agent_tools"`
	AuditCapacity int                 `yaml:"audit_capacity"`
}

// SecurityConfig holds monitoring and rate limiting configuration
type SecurityConfig struct {
	RateLimit      int           `yaml:"rate_limit"`
	Window         time.Duration `yaml:"window"`
	BlockDuration  time.Duration `yaml:"block_duration"`
	ActivityWindow time.Duration `yaml:"activity_window"`
	Backend        string        `yaml:"backend"` // "memory" or "redis"
	IPRate         float64       `yaml:"ip_rate"` // requests per second per client IP
	IPBurst        int           `yaml:"ip_burst"`
	AlertCapacity  int           `yaml:"alert_capacity"` // alerts kept in memory
}

// StorageConfig holds registry and audit persistence configuration
type StorageConfig struct {
	Type     string         `yaml:"type"` // "memory" or "database"
	Database DatabaseConfig `yaml:"database"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver         string        `yaml:"driver"`
	DSN            string        `yaml:"dsn"`
	MaxConnections int           `yaml:"max_connections"`
	MaxIdleTime    time.Duration `yaml:"max_idle_time"`
}

// RedisConfig holds redis connection configuration
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load loads configuration from the process arguments and environment
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs loads configuration from YAML file and environment variables.
// Environment variables take precedence over YAML file values.
func LoadArgs(args []string) (*Config, error) {
	fs := flag.NewFlagSet("a2a-engine", flag.ContinueOnError)
	configFile := fs.String("config", "", "Path to configuration file (YAML)")
	adminKeyFile := fs.String("admin-key-file", "", "Path to admin API key file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	if err := loadFromYAML(cfg, *configFile); err != nil {
		return nil, fmt.Errorf("failed to load YAML config: %w", err)
	}

	loadFromEnv(cfg)

	if *adminKeyFile != "" {
		cfg.Auth.AdminKeyFile = *adminKeyFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8443",
			AgentID:         "a2a-node",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		TLS: TLSConfig{
			MinVersion: "1.3",
		},
		Protocol: ProtocolConfig{
			Version: "1.0",
		},
		Message: MessageConfig{
			MaxSize:              10 * 1024 * 1024, // 10MB
			Timeout:              30 * time.Second,
			DefaultTTL:           300,
			CompressionThreshold: 1024,
			BatchConcurrency:     10,
		},
		Transport: TransportConfig{
			ConnectionTimeout:   10 * time.Second,
			MaxConnections:      1000,
			HealthCheckInterval: 30 * time.Second,
			PreferredProtocol:   "http",
			Peers:               map[string]string{},
		},
		Discovery: DiscoveryConfig{
			CacheTTL:        300 * time.Second,
			SweepInterval:   30 * time.Second,
			MaxAgentAge:     5 * time.Minute,
			ExternalTimeout: 5 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval:         60 * time.Second,
			FailureThreshold: 3,
		},
		Workflow: WorkflowConfig{
			Timeout: 300 * time.Second,
		},
		Identity: IdentityConfig{
			Validity:              365 * 24 * time.Hour,
			KeyRotationInterval:   90 * 24 * time.Hour,
			CertRotationThreshold: 30 * 24 * time.Hour,
			CheckInterval:         time.Hour,
			Organization:          "A2A Hub",
			Store:                 "memory",
		},
		Auth: AuthConfig{
			Issuer:            "a2a-engine",
			Audience:          "a2a-agents",
			SigningMethod:     "HS256",
			TokenTTL:          time.Hour,
			CleanupInterval:   5 * time.Minute,
			AdminAPIKeyHeader: "X-Admin-Key",
		},
		MCP: MCPConfig{
			MaxSignatureAge:  300 * time.Second,
			DefaultAlgorithm: "hmac-sha256",
		},
		Tenancy: TenancyConfig{
			AgentTenants:  map[string][]string{},
			AgentTools:    map[string][]string{},
			AuditCapacity: 10000,
		},
		Security: SecurityConfig{
			RateLimit:      60,
			Window:         time.Minute,
			BlockDuration:  5 * time.Minute,
			ActivityWindow: 10 * time.Minute,
			Backend:        "memory",
			IPRate:         50,
			IPBurst:        100,
			AlertCapacity:  1000,
		},
		Storage: StorageConfig{
			Type: "memory",
			Database: DatabaseConfig{
				Driver:         "postgres",
				MaxConnections: 25,
				MaxIdleTime:    5 * time.Minute,
			},
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadFromYAML loads configuration from a YAML file
func loadFromYAML(cfg *Config, configFile string) error {
	if configFile == "" {
		return nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config file %s: %w", configFile, err)
	}

	return nil
}

// loadFromEnv overrides configuration with environment variables
func loadFromEnv(cfg *Config) {
	// Server configuration
	setString(&cfg.Server.Address, "A2A_SERVER_ADDRESS")
	setString(&cfg.Server.AgentID, "A2A_AGENT_ID")
	setString(&cfg.Server.TenantID, "A2A_TENANT_ID")
	setString(&cfg.Server.PublicURL, "A2A_PUBLIC_URL")
	setDuration(&cfg.Server.ReadTimeout, "A2A_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "A2A_WRITE_TIMEOUT")
	setDuration(&cfg.Server.IdleTimeout, "A2A_IDLE_TIMEOUT")

	// TLS configuration
	cfg.TLS.Enabled = getBoolEnv("A2A_TLS_ENABLED", cfg.TLS.Enabled)
	setString(&cfg.TLS.CertFile, "A2A_TLS_CERT_FILE")
	setString(&cfg.TLS.KeyFile, "A2A_TLS_KEY_FILE")
	setString(&cfg.TLS.MinVersion, "A2A_TLS_MIN_VERSION")

	setString(&cfg.Protocol.Version, "A2A_PROTOCOL_VERSION")

	// Message configuration
	if val := getInt64Env("A2A_MESSAGE_MAX_SIZE", 0); val != 0 {
		cfg.Message.MaxSize = val
	}
	setDuration(&cfg.Message.Timeout, "A2A_MESSAGE_TIMEOUT")
	setInt(&cfg.Message.CompressionThreshold, "A2A_COMPRESSION_THRESHOLD")
	setInt(&cfg.Message.BatchConcurrency, "A2A_BATCH_CONCURRENCY")

	// Transport configuration
	setDuration(&cfg.Transport.ConnectionTimeout, "A2A_CONNECTION_TIMEOUT")
	setInt(&cfg.Transport.MaxConnections, "A2A_MAX_CONNECTIONS")
	setDuration(&cfg.Transport.HealthCheckInterval, "A2A_HEALTH_CHECK_INTERVAL")
	setString(&cfg.Transport.PreferredProtocol, "A2A_PREFERRED_PROTOCOL")
	if peers := parsePairs(os.Getenv("A2A_TRANSPORT_PEERS")); len(peers) > 0 {
		cfg.Transport.Peers = peers
	}

	// Discovery configuration
	setDuration(&cfg.Discovery.CacheTTL, "A2A_DISCOVERY_CACHE_TTL")
	setDuration(&cfg.Discovery.SweepInterval, "A2A_DISCOVERY_SWEEP_INTERVAL")
	setDuration(&cfg.Discovery.MaxAgentAge, "A2A_DISCOVERY_MAX_AGENT_AGE")
	setString(&cfg.Discovery.ExternalRegistry, "A2A_EXTERNAL_REGISTRY")

	// Heartbeat and workflow configuration
	setDuration(&cfg.Heartbeat.Interval, "A2A_HEARTBEAT_INTERVAL")
	setInt(&cfg.Heartbeat.FailureThreshold, "A2A_HEARTBEAT_FAILURE_THRESHOLD")
	setDuration(&cfg.Workflow.Timeout, "A2A_WORKFLOW_TIMEOUT")

	// Identity configuration
	setDuration(&cfg.Identity.Validity, "A2A_IDENTITY_VALIDITY")
	setDuration(&cfg.Identity.KeyRotationInterval, "A2A_KEY_ROTATION_INTERVAL")
	setDuration(&cfg.Identity.CertRotationThreshold, "A2A_CERT_ROTATION_THRESHOLD")
	setString(&cfg.Identity.Organization, "A2A_IDENTITY_ORGANIZATION")
	setString(&cfg.Identity.Store, "A2A_IDENTITY_STORE")
	setString(&cfg.Identity.Path, "A2A_IDENTITY_PATH")

	// Auth configuration
	cfg.Auth.RequireAuth = getBoolEnv("A2A_AUTH_REQUIRED", cfg.Auth.RequireAuth)
	setString(&cfg.Auth.Issuer, "A2A_AUTH_ISSUER")
	setString(&cfg.Auth.Audience, "A2A_AUTH_AUDIENCE")
	setString(&cfg.Auth.SigningMethod, "A2A_AUTH_SIGNING_METHOD")
	setString(&cfg.Auth.Secret, "A2A_AUTH_SECRET")
	setDuration(&cfg.Auth.TokenTTL, "A2A_AUTH_TOKEN_TTL")
	setString(&cfg.Auth.AdminKeyFile, "A2A_ADMIN_KEY_FILE")
	setString(&cfg.Auth.AdminAPIKeyHeader, "A2A_ADMIN_API_KEY_HEADER")

	// MCP configuration
	setDuration(&cfg.MCP.MaxSignatureAge, "A2A_MCP_MAX_SIGNATURE_AGE")
	setDuration(&cfg.MCP.KeyTTL, "A2A_MCP_KEY_TTL")
	setString(&cfg.MCP.DefaultAlgorithm, "A2A_MCP_ALGORITHM")
	cfg.MCP.RequireSignature = getBoolEnv("A2A_MCP_REQUIRE_SIGNATURE", cfg.MCP.RequireSignature)

	// Tenancy configuration
	if val := os.Getenv("A2A_TENANTS"); val != "" {
		cfg.Tenancy.Tenants = splitList(val)
	}
	if m := loadListMap("A2A_AGENT_TENANTS"); len(m) > 0 {
		cfg.Tenancy.AgentTenants = m
	}
	if m := loadListMap("A2A_AGENT_TOOLS"); len(m) > 0 {
		cfg.Tenancy.AgentTools = m
	}
	setInt(&cfg.Tenancy.AuditCapacity, "A2A_AUDIT_CAPACITY")

	// Security configuration
	setInt(&cfg.Security.RateLimit, "A2A_RATE_LIMIT")
	setDuration(&cfg.Security.Window, "A2A_RATE_LIMIT_WINDOW")
	setDuration(&cfg.Security.BlockDuration, "A2A_BLOCK_DURATION")
	setString(&cfg.Security.Backend, "A2A_SECURITY_BACKEND")
	setInt(&cfg.Security.AlertCapacity, "A2A_ALERT_CAPACITY")

	// Storage configuration
	setString(&cfg.Storage.Type, "A2A_STORAGE_TYPE")
	setString(&cfg.Storage.Database.Driver, "A2A_DATABASE_DRIVER")
	setString(&cfg.Storage.Database.DSN, "A2A_DATABASE_DSN")

	// Redis configuration
	setString(&cfg.Redis.Address, "A2A_REDIS_ADDRESS")
	setString(&cfg.Redis.Password, "A2A_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "A2A_REDIS_DB")

	// Logging configuration
	setString(&cfg.Logging.Level, "A2A_LOG_LEVEL")
	setString(&cfg.Logging.Format, "A2A_LOG_FORMAT")

	if getBoolEnv("A2A_METRICS_ENABLED", false) {
		if cfg.Metrics == nil {
			cfg.Metrics = &MetricsConfig{}
		}
		cfg.Metrics.Enabled = true
	}
}

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._\-]{0,127}$`)

// ValidAgentID reports whether id is usable as an agent identifier
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if !ValidAgentID(c.Server.AgentID) {
		return fmt.Errorf("invalid agent id: %q", c.Server.AgentID)
	}

	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("TLS cert and key files are required when TLS is enabled")
	}

	if c.Message.MaxSize <= 0 {
		return fmt.Errorf("message max size must be positive")
	}
	if c.Message.DefaultTTL <= 0 {
		return fmt.Errorf("message default ttl must be positive")
	}
	if c.Message.BatchConcurrency <= 0 {
		return fmt.Errorf("batch concurrency must be positive")
	}

	switch c.Transport.PreferredProtocol {
	case "http", "websocket":
	default:
		return fmt.Errorf("unsupported preferred protocol: %s", c.Transport.PreferredProtocol)
	}

	if c.Heartbeat.FailureThreshold <= 0 {
		return fmt.Errorf("heartbeat failure threshold must be positive")
	}

	switch c.Identity.Store {
	case "memory":
	case "sqlite":
		if c.Identity.Path == "" {
			return fmt.Errorf("identity path is required for sqlite store")
		}
	default:
		return fmt.Errorf("unsupported identity store: %s", c.Identity.Store)
	}

	switch c.Auth.SigningMethod {
	case "HS256", "RS256":
	default:
		return fmt.Errorf("unsupported signing method: %s", c.Auth.SigningMethod)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("token ttl must be positive")
	}

	switch c.MCP.DefaultAlgorithm {
	case "hmac-sha256", "ed25519":
	default:
		return fmt.Errorf("unsupported MCP algorithm: %s", c.MCP.DefaultAlgorithm)
	}
	for i, k := range c.MCP.Keys {
		if k.KeyID == "" || k.AgentID == "" {
			return fmt.Errorf("mcp key %d needs key_id and agent_id", i)
		}
		switch k.Algorithm {
		case "hmac-sha256":
			if k.Secret == "" {
				return fmt.Errorf("mcp key %s needs a secret", k.KeyID)
			}
		case "ed25519":
			if k.PrivateKey == "" && k.PublicKey == "" {
				return fmt.Errorf("mcp key %s needs a private or public key", k.KeyID)
			}
		default:
			return fmt.Errorf("unsupported MCP algorithm for key %s: %s", k.KeyID, k.Algorithm)
		}
	}
	if c.MCP.RequireSignature && c.Server.TenantID == "" {
		return fmt.Errorf("server tenant id is required when MCP signatures are required")
	}

	if c.Security.RateLimit <= 0 || c.Security.Window <= 0 {
		return fmt.Errorf("rate limit and window must be positive")
	}
	switch c.Security.Backend {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis address is required for redis security backend")
		}
	default:
		return fmt.Errorf("unsupported security backend: %s", c.Security.Backend)
	}

	switch c.Storage.Type {
	case "memory":
	case "database":
		if c.Storage.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for database storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}

	if c.Auth.AdminKeyFile != "" {
		if _, err := os.Stat(c.Auth.AdminKeyFile); err != nil {
			return fmt.Errorf("admin key file not found: %s", c.Auth.AdminKeyFile)
		}
	}

	return nil
}

// Helper functions for environment variable parsing

func setString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, key string) {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			*dst = parsed
		}
	}
}

func setInt(dst *int, key string) {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			*dst = parsed
		}
	}
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePairs parses "a=x,b=y" into a map
func parsePairs(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range splitList(s) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// loadListMap reads a JSON object of string lists from an environment variable
func loadListMap(key string) map[string][]string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var m map[string][]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
