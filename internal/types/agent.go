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

package types

import "time"

// Agent record metadata keys
const (
	MetadataEndpoint    = "endpoint"    // transport base URL
	MetadataCertificate = "certificate" // PEM certificate used to verify and encrypt for the agent

	// base64 RSA-PSS signature over the new certificate's DER by the key it replaces
	MetadataCertificateProof = "certificate_proof"
)

// AgentRecord is a registry entry for an agent
type AgentRecord struct {
	AgentID      string            `json:"agent_id"`
	TenantID     string            `json:"tenant_id,omitempty"`
	Capabilities []Capability      `json:"capabilities"`
	Services     []string          `json:"services,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastSeen     time.Time         `json:"last_seen"`
	Status       AgentState        `json:"status"`
}

// Endpoint returns the advertised transport URL, if any
func (r *AgentRecord) Endpoint() string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[MetadataEndpoint]
}

// HasCapability reports whether the record advertises c
func (r *AgentRecord) HasCapability(c Capability) bool {
	for _, have := range r.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the record
func (r *AgentRecord) Clone() *AgentRecord {
	out := *r
	out.Capabilities = append([]Capability(nil), r.Capabilities...)
	out.Services = append([]string(nil), r.Services...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// RegisterAgentRequest is the API body for registering an agent
type RegisterAgentRequest struct {
	AgentID      string            `json:"agent_id"`
	TenantID     string            `json:"tenant_id,omitempty"`
	Capabilities []Capability      `json:"capabilities"`
	Services     []string          `json:"services,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ListAgentsResponse is the API body for agent listings and external registry queries
type ListAgentsResponse struct {
	Agents []*AgentRecord `json:"agents"`
	Count  int            `json:"count"`
}

// AccessAttempt is an immutable audit record of a tenant or MCP access decision
type AccessAttempt struct {
	ID              uint64    `json:"id"`
	Kind            string    `json:"kind"` // "tenant" or "mcp"
	Timestamp       time.Time `json:"timestamp"`
	Principal       string    `json:"principal"`
	RequestedTenant string    `json:"requested_tenant"`
	PrincipalTenant string    `json:"principal_tenant,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	Operation       string    `json:"operation"`
	TargetAgent     string    `json:"target_agent,omitempty"`
	Tool            string    `json:"tool,omitempty"`
	Allowed         bool      `json:"allowed"`
	Reason          string    `json:"reason"`
	Severity        string    `json:"severity,omitempty"`
}

// Audit record kinds
const (
	AuditKindTenant = "tenant"
	AuditKindMCP    = "mcp"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}
