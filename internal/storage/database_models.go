/*
 * Copyright 2025 Sen Wang
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

package storage

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/a2ahub/a2a-engine/internal/types"
)

// Agent model
type Agent struct {
	ID           uint           `gorm:"primarykey" json:"-"`
	AgentID      string         `gorm:"size:255;uniqueIndex;not null" json:"agent_id"`
	TenantID     string         `gorm:"size:255;index" json:"tenant_id,omitempty"`
	Capabilities datatypes.JSON `gorm:"type:jsonb;not null" json:"capabilities"`
	Services     datatypes.JSON `gorm:"type:jsonb" json:"services,omitempty"`
	Metadata     datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	Status       string         `gorm:"size:20;not null;default:'ACTIVE'" json:"status"`
	RegisteredAt time.Time      `gorm:"type:timestamptz;not null" json:"registered_at"`
	LastSeen     time.Time      `gorm:"type:timestamptz;not null;index" json:"last_seen"`
}

// AccessAttempt audit model
type AccessAttempt struct {
	ID              uint64    `gorm:"primarykey" json:"id"`
	Kind            string    `gorm:"size:16;not null;index" json:"kind"`
	Timestamp       time.Time `gorm:"type:timestamptz;not null;index" json:"timestamp"`
	Principal       string    `gorm:"size:255;not null;index" json:"principal"`
	RequestedTenant string    `gorm:"size:255;index" json:"requested_tenant"`
	PrincipalTenant string    `gorm:"size:255" json:"principal_tenant,omitempty"`
	SessionID       string    `gorm:"size:255" json:"session_id,omitempty"`
	Operation       string    `gorm:"size:64" json:"operation"`
	TargetAgent     string    `gorm:"size:255" json:"target_agent,omitempty"`
	Tool            string    `gorm:"size:255" json:"tool,omitempty"`
	Allowed         bool      `gorm:"not null" json:"allowed"`
	Reason          string    `gorm:"size:64;index" json:"reason"`
	Severity        string    `gorm:"size:16" json:"severity,omitempty"`
}

// BeforeCreate hook before creation
func (a *AccessAttempt) BeforeCreate(tx *gorm.DB) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	return nil
}

// TableName specify table name
func (Agent) TableName() string {
	return "agents"
}

func (AccessAttempt) TableName() string {
	return "access_attempts"
}

func toDBAgent(record *types.AgentRecord) (*Agent, error) {
	caps, err := json.Marshal(record.Capabilities)
	if err != nil {
		return nil, err
	}
	model := &Agent{
		AgentID:      record.AgentID,
		TenantID:     record.TenantID,
		Capabilities: datatypes.JSON(caps),
		Status:       string(record.Status),
		RegisteredAt: record.RegisteredAt,
		LastSeen:     record.LastSeen,
	}
	if len(record.Services) > 0 {
		data, err := json.Marshal(record.Services)
		if err != nil {
			return nil, err
		}
		model.Services = datatypes.JSON(data)
	}
	if len(record.Metadata) > 0 {
		data, err := json.Marshal(record.Metadata)
		if err != nil {
			return nil, err
		}
		model.Metadata = datatypes.JSON(data)
	}
	return model, nil
}

func (a *Agent) toRecord() (*types.AgentRecord, error) {
	record := &types.AgentRecord{
		AgentID:      a.AgentID,
		TenantID:     a.TenantID,
		Status:       types.AgentState(a.Status),
		RegisteredAt: a.RegisteredAt,
		LastSeen:     a.LastSeen,
	}
	if len(a.Capabilities) > 0 {
		if err := json.Unmarshal(a.Capabilities, &record.Capabilities); err != nil {
			return nil, err
		}
	}
	if len(a.Services) > 0 {
		if err := json.Unmarshal(a.Services, &record.Services); err != nil {
			return nil, err
		}
	}
	if len(a.Metadata) > 0 {
		if err := json.Unmarshal(a.Metadata, &record.Metadata); err != nil {
			return nil, err
		}
	}
	return record, nil
}

func toDBAttempt(a *types.AccessAttempt) *AccessAttempt {
	return &AccessAttempt{
		Kind:            a.Kind,
		Timestamp:       a.Timestamp,
		Principal:       a.Principal,
		RequestedTenant: a.RequestedTenant,
		PrincipalTenant: a.PrincipalTenant,
		SessionID:       a.SessionID,
		Operation:       a.Operation,
		TargetAgent:     a.TargetAgent,
		Tool:            a.Tool,
		Allowed:         a.Allowed,
		Reason:          a.Reason,
		Severity:        a.Severity,
	}
}

func (m *AccessAttempt) toAttempt() types.AccessAttempt {
	return types.AccessAttempt{
		ID:              m.ID,
		Kind:            m.Kind,
		Timestamp:       m.Timestamp,
		Principal:       m.Principal,
		RequestedTenant: m.RequestedTenant,
		PrincipalTenant: m.PrincipalTenant,
		SessionID:       m.SessionID,
		Operation:       m.Operation,
		TargetAgent:     m.TargetAgent,
		Tool:            m.Tool,
		Allowed:         m.Allowed,
		Reason:          m.Reason,
		Severity:        m.Severity,
	}
}
