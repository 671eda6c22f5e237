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

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType identifies the kind of an A2A message
type MessageType string

const (
	MessageTypeRequest      MessageType = "REQUEST"
	MessageTypeResponse     MessageType = "RESPONSE"
	MessageTypeNotification MessageType = "NOTIFICATION"
	MessageTypeBroadcast    MessageType = "BROADCAST"
	MessageTypeHeartbeat    MessageType = "HEARTBEAT"
	MessageTypeDiscovery    MessageType = "DISCOVERY"
	MessageTypeWorkflow     MessageType = "WORKFLOW"
	MessageTypeError        MessageType = "ERROR"
)

var messageTypes = []MessageType{
	MessageTypeRequest, MessageTypeResponse, MessageTypeNotification, MessageTypeBroadcast,
	MessageTypeHeartbeat, MessageTypeDiscovery, MessageTypeWorkflow, MessageTypeError,
}

// Valid reports whether t is a known message type
func (t MessageType) Valid() bool {
	for _, known := range messageTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseMessageType parses a message type, case-insensitively
func ParseMessageType(s string) (MessageType, error) {
	t := MessageType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown message type: %q", s)
	}
	return t, nil
}

// Priority is the delivery priority of a message
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ParsePriority parses a priority, case-insensitively
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority: %q", s)
	}
	return p, nil
}

// Capability is an ability an agent advertises for discovery and authorization
type Capability string

const (
	CapabilityAnalysis             Capability = "ANALYSIS"
	CapabilityOrchestration        Capability = "ORCHESTRATION"
	CapabilityDataProcessing       Capability = "DATA_PROCESSING"
	CapabilityCommunication        Capability = "COMMUNICATION"
	CapabilityFinancialAnalysis    Capability = "FINANCIAL_ANALYSIS"
	CapabilityMeetingSummarization Capability = "MEETING_SUMMARIZATION"
	CapabilityERPSync              Capability = "ERP_SYNC"
	CapabilityCompliance           Capability = "COMPLIANCE"
	CapabilityReporting            Capability = "REPORTING"
	CapabilityUIPublishing         Capability = "UI_PUBLISHING"
)

// Capabilities lists every known capability
func Capabilities() []Capability {
	return []Capability{
		CapabilityAnalysis, CapabilityOrchestration, CapabilityDataProcessing,
		CapabilityCommunication, CapabilityFinancialAnalysis, CapabilityMeetingSummarization,
		CapabilityERPSync, CapabilityCompliance, CapabilityReporting, CapabilityUIPublishing,
	}
}

// Valid reports whether c is a known capability
func (c Capability) Valid() bool {
	for _, known := range Capabilities() {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCapability parses a capability, case-insensitively
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown capability: %q", s)
	}
	return c, nil
}

// UnmarshalJSON rejects capabilities outside the known set
func (c *Capability) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseCapability(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// AgentState is the lifecycle state of a registered agent
type AgentState string

const (
	AgentStateActive   AgentState = "ACTIVE"
	AgentStateInactive AgentState = "INACTIVE"
	AgentStateBusy     AgentState = "BUSY"
	AgentStateError    AgentState = "ERROR"
	AgentStateOffline  AgentState = "OFFLINE"
)

// Valid reports whether s is a known agent state
func (s AgentState) Valid() bool {
	switch s {
	case AgentStateActive, AgentStateInactive, AgentStateBusy, AgentStateError, AgentStateOffline:
		return true
	}
	return false
}

// ParseAgentState parses an agent state, case-insensitively
func ParseAgentState(s string) (AgentState, error) {
	st := AgentState(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown agent state: %q", s)
	}
	return st, nil
}
