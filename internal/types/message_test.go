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
	"testing"
	"time"
)

func newTestMessage() *Message {
	return &Message{
		Header: Header{
			MessageID:   "8f0c0b8e-3c2a-4d8e-9f57-2b1c4e2f9a10",
			SenderID:    "agent-b",
			RecipientID: "agent-a",
			Timestamp:   time.Now().UTC(),
			MessageType: MessageTypeRequest,
			Priority:    PriorityNormal,
			TTL:         300,
			ContentType: "application/json",
		},
		Payload: json.RawMessage(`{"action":"analyze","parameters":{"x":1}}`),
		Metadata: Metadata{
			ProtocolVersion: ProtocolVersion,
			CreatedAt:       time.Now().UTC(),
		},
	}
}

func TestEnvelopePlainRoundTrip(t *testing.T) {
	msg := newTestMessage()

	data, err := json.Marshal(NewEnvelope(msg))
	if err != nil {
		t.Fatalf("Failed to marshal envelope: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Failed to unmarshal envelope: %v", err)
	}

	if env.Encrypted() {
		t.Fatal("Plain envelope decoded as encrypted")
	}

	got, ok := env.Body.(*Message)
	if !ok {
		t.Fatalf("Expected *Message body, got %T", env.Body)
	}
	if got.Header.MessageID != msg.Header.MessageID {
		t.Errorf("Expected message ID %s, got %s", msg.Header.MessageID, got.Header.MessageID)
	}
	if string(got.Payload) != string(msg.Payload) {
		t.Errorf("Payload mismatch: %s", got.Payload)
	}
}

func TestEnvelopeEncryptedVariant(t *testing.T) {
	data := []byte(`{
		"header": {"message_id": "m1", "sender_id": "a", "recipient_id": "b", "message_type": "REQUEST", "priority": "HIGH", "ttl": 60, "content_type": "application/json", "timestamp": "2025-01-01T00:00:00Z"},
		"encrypted_payload": "00ff",
		"encrypted_metadata": "ff00",
		"encrypted_session_key": "aa",
		"nonce": "bb",
		"signature": "cc",
		"encryption": {"algorithm": "AES-256-GCM", "key_size": 256, "hash_algorithm": "SHA-256"}
	}`)

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Failed to unmarshal envelope: %v", err)
	}

	if !env.Encrypted() {
		t.Fatal("Expected encrypted envelope")
	}
	if env.Header().MessageID != "m1" {
		t.Errorf("Expected header message ID m1, got %s", env.Header().MessageID)
	}
	if env.Header().Priority != PriorityHigh {
		t.Errorf("Expected HIGH priority, got %s", env.Header().Priority)
	}
}

func TestEnvelopeMarshalWithoutBody(t *testing.T) {
	if _, err := json.Marshal(Envelope{}); err == nil {
		t.Error("Expected error marshaling empty envelope")
	}
}

func TestMessageIsExpired(t *testing.T) {
	now := time.Now().UTC()
	msg := newTestMessage()
	msg.Header.Timestamp = now.Add(-10 * time.Second)
	msg.Header.TTL = 60

	if msg.IsExpired(now) {
		t.Error("Message within ttl should not be expired")
	}

	msg.Header.TTL = 5
	if !msg.IsExpired(now) {
		t.Error("Message past ttl should be expired")
	}

	msg.Header.TTL = 0
	if !msg.IsExpired(now) {
		t.Error("Message with non-positive ttl should be treated as expired")
	}
}

func TestMessageSize(t *testing.T) {
	msg := newTestMessage()
	size := msg.Size()
	if size <= 0 {
		t.Errorf("Expected positive size, got %d", size)
	}

	msg.Payload = json.RawMessage(`{"action":"analyze","parameters":{"data":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}}`)
	if msg.Size() <= size {
		t.Error("Larger payload should increase size")
	}
}

func TestParseEnums(t *testing.T) {
	if _, err := ParseMessageType("request"); err != nil {
		t.Errorf("Expected request to parse: %v", err)
	}
	if _, err := ParseMessageType("GOSSIP"); err == nil {
		t.Error("Expected unknown message type to fail")
	}

	if p, err := ParsePriority("critical"); err != nil || p != PriorityCritical {
		t.Errorf("Expected CRITICAL, got %s (%v)", p, err)
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("Expected unknown priority to fail")
	}

	if c, err := ParseCapability("analysis"); err != nil || c != CapabilityAnalysis {
		t.Errorf("Expected ANALYSIS, got %s (%v)", c, err)
	}
	if _, err := ParseCapability("TELEPATHY"); err == nil {
		t.Error("Expected unknown capability to fail")
	}

	if _, err := ParseAgentState("busy"); err != nil {
		t.Errorf("Expected busy to parse: %v", err)
	}
}

func TestCapabilityUnmarshalRejectsUnknown(t *testing.T) {
	var req RegisterAgentRequest
	err := json.Unmarshal([]byte(`{"agent_id":"a","capabilities":["ANALYSIS","TELEPATHY"]}`), &req)
	if err == nil {
		t.Error("Expected unknown capability to fail decoding")
	}

	err = json.Unmarshal([]byte(`{"agent_id":"a","capabilities":["analysis","REPORTING"]}`), &req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if req.Capabilities[0] != CapabilityAnalysis {
		t.Errorf("Expected normalized ANALYSIS, got %s", req.Capabilities[0])
	}
}

func TestAgentRecordClone(t *testing.T) {
	rec := &AgentRecord{
		AgentID:      "agent-a",
		Capabilities: []Capability{CapabilityAnalysis},
		Metadata:     map[string]string{MetadataEndpoint: "http://a:8443"},
	}

	clone := rec.Clone()
	clone.Capabilities[0] = CapabilityReporting
	clone.Metadata[MetadataEndpoint] = "http://other"

	if rec.Capabilities[0] != CapabilityAnalysis {
		t.Error("Clone shares capabilities slice")
	}
	if rec.Endpoint() != "http://a:8443" {
		t.Error("Clone shares metadata map")
	}
	if !rec.HasCapability(CapabilityAnalysis) || rec.HasCapability(CapabilityReporting) {
		t.Error("HasCapability returned wrong result")
	}
}

func BenchmarkMessageSize(b *testing.B) {
	msg := newTestMessage()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg.Size()
	}
}
