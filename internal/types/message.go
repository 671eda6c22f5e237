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
	"time"
)

// ProtocolVersion is the A2A protocol version stamped on new messages
const ProtocolVersion = "1.0"

// BroadcastRecipient is the recipient_id of a BROADCAST message
const BroadcastRecipient = "*"

// Header carries routing and correlation fields. It is never encrypted.
type Header struct {
	MessageID     string      `json:"message_id"`
	SenderID      string      `json:"sender_id"`
	RecipientID   string      `json:"recipient_id"`
	Timestamp     time.Time   `json:"timestamp"`
	MessageType   MessageType `json:"message_type"`
	Priority      Priority    `json:"priority"`
	TTL           int         `json:"ttl"` // seconds
	ContentType   string      `json:"content_type"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	WorkflowID    string      `json:"workflow_id,omitempty"`
	TaskID        string      `json:"task_id,omitempty"`
}

// Metadata describes how a message body was produced
type Metadata struct {
	ProtocolVersion string           `json:"protocol_version"`
	CreatedAt       time.Time        `json:"created_at"`
	Encrypted       bool             `json:"encrypted"`
	Compressed      bool             `json:"compressed"`
	Signed          bool             `json:"signed"`
	Compression     *CompressionInfo `json:"compression,omitempty"`
	Errors          []string         `json:"errors,omitempty"`
}

// CompressionInfo records the algorithm and sizes of a compressed payload
type CompressionInfo struct {
	Algorithm      string `json:"algorithm"`
	OriginalSize   int    `json:"original_size"`
	CompressedSize int    `json:"compressed_size"`
}

// Message is the plaintext A2A envelope
type Message struct {
	Header   Header          `json:"header"`
	Payload  json.RawMessage `json:"payload"`
	Metadata Metadata        `json:"metadata"`
}

// EncryptionInfo names the algorithms used for an encrypted body
type EncryptionInfo struct {
	Algorithm     string `json:"algorithm"`
	KeySize       int    `json:"key_size"`
	HashAlgorithm string `json:"hash_algorithm"`
}

// EncryptedMessage is the sealed form of a Message. Binary fields are hex encoded.
type EncryptedMessage struct {
	Header              Header         `json:"header"`
	EncryptedPayload    string         `json:"encrypted_payload"`
	EncryptedMetadata   string         `json:"encrypted_metadata"`
	EncryptedSessionKey string         `json:"encrypted_session_key"`
	Nonce               string         `json:"nonce"`
	Signature           string         `json:"signature"`
	Encryption          EncryptionInfo `json:"encryption"`
}

// Body is either a *Message or an *EncryptedMessage
type Body interface {
	MessageHeader() Header
	sealed()
}

// MessageHeader returns the message header
func (m *Message) MessageHeader() Header { return m.Header }
func (m *Message) sealed()               {}

// MessageHeader returns the message header
func (m *EncryptedMessage) MessageHeader() Header { return m.Header }
func (m *EncryptedMessage) sealed()               {}

// Envelope is what travels on the wire: a plaintext or encrypted message
type Envelope struct {
	Body Body
}

// NewEnvelope wraps a body for transmission
func NewEnvelope(body Body) Envelope {
	return Envelope{Body: body}
}

// Header returns the header of the wrapped body
func (e Envelope) Header() Header {
	if e.Body == nil {
		return Header{}
	}
	return e.Body.MessageHeader()
}

// Encrypted reports whether the envelope carries an encrypted body
func (e Envelope) Encrypted() bool {
	_, ok := e.Body.(*EncryptedMessage)
	return ok
}

// MarshalJSON encodes the wrapped body directly
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Body == nil {
		return nil, fmt.Errorf("envelope has no body")
	}
	return json.Marshal(e.Body)
}

// UnmarshalJSON picks the body variant from the presence of encrypted_payload
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var shape struct {
		EncryptedPayload *string `json:"encrypted_payload"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return err
	}

	if shape.EncryptedPayload != nil {
		var enc EncryptedMessage
		if err := json.Unmarshal(data, &enc); err != nil {
			return err
		}
		e.Body = &enc
		return nil
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	e.Body = &msg
	return nil
}

// RequestPayload is the conventional payload of a REQUEST message
type RequestPayload struct {
	Action     string          `json:"action"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	SenderID   string          `json:"sender_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ErrorPayload is the payload of a failed response
type ErrorPayload struct {
	Success           bool   `json:"success"`
	Error             string `json:"error"`
	Code              string `json:"code,omitempty"`
	OriginalRequestID string `json:"originalRequestId"`
}

// IsExpired reports whether the message ttl has elapsed at now
func (m *Message) IsExpired(now time.Time) bool {
	if m.Header.TTL <= 0 {
		return true
	}
	return now.After(m.Header.Timestamp.Add(time.Duration(m.Header.TTL) * time.Second))
}

// Size returns the approximate size of the message in bytes
func (m *Message) Size() int64 {
	data, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail provides detailed error information
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
}
