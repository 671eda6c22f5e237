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

package validation

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/a2ahub/a2a-engine/internal/config"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// Cipher suite accepted on encrypted envelopes
const (
	EncryptionAlgorithm = "AES-256-GCM"
	EncryptionKeySize   = 256
	EncryptionHash      = "SHA-256"
)

// Validator checks A2A envelopes before they are processed or sent
type Validator struct {
	maxMessageSize int64
	logger         *logging.Logger
	now            func() time.Time
}

// New creates a new validator with the given size limit
func New(maxMessageSize int64, logger *logging.Logger) *Validator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Validator{
		maxMessageSize: maxMessageSize,
		logger:         logger.WithComponent("validation"),
		now:            time.Now,
	}
}

// WithClock returns a copy of v using now as its time source
func (v *Validator) WithClock(now func() time.Time) *Validator {
	out := *v
	out.now = now
	return &out
}

// ValidateMessage validates a plaintext message. An unknown or missing
// priority is replaced by NORMAL with a warning rather than rejected.
func (v *Validator) ValidateMessage(msg *types.Message) error {
	if msg == nil {
		return a2aerrors.New(a2aerrors.ErrMessageValidationFailed, "message is required")
	}

	if err := v.validateHeader(&msg.Header); err != nil {
		return err
	}

	if len(msg.Payload) == 0 {
		return a2aerrors.New(a2aerrors.ErrMessageValidationFailed, "payload is required")
	}

	if v.maxMessageSize > 0 {
		if size := msg.Size(); size > v.maxMessageSize {
			return a2aerrors.Newf(a2aerrors.ErrMessageTooLarge,
				"message size %d exceeds maximum allowed size %d", size, v.maxMessageSize).
				WithDetail("max_size", v.maxMessageSize)
		}
	}

	return nil
}

// ValidateEncrypted validates the header and sealed fields of an encrypted
// message without touching the ciphertext.
func (v *Validator) ValidateEncrypted(msg *types.EncryptedMessage) error {
	if msg == nil {
		return a2aerrors.New(a2aerrors.ErrMessageValidationFailed, "message is required")
	}

	if err := v.validateHeader(&msg.Header); err != nil {
		return err
	}

	fields := []struct {
		name  string
		value string
	}{
		{"encrypted_payload", msg.EncryptedPayload},
		{"encrypted_metadata", msg.EncryptedMetadata},
		{"encrypted_session_key", msg.EncryptedSessionKey},
		{"nonce", msg.Nonce},
		{"signature", msg.Signature},
	}
	for _, f := range fields {
		if f.value == "" {
			return a2aerrors.Newf(a2aerrors.ErrMessageValidationFailed, "%s is required", f.name)
		}
		if _, err := hex.DecodeString(f.value); err != nil {
			return a2aerrors.Newf(a2aerrors.ErrMessageValidationFailed, "%s must be hex encoded", f.name)
		}
	}

	if msg.Encryption.Algorithm != EncryptionAlgorithm {
		return a2aerrors.Newf(a2aerrors.ErrMessageValidationFailed,
			"unsupported encryption algorithm: %s", msg.Encryption.Algorithm)
	}

	if v.maxMessageSize > 0 {
		size := int64(len(msg.EncryptedPayload)+len(msg.EncryptedMetadata)) / 2
		if size > v.maxMessageSize {
			return a2aerrors.Newf(a2aerrors.ErrMessageTooLarge,
				"message size %d exceeds maximum allowed size %d", size, v.maxMessageSize)
		}
	}

	return nil
}

// ValidateEnvelope dispatches on the envelope body variant
func (v *Validator) ValidateEnvelope(env types.Envelope) error {
	switch body := env.Body.(type) {
	case *types.Message:
		return v.ValidateMessage(body)
	case *types.EncryptedMessage:
		return v.ValidateEncrypted(body)
	default:
		return a2aerrors.New(a2aerrors.ErrMessageValidationFailed, "envelope has no body")
	}
}

// CheckExpiry fails with MESSAGE_EXPIRED once the header ttl has elapsed
func (v *Validator) CheckExpiry(h types.Header) error {
	expiresAt := h.Timestamp.Add(time.Duration(h.TTL) * time.Second)
	if h.TTL <= 0 || v.now().After(expiresAt) {
		return a2aerrors.Newf(a2aerrors.ErrMessageExpired, "message %s expired", h.MessageID).
			WithDetail("expired_at", expiresAt)
	}
	return nil
}

func (v *Validator) validateHeader(h *types.Header) error {
	if err := v.validateRequiredFields(h); err != nil {
		return a2aerrors.Wrap(a2aerrors.ErrMessageValidationFailed, "required field validation failed", err)
	}

	if err := v.validateFieldFormats(h); err != nil {
		return a2aerrors.Wrap(a2aerrors.ErrMessageValidationFailed, "field format validation failed", err)
	}

	if !h.Priority.Valid() {
		v.logger.WithFields(map[string]interface{}{
			"message_id": h.MessageID,
			"priority":   h.Priority,
		}).Warn("Invalid message priority, defaulting to NORMAL")
		h.Priority = types.PriorityNormal
	}

	return nil
}

// validateRequiredFields validates that all required header fields are present
func (v *Validator) validateRequiredFields(h *types.Header) error {
	if h.MessageID == "" {
		return fmt.Errorf("message_id is required")
	}

	if h.SenderID == "" {
		return fmt.Errorf("sender_id is required")
	}

	if h.RecipientID == "" {
		return fmt.Errorf("recipient_id is required")
	}

	if h.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if h.MessageType == "" {
		return fmt.Errorf("message_type is required")
	}

	if strings.TrimSpace(h.ContentType) == "" {
		return fmt.Errorf("content_type is required")
	}

	return nil
}

// validateFieldFormats validates the format of header fields
func (v *Validator) validateFieldFormats(h *types.Header) error {
	if _, err := uuid.Parse(h.MessageID); err != nil {
		return fmt.Errorf("invalid message_id format, must be a UUID: %s", h.MessageID)
	}

	if !h.MessageType.Valid() {
		return fmt.Errorf("unknown message_type: %s", h.MessageType)
	}

	if h.TTL <= 0 {
		return fmt.Errorf("ttl must be a positive number of seconds, got %d", h.TTL)
	}

	if !config.ValidAgentID(h.SenderID) {
		return fmt.Errorf("invalid sender_id: %s", h.SenderID)
	}

	if h.RecipientID != types.BroadcastRecipient && !config.ValidAgentID(h.RecipientID) {
		return fmt.Errorf("invalid recipient_id: %s", h.RecipientID)
	}

	return nil
}
