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

package messaging

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a2ahub/a2a-engine/internal/config"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/metrics"
	"github.com/a2ahub/a2a-engine/internal/types"
	"github.com/a2ahub/a2a-engine/internal/validation"
)

// DefaultContentType is stamped on messages that do not name one
const DefaultContentType = "application/json"

// Manager builds, seals and opens A2A messages
type Manager struct {
	cfg       config.MessageConfig
	validator *validation.Validator
	logger    *logging.Logger
	metrics   metrics.MetricsProvider
	now       func() time.Time

	seen    map[string]time.Time // message ID -> expiry
	seenMux sync.Mutex
}

// Option configures a Manager
type Option func(*Manager)

// WithMetrics records crypto and message metrics
func WithMetrics(m metrics.MetricsProvider) Option {
	return func(mm *Manager) { mm.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(mm *Manager) { mm.now = now }
}

// NewManager creates a message manager
func NewManager(cfg config.MessageConfig, logger *logging.Logger, opts ...Option) *Manager {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 300
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = 1024
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 10
	}
	m := &Manager{
		cfg:     cfg,
		logger:  logger.WithComponent("messaging"),
		metrics: metrics.NoopMetrics{},
		now:     time.Now,
		seen:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.validator = validation.New(cfg.MaxSize, logger).WithClock(m.now)
	return m
}

// Validator returns the envelope validator used by the manager
func (m *Manager) Validator() *validation.Validator {
	return m.validator
}

// MessageOption sets optional header fields on a new message
type MessageOption func(*types.Header)

// WithPriority sets the message priority
func WithPriority(p types.Priority) MessageOption {
	return func(h *types.Header) { h.Priority = p }
}

// WithTTL sets the time to live in seconds
func WithTTL(seconds int) MessageOption {
	return func(h *types.Header) { h.TTL = seconds }
}

// WithCorrelationID links the message to an earlier one
func WithCorrelationID(id string) MessageOption {
	return func(h *types.Header) { h.CorrelationID = id }
}

// WithWorkflow tags the message with a workflow and task
func WithWorkflow(workflowID, taskID string) MessageOption {
	return func(h *types.Header) {
		h.WorkflowID = workflowID
		h.TaskID = taskID
	}
}

// WithContentType overrides the payload content type
func WithContentType(ct string) MessageOption {
	return func(h *types.Header) { h.ContentType = ct }
}

// CreateMessage builds a plaintext message with a fresh ID and timestamp.
// payload may be raw JSON or any value encodable as JSON.
func (m *Manager) CreateMessage(sender, recipient string, msgType types.MessageType, payload interface{}, opts ...MessageOption) (*types.Message, error) {
	if !msgType.Valid() {
		return nil, a2aerrors.Newf(a2aerrors.ErrMessageValidationFailed, "unknown message type: %s", msgType)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrInternalError, "failed to generate message id", err)
	}

	now := m.now().UTC()
	msg := &types.Message{
		Header: types.Header{
			MessageID:   id.String(),
			SenderID:    sender,
			RecipientID: recipient,
			Timestamp:   now,
			MessageType: msgType,
			Priority:    types.PriorityNormal,
			TTL:         m.cfg.DefaultTTL,
			ContentType: DefaultContentType,
		},
		Payload: raw,
		Metadata: types.Metadata{
			ProtocolVersion: types.ProtocolVersion,
			CreatedAt:       now,
		},
	}
	for _, opt := range opts {
		opt(&msg.Header)
	}
	return msg, nil
}

// CreateResponse answers original. Sender and recipient are swapped and the
// correlation, workflow and task IDs carried over; the correlation ID falls
// back to the original message ID. A failed response carries an ErrorPayload.
func (m *Manager) CreateResponse(original *types.Message, payload interface{}, success bool, errMsg string) (*types.Message, error) {
	if original == nil {
		return nil, a2aerrors.New(a2aerrors.ErrMessageValidationFailed, "original message is required")
	}

	if !success {
		payload = types.ErrorPayload{
			Success:           false,
			Error:             errMsg,
			OriginalRequestID: original.Header.MessageID,
		}
	}

	correlationID := original.Header.CorrelationID
	if correlationID == "" {
		correlationID = original.Header.MessageID
	}

	return m.CreateMessage(original.Header.RecipientID, original.Header.SenderID, types.MessageTypeResponse, payload,
		WithPriority(original.Header.Priority),
		WithCorrelationID(correlationID),
		WithWorkflow(original.Header.WorkflowID, original.Header.TaskID),
	)
}

// CreateErrorResponse is CreateResponse for a failure carrying a machine code
func (m *Manager) CreateErrorResponse(original *types.Message, err error) (*types.Message, error) {
	resp, buildErr := m.CreateResponse(original, nil, false, err.Error())
	if buildErr != nil {
		return nil, buildErr
	}
	if a2aErr, ok := a2aerrors.AsA2AError(err); ok {
		resp.Payload, _ = json.Marshal(types.ErrorPayload{
			Success:           false,
			Error:             a2aErr.Message,
			Code:              string(a2aErr.Code),
			OriginalRequestID: original.Header.MessageID,
		})
	}
	return resp, nil
}

// Validate checks a message; see validation.Validator.ValidateMessage
func (m *Manager) Validate(msg *types.Message) error {
	return m.validator.ValidateMessage(msg)
}

// IsExpired reports whether the message ttl has elapsed
func (m *Manager) IsExpired(msg *types.Message) bool {
	return msg.IsExpired(m.now())
}

// MarkSeen records a message ID until its ttl elapses and reports whether
// it was new. Replays within the ttl return false.
func (m *Manager) MarkSeen(h types.Header) bool {
	now := m.now()
	expiresAt := h.Timestamp.Add(time.Duration(h.TTL) * time.Second)

	m.seenMux.Lock()
	defer m.seenMux.Unlock()

	if exp, ok := m.seen[h.MessageID]; ok && now.Before(exp) {
		return false
	}
	m.seen[h.MessageID] = expiresAt
	return true
}

// CleanupSeen drops replay entries whose ttl has elapsed
func (m *Manager) CleanupSeen() int {
	now := m.now()

	m.seenMux.Lock()
	defer m.seenMux.Unlock()

	removed := 0
	for id, exp := range m.seen {
		if !now.Before(exp) {
			delete(m.seen, id)
			removed++
		}
	}
	return removed
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, a2aerrors.New(a2aerrors.ErrMessageValidationFailed, "payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, a2aerrors.New(a2aerrors.ErrMessageValidationFailed, "payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, a2aerrors.Wrap(a2aerrors.ErrMessageValidationFailed, "failed to encode payload", err)
		}
		return data, nil
	}
}
