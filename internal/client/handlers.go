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

package client

import (
	"context"
	"encoding/json"
	"sort"

	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/mcpsign"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// Request is an inbound request decoded for a typed handler
type Request[In any] struct {
	Message   *types.Message
	Action    string
	Params    In
	SenderID  string
	Encrypted bool
}

type handler func(ctx context.Context, msg *types.Message, payload types.RequestPayload, encrypted bool) (interface{}, error)

// Handle registers fn for action. Parameters are decoded into In; the
// returned Out becomes the payload of a successful response.
func Handle[In, Out any](c *Client, action string, fn func(ctx context.Context, req Request[In]) (Out, error)) error {
	if action == "" {
		return a2aerrors.New(a2aerrors.ErrValidationFailed, "action is required")
	}
	if fn == nil {
		return a2aerrors.New(a2aerrors.ErrValidationFailed, "handler is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[action]; exists {
		return a2aerrors.Newf(a2aerrors.ErrValidationFailed, "handler already registered for action %s", action)
	}

	c.handlers[action] = func(ctx context.Context, msg *types.Message, payload types.RequestPayload, encrypted bool) (interface{}, error) {
		var params In
		if len(payload.Parameters) > 0 && string(payload.Parameters) != "null" {
			if err := json.Unmarshal(payload.Parameters, &params); err != nil {
				return nil, a2aerrors.Wrapf(a2aerrors.ErrValidationFailed, err, "invalid parameters for %s", action)
			}
		}
		return fn(ctx, Request[In]{
			Message:   msg,
			Action:    action,
			Params:    params,
			SenderID:  msg.Header.SenderID,
			Encrypted: encrypted,
		})
	}
	return nil
}

// Actions lists the registered actions in sorted order
func (c *Client) Actions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.handlers))
	for a := range c.handlers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// HandleInbound processes one envelope addressed to this agent and returns
// the reply, if any. It satisfies transport.Handler.
//
// Handler failures and unknown actions are answered with a failure
// response rather than a transport error; only envelopes that cannot be
// trusted or understood fail outright.
func (c *Client) HandleInbound(ctx context.Context, env types.Envelope) (*types.Envelope, error) {
	msg, encrypted, err := c.accept(ctx, env)
	if err != nil {
		return nil, err
	}
	if c.gate != nil {
		in := Inbound{Message: msg, Action: actionOf(msg), AgentID: c.cfg.AgentID, TenantID: c.cfg.TenantID}
		if err := c.gate(ctx, in); err != nil {
			return nil, err
		}
	}

	ctx = logging.WithMessageID(ctx, msg.Header.MessageID)
	ctx = logging.WithAgentID(ctx, msg.Header.SenderID)
	log := c.logger.WithContext(ctx)

	switch msg.Header.MessageType {
	case types.MessageTypeRequest:
		resp := c.dispatch(ctx, msg, encrypted)
		if resp == nil {
			return nil, nil
		}
		return c.reply(ctx, resp, encrypted)

	case types.MessageTypeNotification, types.MessageTypeBroadcast:
		var payload types.RequestPayload
		if json.Unmarshal(msg.Payload, &payload) == nil && payload.Action != "" {
			if h := c.handler(payload.Action); h != nil {
				if _, err := h(ctx, msg, payload, encrypted); err != nil {
					log.Warnf("Notification handler for %s failed: %v", payload.Action, err)
				}
			}
		}
		return nil, nil

	default:
		log.WithField("message_type", msg.Header.MessageType).Debug("Message accepted")
		return nil, nil
	}
}

// actionOf returns the action of a request, notification or broadcast
func actionOf(msg *types.Message) string {
	switch msg.Header.MessageType {
	case types.MessageTypeRequest, types.MessageTypeNotification, types.MessageTypeBroadcast:
		var payload types.RequestPayload
		if json.Unmarshal(msg.Payload, &payload) == nil {
			return payload.Action
		}
	}
	return ""
}

// accept validates, decrypts and de-duplicates an inbound envelope. When the
// envelope arrived with MCP headers, their caller must be its sender.
func (c *Client) accept(ctx context.Context, env types.Envelope) (*types.Message, bool, error) {
	validator := c.messages.Validator()
	if err := validator.ValidateEnvelope(env); err != nil {
		return nil, false, err
	}

	h := env.Header()
	if h.RecipientID != c.cfg.AgentID && h.RecipientID != types.BroadcastRecipient {
		return nil, false, a2aerrors.Newf(a2aerrors.ErrUnknownAgent, "message is addressed to %s", h.RecipientID)
	}
	if mcp, ok := mcpsign.FromContext(ctx); ok && mcp.Caller != h.SenderID {
		return nil, false, a2aerrors.Newf(a2aerrors.ErrForbidden, "caller %s may not send as %s", mcp.Caller, h.SenderID).
			WithDetail("caller", mcp.Caller).
			WithDetail("sender_id", h.SenderID)
	}
	if err := validator.CheckExpiry(h); err != nil {
		return nil, false, err
	}

	msg, err := c.unwrap(ctx, env)
	if err != nil {
		return nil, false, err
	}

	if !c.messages.MarkSeen(msg.Header) {
		return nil, false, a2aerrors.New(a2aerrors.ErrMessageValidationFailed, "duplicate message id").
			WithDetail("message_id", msg.Header.MessageID)
	}
	return msg, env.Encrypted(), nil
}

// dispatch runs the handler for a request and builds the response
func (c *Client) dispatch(ctx context.Context, msg *types.Message, encrypted bool) *types.Message {
	log := c.logger.WithContext(ctx)

	var payload types.RequestPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Action == "" {
		return c.failure(ctx, msg, a2aerrors.New(a2aerrors.ErrInvalidRequestFormat, "request payload must name an action"))
	}

	h := c.handler(payload.Action)
	if h == nil {
		return c.failure(ctx, msg, a2aerrors.Newf(a2aerrors.ErrUnknownAction, "unknown action: %s", payload.Action))
	}

	result, err := h(ctx, msg, payload, encrypted)
	if err != nil {
		if _, ok := a2aerrors.AsA2AError(err); !ok {
			log.Error("Handler failed", err)
			err = a2aerrors.Newf(a2aerrors.ErrHandlerFailed, "handler for %s failed", payload.Action)
		}
		return c.failure(ctx, msg, err)
	}

	resp, err := c.messages.CreateResponse(msg, result, true, "")
	if err != nil {
		return c.failure(ctx, msg, err)
	}
	return resp
}

func (c *Client) failure(ctx context.Context, msg *types.Message, err error) *types.Message {
	resp, buildErr := c.messages.CreateErrorResponse(msg, err)
	if buildErr != nil {
		c.logger.WithContext(ctx).Error("Failed to build error response", buildErr)
		return nil
	}
	return resp
}

// reply wraps a response, sealing it for the original sender when the
// request arrived encrypted
func (c *Client) reply(ctx context.Context, resp *types.Message, encrypted bool) (*types.Envelope, error) {
	if encrypted && c.keys != nil {
		sealed, err := c.messages.SealFor(ctx, c.keys, resp)
		if err != nil {
			return nil, err
		}
		env := types.NewEnvelope(sealed)
		return &env, nil
	}
	env := types.NewEnvelope(resp)
	return &env, nil
}

func (c *Client) handler(action string) handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handlers[action]
}
