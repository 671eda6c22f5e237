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

package mcpsign

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HTTP header names for service-to-service calls
const (
	HeaderTenantID       = "X-MCP-Tenant-ID"
	HeaderTraceID        = "X-MCP-Trace-ID"
	HeaderConversationID = "X-MCP-Conversation-ID"
	HeaderCaller         = "X-MCP-Caller"
	HeaderReplyTo        = "X-MCP-Reply-To"
	HeaderAuthSig        = "X-MCP-Auth-Sig"
	HeaderTimestamp      = "X-MCP-Timestamp"
)

// Headers is the signed header set of one call
type Headers struct {
	TenantID       string    `json:"tenant_id"`
	TraceID        string    `json:"trace_id"`
	ConversationID string    `json:"conversation_id"`
	Caller         string    `json:"caller"`
	ReplyTo        string    `json:"reply_to,omitempty"`
	AuthSig        string    `json:"auth_sig,omitempty"`
	Timestamp      time.Time `json:"timestamp"`

	// Verified is set once AuthSig has been checked against a known key
	Verified bool `json:"-"`
}

type headersKey struct{}

// WithHeaders returns a copy of ctx carrying the inbound header set
func WithHeaders(ctx context.Context, h *Headers) context.Context {
	return context.WithValue(ctx, headersKey{}, h)
}

// FromContext returns the header set stored by WithHeaders
func FromContext(ctx context.Context) (*Headers, bool) {
	h, ok := ctx.Value(headersKey{}).(*Headers)
	return h, ok && h != nil
}

// NewHeaders starts a new trace for caller within tenant
func NewHeaders(tenantID, caller string) *Headers {
	return &Headers{
		TenantID:       tenantID,
		TraceID:        uuid.NewString(),
		ConversationID: uuid.NewString(),
		Caller:         caller,
		Timestamp:      time.Now().UTC(),
	}
}

// Reply derives headers for a response or callback. The trace and
// conversation stay the same; the signature does not carry over.
func (h *Headers) Reply(caller string) *Headers {
	return &Headers{
		TenantID:       h.TenantID,
		TraceID:        h.TraceID,
		ConversationID: h.ConversationID,
		Caller:         caller,
		ReplyTo:        h.Caller,
		Timestamp:      time.Now().UTC(),
	}
}

// Apply writes the headers onto an outbound HTTP header
func (h *Headers) Apply(hdr http.Header) {
	hdr.Set(HeaderTenantID, h.TenantID)
	hdr.Set(HeaderTraceID, h.TraceID)
	hdr.Set(HeaderConversationID, h.ConversationID)
	hdr.Set(HeaderCaller, h.Caller)
	hdr.Set(HeaderTimestamp, strconv.FormatInt(h.Timestamp.Unix(), 10))
	if h.ReplyTo != "" {
		hdr.Set(HeaderReplyTo, h.ReplyTo)
	}
	if h.AuthSig != "" {
		hdr.Set(HeaderAuthSig, h.AuthSig)
	}
}

// Present reports whether hdr carries any MCP header
func Present(hdr http.Header) bool {
	return hdr.Get(HeaderCaller) != "" || hdr.Get(HeaderTenantID) != "" || hdr.Get(HeaderAuthSig) != ""
}

// HeadersFromHTTP reads the MCP header set from an inbound request
func HeadersFromHTTP(hdr http.Header) (*Headers, error) {
	h := &Headers{
		TenantID:       strings.TrimSpace(hdr.Get(HeaderTenantID)),
		TraceID:        strings.TrimSpace(hdr.Get(HeaderTraceID)),
		ConversationID: strings.TrimSpace(hdr.Get(HeaderConversationID)),
		Caller:         strings.TrimSpace(hdr.Get(HeaderCaller)),
		ReplyTo:        strings.TrimSpace(hdr.Get(HeaderReplyTo)),
		AuthSig:        strings.TrimSpace(hdr.Get(HeaderAuthSig)),
	}

	var missing []string
	if h.TenantID == "" {
		missing = append(missing, HeaderTenantID)
	}
	if h.TraceID == "" {
		missing = append(missing, HeaderTraceID)
	}
	if h.Caller == "" {
		missing = append(missing, HeaderCaller)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing MCP headers: %s", strings.Join(missing, ", "))
	}

	if ts := hdr.Get(HeaderTimestamp); ts != "" {
		secs, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", HeaderTimestamp, err)
		}
		h.Timestamp = time.Unix(secs, 0).UTC()
	}

	return h, nil
}

// canonical builds the pipe-joined string that is signed
func (h *Headers) canonical(timestamp int64, nonce string) string {
	return strings.Join([]string{
		h.TenantID,
		h.TraceID,
		h.ConversationID,
		h.Caller,
		h.ReplyTo,
		strconv.FormatInt(timestamp, 10),
		nonce,
	}, "|")
}
