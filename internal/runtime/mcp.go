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

package runtime

import (
	"context"
	"errors"
	"net/http"

	"github.com/a2ahub/a2a-engine/internal/client"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/mcpsign"
	"github.com/a2ahub/a2a-engine/internal/tenancy"
	"github.com/a2ahub/a2a-engine/internal/transport"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// senderTenant returns the tenant a sending agent acts within: its own when
// hosted here with one, the node's otherwise
func (rt *Runtime) senderTenant(agentID string) string {
	if rt.Agents != nil {
		if agent, ok := rt.Agents.Agent(agentID); ok && agent.Client.TenantID() != "" {
			return agent.Client.TenantID()
		}
	}
	return rt.Config.Server.TenantID
}

// outboundHeaders builds the MCP header set for an envelope leaving the
// node. The set is signed when the sender holds a key; agents without a
// tenant send none.
func (rt *Runtime) outboundHeaders(env types.Envelope) (http.Header, error) {
	sender := env.Header().SenderID
	tenant := rt.senderTenant(sender)
	if tenant == "" {
		return nil, nil
	}

	h := mcpsign.NewHeaders(tenant, sender)
	if err := rt.MCP.SignOutbound(h, sender); err != nil && !errors.Is(err, mcpsign.ErrNoSigningKey) {
		return nil, err
	}
	hdr := make(http.Header)
	h.Apply(hdr)
	return hdr, nil
}

// admitInbound applies tenant isolation to messages received from peers.
// The envelope's sender is already bound to the MCP caller by the client.
//
// With agent tenant allowlists configured every peer call needs verified
// headers and passes ValidateMCPAccess; without them a caller may still
// not reach an agent of another tenant.
func (rt *Runtime) admitInbound(ctx context.Context, in client.Inbound) error {
	if !transport.FromPeer(ctx) {
		return nil
	}
	h, hasHeaders := mcpsign.FromContext(ctx)

	if !rt.Tenancy.HasAgentPolicy() {
		if hasHeaders && in.TenantID != "" && h.TenantID != in.TenantID {
			return a2aerrors.NewCrossTenantError(h.TenantID, in.TenantID).
				WithDetail("caller", h.Caller)
		}
		return nil
	}

	if !hasHeaders || !h.Verified {
		return a2aerrors.New(a2aerrors.ErrMCPSignature, "signed MCP headers are required").
			WithDetail("agent_id", in.AgentID)
	}

	err := rt.Tenancy.ValidateMCPAccess(ctx, tenancy.MCPRequest{
		Caller:       h.Caller,
		CallerTenant: h.TenantID,
		TargetAgent:  in.AgentID,
		TargetTenant: in.TenantID,
		Tool:         in.Action,
	})
	if err == nil {
		return nil
	}
	// unknown tenants and agents are policy denials to the caller
	if a2aErr, ok := a2aerrors.AsA2AError(err); ok && a2aErr.GetHTTPStatus() != http.StatusForbidden {
		return a2aerrors.Wrap(a2aerrors.ErrTenantIsolation, a2aErr.Message, err).
			WithDetail("reason", string(a2aErr.Code))
	}
	return err
}
