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
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a2ahub/a2a-engine/internal/client"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/mcpsign"
	"github.com/a2ahub/a2a-engine/internal/orchestrator"
	"github.com/a2ahub/a2a-engine/internal/transport"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// capturePeer accepts every message and keeps the last request's headers
func capturePeer(t *testing.T) (*httptest.Server, func() http.Header) {
	t.Helper()
	var mu sync.Mutex
	var last http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		last = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(ts.Close)
	return ts, func() http.Header {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func TestOutboundSendsCarrySignedHeaders(t *testing.T) {
	cfg := testConfig()
	rt := newRuntime(t, cfg)
	ctx := context.Background()

	peer, headers := capturePeer(t)
	require.NoError(t, rt.Registry.RegisterAgent(ctx, &types.AgentRecord{
		AgentID:      "remote-1",
		TenantID:     "acme",
		Capabilities: []types.Capability{types.CapabilityReporting},
		Metadata:     map[string]string{types.MetadataEndpoint: peer.URL},
		Status:       types.AgentStateActive,
	}))

	send := func() *mcpsign.Headers {
		req, err := rt.Node.NewRequest("remote-1", "report", nil)
		require.NoError(t, err)
		_, err = rt.Node.Deliver(ctx, req, false)
		require.NoError(t, err)
		h, err := mcpsign.HeadersFromHTTP(headers())
		require.NoError(t, err)
		return h
	}

	t.Run("unsigned without a key", func(t *testing.T) {
		h := send()
		assert.Equal(t, "node-1", h.Caller)
		assert.Equal(t, "acme", h.TenantID)
		assert.Empty(t, h.AuthSig)
	})

	t.Run("signed once the node holds a key", func(t *testing.T) {
		_, err := rt.MCP.IssueKey("node-1", mcpsign.AlgorithmHMACSHA256, 0)
		require.NoError(t, err)
		h := send()
		res := rt.MCP.Verify(h, 0)
		assert.True(t, res.Valid, res.Reason)
		assert.Equal(t, "node-1", res.AgentID)
	})

	t.Run("hosted agent signs with its own tenant", func(t *testing.T) {
		worker, err := rt.Agents.CreateAgent(ctx, orchestrator.AgentSpec{
			AgentID:      "globex-worker",
			TenantID:     "globex",
			Capabilities: []types.Capability{types.CapabilityAnalysis},
		})
		require.NoError(t, err)
		req, err := worker.NewRequest("remote-1", "report", nil)
		require.NoError(t, err)
		_, err = worker.Deliver(ctx, req, false)
		require.NoError(t, err)

		h, err := mcpsign.HeadersFromHTTP(headers())
		require.NoError(t, err)
		assert.Equal(t, "globex-worker", h.Caller)
		assert.Equal(t, "globex", h.TenantID)
	})
}

func TestAdmitInbound(t *testing.T) {
	cfg := testConfig()
	cfg.Tenancy.AgentTenants = map[string][]string{"node-1": {"acme"}, "partner": {"acme"}}
	cfg.Tenancy.AgentTools = map[string][]string{"partner": {"ping"}}
	rt := newRuntime(t, cfg)

	msg, err := rt.Node.NewRequest("node-1", "ping", nil)
	require.NoError(t, err)
	in := client.Inbound{Message: msg, Action: "ping", AgentID: "node-1", TenantID: "acme"}

	peerCtx := func(h *mcpsign.Headers) context.Context {
		ctx := transport.WithPeer(context.Background())
		if h != nil {
			ctx = mcpsign.WithHeaders(ctx, h)
		}
		return ctx
	}

	t.Run("in process", func(t *testing.T) {
		assert.NoError(t, rt.admitInbound(context.Background(), in))
	})

	t.Run("peer without headers", func(t *testing.T) {
		err := rt.admitInbound(peerCtx(nil), in)
		assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrMCPSignature), "got %v", err)
	})

	t.Run("peer with unverified headers", func(t *testing.T) {
		err := rt.admitInbound(peerCtx(mcpsign.NewHeaders("acme", "partner")), in)
		assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrMCPSignature), "got %v", err)
	})

	t.Run("verified partner", func(t *testing.T) {
		h := mcpsign.NewHeaders("acme", "partner")
		h.Verified = true
		assert.NoError(t, rt.admitInbound(peerCtx(h), in))
	})

	t.Run("unknown tenant is forbidden", func(t *testing.T) {
		h := mcpsign.NewHeaders("initech", "partner")
		h.Verified = true
		denied := in
		denied.TenantID = "initech"
		err := rt.admitInbound(peerCtx(h), denied)
		require.Error(t, err)
		a2aErr, ok := a2aerrors.AsA2AError(err)
		require.True(t, ok)
		assert.Equal(t, http.StatusForbidden, a2aErr.GetHTTPStatus())
		assert.Equal(t, string(a2aerrors.ErrUnknownTenant), a2aErr.Details["reason"])
	})
}
