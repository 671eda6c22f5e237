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

package transport

import (
	"context"
	"sort"
	"time"

	"github.com/a2ahub/a2a-engine/internal/config"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/messaging"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// HeartbeatSender periodically sends HEARTBEAT messages to known peers so
// their health is tracked even when no traffic flows.
type HeartbeatSender struct {
	self     string
	layer    *Layer
	messages *messaging.Manager
	interval time.Duration
	peers    func() []string
	logger   *logging.Logger
}

// NewHeartbeatSender creates a sender for agent self. peers lists the
// targets on every beat; nil uses the layer's static peer map.
func NewHeartbeatSender(self string, layer *Layer, messages *messaging.Manager, cfg config.HeartbeatConfig, peers func() []string, logger *logging.Logger) *HeartbeatSender {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	h := &HeartbeatSender{
		self:     self,
		layer:    layer,
		messages: messages,
		interval: interval,
		peers:    peers,
		logger:   logger.WithComponent("heartbeat"),
	}
	if h.peers == nil {
		h.peers = h.staticPeers
	}
	return h
}

func (h *HeartbeatSender) staticPeers() []string {
	out := make([]string, 0, len(h.layer.cfg.Peers))
	for id := range h.layer.cfg.Peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Run beats until ctx is cancelled
func (h *HeartbeatSender) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Beat(ctx)
		}
	}
}

// Beat sends one heartbeat to every peer and returns the number of failed
// sends. A peer that turns unhealthy on this beat is logged once.
func (h *HeartbeatSender) Beat(ctx context.Context) int {
	failed := 0
	for _, peer := range h.peers() {
		if peer == h.self {
			continue
		}
		before := h.layer.conns.Status(peer)

		msg, err := h.messages.CreateMessage(h.self, peer, types.MessageTypeHeartbeat,
			map[string]interface{}{"status": "alive", "timestamp": time.Now().UTC()},
			messaging.WithPriority(types.PriorityLow),
			messaging.WithTTL(int(h.interval.Seconds())*2))
		if err != nil {
			h.logger.Error("Failed to build heartbeat", err)
			failed++
			continue
		}

		if _, err := h.layer.SendMessage(ctx, peer, types.NewEnvelope(msg), SendOptions{}); err != nil {
			failed++
			if after := h.layer.conns.Status(peer); after == PeerUnhealthy && before != PeerUnhealthy {
				h.logger.WithField("peer", peer).Warnf("Peer marked unhealthy after missed heartbeats: %v", err)
			}
		}
	}
	return failed
}
