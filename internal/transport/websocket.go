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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 90 * time.Second
	wsPingPeriod = 30 * time.Second
)

// acceptedFrame is written back when a handler produced no response
var acceptedFrame = []byte(`{"status":"accepted"}`)

// wsClient is one pooled outbound connection. Requests on a connection are
// serialized: each frame written is answered by exactly one frame.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage, // nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close() // nolint:errcheck
		c.conn = nil
	}
}

// wsURL converts an http(s) base into the peer's WebSocket endpoint
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	if strings.HasSuffix(base, WSPath) {
		return base
	}
	return base + WSPath
}

// wsClientFor returns the pooled connection from sender to peerID. Headers
// are only sent on the handshake, so each sender dials its own connection.
func (l *Layer) wsClientFor(peerID, sender string) *wsClient {
	key := peerID + "\x00" + sender
	l.wsMu.Lock()
	defer l.wsMu.Unlock()
	c, ok := l.wsPeers[key]
	if !ok {
		c = &wsClient{}
		l.wsPeers[key] = c
	}
	return c
}

func (l *Layer) sendWS(ctx context.Context, peerID, base string, env types.Envelope, headers http.Header) (*types.Envelope, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrMessageValidationFailed, "failed to encode envelope", err)
	}

	c := l.wsClientFor(peerID, env.Header().SenderID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, _, err := l.dialer.DialContext(ctx, wsURL(base), headers)
		if err != nil {
			return nil, classifyNetError(err)
		}
		if l.maxSize > 0 {
			conn.SetReadLimit(l.maxSize + 1024)
		}
		c.conn = conn
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(l.sendTimeout)
	}
	_ = c.conn.SetWriteDeadline(deadline) // nolint:errcheck
	_ = c.conn.SetReadDeadline(deadline)  // nolint:errcheck

	// A failed exchange leaves the stream in an unknown position, so the
	// connection is dropped and redialed on the next send.
	if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		_ = c.conn.Close() // nolint:errcheck
		c.conn = nil
		return nil, classifyNetError(err)
	}
	_, reply, err := c.conn.ReadMessage()
	if err != nil {
		_ = c.conn.Close() // nolint:errcheck
		c.conn = nil
		return nil, classifyNetError(err)
	}
	return decodeWSReply(reply)
}

func decodeWSReply(reply []byte) (*types.Envelope, error) {
	var frame struct {
		Status string          `json:"status"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(reply, &frame); err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrTransportError, "peer returned an invalid frame", err)
	}
	if len(frame.Error) > 0 && frame.Error[0] == '{' {
		return nil, peerError(0, reply)
	}
	if frame.Status == "accepted" || len(bytes.TrimSpace(reply)) == 0 {
		return nil, nil
	}

	var out types.Envelope
	if err := json.Unmarshal(reply, &out); err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrTransportError, "peer returned an invalid envelope", err)
	}
	return &out, nil
}
