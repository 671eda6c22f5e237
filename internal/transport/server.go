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
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/metrics"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// Handler processes one inbound envelope. A nil response with a nil error is
// acknowledged as accepted.
type Handler func(ctx context.Context, env types.Envelope) (*types.Envelope, error)

// Server is the inbound side of the transport
type Server struct {
	handler  Handler
	layer    *Layer
	maxSize  int64
	logger   *logging.Logger
	metrics  metrics.MetricsProvider
	upgrader websocket.Upgrader

	wsActive   atomic.Int64
	httpServer *http.Server
}

// NewServer creates an inbound transport server. layer supplies the
// connection stats reported on the health route and may be nil.
func NewServer(handler Handler, layer *Layer, maxSize int64, logger *logging.Logger, m metrics.MetricsProvider) *Server {
	if m == nil {
		m = metrics.NoopMetrics{}
	}
	return &Server{
		handler: handler,
		layer:   layer,
		maxSize: maxSize,
		logger:  logger.WithComponent("transport-server"),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the transport endpoints on r
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.POST(MessagePath, s.handleMessage)
	r.GET(HealthPath, s.handleHealth)
	r.GET(WSPath, s.handleWebSocket)
}

// Start listens on addr and serves only the transport routes. It blocks
// until the server stops; http.ErrServerClosed is reported as nil.
func (s *Server) Start(addr string) error {
	router := gin.New()
	router.Use(gin.Recovery())
	s.RegisterRoutes(router)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.WithField("address", addr).Info("Starting transport server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server started by Start and closes the layer's
// outbound connections
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.layer != nil {
		_ = s.layer.Close() // nolint:errcheck
	}
	return err
}

func (s *Server) handleMessage(c *gin.Context) {
	start := time.Now()

	body := c.Request.Body
	if s.maxSize > 0 {
		body = http.MaxBytesReader(c.Writer, body, s.maxSize)
	}

	var env types.Envelope
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(c, a2aerrors.Newf(a2aerrors.ErrMessageTooLarge, "message exceeds %d bytes", s.maxSize))
			return
		}
		s.respondError(c, a2aerrors.Wrap(a2aerrors.ErrInvalidRequestFormat, "malformed message envelope", err))
		return
	}

	header := env.Header()
	ctx := logging.WithMessageID(WithPeer(c.Request.Context()), header.MessageID)
	resp, err := s.handler(ctx, env)
	s.metrics.RecordMessage("inbound", string(header.MessageType), outcome(err), time.Since(start), c.Request.ContentLength)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if resp == nil {
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c *gin.Context) {
	out := gin.H{
		"status":                "healthy",
		"timestamp":             time.Now().UTC(),
		"websocket_connections": s.wsActive.Load(),
	}
	if s.layer != nil {
		out["peers"] = s.layer.Stats()
		out["summary"] = s.layer.Connections().Summary()
	}
	c.JSON(http.StatusOK, out)
}

// respondError writes an error body. Handler failures that are not client
// errors are reported with a generic message.
func (s *Server) respondError(c *gin.Context, err error) {
	a2aErr, ok := a2aerrors.AsA2AError(err)
	if !ok || a2aErr.GetHTTPStatus() >= 500 {
		s.logger.WithContext(c.Request.Context()).Error("Inbound handler failed", err)
		s.metrics.RecordError("transport", string(a2aerrors.ErrInternalError))
		generic := a2aerrors.New(a2aerrors.ErrInternalError, "internal error")
		c.JSON(http.StatusInternalServerError, generic.ToErrorResponse())
		return
	}
	s.logger.WithContext(c.Request.Context()).Warnf("Inbound message rejected: %v", err)
	c.JSON(a2aErr.GetHTTPStatus(), a2aErr.ToErrorResponse())
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnf("WebSocket upgrade failed: %v", err)
		return
	}
	defer func() {
		_ = conn.Close() // nolint:errcheck
	}()

	s.metrics.SetConnectionsActive(float64(s.wsActive.Add(1)))
	defer func() {
		s.metrics.SetConnectionsActive(float64(s.wsActive.Add(-1)))
	}()

	if s.maxSize > 0 {
		conn.SetReadLimit(s.maxSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait)) // nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go s.pingLoop(ctx, conn)

	logger := s.logger.WithField("remote_addr", c.ClientIP())
	logger.Debug("WebSocket client connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warnf("WebSocket read error: %v", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait)) // nolint:errcheck

		reply := s.handleFrame(ctx, data)
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) // nolint:errcheck
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			logger.Warnf("WebSocket write error: %v", err)
			return
		}
	}
}

// handleFrame runs one envelope through the handler and encodes the reply
// frame: the response envelope, an accepted marker or an error body.
func (s *Server) handleFrame(ctx context.Context, data []byte) []byte {
	start := time.Now()

	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return errorFrame(a2aerrors.Wrap(a2aerrors.ErrInvalidRequestFormat, "malformed message envelope", err))
	}

	header := env.Header()
	resp, err := s.handler(logging.WithMessageID(WithPeer(ctx), header.MessageID), env)
	s.metrics.RecordMessage("inbound", string(header.MessageType), outcome(err), time.Since(start), int64(len(data)))
	if err != nil {
		a2aErr, ok := a2aerrors.AsA2AError(err)
		if !ok || a2aErr.GetHTTPStatus() >= 500 {
			s.logger.Error("Inbound handler failed", err)
			return errorFrame(a2aerrors.New(a2aerrors.ErrInternalError, "internal error"))
		}
		return errorFrame(a2aErr)
	}
	if resp == nil {
		return acceptedFrame
	}
	out, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to encode response envelope", err)
		return errorFrame(a2aerrors.New(a2aerrors.ErrInternalError, "internal error"))
	}
	return out
}

func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func errorFrame(err *a2aerrors.A2AError) []byte {
	out, _ := json.Marshal(err.ToErrorResponse()) // nolint:errcheck
	return out
}

func outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}
