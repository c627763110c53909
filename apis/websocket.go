// Copyright 2022 The livesub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/livesub/broker"
	"github.com/alwitt/livesub/common"
	"github.com/alwitt/livesub/subscription"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// SubscriptionSubprotocol is the WebSocket subprotocol spoken on the subscription endpoint
const SubscriptionSubprotocol = "graphql-ws"

// close frame reason is limited to 123 bytes
const maxCloseReasonLen = 123

var errTransportClosed = errors.New("transport closed")

// wsTransport is the outbound side of one WebSocket. Frames are queued and written by a
// single writer goroutine.
type wsTransport struct {
	common.Component
	conn        *websocket.Conn
	sendQueue   chan []byte
	done        chan struct{}
	lock        sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

func newWSTransport(conn *websocket.Conn, queueLen int, logTags log.Fields) *wsTransport {
	return &wsTransport{
		Component: common.Component{LogTags: logTags},
		conn:      conn,
		sendQueue: make(chan []byte, queueLen),
		done:      make(chan struct{}),
	}
}

// Send queue a frame without blocking. No frame is accepted once Close has been called.
func (t *wsTransport) Send(frame []byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return errTransportClosed
	}
	select {
	case t.sendQueue <- frame:
		return nil
	default:
		return subscription.ErrTransportBufferFull
	}
}

// Close request the writer to flush queued frames, then close with the code
func (t *wsTransport) Close(code int, reason string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return nil
	}
	if len(reason) > maxCloseReasonLen {
		reason = reason[:maxCloseReasonLen]
	}
	t.closed = true
	t.closeCode = code
	t.closeReason = reason
	close(t.done)
	return nil
}

func (t *wsTransport) write(msgType int, data []byte, writeTimeout time.Duration) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(msgType, data)
}

// writeLoop runs until the transport is closed or a write fails
func (t *wsTransport) writeLoop(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer func() {
		if err := t.conn.Close(); err != nil {
			log.WithError(err).WithFields(t.LogTags).Debug("Socket close error")
		}
	}()
	for {
		select {
		case frame := <-t.sendQueue:
			if err := t.write(websocket.TextMessage, frame, writeTimeout); err != nil {
				log.WithError(err).WithFields(t.LogTags).Info("Frame write failed")
				_ = t.Close(websocket.CloseAbnormalClosure, "write failure")
				return
			}
		case <-ticker.C:
			if err := t.conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(writeTimeout),
			); err != nil {
				log.WithError(err).WithFields(t.LogTags).Info("Ping write failed")
				_ = t.Close(websocket.CloseAbnormalClosure, "write failure")
				return
			}
		case <-t.done:
			t.flush(writeTimeout)
			if t.closeCode == websocket.CloseAbnormalClosure {
				// 1006 is never sent on the wire
				return
			}
			if err := t.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(t.closeCode, t.closeReason),
				time.Now().Add(writeTimeout),
			); err != nil {
				log.WithError(err).WithFields(t.LogTags).Debug("Close frame write failed")
			}
			return
		}
	}
}

// flush write whatever is still queued
func (t *wsTransport) flush(writeTimeout time.Duration) {
	for {
		select {
		case frame := <-t.sendQueue:
			if err := t.write(websocket.TextMessage, frame, writeTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ==============================================================================

// WebSocketHandler serves the subscription WebSocket endpoint
type WebSocketHandler struct {
	common.Component
	broker      broker.Broker
	upgrader    websocket.Upgrader
	config      common.WebSocketConfig
	runtimeCtxt context.Context
	wg          *sync.WaitGroup
}

// GetWebSocketHandler define WebSocketHandler
func GetWebSocketHandler(
	config common.WebSocketConfig,
	subBroker broker.Broker,
	runtimeCtxt context.Context,
	wg *sync.WaitGroup,
) (*WebSocketHandler, error) {
	if subBroker == nil {
		return nil, errors.New("broker is required")
	}
	if config.PingInterval >= config.PongWait {
		return nil, errors.New("ping interval must be shorter than pong wait")
	}
	return &WebSocketHandler{
		Component: common.Component{
			LogTags: log.Fields{"module": "apis", "component": "websocket"},
		},
		broker: subBroker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			Subprotocols:    []string{SubscriptionSubprotocol},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		config:      config,
		runtimeCtxt: runtimeCtxt,
		wg:          wg,
	}, nil
}

// Subscribe godoc
// @Summary Open a subscription connection
// @Description Upgrade to a WebSocket speaking the graphql-ws subscription protocol
// @tags Subscriptions
// @Success 101
// @Router /v1/subscriptions [get]
func (h *WebSocketHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already responded
		log.WithError(err).WithFields(h.LogTags).Info("WebSocket upgrade failed")
		return
	}
	writeTimeout := time.Second * time.Duration(h.config.WriteTimeout)
	pongWait := time.Second * time.Duration(h.config.PongWait)

	logTags := log.Fields{}
	for k, v := range h.LogTags {
		logTags[k] = v
	}
	logTags["remote"] = r.RemoteAddr
	transport := newWSTransport(conn, h.config.SendQueueLength, logTags)

	session, err := h.broker.OpenConnection(transport, r.RemoteAddr)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register connection")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error"),
			time.Now().Add(writeTimeout),
		)
		_ = conn.Close()
		return
	}
	logTags["connection"] = session.ConnectionID()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		transport.writeLoop(time.Second*time.Duration(h.config.PingInterval), writeTimeout)
	}()

	ctxt, cancel := context.WithCancel(h.runtimeCtxt)
	defer cancel()

	reason := h.readLoop(ctxt, conn, session, pongWait, logTags)
	if err := session.Close(reason); err != nil {
		log.WithError(err).WithFields(logTags).Error("Connection close failed")
	}
	_ = transport.Close(websocket.CloseNormalClosure, reason)
}

// readLoop feed inbound frames to the session in arrival order. Returns the reason the
// connection ended.
func (h *WebSocketHandler) readLoop(
	ctxt context.Context,
	conn *websocket.Conn,
	session *broker.Session,
	pongWait time.Duration,
	logTags log.Fields,
) string {
	conn.SetReadLimit(h.config.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(logTags).Info("Connection lost")
				return "connection lost"
			}
			log.WithError(err).WithFields(logTags).Debug("Connection closed")
			return "client disconnected"
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := session.Handle(ctxt, frame); err != nil {
			if !errors.Is(err, broker.ErrSessionTerminated) {
				log.WithError(err).WithFields(logTags).Error("Frame processing failed")
			}
			return "session terminated"
		}
	}
}

// SubscribeHandler Wrapper around Subscribe
func (h *WebSocketHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}
