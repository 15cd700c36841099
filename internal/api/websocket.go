package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"homehelpers/internal/ha"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Version is reported in auth_required and auth_ok
const Version = "homehelpers-1"

// WebSocket error codes
const (
	codeNotFound      = "not_found"
	codeInvalidFormat = "invalid_format"
	codeUnknown       = "unknown_command"
	codeServiceError  = "home_assistant_error"
)

const (
	sendBuffer   = 256
	authTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHub tracks open WebSocket connections
type wsHub struct {
	hass   *ha.Hass
	logger *zap.Logger
	token  string

	connsMu sync.Mutex
	conns   map[*wsConn]struct{}
}

func newWSHub(hass *ha.Hass, logger *zap.Logger, token string) *wsHub {
	return &wsHub{
		hass:   hass,
		logger: logger,
		token:  token,
		conns:  make(map[*wsConn]struct{}),
	}
}

// wsConn is one authenticated client. All writes go through send so a
// single goroutine owns the socket's write side.
type wsConn struct {
	hub  *wsHub
	conn *websocket.Conn
	send chan interface{}
	done chan struct{}
	once sync.Once

	subsMu sync.Mutex
	subs   map[int]ha.Subscription
}

func (h *wsHub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	c := &wsConn{
		hub:  h,
		conn: conn,
		send: make(chan interface{}, sendBuffer),
		done: make(chan struct{}),
		subs: make(map[int]ha.Subscription),
	}

	if !c.authenticate() {
		conn.Close()
		return
	}

	h.connsMu.Lock()
	h.conns[c] = struct{}{}
	h.connsMu.Unlock()

	go c.writeLoop()
	c.readLoop()
	c.close()

	h.connsMu.Lock()
	delete(h.conns, c)
	h.connsMu.Unlock()
}

func (h *wsHub) closeAll() {
	h.connsMu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.connsMu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// authenticate runs the auth_required / auth handshake before the write
// loop starts, so it writes directly
func (c *wsConn) authenticate() bool {
	if err := c.conn.WriteJSON(ha.Message{Type: "auth_required", HAVersion: Version}); err != nil {
		return false
	}

	c.conn.SetReadDeadline(time.Now().Add(authTimeout))
	var auth ha.AuthMessage
	if err := c.conn.ReadJSON(&auth); err != nil {
		c.hub.logger.Debug("Failed to read auth", zap.Error(err))
		return false
	}
	c.conn.SetReadDeadline(time.Time{})

	if auth.Type != "auth" || (c.hub.token != "" && auth.AccessToken != c.hub.token) {
		c.conn.WriteJSON(ha.Message{Type: "auth_invalid"})
		c.hub.logger.Warn("WebSocket authentication failed",
			zap.String("remote_addr", c.conn.RemoteAddr().String()))
		return false
	}

	return c.conn.WriteJSON(ha.Message{Type: "auth_ok", HAVersion: Version}) == nil
}

func (c *wsConn) readLoop() {
	for {
		var raw json.RawMessage
		if err := c.conn.ReadJSON(&raw); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("Connection closed", zap.Error(err))
			}
			return
		}

		var base struct {
			ID   int    `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &base); err != nil {
			c.sendError(0, codeInvalidFormat, "Message incorrectly formatted.")
			continue
		}

		switch base.Type {
		case "get_states":
			c.sendResult(base.ID, c.hub.hass.States.All())
		case "call_service":
			c.handleCallService(raw)
		case "subscribe_events":
			c.handleSubscribeEvents(raw)
		case "unsubscribe_events":
			c.handleUnsubscribeEvents(raw)
		case "ping":
			c.enqueue(ha.Message{ID: base.ID, Type: "pong"})
		default:
			c.sendError(base.ID, codeUnknown, "Unknown command.")
		}
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.hub.logger.Debug("Write failed", zap.Error(err))
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue hands msg to the write loop. A client that cannot keep up is
// disconnected rather than allowed to stall state writes.
func (c *wsConn) enqueue(msg interface{}) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.hub.logger.Warn("Send buffer full, closing connection",
			zap.String("remote_addr", c.conn.RemoteAddr().String()))
		c.close()
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)

		c.subsMu.Lock()
		for id, sub := range c.subs {
			sub.Unsubscribe()
			delete(c.subs, id)
		}
		c.subsMu.Unlock()

		c.conn.Close()
	})
}

func (c *wsConn) sendResult(id int, result interface{}) {
	msg := ha.Message{ID: id, Type: "result", Success: boolPtr(true)}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			c.sendError(id, codeUnknown, err.Error())
			return
		}
		msg.Result = data
	}
	c.enqueue(msg)
}

func (c *wsConn) sendError(id int, code, message string) {
	c.enqueue(ha.Message{
		ID:      id,
		Type:    "result",
		Success: boolPtr(false),
		Error:   &ha.Error{Code: code, Message: message},
	})
}

func (c *wsConn) handleCallService(raw json.RawMessage) {
	var req ha.CallServiceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError(0, codeInvalidFormat, "Message incorrectly formatted.")
		return
	}

	data := make(map[string]interface{}, len(req.ServiceData)+1)
	for k, v := range req.ServiceData {
		data[k] = v
	}
	if req.Target != nil && len(req.Target.EntityID) > 0 {
		data[ha.AttrEntityID] = req.Target.EntityID
	}

	hctx := ha.NewContext("")
	err := c.hub.hass.CallService(context.Background(), req.Domain, req.Service, data, true, hctx)
	switch {
	case err == nil:
		c.sendResult(req.ID, ha.CallServiceResult{Context: hctx})
	case errors.Is(err, ha.ErrServiceNotFound):
		c.sendError(req.ID, codeNotFound, "Service not found.")
	case errors.Is(err, ha.ErrInvalidServiceData):
		c.sendError(req.ID, codeInvalidFormat, err.Error())
	default:
		c.sendError(req.ID, codeServiceError, err.Error())
	}
}

func (c *wsConn) handleSubscribeEvents(raw json.RawMessage) {
	var req ha.SubscribeEventsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError(0, codeInvalidFormat, "Message incorrectly formatted.")
		return
	}

	// state_changed is the only event type; an empty type subscribes to all
	if req.EventType != "" && !strings.EqualFold(req.EventType, ha.EventStateChanged) {
		c.sendResult(req.ID, nil)
		return
	}

	subID := req.ID
	sub, err := c.hub.hass.States.SubscribeAll(func(entityID string, oldState, newState *ha.State) {
		c.sendStateChanged(subID, entityID, oldState, newState)
	})
	if err != nil {
		c.sendError(req.ID, codeServiceError, err.Error())
		return
	}

	c.subsMu.Lock()
	c.subs[subID] = sub
	c.subsMu.Unlock()

	c.sendResult(req.ID, nil)
}

func (c *wsConn) handleUnsubscribeEvents(raw json.RawMessage) {
	var req ha.UnsubscribeEventsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError(0, codeInvalidFormat, "Message incorrectly formatted.")
		return
	}

	c.subsMu.Lock()
	sub, ok := c.subs[req.Subscription]
	delete(c.subs, req.Subscription)
	c.subsMu.Unlock()

	if !ok {
		c.sendError(req.ID, codeNotFound, "Subscription not found.")
		return
	}
	sub.Unsubscribe()
	c.sendResult(req.ID, nil)
}

func (c *wsConn) sendStateChanged(subID int, entityID string, oldState, newState *ha.State) {
	data, err := json.Marshal(ha.StateChangedEvent{
		EntityID: entityID,
		OldState: oldState,
		NewState: newState,
	})
	if err != nil {
		c.hub.logger.Error("Failed to encode state_changed", zap.Error(err))
		return
	}

	var hctx *ha.Context
	if newState != nil {
		hctx = newState.Context
	}

	c.enqueue(ha.Message{
		ID:   subID,
		Type: "event",
		Event: &ha.Event{
			EventType: ha.EventStateChanged,
			Data:      data,
			Origin:    "LOCAL",
			TimeFired: c.hub.hass.Clock().Now(),
			Context:   hctx,
		},
	})
}

func boolPtr(b bool) *bool {
	return &b
}
