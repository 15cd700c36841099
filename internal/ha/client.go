package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const unsubscribeTimeout = 10 * time.Second

// ErrClientClosed is returned for requests on a closed or broken connection
var ErrClientClosed = errors.New("websocket client closed")

// HAClient is the remote view of the WebSocket API served by internal/api
type HAClient interface {
	States(ctx context.Context) ([]*State, error)
	State(ctx context.Context, entityID string) (*State, error)
	CallService(ctx context.Context, domain, service string, data map[string]interface{}) (*Context, error)
	SubscribeStateChanges(ctx context.Context, entityID string, handler StateChangeHandler) (Subscription, error)
}

// Error makes a failed result usable as an error
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// remoteSub is a server-side subscription. entityID "" matches every entity.
type remoteSub struct {
	entityID string
	handler  StateChangeHandler
}

// Client is one authenticated WebSocket connection. It does not reconnect;
// once the connection drops every request fails with ErrClientClosed.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int
	pending map[int]chan Message
	subs    map[int]remoteSub

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to url and authenticates with token
func Dial(ctx context.Context, url, token string, logger *zap.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	if err := handshake(conn, token); err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: make(map[int]chan Message),
		subs:    make(map[int]remoteSub),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	logger.Debug("Connected", zap.String("url", url))
	return c, nil
}

func handshake(conn *websocket.Conn, token string) error {
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if msg.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", msg.Type)
	}

	if err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: token}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	msg = Message{}
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	switch msg.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed: invalid token")
	default:
		return fmt.Errorf("expected auth_ok, got %s", msg.Type)
	}
}

// Close ends the connection. Pending requests fail with ErrClientClosed.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.shutdown(ErrClientClosed)
	return nil
}

// Done is closed once the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("Connection lost", zap.Error(err))
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrClientClosed, err))
			return
		}

		if msg.Type == "event" {
			c.dispatch(&msg)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *Client) dispatch(msg *Message) {
	if msg.Event == nil || msg.Event.EventType != EventStateChanged {
		return
	}

	c.mu.Lock()
	sub, ok := c.subs[msg.ID]
	c.mu.Unlock()
	if !ok {
		return
	}

	var data StateChangedEvent
	if err := json.Unmarshal(msg.Event.Data, &data); err != nil {
		c.logger.Error("Failed to decode state_changed", zap.Error(err))
		return
	}
	if sub.entityID != "" && sub.entityID != data.EntityID {
		return
	}
	sub.handler(data.EntityID, data.OldState, data.NewState)
}

// request sends the message build returns for a fresh id and waits for its
// result. A result with success=false comes back as an *Error.
func (c *Client) request(ctx context.Context, build func(id int) interface{}, before func(id int)) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Message, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	if before != nil {
		before(id)
	}
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	c.writeMu.Lock()
	err := c.conn.WriteJSON(build(id))
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case msg := <-ch:
		if msg.Success != nil && !*msg.Success {
			if msg.Error != nil {
				return nil, msg.Error
			}
			return nil, fmt.Errorf("request %d failed", id)
		}
		return &msg, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
}

// Ping checks the server still answers
func (c *Client) Ping(ctx context.Context) error {
	msg, err := c.request(ctx, func(id int) interface{} {
		return &Message{ID: id, Type: "ping"}
	}, nil)
	if err != nil {
		return err
	}
	if msg.Type != "pong" {
		return fmt.Errorf("expected pong, got %s", msg.Type)
	}
	return nil
}

// States returns every state the server holds
func (c *Client) States(ctx context.Context) ([]*State, error) {
	msg, err := c.request(ctx, func(id int) interface{} {
		return &GetStatesRequest{ID: id, Type: "get_states"}
	}, nil)
	if err != nil {
		return nil, err
	}

	var states []*State
	if err := json.Unmarshal(msg.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to decode states: %w", err)
	}
	return states, nil
}

// State returns one state, or ErrEntityNotFound
func (c *Client) State(ctx context.Context, entityID string) (*State, error) {
	states, err := c.States(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range states {
		if s.EntityID == entityID {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
}

// CallService runs a service to completion and returns the context the
// server attached to it. States written by the call carry that context.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]interface{}) (*Context, error) {
	msg, err := c.request(ctx, func(id int) interface{} {
		return &CallServiceRequest{
			ID:          id,
			Type:        "call_service",
			Domain:      domain,
			Service:     service,
			ServiceData: data,
		}
	}, nil)
	if err != nil {
		return nil, err
	}

	var result CallServiceResult
	if len(msg.Result) > 0 {
		if err := json.Unmarshal(msg.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to decode call_service result: %w", err)
		}
	}
	return result.Context, nil
}

// SubscribeStateChanges asks the server for state_changed events and hands
// those for entityID to handler. An empty entityID receives every entity.
// Handlers run on the read goroutine and must not block.
func (c *Client) SubscribeStateChanges(ctx context.Context, entityID string, handler StateChangeHandler) (Subscription, error) {
	var subID int
	// The handler is installed before the request goes out so events sent
	// ahead of the result are not lost.
	_, err := c.request(ctx, func(id int) interface{} {
		return &SubscribeEventsRequest{ID: id, Type: "subscribe_events", EventType: EventStateChanged}
	}, func(id int) {
		subID = id
		c.subs[id] = remoteSub{entityID: entityID, handler: handler}
	})
	if err != nil {
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
		return nil, err
	}

	return &remoteSubscription{client: c, id: subID}, nil
}

type remoteSubscription struct {
	client *Client
	id     int
	once   sync.Once
}

// Unsubscribe stops local delivery at once and tells the server
func (s *remoteSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		c := s.client
		c.mu.Lock()
		delete(c.subs, s.id)
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		defer cancel()
		_, err = c.request(ctx, func(id int) interface{} {
			return &UnsubscribeEventsRequest{ID: id, Type: "unsubscribe_events", Subscription: s.id}
		}, nil)
		if errors.Is(err, ErrClientClosed) {
			err = nil
		}
	})
	return err
}
