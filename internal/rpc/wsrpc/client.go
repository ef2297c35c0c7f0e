// Package wsrpc implements rpc.Client over a websocket: JSON envelopes,
// uuid-correlated request/response pairs, push dispatch, and connectivity
// fan-out.
package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/huddle/internal/rpc"
)

// ErrClosed is returned for operations on a client whose connection has
// been lost or shut down.
var ErrClosed = errors.New("connection closed")

// ServerError carries an error string the server attached to a response.
type ServerError struct {
	Method  string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server rejected %s: %s", e.Method, e.Message)
}

// Client is a websocket implementation of rpc.Client. A single read loop
// dispatches responses and pushes, so pushes are handled strictly in
// arrival order.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger
	userID rpc.UserID
	peerID rpc.PeerID

	writeMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	pending  map[string]chan rpc.Envelope
	handlers map[string]rpc.PushHandler
	subs     []chan rpc.ConnectivityState
}

// Dial connects to the signaling server, performs the hello handshake to
// obtain this connection's peer ID, and starts the read loop.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a connected client, or a non-nil error with no
// connection left open.
func Dial(ctx context.Context, url string, userID rpc.UserID, logger *zap.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	peerID, err := hello(conn, userID)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello handshake: %w", err)
	}

	c := &Client{
		conn:     conn,
		logger:   logger.With(zap.String("peer_id", string(peerID))),
		userID:   userID,
		peerID:   peerID,
		pending:  make(map[string]chan rpc.Envelope),
		handlers: make(map[string]rpc.PushHandler),
	}
	go c.readLoop()

	c.logger.Info("connected", zap.String("url", url), zap.Uint64("user_id", uint64(userID)))
	return c, nil
}

// hello runs the identification exchange before the read loop exists, so
// it reads the socket directly.
func hello(conn *websocket.Conn, userID rpc.UserID) (rpc.PeerID, error) {
	payload, err := json.Marshal(rpc.HelloRequest{UserID: userID})
	if err != nil {
		return "", err
	}
	req := rpc.Envelope{
		Kind:    rpc.KindRequest,
		ID:      uuid.NewString(),
		Method:  rpc.MethodHello,
		Payload: payload,
	}
	if err := conn.WriteJSON(req); err != nil {
		return "", err
	}

	var reply rpc.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		return "", err
	}
	if reply.Error != "" {
		return "", &ServerError{Method: rpc.MethodHello, Message: reply.Error}
	}
	var resp rpc.HelloResponse
	if err := json.Unmarshal(reply.Payload, &resp); err != nil {
		return "", err
	}
	if resp.PeerID == "" {
		return "", errors.New("server assigned no peer id")
	}
	return resp.PeerID, nil
}

// Request sends a request and waits for its response or ctx expiry.
func (c *Client) Request(ctx context.Context, method string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	id := uuid.NewString()
	ch := make(chan rpc.Envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	env := rpc.Envelope{Kind: rpc.KindRequest, ID: id, Method: method, Payload: payload}
	if err := c.write(env); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if reply.Error != "" {
			return &ServerError{Method: method, Message: reply.Error}
		}
		if out != nil && len(reply.Payload) > 0 {
			if err := json.Unmarshal(reply.Payload, out); err != nil {
				return fmt.Errorf("decoding %s response: %w", method, err)
			}
		}
		return nil
	}
}

// Send delivers a fire-and-forget message. Envelopes without a correlation
// ID never receive a response.
func (c *Client) Send(method string, in any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", method, err)
	}
	return c.write(rpc.Envelope{Kind: rpc.KindRequest, Method: method, Payload: payload})
}

// SubscribeConnectivity returns a channel yielding the current state
// immediately, then every transition. The channel closes when the client
// shuts down.
func (c *Client) SubscribeConnectivity() <-chan rpc.ConnectivityState {
	ch := make(chan rpc.ConnectivityState, 4)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ch <- rpc.Disconnected
		close(ch)
		return ch
	}
	ch <- rpc.Connected
	c.subs = append(c.subs, ch)
	return ch
}

// HandlePush registers h for a push method, replacing any prior handler.
func (c *Client) HandlePush(method string, h rpc.PushHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

// UserID returns the identity this connection authenticated as.
func (c *Client) UserID() rpc.UserID { return c.userID }

// PeerID returns the server-assigned identifier for this connection.
func (c *Client) PeerID() rpc.PeerID { return c.peerID }

// Close shuts the connection down and releases all waiters.
func (c *Client) Close() error {
	c.teardown(nil)
	return c.conn.Close()
}

func (c *Client) write(env rpc.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("writing %s: %w", env.Method, err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		var env rpc.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.teardown(err)
			return
		}

		switch env.Kind {
		case rpc.KindResponse:
			c.mu.Lock()
			ch := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ch == nil {
				c.logger.Debug("response with no waiting request", zap.String("id", env.ID))
				continue
			}
			ch <- env
		case rpc.KindPush:
			c.mu.Lock()
			h := c.handlers[env.Method]
			c.mu.Unlock()
			if h == nil {
				c.logger.Debug("push with no handler", zap.String("method", env.Method))
				continue
			}
			if err := h(env.Payload); err != nil {
				c.logger.Warn("push handler failed",
					zap.String("method", env.Method),
					zap.Error(err),
				)
			}
		default:
			c.logger.Debug("ignoring envelope", zap.String("kind", env.Kind))
		}
	}
}

// teardown transitions the client to its terminal state: pending requests
// fail, connectivity subscribers observe Disconnected, and their channels
// close. Safe to call more than once.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan rpc.Envelope)
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	if cause != nil {
		c.logger.Info("connection lost", zap.Error(cause))
	}
	for _, ch := range pending {
		close(ch)
	}
	for _, ch := range subs {
		select {
		case ch <- rpc.Disconnected:
		default:
			c.logger.Debug("connectivity subscriber too slow for final state")
		}
		close(ch)
	}
}
