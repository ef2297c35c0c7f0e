package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/cory-johannsen/huddle/internal/rpc"
)

// fakeClient is a scripted in-memory rpc.Client for driving the session
// core in tests.
type fakeClient struct {
	userID rpc.UserID

	// respond scripts request handling. Defaults to answering create_room
	// with room 42 and acking everything else.
	respond func(method string, payload json.RawMessage) (any, error)

	// sendErr, when set, makes fire-and-forget sends fail.
	sendErr error

	mu       sync.Mutex
	requests []string
	sends    []string
	handlers map[string]rpc.PushHandler
	subs     []chan rpc.ConnectivityState
}

func newFakeClient(userID rpc.UserID) *fakeClient {
	return &fakeClient{
		userID:   userID,
		handlers: make(map[string]rpc.PushHandler),
	}
}

func (c *fakeClient) Request(_ context.Context, method string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.requests = append(c.requests, method)
	respond := c.respond
	c.mu.Unlock()

	var reply any
	if respond != nil {
		reply, err = respond(method, payload)
	} else {
		reply, err = defaultRespond(method)
	}
	if err != nil {
		return err
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func defaultRespond(method string) (any, error) {
	switch method {
	case rpc.MethodCreateRoom:
		return rpc.CreateRoomResponse{RoomID: 42}, nil
	default:
		return rpc.AckResponse{}, nil
	}
}

func (c *fakeClient) Send(method string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, method)
	return c.sendErr
}

func (c *fakeClient) SubscribeConnectivity() <-chan rpc.ConnectivityState {
	ch := make(chan rpc.ConnectivityState, 16)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

func (c *fakeClient) HandlePush(method string, h rpc.PushHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

func (c *fakeClient) UserID() rpc.UserID { return c.userID }

// setConnectivity emits a state to every connectivity subscriber.
func (c *fakeClient) setConnectivity(state rpc.ConnectivityState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		ch <- state
	}
}

// closeConnectivity ends every connectivity subscription.
func (c *fakeClient) closeConnectivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
}

// pushRoomUpdated delivers a room_updated push synchronously, the way the
// transport read loop would.
func (c *fakeClient) pushRoomUpdated(t *testing.T, snap *rpc.RoomSnapshot) error {
	t.Helper()
	c.mu.Lock()
	h := c.handlers[rpc.MethodRoomUpdated]
	c.mu.Unlock()
	if h == nil {
		return fmt.Errorf("no handler registered for %s", rpc.MethodRoomUpdated)
	}
	payload, err := json.Marshal(rpc.RoomUpdatedPush{Room: snap})
	if err != nil {
		return err
	}
	return h(payload)
}

func (c *fakeClient) sendCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.sends {
		if m == method {
			n++
		}
	}
	return n
}

func (c *fakeClient) requestCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.requests {
		if m == method {
			n++
		}
	}
	return n
}
