package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cory-johannsen/huddle/internal/rpc"
)

// wsPair dials a throwaway websocket server and returns both ends of the
// connection.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("server side of the pair never arrived")
	}
	t.Cleanup(func() { server.Close() })
	return server, client
}

func newTestSession(conn *websocket.Conn) *session {
	return &session{
		conn:   conn,
		logger: zap.NewNop(),
		out:    make(chan rpc.Envelope, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// A member that stops draining its socket must never stall the sender.
// With the pump parked, the queue fills and the overflowing send has to
// return immediately, shutting the session down instead of blocking.
func TestSendNeverBlocksOnStalledSession(t *testing.T) {
	server, _ := wsPair(t)
	sess := newTestSession(server)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i <= sendBufferSize; i++ {
			sess.push(rpc.MethodRoomUpdated, rpc.RoomUpdatedPush{})
		}
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("send blocked on a stalled session")
	}
	select {
	case <-sess.done:
	default:
		t.Fatal("overflowing session was not shut down")
	}

	// Once down, further sends are silent no-ops.
	sess.push(rpc.MethodRoomUpdated, rpc.RoomUpdatedPush{})
}

func TestWritePumpDeliversAndStopsOnShutdown(t *testing.T) {
	server, client := wsPair(t)
	sess := newTestSession(server)
	go sess.writePump()

	sess.respond("req-1", rpc.AckResponse{}, nil)
	var env rpc.Envelope
	require.NoError(t, client.ReadJSON(&env))
	assert.Equal(t, rpc.KindResponse, env.Kind)
	assert.Equal(t, "req-1", env.ID)

	sess.shutdown()
	require.Eventually(t, func() bool {
		return client.ReadJSON(&env) != nil
	}, 2*time.Second, 10*time.Millisecond)
}

// Fire-and-forget requests carry no correlation ID and get no reply.
func TestRespondSkipsFireAndForget(t *testing.T) {
	server, _ := wsPair(t)
	sess := newTestSession(server)

	sess.respond("", rpc.AckResponse{}, nil)
	assert.Empty(t, sess.out)
}
