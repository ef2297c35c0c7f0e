package rpc

import (
	"context"
	"encoding/json"
)

// ConnectivityState describes the health of the underlying connection.
type ConnectivityState int

const (
	Disconnected ConnectivityState = iota
	Connected
)

// IsConnected reports whether the state represents a live connection.
func (s ConnectivityState) IsConnected() bool { return s == Connected }

func (s ConnectivityState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PushHandler consumes the payload of an unsolicited server push. Returned
// errors are logged by the transport; they do not tear down the connection.
type PushHandler func(payload json.RawMessage) error

// Client is the transport collaborator the session core is built against.
// Implementations own the socket, serialization, and timeout plumbing; the
// core only issues requests and reacts to pushes and connectivity changes.
type Client interface {
	// Request sends a request payload and decodes the response payload into
	// out. Deadlines come from ctx. A non-nil error means the request was
	// not answered successfully; out is untouched in that case.
	Request(ctx context.Context, method string, in, out any) error

	// Send delivers a fire-and-forget message. An error means the message
	// was not handed to the socket; no response is ever expected.
	Send(method string, in any) error

	// SubscribeConnectivity returns a channel that yields the current
	// connectivity state immediately, then every subsequent transition.
	// The channel is closed when the client shuts down.
	SubscribeConnectivity() <-chan ConnectivityState

	// HandlePush registers the handler for a push method, replacing any
	// previous registration for that method.
	HandlePush(method string, h PushHandler)

	// UserID returns the identity this connection authenticated as.
	UserID() UserID
}
