// Package rpc defines the wire protocol shared by the huddle client and
// server: JSON envelopes carrying request/response/push payloads, the
// payload types themselves, and the transport Client interface the session
// core depends on.
package rpc

import "encoding/json"

// Envelope kinds.
const (
	KindRequest  = "request"
	KindResponse = "response"
	KindPush     = "push"
)

// Request and push methods.
const (
	MethodHello            = "hello"
	MethodCreateRoom       = "create_room"
	MethodJoinRoom         = "join_room"
	MethodLeaveRoom        = "leave_room"
	MethodInvite           = "invite"
	MethodPublishProject   = "publish_project"
	MethodUnpublishProject = "unpublish_project"
	MethodSetActiveProject = "set_active_project"
	MethodSetMute          = "set_mute"
	MethodRoomUpdated      = "room_updated"
)

// UserID identifies an account. It is stable across connections.
type UserID uint64

// PeerID identifies a single connection. A user who reconnects is assigned
// a fresh PeerID, so PeerID must never be used as a user identity.
type PeerID string

// RoomID is the server-issued room identifier.
type RoomID uint64

// ProjectID identifies a shared project. The session core treats it as an
// opaque comparable handle.
type ProjectID uint64

// Location kinds carried in participant snapshots.
const (
	LocationExternal        = "external"
	LocationSharedProject   = "shared_project"
	LocationUnsharedProject = "unshared_project"
)

// Envelope frames every websocket message. Requests carry a correlation ID
// that the matching response echoes back; pushes carry neither an ID nor an
// error.
type Envelope struct {
	Kind    string          `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// HelloRequest is the first message on a new connection, identifying the
// user. Authentication happens upstream of this protocol.
type HelloRequest struct {
	UserID UserID `json:"user_id"`
}

// HelloResponse returns the peer ID the server assigned to this connection.
type HelloResponse struct {
	PeerID PeerID `json:"peer_id"`
}

type CreateRoomRequest struct{}

type CreateRoomResponse struct {
	RoomID RoomID `json:"room_id"`
}

type JoinRoomRequest struct {
	RoomID RoomID `json:"room_id"`
}

// JoinRoomResponse carries the full room snapshot. A response without one
// is a protocol violation the caller must reject.
type JoinRoomResponse struct {
	Room *RoomSnapshot `json:"room,omitempty"`
}

type LeaveRoomRequest struct {
	RoomID RoomID `json:"room_id"`
}

type InviteRequest struct {
	RoomID   RoomID `json:"room_id"`
	ToUserID UserID `json:"to_user_id"`
}

type InviteResponse struct{}

type PublishProjectRequest struct {
	RoomID    RoomID    `json:"room_id"`
	ProjectID ProjectID `json:"project_id"`
}

type UnpublishProjectRequest struct {
	RoomID    RoomID    `json:"room_id"`
	ProjectID ProjectID `json:"project_id"`
}

// SetActiveProjectRequest reports which project the local user is looking
// at. A nil ProjectID means they moved outside any project.
type SetActiveProjectRequest struct {
	RoomID    RoomID     `json:"room_id"`
	ProjectID *ProjectID `json:"project_id,omitempty"`
}

type SetMuteRequest struct {
	RoomID RoomID `json:"room_id"`
	Muted  bool   `json:"muted"`
}

type AckResponse struct{}

// RoomUpdatedPush is the unsolicited server push delivering a new
// authoritative snapshot.
type RoomUpdatedPush struct {
	Room *RoomSnapshot `json:"room,omitempty"`
}

// RoomSnapshot is the authoritative full room state. Every push supersedes
// all previously delivered state; there is no incremental form.
type RoomSnapshot struct {
	RoomID         RoomID                `json:"room_id"`
	Participants   []ParticipantSnapshot `json:"participants"`
	PendingUserIDs []UserID              `json:"pending_user_ids"`
}

type ParticipantSnapshot struct {
	UserID   UserID           `json:"user_id"`
	PeerID   PeerID           `json:"peer_id"`
	Location LocationSnapshot `json:"location"`
}

// LocationSnapshot is the wire form of a participant location. ProjectID is
// meaningful only when Kind is LocationSharedProject.
type LocationSnapshot struct {
	Kind      string    `json:"kind"`
	ProjectID ProjectID `json:"project_id,omitempty"`
}
