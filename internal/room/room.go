// Package room implements the client-side session core for a real-time
// collaborative room: who is present, what each participant is doing, and
// how the local process reacts to losing connectivity. The server's pushed
// snapshot is authoritative; every reconciliation replaces the remote
// participant registry and pending invite list wholesale.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"weak"

	"go.uber.org/zap"

	"github.com/cory-johannsen/huddle/internal/rpc"
)

// Status is the lifecycle state of a Room. The only transition is
// Online -> Offline; an offline room is never revived.
type Status int

const (
	Online Status = iota
	Offline
)

func (s Status) String() string {
	if s == Offline {
		return "offline"
	}
	return "online"
}

// Invite is a received invitation to join an existing room.
type Invite struct {
	RoomID     rpc.RoomID
	FromUserID rpc.UserID
}

// Room is a live collaborative session. It exclusively owns its status,
// the remote participant registry, and the pending invite list; all three
// are guarded by a single mutex, so every snapshot application is atomic
// with respect to readers.
type Room struct {
	client rpc.Client
	logger *zap.Logger

	mu      sync.Mutex
	id      rpc.RoomID
	status  Status
	local   LocalParticipant
	remotes map[rpc.PeerID]RemoteParticipant
	pending []rpc.UserID

	changed chan struct{}
}

// newRoom wires up a fresh online session: empty registry, a room_updated
// push handler, and the connectivity monitor. Both the handler and the
// monitor hold only a weak handle, so neither keeps an otherwise
// unreferenced room alive. The room has no identity yet; bind assigns it
// once the server answers.
func newRoom(client rpc.Client, logger *zap.Logger) *Room {
	r := &Room{
		client:  client,
		logger:  logger,
		status:  Online,
		local:   LocalParticipant{Projects: make(map[rpc.ProjectID]struct{})},
		remotes: make(map[rpc.PeerID]RemoteParticipant),
		changed: make(chan struct{}, 1),
	}

	handle := weak.Make(r)
	client.HandlePush(rpc.MethodRoomUpdated, func(payload json.RawMessage) error {
		return handleRoomUpdated(handle, payload)
	})
	go watchConnectivity(handle, client.SubscribeConnectivity())

	return r
}

// bind records the server-issued room identity.
func (r *Room) bind(id rpc.RoomID) {
	r.mu.Lock()
	r.id = id
	r.mu.Unlock()
}

// discard retires a session whose create or join never completed, so the
// monitor and push handler treat it as already gone.
func (r *Room) discard() {
	r.mu.Lock()
	r.status = Offline
	r.mu.Unlock()
}

// Create asks the server for a new room and returns the live session.
// The push handler is registered before the request goes out: the server
// broadcasts the first snapshot ahead of the create response, and that
// push must not be lost.
//
// Postcondition: On success the room is Online with its connectivity
// monitor running. On failure the error wraps ErrSignaling.
func Create(ctx context.Context, client rpc.Client, logger *zap.Logger) (*Room, error) {
	r := newRoom(client, logger)
	var resp rpc.CreateRoomResponse
	if err := client.Request(ctx, rpc.MethodCreateRoom, rpc.CreateRoomRequest{}, &resp); err != nil {
		r.discard()
		return nil, signalingError("create room", err)
	}
	r.bind(resp.RoomID)
	return r, nil
}

// Join accepts an invitation, joining the room it names and applying the
// snapshot carried by the join response. As with Create, the session is
// wired up before the request so snapshots pushed ahead of the response
// are applied rather than dropped.
//
// Postcondition: Returns ErrInvalidRoomState if the response carries no
// snapshot, an error wrapping ErrSignaling if the request fails; in both
// cases no externally observable session survives.
func Join(ctx context.Context, invite Invite, client rpc.Client, logger *zap.Logger) (*Room, error) {
	r := newRoom(client, logger)
	var resp rpc.JoinRoomResponse
	if err := client.Request(ctx, rpc.MethodJoinRoom, rpc.JoinRoomRequest{RoomID: invite.RoomID}, &resp); err != nil {
		r.discard()
		return nil, signalingError("join room", err)
	}
	if resp.Room == nil {
		r.discard()
		return nil, fmt.Errorf("%w: join response missing snapshot", ErrInvalidRoomState)
	}

	r.bind(invite.RoomID)
	if err := r.applySnapshot(resp.Room); err != nil {
		r.discard()
		return nil, err
	}
	return r, nil
}

// Leave finalizes the session: status goes Offline, the registry empties,
// and a best-effort leave notification is sent. The state transition is
// not rolled back if the notification cannot be sent; the send error is
// returned so the caller knows the server may still think we are present.
//
// Postcondition: Returns ErrRoomOffline if the room already left.
func (r *Room) Leave() error {
	r.mu.Lock()
	if r.status == Offline {
		r.mu.Unlock()
		return ErrRoomOffline
	}
	r.status = Offline
	r.remotes = make(map[rpc.PeerID]RemoteParticipant)
	id := r.id
	r.mu.Unlock()

	err := r.client.Send(rpc.MethodLeaveRoom, rpc.LeaveRoomRequest{RoomID: id})
	r.notify()
	if err != nil {
		r.logger.Warn("leave notification not delivered",
			zap.Uint64("room_id", uint64(id)),
			zap.Error(err),
		)
		return fmt.Errorf("sending leave notification: %w", err)
	}
	r.logger.Info("left room", zap.Uint64("room_id", uint64(id)))
	return nil
}

// Call invites another user to the room. No local state changes on
// success; the pending invite appears with the next pushed snapshot.
func (r *Room) Call(ctx context.Context, toUserID rpc.UserID) error {
	r.mu.Lock()
	if r.status == Offline {
		r.mu.Unlock()
		return ErrRoomOffline
	}
	id := r.id
	r.mu.Unlock()

	var resp rpc.InviteResponse
	if err := r.client.Request(ctx, rpc.MethodInvite, rpc.InviteRequest{RoomID: id, ToUserID: toUserID}, &resp); err != nil {
		return signalingError("invite", err)
	}
	return nil
}

// PublishProject shares a project with the room. The local project set is
// updated only after the server accepts the request; everyone else learns
// of it from the next snapshot.
func (r *Room) PublishProject(ctx context.Context, project rpc.ProjectID) error {
	id, err := r.onlineID()
	if err != nil {
		return err
	}
	var resp rpc.AckResponse
	if err := r.client.Request(ctx, rpc.MethodPublishProject, rpc.PublishProjectRequest{RoomID: id, ProjectID: project}, &resp); err != nil {
		return signalingError("publish project", err)
	}
	return r.commitLocal(func(local *LocalParticipant) {
		local.Projects[project] = struct{}{}
	})
}

// UnpublishProject stops sharing a project with the room.
func (r *Room) UnpublishProject(ctx context.Context, project rpc.ProjectID) error {
	id, err := r.onlineID()
	if err != nil {
		return err
	}
	var resp rpc.AckResponse
	if err := r.client.Request(ctx, rpc.MethodUnpublishProject, rpc.UnpublishProjectRequest{RoomID: id, ProjectID: project}, &resp); err != nil {
		return signalingError("unpublish project", err)
	}
	return r.commitLocal(func(local *LocalParticipant) {
		delete(local.Projects, project)
	})
}

// SetActiveProject reports which project the local user is looking at.
// A nil project means they moved outside any project.
func (r *Room) SetActiveProject(ctx context.Context, project *rpc.ProjectID) error {
	id, err := r.onlineID()
	if err != nil {
		return err
	}
	var resp rpc.AckResponse
	if err := r.client.Request(ctx, rpc.MethodSetActiveProject, rpc.SetActiveProjectRequest{RoomID: id, ProjectID: project}, &resp); err != nil {
		return signalingError("set active project", err)
	}
	return r.commitLocal(func(local *LocalParticipant) {
		if project == nil {
			local.ActiveProject = nil
		} else {
			p := *project
			local.ActiveProject = &p
		}
	})
}

// Mute mutes the local participant.
func (r *Room) Mute(ctx context.Context) error { return r.setMute(ctx, true) }

// Unmute unmutes the local participant.
func (r *Room) Unmute(ctx context.Context) error { return r.setMute(ctx, false) }

func (r *Room) setMute(ctx context.Context, muted bool) error {
	id, err := r.onlineID()
	if err != nil {
		return err
	}
	var resp rpc.AckResponse
	if err := r.client.Request(ctx, rpc.MethodSetMute, rpc.SetMuteRequest{RoomID: id, Muted: muted}, &resp); err != nil {
		return signalingError("set mute", err)
	}
	return r.commitLocal(func(local *LocalParticipant) {
		local.Muted = muted
	})
}

// onlineID returns the room ID if the room is still online.
func (r *Room) onlineID() (rpc.RoomID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == Offline {
		return 0, ErrRoomOffline
	}
	return r.id, nil
}

// commitLocal applies a confirmed mutation of local participant state. If
// the room went offline while the request was in flight, the mutation is
// discarded and ErrRoomOffline reported.
func (r *Room) commitLocal(mutate func(*LocalParticipant)) error {
	r.mu.Lock()
	if r.status == Offline {
		r.mu.Unlock()
		return ErrRoomOffline
	}
	mutate(&r.local)
	r.mu.Unlock()
	r.notify()
	return nil
}

// applySnapshot reconciles pushed server state onto the session. The new
// registry is assembled off to the side first: a single unrecognized
// location rejects the whole snapshot with prior state retained. Records
// for the local user are never entered into the registry.
func (r *Room) applySnapshot(snap *rpc.RoomSnapshot) error {
	localUser := r.client.UserID()

	next := make(map[rpc.PeerID]RemoteParticipant, len(snap.Participants))
	for _, p := range snap.Participants {
		if p.UserID == localUser {
			continue
		}
		loc, err := parseLocation(p.Location)
		if err != nil {
			return fmt.Errorf("participant %d: %w", p.UserID, err)
		}
		next[p.PeerID] = RemoteParticipant{
			UserID:   p.UserID,
			Projects: make(map[rpc.ProjectID]struct{}),
			Location: loc,
		}
	}

	r.mu.Lock()
	if r.status == Offline {
		r.mu.Unlock()
		return ErrRoomOffline
	}
	r.remotes = next
	r.pending = append([]rpc.UserID(nil), snap.PendingUserIDs...)
	id := r.id
	r.mu.Unlock()

	r.notify()
	r.logger.Debug("applied room snapshot",
		zap.Uint64("room_id", uint64(id)),
		zap.Int("participants", len(next)),
		zap.Int("pending", len(snap.PendingUserIDs)),
	)
	return nil
}

// handleRoomUpdated is the push entry point for snapshots. It resolves the
// weak handle first; a room that has been collected absorbs the push
// silently. Pushes are delivered by the transport in arrival order, so the
// latest snapshot always wins.
func handleRoomUpdated(handle weak.Pointer[Room], payload json.RawMessage) error {
	r := handle.Value()
	if r == nil {
		return nil
	}
	var push rpc.RoomUpdatedPush
	if err := json.Unmarshal(payload, &push); err != nil {
		return fmt.Errorf("decoding room update: %w", err)
	}
	if push.Room == nil {
		return fmt.Errorf("%w: room update missing snapshot", ErrInvalidRoomState)
	}
	if err := r.applySnapshot(push.Room); err != nil && !errors.Is(err, ErrRoomOffline) {
		return err
	}
	return nil
}

// watchConnectivity is the session monitor. It performs at most one
// teardown: if the connection is not healthy now, or ever changes state
// again, the room (if still referenced anywhere) is forced offline. A
// closed subscription after a healthy read means the transport shut down
// in an orderly way and the monitor exits without effect.
func watchConnectivity(handle weak.Pointer[Room], status <-chan rpc.ConnectivityState) {
	state, ok := <-status
	if ok && state.IsConnected() {
		// Even if we are connected now, any later event means connectivity
		// was at least momentarily lost.
		if _, ok := <-status; !ok {
			return
		}
	}

	r := handle.Value()
	if r == nil {
		return
	}
	err := r.Leave()
	switch {
	case err == nil:
		r.logger.Info("room forced offline after disconnect", zap.Uint64("room_id", uint64(r.ID())))
	case errors.Is(err, ErrRoomOffline):
		// Someone left before the monitor woke. Nothing to do.
	default:
		r.logger.Warn("leaving room after disconnect", zap.Error(err))
	}
}

// notify signals observers that session state changed. The channel
// coalesces: an unread signal already covers this change.
func (r *Room) notify() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// Changed returns the state-changed signal channel. A receive means some
// session state changed since the previous receive; read the accessors
// for the current values.
func (r *Room) Changed() <-chan struct{} { return r.changed }

// ID returns the server-issued room identity. It is zero until the
// create or join exchange completes and never changes afterwards.
func (r *Room) ID() rpc.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// Status returns the current lifecycle state.
func (r *Room) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// RemoteParticipants returns a copy of the registry.
func (r *Room) RemoteParticipants() map[rpc.PeerID]RemoteParticipant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[rpc.PeerID]RemoteParticipant, len(r.remotes))
	for peer, p := range r.remotes {
		out[peer] = p
	}
	return out
}

// PendingUserIDs returns a copy of the pending invite list from the last
// snapshot, in server order.
func (r *Room) PendingUserIDs() []rpc.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rpc.UserID(nil), r.pending...)
}

// LocalParticipant returns a copy of the local participant state.
func (r *Room) LocalParticipant() LocalParticipant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := LocalParticipant{
		Projects: make(map[rpc.ProjectID]struct{}, len(r.local.Projects)),
		Muted:    r.local.Muted,
	}
	for p := range r.local.Projects {
		out.Projects[p] = struct{}{}
	}
	if r.local.ActiveProject != nil {
		p := *r.local.ActiveProject
		out.ActiveProject = &p
	}
	return out
}
