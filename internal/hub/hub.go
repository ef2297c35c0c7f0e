// Package hub is the server-side room registry behind the signaling
// protocol: it accepts websocket connections, tracks which peers occupy
// which rooms, and pushes a full authoritative snapshot to every member
// after each mutation.
package hub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/huddle/internal/rpc"
)

const (
	// sendBufferSize bounds the per-session outbound queue. A member whose
	// queue overflows is a slow consumer and gets disconnected.
	sendBufferSize = 32
	writeTimeout   = 5 * time.Second
)

// Hub owns all live rooms and sessions. A single mutex serializes every
// mutation, so each broadcast snapshot is consistent.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu         sync.Mutex
	rooms      map[rpc.RoomID]*room
	nextRoomID rpc.RoomID
}

type room struct {
	id      rpc.RoomID
	members map[rpc.PeerID]*member
	pending []rpc.UserID
}

type member struct {
	sess     *session
	projects map[rpc.ProjectID]struct{}
	active   *rpc.ProjectID
	muted    bool
}

// session is one websocket connection, identified by a server-assigned
// peer ID for its whole lifetime. All writes flow through the out queue
// and a single write pump, so responses and pushes are enqueued without
// ever touching the socket while hub.mu is held.
type session struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *zap.Logger
	userID rpc.UserID
	peerID rpc.PeerID

	out      chan rpc.Envelope
	done     chan struct{}
	stopOnce sync.Once

	// roomID is guarded by hub.mu; zero means not in any room.
	roomID rpc.RoomID
}

// New creates an empty Hub.
//
// Precondition: logger must be non-nil.
func New(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		rooms:      make(map[rpc.RoomID]*room),
		nextRoomID: 1,
	}
}

// RoomCount returns the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// ServeHTTP upgrades the connection, performs the hello exchange, and runs
// the session's read loop until the socket closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sess, err := h.accept(conn)
	if err != nil {
		h.logger.Warn("rejecting connection", zap.Error(err))
		return
	}
	sess.logger.Info("peer connected")
	defer func() {
		sess.shutdown()
		h.disconnect(sess)
		sess.logger.Info("peer disconnected")
	}()

	for {
		var env rpc.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		h.handle(sess, env)
	}
}

// accept performs the hello exchange and assigns the connection its peer ID.
func (h *Hub) accept(conn *websocket.Conn) (*session, error) {
	var env rpc.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	if env.Method != rpc.MethodHello {
		return nil, fmt.Errorf("expected %s, got %q", rpc.MethodHello, env.Method)
	}
	var req rpc.HelloRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, fmt.Errorf("decoding hello: %w", err)
	}
	if req.UserID == 0 {
		return nil, fmt.Errorf("hello without user id")
	}

	peerID := rpc.PeerID(uuid.NewString())
	sess := &session{
		hub:    h,
		conn:   conn,
		userID: req.UserID,
		peerID: peerID,
		out:    make(chan rpc.Envelope, sendBufferSize),
		done:   make(chan struct{}),
		logger: h.logger.With(
			zap.Uint64("user_id", uint64(req.UserID)),
			zap.String("peer_id", string(peerID)),
		),
	}
	go sess.writePump()
	sess.respond(env.ID, rpc.HelloResponse{PeerID: peerID}, nil)
	return sess, nil
}

// handle dispatches one request envelope under the hub lock.
func (h *Hub) handle(sess *session, env rpc.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var (
		reply any
		err   error
	)
	switch env.Method {
	case rpc.MethodCreateRoom:
		reply, err = h.createRoom(sess)
	case rpc.MethodJoinRoom:
		reply, err = h.joinRoom(sess, env.Payload)
	case rpc.MethodLeaveRoom:
		reply, err = h.leaveRoom(sess, env.Payload)
	case rpc.MethodInvite:
		reply, err = h.invite(sess, env.Payload)
	case rpc.MethodPublishProject:
		reply, err = h.publishProject(sess, env.Payload)
	case rpc.MethodUnpublishProject:
		reply, err = h.unpublishProject(sess, env.Payload)
	case rpc.MethodSetActiveProject:
		reply, err = h.setActiveProject(sess, env.Payload)
	case rpc.MethodSetMute:
		reply, err = h.setMute(sess, env.Payload)
	default:
		err = fmt.Errorf("unknown method %q", env.Method)
	}

	if err != nil {
		sess.logger.Warn("request failed",
			zap.String("method", env.Method),
			zap.Error(err),
		)
	}
	sess.respond(env.ID, reply, err)
}

func (h *Hub) createRoom(sess *session) (any, error) {
	if sess.roomID != 0 {
		return nil, fmt.Errorf("already in room %d", sess.roomID)
	}

	rm := &room{
		id:      h.nextRoomID,
		members: make(map[rpc.PeerID]*member),
	}
	h.nextRoomID++
	h.rooms[rm.id] = rm
	rm.addMember(sess)

	h.logger.Info("room created", zap.Uint64("room_id", uint64(rm.id)))
	h.broadcast(rm)
	return rpc.CreateRoomResponse{RoomID: rm.id}, nil
}

func (h *Hub) joinRoom(sess *session, payload json.RawMessage) (any, error) {
	var req rpc.JoinRoomRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if sess.roomID != 0 {
		return nil, fmt.Errorf("already in room %d", sess.roomID)
	}
	rm, ok := h.rooms[req.RoomID]
	if !ok {
		return nil, fmt.Errorf("no such room %d", req.RoomID)
	}

	rm.dropPending(sess.userID)
	rm.addMember(sess)
	h.broadcast(rm)
	return rpc.JoinRoomResponse{Room: rm.snapshot()}, nil
}

func (h *Hub) leaveRoom(sess *session, payload json.RawMessage) (any, error) {
	var req rpc.LeaveRoomRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	rm, ok := h.rooms[req.RoomID]
	if !ok || sess.roomID != req.RoomID {
		return nil, fmt.Errorf("not in room %d", req.RoomID)
	}

	h.removeMember(rm, sess)
	return rpc.AckResponse{}, nil
}

func (h *Hub) invite(sess *session, payload json.RawMessage) (any, error) {
	var req rpc.InviteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	rm, err := h.memberRoom(sess, req.RoomID)
	if err != nil {
		return nil, err
	}

	// Inviting someone already present or already invited is a no-op.
	for _, m := range rm.members {
		if m.sess.userID == req.ToUserID {
			return rpc.InviteResponse{}, nil
		}
	}
	for _, id := range rm.pending {
		if id == req.ToUserID {
			return rpc.InviteResponse{}, nil
		}
	}

	rm.pending = append(rm.pending, req.ToUserID)
	h.broadcast(rm)
	return rpc.InviteResponse{}, nil
}

func (h *Hub) publishProject(sess *session, payload json.RawMessage) (any, error) {
	var req rpc.PublishProjectRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	rm, err := h.memberRoom(sess, req.RoomID)
	if err != nil {
		return nil, err
	}

	rm.members[sess.peerID].projects[req.ProjectID] = struct{}{}
	h.broadcast(rm)
	return rpc.AckResponse{}, nil
}

func (h *Hub) unpublishProject(sess *session, payload json.RawMessage) (any, error) {
	var req rpc.UnpublishProjectRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	rm, err := h.memberRoom(sess, req.RoomID)
	if err != nil {
		return nil, err
	}

	delete(rm.members[sess.peerID].projects, req.ProjectID)
	h.broadcast(rm)
	return rpc.AckResponse{}, nil
}

func (h *Hub) setActiveProject(sess *session, payload json.RawMessage) (any, error) {
	var req rpc.SetActiveProjectRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	rm, err := h.memberRoom(sess, req.RoomID)
	if err != nil {
		return nil, err
	}

	rm.members[sess.peerID].active = req.ProjectID
	h.broadcast(rm)
	return rpc.AckResponse{}, nil
}

func (h *Hub) setMute(sess *session, payload json.RawMessage) (any, error) {
	var req rpc.SetMuteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	rm, err := h.memberRoom(sess, req.RoomID)
	if err != nil {
		return nil, err
	}

	rm.members[sess.peerID].muted = req.Muted
	return rpc.AckResponse{}, nil
}

// memberRoom resolves a room the session must currently occupy.
func (h *Hub) memberRoom(sess *session, id rpc.RoomID) (*room, error) {
	rm, ok := h.rooms[id]
	if !ok || sess.roomID != id {
		return nil, fmt.Errorf("not in room %d", id)
	}
	return rm, nil
}

// disconnect reaps a session whose socket closed without a leave_room.
func (h *Hub) disconnect(sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sess.roomID == 0 {
		return
	}
	if rm, ok := h.rooms[sess.roomID]; ok {
		h.removeMember(rm, sess)
	}
}

// removeMember drops a session from its room, deleting the room once the
// last member is gone and pushing the new snapshot to everyone left.
func (h *Hub) removeMember(rm *room, sess *session) {
	delete(rm.members, sess.peerID)
	sess.roomID = 0

	if len(rm.members) == 0 {
		delete(h.rooms, rm.id)
		h.logger.Info("room closed", zap.Uint64("room_id", uint64(rm.id)))
		return
	}
	h.broadcast(rm)
}

// broadcast pushes the room's current snapshot to every member.
func (h *Hub) broadcast(rm *room) {
	snap := rm.snapshot()
	for _, m := range rm.members {
		m.sess.push(rpc.MethodRoomUpdated, rpc.RoomUpdatedPush{Room: snap})
	}
}

func (rm *room) addMember(sess *session) {
	rm.members[sess.peerID] = &member{
		sess:     sess,
		projects: make(map[rpc.ProjectID]struct{}),
	}
	sess.roomID = rm.id
}

func (rm *room) dropPending(userID rpc.UserID) {
	for i, id := range rm.pending {
		if id == userID {
			rm.pending = append(rm.pending[:i], rm.pending[i+1:]...)
			return
		}
	}
}

func (rm *room) snapshot() *rpc.RoomSnapshot {
	snap := &rpc.RoomSnapshot{
		RoomID:         rm.id,
		Participants:   make([]rpc.ParticipantSnapshot, 0, len(rm.members)),
		PendingUserIDs: append([]rpc.UserID(nil), rm.pending...),
	}
	for peerID, m := range rm.members {
		snap.Participants = append(snap.Participants, rpc.ParticipantSnapshot{
			UserID:   m.sess.userID,
			PeerID:   peerID,
			Location: m.location(),
		})
	}
	return snap
}

// location derives the wire location from what the member is looking at
// and what they have shared.
func (m *member) location() rpc.LocationSnapshot {
	if m.active == nil {
		return rpc.LocationSnapshot{Kind: rpc.LocationExternal}
	}
	if _, shared := m.projects[*m.active]; shared {
		return rpc.LocationSnapshot{Kind: rpc.LocationSharedProject, ProjectID: *m.active}
	}
	return rpc.LocationSnapshot{Kind: rpc.LocationUnsharedProject}
}

// respond writes a response envelope. Requests without a correlation ID
// are fire-and-forget and get no reply.
func (s *session) respond(id string, reply any, err error) {
	if id == "" {
		return
	}
	env := rpc.Envelope{Kind: rpc.KindResponse, ID: id}
	if err != nil {
		env.Error = err.Error()
	} else if reply != nil {
		payload, merr := json.Marshal(reply)
		if merr != nil {
			s.logger.Error("encoding response", zap.Error(merr))
			env.Error = "internal error"
		} else {
			env.Payload = payload
		}
	}
	s.send(env)
}

func (s *session) push(method string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("encoding push", zap.Error(err))
		return
	}
	s.send(rpc.Envelope{Kind: rpc.KindPush, Method: method, Payload: data})
}

// send enqueues an envelope for the write pump. It never blocks: a
// session whose queue is full has stopped draining its socket, and
// stalling here would hold hub.mu against every other room. Such
// sessions are shut down; their read loop then reaps them.
func (s *session) send(env rpc.Envelope) {
	select {
	case s.out <- env:
	case <-s.done:
	default:
		s.logger.Warn("send queue full, dropping slow peer")
		s.shutdown()
	}
}

// writePump is the session's single socket writer. Each write carries a
// deadline so a dead peer cannot wedge the pump.
func (s *session) writePump() {
	for {
		select {
		case env := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(env); err != nil {
				s.logger.Debug("write failed", zap.Error(err))
				s.shutdown()
				return
			}
		case <-s.done:
			return
		}
	}
}

// shutdown stops the write pump and closes the socket. Safe to call
// more than once and from any goroutine.
func (s *session) shutdown() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
