package ws

import (
	"sync"
)

// Registry tracks live connections, which users they belong to and which
// conversation rooms each one has joined. It is purely transport-level
// bookkeeping; whether a user may join a room is decided by the gateway.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]*Connection            // sessionID -> connection
	userSessions map[string]map[string]struct{}    // userID -> set of sessionIDs
	rooms        map[string]map[string]*Connection // conversationID -> sessionID -> connection
	sessionRooms map[string]map[string]struct{}    // sessionID -> set of conversationIDs
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[string]*Connection),
		userSessions: make(map[string]map[string]struct{}),
		rooms:        make(map[string]map[string]*Connection),
		sessionRooms: make(map[string]map[string]struct{}),
	}
}

// Attach registers a connection and starts its write loop. A user may attach
// several connections concurrently, one per device.
func (r *Registry) Attach(conn *Connection) {
	r.mu.Lock()
	r.sessions[conn.ID] = conn
	userSet := r.userSessions[conn.UserID]
	if userSet == nil {
		userSet = make(map[string]struct{})
		r.userSessions[conn.UserID] = userSet
	}
	userSet[conn.ID] = struct{}{}
	r.sessionRooms[conn.ID] = make(map[string]struct{})
	r.mu.Unlock()

	conn.Start()
}

// Detach removes a connection and all its room memberships.
func (r *Registry) Detach(conn *Connection) {
	r.mu.Lock()
	r.detachLocked(conn.ID)
	r.mu.Unlock()
}

// Join adds the connection to the conversation room.
func (r *Registry) Join(conversationID string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[conn.ID]; !ok {
		return
	}

	room := r.rooms[conversationID]
	if room == nil {
		room = make(map[string]*Connection)
		r.rooms[conversationID] = room
	}
	room[conn.ID] = conn
	r.sessionRooms[conn.ID][conversationID] = struct{}{}
}

// Leave removes the connection from the conversation room.
func (r *Registry) Leave(conversationID string, conn *Connection) {
	r.mu.Lock()
	r.leaveLocked(conversationID, conn.ID)
	r.mu.Unlock()
}

// Broadcast writes payload to all members of the conversation room.
// excludeUserID, when non-empty, prevents delivering to that user.
func (r *Registry) Broadcast(conversationID string, payload []byte, excludeUserID string) int {
	r.mu.RLock()
	room := r.rooms[conversationID]
	conns := make([]*Connection, 0, len(room))
	for _, conn := range room {
		if excludeUserID != "" && conn.UserID == excludeUserID {
			continue
		}
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// NotifyUser delivers payload to every connection of the given user, room
// membership notwithstanding. excludeSessionID skips one connection (typically
// the originator, which gets its own tailored ack). Returns the number of
// connections reached.
func (r *Registry) NotifyUser(userID string, payload []byte, excludeSessionID string) int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.userSessions[userID]))
	for sessionID := range r.userSessions[userID] {
		if sessionID == excludeSessionID {
			continue
		}
		if conn := r.sessions[sessionID]; conn != nil {
			conns = append(conns, conn)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userSessions[userID]) > 0
}

// Close terminates all tracked connections and clears registry state.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.sessions))
	for _, conn := range r.sessions {
		conns = append(conns, conn)
	}
	r.sessions = make(map[string]*Connection)
	r.userSessions = make(map[string]map[string]struct{})
	r.rooms = make(map[string]map[string]*Connection)
	r.sessionRooms = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close(1001, "server shutdown")
	}
}

func (r *Registry) detachLocked(sessionID string) {
	conn, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)

	if userSet := r.userSessions[conn.UserID]; userSet != nil {
		delete(userSet, sessionID)
		if len(userSet) == 0 {
			delete(r.userSessions, conn.UserID)
		}
	}

	for roomID := range r.sessionRooms[sessionID] {
		r.leaveLocked(roomID, sessionID)
	}
	delete(r.sessionRooms, sessionID)
}

func (r *Registry) leaveLocked(conversationID, sessionID string) {
	room := r.rooms[conversationID]
	if room == nil {
		return
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(r.rooms, conversationID)
	}
	if memberships, ok := r.sessionRooms[sessionID]; ok {
		delete(memberships, conversationID)
	}
}
